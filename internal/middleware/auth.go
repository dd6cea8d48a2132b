package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/simianmac/msuadmin/internal/auth"
	svcerrors "github.com/simianmac/msuadmin/internal/errors"
	"github.com/simianmac/msuadmin/internal/httputil"
	"github.com/simianmac/msuadmin/internal/logging"
)

// Roles attached to authenticated requests.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// SessionMiddleware resolves the session cookie into the request user and
// role, and sends anonymous requests for protected paths to the login page.
type SessionMiddleware struct {
	sessions  *auth.Sessions
	directory *auth.Directory
	logger    *logging.Logger
	loginPath string
	skipPaths map[string]bool
	skipPre   []string
}

// NewSessionMiddleware creates the session middleware. Entries of skipPaths
// ending in "/" match as prefixes.
func NewSessionMiddleware(sessions *auth.Sessions, directory *auth.Directory, logger *logging.Logger, loginPath string, skipPaths []string) *SessionMiddleware {
	if logger == nil {
		logger = logging.NewDefault("auth")
	}
	m := &SessionMiddleware{
		sessions:  sessions,
		directory: directory,
		logger:    logger,
		loginPath: loginPath,
		skipPaths: map[string]bool{loginPath: true},
	}
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "/") {
			m.skipPre = append(m.skipPre, p)
			continue
		}
		m.skipPaths[p] = true
	}
	return m
}

// Handler returns the middleware handler
func (m *SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := m.authenticate(r)
		r = r.WithContext(ctx)

		if logging.GetUserID(ctx) != "" || m.skip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			target := m.loginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		httputil.WriteError(w, svcerrors.Unauthorized("Login required"))
	})
}

func (m *SessionMiddleware) authenticate(r *http.Request) context.Context {
	ctx := r.Context()
	email, err := m.sessions.FromRequest(r)
	if err != nil {
		if !errors.Is(err, http.ErrNoCookie) {
			m.logger.LogSecurityEvent(ctx, "invalid_session", map[string]interface{}{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
		}
		return ctx
	}

	role := RoleUser
	if m.directory.IsAdmin(email) {
		role = RoleAdmin
	}
	ctx = logging.WithRole(logging.WithUserID(ctx, email), role)
	m.logger.WithContext(ctx).WithField("role", role).Debug("session resolved")
	return ctx
}

func (m *SessionMiddleware) skip(path string) bool {
	if m.skipPaths[path] {
		return true
	}
	for _, p := range m.skipPre {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// IsAdmin reports whether the request user holds the admin role.
func IsAdmin(ctx context.Context) bool {
	return logging.GetRole(ctx) == RoleAdmin
}
