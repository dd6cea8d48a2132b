package httpapi

import (
	"net/http"
	"strings"

	"github.com/simianmac/msuadmin/internal/auth"
	"github.com/simianmac/msuadmin/internal/httputil"
)

const (
	loginPath       = "/login"
	defaultLanding  = "/admin/packages"
	loginXSRFAction = "login"
)

type loginHandler struct {
	*AdminHandler
	sessions  *auth.Sessions
	directory *auth.Directory
}

func newLoginHandler(base *AdminHandler, sessions *auth.Sessions, directory *auth.Directory) *loginHandler {
	return &loginHandler{AdminHandler: base.Protected(), sessions: sessions, directory: directory}
}

// safeNext keeps post-login redirects on this host.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return defaultLanding
	}
	return next
}

func (h *loginHandler) form(w http.ResponseWriter, r *http.Request) {
	h.Render(w, r, "login.html", Values{
		"report_type": loginXSRFAction,
		"next":        safeNext(r.URL.Query().Get("next")),
	}, nil)
}

func (h *loginHandler) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.BadRequest(w, "invalid form")
		return
	}
	if !h.ValidXSRF(r, loginXSRFAction) {
		httputil.BadRequest(w, "Invalid XSRF token. Please refresh and retry.")
		return
	}

	email := strings.TrimSpace(r.Form.Get("email"))
	next := safeNext(r.Form.Get("next"))
	if err := h.directory.Authenticate(email, r.Form.Get("password")); err != nil {
		h.log.LogSecurityEvent(r.Context(), "login_failed", map[string]interface{}{"email": email})
		h.RenderStatus(w, r, http.StatusUnauthorized, "login.html", Values{
			"report_type": loginXSRFAction,
			"next":        next,
			"msg":         "Invalid email or password",
		}, nil)
		return
	}
	if err := h.sessions.SetCookie(w, r, email); err != nil {
		h.log.WithContext(r.Context()).WithError(err).Error("issue session failed")
		httputil.InternalError(w, "Internal Server Error")
		return
	}
	h.log.WithContext(r.Context()).WithField("email", email).Info("user logged in")
	http.Redirect(w, r, next, http.StatusFound)
}

func (h *loginHandler) logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearCookie(w)
	http.Redirect(w, r, loginPath, http.StatusFound)
}
