// Package auth authenticates admin UI users and carries their identity in a
// signed session cookie.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/simianmac/msuadmin/internal/config"
)

// CookieName is the session cookie.
const CookieName = "msu_session"

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid email or password")

// Claims is the session payload.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies HS256 session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions returns a session manager. secret must not be empty.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a session for email.
func (s *Sessions) Issue(email string) (string, error) {
	now := s.now()
	claims := Claims{
		Email: strings.ToLower(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(email),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    "msuadmin",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses token and returns its claims.
func (s *Sessions) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer("msuadmin"))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Email == "" {
		return nil, errors.New("invalid session")
	}
	return claims, nil
}

// SetCookie writes a session cookie for email.
func (s *Sessions) SetCookie(w http.ResponseWriter, r *http.Request, email string) error {
	token, err := s.Issue(email)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  s.now().Add(s.ttl),
	})
	return nil
}

// ClearCookie expires the session cookie.
func (s *Sessions) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// FromRequest returns the email carried by the request's session cookie.
func (s *Sessions) FromRequest(r *http.Request) (string, error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return "", err
	}
	claims, err := s.Verify(c.Value)
	if err != nil {
		return "", err
	}
	return claims.Email, nil
}

// Directory checks passwords and admin membership against the settings file.
type Directory struct {
	users  map[string]string
	admins map[string]struct{}
}

// NewDirectory indexes the users and admins of settings.
func NewDirectory(settings *config.Settings) *Directory {
	d := &Directory{users: make(map[string]string), admins: make(map[string]struct{})}
	for _, u := range settings.Users {
		d.users[strings.ToLower(u.Email)] = u.PasswordHash
	}
	for _, a := range settings.Admins {
		d.admins[strings.ToLower(a)] = struct{}{}
	}
	return d
}

// Authenticate verifies the password of email.
func (d *Directory) Authenticate(email, password string) error {
	hash, ok := d.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// IsAdmin reports whether email is on the admin allowlist.
func (d *Directory) IsAdmin(email string) bool {
	if email == "" {
		return false
	}
	_, ok := d.admins[strings.ToLower(email)]
	return ok
}

// HashPassword returns a bcrypt hash suitable for the settings file.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
