package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	app "github.com/simianmac/msuadmin/internal/app"
	"github.com/simianmac/msuadmin/internal/app/metrics"
	"github.com/simianmac/msuadmin/internal/auth"
	"github.com/simianmac/msuadmin/internal/httputil"
	"github.com/simianmac/msuadmin/internal/logging"
	"github.com/simianmac/msuadmin/internal/middleware"
	"github.com/simianmac/msuadmin/internal/xsrf"
)

//go:embed static
var staticFS embed.FS

// Options configures the admin HTTP surface.
type Options struct {
	StaticPath  string
	Sessions    *auth.Sessions
	Directory   *auth.Directory
	Tokens      *xsrf.Tokens
	RateLimiter *middleware.RateLimiter
	// AuditFile, when set, receives every audited request as a JSON line.
	AuditFile string
	Logger    *logging.Logger
}

// NewHandler returns the router serving the admin UI.
func NewHandler(application *app.Application, opts Options) (http.Handler, error) {
	log := opts.Logger
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	staticPath := "/" + strings.Trim(opts.StaticPath, "/")
	if staticPath == "/" {
		staticPath = "/static"
	}

	templates, err := LoadTemplates()
	if err != nil {
		return nil, err
	}
	sink, err := newFileAuditSink(opts.AuditFile)
	if err != nil {
		return nil, err
	}
	audit := newAuditLog(500, sink, log.Named("audit"))

	base := NewAdminHandler(staticPath, templates, opts.Tokens, log)
	pkg := newPackageHandler(base, application.Packages, application.Settings)
	pkgs := newPackagesHandler(base, application.Packages)
	cat := newCatalogHandler(base, application.Catalogs, application.Settings)
	login := newLoginHandler(base, opts.Sessions, opts.Directory)

	router := mux.NewRouter()
	// Filenames are matched escaped and unescaped by the handlers.
	router.UseEncodedPath()

	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggingMiddleware(log.Named("http")))
	sessions := middleware.NewSessionMiddleware(opts.Sessions, opts.Directory, log.Named("auth"), loginPath,
		[]string{"/healthz", "/metrics", staticPath + "/"})
	router.Use(sessions.Handler)
	if opts.RateLimiter != nil {
		router.Use(opts.RateLimiter.Handler)
	}
	router.Use(audit.middleware)

	router.HandleFunc("/healthz", healthHandler(application)).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, err
	}
	router.PathPrefix(staticPath + "/").Handler(http.StripPrefix(staticPath+"/", http.FileServer(http.FS(static))))

	router.HandleFunc(loginPath, login.form).Methods(http.MethodGet)
	router.HandleFunc(loginPath, login.login).Methods(http.MethodPost)
	router.HandleFunc("/logout", login.logout).Methods(http.MethodGet)

	router.Handle("/", http.RedirectHandler(defaultLanding, http.StatusFound)).Methods(http.MethodGet)
	router.Handle("/admin", http.RedirectHandler(defaultLanding, http.StatusFound)).Methods(http.MethodGet)

	router.HandleFunc("/admin/package", pkg.get).Methods(http.MethodGet)
	router.HandleFunc("/admin/package", pkg.post).Methods(http.MethodPost)
	router.HandleFunc("/admin/package/{filename:.+}", pkg.get).Methods(http.MethodGet)
	router.HandleFunc("/admin/package/{filename:.+}", pkg.post).Methods(http.MethodPost)

	router.HandleFunc("/admin/packages", pkgs.list).Methods(http.MethodGet)
	router.HandleFunc("/admin/packages/logs", pkgs.logs).Methods(http.MethodGet)
	router.HandleFunc("/pkgsinfo/{filename:.+}", pkgs.rawPlist).Methods(http.MethodGet)

	router.HandleFunc("/admin/catalog/{track}", cat.view).Methods(http.MethodGet)
	router.HandleFunc("/catalogs/{track}", cat.raw).Methods(http.MethodGet)

	router.HandleFunc("/admin/audit", audit.handler).Methods(http.MethodGet)

	return router, nil
}

func healthHandler(application *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := application.Health(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func isAdmin(r *http.Request) bool {
	return middleware.IsAdmin(r.Context())
}
