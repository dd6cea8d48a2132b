package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/simianmac/msuadmin/internal/app/domain/pkginfo"
	"github.com/simianmac/msuadmin/internal/app/services/packages"
	"github.com/simianmac/msuadmin/internal/app/storage"
	"github.com/simianmac/msuadmin/internal/httputil"
)

// packagesHandler lists packages and their change log.
type packagesHandler struct {
	*AdminHandler
	packages *packages.Service
}

func newPackagesHandler(base *AdminHandler, svc *packages.Service) *packagesHandler {
	return &packagesHandler{AdminHandler: base.Protected(), packages: svc}
}

func (h *packagesHandler) list(w http.ResponseWriter, r *http.Request) {
	pkgs, page, err := Paginate(r, h.packages.List, DefaultLimit)
	if err != nil {
		h.writeListError(w, r, err)
		return
	}
	views := make([]packageView, 0, len(pkgs))
	for _, p := range pkgs {
		views = append(views, newPackageView(p))
	}
	h.Render(w, r, "packages.html", Values{
		"report_type": "packages",
		"packages":    views,
		"activepkg":   r.URL.Query().Get("activepkg"),
	}, page)
}

func (h *packagesHandler) logs(w http.ResponseWriter, r *http.Request) {
	entries, page, err := Paginate(r, h.packages.ListLogs, DefaultLimit)
	if err != nil {
		h.writeListError(w, r, err)
		return
	}
	h.Render(w, r, "package_logs.html", Values{
		"report_type": "package_logs",
		"logs":        entries,
	}, page)
}

// rawPlist serves the stored plist of a package to admins.
func (h *packagesHandler) rawPlist(w http.ResponseWriter, r *http.Request) {
	filename, ok := filenameVar(r)
	if !h.IsAdminUser(r) || !ok || filename == "" {
		httputil.NotFound(w, "")
		return
	}
	pkg, err := h.packages.Get(r.Context(), filename)
	if errors.Is(err, pkginfo.ErrNotFound) || (err == nil && pkg.Plist == nil) {
		httputil.NotFound(w, fmt.Sprintf("PackageInfo not found: %s", filename))
		return
	}
	if err != nil {
		h.writeListError(w, r, err)
		return
	}
	xml, err := pkg.Plist.XML()
	if err != nil {
		h.writeListError(w, r, err)
		return
	}
	httputil.WriteXML(w, http.StatusOK, xml)
}

func (h *packagesHandler) writeListError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrInvalidCursor) {
		httputil.BadRequest(w, "Invalid page")
		return
	}
	h.log.WithContext(r.Context()).WithError(err).Error("package listing failed")
	httputil.InternalError(w, "Internal Server Error")
}
