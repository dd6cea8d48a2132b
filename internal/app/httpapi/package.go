package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/simianmac/msuadmin/internal/app/domain/pkginfo"
	"github.com/simianmac/msuadmin/internal/app/services/packages"
	"github.com/simianmac/msuadmin/internal/config"
	svcerrors "github.com/simianmac/msuadmin/internal/errors"
	"github.com/simianmac/msuadmin/internal/httputil"
	"github.com/simianmac/msuadmin/internal/plist"
)

const forceInstallLayout = "2006-01-02 15:04"

// packageHandler serves the single-package admin page and its form actions.
type packageHandler struct {
	*AdminHandler
	packages *packages.Service
	settings *config.Settings
}

func newPackageHandler(base *AdminHandler, svc *packages.Service, settings *config.Settings) *packageHandler {
	return &packageHandler{AdminHandler: base.Protected(), packages: svc, settings: settings}
}

// packageView is the package entity plus the values the page reads out of its
// plist.
type packageView struct {
	*pkginfo.PackageInfo
	Name                      string
	DisplayName               string
	Description               string
	Version                   string
	MinimumOSVersion          string
	MaximumOSVersion          string
	UnattendedInstall         bool
	ForceInstallAfterDate     string
	ForceInstallAfterDateTime string
}

func newPackageView(pkg *pkginfo.PackageInfo) packageView {
	v := packageView{PackageInfo: pkg, Name: pkg.Name}
	doc := pkg.Plist
	if doc == nil {
		return v
	}
	if name := doc.String(plist.KeyName); name != "" {
		v.Name = name
	}
	v.DisplayName = doc.String(plist.KeyDisplayName)
	v.Description = doc.String(plist.KeyDescription)
	v.Version = doc.String(plist.KeyVersion)
	v.MinimumOSVersion = doc.String(plist.KeyMinimumOSVersion)
	v.MaximumOSVersion = doc.String(plist.KeyMaximumOSVersion)
	v.UnattendedInstall, _ = doc.Bool(plist.KeyUnattendedInstall)
	if t, ok := doc.Date(plist.KeyForceInstallAfterDate); ok {
		v.ForceInstallAfterDate = t.Format("2006-01-02")
		v.ForceInstallAfterDateTime = t.Format("15:04")
	}
	return v
}

// filenameVar returns the URL-unescaped filename route variable.
func filenameVar(r *http.Request) (string, bool) {
	raw := mux.Vars(r)["filename"]
	if raw == "" {
		return "", true
	}
	filename, err := url.PathUnescape(raw)
	if err != nil {
		return "", false
	}
	return filename, true
}

func (h *packageHandler) get(w http.ResponseWriter, r *http.Request) {
	filename, ok := filenameVar(r)
	if !h.IsAdminUser(r) || !ok || filename == "" {
		httputil.NotFound(w, "")
		return
	}

	pkg, err := h.packages.Get(r.Context(), filename)
	if errors.Is(err, pkginfo.ErrNotFound) {
		httputil.NotFound(w, fmt.Sprintf("PackageInfo not found: %s", filename))
		return
	}
	if err != nil {
		h.writeError(w, r, filename, err)
		return
	}
	view := newPackageView(pkg)

	if r.FormValue("plist_xml") != "" {
		var xml []byte
		if pkg.Plist != nil {
			if xml, err = pkg.Plist.XML(); err != nil {
				h.writeError(w, r, filename, err)
				return
			}
		}
		h.Render(w, r, "plist.html", Values{
			"report_type":  "packages",
			"plist_type":   "package_plist",
			"xml":          XMLToHTML(string(xml)),
			"title":        fmt.Sprintf("Plist for %s", view.Name),
			"raw_xml_link": "/pkgsinfo/" + url.PathEscape(filename),
		}, nil)
		return
	}

	var plistXML string
	if pkg.Plist != nil && r.FormValue("editxml") != "" {
		xml, err := pkg.Plist.XML()
		if err != nil {
			h.writeError(w, r, filename, err)
			return
		}
		plistXML = string(xml)
	}

	h.Render(w, r, "package.html", Values{
		"report_type":                     "package",
		"plist_xml":                       plistXML,
		"pkg":                             view,
		"tracks":                          h.settings.Tracks,
		"install_types":                   h.settings.InstallTypes,
		"manifest_mod_groups":             h.settings.ManifestModGroups,
		"pkg_safe_to_modify":              pkg.IsSafeToModify(),
		"editxml":                         r.FormValue("editxml") != "",
		"manifests_and_catalogs_unlocked": pkg.ManifestsAndCatalogsUnlocked(),
	}, nil)
}

func (h *packageHandler) post(w http.ResponseWriter, r *http.Request) {
	if !h.IsAdminUser(r) {
		httputil.Forbidden(w, "Access Denied for current user")
		return
	}
	filename, ok := filenameVar(r)
	if !ok {
		httputil.NotFound(w, "")
		return
	}
	if err := r.ParseForm(); err != nil {
		httputil.BadRequest(w, "invalid form")
		return
	}

	action := "packages"
	if filename != "" {
		action = "package"
	}
	if !h.ValidXSRF(r, action) {
		h.log.LogSecurityEvent(r.Context(), "invalid_xsrf", map[string]interface{}{"path": r.URL.Path})
		httputil.BadRequest(w, "Invalid XSRF token. Please refresh and retry.")
		return
	}

	if filename == "" {
		if r.Form.Get("new_pkginfo_plist") != "" {
			h.updateFromPlist(w, r, true)
			return
		}
		httputil.NotFound(w, "")
		return
	}

	if r.Form.Get("new_pkginfo_plist") != "" {
		h.updateFromPlist(w, r, false)
		return
	}

	if _, err := h.packages.Get(r.Context(), filename); err != nil {
		if errors.Is(err, pkginfo.ErrNotFound) {
			httputil.NotFound(w, fmt.Sprintf("Filename not found: %s", filename))
			return
		}
		h.writeError(w, r, filename, err)
		return
	}

	switch {
	case r.Form.Get("delete") == "1":
		if err := h.packages.Delete(r.Context(), filename); err != nil {
			h.writeError(w, r, filename, err)
			return
		}
		http.Redirect(w, r, redirectURL("/admin/packages",
			[][2]string{{"msg", filename + " successfully deleted"}}, ""), http.StatusFound)
	case r.Form.Get("submit") == "save":
		h.updateFromForm(w, r, filename)
	case r.Form.Get("unlock") == "1":
		if _, err := h.packages.MakeSafeToModify(r.Context(), filename); err != nil {
			h.writeError(w, r, filename, err)
			return
		}
		http.Redirect(w, r, redirectURL("/admin/package/"+filename,
			[][2]string{{"msg", filename + " is safe to modify"}}, ""), http.StatusFound)
	default:
		httputil.BadRequest(w, "No action specified or unknown action.")
	}
}

func (h *packageHandler) updateFromForm(w http.ResponseWriter, r *http.Request, filename string) {
	u, err := parseUpdateForm(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if _, err := h.packages.Update(r.Context(), filename, u); err != nil {
		var updateErr *pkginfo.UpdateError
		if errors.As(err, &updateErr) {
			httputil.Forbidden(w, "PackageInfoUpdateError: "+updateErr.Reason)
			return
		}
		h.writeError(w, r, filename, err)
		return
	}

	http.Redirect(w, r, redirectURL("/admin/packages",
		[][2]string{{"msg", filename + " saved."}, {"activepkg", filename}},
		"package-"+filename), http.StatusFound)
}

func (h *packageHandler) updateFromPlist(w http.ResponseWriter, r *http.Request, createNew bool) {
	xml := strings.TrimSpace(r.Form.Get("new_pkginfo_plist"))
	pkg, err := h.packages.UpdateFromPlist(r.Context(), []byte(xml), createNew)
	if err != nil {
		var updateErr *pkginfo.UpdateError
		if errors.As(err, &updateErr) {
			httputil.BadRequest(w, "PackageInfo Error: "+updateErr.Error())
			return
		}
		h.writeError(w, r, "", err)
		return
	}

	http.Redirect(w, r, redirectURL("/admin/package/"+pkg.Filename,
		[][2]string{{"msg", "PackageInfo saved"}}, "package-"+pkg.Filename), http.StatusFound)
}

// writeError maps service failures that have no page-specific message.
func (h *packageHandler) writeError(w http.ResponseWriter, r *http.Request, filename string, err error) {
	switch {
	case errors.Is(err, pkginfo.ErrLocked), errors.Is(err, pkginfo.ErrConflict):
		httputil.WriteError(w, svcerrors.Locked("PackageInfo was locked; refresh and try again"))
	case errors.Is(err, pkginfo.ErrNotFound):
		httputil.WriteError(w, svcerrors.NotFound(fmt.Sprintf("Filename not found: %s", filename)))
	default:
		h.log.WithContext(r.Context()).WithError(err).WithField("filename", filename).Error("package request failed")
		httputil.WriteError(w, svcerrors.Internal("Internal Server Error", err))
	}
}

// parseUpdateForm turns the package form into a partial update. Unchecked
// checkbox groups submit nothing, so absent multi-valued fields clear.
func parseUpdateForm(r *http.Request) (pkginfo.Update, error) {
	var u pkginfo.Update

	if _, ok := r.Form["unattended_install"]; ok {
		v := r.Form.Get("unattended_install") == "on"
		u.UnattendedInstall = &v
	}

	date := strings.TrimSpace(r.Form.Get("force_install_after_date"))
	clock := strings.TrimSpace(r.Form.Get("force_install_after_date_time"))
	if date != "" || clock != "" {
		t, err := time.Parse(forceInstallLayout, date+" "+clock)
		if err != nil {
			return u, errors.New("invalid force_install date and/or time format")
		}
		u.ForceInstallAfterDate = &t
	} else {
		var zero time.Time
		u.ForceInstallAfterDate = &zero
	}

	u.Catalogs = formList(r, "catalogs")
	u.Manifests = formList(r, "manifests")
	u.InstallTypes = formList(r, "install_types")
	u.ManifestModAccess = formList(r, "manifest_mod_access")

	u.Name = formString(r, "name")
	u.Description = formString(r, "description")
	u.DisplayName = formString(r, "display_name")
	u.Version = formString(r, "version")
	u.MinimumOSVersion = formString(r, "minimum_os_version")
	u.MaximumOSVersion = formString(r, "maximum_os_version")
	return u, nil
}

func formList(r *http.Request, key string) []string {
	values := r.Form[key]
	if values == nil {
		return []string{}
	}
	return append([]string(nil), values...)
}

// formString returns the first value for key, nil when absent. Textarea line
// endings arrive as CRLF and are stored as LF.
func formString(r *http.Request, key string) *string {
	values, ok := r.Form[key]
	if !ok || len(values) == 0 {
		return nil
	}
	v := strings.ReplaceAll(values[0], "\r\n", "\n")
	return &v
}
