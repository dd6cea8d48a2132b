package httpapi

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/simianmac/msuadmin/internal/httputil"
	"github.com/simianmac/msuadmin/internal/logging"
	"github.com/simianmac/msuadmin/internal/middleware"
	"github.com/simianmac/msuadmin/internal/xsrf"
)

// QueryLimits are the page sizes a list view accepts.
var QueryLimits = []int{25, 50, 100, 250, 500, 1000, 2000}

// DefaultLimit is the page size used when the request names none.
const DefaultLimit = 25

// MenuItem is one entry of the navigation menu. Entries with only a Title
// are section headings.
type MenuItem struct {
	Type      string
	URL       template.URL
	Name      string
	Title     string
	AdminOnly bool
	Subitems  []MenuItem
}

// Menu is the admin UI navigation tree.
var Menu = []MenuItem{
	{Type: "summary", URL: "/admin", Name: "Summary"},
	{Type: "search", URL: "javascript:simian.showSearch(); void(0);", Name: "Search"},
	{Type: "munki_packages", Name: "Munki Packages", Subitems: []MenuItem{
		{Type: "packages", URL: "/admin/packages", Name: "Package Admin"},
		{Type: "package_logs", URL: "/admin/packages/logs", Name: "Logs"},
		{Type: "packages_historical", URL: "/admin/packages?historical=1", Name: "Historical List"},
		{Type: "packages_installs", URL: "/admin/installs", Name: "Installs"},
		{Type: "packages_failures", URL: "/admin/installs?failures=1", Name: "Failures"},
		{Type: "packages_problems", URL: "/admin/installproblems", Name: "Other Install Problems"},
	}},
	{Type: "apple_updates", Name: "Apple Updates", Subitems: []MenuItem{
		{Type: "apple_applesus", URL: "/admin/applesus", Name: "Catalog Admin"},
		{Type: "apple_logs", URL: "/admin/applesus/logs", Name: "Logs"},
		{Type: "apple_historical", URL: "/admin/packages?applesus=1", Name: "Historical List"},
		{Type: "apple_installs", URL: "/admin/installs?applesus=1", Name: "Installs"},
		{Type: "apple_failures", URL: "/admin/installs?applesus=1&failures=1", Name: "Failures"},
	}},
	{Type: "manifests", Name: "Manifests", Subitems: []MenuItem{
		{Type: "manifests_admin", URL: "/admin/manifest_modifications", Name: "Modification Admin"},
		{Type: "manifests_aliases", URL: "/admin/package_alias", Name: "Package Aliases"},
		{Type: "manifest_stable", URL: "/admin/manifest/stable", Name: "View Stable"},
		{Type: "manifest_testing", URL: "/admin/manifest/testing", Name: "View Testing"},
		{Type: "manifest_unstable", URL: "/admin/manifest/unstable", Name: "View Unstable"},
	}},
	{Type: "admin_tools", Name: "Admin Tools", AdminOnly: true, Subitems: []MenuItem{
		{Type: "acl_groups", URL: "/admin/acl_groups", Name: "ACL Groups"},
		{Type: "config", URL: "/admin/config", Name: "Configuration"},
		{Type: "ip_blacklist", URL: "/admin/ip_blacklist", Name: "IP Blacklist"},
		{Type: "lock_admin", URL: "/admin/lock_admin", Name: "Lock Admin"},
		{Type: "panic", URL: "/admin/panic", Name: "Panic Mode"},
		{Type: "audit", URL: "/admin/audit", Name: "Audit Log"},
	}},
	{Type: "tags", URL: "/admin/tags", Name: "Tags"},
	{Title: "Client Reports"},
	{Type: "broken_clients", URL: "/admin/brokenclients", Name: "Broken Clients"},
	{Type: "diskfree", URL: "/admin/diskfree", Name: "Low Disk Space"},
	{Type: "uptime", URL: "/admin/uptime", Name: "Long Uptime"},
	{Type: "offcorp", URL: "/admin/offcorp", Name: "Longest Off Corp"},
	{Type: "loststolen", URL: "/admin/loststolen", Name: "Lost/Stolen Computers"},
	{Type: "msu_gui_logs", URL: "/admin/msulogsummary", Name: "MSU GUI Logs"},
	{Type: "preflight_exits", URL: "/admin/preflightexits", Name: "Preflight Exits"},
	{Type: "usersettings_knobs", URL: "/admin/user_settings", Name: "UserSettings Knobs"},
}

//go:embed templates/*.html
var templateFS embed.FS

var templateFuncs = template.FuncMap{
	"join": strings.Join,
	"has": func(list []string, v string) bool {
		for _, item := range list {
			if item == v {
				return true
			}
		}
		return false
	},
	"datetime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04:05 MST")
	},
}

// Templates holds one parsed template set per page, each sharing the base
// layout.
type Templates struct {
	pages map[string]*template.Template
}

// LoadTemplates parses the embedded page templates.
func LoadTemplates() (*Templates, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	t := &Templates{pages: make(map[string]*template.Template)}
	for _, e := range entries {
		name := e.Name()
		if name == "base.html" {
			continue
		}
		page, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, "templates/base.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		t.pages[name] = page
	}
	return t, nil
}

// Execute renders page into a buffer.
func (t *Templates) Execute(page string, values Values) ([]byte, error) {
	tmpl, ok := t.pages[page]
	if !ok {
		return nil, fmt.Errorf("unknown template %s", page)
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Values are the data handed to a page template.
type Values map[string]interface{}

// Page describes one page of a paginated listing.
type Page struct {
	Limit        int
	NextPage     string
	ResultsCount int
}

// Paginate reads the limit and page query parameters and fetches one page
// through fetch.
// The next page cursor is kept only when a full page came back.
func Paginate[T any](r *http.Request, fetch func(ctx context.Context, cursor string, limit int) ([]T, string, error), defaultLimit int) ([]T, *Page, error) {
	limit, err := strconv.Atoi(r.FormValue("limit"))
	if err != nil || !validLimit(limit) {
		limit = defaultLimit
	}

	entities, next, err := fetch(r.Context(), r.FormValue("page"), limit)
	if err != nil {
		return nil, nil, err
	}
	page := &Page{Limit: limit, ResultsCount: len(entities)}
	if len(entities) == limit {
		page.NextPage = next
	}
	return entities, page, nil
}

func validLimit(limit int) bool {
	for _, l := range QueryLimits {
		if l == limit {
			return true
		}
	}
	return false
}

// AdminHandler carries what every admin page needs: the admin check, the
// template set and anti-forgery tokens. XSRFProtect makes Render issue a
// token for the page's report type.
type AdminHandler struct {
	StaticPath  string
	XSRFProtect bool

	templates *Templates
	tokens    *xsrf.Tokens
	log       *logging.Logger
}

// NewAdminHandler returns an unprotected base handler.
func NewAdminHandler(staticPath string, templates *Templates, tokens *xsrf.Tokens, log *logging.Logger) *AdminHandler {
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	return &AdminHandler{StaticPath: staticPath, templates: templates, tokens: tokens, log: log}
}

// Protected returns a copy of a that issues XSRF tokens when rendering.
func (a *AdminHandler) Protected() *AdminHandler {
	c := *a
	c.XSRFProtect = true
	return &c
}

// IsAdminUser reports whether the request user is on the admin allowlist.
// The session middleware resolves this once per request.
func (a *AdminHandler) IsAdminUser(r *http.Request) bool {
	return middleware.IsAdmin(r.Context())
}

// ValidXSRF checks the request's xsrf_token for action.
func (a *AdminHandler) ValidXSRF(r *http.Request, action string) bool {
	return a.tokens.Valid(r.FormValue("xsrf_token"), logging.GetUserID(r.Context()), action)
}

// TemplateValues adds the standard layout values to values.
func (a *AdminHandler) TemplateValues(r *http.Request, values Values, page *Page) Values {
	if values == nil {
		values = Values{}
	}
	values["static_path"] = a.StaticPath
	values["is_admin"] = a.IsAdminUser(r)
	values["menu"] = Menu
	values["user"] = logging.GetUserID(r.Context())

	if _, ok := values["msg"]; !ok {
		values["msg"] = r.URL.Query().Get("msg")
	}
	if _, ok := values["report_type"]; !ok {
		values["report_type"] = "undefined_report"
	}
	if a.XSRFProtect {
		values["xsrf_token"] = a.tokens.Generate(logging.GetUserID(r.Context()), fmt.Sprint(values["report_type"]))
	}

	if page != nil {
		values["limit"] = page.Limit
		values["next_page"] = page.NextPage
		values["results_count"] = page.ResultsCount
		values["limits"] = QueryLimits
		values["request_query_params"] = r.URL.Query()
		values["request_path"] = r.URL.Path

		if page.NextPage != "" {
			q := r.URL.Query()
			q.Set("page", page.NextPage)
			values["next_page_link"] = r.URL.Path + "?" + q.Encode()
		}
	}
	return values
}

// Render executes the page template with the standard values and writes it.
func (a *AdminHandler) Render(w http.ResponseWriter, r *http.Request, name string, values Values, page *Page) {
	a.RenderStatus(w, r, http.StatusOK, name, values, page)
}

// RenderStatus is Render with an explicit status code.
func (a *AdminHandler) RenderStatus(w http.ResponseWriter, r *http.Request, status int, name string, values Values, page *Page) {
	body, err := a.templates.Execute(name, a.TemplateValues(r, values, page))
	if err != nil {
		a.log.WithContext(r.Context()).WithError(err).WithField("template", name).Error("render failed")
		httputil.InternalError(w, "Internal Server Error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

var xmlTag = regexp.MustCompile(`<(/?)(\w*)([^<>]*)>`)

// XMLToHTML renders an XML document as styled HTML. The input is trusted
// server-generated XML.
func XMLToHTML(xml string) template.HTML {
	html := xmlTag.ReplaceAllString(xml,
		`<span class="xml_tag $2">&lt;$1<span class="xml_key">$2</span><span class="xml_attributes">$3</span>&gt;</span>`)
	html = strings.ReplaceAll(html, "  ", "&nbsp;&nbsp;&nbsp;&nbsp;")
	html = strings.ReplaceAll(html, "\n", "<br/>")
	return template.HTML(`<div class="xml">` + html + `</div>`)
}

// redirectURL builds a local redirect target with ordered query parameters.
func redirectURL(path string, params [][2]string, fragment string) string {
	u := url.URL{Path: path, Fragment: fragment}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p[0])+"="+url.QueryEscape(p[1]))
	}
	u.RawQuery = strings.Join(parts, "&")
	return u.String()
}
