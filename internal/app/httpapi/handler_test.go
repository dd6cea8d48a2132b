package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	app "github.com/simianmac/msuadmin/internal/app"
	"github.com/simianmac/msuadmin/internal/app/domain/pkginfo"
	"github.com/simianmac/msuadmin/internal/app/services/packages"
	"github.com/simianmac/msuadmin/internal/app/storage/memory"
	"github.com/simianmac/msuadmin/internal/auth"
	"github.com/simianmac/msuadmin/internal/config"
	"github.com/simianmac/msuadmin/internal/lock"
	"github.com/simianmac/msuadmin/internal/logging"
	"github.com/simianmac/msuadmin/internal/mail"
	"github.com/simianmac/msuadmin/internal/plist"
	"github.com/simianmac/msuadmin/internal/xsrf"
)

const (
	adminEmail = "admin@example.com"
	userEmail  = "user@example.com"
	password   = "correct horse"
)

var (
	hashOnce sync.Once
	pwHash   string
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []mail.Message
}

func (s *recordingSender) Send(_ context.Context, msg mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Subject)
	}
	return out
}

type testEnv struct {
	app      *app.Application
	handler  http.Handler
	sessions *auth.Sessions
	tokens   *xsrf.Tokens
	sender   *recordingSender
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStores(t, app.Stores{})
}

func newTestEnvWithStores(t *testing.T, stores app.Stores) *testEnv {
	t.Helper()
	hashOnce.Do(func() {
		h, err := auth.HashPassword(password)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		pwHash = h
	})

	settings := config.DefaultSettings()
	settings.Admins = []string{adminEmail}
	settings.Users = []config.User{
		{Email: adminEmail, PasswordHash: pwHash},
		{Email: userEmail, PasswordHash: pwHash},
	}

	sender := &recordingSender{}
	application, err := app.New(stores, app.Options{
		Settings:           settings,
		Notifier:           mail.NewNotifier(sender, []string{"ops@example.com"}, logging.NewDiscard()),
		EmailOnEveryChange: true,
		CatalogDelay:       time.Hour,
	}, logging.NewDiscard())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}

	env := &testEnv{
		app:      application,
		sessions: auth.NewSessions("session-secret", time.Hour),
		tokens:   xsrf.New("xsrf-secret", time.Hour),
		sender:   sender,
	}
	env.handler, err = NewHandler(application, Options{
		Sessions:  env.sessions,
		Directory: auth.NewDirectory(settings),
		Tokens:    env.tokens,
		Logger:    logging.NewDiscard(),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return env
}

func (e *testEnv) request(t *testing.T, method, path, user string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		token, err := e.sessions.Issue(user)
		if err != nil {
			t.Fatalf("issue session: %v", err)
		}
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	}
	resp := httptest.NewRecorder()
	e.handler.ServeHTTP(resp, req)
	return resp
}

func (e *testEnv) form(user, action string, kv ...string) url.Values {
	v := url.Values{}
	v.Set("xsrf_token", e.tokens.Generate(user, action))
	for i := 0; i+1 < len(kv); i += 2 {
		v.Add(kv[i], kv[i+1])
	}
	return v
}

func pkginfoXML(filename, name, version string, catalogs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
  <key>catalogs</key>
  <array>
`)
	for _, c := range catalogs {
		fmt.Fprintf(&b, "    <string>%s</string>\n", c)
	}
	fmt.Fprintf(&b, `  </array>
  <key>installer_item_location</key>
  <string>%s</string>
  <key>name</key>
  <string>%s</string>
  <key>version</key>
  <string>%s</string>
</dict>
</plist>
`, filename, name, version)
	return b.String()
}

func (e *testEnv) createPackage(t *testing.T, filename string, catalogs ...string) {
	t.Helper()
	form := e.form(adminEmail, "packages", "new_pkginfo_plist", pkginfoXML(filename, "Firefox", "120.0", catalogs...))
	resp := e.request(t, http.MethodPost, "/admin/package", adminEmail, form)
	if resp.Code != http.StatusFound {
		t.Fatalf("create package: expected 302, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCreatePackageFromPlist(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg", "unstable")

	form := env.form(adminEmail, "packages", "new_pkginfo_plist", pkginfoXML("Chrome.dmg", "Chrome", "1"))
	resp := env.request(t, http.MethodPost, "/admin/package", adminEmail, form)
	if got, want := resp.Header().Get("Location"), "/admin/package/Chrome.dmg?msg=PackageInfo+saved#package-Chrome.dmg"; got != want {
		t.Fatalf("location = %q, want %q", got, want)
	}

	resp = env.request(t, http.MethodPost, "/admin/package", adminEmail,
		env.form(adminEmail, "packages", "new_pkginfo_plist", pkginfoXML("Chrome.dmg", "Chrome", "1")))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("duplicate create: expected 400, got %d", resp.Code)
	}
	if !strings.HasPrefix(resp.Body.String(), "PackageInfo Error: PackageInfo already exists: Chrome.dmg") {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}

	pkg, err := env.app.Packages.Get(context.Background(), "Firefox.dmg")
	if err != nil {
		t.Fatalf("get created package: %v", err)
	}
	if pkg.User != adminEmail {
		t.Fatalf("expected user recorded, got %q", pkg.User)
	}

	subjects := env.sender.subjects()
	if len(subjects) != 2 || subjects[0] != "MSU Package Update by admin@example.com - Firefox.dmg" {
		t.Fatalf("unexpected notifications %v", subjects)
	}
}

func TestCreateWithoutPlistIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodPost, "/admin/package", adminEmail, env.form(adminEmail, "packages"))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestUpdateFromInvalidPlist(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg")

	resp := env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail,
		env.form(adminEmail, "package", "new_pkginfo_plist", "<plist><dict>"))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if !strings.HasPrefix(resp.Body.String(), "PackageInfo Error: invalid plist") {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}
}

func TestGetPackage(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox 120.dmg", "unstable")

	resp := env.request(t, http.MethodGet, "/admin/package/Firefox%20120.dmg", userEmail, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("non-admin: expected 404, got %d", resp.Code)
	}

	resp = env.request(t, http.MethodGet, "/admin/package/Firefox%20120.dmg", adminEmail, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	body := resp.Body.String()
	for _, want := range []string{"Firefox", "120.0", `name="xsrf_token"`, `<input type="hidden" name="catalogs" value="unstable">`} {
		if !strings.Contains(body, want) {
			t.Fatalf("package page missing %q", want)
		}
	}

	resp = env.request(t, http.MethodGet, "/admin/package/missing.dmg", adminEmail, nil)
	if resp.Code != http.StatusNotFound || resp.Body.String() != "PackageInfo not found: missing.dmg" {
		t.Fatalf("missing: got %d %q", resp.Code, resp.Body.String())
	}

	resp = env.request(t, http.MethodGet, "/admin/package", adminEmail, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("empty filename: expected 404, got %d", resp.Code)
	}
}

func TestEditPlistPrefillsDocument(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg", "unstable")

	resp := env.request(t, http.MethodGet, "/admin/package/Firefox.dmg?editxml=1", adminEmail, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("get: %d", resp.Code)
	}
	body := resp.Body.String()
	start := strings.Index(body, `<textarea name="new_pkginfo_plist"`)
	if start < 0 {
		t.Fatalf("plist editor missing: %s", body)
	}
	editor := body[start:]
	editor = editor[:strings.Index(editor, "</textarea>")]
	for _, want := range []string{"&lt;key&gt;name&lt;/key&gt;", "&lt;string&gt;Firefox&lt;/string&gt;", "&lt;string&gt;Firefox.dmg&lt;/string&gt;"} {
		if !strings.Contains(editor, want) {
			t.Fatalf("editor missing %s: %s", want, editor)
		}
	}
}

func TestGetPackagePlistXML(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg")

	resp := env.request(t, http.MethodGet, "/admin/package/Firefox.dmg?plist_xml=1", adminEmail, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	body := resp.Body.String()
	for _, want := range []string{"Plist for Firefox", `<div class="xml">`, `href="/pkgsinfo/Firefox.dmg"`, `class="package_plist"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("plist page missing %q", want)
		}
	}

	resp = env.request(t, http.MethodGet, "/pkgsinfo/Firefox.dmg", adminEmail, nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "<string>Firefox.dmg</string>") {
		t.Fatalf("raw plist: got %d %q", resp.Code, resp.Body.String())
	}
}

func TestPostRequiresAdminAndXSRF(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg")

	resp := env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", userEmail, env.form(userEmail, "package", "delete", "1"))
	if resp.Code != http.StatusForbidden || resp.Body.String() != "Access Denied for current user" {
		t.Fatalf("non-admin: got %d %q", resp.Code, resp.Body.String())
	}

	// A token minted for the list page does not authorize package actions.
	resp = env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail, env.form(adminEmail, "packages", "delete", "1"))
	if resp.Code != http.StatusBadRequest || resp.Body.String() != "Invalid XSRF token. Please refresh and retry." {
		t.Fatalf("bad xsrf: got %d %q", resp.Code, resp.Body.String())
	}

	resp = env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", "", env.form("", "package", "delete", "1"))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", resp.Code)
	}
}

func TestPostActions(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg", "unstable")

	resp := env.request(t, http.MethodPost, "/admin/package/Missing.dmg", adminEmail, env.form(adminEmail, "package", "delete", "1"))
	if resp.Code != http.StatusNotFound || resp.Body.String() != "Filename not found: Missing.dmg" {
		t.Fatalf("missing: got %d %q", resp.Code, resp.Body.String())
	}

	resp = env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail, env.form(adminEmail, "package"))
	if resp.Code != http.StatusBadRequest || resp.Body.String() != "No action specified or unknown action." {
		t.Fatalf("no action: got %d %q", resp.Code, resp.Body.String())
	}

	resp = env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail, env.form(adminEmail, "package", "unlock", "1"))
	if got, want := resp.Header().Get("Location"), "/admin/package/Firefox.dmg?msg=Firefox.dmg+is+safe+to+modify"; got != want {
		t.Fatalf("unlock location = %q, want %q", got, want)
	}
	pkg, err := env.app.Packages.Get(context.Background(), "Firefox.dmg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(pkg.Catalogs) != 0 {
		t.Fatalf("expected catalogs cleared, got %v", pkg.Catalogs)
	}

	resp = env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail, env.form(adminEmail, "package", "delete", "1"))
	if got, want := resp.Header().Get("Location"), "/admin/packages?msg=Firefox.dmg+successfully+deleted"; got != want {
		t.Fatalf("delete location = %q, want %q", got, want)
	}
	if _, err := env.app.Packages.Get(context.Background(), "Firefox.dmg"); err != pkginfo.ErrNotFound {
		t.Fatalf("expected deleted, got %v", err)
	}

	subjects := strings.Join(env.sender.subjects(), "\n")
	for _, want := range []string{"MSU Package Unlocked by admin@example.com - Firefox.dmg", "MSU Package Deleted by admin@example.com - Firefox.dmg"} {
		if !strings.Contains(subjects, want) {
			t.Fatalf("missing notification %q in %q", want, subjects)
		}
	}
}

func TestFormUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg")

	form := env.form(adminEmail, "package",
		"submit", "save",
		"unattended_install", "on",
		"force_install_after_date", "2024-05-01",
		"force_install_after_date_time", "13:30",
		"catalogs", "unstable",
		"catalogs", "testing",
		"install_types", "managed_installs",
		"display_name", "Mozilla Firefox",
	)
	resp := env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail, form)
	want := "/admin/packages?msg=Firefox.dmg+saved.&activepkg=Firefox.dmg#package-Firefox.dmg"
	if resp.Code != http.StatusFound || resp.Header().Get("Location") != want {
		t.Fatalf("got %d location %q body %q", resp.Code, resp.Header().Get("Location"), resp.Body.String())
	}

	pkg, err := env.app.Packages.Get(context.Background(), "Firefox.dmg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.Join(pkg.Catalogs, ",") != "unstable,testing" {
		t.Fatalf("unexpected catalogs %v", pkg.Catalogs)
	}
	if got := pkg.Plist.String("display_name"); got != "Mozilla Firefox" {
		t.Fatalf("display_name = %q", got)
	}
	if v, _ := pkg.Plist.Bool("unattended_install"); !v {
		t.Fatalf("expected unattended_install")
	}
	if d, ok := pkg.Plist.Date("force_install_after_date"); !ok || !d.Equal(time.Date(2024, 5, 1, 13, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected force_install_after_date %v", d)
	}

	env.sender.mu.Lock()
	last := env.sender.msgs[len(env.sender.msgs)-1]
	env.sender.mu.Unlock()
	if !strings.HasPrefix(last.Body, "New configuration:\n") || !strings.Contains(last.Body, "Catalogs:  --> unstable, testing") {
		t.Fatalf("unexpected change body %q", last.Body)
	}

	// Omitting the date fields removes the key.
	resp = env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail,
		env.form(adminEmail, "package", "submit", "save", "catalogs", "unstable"))
	if resp.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.Code)
	}
	pkg, _ = env.app.Packages.Get(context.Background(), "Firefox.dmg")
	if pkg.Plist.Has("force_install_after_date") {
		t.Fatalf("expected force_install_after_date removed")
	}
}

func TestFormUpdateErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg")

	resp := env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail,
		env.form(adminEmail, "package", "submit", "save", "force_install_after_date", "2024-05-01"))
	if resp.Code != http.StatusBadRequest || resp.Body.String() != "invalid force_install date and/or time format" {
		t.Fatalf("bad date: got %d %q", resp.Code, resp.Body.String())
	}

	resp = env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail,
		env.form(adminEmail, "package", "submit", "save", "catalogs", "nightly"))
	if resp.Code != http.StatusForbidden || !strings.HasPrefix(resp.Body.String(), "PackageInfoUpdateError: ") {
		t.Fatalf("unknown catalog: got %d %q", resp.Code, resp.Body.String())
	}

	if _, err := env.app.Packages.Update(context.Background(), "Firefox.dmg", pkginfo.Update{Manifests: []string{"stable"}}); err != nil {
		t.Fatalf("assign manifest: %v", err)
	}
	resp = env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail,
		env.form(adminEmail, "package", "submit", "save", "manifests", "stable", "version", "121.0"))
	if resp.Code != http.StatusForbidden || !strings.Contains(resp.Body.String(), "not safe to modify") {
		t.Fatalf("unsafe change: got %d %q", resp.Code, resp.Body.String())
	}
}

func TestFormUpdateLocked(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg")

	locker := lock.NewMemory()
	env.app.Packages.AttachLocker(locker, time.Minute)
	lease, err := locker.TryLock(context.Background(), packages.LockName("Firefox.dmg"), time.Minute)
	if err != nil {
		t.Fatalf("take lock: %v", err)
	}
	defer lease.Release(context.Background())

	resp := env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail,
		env.form(adminEmail, "package", "submit", "save", "catalogs", "unstable"))
	if resp.Code != http.StatusFound || resp.Body.String() != "PackageInfo was locked; refresh and try again" {
		t.Fatalf("locked: got %d %q", resp.Code, resp.Body.String())
	}
	if resp.Header().Get("Location") != "" {
		t.Fatalf("lock conflict must not redirect")
	}
}

func TestFormUpdateOnDeployedPackage(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg")

	ctx := context.Background()
	desc := "Web browser.\nSecond line."
	if _, err := env.app.Packages.Update(ctx, "Firefox.dmg", pkginfo.Update{Description: &desc}); err != nil {
		t.Fatalf("set description: %v", err)
	}
	if _, err := env.app.Packages.Update(ctx, "Firefox.dmg", pkginfo.Update{Manifests: []string{"stable"}}); err != nil {
		t.Fatalf("assign manifest: %v", err)
	}

	resp := env.request(t, http.MethodGet, "/admin/package/Firefox.dmg", adminEmail, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("get: %d", resp.Code)
	}
	body := resp.Body.String()
	for _, field := range []string{`name="name"`, `name="description"`, `name="version"`, `name="minimum_os_version"`} {
		if strings.Contains(body, field) {
			t.Fatalf("deployed package page should not submit %s", field)
		}
	}
	if !strings.Contains(body, "Second line.") {
		t.Fatalf("description not shown: %s", body)
	}

	// Forms rendered before deployment still post the description, with CRLF
	// line endings.
	resp = env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail,
		env.form(adminEmail, "package",
			"submit", "save",
			"description", "Web browser.\r\nSecond line.",
			"manifests", "stable",
			"install_types", "managed_installs",
			"unattended_install", "off",
			"force_install_after_date", "",
			"force_install_after_date_time", ""))
	if resp.Code != http.StatusFound {
		t.Fatalf("save: got %d %q", resp.Code, resp.Body.String())
	}

	pkg, err := env.app.Packages.Get(ctx, "Firefox.dmg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.Join(pkg.InstallTypes, ",") != "managed_installs" {
		t.Fatalf("install types = %v", pkg.InstallTypes)
	}
	if got := pkg.Plist.String(plist.KeyDescription); got != desc {
		t.Fatalf("description = %q", got)
	}
}

type conflictingStore struct {
	*memory.Store
}

func (conflictingStore) SavePackageInfo(context.Context, *pkginfo.PackageInfo) (*pkginfo.PackageInfo, error) {
	return nil, pkginfo.ErrConflict
}

func TestFormUpdateRevisionConflict(t *testing.T) {
	env := newTestEnvWithStores(t, app.Stores{Packages: conflictingStore{Store: memory.New()}})
	env.createPackage(t, "Firefox.dmg")

	resp := env.request(t, http.MethodPost, "/admin/package/Firefox.dmg", adminEmail,
		env.form(adminEmail, "package", "submit", "save", "catalogs", "unstable"))
	if resp.Code != http.StatusFound || resp.Body.String() != "PackageInfo was locked; refresh and try again" {
		t.Fatalf("conflict: got %d %q", resp.Code, resp.Body.String())
	}
}

func TestPackagesListPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 26; i++ {
		env.createPackage(t, fmt.Sprintf("pkg-%02d.dmg", i))
	}

	resp := env.request(t, http.MethodGet, "/admin/packages?activepkg=pkg-03.dmg", userEmail, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	body := resp.Body.String()
	if !strings.Contains(body, "25 results") || !strings.Contains(body, "Next page") {
		t.Fatalf("expected a full first page with a next link")
	}
	if strings.Contains(body, "pkg-25.dmg") {
		t.Fatalf("first page must stop at the limit")
	}
	if strings.Contains(body, "new_pkginfo_plist") {
		t.Fatalf("upload form is admin-only")
	}

	resp = env.request(t, http.MethodGet, "/admin/packages?limit=50", adminEmail, nil)
	body = resp.Body.String()
	if !strings.Contains(body, "26 results") || strings.Contains(body, "Next page") {
		t.Fatalf("expected a single page of 26")
	}

	resp = env.request(t, http.MethodGet, "/admin/packages?page=***", adminEmail, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor: expected 400, got %d", resp.Code)
	}

	resp = env.request(t, http.MethodGet, "/admin/packages/logs", adminEmail, nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "pkg-25.dmg") {
		t.Fatalf("logs: got %d", resp.Code)
	}
}

func TestCatalogPages(t *testing.T) {
	env := newTestEnv(t)
	env.createPackage(t, "Firefox.dmg", "unstable")

	resp := env.request(t, http.MethodGet, "/catalogs/unstable", userEmail, nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "<string>Firefox.dmg</string>") {
		t.Fatalf("raw catalog: got %d %q", resp.Code, resp.Body.String())
	}

	resp = env.request(t, http.MethodGet, "/catalogs/nightly", userEmail, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown track: expected 404, got %d", resp.Code)
	}

	resp = env.request(t, http.MethodGet, "/admin/catalog/unstable", adminEmail, nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "unstable Catalog") {
		t.Fatalf("catalog page: got %d", resp.Code)
	}
	resp = env.request(t, http.MethodGet, "/admin/catalog/unstable", userEmail, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("catalog page for non-admin: expected 404, got %d", resp.Code)
	}
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/admin/packages", "", nil)
	if resp.Code != http.StatusFound || resp.Header().Get("Location") != "/login?next=%2Fadmin%2Fpackages" {
		t.Fatalf("anonymous: got %d %q", resp.Code, resp.Header().Get("Location"))
	}

	resp = env.request(t, http.MethodGet, "/login?next=/admin/packages/logs", "", nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `value="/admin/packages/logs"`) {
		t.Fatalf("login page: got %d", resp.Code)
	}

	bad := env.form("", "login", "email", userEmail, "password", "wrong")
	resp = env.request(t, http.MethodPost, "/login", "", bad)
	if resp.Code != http.StatusUnauthorized || !strings.Contains(resp.Body.String(), "Invalid email or password") {
		t.Fatalf("bad password: got %d", resp.Code)
	}

	good := env.form("", "login", "email", userEmail, "password", password, "next", "//evil.example.com")
	resp = env.request(t, http.MethodPost, "/login", "", good)
	if resp.Code != http.StatusFound || resp.Header().Get("Location") != "/admin/packages" {
		t.Fatalf("login: got %d %q", resp.Code, resp.Header().Get("Location"))
	}
	var session *http.Cookie
	for _, c := range resp.Result().Cookies() {
		if c.Name == auth.CookieName {
			session = c
		}
	}
	if session == nil {
		t.Fatalf("expected session cookie")
	}
	if claims, err := env.sessions.Verify(session.Value); err != nil || claims.Email != userEmail {
		t.Fatalf("verify issued session: %v", err)
	}

	resp = env.request(t, http.MethodGet, "/logout", userEmail, nil)
	if resp.Code != http.StatusFound || resp.Header().Get("Location") != "/login" {
		t.Fatalf("logout: got %d", resp.Code)
	}
}

func TestHealthAndAudit(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/healthz", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.Code)
	}
	var health map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &health); err != nil || health["status"] != "ok" {
		t.Fatalf("healthz body %q", resp.Body.String())
	}

	env.createPackage(t, "Firefox.dmg")

	resp = env.request(t, http.MethodGet, "/admin/audit", userEmail, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("audit for non-admin: expected 404, got %d", resp.Code)
	}
	resp = env.request(t, http.MethodGet, "/admin/audit", adminEmail, nil)
	var entries []auditEntry
	if err := json.Unmarshal(resp.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(entries) != 1 || entries[0].User != adminEmail || entries[0].Path != "/admin/package" || entries[0].Status != http.StatusFound {
		t.Fatalf("unexpected audit entries %+v", entries)
	}
}
