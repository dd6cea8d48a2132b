package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simianmac/msuadmin/internal/logging"
	"github.com/simianmac/msuadmin/internal/middleware"
	"github.com/simianmac/msuadmin/internal/xsrf"
)

func TestXMLToHTML(t *testing.T) {
	got := string(XMLToHTML("<dict>\n  <key a=\"1\">name</key>\n</dict>"))

	assert.True(t, strings.HasPrefix(got, `<div class="xml">`))
	assert.True(t, strings.HasSuffix(got, `</div>`))
	assert.Contains(t, got, `<span class="xml_tag dict">&lt;<span class="xml_key">dict</span><span class="xml_attributes"></span>&gt;</span>`)
	assert.Contains(t, got, `<span class="xml_attributes"> a="1"</span>`)
	assert.Contains(t, got, `&lt;/<span class="xml_key">key</span>`)
	assert.Contains(t, got, "<br/>&nbsp;&nbsp;&nbsp;&nbsp;<span")
	assert.NotContains(t, got, "\n")
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3}
	var gotLimit int
	var gotCursor string
	fetch := func(_ context.Context, cursor string, limit int) ([]int, string, error) {
		gotCursor, gotLimit = cursor, limit
		if limit < len(items) {
			return items[:limit], "next", nil
		}
		return items, "next", nil
	}

	r := httptest.NewRequest(http.MethodGet, "/admin/packages?limit=7&page=abc", nil)
	out, page, err := Paginate(r, fetch, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, gotLimit, "limits outside QueryLimits fall back to the default")
	assert.Equal(t, "abc", gotCursor)
	assert.Equal(t, []int{1, 2}, out)
	assert.Equal(t, &Page{Limit: 2, NextPage: "next", ResultsCount: 2}, page)

	r = httptest.NewRequest(http.MethodGet, "/admin/packages?limit=25", nil)
	_, page, err = Paginate(r, fetch, 2)
	require.NoError(t, err)
	assert.Equal(t, 25, gotLimit)
	assert.Empty(t, page.NextPage, "a short page has no successor")

	_, _, err = Paginate(r, func(context.Context, string, int) ([]int, string, error) {
		return nil, "", errors.New("boom")
	}, 25)
	assert.Error(t, err)
}

func TestTemplateValues(t *testing.T) {
	tokens := xsrf.New("secret", time.Hour)
	base := NewAdminHandler("/static", nil, tokens, logging.NewDiscard())

	r := httptest.NewRequest(http.MethodGet, "/admin/packages?msg=hello&limit=25&activepkg=a", nil)
	ctx := logging.WithRole(logging.WithUserID(r.Context(), "admin@example.com"), middleware.RoleAdmin)
	r = r.WithContext(ctx)

	values := base.TemplateValues(r, nil, nil)
	assert.Equal(t, "/static", values["static_path"])
	assert.Equal(t, true, values["is_admin"])
	assert.Equal(t, "hello", values["msg"])
	assert.Equal(t, "undefined_report", values["report_type"])
	assert.NotContains(t, values, "xsrf_token")
	assert.NotContains(t, values, "limits")

	values = base.Protected().TemplateValues(r, Values{"report_type": "packages", "msg": "given"},
		&Page{Limit: 25, NextPage: "cursor", ResultsCount: 25})
	assert.Equal(t, "given", values["msg"])
	token, _ := values["xsrf_token"].(string)
	assert.True(t, tokens.Valid(token, "admin@example.com", "packages"))
	assert.Equal(t, QueryLimits, values["limits"])
	assert.Equal(t, "/admin/packages", values["request_path"])

	link, _ := values["next_page_link"].(string)
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "/admin/packages", u.Path)
	assert.Equal(t, "cursor", u.Query().Get("page"))
	assert.Equal(t, "a", u.Query().Get("activepkg"))
	assert.False(t, base.XSRFProtect, "Protected must not modify the receiver")
}

func TestLoadTemplates(t *testing.T) {
	templates, err := LoadTemplates()
	require.NoError(t, err)
	for _, page := range []string{"package.html", "packages.html", "package_logs.html", "plist.html", "login.html"} {
		assert.Contains(t, templates.pages, page)
	}
	_, err = templates.Execute("missing.html", Values{})
	assert.Error(t, err)
}

func TestRedirectURL(t *testing.T) {
	assert.Equal(t, "/admin/packages?msg=a+b.dmg+saved.&activepkg=a+b.dmg#package-a%20b.dmg",
		redirectURL("/admin/packages", [][2]string{{"msg", "a b.dmg saved."}, {"activepkg", "a b.dmg"}}, "package-a b.dmg"))
	assert.Equal(t, "/admin/package/a%20b.dmg", redirectURL("/admin/package/a b.dmg", nil, ""))
}

func TestSafeNext(t *testing.T) {
	assert.Equal(t, "/admin/packages/logs", safeNext("/admin/packages/logs"))
	for _, next := range []string{"", "http://evil.example.com", "//evil.example.com", `/\evil.example.com`} {
		assert.Equal(t, defaultLanding, safeNext(next), next)
	}
}

func TestParseUpdateForm(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/admin/package/x.dmg", nil)
	r.Form = url.Values{
		"unattended_install": {"off"},
		"catalogs":           {"unstable"},
		"name":               {""},
	}
	u, err := parseUpdateForm(r)
	require.NoError(t, err)
	require.NotNil(t, u.UnattendedInstall)
	assert.False(t, *u.UnattendedInstall)
	require.NotNil(t, u.ForceInstallAfterDate)
	assert.True(t, u.ForceInstallAfterDate.IsZero())
	assert.Equal(t, []string{"unstable"}, u.Catalogs)
	assert.NotNil(t, u.Manifests)
	assert.Empty(t, u.Manifests)
	require.NotNil(t, u.Name)
	assert.Equal(t, "", *u.Name)
	assert.Nil(t, u.Version)

	r.Form = url.Values{"force_install_after_date_time": {"10:00"}}
	_, err = parseUpdateForm(r)
	assert.EqualError(t, err, "invalid force_install date and/or time format")
}

func TestAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := newFileAuditSink(path)
	require.NoError(t, err)
	defer sink.Close()

	audit := newAuditLog(2, sink, logging.NewDiscard())
	for _, p := range []string{"/a", "/b", "/c"} {
		audit.add(auditEntry{Path: p, Method: http.MethodPost})
	}

	recent := audit.listLimit(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "/c", recent[0].Path)
	assert.Equal(t, "/b", recent[1].Path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e auditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines++
	}
	assert.Equal(t, 3, lines)
}
