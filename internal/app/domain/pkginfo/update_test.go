package pkginfo

import (
	"errors"
	"testing"
	"time"

	"github.com/simianmac/msuadmin/internal/config"
	"github.com/simianmac/msuadmin/internal/plist"
)

func newTestPackage(t *testing.T) *PackageInfo {
	t.Helper()
	p := plist.New()
	p.Set(plist.KeyName, "Firefox")
	p.Set(plist.KeyVersion, "120.0")
	p.Set(plist.KeyInstallerItemLocation, "Firefox-120.0.dmg")
	p.Set(plist.KeyCatalogs, []string{"unstable"})
	if err := p.Validate(); err != nil {
		t.Fatalf("validate fixture: %v", err)
	}
	pkg := FromPlist(p)
	pkg.Manifests = []string{"unstable"}
	return pkg
}

func strPtr(s string) *string { return &s }

func TestApplyUpdateChangesPlistAndCatalogs(t *testing.T) {
	pkg := newTestPackage(t)
	vocab := config.DefaultSettings()

	on := true
	when := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	change, err := pkg.ApplyUpdate(vocab, Update{
		UnattendedInstall:     &on,
		ForceInstallAfterDate: &when,
		Catalogs:              []string{"unstable", "testing", "testing"},
		DisplayName:           strPtr("Mozilla Firefox"),
	})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}

	if !change.PlistChanged {
		t.Fatalf("expected plist change")
	}
	if got := pkg.Plist.String(plist.KeyDisplayName); got != "Mozilla Firefox" {
		t.Fatalf("display_name = %q", got)
	}
	if v, ok := pkg.Plist.Bool(plist.KeyUnattendedInstall); !ok || !v {
		t.Fatalf("expected unattended_install true")
	}
	if d, ok := pkg.Plist.Date(plist.KeyForceInstallAfterDate); !ok || !d.Equal(when) {
		t.Fatalf("unexpected force_install_after_date %v", d)
	}
	if len(pkg.Catalogs) != 2 || pkg.Catalogs[1] != "testing" {
		t.Fatalf("unexpected catalogs %v", pkg.Catalogs)
	}
	if got := pkg.Plist.Strings(plist.KeyCatalogs); len(got) != 2 {
		t.Fatalf("plist catalogs not mirrored: %v", got)
	}
	if len(change.Tracks) != 2 || change.Tracks[0] != "testing" || change.Tracks[1] != "unstable" {
		t.Fatalf("unexpected tracks %v", change.Tracks)
	}
}

func TestApplyUpdateRemovesForceInstallDate(t *testing.T) {
	pkg := newTestPackage(t)
	pkg.Plist.Set(plist.KeyForceInstallAfterDate, time.Now().UTC())

	var zero time.Time
	if _, err := pkg.ApplyUpdate(config.DefaultSettings(), Update{ForceInstallAfterDate: &zero}); err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if pkg.Plist.Has(plist.KeyForceInstallAfterDate) {
		t.Fatalf("expected force_install_after_date removed")
	}
}

func TestApplyUpdateRefusesPlistEditsWhenDeployed(t *testing.T) {
	pkg := newTestPackage(t)
	pkg.Manifests = []string{"stable"}

	_, err := pkg.ApplyUpdate(config.DefaultSettings(), Update{Version: strPtr("121.0")})
	var uerr *UpdateError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UpdateError, got %v", err)
	}
	if pkg.Plist.String(plist.KeyVersion) != "120.0" {
		t.Fatalf("package mutated on refused update")
	}

	// Unchanged values and deployment fields are still accepted.
	if _, err := pkg.ApplyUpdate(config.DefaultSettings(), Update{
		Version:   strPtr("120.0"),
		Manifests: []string{"stable", "testing"},
	}); err != nil {
		t.Fatalf("expected deployment update to pass: %v", err)
	}
}

func TestApplyUpdateValidatesVocabulary(t *testing.T) {
	pkg := newTestPackage(t)
	cases := []Update{
		{Catalogs: []string{"beta"}},
		{Manifests: []string{"nightly"}},
		{InstallTypes: []string{"sometimes"}},
		{ManifestModAccess: []string{"everyone"}},
		{Name: strPtr("")},
	}
	for _, u := range cases {
		if _, err := pkg.ApplyUpdate(config.DefaultSettings(), u); err == nil {
			t.Fatalf("expected error for %+v", u)
		}
	}
}

func TestApplyUpdateEmptySliceClears(t *testing.T) {
	pkg := newTestPackage(t)
	pkg.InstallTypes = []string{"managed_installs"}

	if _, err := pkg.ApplyUpdate(config.DefaultSettings(), Update{InstallTypes: []string{}}); err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if pkg.InstallTypes == nil || len(pkg.InstallTypes) != 0 {
		t.Fatalf("expected cleared install types, got %#v", pkg.InstallTypes)
	}
	if len(pkg.Manifests) != 1 {
		t.Fatalf("nil manifests must leave manifests unchanged")
	}
}

func TestMakeSafeToModify(t *testing.T) {
	pkg := newTestPackage(t)
	pkg.Manifests = []string{"stable"}
	pkg.Catalogs = []string{"stable", "testing"}
	if pkg.IsSafeToModify() {
		t.Fatalf("expected package in stable to be locked")
	}

	change := pkg.MakeSafeToModify()
	if !pkg.IsSafeToModify() {
		t.Fatalf("expected package to be safe after unlock")
	}
	if len(change.Tracks) != 2 {
		t.Fatalf("expected both catalogs regenerated, got %v", change.Tracks)
	}
}

func TestReplacePlist(t *testing.T) {
	pkg := newTestPackage(t)
	next := pkg.Plist.Clone()
	next.Set(plist.KeyVersion, "120.1")
	next.Set(plist.KeyCatalogs, []string{"testing"})

	change, err := pkg.ReplacePlist(next)
	if err != nil {
		t.Fatalf("replace plist: %v", err)
	}
	if !change.PlistChanged || pkg.Catalogs[0] != "testing" {
		t.Fatalf("unexpected change %+v catalogs %v", change, pkg.Catalogs)
	}

	other := next.Clone()
	other.Set(plist.KeyInstallerItemLocation, "Other.dmg")
	if _, err := pkg.ReplacePlist(other); err == nil {
		t.Fatalf("expected mismatched installer_item_location to fail")
	}
}

func TestManifestsAndCatalogsUnlocked(t *testing.T) {
	pkg := newTestPackage(t)
	if pkg.ManifestsAndCatalogsUnlocked() {
		t.Fatalf("expected locked without blob")
	}
	pkg.Plist.Set(plist.KeyPackageCompleteURL, "https://example.com/Firefox.dmg")
	if !pkg.ManifestsAndCatalogsUnlocked() {
		t.Fatalf("expected unlocked with PackageCompleteURL")
	}
}
