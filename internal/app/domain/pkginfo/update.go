package pkginfo

import (
	"sort"
	"strings"
	"time"

	"github.com/simianmac/msuadmin/internal/plist"
)

// Vocabulary validates the names a form may assign.
type Vocabulary interface {
	IsTrack(name string) bool
	IsInstallType(name string) bool
	IsManifestModGroup(name string) bool
}

// Update is a partial change to a PackageInfo. Nil fields are left unchanged.
// Slice fields distinguish nil (unchanged) from empty (clear).
// ForceInstallAfterDate pointing at the zero time removes the key.
type Update struct {
	UnattendedInstall     *bool
	ForceInstallAfterDate *time.Time

	Catalogs          []string
	Manifests         []string
	InstallTypes      []string
	ManifestModAccess []string

	Name             *string
	Description      *string
	DisplayName      *string
	Version          *string
	MinimumOSVersion *string
	MaximumOSVersion *string
}

// Change summarizes what ApplyUpdate modified.
type Change struct {
	PlistChanged bool
	// Tracks whose catalogs must be regenerated, sorted.
	Tracks []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return !c.PlistChanged && len(c.Tracks) == 0
}

type plistField struct {
	key   string
	value *string
}

func (u Update) plistFields() []plistField {
	return []plistField{
		{plist.KeyName, u.Name},
		{plist.KeyDescription, u.Description},
		{plist.KeyDisplayName, u.DisplayName},
		{plist.KeyVersion, u.Version},
		{plist.KeyMinimumOSVersion, u.MinimumOSVersion},
		{plist.KeyMaximumOSVersion, u.MaximumOSVersion},
	}
}

// ApplyUpdate validates u and applies it to p. On error p is left untouched.
func (p *PackageInfo) ApplyUpdate(vocab Vocabulary, u Update) (Change, error) {
	next := p.Clone()
	change, err := next.applyUpdate(vocab, u)
	if err != nil {
		return Change{}, err
	}
	*p = *next
	return change, nil
}

func (p *PackageInfo) applyUpdate(vocab Vocabulary, u Update) (Change, error) {
	if err := validateNames("catalog", u.Catalogs, vocab.IsTrack); err != nil {
		return Change{}, err
	}
	if err := validateNames("manifest", u.Manifests, vocab.IsTrack); err != nil {
		return Change{}, err
	}
	if err := validateNames("install type", u.InstallTypes, vocab.IsInstallType); err != nil {
		return Change{}, err
	}
	if err := validateNames("manifest modification group", u.ManifestModAccess, vocab.IsManifestModGroup); err != nil {
		return Change{}, err
	}

	if p.Plist == nil {
		p.Plist = plist.New()
	}
	safe := p.IsSafeToModify()
	original := p.Plist.Clone()
	originalCatalogs := cloneStrings(p.Catalogs)

	for _, f := range u.plistFields() {
		if f.value == nil {
			continue
		}
		value := strings.TrimSpace(*f.value)
		if value == p.Plist.String(f.key) {
			continue
		}
		if !safe {
			return Change{}, updateErrorf("PackageInfo is not safe to modify; remove it from stable and testing manifests before changing %s", f.key)
		}
		switch {
		case value != "":
			p.Plist.Set(f.key, value)
		case f.key == plist.KeyName || f.key == plist.KeyVersion:
			return Change{}, updateErrorf("%s may not be empty", f.key)
		default:
			p.Plist.Delete(f.key)
		}
	}
	p.Name = p.Plist.String(plist.KeyName)

	if u.UnattendedInstall != nil {
		if *u.UnattendedInstall {
			p.Plist.Set(plist.KeyUnattendedInstall, true)
		} else {
			p.Plist.Delete(plist.KeyUnattendedInstall)
		}
	}
	if u.ForceInstallAfterDate != nil {
		if u.ForceInstallAfterDate.IsZero() {
			p.Plist.Delete(plist.KeyForceInstallAfterDate)
		} else {
			p.Plist.Set(plist.KeyForceInstallAfterDate, u.ForceInstallAfterDate.UTC())
		}
	}

	if u.Catalogs != nil {
		p.Catalogs = normalizeNames(u.Catalogs)
		p.Plist.Set(plist.KeyCatalogs, p.Catalogs)
	}
	if u.Manifests != nil {
		p.Manifests = normalizeNames(u.Manifests)
	}
	if u.InstallTypes != nil {
		p.InstallTypes = normalizeNames(u.InstallTypes)
	}
	if u.ManifestModAccess != nil {
		p.ManifestModAccess = normalizeNames(u.ManifestModAccess)
	}

	change := Change{PlistChanged: !original.Equal(p.Plist)}
	change.Tracks = affectedTracks(originalCatalogs, p.Catalogs, change.PlistChanged)
	return change, nil
}

// ReplacePlist swaps in a new plist document, keeping deployment state. The
// catalogs follow the new document.
func (p *PackageInfo) ReplacePlist(next *plist.PackageInfoPlist) (Change, error) {
	if p.Plist != nil && !p.IsSafeToModify() && !p.Plist.Equal(next) {
		return Change{}, updateErrorf("PackageInfo is not safe to modify; remove it from stable and testing manifests first")
	}
	if loc := next.String(plist.KeyInstallerItemLocation); loc != p.Filename {
		return Change{}, updateErrorf("installer_item_location %q does not match %q", loc, p.Filename)
	}
	originalCatalogs := cloneStrings(p.Catalogs)
	changed := p.Plist == nil || !p.Plist.Equal(next)

	p.Plist = next
	p.Name = next.String(plist.KeyName)
	p.Catalogs = normalizeNames(next.Strings(plist.KeyCatalogs))

	return Change{PlistChanged: changed, Tracks: affectedTracks(originalCatalogs, p.Catalogs, changed)}, nil
}

// MakeSafeToModify removes the package from every catalog and manifest.
func (p *PackageInfo) MakeSafeToModify() Change {
	originalCatalogs := cloneStrings(p.Catalogs)
	p.Catalogs = []string{}
	p.Manifests = []string{}
	if p.Plist != nil {
		p.Plist.Set(plist.KeyCatalogs, []string{})
	}
	return Change{Tracks: affectedTracks(originalCatalogs, p.Catalogs, false)}
}

func validateNames(kind string, names []string, ok func(string) bool) error {
	for _, n := range names {
		if !ok(n) {
			return updateErrorf("unknown %s %q", kind, n)
		}
	}
	return nil
}

// normalizeNames de-duplicates while keeping submission order, and never
// returns nil so callers can tell "cleared" from "unchanged".
func normalizeNames(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, n := range in {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// affectedTracks returns the catalogs gained or lost, or every catalog the
// package is in when its plist content changed.
func affectedTracks(before, after []string, plistChanged bool) []string {
	set := make(map[string]struct{})
	in := func(list []string, v string) bool {
		for _, item := range list {
			if item == v {
				return true
			}
		}
		return false
	}
	for _, t := range before {
		if !in(after, t) {
			set[t] = struct{}{}
		}
	}
	for _, t := range after {
		if plistChanged || !in(before, t) {
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
