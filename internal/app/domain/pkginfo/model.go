// Package pkginfo defines the PackageInfo entity administered by the UI.
package pkginfo

import (
	"errors"
	"fmt"
	"time"

	"github.com/simianmac/msuadmin/internal/plist"
)

// Tracks that lock a package against plist edits.
const (
	TrackStable   = "stable"
	TrackTesting  = "testing"
	TrackUnstable = "unstable"
)

var (
	// ErrNotFound is returned when no PackageInfo has the requested filename.
	ErrNotFound = errors.New("package info not found")
	// ErrExists is returned when creating a PackageInfo whose filename is taken.
	ErrExists = errors.New("package info already exists")
	// ErrLocked is returned when another writer holds the package lock.
	ErrLocked = errors.New("package info is locked")
	// ErrConflict is returned when a save races another save.
	ErrConflict = errors.New("package info revision conflict")
)

// UpdateError reports a change the entity refuses to accept.
type UpdateError struct {
	Reason string
	Err    error
}

func (e *UpdateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *UpdateError) Unwrap() error { return e.Err }

func updateErrorf(format string, args ...interface{}) error {
	return &UpdateError{Reason: fmt.Sprintf(format, args...)}
}

// PackageInfo is a Munki pkginfo document plus the deployment state the admin
// UI manages around it. Filename is the key.
type PackageInfo struct {
	Filename          string
	Name              string
	Plist             *plist.PackageInfoPlist
	BlobRef           string
	Catalogs          []string
	Manifests         []string
	InstallTypes      []string
	ManifestModAccess []string
	User              string
	Revision          int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsSafeToModify reports whether the package may have its plist edited. A
// package deployed to stable or testing manifests may not.
func (p *PackageInfo) IsSafeToModify() bool {
	for _, m := range p.Manifests {
		if m == TrackStable || m == TrackTesting {
			return false
		}
	}
	return true
}

// ManifestsAndCatalogsUnlocked reports whether the package payload exists, so
// that catalogs and manifests may be assigned.
func (p *PackageInfo) ManifestsAndCatalogsUnlocked() bool {
	return p.BlobRef != "" || (p.Plist != nil && p.Plist.Has(plist.KeyPackageCompleteURL))
}

// Clone returns a deep copy of p.
func (p *PackageInfo) Clone() *PackageInfo {
	c := *p
	if p.Plist != nil {
		c.Plist = p.Plist.Clone()
	}
	c.Catalogs = cloneStrings(p.Catalogs)
	c.Manifests = cloneStrings(p.Manifests)
	c.InstallTypes = cloneStrings(p.InstallTypes)
	c.ManifestModAccess = cloneStrings(p.ManifestModAccess)
	return &c
}

// FromPlist builds a new entity from a validated pkginfo plist.
func FromPlist(p *plist.PackageInfoPlist) *PackageInfo {
	return &PackageInfo{
		Filename: p.String(plist.KeyInstallerItemLocation),
		Name:     p.String(plist.KeyName),
		Plist:    p,
		Catalogs: p.Strings(plist.KeyCatalogs),
	}
}

// Log records one administrative change to a package.
type Log struct {
	ID           string
	Filename     string
	User         string
	Action       string
	Catalogs     []string
	Manifests    []string
	InstallTypes []string
	Plist        string
	CreatedAt    time.Time
}

// Log actions.
const (
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionUpdatePlist = "update_plist"
	ActionDelete      = "delete"
	ActionUnlock      = "unlock"
)

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}
