// Package catalog defines generated per-track Munki catalogs.
package catalog

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no catalog has been generated for a track.
var ErrNotFound = errors.New("catalog not found")

// Catalog is the generated Munki catalog for one track: a plist array holding
// the pkginfo of every package assigned to that track.
type Catalog struct {
	Name        string
	Plist       []byte
	PackageRefs []string
	UpdatedAt   time.Time
}
