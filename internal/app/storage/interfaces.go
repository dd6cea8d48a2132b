// Package storage declares the persistence contracts of the admin service.
package storage

import (
	"context"

	"github.com/simianmac/msuadmin/internal/app/domain/catalog"
	"github.com/simianmac/msuadmin/internal/app/domain/pkginfo"
)

// PackageInfoStore persists PackageInfo entities keyed by filename.
type PackageInfoStore interface {
	// CreatePackageInfo inserts pkg, failing with pkginfo.ErrExists if the
	// filename is taken. The returned entity has Revision 1.
	CreatePackageInfo(ctx context.Context, pkg *pkginfo.PackageInfo) (*pkginfo.PackageInfo, error)
	// GetPackageInfo fails with pkginfo.ErrNotFound.
	GetPackageInfo(ctx context.Context, filename string) (*pkginfo.PackageInfo, error)
	// SavePackageInfo writes pkg only if the stored revision still equals
	// pkg.Revision, failing with pkginfo.ErrConflict otherwise. The returned
	// entity carries the new revision.
	SavePackageInfo(ctx context.Context, pkg *pkginfo.PackageInfo) (*pkginfo.PackageInfo, error)
	DeletePackageInfo(ctx context.Context, filename string) error
	// ListPackageInfos pages through entities ordered by filename. The next
	// cursor is empty when fewer than limit entities were returned.
	ListPackageInfos(ctx context.Context, cursor string, limit int) ([]*pkginfo.PackageInfo, string, error)
	// ListPackageInfosInCatalog returns every entity assigned to track.
	ListPackageInfosInCatalog(ctx context.Context, track string) ([]*pkginfo.PackageInfo, error)
}

// PackageLogStore persists the admin change log, newest first.
type PackageLogStore interface {
	CreatePackageLog(ctx context.Context, entry pkginfo.Log) (pkginfo.Log, error)
	ListPackageLogs(ctx context.Context, cursor string, limit int) ([]pkginfo.Log, string, error)
}

// CatalogStore persists generated catalogs by track name.
type CatalogStore interface {
	SaveCatalog(ctx context.Context, c catalog.Catalog) (catalog.Catalog, error)
	// GetCatalog fails with catalog.ErrNotFound.
	GetCatalog(ctx context.Context, name string) (catalog.Catalog, error)
}
