// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It backs tests and single-process development runs.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simianmac/msuadmin/internal/app/domain/catalog"
	"github.com/simianmac/msuadmin/internal/app/domain/pkginfo"
	"github.com/simianmac/msuadmin/internal/app/storage"
)

// Store is an in-memory persistence layer.
type Store struct {
	mu       sync.RWMutex
	packages map[string]*pkginfo.PackageInfo
	logs     []pkginfo.Log
	catalogs map[string]catalog.Catalog
}

var (
	_ storage.PackageInfoStore = (*Store)(nil)
	_ storage.PackageLogStore  = (*Store)(nil)
	_ storage.CatalogStore     = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		packages: make(map[string]*pkginfo.PackageInfo),
		catalogs: make(map[string]catalog.Catalog),
	}
}

// PackageInfoStore implementation ---------------------------------------------

func (s *Store) CreatePackageInfo(_ context.Context, pkg *pkginfo.PackageInfo) (*pkginfo.PackageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.packages[pkg.Filename]; exists {
		return nil, pkginfo.ErrExists
	}
	stored := pkg.Clone()
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Revision = 1

	s.packages[stored.Filename] = stored
	return stored.Clone(), nil
}

func (s *Store) GetPackageInfo(_ context.Context, filename string) (*pkginfo.PackageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pkg, ok := s.packages[filename]
	if !ok {
		return nil, pkginfo.ErrNotFound
	}
	return pkg.Clone(), nil
}

func (s *Store) SavePackageInfo(_ context.Context, pkg *pkginfo.PackageInfo) (*pkginfo.PackageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.packages[pkg.Filename]
	if !ok {
		return nil, pkginfo.ErrNotFound
	}
	if current.Revision != pkg.Revision {
		return nil, pkginfo.ErrConflict
	}

	stored := pkg.Clone()
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	stored.Revision = current.Revision + 1

	s.packages[stored.Filename] = stored
	return stored.Clone(), nil
}

func (s *Store) DeletePackageInfo(_ context.Context, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.packages[filename]; !ok {
		return pkginfo.ErrNotFound
	}
	delete(s.packages, filename)
	return nil
}

func (s *Store) ListPackageInfos(_ context.Context, cursor string, limit int) ([]*pkginfo.PackageInfo, string, error) {
	after := ""
	if cursor != "" {
		parts, err := storage.DecodeCursor(cursor, 1)
		if err != nil {
			return nil, "", err
		}
		after = parts[0]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.packages))
	for name := range s.packages {
		if after == "" || name > after {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	result := make([]*pkginfo.PackageInfo, 0, len(names))
	for _, name := range names {
		result = append(result, s.packages[name].Clone())
	}

	next := ""
	if limit > 0 && len(result) == limit {
		next = storage.EncodeCursor(result[len(result)-1].Filename)
	}
	return result, next, nil
}

func (s *Store) ListPackageInfosInCatalog(_ context.Context, track string) ([]*pkginfo.PackageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*pkginfo.PackageInfo
	for _, pkg := range s.packages {
		for _, c := range pkg.Catalogs {
			if c == track {
				result = append(result, pkg.Clone())
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Filename < result[j].Filename })
	return result, nil
}

// PackageLogStore implementation ----------------------------------------------

func (s *Store) CreatePackageLog(_ context.Context, entry pkginfo.Log) (pkginfo.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry = cloneLog(entry)
	s.logs = append(s.logs, entry)
	return cloneLog(entry), nil
}

func (s *Store) ListPackageLogs(_ context.Context, cursor string, limit int) ([]pkginfo.Log, string, error) {
	var (
		afterNanos int64
		afterID    string
		hasCursor  bool
	)
	if cursor != "" {
		parts, err := storage.DecodeCursor(cursor, 2)
		if err != nil {
			return nil, "", err
		}
		afterNanos, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, "", storage.ErrInvalidCursor
		}
		afterID = parts[1]
		hasCursor = true
	}

	s.mu.RLock()
	ordered := make([]pkginfo.Log, len(s.logs))
	copy(ordered, s.logs)
	s.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool { return logBefore(ordered[i], ordered[j]) })

	result := make([]pkginfo.Log, 0)
	for _, entry := range ordered {
		if hasCursor {
			n := entry.CreatedAt.UnixNano()
			if n > afterNanos || (n == afterNanos && entry.ID >= afterID) {
				continue
			}
		}
		result = append(result, cloneLog(entry))
		if limit > 0 && len(result) == limit {
			break
		}
	}

	next := ""
	if limit > 0 && len(result) == limit {
		last := result[len(result)-1]
		next = storage.EncodeCursor(strconv.FormatInt(last.CreatedAt.UnixNano(), 10), last.ID)
	}
	return result, next, nil
}

// logBefore orders newest first, ties broken by descending ID.
func logBefore(a, b pkginfo.Log) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// CatalogStore implementation -------------------------------------------------

func (s *Store) SaveCatalog(_ context.Context, c catalog.Catalog) (catalog.Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.UpdatedAt = time.Now().UTC()
	c = cloneCatalog(c)
	s.catalogs[c.Name] = c
	return cloneCatalog(c), nil
}

func (s *Store) GetCatalog(_ context.Context, name string) (catalog.Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.catalogs[name]
	if !ok {
		return catalog.Catalog{}, catalog.ErrNotFound
	}
	return cloneCatalog(c), nil
}

func cloneLog(entry pkginfo.Log) pkginfo.Log {
	entry.Catalogs = append([]string(nil), entry.Catalogs...)
	entry.Manifests = append([]string(nil), entry.Manifests...)
	entry.InstallTypes = append([]string(nil), entry.InstallTypes...)
	return entry
}

func cloneCatalog(c catalog.Catalog) catalog.Catalog {
	c.Plist = append([]byte(nil), c.Plist...)
	c.PackageRefs = append([]string(nil), c.PackageRefs...)
	return c
}
