// Package postgres implements the storage interfaces on PostgreSQL through
// sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/simianmac/msuadmin/internal/app/domain/catalog"
	"github.com/simianmac/msuadmin/internal/app/domain/pkginfo"
	"github.com/simianmac/msuadmin/internal/app/storage"
	"github.com/simianmac/msuadmin/internal/plist"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.PackageInfoStore = (*Store)(nil)
	_ storage.PackageLogStore  = (*Store)(nil)
	_ storage.CatalogStore     = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// now returns the current time at Postgres precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// --- PackageInfoStore -------------------------------------------------------

type packageRow struct {
	Filename          string         `db:"filename"`
	Name              string         `db:"name"`
	Plist             string         `db:"plist"`
	BlobRef           string         `db:"blob_ref"`
	Catalogs          pq.StringArray `db:"catalogs"`
	Manifests         pq.StringArray `db:"manifests"`
	InstallTypes      pq.StringArray `db:"install_types"`
	ManifestModAccess pq.StringArray `db:"manifest_mod_access"`
	ModifiedBy        string         `db:"modified_by"`
	Revision          int64          `db:"revision"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

const packageColumns = `filename, name, plist, blob_ref, catalogs, manifests, install_types,
	manifest_mod_access, modified_by, revision, created_at, updated_at`

func (r packageRow) toDomain() (*pkginfo.PackageInfo, error) {
	doc, err := plist.ParseDict([]byte(r.Plist))
	if err != nil {
		return nil, fmt.Errorf("decode plist of %s: %w", r.Filename, err)
	}
	return &pkginfo.PackageInfo{
		Filename:          r.Filename,
		Name:              r.Name,
		Plist:             doc,
		BlobRef:           r.BlobRef,
		Catalogs:          []string(r.Catalogs),
		Manifests:         []string(r.Manifests),
		InstallTypes:      []string(r.InstallTypes),
		ManifestModAccess: []string(r.ManifestModAccess),
		User:              r.ModifiedBy,
		Revision:          r.Revision,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

func encodePlist(pkg *pkginfo.PackageInfo) (string, error) {
	if pkg.Plist == nil {
		return "", fmt.Errorf("package %s has no plist", pkg.Filename)
	}
	raw, err := pkg.Plist.XML()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func array(in []string) pq.StringArray {
	return pq.StringArray(append([]string{}, in...))
}

func (s *Store) CreatePackageInfo(ctx context.Context, pkg *pkginfo.PackageInfo) (*pkginfo.PackageInfo, error) {
	doc, err := encodePlist(pkg)
	if err != nil {
		return nil, err
	}
	created := pkg.Clone()
	created.CreatedAt = now()
	created.UpdatedAt = created.CreatedAt
	created.Revision = 1

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO package_infos (`+packageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (filename) DO NOTHING
	`, created.Filename, created.Name, doc, created.BlobRef,
		array(created.Catalogs), array(created.Manifests), array(created.InstallTypes),
		array(created.ManifestModAccess), created.User, created.Revision,
		created.CreatedAt, created.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, pkginfo.ErrExists
	}
	return created, nil
}

func (s *Store) GetPackageInfo(ctx context.Context, filename string) (*pkginfo.PackageInfo, error) {
	var row packageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+packageColumns+` FROM package_infos WHERE filename = $1`, filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkginfo.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) SavePackageInfo(ctx context.Context, pkg *pkginfo.PackageInfo) (*pkginfo.PackageInfo, error) {
	doc, err := encodePlist(pkg)
	if err != nil {
		return nil, err
	}
	saved := pkg.Clone()
	saved.UpdatedAt = now()

	err = s.db.QueryRowxContext(ctx, `
		UPDATE package_infos
		SET name = $3, plist = $4, blob_ref = $5, catalogs = $6, manifests = $7,
			install_types = $8, manifest_mod_access = $9, modified_by = $10,
			revision = revision + 1, updated_at = $11
		WHERE filename = $1 AND revision = $2
		RETURNING revision, created_at
	`, saved.Filename, pkg.Revision, saved.Name, doc, saved.BlobRef,
		array(saved.Catalogs), array(saved.Manifests), array(saved.InstallTypes),
		array(saved.ManifestModAccess), saved.User, saved.UpdatedAt,
	).Scan(&saved.Revision, &saved.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM package_infos WHERE filename = $1)`, pkg.Filename); err != nil {
			return nil, err
		}
		if !exists {
			return nil, pkginfo.ErrNotFound
		}
		return nil, pkginfo.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) DeletePackageInfo(ctx context.Context, filename string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM package_infos WHERE filename = $1`, filename)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return pkginfo.ErrNotFound
	}
	return nil
}

func (s *Store) ListPackageInfos(ctx context.Context, cursor string, limit int) ([]*pkginfo.PackageInfo, string, error) {
	after := ""
	if cursor != "" {
		parts, err := storage.DecodeCursor(cursor, 1)
		if err != nil {
			return nil, "", err
		}
		after = parts[0]
	}

	query := `SELECT ` + packageColumns + ` FROM package_infos WHERE filename > $1 ORDER BY filename`
	args := []interface{}{after}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []packageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, "", err
	}
	result, err := packagesFromRows(rows)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if limit > 0 && len(result) == limit {
		next = storage.EncodeCursor(result[len(result)-1].Filename)
	}
	return result, next, nil
}

func (s *Store) ListPackageInfosInCatalog(ctx context.Context, track string) ([]*pkginfo.PackageInfo, error) {
	var rows []packageRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+packageColumns+`
		FROM package_infos
		WHERE catalogs @> ARRAY[$1]::text[]
		ORDER BY filename
	`, track); err != nil {
		return nil, err
	}
	return packagesFromRows(rows)
}

func packagesFromRows(rows []packageRow) ([]*pkginfo.PackageInfo, error) {
	result := make([]*pkginfo.PackageInfo, 0, len(rows))
	for _, row := range rows {
		pkg, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, pkg)
	}
	return result, nil
}

// --- PackageLogStore --------------------------------------------------------

type logRow struct {
	ID           string         `db:"id"`
	Filename     string         `db:"filename"`
	ModifiedBy   string         `db:"modified_by"`
	Action       string         `db:"action"`
	Catalogs     pq.StringArray `db:"catalogs"`
	Manifests    pq.StringArray `db:"manifests"`
	InstallTypes pq.StringArray `db:"install_types"`
	Plist        string         `db:"plist"`
	CreatedAt    time.Time      `db:"created_at"`
}

const logColumns = `id, filename, modified_by, action, catalogs, manifests, install_types, plist, created_at`

func (r logRow) toDomain() pkginfo.Log {
	return pkginfo.Log{
		ID:           r.ID,
		Filename:     r.Filename,
		User:         r.ModifiedBy,
		Action:       r.Action,
		Catalogs:     []string(r.Catalogs),
		Manifests:    []string(r.Manifests),
		InstallTypes: []string(r.InstallTypes),
		Plist:        r.Plist,
		CreatedAt:    r.CreatedAt,
	}
}

func (s *Store) CreatePackageLog(ctx context.Context, entry pkginfo.Log) (pkginfo.Log, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO package_logs (`+logColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.Filename, entry.User, entry.Action,
		array(entry.Catalogs), array(entry.Manifests), array(entry.InstallTypes),
		entry.Plist, entry.CreatedAt)
	if err != nil {
		return pkginfo.Log{}, err
	}
	return entry, nil
}

func (s *Store) ListPackageLogs(ctx context.Context, cursor string, limit int) ([]pkginfo.Log, string, error) {
	query := `SELECT ` + logColumns + ` FROM package_logs`
	var args []interface{}
	if cursor != "" {
		parts, err := storage.DecodeCursor(cursor, 2)
		if err != nil {
			return nil, "", err
		}
		at, err := time.Parse(time.RFC3339Nano, parts[0])
		if err != nil {
			return nil, "", storage.ErrInvalidCursor
		}
		if _, err := uuid.Parse(parts[1]); err != nil {
			return nil, "", storage.ErrInvalidCursor
		}
		query += ` WHERE (created_at, id) < ($1, $2::uuid)`
		args = append(args, at, parts[1])
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, "", err
	}
	result := make([]pkginfo.Log, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}

	next := ""
	if limit > 0 && len(result) == limit {
		last := result[len(result)-1]
		next = storage.EncodeCursor(last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID)
	}
	return result, next, nil
}

// --- CatalogStore -----------------------------------------------------------

type catalogRow struct {
	Name        string         `db:"name"`
	Plist       []byte         `db:"plist"`
	PackageRefs pq.StringArray `db:"package_refs"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (s *Store) SaveCatalog(ctx context.Context, c catalog.Catalog) (catalog.Catalog, error) {
	c.UpdatedAt = now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalogs (name, plist, package_refs, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET plist = EXCLUDED.plist, package_refs = EXCLUDED.package_refs, updated_at = EXCLUDED.updated_at
	`, c.Name, c.Plist, array(c.PackageRefs), c.UpdatedAt)
	if err != nil {
		return catalog.Catalog{}, err
	}
	return c, nil
}

func (s *Store) GetCatalog(ctx context.Context, name string) (catalog.Catalog, error) {
	var row catalogRow
	err := s.db.GetContext(ctx, &row, `SELECT name, plist, package_refs, updated_at FROM catalogs WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Catalog{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Catalog{}, err
	}
	return catalog.Catalog{
		Name:        row.Name,
		Plist:       row.Plist,
		PackageRefs: []string(row.PackageRefs),
		UpdatedAt:   row.UpdatedAt,
	}, nil
}
