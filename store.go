package mediaserve

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eringen/mediaserve/upload"
)

// Store wraps the SQLite asset index.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database at path, ensures the data
// directory exists, and runs schema migrations.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL lets the CLI read while the server writes; the busy timeout makes
	// writers wait instead of failing with SQLITE_BUSY.
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS assets (
    uuid TEXT PRIMARY KEY,
    collection TEXT NOT NULL,
    kind TEXT NOT NULL,
    stored_name TEXT NOT NULL,
    original_name TEXT NOT NULL,
    aspect_ratio REAL,
    size_bytes INTEGER NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS assets_collection ON assets (collection, created_at);
`)
	return err
}

// PutAsset upserts an asset by uuid.
func (s *Store) PutAsset(a Asset) error {
	var ratio sql.NullFloat64
	if a.AspectRatio != nil {
		ratio = sql.NullFloat64{Float64: *a.AspectRatio, Valid: true}
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO assets (uuid, collection, kind, stored_name, original_name, aspect_ratio, size_bytes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UUID, a.Collection, string(a.Kind), a.StoredName, a.OriginalName, ratio, a.SizeBytes, a.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// GetAsset returns a single asset by uuid, or sql.ErrNoRows.
func (s *Store) GetAsset(uuid string) (Asset, error) {
	row := s.db.QueryRow(`SELECT uuid, collection, kind, stored_name, original_name, aspect_ratio, size_bytes, created_at FROM assets WHERE uuid = ?`, uuid)
	return scanAsset(row)
}

// ListAssets returns the assets of collection, newest first. An empty
// collection lists every asset.
func (s *Store) ListAssets(collection string) ([]Asset, error) {
	var rows *sql.Rows
	var err error
	if collection == "" {
		rows, err = s.db.Query(`SELECT uuid, collection, kind, stored_name, original_name, aspect_ratio, size_bytes, created_at FROM assets ORDER BY created_at DESC, uuid`)
	} else {
		rows, err = s.db.Query(`SELECT uuid, collection, kind, stored_name, original_name, aspect_ratio, size_bytes, created_at FROM assets WHERE collection = ? ORDER BY created_at DESC, uuid`, upload.CleanCollection(collection))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// CountAssets returns the number of indexed assets.
func (s *Store) CountAssets() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM assets`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(row scanner) (Asset, error) {
	var a Asset
	var kind, created string
	var ratio sql.NullFloat64
	if err := row.Scan(&a.UUID, &a.Collection, &kind, &a.StoredName, &a.OriginalName, &ratio, &a.SizeBytes, &created); err != nil {
		return Asset{}, err
	}
	a.Kind = upload.Kind(kind)
	if ratio.Valid {
		r := ratio.Float64
		a.AspectRatio = &r
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Asset{}, err
	}
	a.CreatedAt = t
	return a, nil
}
