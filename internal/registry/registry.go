// Package registry records every committed index version in SQLite so a
// tenant's newest blob can be found again after a restart.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a tenant has no recorded versions.
var ErrNotFound = errors.New("registry: no versions recorded")

// recordTimeout bounds the write made from the update hook.
const recordTimeout = 5 * time.Second

// Entry is one committed (tenant, blob, version) triple.
type Entry struct {
	ID        int64     `json:"id"`
	Tenant    string    `json:"tenant"`
	Version   int64     `json:"version"`
	BlobRef   string    `json:"blob_ref"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is a SQLite-backed version ledger.
type Registry struct {
	db     *sql.DB
	path   string
	logger *log.Logger
	now    func() time.Time
}

// Open opens (or creates) the registry database at path. ":memory:" gives
// a throwaway registry.
func Open(path string, logger *log.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	// One connection keeps ":memory:" coherent and serializes writers.
	db.SetMaxOpenConns(1)

	r := &Registry{db: db, path: path, logger: logger, now: time.Now}
	if err := r.init(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := r.db.Exec(p); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS index_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant TEXT NOT NULL,
			version INTEGER NOT NULL,
			blob_ref TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_index_versions_tenant ON index_versions (tenant, id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}
	return nil
}

// Record appends a committed version.
func (r *Registry) Record(ctx context.Context, tenant, blobRef string, version int64) (Entry, error) {
	e := Entry{Tenant: tenant, Version: version, BlobRef: blobRef, CreatedAt: r.now().UTC()}
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO index_versions (tenant, version, blob_ref, created_at) VALUES (?, ?, ?, ?)",
		tenant, version, blobRef, e.CreatedAt.UnixMilli())
	if err != nil {
		return Entry{}, fmt.Errorf("registry: record %s v%d: %w", tenant, version, err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// OnIndexUpdated records a flush. Its signature matches the cache update
// hook, so it can be passed straight to the engine.
func (r *Registry) OnIndexUpdated(tenant, blobRef string, version int64) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := r.Record(ctx, tenant, blobRef, version); err != nil {
		r.logger.Printf("[Registry] Failed to record %s version %d (%s): %v", tenant, version, blobRef, err)
	}
}

// Latest returns the most recently recorded blob for tenant.
func (r *Registry) Latest(ctx context.Context, tenant string) (string, int64, error) {
	var (
		ref     string
		version int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT blob_ref, version FROM index_versions WHERE tenant = ? ORDER BY id DESC LIMIT 1",
		tenant).Scan(&ref, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("%w: tenant %s", ErrNotFound, tenant)
	}
	if err != nil {
		return "", 0, fmt.Errorf("registry: latest %s: %w", tenant, err)
	}
	return ref, version, nil
}

// History returns up to limit entries for tenant, newest first. A limit of
// zero or less returns everything.
func (r *Registry) History(ctx context.Context, tenant string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, tenant, version, blob_ref, created_at FROM index_versions WHERE tenant = ? ORDER BY id DESC LIMIT ?",
		tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: history %s: %w", tenant, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Version, &e.BlobRef, &ms); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Tenants lists every tenant with at least one recorded version.
func (r *Registry) Tenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT tenant FROM index_versions ORDER BY tenant")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune keeps the newest keep entries per tenant and deletes the rest. It
// returns the number of rows removed.
func (r *Registry) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("registry: keep must be at least 1, got %d", keep)
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM index_versions WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY tenant ORDER BY id DESC) AS rn
				FROM index_versions
			) WHERE rn > ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("registry: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}
