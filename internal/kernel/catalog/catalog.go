// Package catalog resolves a playbook path/version into its parsed form,
// the way a trigger request names a playbook by path rather than
// embedding its full source.
package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/orchestrator/internal/kernelerr"
	"github.com/noetl/orchestrator/internal/playbook"
)

// Entry is a stored playbook registration.
type Entry struct {
	CatalogID int64
	Path      string
	Version   string
	Source    []byte
	Playbook  playbook.Playbook
}

// Store registers and resolves playbook catalog entries (grounded on
// original_source/crates/control-plane/src/handlers/execute.rs's
// resolve_catalog: lookup by catalog_id directly, or by path for the
// latest version).
type Store interface {
	Register(ctx context.Context, catalogID int64, path, version string, source []byte) (Entry, error)
	Get(ctx context.Context, catalogID int64) (Entry, bool, error)
	Resolve(ctx context.Context, path string) (Entry, bool, error)
}

// Postgres persists catalog entries in the noetl.catalog table. The
// schema is assumed to already exist, the same assumption
// internal/kernel/event.Postgres makes about the event table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (s *Postgres) Register(ctx context.Context, catalogID int64, path, version string, source []byte) (Entry, error) {
	pb, err := playbook.Parse(source)
	if err != nil {
		return Entry{}, err
	}
	const q = `
		INSERT INTO catalog (catalog_id, path, version, source, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (catalog_id) DO UPDATE SET path = $2, version = $3, source = $4`
	if _, err := s.pool.Exec(ctx, q, catalogID, path, version, source); err != nil {
		return Entry{}, kernelerr.Wrap(kernelerr.Storage, "register catalog entry", err)
	}
	return Entry{CatalogID: catalogID, Path: path, Version: version, Source: source, Playbook: pb}, nil
}

func (s *Postgres) Get(ctx context.Context, catalogID int64) (Entry, bool, error) {
	const q = `SELECT catalog_id, path, version, source FROM catalog WHERE catalog_id = $1`
	row := s.pool.QueryRow(ctx, q, catalogID)
	return scanEntry(row)
}

func (s *Postgres) Resolve(ctx context.Context, path string) (Entry, bool, error) {
	const q = `SELECT catalog_id, path, version, source FROM catalog WHERE path = $1 ORDER BY version DESC LIMIT 1`
	row := s.pool.QueryRow(ctx, q, path)
	return scanEntry(row)
}

func scanEntry(row pgx.Row) (Entry, bool, error) {
	var e Entry
	if err := row.Scan(&e.CatalogID, &e.Path, &e.Version, &e.Source); err != nil {
		if err == pgx.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, kernelerr.Wrap(kernelerr.Storage, "scan catalog entry", err)
	}
	pb, err := playbook.Parse(e.Source)
	if err != nil {
		return Entry{}, false, err
	}
	e.Playbook = pb
	return e, true, nil
}

var _ Store = (*Postgres)(nil)

// Memory is an in-process Store for the local interpreter and tests.
type Memory struct {
	mu      sync.Mutex
	byID    map[int64]Entry
	byPath  map[string][]Entry
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[int64]Entry), byPath: make(map[string][]Entry)}
}

func (m *Memory) Register(_ context.Context, catalogID int64, path, version string, source []byte) (Entry, error) {
	pb, err := playbook.Parse(source)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{CatalogID: catalogID, Path: path, Version: version, Source: source, Playbook: pb}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[catalogID] = e
	m.byPath[path] = append(m.byPath[path], e)
	return e, nil
}

func (m *Memory) Get(_ context.Context, catalogID int64) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[catalogID]
	return e, ok, nil
}

func (m *Memory) Resolve(_ context.Context, path string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.byPath[path]
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version > sorted[j].Version })
	return sorted[0], true, nil
}

var _ Store = (*Memory)(nil)
