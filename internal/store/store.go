// Package store persists managed models and proxy port leases in SQLite.
//
// The store is the single source of truth for model status. Status changes
// are conditional updates (compare-and-set) so that the dispatch cycle and
// the explicit admin operations cannot silently overwrite each other.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know yet.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const createModelsTable = `
CREATE TABLE IF NOT EXISTS managed_models (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_name TEXT NOT NULL,
	definitions TEXT NOT NULL DEFAULT '[]',
	proxy_target TEXT NOT NULL DEFAULT '',
	proxy_handle TEXT NOT NULL DEFAULT '',
	proxy_port INTEGER NOT NULL DEFAULT 0,
	daily_request_limit INTEGER NOT NULL CHECK (daily_request_limit > 0),
	requests_today INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','active','exhausted','archived')),
	routing_ids TEXT NOT NULL DEFAULT '[]',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_managed_models_status_created ON managed_models(status, created_at, id);
`

const createPortsTable = `
CREATE TABLE IF NOT EXISTS proxy_ports (
	owner TEXT PRIMARY KEY,
	port INTEGER NOT NULL UNIQUE,
	leased_at INTEGER NOT NULL
);
`

// Store implements the managed model store on SQLite.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and runs auto-migration.
// Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// One connection: SQLite has a single writer anyway, and conditional
	// updates stay serialized within the process.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{createModelsTable, createPortsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate store db: %w", err)
		}
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type modelRow struct {
	ID                int64  `db:"id"`
	GroupName         string `db:"group_name"`
	Definitions       string `db:"definitions"`
	ProxyTarget       string `db:"proxy_target"`
	ProxyHandle       string `db:"proxy_handle"`
	ProxyPort         int    `db:"proxy_port"`
	DailyRequestLimit int64  `db:"daily_request_limit"`
	RequestsToday     int64  `db:"requests_today"`
	Status            string `db:"status"`
	RoutingIDs        string `db:"routing_ids"`
	LastError         string `db:"last_error"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

const selectModel = `SELECT id, group_name, definitions, proxy_target, proxy_handle, proxy_port,
	daily_request_limit, requests_today, status, routing_ids, last_error, created_at, updated_at
	FROM managed_models`

func (r modelRow) toModel() (ManagedModel, error) {
	m := ManagedModel{
		ID:                r.ID,
		GroupName:         r.GroupName,
		ProxyTarget:       r.ProxyTarget,
		ProxyHandle:       r.ProxyHandle,
		ProxyPort:         r.ProxyPort,
		DailyRequestLimit: r.DailyRequestLimit,
		RequestsToday:     r.RequestsToday,
		Status:            Status(r.Status),
		LastError:         r.LastError,
		CreatedAt:         time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:         time.Unix(0, r.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Definitions), &m.Definitions); err != nil {
		return m, fmt.Errorf("decode definitions of model %d: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.RoutingIDs), &m.RoutingIDs); err != nil {
		return m, fmt.Errorf("decode routing ids of model %d: %w", r.ID, err)
	}
	return m, nil
}

func encodeIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func (s *Store) stamp() int64 { return s.now().UTC().UnixNano() }
