// Package store implements the property-graph memory store on SQLite:
// typed node tables for decisions, outcomes, knowledge, calibration,
// skills, sessions and documents, plus one typed edge table. Every row
// carries the tenant/team/project namespace and every read filters by it.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"membria/internal/logging"
	"membria/internal/types"

	_ "modernc.org/sqlite"
)

// GraphStore is the single typed entry point to the graph database.
type GraphStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at path and applies all pending
// schema migrations.
func Open(path string) (*GraphStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", types.ErrPermanentBackend, err)
	}

	s := &GraphStore{db: db, dbPath: path}
	m := NewMigrator(db, Registry())
	if err := m.MigrateTo(""); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryStore).Info("graph store opened at %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *GraphStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the migrator and tests.
func (s *GraphStore) DB() *sql.DB {
	return s.db
}

// classify maps driver errors onto the engine's error kinds. Unique and
// constraint violations become Conflict; everything else is treated as a
// transient backend failure so callers can retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", types.ErrNotFound, op)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed") {
		return fmt.Errorf("%w: %s: %v", types.ErrConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %v", types.ErrTransientBackend, op, err)
}

// nsWhere is the mandatory namespace filter appended to every read.
const nsWhere = " AND tenant_id = ? AND team_id = ? AND project_id = ?"

func nsArgs(ns types.Namespace) []interface{} {
	return []interface{}{ns.TenantID, ns.TeamID, ns.ProjectID}
}

// Query runs an arbitrary read-only query and returns generic rows. This
// is the escape hatch behind the typed CRUD surface; callers are expected
// to include namespace filters themselves.
func (s *GraphStore) Query(query string, args ...interface{}) ([]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify("query columns", err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			continue
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, nil
}

// Stats returns per-table row counts.
func (s *GraphStore) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"decisions", "outcomes", "signals", "negative_knowledge",
		"antipatterns", "calibration_profiles", "skills", "session_contexts",
		"docshots", "documents", "edges", "schema_versions", "processed_events",
		"engram_refs",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
