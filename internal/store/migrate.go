package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"membria/internal/logging"
	"membria/internal/types"
)

// Migration is the capability every schema migration provides. Migrations
// must be idempotent: re-running Migrate against an up-to-date schema must
// not fail.
type Migration interface {
	Version() string
	Description() string
	Dependencies() []string
	Migrate(ctx context.Context, db *sql.DB) error
	Rollback(ctx context.Context, db *sql.DB) error
	Validate(ctx context.Context, db *sql.DB) error
}

// Migrator applies registered migrations in SemVer order and records a
// SchemaVersion row for each attempt.
type Migrator struct {
	db       *sql.DB
	registry []Migration
}

// NewMigrator builds a migrator over a sorted copy of the registry.
func NewMigrator(db *sql.DB, registry []Migration) *Migrator {
	sorted := append([]Migration(nil), registry...)
	sort.Slice(sorted, func(i, j int) bool {
		return semverLess(sorted[i].Version(), sorted[j].Version())
	})
	return &Migrator{db: db, registry: sorted}
}

// semverLess compares two SemVer strings numerically per component.
func semverLess(a, b string) bool {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		na, _ := strconv.Atoi(pa[i])
		nb, _ := strconv.Atoi(pb[i])
		if na != nb {
			return na < nb
		}
	}
	return len(pa) < len(pb)
}

func (m *Migrator) ensureVersionTable() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version TEXT NOT NULL,
		executed_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		error TEXT
	)`)
	if err != nil {
		return fmt.Errorf("%w: failed to create schema_versions: %v", types.ErrPermanentBackend, err)
	}
	return nil
}

// CurrentVersion returns the latest successfully applied version, or ""
// when no migration has run.
func (m *Migrator) CurrentVersion() (string, error) {
	if err := m.ensureVersionTable(); err != nil {
		return "", err
	}
	rows, err := m.db.Query(`SELECT version FROM schema_versions WHERE status = 'success'`)
	if err != nil {
		return "", classify("read schema versions", err)
	}
	defer rows.Close()

	current := ""
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			continue
		}
		if current == "" || semverLess(current, v) {
			current = v
		}
	}
	return current, nil
}

// Pending returns registered migrations above the current version, in
// apply order, optionally capped at target.
func (m *Migrator) Pending(target string) ([]Migration, error) {
	current, err := m.CurrentVersion()
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, mig := range m.registry {
		if current != "" && !semverLess(current, mig.Version()) {
			continue
		}
		if target != "" && semverLess(target, mig.Version()) {
			continue
		}
		pending = append(pending, mig)
	}
	return pending, nil
}

// MigrateTo applies pending migrations up to target (empty = latest).
// Each success records a SchemaVersion row with timing; the first failure
// records status=failed and aborts the remainder.
func (m *Migrator) MigrateTo(target string) error {
	pending, err := m.Pending(target)
	if err != nil {
		return err
	}

	log := logging.Get(logging.CategoryMigrate)
	ctx := context.Background()
	for _, mig := range pending {
		start := time.Now()
		err := mig.Migrate(ctx, m.db)
		record := types.SchemaVersion{
			Version:     mig.Version(),
			ExecutedAt:  start,
			DurationMs:  time.Since(start).Milliseconds(),
			Status:      "success",
			Description: mig.Description(),
		}
		if err != nil {
			record.Status = "failed"
			record.Error = err.Error()
			m.record(record)
			log.Error("migration %s failed: %v", mig.Version(), err)
			return fmt.Errorf("migration %s failed: %w", mig.Version(), err)
		}
		m.record(record)
		log.Info("applied migration %s (%s) in %dms", mig.Version(), mig.Description(), record.DurationMs)
	}
	return nil
}

// RollbackTo rolls back all applied migrations above target, newest first.
// The confirm flag stands in for interactive confirmation.
func (m *Migrator) RollbackTo(target string, confirm bool) error {
	if !confirm {
		return fmt.Errorf("%w: rollback requires confirmation", types.ErrInvalidArgument)
	}
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}

	ctx := context.Background()
	log := logging.Get(logging.CategoryMigrate)
	for i := len(m.registry) - 1; i >= 0; i-- {
		mig := m.registry[i]
		v := mig.Version()
		if current == "" || semverLess(current, v) {
			continue // never applied
		}
		if target != "" && !semverLess(target, v) {
			continue // at or below target
		}
		if err := mig.Rollback(ctx, m.db); err != nil {
			return fmt.Errorf("rollback of %s failed: %w", v, err)
		}
		if _, err := m.db.Exec(`DELETE FROM schema_versions WHERE version = ?`, v); err != nil {
			return classify("clear schema version", err)
		}
		log.Info("rolled back migration %s", v)
	}
	return nil
}

// ValidateMigrations runs Validate on every applied migration.
func (m *Migrator) ValidateMigrations() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, mig := range m.registry {
		if current == "" || semverLess(current, mig.Version()) {
			continue
		}
		if err := mig.Validate(ctx, m.db); err != nil {
			return fmt.Errorf("validation of %s failed: %w", mig.Version(), err)
		}
	}
	return nil
}

// History returns all SchemaVersion records, oldest first.
func (m *Migrator) History() ([]types.SchemaVersion, error) {
	if err := m.ensureVersionTable(); err != nil {
		return nil, err
	}
	rows, err := m.db.Query(`SELECT version, executed_at, duration_ms, status, description, COALESCE(error,'') FROM schema_versions ORDER BY id`)
	if err != nil {
		return nil, classify("read schema history", err)
	}
	defer rows.Close()

	var out []types.SchemaVersion
	for rows.Next() {
		var sv types.SchemaVersion
		if err := rows.Scan(&sv.Version, &sv.ExecutedAt, &sv.DurationMs, &sv.Status, &sv.Description, &sv.Error); err != nil {
			continue
		}
		out = append(out, sv)
	}
	return out, nil
}

func (m *Migrator) record(sv types.SchemaVersion) {
	if err := m.ensureVersionTable(); err != nil {
		return
	}
	_, err := m.db.Exec(
		`INSERT INTO schema_versions (version, executed_at, duration_ms, status, description, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sv.Version, sv.ExecutedAt, sv.DurationMs, sv.Status, sv.Description, sv.Error,
	)
	if err != nil {
		logging.Get(logging.CategoryMigrate).Error("failed to record schema version %s: %v", sv.Version, err)
	}
}
