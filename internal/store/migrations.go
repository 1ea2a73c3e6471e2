package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Registry returns all known migrations. Order here is irrelevant; the
// migrator sorts by SemVer.
func Registry() []Migration {
	return []Migration{
		baselineMigration{},
		indexMigration{},
		eventLedgerMigration{},
		engramRefMigration{},
	}
}

// tableMigration holds the shared validate helper.
func tableExists(ctx context.Context, db *sql.DB, name string) error {
	var n string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return fmt.Errorf("table %s missing: %w", name, err)
	}
	return nil
}

// baselineMigration creates every node table and the edge table.
type baselineMigration struct{}

func (baselineMigration) Version() string        { return "1.0.0" }
func (baselineMigration) Description() string    { return "baseline node and edge tables" }
func (baselineMigration) Dependencies() []string { return nil }

const lifecycleCols = `
	is_active INTEGER NOT NULL DEFAULT 1,
	ttl_days INTEGER NOT NULL DEFAULT 365,
	last_verified_at DATETIME,
	deprecated_reason TEXT,
	memory_type TEXT,
	memory_subject TEXT`

const namespaceCols = `
	tenant_id TEXT NOT NULL,
	team_id TEXT NOT NULL,
	project_id TEXT NOT NULL`

func (baselineMigration) Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,` + namespaceCols + `,` + lifecycleCols + `,
			statement TEXT NOT NULL,
			alternatives TEXT,
			alternatives_with_reasons TEXT,
			assumptions TEXT,
			predicted_outcome TEXT,
			confidence REAL NOT NULL,
			domain TEXT,
			created_at DATETIME NOT NULL,
			created_by TEXT,
			context_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			linked_pr TEXT,
			linked_commit TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id TEXT PRIMARY KEY,` + namespaceCols + `,
			decision_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			submitted_at DATETIME,
			merged_at DATETIME,
			completed_at DATETIME,
			pr_url TEXT,
			pr_number INTEGER,
			commit_sha TEXT,
			repo TEXT,
			final_status TEXT,
			final_score REAL NOT NULL DEFAULT 0,
			lessons_learned TEXT,
			metrics TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			outcome_id TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			valence TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			severity TEXT,
			metrics TEXT,
			UNIQUE(outcome_id, signal_type, timestamp, description)
		)`,
		`CREATE TABLE IF NOT EXISTS negative_knowledge (
			id TEXT PRIMARY KEY,` + namespaceCols + `,` + lifecycleCols + `,
			hypothesis TEXT NOT NULL,
			conclusion TEXT NOT NULL,
			domain TEXT NOT NULL,
			severity TEXT NOT NULL,
			recommendation TEXT,
			prevented_count INTEGER NOT NULL DEFAULT 0,
			discovered_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS antipatterns (
			id TEXT PRIMARY KEY,` + namespaceCols + `,` + lifecycleCols + `,
			name TEXT NOT NULL,
			category TEXT,
			domain TEXT NOT NULL,
			severity TEXT NOT NULL,
			failure_rate REAL NOT NULL DEFAULT 0,
			regex_pattern TEXT NOT NULL,
			keywords TEXT,
			removal_rate REAL NOT NULL DEFAULT 0,
			repos_affected TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS calibration_profiles (
			domain TEXT NOT NULL,` + namespaceCols + `,
			alpha REAL NOT NULL DEFAULT 1,
			beta REAL NOT NULL DEFAULT 1,
			last_updated DATETIME NOT NULL,
			PRIMARY KEY (domain, tenant_id, team_id, project_id)
		)`,
		`CREATE TABLE IF NOT EXISTS skills (
			id TEXT PRIMARY KEY,` + namespaceCols + `,` + lifecycleCols + `,
			domain TEXT NOT NULL,
			version INTEGER NOT NULL,
			success_rate REAL NOT NULL,
			confidence REAL NOT NULL,
			sample_size INTEGER NOT NULL,
			quality_score REAL NOT NULL,
			procedure TEXT NOT NULL,
			green_zone TEXT,
			yellow_zone TEXT,
			red_zone TEXT,
			generated_from TEXT,
			conflicts_with TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE(domain, version, tenant_id, team_id, project_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_contexts (
			session_id TEXT PRIMARY KEY,` + namespaceCols + `,
			task TEXT,
			focus TEXT,
			current_plan TEXT,
			constraints TEXT,
			doc_shot_id TEXT,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS docshots (
			id TEXT PRIMARY KEY,` + namespaceCols + `,
			document_ids TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,` + namespaceCols + `,
			file_path TEXT NOT NULL,
			content TEXT NOT NULL,
			doc_type TEXT,
			embedding TEXT,
			chunk_index INTEGER NOT NULL DEFAULT 0,
			chunk_total INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_id TEXT NOT NULL,
			relation TEXT NOT NULL,
			to_id TEXT NOT NULL,
			properties TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE(from_id, relation, to_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (baselineMigration) Rollback(ctx context.Context, db *sql.DB) error {
	tables := []string{
		"edges", "documents", "docshots", "session_contexts", "skills",
		"calibration_profiles", "antipatterns", "negative_knowledge",
		"signals", "outcomes", "decisions",
	}
	for _, t := range tables {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("failed to drop %s: %w", t, err)
		}
	}
	return nil
}

func (baselineMigration) Validate(ctx context.Context, db *sql.DB) error {
	for _, t := range []string{"decisions", "outcomes", "signals", "edges"} {
		if err := tableExists(ctx, db, t); err != nil {
			return err
		}
	}
	return nil
}

// indexMigration adds lookup indexes for the hot read paths.
type indexMigration struct{}

func (indexMigration) Version() string        { return "1.1.0" }
func (indexMigration) Description() string    { return "namespace and domain indexes" }
func (indexMigration) Dependencies() []string { return []string{"1.0.0"} }

func (indexMigration) Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_decisions_domain ON decisions(domain, tenant_id, team_id, project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_decision ON outcomes(decision_id)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_outcome ON signals(outcome_id)`,
		`CREATE INDEX IF NOT EXISTS idx_nk_domain ON negative_knowledge(domain, tenant_id, team_id, project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ap_domain ON antipatterns(domain, tenant_id, team_id, project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_skills_domain ON skills(domain, version)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id, relation)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, relation)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (indexMigration) Rollback(ctx context.Context, db *sql.DB) error {
	indexes := []string{
		"idx_decisions_domain", "idx_decisions_status", "idx_outcomes_decision",
		"idx_signals_outcome", "idx_nk_domain", "idx_ap_domain",
		"idx_skills_domain", "idx_edges_from", "idx_edges_to",
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, "DROP INDEX IF EXISTS "+idx); err != nil {
			return fmt.Errorf("failed to drop index %s: %w", idx, err)
		}
	}
	return nil
}

func (indexMigration) Validate(ctx context.Context, db *sql.DB) error {
	var n string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='index' AND name='idx_decisions_domain'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("index idx_decisions_domain missing: %w", err)
	}
	return nil
}

// eventLedgerMigration adds the processed-events ledger used for webhook
// idempotency.
type eventLedgerMigration struct{}

func (eventLedgerMigration) Version() string        { return "1.2.0" }
func (eventLedgerMigration) Description() string    { return "processed webhook event ledger" }
func (eventLedgerMigration) Dependencies() []string { return []string{"1.0.0"} }

func (eventLedgerMigration) Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT NOT NULL,
		outcome_id TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		processed_at DATETIME NOT NULL,
		PRIMARY KEY (event_id, outcome_id, signal_type)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create processed_events: %w", err)
	}
	return nil
}

func (eventLedgerMigration) Rollback(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS processed_events`)
	return err
}

func (eventLedgerMigration) Validate(ctx context.Context, db *sql.DB) error {
	return tableExists(ctx, db, "processed_events")
}

// engramRefMigration indexes on-disk engram files so sessions can be
// replayed without scanning the tree.
type engramRefMigration struct{}

func (engramRefMigration) Version() string        { return "1.3.0" }
func (engramRefMigration) Description() string    { return "engram file references" }
func (engramRefMigration) Dependencies() []string { return []string{"1.0.0"} }

func (engramRefMigration) Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS engram_refs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		team_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		path TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create engram_refs: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_engram_refs_session ON engram_refs(session_id)`)
	return err
}

func (engramRefMigration) Rollback(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS engram_refs`)
	return err
}

func (engramRefMigration) Validate(ctx context.Context, db *sql.DB) error {
	return tableExists(ctx, db, "engram_refs")
}
