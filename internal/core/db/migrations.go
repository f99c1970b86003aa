package db

/*
 * Schema migrations.
 *
 * Migration files are embedded per driver and applied in filename order, each
 * in its own transaction together with its row in the migrations table. The
 * SHA256 of every applied file is stored; a later run refuses to continue if
 * an applied file changed or disappeared from the binary.
 */

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	embeddedmigrations "github.com/flowflex/stagecondition/migrations"
)

// MigrationStatus represents the state of a single migration.
type MigrationStatus struct {
	ID          string
	Checksum    string
	Applied     bool
	AppliedAt   *time.Time
	ExecutionMs int64
}

type migration struct {
	ID       string
	Checksum string
	SQL      string
}

type appliedMigration struct {
	ID          string `db:"migration_id"`
	Checksum    string `db:"checksum"`
	AppliedAt   any    `db:"applied_at"`
	ExecutionMs int64  `db:"execution_ms"`
}

// Migrator applies the embedded migrations of one database.
type Migrator struct {
	db         *sqlx.DB
	logger     *slog.Logger
	migrations []migration
}

// NewMigrator loads the embedded migrations for the driver of conn. logger
// may be nil.
func NewMigrator(conn *sqlx.DB, logger *slog.Logger) (*Migrator, error) {
	fsys, dir, err := migrationSource(conn.DriverName())
	if err != nil {
		return nil, err
	}
	ms, err := parseMigrationFiles(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to parse migrations: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: conn, logger: logger, migrations: ms}, nil
}

// MigrateUp applies every pending migration of conn.
func MigrateUp(ctx context.Context, conn *sqlx.DB) error {
	m, err := NewMigrator(conn, nil)
	if err != nil {
		return err
	}
	_, err = m.Up(ctx)
	return err
}

// MigrateStatus lists applied and pending migrations of conn.
func MigrateStatus(ctx context.Context, conn *sqlx.DB) ([]MigrationStatus, error) {
	m, err := NewMigrator(conn, nil)
	if err != nil {
		return nil, err
	}
	return m.Status(ctx)
}

// Up applies pending migrations in order and returns their ids.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	applied, err := m.verify(ctx)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, mig := range m.migrations {
		if _, ok := applied[mig.ID]; ok {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return done, err
		}
		done = append(done, mig.ID)
	}
	return done, nil
}

// Pending returns the ids of migrations not yet applied.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	applied, err := m.verify(ctx)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, mig := range m.migrations {
		if _, ok := applied[mig.ID]; !ok {
			pending = append(pending, mig.ID)
		}
	}
	return pending, nil
}

// Status reports every embedded migration in order.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, mig := range m.migrations {
		row, ok := applied[mig.ID]
		if !ok {
			statuses = append(statuses, MigrationStatus{ID: mig.ID, Checksum: mig.Checksum})
			continue
		}
		statuses = append(statuses, MigrationStatus{
			ID:          row.ID,
			Checksum:    row.Checksum,
			Applied:     true,
			AppliedAt:   parseAppliedAt(row.AppliedAt),
			ExecutionMs: row.ExecutionMs,
		})
	}
	return statuses, nil
}

// verify loads the applied set and checks it against the embedded files.
func (m *Migrator) verify(ctx context.Context) (map[string]appliedMigration, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	embedded := make(map[string]string, len(m.migrations))
	for _, mig := range m.migrations {
		embedded[mig.ID] = mig.Checksum
	}
	for id, row := range applied {
		want, ok := embedded[id]
		if !ok {
			return nil, fmt.Errorf("migration checksum validation failed: migration %s exists in database but not in embedded files", id)
		}
		if row.Checksum != want {
			return nil, fmt.Errorf("migration checksum validation failed: checksum mismatch for migration %s: expected %s, got %s", id, want, row.Checksum)
		}
	}
	return applied, nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]appliedMigration, error) {
	if err := m.createTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	var rows []appliedMigration
	if err := m.db.SelectContext(ctx, &rows,
		"SELECT migration_id, checksum, applied_at, execution_ms FROM migrations"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	out := make(map[string]appliedMigration, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// apply runs one migration and records it in the same transaction.
func (m *Migrator) apply(ctx context.Context, mig migration) error {
	start := time.Now()
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %s: %w", mig.ID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range splitStatements(mig.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", mig.ID, err)
		}
	}

	elapsed := time.Since(start)
	var appliedAt any = time.Now().UTC()
	if m.db.DriverName() == DriverSQLite {
		appliedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		"INSERT INTO migrations (migration_id, checksum, applied_at, execution_ms) VALUES (?, ?, ?, ?)"),
		mig.ID, mig.Checksum, appliedAt, elapsed.Milliseconds()); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", mig.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", mig.ID, err)
	}

	m.logger.Info("migration applied", "migration", mig.ID, "driver", m.db.DriverName(), "duration", elapsed)
	return nil
}

// createTable must stay in step with the migrations table of 001_initial_schema.sql.
func (m *Migrator) createTable(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS migrations (
			migration_id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP WITHOUT TIME ZONE NOT NULL,
			execution_ms INTEGER NOT NULL
		)`
	if m.db.DriverName() == DriverSQLite {
		ddl = `
		CREATE TABLE IF NOT EXISTS migrations (
			migration_id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			execution_ms INTEGER NOT NULL,
			CHECK (applied_at LIKE '____-__-__T__:__:__Z')
		)`
	}
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

func migrationSource(driver string) (embed.FS, string, error) {
	switch driver {
	case DriverSQLite:
		return embeddedmigrations.SqliteMigrations, "sqlite", nil
	case DriverPostgres:
		return embeddedmigrations.PostgresMigrations, "postgres", nil
	default:
		return embed.FS{}, "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// parseAppliedAt accepts the TIMESTAMP column of postgres and the RFC3339
// text column of sqlite.
func parseAppliedAt(v any) *time.Time {
	var text string
	switch t := v.(type) {
	case time.Time:
		return &t
	case string:
		text = t
	case []byte:
		text = string(t)
	default:
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return nil
	}
	return &parsed
}

func parseMigrationFiles(fsys embed.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := fsys.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			ID:       e.Name(),
			Checksum: hex.EncodeToString(sum[:]),
			SQL:      string(content),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// splitStatements drops full-line "--" comments and splits on semicolons;
// lib/pq runs one statement per Exec. Statements must not contain literal
// semicolons.
func splitStatements(sql string) []string {
	var kept []string
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}

	var out []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
