package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const migrationsTable = "perp_schema_migrations"

// Migration is one versioned pair of {version}_{name}.up.sql / .down.sql files.
type Migration struct {
	Version string
	Name    string
	up      string
	down    string
}

// MigrationStatus reports whether a migration has been applied.
type MigrationStatus struct {
	Version   string
	Name      string
	AppliedAt time.Time // zero when pending
}

// Migrator applies the engine's schema migrations inside one transaction each.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
	log  zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, log zerolog.Logger) *Migrator {
	return NewMigratorFS(db, os.DirFS(migrationsDir), log)
}

func NewMigratorFS(db *sql.DB, fsys fs.FS, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, fsys: fsys, log: log.With().Str("component", "migrator").Logger()}
}

// Up applies every pending migration in version order.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return err
	}
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("ensure %s: %w", migrationsTable, err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return fmt.Errorf("read applied versions: %w", err)
	}

	for _, mg := range migrations {
		if _, ok := applied[mg.Version]; ok {
			continue
		}
		err := m.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mg.up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO `+migrationsTable+` (version, name) VALUES ($1, $2)`, mg.Version, mg.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s_%s: %w", mg.Version, mg.Name, err)
		}
		m.log.Info().Str("version", mg.Version).Str("name", mg.Name).Msg("migration applied")
	}
	return nil
}

// Down rolls back the most recently applied migration. It is a no-op on an
// empty schema.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return err
	}
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("ensure %s: %w", migrationsTable, err)
	}

	var version string
	err = m.db.QueryRowContext(ctx,
		`SELECT version FROM `+migrationsTable+` ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.log.Info().Msg("nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest applied version: %w", err)
	}

	idx := sort.Search(len(migrations), func(i int) bool { return migrations[i].Version >= version })
	if idx == len(migrations) || migrations[idx].Version != version {
		return fmt.Errorf("applied version %s has no migration file", version)
	}
	mg := migrations[idx]

	err = m.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mg.down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM `+migrationsTable+` WHERE version = $1`, mg.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back %s_%s: %w", mg.Version, mg.Name, err)
	}
	m.log.Info().Str("version", mg.Version).Str("name", mg.Name).Msg("migration rolled back")
	return nil
}

// Status lists every known migration with its applied time.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure %s: %w", migrationsTable, err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mg := range migrations {
		out = append(out, MigrationStatus{Version: mg.Version, Name: mg.Name, AppliedAt: applied[mg.Version]})
	}
	return out, nil
}

func (m *Migrator) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (m *Migrator) applied(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM `+migrationsTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		out[v] = at
	}
	return out, rows.Err()
}

// LoadMigrations reads the top level of fsys and pairs up/down files by
// version. Every up file needs a down file and versions must be unique.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		var direction string
		switch {
		case strings.HasSuffix(file, ".up.sql"):
			direction = "up"
		case strings.HasSuffix(file, ".down.sql"):
			direction = "down"
		default:
			continue
		}
		version, name, ok := strings.Cut(strings.TrimSuffix(file, "."+direction+".sql"), "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %q: want {version}_{name}.%s.sql", file, direction)
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}

		mg, exists := byVersion[version]
		if !exists {
			mg = &Migration{Version: version, Name: name}
			byVersion[version] = mg
		} else if mg.Name != name {
			return nil, fmt.Errorf("version %s used by %q and %q", version, mg.Name, name)
		}
		if direction == "up" {
			mg.up = string(body)
		} else {
			mg.down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.up == "" || mg.down == "" {
			return nil, fmt.Errorf("migration %s_%s is missing its up or down file", mg.Version, mg.Name)
		}
		out = append(out, *mg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
