// Package migrate applies embedded SQL migrations and seed files.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

// Runner executes SQL migrations and seeds read from an fs.FS, so the
// schema ships inside the binary.
type Runner struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
}

// Option configures Runner.
type Option func(*Runner)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.seedsTable = name
		}
	}
}

// NewRunner constructs a Runner over the given filesystem. migrationsDir
// and seedsDir are paths within fsys.
func NewRunner(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Runner {
	r := &Runner{
		db:              db,
		fsys:            fsys,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Up applies all pending migrations in name order.
func (r *Runner) Up(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	executed, err := r.listExecuted(ctx, r.migrationsTable)
	if err != nil {
		return err
	}
	files, err := collectSQL(r.fsys, r.migrationsDir, ".up.sql")
	if err != nil {
		return err
	}
	for _, mig := range files {
		if executed[mig.Base] {
			continue
		}
		if err := r.exec(ctx, mig.Path); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.Base, err)
		}
		if err := r.insertRecord(ctx, r.migrationsTable, mig.Base); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	executed, err := r.history(ctx, r.migrationsTable)
	if err != nil {
		return err
	}
	if len(executed) == 0 {
		return errors.New("no migrations applied")
	}
	last := executed[len(executed)-1]
	downPath := strings.TrimSuffix(joinPath(r.migrationsDir, last), ".up.sql") + ".down.sql"
	if _, err := fs.Stat(r.fsys, downPath); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := r.exec(ctx, downPath); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, r.migrationsTable), last); err != nil {
		return err
	}
	return nil
}

// Status returns applied migrations in apply order.
func (r *Runner) Status(ctx context.Context) ([]string, error) {
	if err := r.ensureTables(ctx); err != nil {
		return nil, err
	}
	return r.history(ctx, r.migrationsTable)
}

// Seed applies seed files idempotently.
func (r *Runner) Seed(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	executed, err := r.listExecuted(ctx, r.seedsTable)
	if err != nil {
		return err
	}
	files, err := collectSQL(r.fsys, r.seedsDir, ".sql")
	if err != nil {
		return err
	}
	for _, seed := range files {
		if executed[seed.Base] {
			continue
		}
		if err := r.exec(ctx, seed.Path); err != nil {
			return fmt.Errorf("apply seed %s: %w", seed.Base, err)
		}
		if err := r.insertRecord(ctx, r.seedsTable, seed.Base); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) ensureTables(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, r.migrationsTable)
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	seedDDL := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, r.seedsTable)
	_, err := r.db.ExecContext(ctx, seedDDL)
	return err
}

func (r *Runner) exec(ctx context.Context, path string) error {
	sqlBytes, err := fs.ReadFile(r.fsys, path)
	if err != nil {
		return err
	}
	statements := splitStatements(string(sqlBytes))
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) insertRecord(ctx context.Context, table, name string) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table),
		name, time.Now().UTC())
	return err
}

func (r *Runner) listExecuted(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}

func (r *Runner) history(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{
				Base: d.Name(),
				Path: path,
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Base < files[j].Base
	})
	return files, nil
}

func joinPath(dir, base string) string {
	if dir == "" || dir == "." {
		return base
	}
	return dir + "/" + base
}

// splitStatements naively splits SQL by semicolon while preserving simple cases.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString bool
	for _, r := range sql {
		switch r {
		case '\'':
			current.WriteRune(r)
			inString = !inString
		case ';':
			current.WriteRune(r)
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
