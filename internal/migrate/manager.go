// Package migrate applies the ledger schema and optional seed files.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

//go:embed sql/*.sql
var embedded embed.FS

// Schema is the ledger schema shipped with the binary.
func Schema() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrNothingApplied is returned by Down on an empty journal.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager executes schema files and seed files, each kind tracked in its own
// journal table. A file and its journal entry commit in one transaction.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	schema     journal
	seeded     journal
}

// Option configures Manager.
type Option func(*Manager)

// WithSeeds sets the seed files applied by Seed.
func WithSeeds(seeds fs.FS) Option {
	return func(m *Manager) { m.seeds = seeds }
}

// NewManager constructs a Manager over the given migrations, usually Schema().
func NewManager(db *sql.DB, migrations fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		migrations: migrations,
		schema:     journal{table: "schema_migrations"},
		seeded:     journal{table: "schema_seeds"},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every *.up.sql file not yet in the journal, in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.forward(ctx, m.migrations, "*.up.sql", m.schema)
}

// Seed applies seed files once each. Without WithSeeds it does nothing.
func (m *Manager) Seed(ctx context.Context) error {
	if m.seeds == nil {
		return nil
	}
	return m.forward(ctx, m.seeds, "*.sql", m.seeded)
}

// Down reverts the last applied migration with its .down.sql twin.
func (m *Manager) Down(ctx context.Context) error {
	applied, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	last := applied[len(applied)-1]
	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	body, err := fs.ReadFile(m.migrations, down)
	if err != nil {
		return fmt.Errorf("migrate: no down file for %s: %w", last, err)
	}
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if err := run(ctx, tx, string(body)); err != nil {
			return fmt.Errorf("revert %s: %w", last, err)
		}
		return m.schema.forget(ctx, tx, last)
	})
}

// Status lists the applied migrations in name order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.schema.ensure(ctx, m.db); err != nil {
		return nil, err
	}
	return m.schema.applied(ctx, m.db)
}

func (m *Manager) forward(ctx context.Context, src fs.FS, pattern string, j journal) error {
	if err := j.ensure(ctx, m.db); err != nil {
		return err
	}
	done, err := j.applied(ctx, m.db)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(done))
	for _, name := range done {
		seen[name] = struct{}{}
	}
	// fs.Glob returns names in lexical order.
	names, err := fs.Glob(src, pattern)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		body, err := fs.ReadFile(src, name)
		if err != nil {
			return err
		}
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if err := run(ctx, tx, string(body)); err != nil {
				return err
			}
			return j.record(ctx, tx, name)
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func run(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range statements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// journal is a bookkeeping table of applied file names.
type journal struct{ table string }

func (j journal) ensure(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `create table if not exists `+j.table+` (
		name text primary key,
		applied_at timestamptz not null default now()
	)`)
	return err
}

func (j journal) applied(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `select name from `+j.table+` order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (j journal) record(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `insert into `+j.table+` (name) values ($1)`, name)
	return err
}

func (j journal) forget(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `delete from `+j.table+` where name = $1`, name)
	return err
}

// statements cuts a script at semicolons that are neither quoted nor inside
// a -- comment. Comment-only pieces are dropped.
func statements(script string) []string {
	var (
		out     []string
		start   int
		quoted  bool
		comment bool
		code    bool
	)
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case comment:
			comment = c != '\n'
		case c == '\'':
			quoted, code = !quoted, true
		case quoted:
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			comment = true
		case c == ';':
			if code {
				out = append(out, strings.TrimSpace(script[start:i+1]))
			}
			start, code = i+1, false
		case c > ' ':
			code = true
		}
	}
	if code {
		out = append(out, strings.TrimSpace(script[start:]))
	}
	return out
}
