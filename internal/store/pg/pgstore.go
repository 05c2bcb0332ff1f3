// Package pg implements the ledger store on PostgreSQL through pgx's
// database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sarraf.org/internal/ledger"
)

// Postgres error codes the guard retries.
const (
	pgErrSerialization      = "40001"
	pgErrDeadlock           = "40P01"
	pgErrUniqueViolation    = "23505"
	pgErrExclusionViolation = "23P01"
)

type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Begin starts a REPEATABLE READ transaction. Concurrent writers of the same
// rows fail at statement or commit time and surface as ErrTransient.
func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, classify(err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Accounts() ledger.AccountRepo         { return accounts{t.tx} }
func (t *pgTx) Wallets() ledger.WalletRepo           { return wallets{t.tx} }
func (t *pgTx) Activities() ledger.ActivityRepo      { return activities{t.tx} }
func (t *pgTx) Transactions() ledger.TransactionRepo { return transactions{t.tx} }
func (t *pgTx) Trades() ledger.TradeRepo             { return trades{t.tx} }
func (t *pgTx) Payments() ledger.PaymentRepo         { return payments{t.tx} }
func (t *pgTx) FundCommits() ledger.FundCommitRepo   { return fundCommits{t.tx} }

func (t *pgTx) Commit() error { return classify(t.tx.Commit()) }

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// classify maps conflicts the guard can retry onto ErrTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrSerialization, pgErrDeadlock, pgErrUniqueViolation, pgErrExclusionViolation:
		return fmt.Errorf("%w: %s (%s)", ledger.ErrTransient, pgErr.Message, pgErr.Code)
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

type scanner interface {
	Scan(dest ...any) error
}

// one maps a missing row to NotFound.
func one(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.NotFound(format, args...)
	}
	return classify(err)
}

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return b, nil
}

func decode(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// where accumulates positional filter clauses.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *where) period(p ledger.Period) {
	if !p.From.IsZero() {
		w.add("created_at >= $%d", p.From)
	}
	if !p.To.IsZero() {
		w.add("created_at < $%d", p.To)
	}
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	out := " where " + w.clauses[0]
	for _, c := range w.clauses[1:] {
		out += " and " + c
	}
	return out
}

func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" limit $%d", len(w.args))
}

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}
