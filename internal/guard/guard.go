// Package guard runs ledger-mutating units of work under optimistic
// concurrency control and the office balance invariant.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/lestrrat-go/backoff/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sarraf.org/internal/ledger"
	"sarraf.org/internal/obs"
)

const (
	DefaultRetries    = 3
	DefaultMinBackoff = 20 * time.Millisecond
	DefaultMaxBackoff = 250 * time.Millisecond
)

// Options tune a Guard. Zero values fall back to the defaults.
type Options struct {
	// Retries is the number of extra attempts after the first one.
	Retries    int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Epsilon    decimal.Decimal
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = DefaultMinBackoff
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = DefaultMaxBackoff
		if o.MaxBackoff < o.MinBackoff {
			o.MaxBackoff = o.MinBackoff
		}
	}
	if !o.Epsilon.IsPositive() {
		o.Epsilon = ledger.DefaultEpsilon
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// DefaultOptions returns the production retry policy.
func DefaultOptions() Options {
	return Options{Retries: DefaultRetries}.withDefaults()
}

// Work is the body of a guarded unit. It must only touch balances through u.
type Work func(ctx context.Context, u *Unit) error

// Guard executes Work with a fresh store transaction per attempt.
type Guard struct {
	store ledger.Store
	opts  Options
	log   *zap.Logger
}

// New returns a guard over store.
func New(store ledger.Store, opts Options) *Guard {
	return &Guard{store: store, opts: opts.withDefaults(), log: obs.Logger().Named("guard")}
}

// Store exposes the underlying store for read-only queries.
func (g *Guard) Store() ledger.Store { return g.store }

// Now returns the guard clock.
func (g *Guard) Now() time.Time { return g.opts.Now() }

// Epsilon is the invariant tolerance in force.
func (g *Guard) Epsilon() decimal.Decimal { return g.opts.Epsilon }

// Run executes work for officeID. Each attempt begins a transaction, holds the
// OPEN activity so that closing it conflicts with the unit, checks the office
// invariant before and after the work, flushes every account and wallet loaded
// for write with a version-conditional update and commits. Version and transient conflicts are retried; anything
// else is returned as is with nothing persisted.
func (g *Guard) Run(ctx context.Context, officeID, name string, work Work) error {
	var hooks []func()
	err := g.Retry(ctx, name, func(ctx context.Context) error {
		var err error
		hooks, err = g.attempt(ctx, officeID, work)
		return err
	})
	if err != nil {
		return err
	}
	for _, h := range hooks {
		h()
	}
	return nil
}

func (g *Guard) attempt(ctx context.Context, officeID string, work Work) ([]func(), error) {
	tx, err := g.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	act, err := tx.Activities().Open(ctx, officeID)
	if err == nil {
		err = tx.Activities().Hold(ctx, act.ID)
	}
	if err != nil {
		if ledger.CodeOf(err) == ledger.CodeNotFound {
			return nil, ledger.NoActivity(officeID)
		}
		return nil, err
	}
	if err := g.checkInvariant(ctx, tx, officeID); err != nil {
		return nil, err
	}

	u := newUnit(tx, officeID, act, g.opts.Now())
	if err := work(ctx, u); err != nil {
		return nil, err
	}
	if err := u.flush(ctx); err != nil {
		return nil, err
	}
	if err := u.verify(ctx); err != nil {
		return nil, err
	}
	if err := g.checkInvariant(ctx, tx, officeID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u.hooks, nil
}

func (g *Guard) checkInvariant(ctx context.Context, tx ledger.Tx, officeID string) error {
	accounts, err := tx.Accounts().ListByOffice(ctx, officeID)
	if err != nil {
		return err
	}
	wallets, err := tx.Wallets().ListByOffice(ctx, officeID)
	if err != nil {
		return err
	}
	return ledger.CheckOffice(accounts, wallets, g.opts.Epsilon)
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. Attempts are spaced by jittered exponential backoff.
func (g *Guard) Retry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	policy := backoff.Exponential(
		backoff.WithMinInterval(g.opts.MinBackoff),
		backoff.WithMaxInterval(g.opts.MaxBackoff),
		backoff.WithJitterFactor(0.5),
	)
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b := policy.Start(bctx)

	var last error
	for attempt := 0; backoff.Continue(b); attempt++ {
		err := fn(ctx)
		if err == nil {
			obs.GuardAttempt("committed")
			return nil
		}
		if !ledger.Retryable(err) {
			obs.GuardAttempt("failed")
			return err
		}
		last = err
		reason := reasonOf(err)
		if attempt >= g.opts.Retries {
			obs.GuardAttempt("failed")
			g.log.Error("retries exhausted",
				zap.String("unit", name),
				zap.Int("attempts", attempt+1),
				zap.String("reason", reason),
				zap.Error(err),
			)
			return exhausted(err)
		}
		obs.GuardAttempt("retried")
		obs.GuardRetry(reason)
		g.log.Warn("retrying unit",
			zap.String("unit", name),
			zap.Int("attempt", attempt+1),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return exhausted(last)
}

func reasonOf(err error) string {
	if errors.Is(err, ledger.ErrStaleVersion) {
		return "version"
	}
	return "transient"
}

func exhausted(last error) error {
	if errors.Is(last, ledger.ErrStaleVersion) {
		return ledger.Wrap(ledger.CodeAccountVersionMismatch, last, "accounts kept changing concurrently")
	}
	return ledger.Wrap(ledger.CodeDatabaseMaxRetries, last, "database conflict persisted")
}
