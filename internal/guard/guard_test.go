package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sarraf.org/internal/ledger"
)

const office = "of-1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fastOptions(retries int) Options {
	return Options{Retries: retries, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func setup(t *testing.T, withActivity bool, initials ...string) *ledger.InMemory {
	t.Helper()
	ctx := context.Background()
	s := ledger.NewInMemory()
	o := ledger.NewOnboarding(s)
	_, _, err := o.OpenOffice(ctx, office, "USD")
	require.NoError(t, err)
	for _, in := range initials {
		_, err := o.OpenAccount(ctx, office, in, ledger.KindCustomer, "")
		require.NoError(t, err)
	}
	if withActivity {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		act := ledger.Activity{OfficeID: office, State: ledger.ActivityOpen, OpeningRates: ledger.Rates{}, StartedAt: time.Now()}
		require.NoError(t, tx.Activities().Create(ctx, &act))
		require.NoError(t, tx.Commit())
	}
	return s
}

func account(t *testing.T, s ledger.Store, initials string) ledger.Account {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	acc, err := tx.Accounts().ByInitials(ctx, office, initials)
	require.NoError(t, err)
	return acc
}

func transfer(from, to string, amount decimal.Decimal) Work {
	return func(ctx context.Context, u *Unit) error {
		a, err := u.AccountByInitials(ctx, from)
		if err != nil {
			return err
		}
		b, err := u.AccountByInitials(ctx, to)
		if err != nil {
			return err
		}
		if err := u.Post(ctx, a, amount.Neg(), "out"); err != nil {
			return err
		}
		return u.Post(ctx, b, amount, "in")
	}
}

// bump commits an out-of-band version change to the account, as a concurrent
// unit would.
func bump(t *testing.T, s ledger.Store, initials string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	acc, err := tx.Accounts().ByInitials(ctx, office, initials)
	require.NoError(t, err)
	next := acc
	next.Version++
	require.NoError(t, tx.Accounts().Update(ctx, next, acc.Version))
	require.NoError(t, tx.Commit())
}

// closeActivity commits an out-of-band close of the office activity.
func closeActivity(t *testing.T, s ledger.Store) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	act, err := tx.Activities().Open(ctx, office)
	require.NoError(t, err)
	act.State = ledger.ActivityClosed
	require.NoError(t, tx.Activities().Update(ctx, act))
	require.NoError(t, tx.Commit())
}

func TestRunBumpsVersionOncePerAccount(t *testing.T) {
	s := setup(t, true, "GZM", "MDM")
	g := New(s, fastOptions(3))
	before := account(t, s, "GZM")

	err := g.Run(context.Background(), office, "test", func(ctx context.Context, u *Unit) error {
		for i := 0; i < 3; i++ {
			if err := transfer("GZM", "MDM", d("1.5"))(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	after := account(t, s, "GZM")
	assert.Equal(t, before.Version+1, after.Version)
	assert.True(t, after.Balance.Equal(d("-4.5")), after.Balance.String())
	assert.True(t, account(t, s, "MDM").Balance.Equal(d("4.5")))
}

func TestRunWithoutActivity(t *testing.T) {
	s := setup(t, false, "GZM", "MDM")
	g := New(s, fastOptions(3))

	called := false
	err := g.Run(context.Background(), office, "test", func(ctx context.Context, u *Unit) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ledger.ErrNoActivity)
	assert.False(t, called)
}

func TestRunDiscardsWorkOnError(t *testing.T) {
	s := setup(t, true, "GZM", "MDM")
	g := New(s, fastOptions(3))
	boom := errors.New("boom")

	err := g.Run(context.Background(), office, "test", func(ctx context.Context, u *Unit) error {
		if err := transfer("GZM", "MDM", d("10"))(ctx, u); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, account(t, s, "GZM").Balance.IsZero())
	assert.Equal(t, int64(0), account(t, s, "GZM").Version)
}

func TestRunRejectsUnbalancedWork(t *testing.T) {
	s := setup(t, true, "GZM")
	g := New(s, fastOptions(3))
	attempts := 0

	err := g.Run(context.Background(), office, "test", func(ctx context.Context, u *Unit) error {
		attempts++
		acc, err := u.AccountByInitials(ctx, "GZM")
		if err != nil {
			return err
		}
		return u.Post(ctx, acc, d("5"), "gift")
	})
	require.ErrorIs(t, err, ledger.ErrUnhealthyInvariant)
	assert.Equal(t, 1, attempts)
	assert.True(t, account(t, s, "GZM").Balance.IsZero())
}

func TestRunJournalsFundMovements(t *testing.T) {
	s := setup(t, true, "MDM")
	g := New(s, fastOptions(3))

	err := g.Run(context.Background(), office, "deposit", func(ctx context.Context, u *Unit) error {
		fund, err := u.Fund(ctx)
		if err != nil {
			return err
		}
		acc, err := u.AccountByInitials(ctx, "MDM")
		if err != nil {
			return err
		}
		if err := u.Post(ctx, acc, d("100"), "deposit"); err != nil {
			return err
		}
		return u.Post(ctx, fund, d("100"), "deposit")
	})
	require.NoError(t, err)

	commits := s.FundCommits(office)
	require.Len(t, commits, 1)
	assert.True(t, commits[0].VFrom.IsZero())
	assert.True(t, commits[0].Variation.Equal(d("100")))
	assert.Equal(t, "deposit", commits[0].Description)
}

func TestRunRetriesAfterConcurrentWrite(t *testing.T) {
	s := setup(t, true, "GZM", "MDM")
	g := New(s, fastOptions(3))
	attempts := 0

	err := g.Run(context.Background(), office, "test", func(ctx context.Context, u *Unit) error {
		attempts++
		if err := transfer("GZM", "MDM", d("7"))(ctx, u); err != nil {
			return err
		}
		if attempts == 1 {
			bump(t, s, "GZM")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	got := account(t, s, "GZM")
	assert.True(t, got.Balance.Equal(d("-7")))
	assert.Equal(t, int64(2), got.Version)
}

func TestRunExhaustsOnPersistentConflict(t *testing.T) {
	s := setup(t, true, "GZM", "MDM")
	g := New(s, fastOptions(2))
	attempts := 0

	err := g.Run(context.Background(), office, "test", func(ctx context.Context, u *Unit) error {
		attempts++
		if err := transfer("GZM", "MDM", d("7"))(ctx, u); err != nil {
			return err
		}
		bump(t, s, "MDM")
		return nil
	})
	require.ErrorIs(t, err, ledger.ErrAccountVersionMismatch)
	assert.Equal(t, 3, attempts)
	assert.True(t, account(t, s, "MDM").Balance.IsZero())
}

type flakyStore struct {
	ledger.Store
	commits atomic.Int32
}

type flakyTx struct {
	ledger.Tx
	s *flakyStore
}

func (f *flakyStore) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return flakyTx{Tx: tx, s: f}, nil
}

func (t flakyTx) Commit() error {
	t.s.commits.Add(1)
	_ = t.Tx.Rollback()
	return ledger.ErrTransient
}

func TestRunExhaustsOnTransientFailures(t *testing.T) {
	s := setup(t, true, "GZM", "MDM")
	fs := &flakyStore{Store: s}
	g := New(fs, fastOptions(3))

	err := g.Run(context.Background(), office, "test", transfer("GZM", "MDM", d("1")))
	require.ErrorIs(t, err, ledger.ErrDatabaseMaxRetries)
	assert.Equal(t, int32(4), fs.commits.Load())
	assert.Equal(t, ledger.CodeDatabaseMaxRetries, ledger.CodeOf(err))
}

func TestAfterCommitRunsOnlyOnSuccess(t *testing.T) {
	s := setup(t, true, "GZM", "MDM")
	g := New(s, fastOptions(3))
	fired := 0

	require.NoError(t, g.Run(context.Background(), office, "ok", func(ctx context.Context, u *Unit) error {
		u.AfterCommit(func() { fired++ })
		return transfer("GZM", "MDM", d("1"))(ctx, u)
	}))
	_ = g.Run(context.Background(), office, "fail", func(ctx context.Context, u *Unit) error {
		u.AfterCommit(func() { fired++ })
		return errors.New("nope")
	})
	assert.Equal(t, 1, fired)
}

func TestDisjointUnitsRunInParallel(t *testing.T) {
	s := setup(t, true, "AAA", "BBB", "CCC", "DDD")
	g := New(s, fastOptions(0))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pair := range [][2]string{{"AAA", "BBB"}, {"CCC", "DDD"}} {
		wg.Add(1)
		go func(i int, from, to string) {
			defer wg.Done()
			errs[i] = g.Run(context.Background(), office, "disjoint", transfer(from, to, d("3")))
		}(i, pair[0], pair[1])
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, account(t, s, "BBB").Balance.Equal(d("3")))
	assert.True(t, account(t, s, "DDD").Balance.Equal(d("3")))
}

func TestOverlappingUnitsNeverLoseUpdates(t *testing.T) {
	s := setup(t, true, "GZM", "MDM")
	g := New(s, fastOptions(5))

	const n = 20
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Run(context.Background(), office, "overlap", transfer("GZM", "MDM", d("1")))
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, ledger.ErrAccountVersionMismatch)
		}()
	}
	wg.Wait()

	gzm := account(t, s, "GZM")
	mdm := account(t, s, "MDM")
	succeeded := decimal.NewFromInt(int64(ok.Load()))
	assert.True(t, mdm.Balance.Equal(succeeded), "mdm=%s ok=%d", mdm.Balance, ok.Load())
	assert.True(t, gzm.Balance.Add(mdm.Balance).IsZero())
	assert.Equal(t, int64(ok.Load()), mdm.Version)
}

func TestRunLosesToConcurrentClose(t *testing.T) {
	s := setup(t, true, "GZM", "MDM")
	g := New(s, fastOptions(3))
	attempts := 0

	err := g.Run(context.Background(), office, "test", func(ctx context.Context, u *Unit) error {
		attempts++
		if err := transfer("GZM", "MDM", d("7"))(ctx, u); err != nil {
			return err
		}
		if attempts == 1 {
			closeActivity(t, s)
		}
		return nil
	})
	require.ErrorIs(t, err, ledger.ErrNoActivity)
	assert.Equal(t, 1, attempts)
	assert.True(t, account(t, s, "MDM").Balance.IsZero())
	assert.Equal(t, int64(0), account(t, s, "MDM").Version)
}
