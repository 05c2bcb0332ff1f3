package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func one() decimal.Decimal { return decimal.NewFromInt(1) }

func seedOffice(t *testing.T, s *InMemory) (fund, office, cust Account) {
	t.Helper()
	ctx := context.Background()
	o := NewOnboarding(s)
	fund, office, err := o.OpenOffice(ctx, "of-1", "USD")
	if err != nil {
		t.Fatal(err)
	}
	cust, err = o.OpenAccount(ctx, "of-1", "MDM", KindCustomer, "")
	if err != nil {
		t.Fatal(err)
	}
	return fund, office, cust
}

func TestUncommittedWritesStayInvisible(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _, cust := seedOffice(t, s)

	tx, _ := s.Begin(ctx)
	next := cust
	next.Balance = decimal.NewFromInt(50)
	next.Version++
	if err := tx.Accounts().Update(ctx, next, cust.Version); err != nil {
		t.Fatal(err)
	}
	got, _ := tx.Accounts().Get(ctx, cust.ID)
	if !got.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("own write not visible: %s", got.Balance)
	}

	other, _ := s.Begin(ctx)
	seen, _ := other.Accounts().Get(ctx, cust.ID)
	if !seen.Balance.IsZero() {
		t.Fatalf("uncommitted write leaked: %s", seen.Balance)
	}
	_ = other.Rollback()
	_ = tx.Rollback()

	after, _ := s.Begin(ctx)
	final, _ := after.Accounts().Get(ctx, cust.ID)
	if !final.Balance.IsZero() || final.Version != cust.Version {
		t.Fatalf("rolled back write persisted: %+v", final)
	}
}

func TestConflictingUpdateReportsStaleVersion(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _, cust := seedOffice(t, s)

	a, _ := s.Begin(ctx)
	b, _ := s.Begin(ctx)
	accA, _ := a.Accounts().Get(ctx, cust.ID)
	accB, _ := b.Accounts().Get(ctx, cust.ID)

	accA.Balance = accA.Balance.Add(one())
	accA.Version++
	if err := a.Accounts().Update(ctx, accA, cust.Version); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}

	accB.Balance = accB.Balance.Add(one())
	accB.Version++
	if err := b.Accounts().Update(ctx, accB, cust.Version); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected stale version at write, got %v", err)
	}
}

func TestCommitDetectsLateConflict(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_, _, cust := seedOffice(t, s)

	a, _ := s.Begin(ctx)
	b, _ := s.Begin(ctx)
	accA, _ := a.Accounts().Get(ctx, cust.ID)
	accB, _ := b.Accounts().Get(ctx, cust.ID)

	accA.Version++
	accB.Version++
	if err := a.Accounts().Update(ctx, accA, cust.Version); err != nil {
		t.Fatal(err)
	}
	if err := b.Accounts().Update(ctx, accB, cust.Version); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected stale version at commit, got %v", err)
	}
	if !Retryable(ErrStaleVersion) || Retryable(ErrNotFound) {
		t.Fatal("retry classification broken")
	}
}

func TestSecondOpenActivityIsTransient(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	seedOffice(t, s)

	a, _ := s.Begin(ctx)
	b, _ := s.Begin(ctx)
	for _, tx := range []Tx{a, b} {
		act := Activity{OfficeID: "of-1", State: ActivityOpen, OpeningRates: Rates{"USDT": one()}, StartedAt: time.Now()}
		if err := tx.Activities().Create(ctx, &act); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient conflict, got %v", err)
	}

	check, _ := s.Begin(ctx)
	open, err := check.Activities().Open(ctx, "of-1")
	if err != nil {
		t.Fatal(err)
	}
	if r, ok := open.Rate("USDT"); !ok || !r.Equal(one()) {
		t.Fatalf("unexpected rate %s", r)
	}
}

func TestDuplicateTransactionCodeIsTransient(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	a, _ := s.Begin(ctx)
	b, _ := s.Begin(ctx)
	for _, tx := range []Tx{a, b} {
		if err := tx.Transactions().Create(ctx, &Transaction{Code: "MDM-0000ABCD", OfficeID: "of-1"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient conflict, got %v", err)
	}
	check, _ := s.Begin(ctx)
	if ok, _ := check.Transactions().CodeExists(ctx, "MDM-0000ABCD"); !ok {
		t.Fatal("committed code missing")
	}
}

func TestFundCommitsAppendOnCommitOnly(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	_ = tx.FundCommits().Append(ctx, &FundCommit{OfficeID: "of-1", ActivityID: "act", Variation: one()})
	_ = tx.Rollback()
	if got := s.FundCommits("of-1"); len(got) != 0 {
		t.Fatalf("rolled back commit persisted: %d", len(got))
	}

	tx, _ = s.Begin(ctx)
	_ = tx.FundCommits().Append(ctx, &FundCommit{OfficeID: "of-1", ActivityID: "act", Variation: one()})
	listed, _ := tx.FundCommits().ListByActivity(ctx, "act")
	if len(listed) != 1 {
		t.Fatalf("staged commit not listed: %d", len(listed))
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if got := s.FundCommits("of-1"); len(got) != 1 {
		t.Fatalf("expected 1 fund commit, got %d", len(got))
	}
}

func TestPendingsSumReviewTrades(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	trades := []WalletTrading{
		{Code: "A", OfficeID: "of-1", WalletID: "w1", TradingType: TradeBuy, Amount: decimal.NewFromInt(5), State: StateReview},
		{Code: "B", OfficeID: "of-1", WalletID: "w1", TradingType: TradeBuy, Amount: decimal.NewFromInt(2), State: StatePending},
		{Code: "C", OfficeID: "of-1", WalletID: "w1", TradingType: TradeSell, Amount: decimal.NewFromInt(3), State: StateReview},
		{Code: "D", OfficeID: "of-1", WalletID: "w1", TradingType: TradeSell, Amount: decimal.NewFromInt(9), State: StatePaid},
		{Code: "E", OfficeID: "of-1", WalletID: "w2", ExchangeWalletID: "w1", TradingType: TradeExchange, Amount: decimal.NewFromInt(2), ExchangeRate: decimal.NewFromInt(10), State: StateReview},
		{Code: "F", OfficeID: "of-2", WalletID: "w1", TradingType: TradeSell, Amount: decimal.NewFromInt(4), State: StateReview},
	}
	for i := range trades {
		if err := tx.Trades().Create(ctx, &trades[i]); err != nil {
			t.Fatal(err)
		}
	}
	in, out, err := tx.Trades().Pendings(ctx, "of-1", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if !in.Equal(decimal.NewFromInt(27)) || !out.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected pendings in=%s out=%s", in, out)
	}
}

func TestHeldActivityConflictsWithClose(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	seedOffice(t, s)

	seed, _ := s.Begin(ctx)
	act := Activity{OfficeID: "of-1", State: ActivityOpen, OpeningRates: Rates{}, StartedAt: time.Now()}
	if err := seed.Activities().Create(ctx, &act); err != nil {
		t.Fatal(err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatal(err)
	}

	work, _ := s.Begin(ctx)
	if err := work.Activities().Hold(ctx, act.ID); err != nil {
		t.Fatal(err)
	}

	closer, _ := s.Begin(ctx)
	closed := act
	closed.State = ActivityClosed
	if err := closer.Activities().Update(ctx, closed); err != nil {
		t.Fatal(err)
	}
	if err := closer.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := work.Commit(); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient conflict, got %v", err)
	}
	late, _ := s.Begin(ctx)
	if err := late.Activities().Hold(ctx, act.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected closed activity to be unholdable, got %v", err)
	}
}
