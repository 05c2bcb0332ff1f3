package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sarraf.org/internal/ledger"
)

type trackedAccount struct {
	acc      *ledger.Account
	snapshot int64
}

type trackedWallet struct {
	w        *ledger.OfficeWallet
	snapshot int64
}

// Unit is one attempt of a guarded operation. Accounts and wallets obtained
// through the loading methods are tracked: their version is bumped exactly once
// when the unit is flushed, whatever the number of postings.
type Unit struct {
	tx       ledger.Tx
	officeID string
	activity ledger.Activity
	now      time.Time

	accounts []*trackedAccount
	byID     map[string]*trackedAccount
	wallets  []*trackedWallet
	walletBy map[string]*trackedWallet
	hooks    []func()
}

func newUnit(tx ledger.Tx, officeID string, act ledger.Activity, now time.Time) *Unit {
	return &Unit{
		tx:       tx,
		officeID: officeID,
		activity: act,
		now:      now,
		byID:     make(map[string]*trackedAccount),
		walletBy: make(map[string]*trackedWallet),
	}
}

// Tx is the store transaction of this attempt.
func (u *Unit) Tx() ledger.Tx { return u.tx }

// Activity is the OPEN activity the unit runs under.
func (u *Unit) Activity() ledger.Activity { return u.activity }

// OfficeID is the office the unit is scoped to.
func (u *Unit) OfficeID() string { return u.officeID }

// Now is the timestamp shared by every record the unit writes.
func (u *Unit) Now() time.Time { return u.now }

// AfterCommit registers fn to run once the unit has committed.
func (u *Unit) AfterCommit(fn func()) { u.hooks = append(u.hooks, fn) }

// Note builds a history entry stamped with the unit time.
func (u *Unit) Note(kind ledger.NoteKind, user, msg, fallback string) ledger.Note {
	return ledger.NewNote(u.now, kind, user, msg, fallback)
}

func (u *Unit) track(acc ledger.Account) (*ledger.Account, error) {
	if acc.OfficeID != u.officeID {
		return nil, ledger.InvalidInput("account %s does not belong to office %s", acc.Initials, u.officeID)
	}
	if t, ok := u.byID[acc.ID]; ok {
		return t.acc, nil
	}
	cp := acc
	t := &trackedAccount{acc: &cp, snapshot: acc.Version}
	u.byID[acc.ID] = t
	u.accounts = append(u.accounts, t)
	return t.acc, nil
}

// Account loads an account for write.
func (u *Unit) Account(ctx context.Context, id string) (*ledger.Account, error) {
	if t, ok := u.byID[id]; ok {
		return t.acc, nil
	}
	acc, err := u.tx.Accounts().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return u.track(acc)
}

// AccountByInitials loads the office account with the given initials for write.
func (u *Unit) AccountByInitials(ctx context.Context, initials string) (*ledger.Account, error) {
	for _, t := range u.accounts {
		if t.acc.Initials == initials {
			return t.acc, nil
		}
	}
	acc, err := u.tx.Accounts().ByInitials(ctx, u.officeID, initials)
	if err != nil {
		return nil, err
	}
	return u.track(acc)
}

// Fund loads the office FUND account for write.
func (u *Unit) Fund(ctx context.Context) (*ledger.Account, error) {
	return u.byKind(ctx, ledger.KindFund)
}

// OfficeAccount loads the office OFFICE account for write.
func (u *Unit) OfficeAccount(ctx context.Context) (*ledger.Account, error) {
	return u.byKind(ctx, ledger.KindOffice)
}

func (u *Unit) byKind(ctx context.Context, kind ledger.AccountKind) (*ledger.Account, error) {
	for _, t := range u.accounts {
		if t.acc.Kind == kind {
			return t.acc, nil
		}
	}
	acc, err := u.tx.Accounts().ByKind(ctx, u.officeID, kind)
	if err != nil {
		return nil, err
	}
	return u.track(acc)
}

// PeekAccountByInitials reads an account without tracking it.
func (u *Unit) PeekAccountByInitials(ctx context.Context, initials string) (ledger.Account, error) {
	for _, t := range u.accounts {
		if t.acc.Initials == initials {
			return *t.acc, nil
		}
	}
	return u.tx.Accounts().ByInitials(ctx, u.officeID, initials)
}

// PeekFund reads the FUND account without tracking it.
func (u *Unit) PeekFund(ctx context.Context) (ledger.Account, error) {
	for _, t := range u.accounts {
		if t.acc.Kind == ledger.KindFund {
			return *t.acc, nil
		}
	}
	return u.tx.Accounts().ByKind(ctx, u.officeID, ledger.KindFund)
}

// Wallet loads an office wallet for write.
func (u *Unit) Wallet(ctx context.Context, walletID string) (*ledger.OfficeWallet, error) {
	if t, ok := u.walletBy[walletID]; ok {
		return t.w, nil
	}
	w, err := u.tx.Wallets().ByWalletID(ctx, u.officeID, walletID)
	if err != nil {
		return nil, err
	}
	cp := w
	t := &trackedWallet{w: &cp, snapshot: w.Version}
	u.walletBy[walletID] = t
	u.wallets = append(u.wallets, t)
	return t.w, nil
}

// PeekWallet reads a wallet without tracking it.
func (u *Unit) PeekWallet(ctx context.Context, walletID string) (ledger.OfficeWallet, error) {
	if t, ok := u.walletBy[walletID]; ok {
		return *t.w, nil
	}
	return u.tx.Wallets().ByWalletID(ctx, u.officeID, walletID)
}

// Post moves acc.Balance by delta. Movements of the FUND account are journaled
// as FundCommits.
func (u *Unit) Post(ctx context.Context, acc *ledger.Account, delta decimal.Decimal, description string) error {
	t, ok := u.byID[acc.ID]
	if !ok || t.acc != acc {
		return fmt.Errorf("guard: account %s was not loaded for write", acc.Initials)
	}
	if delta.IsZero() {
		return nil
	}
	before := acc.Balance
	acc.Balance = before.Add(delta)
	if acc.Kind != ledger.KindFund {
		return nil
	}
	return u.tx.FundCommits().Append(ctx, &ledger.FundCommit{
		OfficeID:    u.officeID,
		ActivityID:  u.activity.ID,
		VFrom:       before,
		Variation:   delta,
		Description: description,
		CreatedAt:   u.now,
	})
}

// flush writes every tracked entity with version snapshot+1, conditional on
// the stored version still being snapshot.
func (u *Unit) flush(ctx context.Context) error {
	for _, t := range u.accounts {
		next := *t.acc
		next.Version = t.snapshot + 1
		if err := u.tx.Accounts().Update(ctx, next, t.snapshot); err != nil {
			return err
		}
		t.acc.Version = next.Version
	}
	for _, t := range u.wallets {
		next := *t.w
		next.Version = t.snapshot + 1
		if err := u.tx.Wallets().Update(ctx, next, t.snapshot); err != nil {
			return err
		}
		t.w.Version = next.Version
	}
	return nil
}

// verify re-reads every tracked entity and checks the bump landed.
func (u *Unit) verify(ctx context.Context) error {
	for _, t := range u.accounts {
		got, err := u.tx.Accounts().Get(ctx, t.acc.ID)
		if err != nil {
			return err
		}
		if got.Version != t.snapshot+1 {
			return fmt.Errorf("account %s at version %d, want %d: %w", got.Initials, got.Version, t.snapshot+1, ledger.ErrStaleVersion)
		}
	}
	for _, t := range u.wallets {
		got, err := u.tx.Wallets().Get(ctx, t.w.ID)
		if err != nil {
			return err
		}
		if got.Version != t.snapshot+1 {
			return fmt.Errorf("wallet %s at version %d, want %d: %w", got.WalletID, got.Version, t.snapshot+1, ledger.ErrStaleVersion)
		}
	}
	return nil
}
