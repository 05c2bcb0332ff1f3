package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store opens units of work against the shared ledger state.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a single attempt of a unit of work. Nothing it writes is visible to
// other units until Commit succeeds; Rollback discards everything.
//
// Stores report optimistic-concurrency conflicts as ErrStaleVersion and
// serialization/deadlock/unique/exclusion conflicts as ErrTransient.
type Tx interface {
	Accounts() AccountRepo
	Wallets() WalletRepo
	Activities() ActivityRepo
	Transactions() TransactionRepo
	Trades() TradeRepo
	Payments() PaymentRepo
	FundCommits() FundCommitRepo
	Commit() error
	Rollback() error
}

type AccountRepo interface {
	Get(ctx context.Context, id string) (Account, error)
	ByInitials(ctx context.Context, officeID, initials string) (Account, error)
	ByKind(ctx context.Context, officeID string, kind AccountKind) (Account, error)
	ListByOffice(ctx context.Context, officeID string) ([]Account, error)
	Create(ctx context.Context, acc *Account) error
	// Update writes balance, open flag and version, only if the stored version
	// still equals expectedVersion.
	Update(ctx context.Context, acc Account, expectedVersion int64) error
}

type WalletRepo interface {
	Get(ctx context.Context, id string) (OfficeWallet, error)
	ByWalletID(ctx context.Context, officeID, walletID string) (OfficeWallet, error)
	ListByOffice(ctx context.Context, officeID string) ([]OfficeWallet, error)
	Create(ctx context.Context, w *OfficeWallet) error
	Update(ctx context.Context, w OfficeWallet, expectedVersion int64) error
}

type ActivityRepo interface {
	Get(ctx context.Context, id string) (Activity, error)
	// Open returns the OPEN activity of the office or ErrNotFound.
	Open(ctx context.Context, officeID string) (Activity, error)
	ListByOffice(ctx context.Context, officeID string, p Period) ([]Activity, error)
	// Hold share-locks the OPEN activity id until the transaction ends. A
	// concurrent update of the activity makes one of the two transactions
	// fail with ErrTransient.
	Hold(ctx context.Context, id string) error
	Create(ctx context.Context, a *Activity) error
	Update(ctx context.Context, a Activity) error
}

// TransactionFilter narrows List queries. Empty fields match everything.
type TransactionFilter struct {
	OfficeID string
	Kind     TransactionKind
	State    State
	Period   Period
	Limit    int
}

type TransactionRepo interface {
	ByCode(ctx context.Context, code string) (Transaction, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	List(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	Create(ctx context.Context, t *Transaction) error
	Update(ctx context.Context, t Transaction) error
}

// TradeFilter narrows trade list queries.
type TradeFilter struct {
	OfficeID    string
	WalletID    string
	TradingType TradingType
	State       State
	Period      Period
	Limit       int
}

type TradeRepo interface {
	ByCode(ctx context.Context, code string) (WalletTrading, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	List(ctx context.Context, f TradeFilter) ([]WalletTrading, error)
	// Pendings sums the crypto amounts of not-yet-settled trades flowing into
	// and out of the office wallet.
	Pendings(ctx context.Context, officeID, walletID string) (in, out decimal.Decimal, err error)
	Create(ctx context.Context, t *WalletTrading) error
	Update(ctx context.Context, t WalletTrading) error
}

type PaymentRepo interface {
	ListByOwner(ctx context.Context, owner PaymentOwner) ([]Payment, error)
	Create(ctx context.Context, p *Payment) error
	Update(ctx context.Context, p Payment) error
}

type FundCommitRepo interface {
	Append(ctx context.Context, c *FundCommit) error
	ListByActivity(ctx context.Context, activityID string) ([]FundCommit, error)
}

// View runs fn in a transaction that is always rolled back.
func View(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}
