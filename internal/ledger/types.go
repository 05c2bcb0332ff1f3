package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"sarraf.org/internal/ids"
)

// AccountKind tells who owns an account.
type AccountKind string

const (
	KindFund     AccountKind = "FUND"     // office float / cash position
	KindOffice   AccountKind = "OFFICE"   // fees and FX benefit
	KindAgent    AccountKind = "AGENT"    // partner agent
	KindSupplier AccountKind = "SUPPLIER" // currency provider
	KindCustomer AccountKind = "CUSTOMER" // walk-in or registered customer
)

func (k AccountKind) Valid() bool {
	switch k {
	case KindFund, KindOffice, KindAgent, KindSupplier, KindCustomer:
		return true
	}
	return false
}

// Account holds a balance in a single currency.
// Balance changes only inside a guarded unit of work; Version is bumped once per
// successful unit that touched the account.
type Account struct {
	ID        string          `json:"id"`
	OfficeID  string          `json:"office_id"`
	Initials  string          `json:"initials"`
	Kind      AccountKind     `json:"kind"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	IsOpen    bool            `json:"is_open"`
	CreatedAt time.Time       `json:"created_at"`
}

// WalletKind distinguishes plain currency positions from crypto positions.
type WalletKind string

const (
	WalletSimple WalletKind = "SIMPLE"
	WalletCrypto WalletKind = "CRYPTO"
)

// OfficeWallet is a trading position owned by an office.
// Value is the position's cost basis in the office currency.
type OfficeWallet struct {
	ID              string          `json:"id"`
	WalletID        string          `json:"wallet_id"`
	OfficeID        string          `json:"office_id"`
	Kind            WalletKind      `json:"kind"`
	CryptoCurrency  string          `json:"crypto_currency"`
	TradingCurrency string          `json:"trading_currency"`
	CryptoBalance   decimal.Decimal `json:"crypto_balance"`
	TradingBalance  decimal.Decimal `json:"trading_balance"`
	Value           decimal.Decimal `json:"value"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ActivityState is the lifecycle of an accounting period.
type ActivityState string

const (
	ActivityOpen   ActivityState = "OPEN"
	ActivityClosed ActivityState = "CLOSED"
)

// Rates maps a currency code to its daily rate against the office currency.
type Rates map[string]decimal.Decimal

// Clone returns an independent copy.
func (r Rates) Clone() Rates {
	out := make(Rates, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Activity is one office accounting period.
type Activity struct {
	ID           string          `json:"id"`
	OfficeID     string          `json:"office_id"`
	State        ActivityState   `json:"state"`
	OpeningFund  decimal.Decimal `json:"opening_fund"`
	ClosingFund  decimal.Decimal `json:"closing_fund"`
	OpeningRates Rates           `json:"opening_rates"`
	ClosingRates Rates           `json:"closing_rates,omitempty"`
	StartedBy    string          `json:"started_by"`
	ClosedBy     string          `json:"closed_by,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

// Rate returns the opening rate for currency, if any.
func (a Activity) Rate(currency string) (decimal.Decimal, bool) {
	r, ok := a.OpeningRates[currency]
	if !ok || !r.IsPositive() {
		return decimal.Zero, false
	}
	return r, true
}

// State is shared by transactions and trades.
type State string

const (
	StateInit      State = "INIT"
	StateReview    State = "REVIEW"
	StatePending   State = "PENDING"
	StatePaid      State = "PAID"
	StateCancelled State = "CANCELLED"
	StateRejected  State = "REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateRejected
}

// Verdict is a reviewer decision on a REVIEW transaction or trade.
type Verdict string

const (
	VerdictApprove Verdict = "APPROVE"
	VerdictReject  Verdict = "REJECT"
	VerdictCancel  Verdict = "CANCEL"
)

// TransactionKind selects the settlement rules of a transaction.
type TransactionKind string

const (
	TxInternal TransactionKind = "INTERNAL"
	TxDeposit  TransactionKind = "DEPOSIT"
	TxExternal TransactionKind = "EXTERNAL"
	TxSending  TransactionKind = "SENDING"
	TxForEx    TransactionKind = "FOREX"
)

// TransactionKinds lists every kind in a stable order.
var TransactionKinds = []TransactionKind{TxInternal, TxDeposit, TxExternal, TxSending, TxForEx}

// Transaction is a money movement posted by an office employee.
type Transaction struct {
	ID          string          `json:"id"`
	Code        string          `json:"code"`
	Kind        TransactionKind `json:"kind"`
	OfficeID    string          `json:"office_id"`
	OrgID       string          `json:"org_id"`
	ActivityID  string          `json:"activity_id"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Charges     decimal.Decimal `json:"charges"`
	Rate        decimal.Decimal `json:"rate"`
	SellingRate decimal.Decimal `json:"selling_rate,omitempty"`
	State       State           `json:"state"`
	Sender      string          `json:"sender,omitempty"`
	Receiver    string          `json:"receiver,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Customer    string          `json:"customer,omitempty"`
	CreatedBy   string          `json:"created_by"`
	ReviewedBy  string          `json:"reviewed_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Notes       Notes           `json:"notes"`
}

// PaymentState is the lifecycle of a payment.
type PaymentState string

const (
	PaymentPaid      PaymentState = "PAID"
	PaymentCancelled PaymentState = "CANCELLED"
)

// PaymentOwner identifies what a payment settles: a transaction or a trade.
type PaymentOwner struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Payment is one (possibly partial) settlement of a payable transaction or trade.
type Payment struct {
	ID     string          `json:"id"`
	Owner  PaymentOwner    `json:"owner"`
	Amount decimal.Decimal `json:"amount"`
	State  PaymentState    `json:"state"`
	PaidBy string          `json:"paid_by"`
	PaidAt time.Time       `json:"paid_at"`
	Notes  Notes           `json:"notes"`
}

// FundCommit records one movement of an office FUND account. Append-only.
type FundCommit struct {
	ID          string          `json:"id"`
	OfficeID    string          `json:"office_id"`
	ActivityID  string          `json:"activity_id"`
	VFrom       decimal.Decimal `json:"v_from"`
	Variation   decimal.Decimal `json:"variation"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TradingType selects the wallet trading strategy.
type TradingType string

const (
	TradeBuy      TradingType = "BUY"
	TradeSell     TradingType = "SELL"
	TradeDeposit  TradingType = "DEPOSIT"
	TradeExchange TradingType = "EXCHANGE"
)

// WalletTrading is a buy/sell/deposit/exchange order against an office wallet.
// Cost, TradingShare and Proceeds hold the amounts of the last settlement so it
// can be reversed exactly.
type WalletTrading struct {
	ID               string          `json:"id"`
	Code             string          `json:"code"`
	OfficeID         string          `json:"office_id"`
	OrgID            string          `json:"org_id"`
	ActivityID       string          `json:"activity_id"`
	WalletID         string          `json:"wallet_id"`
	TradingType      TradingType     `json:"trading_type"`
	Amount           decimal.Decimal `json:"amount"`
	DailyRate        decimal.Decimal `json:"daily_rate"`
	TradingRate      decimal.Decimal `json:"trading_rate"`
	ExchangeWalletID string          `json:"exchange_wallet_id,omitempty"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate,omitempty"`
	Account          string          `json:"account,omitempty"`
	InitialBalance   decimal.Decimal `json:"initial_balance"`
	Cost             decimal.Decimal `json:"cost"`
	TradingShare     decimal.Decimal `json:"trading_share"`
	Proceeds         decimal.Decimal `json:"proceeds"`
	State            State           `json:"state"`
	CreatedBy        string          `json:"created_by"`
	ReviewedBy       string          `json:"reviewed_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Notes            Notes           `json:"notes"`
}

// Period bounds list queries; zero times are open ends.
type Period struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	if !p.From.IsZero() && t.Before(p.From) {
		return false
	}
	if !p.To.IsZero() && !t.Before(p.To) {
		return false
	}
	return true
}

func newID() string {
	return ids.New()
}
