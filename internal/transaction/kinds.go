package transaction

import (
	"strings"

	"github.com/shopspring/decimal"

	"sarraf.org/internal/ledger"
)

// divPrecision is the number of decimal places kept by rate divisions.
const divPrecision = 16

type role int

const (
	roleSender role = iota
	roleReceiver
	roleProvider
	roleFund
	roleOffice
)

func (r role) String() string {
	switch r {
	case roleSender:
		return "sender"
	case roleReceiver:
		return "receiver"
	case roleProvider:
		return "provider"
	case roleFund:
		return "fund"
	case roleOffice:
		return "office"
	}
	return "unknown"
}

type posting struct {
	role  role
	delta decimal.Decimal
}

// kind holds the settlement rules of one transaction type. Postings are
// linear in their inputs so that a rollback is the exact negation.
type kind interface {
	validate(req Request) error
	// counterpart returns the initials that prefix the transaction code.
	counterpart(t ledger.Transaction) string
	// roles lists the accounts touched by settlement, in load order.
	roles(t ledger.Transaction) []role
	payable() bool
	// settlement is applied on approval by non-payable kinds.
	settlement(t ledger.Transaction) []posting
	// payment is applied for every paid increment p by payable kinds.
	payment(t ledger.Transaction, p decimal.Decimal) []posting
	// completion is applied once a payable kind is fully paid.
	completion(t ledger.Transaction) []posting
}

var registry = map[ledger.TransactionKind]kind{
	ledger.TxInternal: internalKind{},
	ledger.TxDeposit:  depositKind{},
	ledger.TxExternal: externalKind{},
	ledger.TxSending:  sendingKind{},
	ledger.TxForEx:    forexKind{},
}

func kindOf(k ledger.TransactionKind) (kind, error) {
	impl, ok := registry[k]
	if !ok {
		return nil, ledger.InvalidInput("unknown transaction kind %q", k)
	}
	return impl, nil
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return ledger.InvalidInput("%s is required", name)
	}
	return nil
}

func withCharges(rs []role, t ledger.Transaction) []role {
	if t.Charges.IsPositive() {
		return append(rs, roleOffice)
	}
	return rs
}

// onApproval kinds settle in full when approved.
type onApproval struct{}

func (onApproval) payable() bool { return false }
func (onApproval) payment(ledger.Transaction, decimal.Decimal) []posting { return nil }
func (onApproval) completion(ledger.Transaction) []posting { return nil }

// byPayment kinds settle through payments once approved.
type byPayment struct{}

func (byPayment) payable() bool { return true }
func (byPayment) settlement(ledger.Transaction) []posting { return nil }

// internalKind moves money between two accounts of the office.
type internalKind struct{ onApproval }

func (internalKind) validate(req Request) error {
	if err := required("sender", req.Sender); err != nil {
		return err
	}
	if err := required("receiver", req.Receiver); err != nil {
		return err
	}
	if strings.EqualFold(req.Sender, req.Receiver) {
		return ledger.InvalidInput("sender and receiver must differ")
	}
	return nil
}

func (internalKind) counterpart(t ledger.Transaction) string { return t.Receiver }

func (internalKind) roles(t ledger.Transaction) []role {
	return withCharges([]role{roleSender, roleReceiver}, t)
}

func (internalKind) settlement(t ledger.Transaction) []posting {
	return []posting{
		{roleSender, t.Amount.Add(t.Charges).Neg()},
		{roleReceiver, t.Amount},
		{roleOffice, t.Charges},
	}
}

// depositKind credits an account with cash entering the fund.
type depositKind struct{ onApproval }

func (depositKind) validate(req Request) error { return required("receiver", req.Receiver) }

func (depositKind) counterpart(t ledger.Transaction) string { return t.Receiver }

func (depositKind) roles(ledger.Transaction) []role { return []role{roleReceiver, roleFund} }

func (depositKind) settlement(t ledger.Transaction) []posting {
	return []posting{
		{roleReceiver, t.Amount},
		{roleFund, t.Amount},
	}
}

// externalKind pays cash out of the fund on behalf of the sender.
type externalKind struct{ byPayment }

func (externalKind) validate(req Request) error { return required("sender", req.Sender) }

func (externalKind) counterpart(t ledger.Transaction) string { return t.Sender }

func (externalKind) roles(t ledger.Transaction) []role {
	return withCharges([]role{roleSender, roleFund}, t)
}

func (externalKind) payment(t ledger.Transaction, p decimal.Decimal) []posting {
	return []posting{
		{roleSender, p.Neg()},
		{roleFund, p.Neg()},
	}
}

func (externalKind) completion(t ledger.Transaction) []posting {
	return []posting{
		{roleSender, t.Charges.Neg()},
		{roleOffice, t.Charges},
	}
}

// sendingKind collects cash into the fund for a cross-border receiver.
type sendingKind struct{ byPayment }

func (sendingKind) validate(req Request) error { return required("receiver", req.Receiver) }

func (sendingKind) counterpart(t ledger.Transaction) string { return t.Receiver }

func (sendingKind) roles(t ledger.Transaction) []role {
	return withCharges([]role{roleReceiver, roleFund}, t)
}

func (sendingKind) payment(t ledger.Transaction, p decimal.Decimal) []posting {
	return []posting{
		{roleReceiver, p},
		{roleFund, p},
	}
}

func (sendingKind) completion(t ledger.Transaction) []posting {
	return []posting{
		{roleOffice, t.Charges},
		{roleFund, t.Charges},
	}
}

// forexKind buys currency from a provider; the spread between the buying and
// selling rates is the office benefit.
type forexKind struct{ byPayment }

func (forexKind) validate(req Request) error {
	if err := required("provider", req.Provider); err != nil {
		return err
	}
	if !req.Rate.IsPositive() || !req.SellingRate.IsPositive() {
		return ledger.InvalidInput("forex needs positive buying and selling rates")
	}
	if !req.Charges.IsZero() {
		return ledger.InvalidInput("forex transactions carry no charges")
	}
	return nil
}

func (forexKind) counterpart(t ledger.Transaction) string { return t.Provider }

func (forexKind) roles(ledger.Transaction) []role {
	return []role{roleProvider, roleFund, roleOffice}
}

func (forexKind) payment(t ledger.Transaction, p decimal.Decimal) []posting {
	return []posting{
		{roleProvider, p.Neg()},
		{roleFund, p.Neg()},
	}
}

func (forexKind) completion(t ledger.Transaction) []posting {
	r := ForexResult(t.Amount, t.Rate, t.SellingRate)
	return []posting{
		{roleOffice, r},
		{roleFund, r},
	}
}

// ForexResult is amount/buying − amount/selling.
func ForexResult(amount, buying, selling decimal.Decimal) decimal.Decimal {
	return amount.DivRound(buying, divPrecision).Sub(amount.DivRound(selling, divPrecision))
}

func negate(ps []posting) []posting {
	out := make([]posting, len(ps))
	for i, p := range ps {
		out[i] = posting{p.role, p.delta.Neg()}
	}
	return out
}
