// Package payment tracks partial settlements of payable transactions and trades.
package payment

import (
	"context"

	"github.com/shopspring/decimal"

	"sarraf.org/internal/guard"
	"sarraf.org/internal/ledger"
)

// Owner types.
const (
	OwnerTransaction = "transaction"
	OwnerTrade       = "trade"
)

// ForTransaction returns the owner reference of a transaction.
func ForTransaction(t ledger.Transaction) ledger.PaymentOwner {
	return ledger.PaymentOwner{ID: t.ID, Type: OwnerTransaction}
}

// ForTrade returns the owner reference of a trade.
func ForTrade(t ledger.WalletTrading) ledger.PaymentOwner {
	return ledger.PaymentOwner{ID: t.ID, Type: OwnerTrade}
}

// Paid sums the PAID payments of owner.
func Paid(ctx context.Context, tx ledger.Tx, owner ledger.PaymentOwner) (decimal.Decimal, error) {
	list, err := tx.Payments().ListByOwner(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range list {
		if p.State == ledger.PaymentPaid {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

// Add records a payment of amount against due and returns it with the new
// cumulative paid total. Overpayment fails with InvalidState.
func Add(ctx context.Context, u *guard.Unit, owner ledger.PaymentOwner, due, amount decimal.Decimal, by, message string) (ledger.Payment, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return ledger.Payment{}, decimal.Zero, ledger.InvalidInput("payment amount must be positive")
	}
	paid, err := Paid(ctx, u.Tx(), owner)
	if err != nil {
		return ledger.Payment{}, decimal.Zero, err
	}
	total := paid.Add(amount)
	if total.GreaterThan(due) {
		return ledger.Payment{}, paid, ledger.InvalidState("payment of %s exceeds remaining %s", amount, due.Sub(paid))
	}
	p := ledger.Payment{
		Owner:  owner,
		Amount: amount,
		State:  ledger.PaymentPaid,
		PaidBy: by,
		PaidAt: u.Now(),
		Notes:  ledger.Notes{u.Note(ledger.NotePayment, by, message, "payment of "+amount.String())},
	}
	if err := u.Tx().Payments().Create(ctx, &p); err != nil {
		return ledger.Payment{}, paid, err
	}
	return p, total, nil
}

// CancelAll flips every PAID payment of owner to CANCELLED and returns the
// total that was cancelled.
func CancelAll(ctx context.Context, u *guard.Unit, owner ledger.PaymentOwner, by, message string) (decimal.Decimal, error) {
	list, err := u.Tx().Payments().ListByOwner(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range list {
		if p.State != ledger.PaymentPaid {
			continue
		}
		p.State = ledger.PaymentCancelled
		p.Notes = p.Notes.Append(u.Note(ledger.NoteCancel, by, message, "payment cancelled by rollback"))
		if err := u.Tx().Payments().Update(ctx, p); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(p.Amount)
	}
	return total, nil
}
