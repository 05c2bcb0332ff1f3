// Package transaction implements the office transaction engine: internal
// transfers, deposits, external payouts, sendings and foreign exchange.
package transaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sarraf.org/internal/auth"
	"sarraf.org/internal/guard"
	"sarraf.org/internal/ids"
	"sarraf.org/internal/ledger"
	"sarraf.org/internal/obs"
	"sarraf.org/internal/payment"
	"sarraf.org/internal/stream"
)

// codeAttempts bounds code regeneration on collision.
const codeAttempts = 5

// Publisher receives committed transitions.
type Publisher interface {
	Publish(stream.Event)
}

// Request opens a transaction in REVIEW.
type Request struct {
	Kind        ledger.TransactionKind `json:"kind"`
	Amount      decimal.Decimal        `json:"amount"`
	Charges     decimal.Decimal        `json:"charges"`
	Currency    string                 `json:"currency"`
	Rate        decimal.Decimal        `json:"rate"`
	SellingRate decimal.Decimal        `json:"selling_rate"`
	Sender      string                 `json:"sender"`
	Receiver    string                 `json:"receiver"`
	Provider    string                 `json:"provider"`
	Customer    string                 `json:"customer"`
	Message     string                 `json:"message"`
}

func (r *Request) normalize() {
	r.Sender = strings.ToUpper(strings.TrimSpace(r.Sender))
	r.Receiver = strings.ToUpper(strings.TrimSpace(r.Receiver))
	r.Provider = strings.ToUpper(strings.TrimSpace(r.Provider))
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Customer = strings.TrimSpace(r.Customer)
}

// PaymentResult is the outcome of AddPayment.
type PaymentResult struct {
	Transaction ledger.Transaction `json:"transaction"`
	Payment     ledger.Payment     `json:"payment"`
	Paid        decimal.Decimal    `json:"paid"`
}

// Engine runs every transaction operation inside the invariant guard.
type Engine struct {
	g      *guard.Guard
	events Publisher
	log    *zap.Logger
}

// New returns an engine over g.
func New(g *guard.Guard, events Publisher) *Engine {
	return &Engine{g: g, events: events, log: obs.Logger().Named("transaction")}
}

func officeOf(user auth.AuthenticatedUser) (string, error) {
	if strings.TrimSpace(user.OfficeID) == "" {
		return "", ledger.InvalidInput("user %s has no office scope", user.ID)
	}
	return user.OfficeID, nil
}

// Request validates req and creates the transaction in REVIEW. No balance moves.
func (e *Engine) Request(ctx context.Context, user auth.AuthenticatedUser, req Request) (ledger.Transaction, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.Transaction{}, err
	}
	req.normalize()
	k, err := kindOf(req.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !req.Amount.IsPositive() {
		return ledger.Transaction{}, ledger.InvalidInput("amount must be positive")
	}
	if req.Charges.IsNegative() {
		return ledger.Transaction{}, ledger.InvalidInput("charges must not be negative")
	}
	if err := k.validate(req); err != nil {
		return ledger.Transaction{}, err
	}

	var out ledger.Transaction
	err = e.g.Run(ctx, officeID, "transaction.request", func(ctx context.Context, u *guard.Unit) error {
		t := ledger.Transaction{
			Kind:        req.Kind,
			OfficeID:    officeID,
			OrgID:       user.OrganizationID,
			ActivityID:  u.Activity().ID,
			Currency:    req.Currency,
			Amount:      req.Amount,
			Charges:     req.Charges,
			Rate:        req.Rate,
			SellingRate: req.SellingRate,
			State:       ledger.StateReview,
			Sender:      req.Sender,
			Receiver:    req.Receiver,
			Provider:    req.Provider,
			Customer:    req.Customer,
			CreatedBy:   user.ID,
			CreatedAt:   u.Now(),
			UpdatedAt:   u.Now(),
		}
		for _, r := range k.roles(t) {
			if r == roleFund || r == roleOffice {
				continue
			}
			acc, err := u.PeekAccountByInitials(ctx, initialsFor(t, r))
			if err != nil {
				return err
			}
			if err := usable(acc, r); err != nil {
				return err
			}
		}
		fund, err := u.PeekFund(ctx)
		if err != nil {
			return err
		}
		if t.Currency == "" {
			t.Currency = fund.Currency
		}
		if !t.Rate.IsPositive() {
			t.Rate = decimal.NewFromInt(1)
			if r, ok := u.Activity().Rate(t.Currency); ok {
				t.Rate = r
			}
		}
		code, err := newCode(ctx, u.Tx(), k.counterpart(t))
		if err != nil {
			return err
		}
		t.Code = code
		t.Notes = ledger.Notes{u.Note(ledger.NoteRequest, user.ID, req.Message, fmt.Sprintf("%s requested", t.Kind))}
		if err := u.Tx().Transactions().Create(ctx, &t); err != nil {
			return err
		}
		out = t
		e.afterCommit(u, t, ledger.StateInit)
		return nil
	})
	return out, err
}

func newCode(ctx context.Context, tx ledger.Tx, prefix string) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code := ids.Code(prefix)
		taken, err := tx.Transactions().CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", ledger.InvalidState("could not allocate a unique code for %s", prefix)
}

func usable(acc ledger.Account, r role) error {
	if acc.Kind == ledger.KindFund || acc.Kind == ledger.KindOffice {
		return ledger.InvalidInput("%s %s cannot be a %s account", r, acc.Initials, acc.Kind)
	}
	if !acc.IsOpen {
		return ledger.InvalidState("%s account %s is closed", r, acc.Initials)
	}
	return nil
}

func initialsFor(t ledger.Transaction, r role) string {
	switch r {
	case roleSender:
		return t.Sender
	case roleReceiver:
		return t.Receiver
	case roleProvider:
		return t.Provider
	}
	return ""
}

// load tracks every account of the kind's selection, in order.
func load(ctx context.Context, u *guard.Unit, t ledger.Transaction, k kind, requireOpen bool) (map[role]*ledger.Account, error) {
	out := make(map[role]*ledger.Account)
	for _, r := range k.roles(t) {
		var (
			acc *ledger.Account
			err error
		)
		switch r {
		case roleFund:
			acc, err = u.Fund(ctx)
		case roleOffice:
			acc, err = u.OfficeAccount(ctx)
		default:
			acc, err = u.AccountByInitials(ctx, initialsFor(t, r))
			if err == nil && requireOpen {
				err = usable(*acc, r)
			}
		}
		if err != nil {
			return nil, err
		}
		out[r] = acc
	}
	return out, nil
}

func apply(ctx context.Context, u *guard.Unit, accounts map[role]*ledger.Account, ps []posting, desc string) error {
	for _, p := range ps {
		if p.delta.IsZero() {
			continue
		}
		acc, ok := accounts[p.role]
		if !ok {
			return fmt.Errorf("transaction: %s account not selected", p.role)
		}
		if err := u.Post(ctx, acc, p.delta, desc); err != nil {
			return err
		}
	}
	return nil
}

// fetch loads a transaction of the office by code for update.
func fetch(ctx context.Context, tx ledger.Tx, officeID, code string) (ledger.Transaction, kind, error) {
	t, err := tx.Transactions().ByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return ledger.Transaction{}, nil, err
	}
	if t.OfficeID != officeID {
		return ledger.Transaction{}, nil, ledger.NotFound("transaction %s not found", code)
	}
	k, err := kindOf(t.Kind)
	if err != nil {
		return ledger.Transaction{}, nil, err
	}
	return t, k, nil
}

// Review applies a reviewer verdict to a REVIEW transaction. Approval settles
// Internal and Deposit at once (PAID) and moves payable kinds to PENDING.
func (e *Engine) Review(ctx context.Context, user auth.AuthenticatedUser, code string, verdict ledger.Verdict, message string) (ledger.Transaction, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var out ledger.Transaction
	err = e.g.Run(ctx, officeID, "transaction.review", func(ctx context.Context, u *guard.Unit) error {
		t, k, err := fetch(ctx, u.Tx(), officeID, code)
		if err != nil {
			return err
		}
		if t.State != ledger.StateReview {
			return ledger.InvalidState("transaction %s is %s, not REVIEW", t.Code, t.State)
		}
		from := t.State
		switch verdict {
		case ledger.VerdictApprove:
			accounts, err := load(ctx, u, t, k, true)
			if err != nil {
				return err
			}
			if k.payable() {
				t.State = ledger.StatePending
			} else {
				if err := apply(ctx, u, accounts, k.settlement(t), describe(t, "approved")); err != nil {
					return err
				}
				t.State = ledger.StatePaid
			}
			t.Notes = t.Notes.Append(u.Note(ledger.NoteApprove, user.ID, message, "approved"))
		case ledger.VerdictReject:
			t.State = ledger.StateRejected
			t.Notes = t.Notes.Append(u.Note(ledger.NoteReject, user.ID, message, "rejected"))
		case ledger.VerdictCancel:
			t.State = ledger.StateCancelled
			t.Notes = t.Notes.Append(u.Note(ledger.NoteCancel, user.ID, message, "cancelled"))
		default:
			return ledger.InvalidInput("unknown verdict %q", verdict)
		}
		t.ReviewedBy = user.ID
		t.UpdatedAt = u.Now()
		if err := u.Tx().Transactions().Update(ctx, t); err != nil {
			return err
		}
		out = t
		e.afterCommit(u, t, from)
		return nil
	})
	return out, err
}

// AddPayment records a (partial) payment on a PENDING payable transaction.
// When the cumulative paid amount reaches the transaction amount, charges or
// the forex result are settled and the transaction becomes PAID.
func (e *Engine) AddPayment(ctx context.Context, user auth.AuthenticatedUser, code string, amount decimal.Decimal, message string) (PaymentResult, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return PaymentResult{}, err
	}
	var out PaymentResult
	err = e.g.Run(ctx, officeID, "transaction.payment", func(ctx context.Context, u *guard.Unit) error {
		t, k, err := fetch(ctx, u.Tx(), officeID, code)
		if err != nil {
			return err
		}
		if !k.payable() {
			return ledger.InvalidState("%s transactions take no payments", t.Kind)
		}
		if t.State != ledger.StatePending {
			return ledger.InvalidState("transaction %s is %s, not PENDING", t.Code, t.State)
		}
		from := t.State
		accounts, err := load(ctx, u, t, k, true)
		if err != nil {
			return err
		}
		p, paid, err := payment.Add(ctx, u, payment.ForTransaction(t), t.Amount, amount, user.ID, message)
		if err != nil {
			return err
		}
		if err := apply(ctx, u, accounts, k.payment(t, amount), describe(t, "payment")); err != nil {
			return err
		}
		t.Notes = t.Notes.Append(u.Note(ledger.NotePayment, user.ID, message, "payment of "+amount.String()))
		if paid.Equal(t.Amount) {
			if err := apply(ctx, u, accounts, k.completion(t), describe(t, "completed")); err != nil {
				return err
			}
			t.State = ledger.StatePaid
			t.Notes = t.Notes.Append(u.Note(ledger.NoteComplete, user.ID, "", "fully paid"))
		}
		t.UpdatedAt = u.Now()
		if err := u.Tx().Transactions().Update(ctx, t); err != nil {
			return err
		}
		out = PaymentResult{Transaction: t, Payment: p, Paid: paid}
		if t.State != from {
			e.afterCommit(u, t, from)
		}
		return nil
	})
	return out, err
}

// Complete settles a PENDING transaction. Internal and Deposit transactions
// (PENDING after a rollback) are settled again in full; payable kinds get
// their outstanding balance paid and are finalized.
func (e *Engine) Complete(ctx context.Context, user auth.AuthenticatedUser, code, message string) (ledger.Transaction, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var out ledger.Transaction
	err = e.g.Run(ctx, officeID, "transaction.complete", func(ctx context.Context, u *guard.Unit) error {
		t, k, err := fetch(ctx, u.Tx(), officeID, code)
		if err != nil {
			return err
		}
		if t.State != ledger.StatePending {
			return ledger.InvalidState("transaction %s is %s, not PENDING", t.Code, t.State)
		}
		from := t.State
		accounts, err := load(ctx, u, t, k, true)
		if err != nil {
			return err
		}
		if k.payable() {
			paid, err := payment.Paid(ctx, u.Tx(), payment.ForTransaction(t))
			if err != nil {
				return err
			}
			if rest := t.Amount.Sub(paid); rest.IsPositive() {
				if _, _, err := payment.Add(ctx, u, payment.ForTransaction(t), t.Amount, rest, user.ID, message); err != nil {
					return err
				}
				if err := apply(ctx, u, accounts, k.payment(t, rest), describe(t, "payment")); err != nil {
					return err
				}
			}
			if err := apply(ctx, u, accounts, k.completion(t), describe(t, "completed")); err != nil {
				return err
			}
		} else if err := apply(ctx, u, accounts, k.settlement(t), describe(t, "completed")); err != nil {
			return err
		}
		t.State = ledger.StatePaid
		t.Notes = t.Notes.Append(u.Note(ledger.NoteComplete, user.ID, message, "completed"))
		t.UpdatedAt = u.Now()
		if err := u.Tx().Transactions().Update(ctx, t); err != nil {
			return err
		}
		out = t
		e.afterCommit(u, t, from)
		return nil
	})
	return out, err
}

// Rollback steps a transaction back once: PAID to PENDING reverses the whole
// settlement, PENDING to REVIEW reverses partial payments. PAID payments are
// cancelled and fund reversals are journaled.
func (e *Engine) Rollback(ctx context.Context, user auth.AuthenticatedUser, code, message string) (ledger.Transaction, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var out ledger.Transaction
	err = e.g.Run(ctx, officeID, "transaction.rollback", func(ctx context.Context, u *guard.Unit) error {
		t, k, err := fetch(ctx, u.Tx(), officeID, code)
		if err != nil {
			return err
		}
		from := t.State
		accounts, err := load(ctx, u, t, k, false)
		if err != nil {
			return err
		}
		desc := describe(t, "rollback")
		switch t.State {
		case ledger.StatePaid:
			if k.payable() {
				if err := apply(ctx, u, accounts, negate(k.completion(t)), desc); err != nil {
					return err
				}
				if err := e.reversePayments(ctx, u, t, k, accounts, user.ID, message); err != nil {
					return err
				}
			} else if err := apply(ctx, u, accounts, negate(k.settlement(t)), desc); err != nil {
				return err
			}
			t.State = ledger.StatePending
		case ledger.StatePending:
			if k.payable() {
				if err := e.reversePayments(ctx, u, t, k, accounts, user.ID, message); err != nil {
					return err
				}
			}
			t.State = ledger.StateReview
		default:
			return ledger.InvalidState("transaction %s is %s; only PENDING or PAID can be rolled back", t.Code, t.State)
		}
		t.Notes = t.Notes.Append(u.Note(ledger.NoteRollback, user.ID, message, fmt.Sprintf("rolled back from %s", from)))
		t.UpdatedAt = u.Now()
		if err := u.Tx().Transactions().Update(ctx, t); err != nil {
			return err
		}
		out = t
		e.afterCommit(u, t, from)
		return nil
	})
	return out, err
}

func (e *Engine) reversePayments(ctx context.Context, u *guard.Unit, t ledger.Transaction, k kind, accounts map[role]*ledger.Account, by, message string) error {
	cancelled, err := payment.CancelAll(ctx, u, payment.ForTransaction(t), by, message)
	if err != nil {
		return err
	}
	if cancelled.IsZero() {
		return nil
	}
	return apply(ctx, u, accounts, negate(k.payment(t, cancelled)), describe(t, "payment reversal"))
}

// AddNote appends an INFO note. No balance moves, so no activity is required.
func (e *Engine) AddNote(ctx context.Context, user auth.AuthenticatedUser, code, message string) (ledger.Transaction, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if strings.TrimSpace(message) == "" {
		return ledger.Transaction{}, ledger.InvalidInput("note message is required")
	}
	var out ledger.Transaction
	err = e.g.Retry(ctx, "transaction.note", func(ctx context.Context) error {
		tx, err := e.g.Store().Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		t, _, err := fetch(ctx, tx, officeID, code)
		if err != nil {
			return err
		}
		t.Notes = t.Notes.Append(ledger.NewNote(e.g.Now(), ledger.NoteInfo, user.ID, message, ""))
		t.UpdatedAt = e.g.Now()
		if err := tx.Transactions().Update(ctx, t); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// Get returns a transaction of the user's office.
func (e *Engine) Get(ctx context.Context, user auth.AuthenticatedUser, code string) (ledger.Transaction, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var out ledger.Transaction
	err = ledger.View(ctx, e.g.Store(), func(tx ledger.Tx) error {
		var err error
		out, _, err = fetch(ctx, tx, officeID, code)
		return err
	})
	return out, err
}

// Payments lists the payments recorded against a transaction.
func (e *Engine) Payments(ctx context.Context, user auth.AuthenticatedUser, code string) ([]ledger.Payment, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return nil, err
	}
	var out []ledger.Payment
	err = ledger.View(ctx, e.g.Store(), func(tx ledger.Tx) error {
		t, _, err := fetch(ctx, tx, officeID, code)
		if err != nil {
			return err
		}
		out, err = tx.Payments().ListByOwner(ctx, payment.ForTransaction(t))
		return err
	})
	return out, err
}

// List returns the office transactions matching f. OfficeID is forced to the
// user's office.
func (e *Engine) List(ctx context.Context, user auth.AuthenticatedUser, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return nil, err
	}
	if f.Kind != "" {
		if _, err := kindOf(f.Kind); err != nil {
			return nil, err
		}
	}
	f.OfficeID = officeID
	var out []ledger.Transaction
	err = ledger.View(ctx, e.g.Store(), func(tx ledger.Tx) error {
		var err error
		out, err = tx.Transactions().List(ctx, f)
		return err
	})
	return out, err
}

func describe(t ledger.Transaction, what string) string {
	return fmt.Sprintf("%s %s %s", t.Kind, t.Code, what)
}

func (e *Engine) afterCommit(u *guard.Unit, t ledger.Transaction, from ledger.State) {
	u.AfterCommit(func() {
		obs.Transition(stream.EntityTransaction, string(t.Kind), string(t.State))
		e.log.Info("transaction transition",
			zap.String("code", t.Code),
			zap.String("kind", string(t.Kind)),
			zap.String("from", string(from)),
			zap.String("to", string(t.State)),
			zap.String("office_id", t.OfficeID),
		)
		if e.events != nil {
			e.events.Publish(stream.Event{
				Entity:   stream.EntityTransaction,
				Code:     t.Code,
				Kind:     string(t.Kind),
				State:    string(t.State),
				OfficeID: t.OfficeID,
				Amount:   t.Amount,
			})
		}
	})
}
