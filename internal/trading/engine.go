// Package trading runs buy, sell, deposit and exchange orders against office
// wallets.
package trading

import (
	"context"
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

const codeAttempts = 5

// Publisher receives committed transitions.
type Publisher interface {
	Publish(stream.Event)
}

// Request opens a trade in REVIEW. DailyRate defaults to the activity rate of
// the wallet trading currency.
type Request struct {
	WalletID         string             `json:"wallet_id"`
	TradingType      ledger.TradingType `json:"trading_type"`
	Amount           decimal.Decimal    `json:"amount"`
	DailyRate        decimal.Decimal    `json:"daily_rate"`
	TradingRate      decimal.Decimal    `json:"trading_rate"`
	ExchangeWalletID string             `json:"exchange_wallet_id"`
	ExchangeRate     decimal.Decimal    `json:"exchange_rate"`
	Account          string             `json:"account"`
	Message          string             `json:"message"`
}

// PayResult is the outcome of Pay.
type PayResult struct {
	Trade   ledger.WalletTrading `json:"trade"`
	Payment ledger.Payment       `json:"payment"`
	Paid    decimal.Decimal      `json:"paid"`
}

// Engine runs trade operations inside the invariant guard.
type Engine struct {
	g      *guard.Guard
	events Publisher
	log    *zap.Logger
}

// New returns a trading engine over g.
func New(g *guard.Guard, events Publisher) *Engine {
	return &Engine{g: g, events: events, log: obs.Logger().Named("trading")}
}

func officeOf(user auth.AuthenticatedUser) (string, error) {
	if strings.TrimSpace(user.OfficeID) == "" {
		return "", ledger.InvalidInput("user %s has no office scope", user.ID)
	}
	return user.OfficeID, nil
}

func usable(acc ledger.Account) error {
	if acc.Kind == ledger.KindFund || acc.Kind == ledger.KindOffice {
		return ledger.InvalidInput("%s account cannot be a trade counterparty", acc.Kind)
	}
	if !acc.IsOpen {
		return ledger.InvalidState("account %s is closed", acc.Initials)
	}
	return nil
}

// Trade validates req, snapshots the pending-adjusted wallet balance and
// stores the trade in REVIEW.
func (e *Engine) Trade(ctx context.Context, user auth.AuthenticatedUser, req Request) (ledger.WalletTrading, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.WalletTrading{}, err
	}
	req.WalletID = strings.TrimSpace(req.WalletID)
	req.ExchangeWalletID = strings.TrimSpace(req.ExchangeWalletID)
	req.Account = strings.ToUpper(strings.TrimSpace(req.Account))
	if req.TradingType != ledger.TradeExchange {
		req.ExchangeWalletID, req.ExchangeRate = "", decimal.Zero
	}
	s, err := strategyFor(req.TradingType)
	if err != nil {
		return ledger.WalletTrading{}, err
	}
	if req.WalletID == "" {
		return ledger.WalletTrading{}, ledger.InvalidInput("wallet id is required")
	}
	if !req.Amount.IsPositive() {
		return ledger.WalletTrading{}, ledger.InvalidInput("amount must be positive")
	}
	if req.DailyRate.IsNegative() {
		return ledger.WalletTrading{}, ledger.InvalidInput("daily rate must be positive")
	}

	var out ledger.WalletTrading
	err = e.g.Run(ctx, officeID, "trade.request", func(ctx context.Context, u *guard.Unit) error {
		src, err := u.PeekWallet(ctx, req.WalletID)
		if err != nil {
			return err
		}
		if s.outbound() {
			// Outbound requests reserve crypto: concurrent ones must conflict.
			w, err := u.Wallet(ctx, req.WalletID)
			if err != nil {
				return err
			}
			src = *w
		}
		var dst *ledger.OfficeWallet
		if req.ExchangeWalletID != "" {
			w, err := u.PeekWallet(ctx, req.ExchangeWalletID)
			if err != nil {
				return err
			}
			dst = &w
		}
		t := ledger.WalletTrading{
			OfficeID:         officeID,
			OrgID:            user.OrganizationID,
			ActivityID:       u.Activity().ID,
			WalletID:         src.WalletID,
			TradingType:      req.TradingType,
			Amount:           req.Amount,
			DailyRate:        req.DailyRate,
			TradingRate:      req.TradingRate,
			ExchangeWalletID: req.ExchangeWalletID,
			ExchangeRate:     req.ExchangeRate,
			Account:          req.Account,
			State:            ledger.StateReview,
			CreatedBy:        user.ID,
			CreatedAt:        u.Now(),
			UpdatedAt:        u.Now(),
		}
		if !t.DailyRate.IsPositive() {
			if t.DailyRate, err = dailyRate(ctx, u, src); err != nil {
				return err
			}
		}
		if err := s.validate(t, src, dst); err != nil {
			return err
		}
		if t.Account != "" {
			acc, err := u.PeekAccountByInitials(ctx, t.Account)
			if err != nil {
				return err
			}
			if err := usable(acc); err != nil {
				return err
			}
		}
		in, outflow, err := u.Tx().Trades().Pendings(ctx, officeID, src.WalletID)
		if err != nil {
			return err
		}
		t.InitialBalance = src.CryptoBalance.Add(in).Sub(outflow)
		if s.outbound() {
			if avail := src.CryptoBalance.Sub(outflow); t.Amount.GreaterThan(avail) {
				return ledger.InvalidState("wallet %s has %s available, %s requested", src.WalletID, avail, t.Amount)
			}
		}
		prefix := t.Account
		if prefix == "" {
			prefix = string(t.TradingType)
		}
		if t.Code, err = newCode(ctx, u.Tx(), prefix); err != nil {
			return err
		}
		t.Notes = ledger.Notes{u.Note(ledger.NoteRequest, user.ID, req.Message, strings.ToLower(string(t.TradingType))+" requested")}
		if err := u.Tx().Trades().Create(ctx, &t); err != nil {
			return err
		}
		out = t
		e.afterCommit(u, t, ledger.StateInit)
		return nil
	})
	return out, err
}

func dailyRate(ctx context.Context, u *guard.Unit, w ledger.OfficeWallet) (decimal.Decimal, error) {
	if r, ok := u.Activity().Rate(w.TradingCurrency); ok {
		return r, nil
	}
	fund, err := u.PeekFund(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if fund.Currency == w.TradingCurrency {
		return decimal.NewFromInt(1), nil
	}
	return decimal.Zero, ledger.InvalidInput("no daily rate for %s", w.TradingCurrency)
}

func newCode(ctx context.Context, tx ledger.Tx, prefix string) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code := ids.Code(prefix)
		taken, err := tx.Trades().CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", ledger.InvalidState("could not allocate a unique code for %s", prefix)
}

func fetch(ctx context.Context, tx ledger.Tx, officeID, code string) (ledger.WalletTrading, strategy, error) {
	t, err := tx.Trades().ByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return ledger.WalletTrading{}, nil, err
	}
	if t.OfficeID != officeID {
		return ledger.WalletTrading{}, nil, ledger.NotFound("trade %s not found", code)
	}
	s, err := strategyFor(t.TradingType)
	if err != nil {
		return ledger.WalletTrading{}, nil, err
	}
	return t, s, nil
}

// wallets loads the source and, for exchanges, target wallet for write.
func wallets(ctx context.Context, u *guard.Unit, t ledger.WalletTrading) (src, dst *ledger.OfficeWallet, err error) {
	if src, err = u.Wallet(ctx, t.WalletID); err != nil {
		return nil, nil, err
	}
	if t.ExchangeWalletID != "" {
		if dst, err = u.Wallet(ctx, t.ExchangeWalletID); err != nil {
			return nil, nil, err
		}
	}
	return src, dst, nil
}

// settle quotes t against the current positions and applies it. A buy the
// fund cannot cover is held and reports false.
func settle(ctx context.Context, u *guard.Unit, t *ledger.WalletTrading, s strategy) (bool, error) {
	if t.Account != "" {
		acc, err := u.PeekAccountByInitials(ctx, t.Account)
		if err != nil {
			return false, err
		}
		if err := usable(acc); err != nil {
			return false, err
		}
	}
	src, dst, err := wallets(ctx, u, *t)
	if err != nil {
		return false, err
	}
	if err := s.quote(t, src, dst); err != nil {
		return false, err
	}
	if t.TradingType == ledger.TradeBuy {
		fund, err := u.PeekFund(ctx)
		if err != nil {
			return false, err
		}
		if fund.Balance.LessThan(t.Cost) {
			return false, nil
		}
	}
	return true, s.post(ctx, u, *t, src, dst, forward)
}

func unsettle(ctx context.Context, u *guard.Unit, t ledger.WalletTrading, s strategy) error {
	src, dst, err := wallets(ctx, u, t)
	if err != nil {
		return err
	}
	return s.post(ctx, u, t, src, dst, reverse)
}

// Review applies a reviewer verdict. Approval settles buys, deposits and
// exchanges (PAID) and leaves sells PENDING until paid; a buy the fund
// cannot cover is held in PENDING.
func (e *Engine) Review(ctx context.Context, user auth.AuthenticatedUser, code string, verdict ledger.Verdict, message string) (ledger.WalletTrading, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.WalletTrading{}, err
	}
	var out ledger.WalletTrading
	err = e.g.Run(ctx, officeID, "trade.review", func(ctx context.Context, u *guard.Unit) error {
		t, s, err := fetch(ctx, u.Tx(), officeID, code)
		if err != nil {
			return err
		}
		if t.State != ledger.StateReview {
			return ledger.InvalidState("trade %s is %s, not REVIEW", t.Code, t.State)
		}
		from := t.State
		switch verdict {
		case ledger.VerdictApprove:
			settled, err := settle(ctx, u, &t, s)
			if err != nil {
				return err
			}
			switch {
			case !settled:
				t.State = ledger.StatePending
				t.Notes = t.Notes.Append(u.Note(ledger.NoteApprove, user.ID, message, "approved, held until the fund covers "+t.Cost.String()))
			case s.payable():
				t.State = ledger.StatePending
				t.Notes = t.Notes.Append(u.Note(ledger.NoteApprove, user.ID, message, "approved"))
			default:
				t.State = ledger.StatePaid
				t.Notes = t.Notes.Append(u.Note(ledger.NoteApprove, user.ID, message, "approved"))
			}
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
		if err := u.Tx().Trades().Update(ctx, t); err != nil {
			return err
		}
		out = t
		e.afterCommit(u, t, from)
		return nil
	})
	return out, err
}

// Pay records a customer payment against a PENDING sell.
func (e *Engine) Pay(ctx context.Context, user auth.AuthenticatedUser, code string, amount decimal.Decimal, message string) (PayResult, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return PayResult{}, err
	}
	var out PayResult
	err = e.g.Run(ctx, officeID, "trade.pay", func(ctx context.Context, u *guard.Unit) error {
		t, s, err := fetch(ctx, u.Tx(), officeID, code)
		if err != nil {
			return err
		}
		if !s.payable() {
			return ledger.InvalidState("%s trades take no payments", t.TradingType)
		}
		if t.State != ledger.StatePending {
			return ledger.InvalidState("trade %s is %s, not PENDING", t.Code, t.State)
		}
		from := t.State
		p, paid, err := payment.Add(ctx, u, payment.ForTrade(t), t.Proceeds, amount, user.ID, message)
		if err != nil {
			return err
		}
		if err := collect(ctx, u, t, amount, describe(t, forward)+" payment"); err != nil {
			return err
		}
		t.Notes = t.Notes.Append(u.Note(ledger.NotePayment, user.ID, message, "payment of "+amount.String()))
		if paid.Equal(t.Proceeds) {
			t.State = ledger.StatePaid
			t.Notes = t.Notes.Append(u.Note(ledger.NoteComplete, user.ID, "", "fully paid"))
		}
		t.UpdatedAt = u.Now()
		if err := u.Tx().Trades().Update(ctx, t); err != nil {
			return err
		}
		out = PayResult{Trade: t, Payment: p, Paid: paid}
		if t.State != from {
			e.afterCommit(u, t, from)
		}
		return nil
	})
	return out, err
}

// Commit finalizes a PENDING trade: a sell gets its outstanding balance paid,
// any other trade is settled again.
func (e *Engine) Commit(ctx context.Context, user auth.AuthenticatedUser, code, message string) (ledger.WalletTrading, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.WalletTrading{}, err
	}
	var out ledger.WalletTrading
	err = e.g.Run(ctx, officeID, "trade.commit", func(ctx context.Context, u *guard.Unit) error {
		t, s, err := fetch(ctx, u.Tx(), officeID, code)
		if err != nil {
			return err
		}
		if t.State != ledger.StatePending {
			return ledger.InvalidState("trade %s is %s, not PENDING", t.Code, t.State)
		}
		from := t.State
		if s.payable() {
			paid, err := payment.Paid(ctx, u.Tx(), payment.ForTrade(t))
			if err != nil {
				return err
			}
			if rest := t.Proceeds.Sub(paid); rest.IsPositive() {
				if _, _, err := payment.Add(ctx, u, payment.ForTrade(t), t.Proceeds, rest, user.ID, message); err != nil {
					return err
				}
				if err := collect(ctx, u, t, rest, describe(t, forward)+" payment"); err != nil {
					return err
				}
			}
		} else {
			settled, err := settle(ctx, u, &t, s)
			if err != nil {
				return err
			}
			if !settled {
				return ledger.InvalidState("fund cannot cover %s for trade %s", t.Cost, t.Code)
			}
		}
		t.State = ledger.StatePaid
		t.Notes = t.Notes.Append(u.Note(ledger.NoteComplete, user.ID, message, "committed"))
		t.UpdatedAt = u.Now()
		if err := u.Tx().Trades().Update(ctx, t); err != nil {
			return err
		}
		out = t
		e.afterCommit(u, t, from)
		return nil
	})
	return out, err
}

// Rollback steps a trade back once with the exact inverse of what was applied:
// PAID goes to PENDING, PENDING to REVIEW. Payments are cancelled.
func (e *Engine) Rollback(ctx context.Context, user auth.AuthenticatedUser, code, message string) (ledger.WalletTrading, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.WalletTrading{}, err
	}
	var out ledger.WalletTrading
	err = e.g.Run(ctx, officeID, "trade.rollback", func(ctx context.Context, u *guard.Unit) error {
		t, s, err := fetch(ctx, u.Tx(), officeID, code)
		if err != nil {
			return err
		}
		from := t.State
		switch t.State {
		case ledger.StatePaid:
			if s.payable() {
				err = e.refund(ctx, u, t, user.ID, message)
			} else {
				err = unsettle(ctx, u, t, s)
			}
			t.State = ledger.StatePending
		case ledger.StatePending:
			// only a sell is settled while PENDING
			if s.payable() {
				if err = e.refund(ctx, u, t, user.ID, message); err == nil {
					err = unsettle(ctx, u, t, s)
				}
			}
			t.State = ledger.StateReview
		default:
			return ledger.InvalidState("trade %s is %s; only PENDING or PAID can be rolled back", t.Code, t.State)
		}
		if err != nil {
			return err
		}
		t.Notes = t.Notes.Append(u.Note(ledger.NoteRollback, user.ID, message, "rolled back from "+string(from)))
		t.UpdatedAt = u.Now()
		if err := u.Tx().Trades().Update(ctx, t); err != nil {
			return err
		}
		out = t
		e.afterCommit(u, t, from)
		return nil
	})
	return out, err
}

func (e *Engine) refund(ctx context.Context, u *guard.Unit, t ledger.WalletTrading, by, message string) error {
	cancelled, err := payment.CancelAll(ctx, u, payment.ForTrade(t), by, message)
	if err != nil || cancelled.IsZero() {
		return err
	}
	return collect(ctx, u, t, cancelled.Neg(), describe(t, reverse)+" payment")
}

// Get returns a trade of the user's office.
func (e *Engine) Get(ctx context.Context, user auth.AuthenticatedUser, code string) (ledger.WalletTrading, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.WalletTrading{}, err
	}
	var out ledger.WalletTrading
	err = ledger.View(ctx, e.g.Store(), func(tx ledger.Tx) error {
		var err error
		out, _, err = fetch(ctx, tx, officeID, code)
		return err
	})
	return out, err
}

// List returns the office trades matching f.
func (e *Engine) List(ctx context.Context, user auth.AuthenticatedUser, f ledger.TradeFilter) ([]ledger.WalletTrading, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return nil, err
	}
	if f.TradingType != "" {
		if _, err := strategyFor(f.TradingType); err != nil {
			return nil, err
		}
	}
	f.OfficeID = officeID
	var out []ledger.WalletTrading
	err = ledger.View(ctx, e.g.Store(), func(tx ledger.Tx) error {
		var err error
		out, err = tx.Trades().List(ctx, f)
		return err
	})
	return out, err
}

// Pendings reports the crypto still expected to enter and leave an office
// wallet through unsettled trades.
func (e *Engine) Pendings(ctx context.Context, user auth.AuthenticatedUser, walletID string) (in, out decimal.Decimal, err error) {
	officeID, err := officeOf(user)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	err = ledger.View(ctx, e.g.Store(), func(tx ledger.Tx) error {
		if _, err := tx.Wallets().ByWalletID(ctx, officeID, walletID); err != nil {
			return err
		}
		var err error
		in, out, err = tx.Trades().Pendings(ctx, officeID, walletID)
		return err
	})
	return in, out, err
}

func (e *Engine) afterCommit(u *guard.Unit, t ledger.WalletTrading, from ledger.State) {
	u.AfterCommit(func() {
		obs.Transition(stream.EntityTrade, string(t.TradingType), string(t.State))
		e.log.Info("trade transition",
			zap.String("code", t.Code),
			zap.String("type", string(t.TradingType)),
			zap.String("wallet_id", t.WalletID),
			zap.String("from", string(from)),
			zap.String("to", string(t.State)),
			zap.String("office_id", t.OfficeID),
		)
		if e.events != nil {
			e.events.Publish(stream.Event{
				Entity:   stream.EntityTrade,
				Code:     t.Code,
				Kind:     string(t.TradingType),
				State:    string(t.State),
				OfficeID: t.OfficeID,
				Amount:   t.Amount,
			})
		}
	})
}
