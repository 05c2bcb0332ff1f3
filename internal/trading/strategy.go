package trading

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"sarraf.org/internal/guard"
	"sarraf.org/internal/ledger"
)

const divPrecision = 16

var (
	forward = decimal.NewFromInt(1)
	reverse = decimal.NewFromInt(-1)
	hundred = decimal.NewFromInt(100)
)

// strategy holds the settlement rules of one trading type.
type strategy interface {
	validate(t ledger.WalletTrading, src ledger.OfficeWallet, dst *ledger.OfficeWallet) error
	// outbound strategies consume crypto of the source wallet.
	outbound() bool
	// payable strategies settle on approval and are then paid off.
	payable() bool
	// quote fixes Cost, TradingShare and Proceeds from the current positions.
	quote(t *ledger.WalletTrading, src, dst *ledger.OfficeWallet) error
	// post applies the quoted settlement scaled by sign (+1 or -1).
	post(ctx context.Context, u *guard.Unit, t ledger.WalletTrading, src, dst *ledger.OfficeWallet, sign decimal.Decimal) error
}

var strategies = map[ledger.TradingType]strategy{
	ledger.TradeBuy:      buy{},
	ledger.TradeSell:     sell{},
	ledger.TradeDeposit:  deposit{},
	ledger.TradeExchange: exchange{},
}

func strategyFor(tt ledger.TradingType) (strategy, error) {
	s, ok := strategies[tt]
	if !ok {
		return nil, ledger.InvalidInput("unknown trading type %q", tt)
	}
	return s, nil
}

func div(a, b decimal.Decimal) decimal.Decimal { return a.DivRound(b, divPrecision) }

func move(w *ledger.OfficeWallet, crypto, trading, value decimal.Decimal) {
	w.CryptoBalance = w.CryptoBalance.Add(crypto)
	w.TradingBalance = w.TradingBalance.Add(trading)
	w.Value = w.Value.Add(value)
}

// markup prices amount in the office currency: CRYPTO wallets convert through
// the trading rate, SIMPLE wallets apply it as a percentage.
func markup(kind ledger.WalletKind, amount, tradingRate, dailyRate decimal.Decimal) decimal.Decimal {
	if kind == ledger.WalletCrypto {
		return div(amount.Mul(tradingRate), dailyRate)
	}
	return div(amount.Mul(forward.Add(div(tradingRate, hundred))), dailyRate)
}

func tradingRateFor(kind ledger.WalletKind, rate decimal.Decimal) error {
	if kind == ledger.WalletCrypto && !rate.IsPositive() {
		return ledger.InvalidInput("trading rate must be positive for crypto wallets")
	}
	if rate.IsNegative() {
		return ledger.InvalidInput("trading rate must not be negative")
	}
	return nil
}

// share returns the cost and trading shares of amount leaving w.
func share(w ledger.OfficeWallet, amount decimal.Decimal) (cost, trading decimal.Decimal, err error) {
	if !w.CryptoBalance.IsPositive() || amount.GreaterThan(w.CryptoBalance) {
		return decimal.Zero, decimal.Zero, ledger.InvalidState("wallet %s holds %s, cannot release %s", w.WalletID, w.CryptoBalance, amount)
	}
	if amount.Equal(w.CryptoBalance) {
		return w.Value, w.TradingBalance, nil
	}
	return div(w.Value.Mul(amount), w.CryptoBalance), div(w.TradingBalance.Mul(amount), w.CryptoBalance), nil
}

func counterparty(ctx context.Context, u *guard.Unit, initials string) (*ledger.Account, error) {
	acc, err := u.AccountByInitials(ctx, strings.ToUpper(initials))
	if err != nil {
		return nil, err
	}
	if acc.Kind == ledger.KindFund || acc.Kind == ledger.KindOffice {
		return nil, ledger.InvalidInput("%s account cannot be a trade counterparty", acc.Kind)
	}
	return acc, nil
}

// buy funds the wallet from the office fund.
type buy struct{}

func (buy) outbound() bool { return false }
func (buy) payable() bool  { return false }

func (buy) validate(t ledger.WalletTrading, _ ledger.OfficeWallet, _ *ledger.OfficeWallet) error {
	if !t.TradingRate.IsPositive() {
		return ledger.InvalidInput("buy needs a positive trading rate")
	}
	return nil
}

func (buy) quote(t *ledger.WalletTrading, _, _ *ledger.OfficeWallet) error {
	t.TradingShare = t.Amount.Mul(t.TradingRate)
	t.Cost = div(t.TradingShare, t.DailyRate)
	t.Proceeds = decimal.Zero
	return nil
}

func (buy) post(ctx context.Context, u *guard.Unit, t ledger.WalletTrading, src, _ *ledger.OfficeWallet, sign decimal.Decimal) error {
	fund, err := u.Fund(ctx)
	if err != nil {
		return err
	}
	if err := u.Post(ctx, fund, t.Cost.Mul(sign).Neg(), describe(t, sign)); err != nil {
		return err
	}
	move(src, t.Amount.Mul(sign), t.TradingShare.Mul(sign), t.Cost.Mul(sign))
	return nil
}

// sell releases crypto to a customer who then pays the selling amount.
type sell struct{}

func (sell) outbound() bool { return true }
func (sell) payable() bool  { return true }

func (sell) validate(t ledger.WalletTrading, src ledger.OfficeWallet, _ *ledger.OfficeWallet) error {
	if strings.TrimSpace(t.Account) == "" {
		return ledger.InvalidInput("sell needs a customer account")
	}
	return tradingRateFor(src.Kind, t.TradingRate)
}

func (sell) quote(t *ledger.WalletTrading, src, _ *ledger.OfficeWallet) error {
	cost, trading, err := share(*src, t.Amount)
	if err != nil {
		return err
	}
	t.Cost, t.TradingShare = cost, trading
	t.Proceeds = markup(src.Kind, t.Amount, t.TradingRate, t.DailyRate)
	return nil
}

func (sell) post(ctx context.Context, u *guard.Unit, t ledger.WalletTrading, src, _ *ledger.OfficeWallet, sign decimal.Decimal) error {
	customer, err := counterparty(ctx, u, t.Account)
	if err != nil {
		return err
	}
	office, err := u.OfficeAccount(ctx)
	if err != nil {
		return err
	}
	desc := describe(t, sign)
	if err := u.Post(ctx, customer, t.Proceeds.Mul(sign).Neg(), desc); err != nil {
		return err
	}
	move(src, t.Amount.Mul(sign).Neg(), t.TradingShare.Mul(sign).Neg(), t.Cost.Mul(sign).Neg())
	return u.Post(ctx, office, t.Proceeds.Sub(t.Cost).Mul(sign), desc)
}

// collect books a customer payment of p (negative p reverses it).
func collect(ctx context.Context, u *guard.Unit, t ledger.WalletTrading, p decimal.Decimal, desc string) error {
	customer, err := counterparty(ctx, u, t.Account)
	if err != nil {
		return err
	}
	fund, err := u.Fund(ctx)
	if err != nil {
		return err
	}
	if err := u.Post(ctx, customer, p, desc); err != nil {
		return err
	}
	return u.Post(ctx, fund, p, desc)
}

// deposit credits a depositor for crypto brought into the wallet.
type deposit struct{}

func (deposit) outbound() bool { return false }
func (deposit) payable() bool  { return false }

func (deposit) validate(t ledger.WalletTrading, src ledger.OfficeWallet, _ *ledger.OfficeWallet) error {
	if strings.TrimSpace(t.Account) == "" {
		return ledger.InvalidInput("deposit needs a depositor account")
	}
	return tradingRateFor(src.Kind, t.TradingRate)
}

func (deposit) quote(t *ledger.WalletTrading, src, _ *ledger.OfficeWallet) error {
	t.Cost = markup(src.Kind, t.Amount, t.TradingRate, t.DailyRate)
	t.TradingShare = t.Amount
	if src.Kind == ledger.WalletCrypto {
		t.TradingShare = t.Amount.Mul(t.TradingRate)
	}
	t.Proceeds = t.Cost
	return nil
}

func (deposit) post(ctx context.Context, u *guard.Unit, t ledger.WalletTrading, src, _ *ledger.OfficeWallet, sign decimal.Decimal) error {
	acc, err := counterparty(ctx, u, t.Account)
	if err != nil {
		return err
	}
	move(src, t.Amount.Mul(sign), t.TradingShare.Mul(sign), t.Cost.Mul(sign))
	return u.Post(ctx, acc, t.Cost.Mul(sign), describe(t, sign))
}

// exchange moves a position from one wallet to another.
type exchange struct{}

func (exchange) outbound() bool { return true }
func (exchange) payable() bool  { return false }

func (exchange) validate(t ledger.WalletTrading, _ ledger.OfficeWallet, dst *ledger.OfficeWallet) error {
	if dst == nil {
		return ledger.InvalidInput("exchange needs a target wallet")
	}
	if dst.WalletID == t.WalletID {
		return ledger.InvalidInput("exchange target must differ from the source wallet")
	}
	if !t.ExchangeRate.IsPositive() {
		return ledger.InvalidInput("exchange rate must be positive")
	}
	return tradingRateFor(dst.Kind, t.TradingRate)
}

func (exchange) received(t ledger.WalletTrading) decimal.Decimal {
	return t.Amount.Mul(t.ExchangeRate)
}

func (e exchange) targetTrading(t ledger.WalletTrading, dst *ledger.OfficeWallet) decimal.Decimal {
	if dst.Kind == ledger.WalletCrypto {
		return t.Amount.Mul(t.TradingRate)
	}
	return e.received(t)
}

func (e exchange) quote(t *ledger.WalletTrading, src, dst *ledger.OfficeWallet) error {
	cost, trading, err := share(*src, t.Amount)
	if err != nil {
		return err
	}
	t.Cost, t.TradingShare = cost, trading
	if dst.Kind == ledger.WalletCrypto {
		t.Proceeds = div(t.Amount.Mul(t.TradingRate), t.DailyRate)
	} else {
		t.Proceeds = div(e.received(*t), t.DailyRate)
	}
	return nil
}

func (e exchange) post(ctx context.Context, u *guard.Unit, t ledger.WalletTrading, src, dst *ledger.OfficeWallet, sign decimal.Decimal) error {
	office, err := u.OfficeAccount(ctx)
	if err != nil {
		return err
	}
	move(src, t.Amount.Mul(sign).Neg(), t.TradingShare.Mul(sign).Neg(), t.Cost.Mul(sign).Neg())
	move(dst, e.received(t).Mul(sign), e.targetTrading(t, dst).Mul(sign), t.Proceeds.Mul(sign))
	return u.Post(ctx, office, t.Proceeds.Sub(t.Cost).Mul(sign), describe(t, sign))
}

func describe(t ledger.WalletTrading, sign decimal.Decimal) string {
	if sign.IsNegative() {
		return string(t.TradingType) + " " + t.Code + " rollback"
	}
	return string(t.TradingType) + " " + t.Code
}
