package ledger

import "github.com/shopspring/decimal"

// PendingFlow returns the crypto amount t will still move into and out of the
// wallet once it settles. Settled, cancelled and rejected trades contribute
// nothing.
func PendingFlow(t WalletTrading, walletID string) (in, out decimal.Decimal) {
	in, out = decimal.Zero, decimal.Zero
	switch {
	case t.WalletID == walletID:
		switch t.TradingType {
		case TradeSell, TradeExchange:
			if t.State == StateReview {
				out = t.Amount
			}
		case TradeBuy:
			// a held buy stays PENDING until the fund can cover it
			if t.State == StateReview || t.State == StatePending {
				in = t.Amount
			}
		case TradeDeposit:
			if t.State == StateReview {
				in = t.Amount
			}
		}
	case t.ExchangeWalletID == walletID && t.TradingType == TradeExchange:
		if t.State == StateReview {
			in = t.Amount.Mul(t.ExchangeRate)
		}
	}
	return in, out
}
