package ledger

import "github.com/shopspring/decimal"

// DefaultEpsilon is the tolerance of the office invariant.
var DefaultEpsilon = decimal.New(1, -3)

// OfficeImbalance computes sum(non-FUND balances) − (FUND balance + Σ wallet value).
// A healthy office sits at zero: the fund float plus the value parked in wallets
// mirrors everything the office owes or is owed.
func OfficeImbalance(accounts []Account, wallets []OfficeWallet) (decimal.Decimal, error) {
	var (
		others   = decimal.Zero
		fund     = decimal.Zero
		haveFund bool
	)
	for _, acc := range accounts {
		if acc.Kind == KindFund {
			if haveFund {
				return decimal.Zero, UnhealthyInvariant("office %s has more than one fund account", acc.OfficeID)
			}
			haveFund = true
			fund = acc.Balance
			continue
		}
		others = others.Add(acc.Balance)
	}
	if !haveFund {
		return decimal.Zero, UnhealthyInvariant("office has no fund account")
	}
	for _, w := range wallets {
		fund = fund.Add(w.Value)
	}
	return others.Sub(fund), nil
}

// CheckOffice fails with UnhealthyInvariant when the imbalance exceeds eps.
func CheckOffice(accounts []Account, wallets []OfficeWallet, eps decimal.Decimal) error {
	diff, err := OfficeImbalance(accounts, wallets)
	if err != nil {
		return err
	}
	if diff.Abs().GreaterThan(eps) {
		return UnhealthyInvariant("office balances off by %s", diff.String())
	}
	return nil
}
