package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Initials of the two accounts every office owns.
const (
	FundInitials   = "FUND"
	OfficeInitials = "OFFICE"
)

// Onboarding sets up offices, their accounts and wallets. Balances are never
// touched here; money only moves through guarded units of work.
type Onboarding struct {
	store Store
	now   func() time.Time
}

// NewOnboarding returns onboarding helpers bound to store.
func NewOnboarding(store Store) *Onboarding {
	return &Onboarding{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (o *Onboarding) within(ctx context.Context, fn func(Tx) error) error {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// OpenOffice creates the FUND and OFFICE accounts of a new office.
func (o *Onboarding) OpenOffice(ctx context.Context, officeID, currency string) (fund, office Account, err error) {
	officeID = strings.TrimSpace(officeID)
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if officeID == "" || currency == "" {
		return Account{}, Account{}, InvalidInput("office id and currency are required")
	}
	err = o.within(ctx, func(tx Tx) error {
		if _, err := tx.Accounts().ByKind(ctx, officeID, KindFund); err == nil {
			return InvalidState("office %s already opened", officeID)
		} else if CodeOf(err) != CodeNotFound {
			return err
		}
		now := o.now()
		fund = Account{OfficeID: officeID, Initials: FundInitials, Kind: KindFund, Currency: currency, Balance: decimal.Zero, IsOpen: true, CreatedAt: now}
		office = Account{OfficeID: officeID, Initials: OfficeInitials, Kind: KindOffice, Currency: currency, Balance: decimal.Zero, IsOpen: true, CreatedAt: now}
		if err := tx.Accounts().Create(ctx, &fund); err != nil {
			return err
		}
		return tx.Accounts().Create(ctx, &office)
	})
	return fund, office, err
}

// OpenAccount creates an agent, supplier or customer account in an opened office.
func (o *Onboarding) OpenAccount(ctx context.Context, officeID, initials string, kind AccountKind, currency string) (Account, error) {
	initials = strings.ToUpper(strings.TrimSpace(initials))
	if initials == "" {
		return Account{}, InvalidInput("initials are required")
	}
	if !kind.Valid() {
		return Account{}, InvalidInput("unknown account kind %q", kind)
	}
	if kind == KindFund || kind == KindOffice {
		return Account{}, InvalidInput("%s accounts are created with the office", kind)
	}
	var acc Account
	err := o.within(ctx, func(tx Tx) error {
		fund, err := tx.Accounts().ByKind(ctx, officeID, KindFund)
		if err != nil {
			return err
		}
		if _, err := tx.Accounts().ByInitials(ctx, officeID, initials); err == nil {
			return InvalidInput("initials %s already used in office %s", initials, officeID)
		} else if CodeOf(err) != CodeNotFound {
			return err
		}
		if currency == "" {
			currency = fund.Currency
		}
		acc = Account{
			OfficeID:  officeID,
			Initials:  initials,
			Kind:      kind,
			Currency:  strings.ToUpper(currency),
			Balance:   decimal.Zero,
			IsOpen:    true,
			CreatedAt: o.now(),
		}
		return tx.Accounts().Create(ctx, &acc)
	})
	return acc, err
}

// CloseAccount marks a zero-balance account closed.
func (o *Onboarding) CloseAccount(ctx context.Context, id string) (Account, error) {
	var acc Account
	err := o.within(ctx, func(tx Tx) error {
		var err error
		acc, err = tx.Accounts().Get(ctx, id)
		if err != nil {
			return err
		}
		if acc.Kind == KindFund || acc.Kind == KindOffice {
			return InvalidState("%s account cannot be closed", acc.Kind)
		}
		if !acc.IsOpen {
			return InvalidState("account %s already closed", acc.Initials)
		}
		if !acc.Balance.IsZero() {
			return InvalidState("account %s has balance %s", acc.Initials, acc.Balance)
		}
		expected := acc.Version
		acc.IsOpen = false
		acc.Version++
		return tx.Accounts().Update(ctx, acc, expected)
	})
	return acc, err
}

// OpenWallet registers an empty trading position for an office.
func (o *Onboarding) OpenWallet(ctx context.Context, officeID, walletID string, kind WalletKind, crypto, trading string) (OfficeWallet, error) {
	walletID = strings.TrimSpace(walletID)
	if walletID == "" || crypto == "" || trading == "" {
		return OfficeWallet{}, InvalidInput("wallet id and currencies are required")
	}
	if kind != WalletSimple && kind != WalletCrypto {
		return OfficeWallet{}, InvalidInput("unknown wallet kind %q", kind)
	}
	var w OfficeWallet
	err := o.within(ctx, func(tx Tx) error {
		if _, err := tx.Accounts().ByKind(ctx, officeID, KindFund); err != nil {
			return err
		}
		if _, err := tx.Wallets().ByWalletID(ctx, officeID, walletID); err == nil {
			return InvalidInput("wallet %s already exists in office %s", walletID, officeID)
		} else if CodeOf(err) != CodeNotFound {
			return err
		}
		w = OfficeWallet{
			WalletID:        walletID,
			OfficeID:        officeID,
			Kind:            kind,
			CryptoCurrency:  strings.ToUpper(crypto),
			TradingCurrency: strings.ToUpper(trading),
			CryptoBalance:   decimal.Zero,
			TradingBalance:  decimal.Zero,
			Value:           decimal.Zero,
			CreatedAt:       o.now(),
		}
		return tx.Wallets().Create(ctx, &w)
	})
	return w, err
}
