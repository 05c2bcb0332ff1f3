package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestOpenOfficeCreatesFundAndOffice(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	o := NewOnboarding(s)

	fund, office, err := o.OpenOffice(ctx, "of-1", "usd")
	if err != nil {
		t.Fatal(err)
	}
	if fund.Kind != KindFund || office.Kind != KindOffice {
		t.Fatalf("unexpected kinds: %s %s", fund.Kind, office.Kind)
	}
	if fund.Currency != "USD" {
		t.Fatalf("currency not normalized: %s", fund.Currency)
	}
	if _, _, err := o.OpenOffice(ctx, "of-1", "USD"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on reopen, got %v", err)
	}
}

func TestOpenAccountRejectsDuplicateInitials(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	o := NewOnboarding(s)
	if _, _, err := o.OpenOffice(ctx, "of-1", "USD"); err != nil {
		t.Fatal(err)
	}
	acc, err := o.OpenAccount(ctx, "of-1", "mdm", KindCustomer, "")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Initials != "MDM" || acc.Currency != "USD" || !acc.IsOpen {
		t.Fatalf("unexpected account %+v", acc)
	}
	if _, err := o.OpenAccount(ctx, "of-1", "MDM", KindAgent, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := o.OpenAccount(ctx, "of-1", "XX", KindFund, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for fund kind, got %v", err)
	}
	if _, err := o.OpenAccount(ctx, "of-unknown", "AB", KindCustomer, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown office, got %v", err)
	}
}

func TestCloseAccountRequiresZeroBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	o := NewOnboarding(s)
	if _, _, err := o.OpenOffice(ctx, "of-1", "USD"); err != nil {
		t.Fatal(err)
	}
	acc, err := o.OpenAccount(ctx, "of-1", "GZM", KindCustomer, "")
	if err != nil {
		t.Fatal(err)
	}

	tx, _ := s.Begin(ctx)
	funded := acc
	funded.Balance = funded.Balance.Add(one())
	funded.Version++
	if err := tx.Accounts().Update(ctx, funded, acc.Version); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, err := o.CloseAccount(ctx, acc.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	tx, _ = s.Begin(ctx)
	emptied := funded
	emptied.Balance = emptied.Balance.Sub(one())
	emptied.Version++
	if err := tx.Accounts().Update(ctx, emptied, funded.Version); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	closed, err := o.CloseAccount(ctx, acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.IsOpen || closed.Version != emptied.Version+1 {
		t.Fatalf("unexpected closed account %+v", closed)
	}
}

func TestOpenWalletValidates(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	o := NewOnboarding(s)
	if _, _, err := o.OpenOffice(ctx, "of-1", "USD"); err != nil {
		t.Fatal(err)
	}
	w, err := o.OpenWallet(ctx, "of-1", "btc-main", WalletCrypto, "btc", "usdt")
	if err != nil {
		t.Fatal(err)
	}
	if w.CryptoCurrency != "BTC" || w.TradingCurrency != "USDT" || !w.Value.IsZero() {
		t.Fatalf("unexpected wallet %+v", w)
	}
	if _, err := o.OpenWallet(ctx, "of-1", "btc-main", WalletCrypto, "BTC", "USDT"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected duplicate wallet rejection, got %v", err)
	}
	if _, err := o.OpenWallet(ctx, "of-1", "x", WalletKind("GOLD"), "XAU", "USD"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected kind rejection, got %v", err)
	}
}
