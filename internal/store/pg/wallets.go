package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sarraf.org/internal/ids"
	"sarraf.org/internal/ledger"
)

const walletColumns = `id, wallet_id, office_id, kind, crypto_currency, trading_currency, crypto_balance, trading_balance, value, version, created_at`

type wallets struct{ tx *sql.Tx }

func scanWallet(row scanner) (ledger.OfficeWallet, error) {
	var w ledger.OfficeWallet
	err := row.Scan(&w.ID, &w.WalletID, &w.OfficeID, &w.Kind, &w.CryptoCurrency, &w.TradingCurrency,
		&w.CryptoBalance, &w.TradingBalance, &w.Value, &w.Version, &w.CreatedAt)
	return w, err
}

func (r wallets) Get(ctx context.Context, id string) (ledger.OfficeWallet, error) {
	w, err := scanWallet(r.tx.QueryRowContext(ctx, `select `+walletColumns+` from office_wallets where id = $1`, id))
	if err != nil {
		return ledger.OfficeWallet{}, one(err, "wallet %s not found", id)
	}
	return w, nil
}

func (r wallets) ByWalletID(ctx context.Context, officeID, walletID string) (ledger.OfficeWallet, error) {
	w, err := scanWallet(r.tx.QueryRowContext(ctx, `select `+walletColumns+` from office_wallets where office_id = $1 and wallet_id = $2`, officeID, walletID))
	if err != nil {
		return ledger.OfficeWallet{}, one(err, "wallet %s not found in office %s", walletID, officeID)
	}
	return w, nil
}

func (r wallets) ListByOffice(ctx context.Context, officeID string) ([]ledger.OfficeWallet, error) {
	rows, err := r.tx.QueryContext(ctx, `select `+walletColumns+` from office_wallets where office_id = $1 order by wallet_id`, officeID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []ledger.OfficeWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, classify(rows.Err())
}

func (r wallets) Create(ctx context.Context, w *ledger.OfficeWallet) error {
	if w.ID == "" {
		w.ID = ids.New()
	}
	_, err := r.tx.ExecContext(ctx, `
		insert into office_wallets (`+walletColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, w.ID, w.WalletID, w.OfficeID, w.Kind, w.CryptoCurrency, w.TradingCurrency,
		w.CryptoBalance, w.TradingBalance, w.Value, w.Version, w.CreatedAt)
	return classify(err)
}

func (r wallets) Update(ctx context.Context, w ledger.OfficeWallet, expected int64) error {
	n, err := rowsAffected(r.tx.ExecContext(ctx, `
		update office_wallets set crypto_balance = $2, trading_balance = $3, value = $4, version = $5
		where id = $1 and version = $6
	`, w.ID, w.CryptoBalance, w.TradingBalance, w.Value, w.Version, expected))
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var current int64
	err = r.tx.QueryRowContext(ctx, `select version from office_wallets where id = $1`, w.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.NotFound("wallet %s not found", w.ID)
	}
	if err != nil {
		return classify(err)
	}
	return fmt.Errorf("wallet %s at version %d, want %d: %w", w.WalletID, current, expected, ledger.ErrStaleVersion)
}
