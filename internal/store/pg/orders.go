package pg

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"sarraf.org/internal/ids"
	"sarraf.org/internal/ledger"
)

const transactionColumns = `id, code, kind, office_id, org_id, activity_id, currency, amount, charges, rate, selling_rate,
	state, sender, receiver, provider, customer, created_by, reviewed_by, created_at, updated_at, notes`

type transactions struct{ tx *sql.Tx }

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		t     ledger.Transaction
		notes []byte
	)
	if err := row.Scan(&t.ID, &t.Code, &t.Kind, &t.OfficeID, &t.OrgID, &t.ActivityID, &t.Currency,
		&t.Amount, &t.Charges, &t.Rate, &t.SellingRate, &t.State, &t.Sender, &t.Receiver, &t.Provider,
		&t.Customer, &t.CreatedBy, &t.ReviewedBy, &t.CreatedAt, &t.UpdatedAt, &notes); err != nil {
		return ledger.Transaction{}, err
	}
	return t, decode(notes, &t.Notes)
}

func (r transactions) ByCode(ctx context.Context, code string) (ledger.Transaction, error) {
	t, err := scanTransaction(r.tx.QueryRowContext(ctx, `select `+transactionColumns+` from transactions where code = $1`, code))
	if err != nil {
		return ledger.Transaction{}, one(err, "transaction %s not found", code)
	}
	return t, nil
}

func (r transactions) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.tx.QueryRowContext(ctx, `select exists(select 1 from transactions where code = $1)`, code).Scan(&exists)
	return exists, classify(err)
}

func (r transactions) List(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	w := &where{}
	if f.OfficeID != "" {
		w.add("office_id = $%d", f.OfficeID)
	}
	if f.Kind != "" {
		w.add("kind = $%d", f.Kind)
	}
	if f.State != "" {
		w.add("state = $%d", f.State)
	}
	w.period(f.Period)
	query := `select ` + transactionColumns + ` from transactions` + w.sql() + ` order by created_at, id`
	query += w.limit(f.Limit)
	rows, err := r.tx.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

func (r transactions) Create(ctx context.Context, t *ledger.Transaction) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	notes, err := encode(t.Notes)
	if err != nil {
		return err
	}
	_, err = r.tx.ExecContext(ctx, `
		insert into transactions (`+transactionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, t.ID, t.Code, t.Kind, t.OfficeID, t.OrgID, t.ActivityID, t.Currency, t.Amount, t.Charges, t.Rate,
		t.SellingRate, t.State, t.Sender, t.Receiver, t.Provider, t.Customer, t.CreatedBy, t.ReviewedBy,
		t.CreatedAt, t.UpdatedAt, notes)
	return classify(err)
}

func (r transactions) Update(ctx context.Context, t ledger.Transaction) error {
	notes, err := encode(t.Notes)
	if err != nil {
		return err
	}
	n, err := rowsAffected(r.tx.ExecContext(ctx, `
		update transactions set state = $2, reviewed_by = $3, updated_at = $4, notes = $5
		where id = $1
	`, t.ID, t.State, t.ReviewedBy, t.UpdatedAt, notes))
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.NotFound("transaction %s not found", t.Code)
	}
	return nil
}

const tradeColumns = `id, code, office_id, org_id, activity_id, wallet_id, trading_type, amount, daily_rate, trading_rate,
	exchange_wallet_id, exchange_rate, account, initial_balance, cost, trading_share, proceeds, state, created_by,
	reviewed_by, created_at, updated_at, notes`

type trades struct{ tx *sql.Tx }

func scanTrade(row scanner) (ledger.WalletTrading, error) {
	var (
		t     ledger.WalletTrading
		notes []byte
	)
	if err := row.Scan(&t.ID, &t.Code, &t.OfficeID, &t.OrgID, &t.ActivityID, &t.WalletID, &t.TradingType,
		&t.Amount, &t.DailyRate, &t.TradingRate, &t.ExchangeWalletID, &t.ExchangeRate, &t.Account,
		&t.InitialBalance, &t.Cost, &t.TradingShare, &t.Proceeds, &t.State, &t.CreatedBy, &t.ReviewedBy,
		&t.CreatedAt, &t.UpdatedAt, &notes); err != nil {
		return ledger.WalletTrading{}, err
	}
	return t, decode(notes, &t.Notes)
}

func (r trades) ByCode(ctx context.Context, code string) (ledger.WalletTrading, error) {
	t, err := scanTrade(r.tx.QueryRowContext(ctx, `select `+tradeColumns+` from wallet_tradings where code = $1`, code))
	if err != nil {
		return ledger.WalletTrading{}, one(err, "trade %s not found", code)
	}
	return t, nil
}

func (r trades) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.tx.QueryRowContext(ctx, `select exists(select 1 from wallet_tradings where code = $1)`, code).Scan(&exists)
	return exists, classify(err)
}

func (r trades) List(ctx context.Context, f ledger.TradeFilter) ([]ledger.WalletTrading, error) {
	w := &where{}
	if f.OfficeID != "" {
		w.add("office_id = $%d", f.OfficeID)
	}
	if f.WalletID != "" {
		w.add("(wallet_id = $%[1]d or exchange_wallet_id = $%[1]d)", f.WalletID)
	}
	if f.TradingType != "" {
		w.add("trading_type = $%d", f.TradingType)
	}
	if f.State != "" {
		w.add("state = $%d", f.State)
	}
	w.period(f.Period)
	query := `select ` + tradeColumns + ` from wallet_tradings` + w.sql() + ` order by created_at, id`
	query += w.limit(f.Limit)
	rows, err := r.tx.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []ledger.WalletTrading
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

// Pendings mirrors ledger.PendingFlow in SQL.
func (r trades) Pendings(ctx context.Context, officeID, walletID string) (in, out decimal.Decimal, err error) {
	err = r.tx.QueryRowContext(ctx, `
		select
			coalesce(sum(case
				when wallet_id = $2 and trading_type = 'BUY' and state in ('REVIEW', 'PENDING') then amount
				when wallet_id = $2 and trading_type = 'DEPOSIT' and state = 'REVIEW' then amount
				when exchange_wallet_id = $2 and trading_type = 'EXCHANGE' and state = 'REVIEW' then amount * exchange_rate
				else 0 end), 0),
			coalesce(sum(case
				when wallet_id = $2 and trading_type in ('SELL', 'EXCHANGE') and state = 'REVIEW' then amount
				else 0 end), 0)
		from wallet_tradings
		where office_id = $1 and (wallet_id = $2 or exchange_wallet_id = $2)
	`, officeID, walletID).Scan(&in, &out)
	if err != nil {
		return decimal.Zero, decimal.Zero, classify(err)
	}
	return in, out, nil
}

func (r trades) Create(ctx context.Context, t *ledger.WalletTrading) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	notes, err := encode(t.Notes)
	if err != nil {
		return err
	}
	_, err = r.tx.ExecContext(ctx, `
		insert into wallet_tradings (`+tradeColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`, t.ID, t.Code, t.OfficeID, t.OrgID, t.ActivityID, t.WalletID, t.TradingType, t.Amount, t.DailyRate,
		t.TradingRate, t.ExchangeWalletID, t.ExchangeRate, t.Account, t.InitialBalance, t.Cost, t.TradingShare,
		t.Proceeds, t.State, t.CreatedBy, t.ReviewedBy, t.CreatedAt, t.UpdatedAt, notes)
	return classify(err)
}

func (r trades) Update(ctx context.Context, t ledger.WalletTrading) error {
	notes, err := encode(t.Notes)
	if err != nil {
		return err
	}
	n, err := rowsAffected(r.tx.ExecContext(ctx, `
		update wallet_tradings
		set state = $2, reviewed_by = $3, cost = $4, trading_share = $5, proceeds = $6, updated_at = $7, notes = $8
		where id = $1
	`, t.ID, t.State, t.ReviewedBy, t.Cost, t.TradingShare, t.Proceeds, t.UpdatedAt, notes))
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.NotFound("trade %s not found", t.Code)
	}
	return nil
}
