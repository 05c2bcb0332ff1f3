package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sarraf.org/internal/ids"
	"sarraf.org/internal/ledger"
)

const accountColumns = `id, office_id, initials, kind, currency, balance, version, is_open, created_at`

type accounts struct{ tx *sql.Tx }

func scanAccount(row scanner) (ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(&a.ID, &a.OfficeID, &a.Initials, &a.Kind, &a.Currency, &a.Balance, &a.Version, &a.IsOpen, &a.CreatedAt)
	return a, err
}

func (r accounts) Get(ctx context.Context, id string) (ledger.Account, error) {
	a, err := scanAccount(r.tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id))
	if err != nil {
		return ledger.Account{}, one(err, "account %s not found", id)
	}
	return a, nil
}

func (r accounts) ByInitials(ctx context.Context, officeID, initials string) (ledger.Account, error) {
	a, err := scanAccount(r.tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where office_id = $1 and initials = $2`, officeID, initials))
	if err != nil {
		return ledger.Account{}, one(err, "account %s not found in office %s", initials, officeID)
	}
	return a, nil
}

func (r accounts) ByKind(ctx context.Context, officeID string, kind ledger.AccountKind) (ledger.Account, error) {
	a, err := scanAccount(r.tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where office_id = $1 and kind = $2`, officeID, kind))
	if err != nil {
		return ledger.Account{}, one(err, "office %s has no %s account", officeID, kind)
	}
	return a, nil
}

func (r accounts) ListByOffice(ctx context.Context, officeID string) ([]ledger.Account, error) {
	rows, err := r.tx.QueryContext(ctx, `select `+accountColumns+` from accounts where office_id = $1 order by initials`, officeID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

func (r accounts) Create(ctx context.Context, a *ledger.Account) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	_, err := r.tx.ExecContext(ctx, `
		insert into accounts (`+accountColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.OfficeID, a.Initials, a.Kind, a.Currency, a.Balance, a.Version, a.IsOpen, a.CreatedAt)
	return classify(err)
}

func (r accounts) Update(ctx context.Context, a ledger.Account, expected int64) error {
	n, err := rowsAffected(r.tx.ExecContext(ctx, `
		update accounts set balance = $2, is_open = $3, version = $4
		where id = $1 and version = $5
	`, a.ID, a.Balance, a.IsOpen, a.Version, expected))
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var current int64
	err = r.tx.QueryRowContext(ctx, `select version from accounts where id = $1`, a.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.NotFound("account %s not found", a.ID)
	}
	if err != nil {
		return classify(err)
	}
	return fmt.Errorf("account %s at version %d, want %d: %w", a.Initials, current, expected, ledger.ErrStaleVersion)
}
