package pg

import (
	"context"
	"database/sql"

	"sarraf.org/internal/ids"
	"sarraf.org/internal/ledger"
)

const activityColumns = `id, office_id, state, opening_fund, closing_fund, opening_rates, closing_rates, started_by, closed_by, started_at, closed_at`

type activities struct{ tx *sql.Tx }

func scanActivity(row scanner) (ledger.Activity, error) {
	var (
		a                ledger.Activity
		opening, closing []byte
		closedAt         sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.OfficeID, &a.State, &a.OpeningFund, &a.ClosingFund, &opening, &closing,
		&a.StartedBy, &a.ClosedBy, &a.StartedAt, &closedAt); err != nil {
		return ledger.Activity{}, err
	}
	if err := decode(opening, &a.OpeningRates); err != nil {
		return ledger.Activity{}, err
	}
	if err := decode(closing, &a.ClosingRates); err != nil {
		return ledger.Activity{}, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		a.ClosedAt = &t
	}
	return a, nil
}

func (r activities) Get(ctx context.Context, id string) (ledger.Activity, error) {
	a, err := scanActivity(r.tx.QueryRowContext(ctx, `select `+activityColumns+` from activities where id = $1`, id))
	if err != nil {
		return ledger.Activity{}, one(err, "activity %s not found", id)
	}
	return a, nil
}

func (r activities) Open(ctx context.Context, officeID string) (ledger.Activity, error) {
	a, err := scanActivity(r.tx.QueryRowContext(ctx, `select `+activityColumns+` from activities where office_id = $1 and state = 'OPEN'`, officeID))
	if err != nil {
		return ledger.Activity{}, one(err, "office %s has no open activity", officeID)
	}
	return a, nil
}

func (r activities) ListByOffice(ctx context.Context, officeID string, p ledger.Period) ([]ledger.Activity, error) {
	w := &where{}
	w.add("office_id = $%d", officeID)
	if !p.From.IsZero() {
		w.add("started_at >= $%d", p.From)
	}
	if !p.To.IsZero() {
		w.add("started_at < $%d", p.To)
	}
	rows, err := r.tx.QueryContext(ctx, `select `+activityColumns+` from activities`+w.sql()+` order by started_at`, w.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []ledger.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

func (r activities) Hold(ctx context.Context, id string) error {
	var held string
	err := r.tx.QueryRowContext(ctx, `select id from activities where id = $1 and state = 'OPEN' for share`, id).Scan(&held)
	if err != nil {
		return one(err, "activity %s is not open", id)
	}
	return nil
}

func (r activities) Create(ctx context.Context, a *ledger.Activity) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	opening, err := encode(a.OpeningRates)
	if err != nil {
		return err
	}
	closing, err := encode(a.ClosingRates)
	if err != nil {
		return err
	}
	_, err = r.tx.ExecContext(ctx, `
		insert into activities (`+activityColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.OfficeID, a.State, a.OpeningFund, a.ClosingFund, opening, closing,
		a.StartedBy, a.ClosedBy, a.StartedAt, a.ClosedAt)
	return classify(err)
}

func (r activities) Update(ctx context.Context, a ledger.Activity) error {
	opening, err := encode(a.OpeningRates)
	if err != nil {
		return err
	}
	closing, err := encode(a.ClosingRates)
	if err != nil {
		return err
	}
	n, err := rowsAffected(r.tx.ExecContext(ctx, `
		update activities
		set state = $2, closing_fund = $3, opening_rates = $4, closing_rates = $5, closed_by = $6, closed_at = $7
		where id = $1
	`, a.ID, a.State, a.ClosingFund, opening, closing, a.ClosedBy, a.ClosedAt))
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.NotFound("activity %s not found", a.ID)
	}
	return nil
}
