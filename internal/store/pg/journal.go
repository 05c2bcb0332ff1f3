package pg

import (
	"context"
	"database/sql"

	"sarraf.org/internal/ids"
	"sarraf.org/internal/ledger"
)

type payments struct{ tx *sql.Tx }

func (r payments) ListByOwner(ctx context.Context, owner ledger.PaymentOwner) ([]ledger.Payment, error) {
	rows, err := r.tx.QueryContext(ctx, `
		select id, owner_id, owner_type, amount, state, paid_by, paid_at, notes
		from payments
		where owner_id = $1 and owner_type = $2
		order by paid_at, id
	`, owner.ID, owner.Type)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []ledger.Payment
	for rows.Next() {
		var (
			p     ledger.Payment
			notes []byte
		)
		if err := rows.Scan(&p.ID, &p.Owner.ID, &p.Owner.Type, &p.Amount, &p.State, &p.PaidBy, &p.PaidAt, &notes); err != nil {
			return nil, err
		}
		if err := decode(notes, &p.Notes); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

func (r payments) Create(ctx context.Context, p *ledger.Payment) error {
	if p.ID == "" {
		p.ID = ids.New()
	}
	notes, err := encode(p.Notes)
	if err != nil {
		return err
	}
	_, err = r.tx.ExecContext(ctx, `
		insert into payments (id, owner_id, owner_type, amount, state, paid_by, paid_at, notes)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.Owner.ID, p.Owner.Type, p.Amount, p.State, p.PaidBy, p.PaidAt, notes)
	return classify(err)
}

func (r payments) Update(ctx context.Context, p ledger.Payment) error {
	notes, err := encode(p.Notes)
	if err != nil {
		return err
	}
	n, err := rowsAffected(r.tx.ExecContext(ctx, `update payments set state = $2, notes = $3 where id = $1`, p.ID, p.State, notes))
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.NotFound("payment %s not found", p.ID)
	}
	return nil
}

type fundCommits struct{ tx *sql.Tx }

func (r fundCommits) Append(ctx context.Context, c *ledger.FundCommit) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	_, err := r.tx.ExecContext(ctx, `
		insert into fund_commits (id, office_id, activity_id, v_from, variation, description, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.OfficeID, c.ActivityID, c.VFrom, c.Variation, c.Description, c.CreatedAt)
	return classify(err)
}

func (r fundCommits) ListByActivity(ctx context.Context, activityID string) ([]ledger.FundCommit, error) {
	rows, err := r.tx.QueryContext(ctx, `
		select id, office_id, activity_id, v_from, variation, description, created_at
		from fund_commits
		where activity_id = $1
		order by created_at, id
	`, activityID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []ledger.FundCommit
	for rows.Next() {
		var c ledger.FundCommit
		if err := rows.Scan(&c.ID, &c.OfficeID, &c.ActivityID, &c.VFrom, &c.Variation, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}
