// Package activity opens and closes the daily accounting period of an office.
package activity

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"sarraf.org/internal/auth"
	"sarraf.org/internal/guard"
	"sarraf.org/internal/ledger"
	"sarraf.org/internal/obs"
	"sarraf.org/internal/stream"
)

// Publisher receives committed activity changes.
type Publisher interface {
	Publish(stream.Event)
}

// Service is the activity tracker.
type Service struct {
	g      *guard.Guard
	events Publisher
	log    *zap.Logger
}

// New returns a tracker using g for retries and invariant checks.
func New(g *guard.Guard, events Publisher) *Service {
	return &Service{g: g, events: events, log: obs.Logger().Named("activity")}
}

func validRates(rates ledger.Rates) (ledger.Rates, error) {
	out := make(ledger.Rates, len(rates))
	for cur, r := range rates {
		cur = strings.ToUpper(strings.TrimSpace(cur))
		if cur == "" {
			return nil, ledger.InvalidInput("rate currency is required")
		}
		if !r.IsPositive() {
			return nil, ledger.InvalidInput("rate for %s must be positive", cur)
		}
		out[cur] = r
	}
	return out, nil
}

func officeOf(user auth.AuthenticatedUser) (string, error) {
	if strings.TrimSpace(user.OfficeID) == "" {
		return "", ledger.InvalidInput("user %s has no office scope", user.ID)
	}
	return user.OfficeID, nil
}

// Open starts a new period for the user's office, snapshotting the fund
// balance and rates. Fails with InvalidState if one is already OPEN.
func (s *Service) Open(ctx context.Context, user auth.AuthenticatedUser, rates ledger.Rates) (ledger.Activity, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.Activity{}, err
	}
	rates, err = validRates(rates)
	if err != nil {
		return ledger.Activity{}, err
	}

	var act ledger.Activity
	err = s.g.Retry(ctx, "activity.open", func(ctx context.Context) error {
		tx, err := s.g.Store().Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if cur, err := tx.Activities().Open(ctx, officeID); err == nil {
			return ledger.InvalidState("activity %s is already open", cur.ID)
		} else if ledger.CodeOf(err) != ledger.CodeNotFound {
			return err
		}
		if err := s.healthy(ctx, tx, officeID); err != nil {
			return err
		}
		fund, err := tx.Accounts().ByKind(ctx, officeID, ledger.KindFund)
		if err != nil {
			return err
		}
		act = ledger.Activity{
			OfficeID:     officeID,
			State:        ledger.ActivityOpen,
			OpeningFund:  fund.Balance,
			OpeningRates: rates,
			StartedBy:    user.ID,
			StartedAt:    s.g.Now(),
		}
		if err := tx.Activities().Create(ctx, &act); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return ledger.Activity{}, err
	}
	s.announce(act)
	return act, nil
}

// Close ends the OPEN period of the user's office. CLOSED is terminal.
func (s *Service) Close(ctx context.Context, user auth.AuthenticatedUser, rates ledger.Rates) (ledger.Activity, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.Activity{}, err
	}
	rates, err = validRates(rates)
	if err != nil {
		return ledger.Activity{}, err
	}

	var act ledger.Activity
	err = s.g.Retry(ctx, "activity.close", func(ctx context.Context) error {
		tx, err := s.g.Store().Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		act, err = current(ctx, tx, officeID)
		if err != nil {
			return err
		}
		if err := s.healthy(ctx, tx, officeID); err != nil {
			return err
		}
		fund, err := tx.Accounts().ByKind(ctx, officeID, ledger.KindFund)
		if err != nil {
			return err
		}
		// The closing snapshot must see every committed fund movement.
		sealed := fund
		sealed.Version++
		if err := tx.Accounts().Update(ctx, sealed, fund.Version); err != nil {
			return err
		}
		now := s.g.Now()
		act.State = ledger.ActivityClosed
		act.ClosingFund = fund.Balance
		act.ClosingRates = rates
		act.ClosedBy = user.ID
		act.ClosedAt = &now
		if err := tx.Activities().Update(ctx, act); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return ledger.Activity{}, err
	}
	s.announce(act)
	return act, nil
}

// UpdateRates merges rates into the opening table of the OPEN activity.
func (s *Service) UpdateRates(ctx context.Context, user auth.AuthenticatedUser, rates ledger.Rates) (ledger.Activity, error) {
	officeID, err := officeOf(user)
	if err != nil {
		return ledger.Activity{}, err
	}
	rates, err = validRates(rates)
	if err != nil {
		return ledger.Activity{}, err
	}
	if len(rates) == 0 {
		return ledger.Activity{}, ledger.InvalidInput("no rates given")
	}

	var act ledger.Activity
	err = s.g.Retry(ctx, "activity.rates", func(ctx context.Context) error {
		tx, err := s.g.Store().Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		act, err = current(ctx, tx, officeID)
		if err != nil {
			return err
		}
		if act.OpeningRates == nil {
			act.OpeningRates = ledger.Rates{}
		}
		for cur, r := range rates {
			act.OpeningRates[cur] = r
		}
		if err := tx.Activities().Update(ctx, act); err != nil {
			return err
		}
		return tx.Commit()
	})
	return act, err
}

// Current returns the OPEN activity of officeID or NoActivity.
func (s *Service) Current(ctx context.Context, officeID string) (ledger.Activity, error) {
	var act ledger.Activity
	err := ledger.View(ctx, s.g.Store(), func(tx ledger.Tx) error {
		var err error
		act, err = current(ctx, tx, officeID)
		return err
	})
	return act, err
}

// List returns the activities of officeID started within p.
func (s *Service) List(ctx context.Context, officeID string, p ledger.Period) ([]ledger.Activity, error) {
	var out []ledger.Activity
	err := ledger.View(ctx, s.g.Store(), func(tx ledger.Tx) error {
		var err error
		out, err = tx.Activities().ListByOffice(ctx, officeID, p)
		return err
	})
	return out, err
}

func current(ctx context.Context, tx ledger.Tx, officeID string) (ledger.Activity, error) {
	act, err := tx.Activities().Open(ctx, officeID)
	if err != nil {
		if ledger.CodeOf(err) == ledger.CodeNotFound {
			return ledger.Activity{}, ledger.NoActivity(officeID)
		}
		return ledger.Activity{}, err
	}
	return act, nil
}

func (s *Service) healthy(ctx context.Context, tx ledger.Tx, officeID string) error {
	accounts, err := tx.Accounts().ListByOffice(ctx, officeID)
	if err != nil {
		return err
	}
	wallets, err := tx.Wallets().ListByOffice(ctx, officeID)
	if err != nil {
		return err
	}
	return ledger.CheckOffice(accounts, wallets, s.g.Epsilon())
}

func (s *Service) announce(act ledger.Activity) {
	obs.Transition(stream.EntityActivity, "", string(act.State))
	s.log.Info("activity transition",
		zap.String("activity_id", act.ID),
		zap.String("office_id", act.OfficeID),
		zap.String("to", string(act.State)),
	)
	if s.events != nil {
		s.events.Publish(stream.Event{
			Entity:   stream.EntityActivity,
			Code:     act.ID,
			State:    string(act.State),
			OfficeID: act.OfficeID,
		})
	}
}
