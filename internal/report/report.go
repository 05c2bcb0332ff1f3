// Package report aggregates office activity for back-office dashboards.
package report

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"sarraf.org/internal/ledger"
)

// Line counts the records of one transaction kind or trading type.
type Line struct {
	Count     int             `json:"count"`
	Paid      int             `json:"paid"`
	PaidTotal decimal.Decimal `json:"paid_total"`
}

// Summary is the daily view of an office. Keys of Transactions are
// transaction kinds; keys of Trades are trading types.
type Summary struct {
	OfficeID     string          `json:"office_id"`
	Day          time.Time       `json:"day"`
	Transactions map[string]Line `json:"transactions"`
	Trades       map[string]Line `json:"trades"`
}

// Reporter runs read-only queries against the ledger store.
type Reporter struct {
	store ledger.Store
}

func New(store ledger.Store) *Reporter {
	return &Reporter{store: store}
}

// DailySummary reads every transaction kind and the trades of the UTC day in
// parallel, each in its own read transaction.
func (r *Reporter) DailySummary(ctx context.Context, officeID string, day time.Time) (Summary, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	period := ledger.Period{From: start, To: start.Add(24 * time.Hour)}
	out := Summary{
		OfficeID:     officeID,
		Day:          start,
		Transactions: make(map[string]Line, len(ledger.TransactionKinds)),
		Trades:       make(map[string]Line),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range ledger.TransactionKinds {
		kind := kind
		g.Go(func() error {
			var list []ledger.Transaction
			err := ledger.View(ctx, r.store, func(tx ledger.Tx) error {
				var err error
				list, err = tx.Transactions().List(ctx, ledger.TransactionFilter{OfficeID: officeID, Kind: kind, Period: period})
				return err
			})
			if err != nil {
				return err
			}
			line := Line{PaidTotal: decimal.Zero}
			for _, t := range list {
				line.Count++
				if t.State == ledger.StatePaid {
					line.Paid++
					line.PaidTotal = line.PaidTotal.Add(t.Amount)
				}
			}
			mu.Lock()
			out.Transactions[string(kind)] = line
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		var list []ledger.WalletTrading
		err := ledger.View(ctx, r.store, func(tx ledger.Tx) error {
			var err error
			list, err = tx.Trades().List(ctx, ledger.TradeFilter{OfficeID: officeID, Period: period})
			return err
		})
		if err != nil {
			return err
		}
		lines := make(map[string]Line)
		for _, t := range list {
			line, ok := lines[string(t.TradingType)]
			if !ok {
				line.PaidTotal = decimal.Zero
			}
			line.Count++
			if t.State == ledger.StatePaid {
				line.Paid++
				line.PaidTotal = line.PaidTotal.Add(t.Amount)
			}
			lines[string(t.TradingType)] = line
		}
		mu.Lock()
		out.Trades = lines
		mu.Unlock()
		return nil
	})
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}
	return out, nil
}
