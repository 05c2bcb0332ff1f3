package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// InMemory implements Store with in-process concurrency safety. Every unit of
// work reads from a snapshot taken at Begin and buffers its writes; Commit
// validates them the way a REPEATABLE READ database would. A row rewritten by
// someone else since the snapshot fails the commit with ErrStaleVersion for
// versioned rows (accounts, wallets) and ErrTransient for everything else, as
// do duplicate codes and a second OPEN activity.
type InMemory struct {
	mu  sync.RWMutex
	rev uint64
	st  *memState
}

type memRow[T any] struct {
	val T
	rev uint64
}

type memState struct {
	accounts     map[string]memRow[Account]
	wallets      map[string]memRow[OfficeWallet]
	activities   map[string]memRow[Activity]
	transactions map[string]memRow[Transaction]
	trades       map[string]memRow[WalletTrading]
	payments     map[string]memRow[Payment]
	commits      []FundCommit
}

func copyRows[T any](in map[string]memRow[T]) map[string]memRow[T] {
	out := make(map[string]memRow[T], len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (st *memState) clone() *memState {
	return &memState{
		accounts:     copyRows(st.accounts),
		wallets:      copyRows(st.wallets),
		activities:   copyRows(st.activities),
		transactions: copyRows(st.transactions),
		trades:       copyRows(st.trades),
		payments:     copyRows(st.payments),
		commits:      st.commits[:len(st.commits):len(st.commits)],
	}
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{st: &memState{
		accounts:     make(map[string]memRow[Account]),
		wallets:      make(map[string]memRow[OfficeWallet]),
		activities:   make(map[string]memRow[Activity]),
		transactions: make(map[string]memRow[Transaction]),
		trades:       make(map[string]memRow[WalletTrading]),
		payments:     make(map[string]memRow[Payment]),
	}}
}

func (s *InMemory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	snap := s.st.clone()
	s.mu.RUnlock()
	return &memTx{
		s:            s,
		snap:         snap,
		created:      make(map[string]bool),
		held:         make(map[string]bool),
		accounts:     make(map[string]Account),
		wallets:      make(map[string]OfficeWallet),
		activities:   make(map[string]Activity),
		transactions: make(map[string]Transaction),
		trades:       make(map[string]WalletTrading),
		payments:     make(map[string]Payment),
	}, nil
}

// FundCommits returns a copy of the append-only fund journal of an office.
func (s *InMemory) FundCommits(officeID string) []FundCommit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FundCommit
	for _, c := range s.st.commits {
		if c.OfficeID == officeID {
			out = append(out, c)
		}
	}
	return out
}

type memTx struct {
	s    *InMemory
	snap *memState
	done bool

	created map[string]bool
	held    map[string]bool

	accounts     map[string]Account
	wallets      map[string]OfficeWallet
	activities   map[string]Activity
	transactions map[string]Transaction
	trades       map[string]WalletTrading
	payments     map[string]Payment
	commits      []FundCommit
}

func key(table, id string) string { return table + "/" + id }

// lookup returns the staged row if any, else the snapshot one.
func lookup[T any](staged map[string]T, snap map[string]memRow[T], id string) (T, bool) {
	if v, ok := staged[id]; ok {
		return v, true
	}
	row, ok := snap[id]
	return row.val, ok
}

// scan merges staged rows over the snapshot and returns those matching keep,
// ordered by id.
func scan[T any](staged map[string]T, snap map[string]memRow[T], keep func(T) bool) []T {
	merged := make(map[string]T, len(snap)+len(staged))
	for id, row := range snap {
		merged[id] = row.val
	}
	for id, v := range staged {
		merged[id] = v
	}
	ids := make([]string, 0, len(merged))
	for id, v := range merged {
		if keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, merged[id])
	}
	return out
}

// moved reports whether a row changed in the live state since the snapshot.
func moved[T any](live, snap map[string]memRow[T], id string) bool {
	return live[id].rev != snap[id].rev
}

func (tx *memTx) live() error {
	if tx.done {
		return fmt.Errorf("ledger: transaction already finished")
	}
	return nil
}

func (tx *memTx) Accounts() AccountRepo { return memAccounts{tx} }
func (tx *memTx) Wallets() WalletRepo { return memWallets{tx} }
func (tx *memTx) Activities() ActivityRepo { return memActivities{tx} }
func (tx *memTx) Transactions() TransactionRepo { return memTransactions{tx} }
func (tx *memTx) Trades() TradeRepo { return memTrades{tx} }
func (tx *memTx) Payments() PaymentRepo { return memPayments{tx} }
func (tx *memTx) FundCommits() FundCommitRepo { return memFundCommits{tx} }
func (tx *memTx) Rollback() error { tx.done = true; return nil }

func (tx *memTx) Commit() error {
	if err := tx.live(); err != nil {
		return err
	}
	tx.done = true

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := tx.validate(); err != nil {
		return err
	}

	s.rev++
	rev := s.rev
	st := s.st
	for id, v := range tx.accounts {
		st.accounts[id] = memRow[Account]{val: v, rev: rev}
	}
	for id, v := range tx.wallets {
		st.wallets[id] = memRow[OfficeWallet]{val: v, rev: rev}
	}
	for id, v := range tx.activities {
		st.activities[id] = memRow[Activity]{val: v, rev: rev}
	}
	for id, v := range tx.transactions {
		st.transactions[id] = memRow[Transaction]{val: v, rev: rev}
	}
	for id, v := range tx.trades {
		st.trades[id] = memRow[WalletTrading]{val: v, rev: rev}
	}
	for id, v := range tx.payments {
		st.payments[id] = memRow[Payment]{val: v, rev: rev}
	}
	st.commits = append(st.commits, tx.commits...)
	return nil
}

// validate runs under the write lock.
func (tx *memTx) validate() error {
	live := tx.s.st
	for id, acc := range tx.accounts {
		if tx.created[key("accounts", id)] {
			if _, exists := live.accounts[id]; exists {
				return fmt.Errorf("account %s: %w", id, ErrTransient)
			}
			for _, row := range live.accounts {
				if row.val.OfficeID == acc.OfficeID && row.val.Initials == acc.Initials {
					return fmt.Errorf("account initials %s: %w", acc.Initials, ErrTransient)
				}
			}
			continue
		}
		if moved(live.accounts, tx.snap.accounts, id) {
			return fmt.Errorf("account %s: %w", id, ErrStaleVersion)
		}
	}
	for id := range tx.wallets {
		if tx.created[key("wallets", id)] {
			if _, exists := live.wallets[id]; exists {
				return fmt.Errorf("wallet %s: %w", id, ErrTransient)
			}
			continue
		}
		if moved(live.wallets, tx.snap.wallets, id) {
			return fmt.Errorf("wallet %s: %w", id, ErrStaleVersion)
		}
	}
	for id, a := range tx.activities {
		if tx.created[key("activities", id)] {
			if a.State != ActivityOpen {
				continue
			}
			for _, row := range live.activities {
				if row.val.OfficeID == a.OfficeID && row.val.State == ActivityOpen {
					return fmt.Errorf("open activity for office %s: %w", a.OfficeID, ErrTransient)
				}
			}
			continue
		}
		if moved(live.activities, tx.snap.activities, id) {
			return fmt.Errorf("activity %s: %w", id, ErrTransient)
		}
	}
	for id := range tx.held {
		if moved(live.activities, tx.snap.activities, id) {
			return fmt.Errorf("held activity %s: %w", id, ErrTransient)
		}
	}
	for id, t := range tx.transactions {
		if tx.created[key("transactions", id)] {
			for _, row := range live.transactions {
				if row.val.Code == t.Code {
					return fmt.Errorf("transaction code %s: %w", t.Code, ErrTransient)
				}
			}
			continue
		}
		if moved(live.transactions, tx.snap.transactions, id) {
			return fmt.Errorf("transaction %s: %w", t.Code, ErrTransient)
		}
	}
	for id, t := range tx.trades {
		if tx.created[key("trades", id)] {
			for _, row := range live.trades {
				if row.val.Code == t.Code {
					return fmt.Errorf("trade code %s: %w", t.Code, ErrTransient)
				}
			}
			continue
		}
		if moved(live.trades, tx.snap.trades, id) {
			return fmt.Errorf("trade %s: %w", t.Code, ErrTransient)
		}
	}
	for id := range tx.payments {
		if tx.created[key("payments", id)] {
			continue
		}
		if moved(live.payments, tx.snap.payments, id) {
			return fmt.Errorf("payment %s: %w", id, ErrTransient)
		}
	}
	return nil
}

// liveMoved peeks at the live state for early conflict detection.
func liveMoved[T any](tx *memTx, pick func(*memState) map[string]memRow[T], id string) bool {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return moved(pick(tx.s.st), pick(tx.snap), id)
}

// --- accounts ---

type memAccounts struct{ tx *memTx }

func (r memAccounts) Get(ctx context.Context, id string) (Account, error) {
	acc, ok := lookup(r.tx.accounts, r.tx.snap.accounts, id)
	if !ok {
		return Account{}, NotFound("account %s not found", id)
	}
	return acc, nil
}

func (r memAccounts) ByInitials(ctx context.Context, officeID, initials string) (Account, error) {
	found := scan(r.tx.accounts, r.tx.snap.accounts, func(a Account) bool {
		return a.OfficeID == officeID && a.Initials == initials
	})
	if len(found) == 0 {
		return Account{}, NotFound("account %s not found in office %s", initials, officeID)
	}
	return found[0], nil
}

func (r memAccounts) ByKind(ctx context.Context, officeID string, kind AccountKind) (Account, error) {
	found := scan(r.tx.accounts, r.tx.snap.accounts, func(a Account) bool {
		return a.OfficeID == officeID && a.Kind == kind
	})
	if len(found) == 0 {
		return Account{}, NotFound("office %s has no %s account", officeID, kind)
	}
	return found[0], nil
}

func (r memAccounts) ListByOffice(ctx context.Context, officeID string) ([]Account, error) {
	return scan(r.tx.accounts, r.tx.snap.accounts, func(a Account) bool {
		return a.OfficeID == officeID
	}), nil
}

func (r memAccounts) Create(ctx context.Context, acc *Account) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if acc.ID == "" {
		acc.ID = newID()
	}
	r.tx.accounts[acc.ID] = *acc
	r.tx.created[key("accounts", acc.ID)] = true
	return nil
}

func (r memAccounts) Update(ctx context.Context, acc Account, expectedVersion int64) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	current, ok := lookup(r.tx.accounts, r.tx.snap.accounts, acc.ID)
	if !ok {
		return NotFound("account %s not found", acc.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("account %s: %w", acc.ID, ErrStaleVersion)
	}
	if !r.tx.created[key("accounts", acc.ID)] && liveMoved(r.tx, func(st *memState) map[string]memRow[Account] { return st.accounts }, acc.ID) {
		return fmt.Errorf("account %s: %w", acc.ID, ErrStaleVersion)
	}
	r.tx.accounts[acc.ID] = acc
	return nil
}

// --- wallets ---

type memWallets struct{ tx *memTx }

func (r memWallets) Get(ctx context.Context, id string) (OfficeWallet, error) {
	w, ok := lookup(r.tx.wallets, r.tx.snap.wallets, id)
	if !ok {
		return OfficeWallet{}, NotFound("wallet %s not found", id)
	}
	return w, nil
}

func (r memWallets) ByWalletID(ctx context.Context, officeID, walletID string) (OfficeWallet, error) {
	found := scan(r.tx.wallets, r.tx.snap.wallets, func(w OfficeWallet) bool {
		return w.OfficeID == officeID && w.WalletID == walletID
	})
	if len(found) == 0 {
		return OfficeWallet{}, NotFound("wallet %s not found in office %s", walletID, officeID)
	}
	return found[0], nil
}

func (r memWallets) ListByOffice(ctx context.Context, officeID string) ([]OfficeWallet, error) {
	return scan(r.tx.wallets, r.tx.snap.wallets, func(w OfficeWallet) bool {
		return w.OfficeID == officeID
	}), nil
}

func (r memWallets) Create(ctx context.Context, w *OfficeWallet) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if w.ID == "" {
		w.ID = newID()
	}
	r.tx.wallets[w.ID] = *w
	r.tx.created[key("wallets", w.ID)] = true
	return nil
}

func (r memWallets) Update(ctx context.Context, w OfficeWallet, expectedVersion int64) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	current, ok := lookup(r.tx.wallets, r.tx.snap.wallets, w.ID)
	if !ok {
		return NotFound("wallet %s not found", w.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("wallet %s: %w", w.ID, ErrStaleVersion)
	}
	if !r.tx.created[key("wallets", w.ID)] && liveMoved(r.tx, func(st *memState) map[string]memRow[OfficeWallet] { return st.wallets }, w.ID) {
		return fmt.Errorf("wallet %s: %w", w.ID, ErrStaleVersion)
	}
	r.tx.wallets[w.ID] = w
	return nil
}

// --- activities ---

type memActivities struct{ tx *memTx }

func (r memActivities) Get(ctx context.Context, id string) (Activity, error) {
	a, ok := lookup(r.tx.activities, r.tx.snap.activities, id)
	if !ok {
		return Activity{}, NotFound("activity %s not found", id)
	}
	return cloneActivity(a), nil
}

func (r memActivities) Open(ctx context.Context, officeID string) (Activity, error) {
	found := scan(r.tx.activities, r.tx.snap.activities, func(a Activity) bool {
		return a.OfficeID == officeID && a.State == ActivityOpen
	})
	if len(found) == 0 {
		return Activity{}, NotFound("office %s has no open activity", officeID)
	}
	return cloneActivity(found[0]), nil
}

func (r memActivities) ListByOffice(ctx context.Context, officeID string, p Period) ([]Activity, error) {
	found := scan(r.tx.activities, r.tx.snap.activities, func(a Activity) bool {
		return a.OfficeID == officeID && p.Contains(a.StartedAt)
	})
	sort.Slice(found, func(i, j int) bool { return found[i].StartedAt.Before(found[j].StartedAt) })
	for i := range found {
		found[i] = cloneActivity(found[i])
	}
	return found, nil
}

func (r memActivities) Hold(ctx context.Context, id string) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	a, ok := lookup(r.tx.activities, r.tx.snap.activities, id)
	if !ok || a.State != ActivityOpen {
		return NotFound("activity %s is not open", id)
	}
	if liveMoved(r.tx, func(st *memState) map[string]memRow[Activity] { return st.activities }, id) {
		return fmt.Errorf("activity %s: %w", id, ErrTransient)
	}
	r.tx.held[id] = true
	return nil
}

func (r memActivities) Create(ctx context.Context, a *Activity) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = newID()
	}
	r.tx.activities[a.ID] = cloneActivity(*a)
	r.tx.created[key("activities", a.ID)] = true
	return nil
}

func (r memActivities) Update(ctx context.Context, a Activity) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if _, ok := lookup(r.tx.activities, r.tx.snap.activities, a.ID); !ok {
		return NotFound("activity %s not found", a.ID)
	}
	r.tx.activities[a.ID] = cloneActivity(a)
	return nil
}

func cloneActivity(a Activity) Activity {
	a.OpeningRates = a.OpeningRates.Clone()
	if a.ClosingRates != nil {
		a.ClosingRates = a.ClosingRates.Clone()
	}
	return a
}

// --- transactions ---

type memTransactions struct{ tx *memTx }

func (r memTransactions) ByCode(ctx context.Context, code string) (Transaction, error) {
	found := scan(r.tx.transactions, r.tx.snap.transactions, func(t Transaction) bool {
		return t.Code == code
	})
	if len(found) == 0 {
		return Transaction{}, NotFound("transaction %s not found", code)
	}
	t := found[0]
	t.Notes = t.Notes.Clone()
	return t, nil
}

func (r memTransactions) CodeExists(ctx context.Context, code string) (bool, error) {
	found := scan(r.tx.transactions, r.tx.snap.transactions, func(t Transaction) bool {
		return t.Code == code
	})
	return len(found) > 0, nil
}

func (r memTransactions) List(ctx context.Context, f TransactionFilter) ([]Transaction, error) {
	found := scan(r.tx.transactions, r.tx.snap.transactions, func(t Transaction) bool {
		return (f.OfficeID == "" || t.OfficeID == f.OfficeID) &&
			(f.Kind == "" || t.Kind == f.Kind) &&
			(f.State == "" || t.State == f.State) &&
			f.Period.Contains(t.CreatedAt)
	})
	sort.SliceStable(found, func(i, j int) bool { return found[i].CreatedAt.Before(found[j].CreatedAt) })
	if f.Limit > 0 && len(found) > f.Limit {
		found = found[:f.Limit]
	}
	for i := range found {
		found[i].Notes = found[i].Notes.Clone()
	}
	return found, nil
}

func (r memTransactions) Create(ctx context.Context, t *Transaction) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = newID()
	}
	cp := *t
	cp.Notes = t.Notes.Clone()
	r.tx.transactions[t.ID] = cp
	r.tx.created[key("transactions", t.ID)] = true
	return nil
}

func (r memTransactions) Update(ctx context.Context, t Transaction) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if _, ok := lookup(r.tx.transactions, r.tx.snap.transactions, t.ID); !ok {
		return NotFound("transaction %s not found", t.Code)
	}
	t.Notes = t.Notes.Clone()
	r.tx.transactions[t.ID] = t
	return nil
}

// --- trades ---

type memTrades struct{ tx *memTx }

func (r memTrades) ByCode(ctx context.Context, code string) (WalletTrading, error) {
	found := scan(r.tx.trades, r.tx.snap.trades, func(t WalletTrading) bool {
		return t.Code == code
	})
	if len(found) == 0 {
		return WalletTrading{}, NotFound("trade %s not found", code)
	}
	t := found[0]
	t.Notes = t.Notes.Clone()
	return t, nil
}

func (r memTrades) CodeExists(ctx context.Context, code string) (bool, error) {
	found := scan(r.tx.trades, r.tx.snap.trades, func(t WalletTrading) bool {
		return t.Code == code
	})
	return len(found) > 0, nil
}

func (r memTrades) List(ctx context.Context, f TradeFilter) ([]WalletTrading, error) {
	found := scan(r.tx.trades, r.tx.snap.trades, func(t WalletTrading) bool {
		return (f.OfficeID == "" || t.OfficeID == f.OfficeID) &&
			(f.WalletID == "" || t.WalletID == f.WalletID || t.ExchangeWalletID == f.WalletID) &&
			(f.TradingType == "" || t.TradingType == f.TradingType) &&
			(f.State == "" || t.State == f.State) &&
			f.Period.Contains(t.CreatedAt)
	})
	sort.SliceStable(found, func(i, j int) bool { return found[i].CreatedAt.Before(found[j].CreatedAt) })
	if f.Limit > 0 && len(found) > f.Limit {
		found = found[:f.Limit]
	}
	for i := range found {
		found[i].Notes = found[i].Notes.Clone()
	}
	return found, nil
}

func (r memTrades) Pendings(ctx context.Context, officeID, walletID string) (decimal.Decimal, decimal.Decimal, error) {
	in, out := decimal.Zero, decimal.Zero
	all := scan(r.tx.trades, r.tx.snap.trades, func(t WalletTrading) bool {
		return t.OfficeID == officeID && (t.WalletID == walletID || t.ExchangeWalletID == walletID)
	})
	for _, t := range all {
		pin, pout := PendingFlow(t, walletID)
		in = in.Add(pin)
		out = out.Add(pout)
	}
	return in, out, nil
}

func (r memTrades) Create(ctx context.Context, t *WalletTrading) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = newID()
	}
	cp := *t
	cp.Notes = t.Notes.Clone()
	r.tx.trades[t.ID] = cp
	r.tx.created[key("trades", t.ID)] = true
	return nil
}

func (r memTrades) Update(ctx context.Context, t WalletTrading) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if _, ok := lookup(r.tx.trades, r.tx.snap.trades, t.ID); !ok {
		return NotFound("trade %s not found", t.Code)
	}
	t.Notes = t.Notes.Clone()
	r.tx.trades[t.ID] = t
	return nil
}

// --- payments ---

type memPayments struct{ tx *memTx }

func (r memPayments) ListByOwner(ctx context.Context, owner PaymentOwner) ([]Payment, error) {
	found := scan(r.tx.payments, r.tx.snap.payments, func(p Payment) bool {
		return p.Owner == owner
	})
	sort.SliceStable(found, func(i, j int) bool { return found[i].PaidAt.Before(found[j].PaidAt) })
	return found, nil
}

func (r memPayments) Create(ctx context.Context, p *Payment) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = newID()
	}
	r.tx.payments[p.ID] = *p
	r.tx.created[key("payments", p.ID)] = true
	return nil
}

func (r memPayments) Update(ctx context.Context, p Payment) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if _, ok := lookup(r.tx.payments, r.tx.snap.payments, p.ID); !ok {
		return NotFound("payment %s not found", p.ID)
	}
	r.tx.payments[p.ID] = p
	return nil
}

// --- fund commits ---

type memFundCommits struct{ tx *memTx }

func (r memFundCommits) Append(ctx context.Context, c *FundCommit) error {
	if err := r.tx.live(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = newID()
	}
	r.tx.commits = append(r.tx.commits, *c)
	return nil
}

func (r memFundCommits) ListByActivity(ctx context.Context, activityID string) ([]FundCommit, error) {
	var out []FundCommit
	for _, c := range r.tx.snap.commits {
		if c.ActivityID == activityID {
			out = append(out, c)
		}
	}
	for _, c := range r.tx.commits {
		if c.ActivityID == activityID {
			out = append(out, c)
		}
	}
	return out, nil
}
