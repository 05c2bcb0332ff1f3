package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"sarraf.org/internal/audit"
	"sarraf.org/internal/auth"
	"sarraf.org/internal/ledger"
	"sarraf.org/internal/trading"
)

func tradeFields(t ledger.WalletTrading) map[string]any {
	return map[string]any{
		"code":         t.Code,
		"trading_type": string(t.TradingType),
		"wallet_id":    t.WalletID,
		"state":        string(t.State),
		"amount":       t.Amount.String(),
	}
}

func (a *API) createTrade(w http.ResponseWriter, r *http.Request) {
	var req trading.Request
	if !decodeOrReject(w, r, &req) {
		return
	}
	t, err := a.trades.Trade(r.Context(), currentUser(r), req)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "trade.create", tradeFields(t))
	w.Header().Set("Location", "/v1/trades/"+t.Code)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) getTrade(w http.ResponseWriter, r *http.Request) {
	t, err := a.trades.Get(r.Context(), currentUser(r), chi.URLParam(r, "code"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) listTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(ledger.CodeInvalidInput), err.Error())
		return
	}
	period, err := parsePeriod(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(ledger.CodeInvalidInput), err.Error())
		return
	}
	items, err := a.trades.List(r.Context(), currentUser(r), ledger.TradeFilter{
		WalletID:    q.Get("wallet_id"),
		TradingType: ledger.TradingType(q.Get("trading_type")),
		State:       ledger.State(q.Get("state")),
		Period:      period,
		Limit:       limit,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.WalletTrading{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) reviewTrade(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	t, err := a.trades.Review(r.Context(), currentUser(r), chi.URLParam(r, "code"), req.Verdict, req.Message)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	fields := tradeFields(t)
	fields["verdict"] = string(req.Verdict)
	_ = audit.LogEvent(r.Context(), "trade.review", fields)
	writeJSON(w, http.StatusOK, t)
}

func (a *API) payTrade(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	res, err := a.trades.Pay(r.Context(), currentUser(r), chi.URLParam(r, "code"), req.Amount, req.Message)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	fields := tradeFields(res.Trade)
	fields["payment_id"] = res.Payment.ID
	fields["payment"] = res.Payment.Amount.String()
	fields["paid"] = res.Paid.String()
	_ = audit.LogEvent(r.Context(), "trade.payment", fields)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) commitTrade(w http.ResponseWriter, r *http.Request) {
	a.tradeAction(w, r, "trade.commit", a.trades.Commit)
}

func (a *API) rollbackTrade(w http.ResponseWriter, r *http.Request) {
	a.tradeAction(w, r, "trade.rollback", a.trades.Rollback)
}

type tradeOp = func(ctx context.Context, user auth.AuthenticatedUser, code, message string) (ledger.WalletTrading, error)

func (a *API) tradeAction(w http.ResponseWriter, r *http.Request, event string, op tradeOp) {
	var req messageRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	t, err := op(r.Context(), currentUser(r), chi.URLParam(r, "code"), req.Message)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, tradeFields(t))
	writeJSON(w, http.StatusOK, t)
}

func (a *API) walletPendings(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	in, out, err := a.trades.Pendings(r.Context(), currentUser(r), walletID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet_id": walletID,
		"in":        in,
		"out":       out,
	})
}
