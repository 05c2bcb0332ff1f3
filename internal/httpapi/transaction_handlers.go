package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"sarraf.org/internal/audit"
	"sarraf.org/internal/auth"
	"sarraf.org/internal/ledger"
	"sarraf.org/internal/transaction"
)

type reviewRequest struct {
	Verdict ledger.Verdict `json:"verdict"`
	Message string         `json:"message"`
}

type paymentRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Message string          `json:"message"`
}

type messageRequest struct {
	Message string `json:"message"`
}

func transactionFields(t ledger.Transaction) map[string]any {
	return map[string]any{
		"code":   t.Code,
		"kind":   string(t.Kind),
		"state":  string(t.State),
		"amount": t.Amount.String(),
	}
}

func (a *API) requestTransaction(w http.ResponseWriter, r *http.Request) {
	var req transaction.Request
	if !decodeOrReject(w, r, &req) {
		return
	}
	t, err := a.transactions.Request(r.Context(), currentUser(r), req)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "transaction.request", transactionFields(t))
	w.Header().Set("Location", "/v1/transactions/"+t.Code)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := a.transactions.Get(r.Context(), currentUser(r), chi.URLParam(r, "code"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
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
	items, err := a.transactions.List(r.Context(), currentUser(r), ledger.TransactionFilter{
		Kind:   ledger.TransactionKind(q.Get("kind")),
		State:  ledger.State(q.Get("state")),
		Period: period,
		Limit:  limit,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) transactionPayments(w http.ResponseWriter, r *http.Request) {
	items, err := a.transactions.Payments(r.Context(), currentUser(r), chi.URLParam(r, "code"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) reviewTransaction(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	t, err := a.transactions.Review(r.Context(), currentUser(r), chi.URLParam(r, "code"), req.Verdict, req.Message)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	fields := transactionFields(t)
	fields["verdict"] = string(req.Verdict)
	_ = audit.LogEvent(r.Context(), "transaction.review", fields)
	writeJSON(w, http.StatusOK, t)
}

func (a *API) addTransactionPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	res, err := a.transactions.AddPayment(r.Context(), currentUser(r), chi.URLParam(r, "code"), req.Amount, req.Message)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	fields := transactionFields(res.Transaction)
	fields["payment_id"] = res.Payment.ID
	fields["payment"] = res.Payment.Amount.String()
	fields["paid"] = res.Paid.String()
	_ = audit.LogEvent(r.Context(), "transaction.payment", fields)
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) completeTransaction(w http.ResponseWriter, r *http.Request) {
	a.transactionAction(w, r, "transaction.complete", a.transactions.Complete)
}

func (a *API) rollbackTransaction(w http.ResponseWriter, r *http.Request) {
	a.transactionAction(w, r, "transaction.rollback", a.transactions.Rollback)
}

func (a *API) addTransactionNote(w http.ResponseWriter, r *http.Request) {
	a.transactionAction(w, r, "transaction.note", a.transactions.AddNote)
}

type transactionOp = func(ctx context.Context, user auth.AuthenticatedUser, code, message string) (ledger.Transaction, error)

func (a *API) transactionAction(w http.ResponseWriter, r *http.Request, event string, op transactionOp) {
	var req messageRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	t, err := op(r.Context(), currentUser(r), chi.URLParam(r, "code"), req.Message)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, transactionFields(t))
	writeJSON(w, http.StatusOK, t)
}
