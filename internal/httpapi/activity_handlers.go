package httpapi

import (
	"context"
	"net/http"
	"time"

	"sarraf.org/internal/audit"
	"sarraf.org/internal/auth"
	"sarraf.org/internal/ledger"
)

type ratesRequest struct {
	Rates ledger.Rates `json:"rates"`
}

type activityOp = func(ctx context.Context, user auth.AuthenticatedUser, rates ledger.Rates) (ledger.Activity, error)

func (a *API) openActivity(w http.ResponseWriter, r *http.Request) {
	a.activityAction(w, r, "activity.open", http.StatusCreated, a.activities.Open)
}

func (a *API) closeActivity(w http.ResponseWriter, r *http.Request) {
	a.activityAction(w, r, "activity.close", http.StatusOK, a.activities.Close)
}

func (a *API) updateRates(w http.ResponseWriter, r *http.Request) {
	a.activityAction(w, r, "activity.rates", http.StatusOK, a.activities.UpdateRates)
}

func (a *API) activityAction(w http.ResponseWriter, r *http.Request, event string, status int, op activityOp) {
	var req ratesRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	act, err := op(r.Context(), currentUser(r), req.Rates)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"activity_id": act.ID,
		"state":       string(act.State),
		"rates":       len(req.Rates),
	})
	writeJSON(w, status, act)
}

func (a *API) currentActivity(w http.ResponseWriter, r *http.Request) {
	act, err := a.activities.Current(r.Context(), currentUser(r).OfficeID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

func (a *API) listActivities(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriod(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(ledger.CodeInvalidInput), err.Error())
		return
	}
	items, err := a.activities.List(r.Context(), currentUser(r).OfficeID, period)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// dailyReport serves the summary of ?day=YYYY-MM-DD, today by default.
func (a *API) dailyReport(w http.ResponseWriter, r *http.Request) {
	day, err := parseTime("day", r.URL.Query().Get("day"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(ledger.CodeInvalidInput), err.Error())
		return
	}
	if day.IsZero() {
		day = time.Now().UTC()
	}
	sum, err := a.reports.DailySummary(r.Context(), currentUser(r).OfficeID, day)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
