package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sarraf.org/internal/activity"
	"sarraf.org/internal/auth"
	"sarraf.org/internal/obs"
	"sarraf.org/internal/report"
	"sarraf.org/internal/stream"
	"sarraf.org/internal/trading"
	"sarraf.org/internal/transaction"
)

const serviceName = "sarraf-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database; a nil DB is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the services exposed over HTTP.
type Deps struct {
	Ready        readinessChecker
	Tokens       *auth.Tokens
	Activities   *activity.Service
	Transactions *transaction.Engine
	Trades       *trading.Engine
	Reports      *report.Reporter
	Stream       *stream.Stream
	Version      string
	RateBurst    int
	RatePerSec   float64
}

// API is the HTTP layer.
type API struct {
	router       chi.Router
	ready        readinessChecker
	tokens       *auth.Tokens
	activities   *activity.Service
	transactions *transaction.Engine
	trades       *trading.Engine
	reports      *report.Reporter
	stream       *stream.Stream
	version      string
	rateBurst    int
	ratePerSec   float64
}

func New(d Deps) *API {
	a := &API{
		ready:        d.Ready,
		tokens:       d.Tokens,
		activities:   d.Activities,
		transactions: d.Transactions,
		trades:       d.Trades,
		reports:      d.Reports,
		stream:       d.Stream,
		version:      d.Version,
		rateBurst:    d.RateBurst,
		ratePerSec:   d.RatePerSec,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.Recoverer)
	r.Use(AccessLog)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimit(a.rateBurst, a.ratePerSec))
		r.Use(a.withAuth)

		r.Get("/info", a.Info)

		r.Route("/activities", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.Operators...))
				r.Get("/current", a.currentActivity)
				r.Get("/", a.listActivities)
			})
			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.Reviewers...))
				r.Post("/open", a.openActivity)
				r.Post("/close", a.closeActivity)
				r.Post("/rates", a.updateRates)
			})
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.Operators...))
				r.Get("/", a.listTransactions)
				r.Post("/", a.requestTransaction)
				r.Get("/{code}", a.getTransaction)
				r.Get("/{code}/payments", a.transactionPayments)
				r.Post("/{code}/payments", a.addTransactionPayment)
				r.Post("/{code}/complete", a.completeTransaction)
				r.Post("/{code}/notes", a.addTransactionNote)
			})
			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.Reviewers...))
				r.Post("/{code}/review", a.reviewTransaction)
				r.Post("/{code}/rollback", a.rollbackTransaction)
			})
		})

		r.Route("/trades", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.Operators...))
				r.Get("/", a.listTrades)
				r.Post("/", a.createTrade)
				r.Get("/{code}", a.getTrade)
				r.Post("/{code}/pay", a.payTrade)
				r.Post("/{code}/commit", a.commitTrade)
			})
			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.Reviewers...))
				r.Post("/{code}/review", a.reviewTrade)
				r.Post("/{code}/rollback", a.rollbackTrade)
			})
		})

		r.With(requireRole(auth.Operators...)).Get("/wallets/{walletID}/pendings", a.walletPendings)
		r.With(requireRole(auth.Reviewers...)).Get("/reports/daily", a.dailyReport)
		r.With(requireRole(auth.Operators...)).Get("/events", a.Stream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      serviceName,
		"time":      time.Now().UTC().Format(time.RFC3339),
		"version":   a.version,
		"user_id":   user.ID,
		"office_id": user.OfficeID,
		"roles":     user.Roles,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
