package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"sarraf.org/internal/activity"
	"sarraf.org/internal/auth"
	"sarraf.org/internal/guard"
	"sarraf.org/internal/ledger"
	"sarraf.org/internal/report"
	"sarraf.org/internal/stream"
	"sarraf.org/internal/trading"
	"sarraf.org/internal/transaction"
)

const testOffice = "of-1"

type apiClient struct {
	baseURL string
	client  *http.Client
	tokens  *auth.Tokens
	events  *stream.Stream
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	ctx := context.Background()

	store := ledger.NewInMemory()
	onboarding := ledger.NewOnboarding(store)
	if _, _, err := onboarding.OpenOffice(ctx, testOffice, "USD"); err != nil {
		t.Fatalf("open office: %v", err)
	}
	for _, initials := range []string{"MDM", "GZM"} {
		if _, err := onboarding.OpenAccount(ctx, testOffice, initials, ledger.KindCustomer, ""); err != nil {
			t.Fatalf("open account %s: %v", initials, err)
		}
	}

	if _, err := onboarding.OpenWallet(ctx, testOffice, "W-EUR", ledger.WalletSimple, "eur", "eur"); err != nil {
		t.Fatalf("open wallet: %v", err)
	}

	tokens, err := auth.NewTokens("test-secret")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	g := guard.New(store, guard.Options{Retries: 3, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	events := stream.New()
	api := New(Deps{
		Tokens:       tokens,
		Activities:   activity.New(g, events),
		Transactions: transaction.New(g, events),
		Trades:       trading.New(g, events),
		Reports:      report.New(store),
		Stream:       events,
		Version:      "test",
		RateBurst:    100,
		RatePerSec:   100,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), tokens: tokens, events: events, t: t}
}

func (c *apiClient) token(id string, roles ...string) string {
	c.t.Helper()
	tok, err := c.tokens.Generate(auth.AuthenticatedUser{ID: id, OfficeID: testOffice, OrganizationID: "org-1", Roles: roles}, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response, want int) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if resp.StatusCode != want {
		var raw bytes.Buffer
		_, _ = raw.ReadFrom(resp.Body)
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, want, raw.String())
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	c := newTestAPI(t)

	health := decode[map[string]any](t, c.do(http.MethodGet, "/healthz", "", nil), http.StatusOK)
	if health["status"] != "ok" || health["service"] != serviceName {
		t.Fatalf("unexpected health: %v", health)
	}
	ready := decode[map[string]any](t, c.do(http.MethodGet, "/readyz", "", nil), http.StatusOK)
	if ready["status"] != "ready" {
		t.Fatalf("unexpected ready: %v", ready)
	}
}

func TestAuthIsRequired(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodGet, "/v1/transactions", "", nil)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	body := decode[errorResponse](t, resp, http.StatusUnauthorized)
	if body.Error.Code != "UNAUTHORIZED" || body.RequestID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}

	decode[errorResponse](t, c.do(http.MethodGet, "/v1/transactions", "not-a-jwt", nil), http.StatusUnauthorized)

	clerk := c.token("u-clerk", auth.RoleEmployee)
	body = decode[errorResponse](t, c.do(http.MethodPost, "/v1/activities/open", clerk, nil), http.StatusForbidden)
	if body.Error.Code != "FORBIDDEN" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRequestWithoutActivity(t *testing.T) {
	c := newTestAPI(t)
	clerk := c.token("u-clerk", auth.RoleEmployee)

	body := decode[errorResponse](t, c.do(http.MethodPost, "/v1/transactions", clerk, map[string]any{
		"kind": "DEPOSIT", "amount": "100", "receiver": "MDM",
	}), http.StatusPreconditionFailed)
	if body.Error.Code != string(ledger.CodeNoActivity) {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestDepositLifecycleOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	boss := c.token("u-boss", auth.RoleManager)
	clerk := c.token("u-clerk", auth.RoleEmployee)

	act := decode[ledger.Activity](t, c.do(http.MethodPost, "/v1/activities/open", boss, map[string]any{
		"rates": map[string]string{"EUR": "0.92"},
	}), http.StatusCreated)
	if act.State != ledger.ActivityOpen {
		t.Fatalf("unexpected activity: %+v", act)
	}
	current := decode[ledger.Activity](t, c.do(http.MethodGet, "/v1/activities/current", clerk, nil), http.StatusOK)
	if current.ID != act.ID {
		t.Fatalf("current = %s, want %s", current.ID, act.ID)
	}

	resp := c.do(http.MethodPost, "/v1/transactions", clerk, map[string]any{
		"kind": "DEPOSIT", "amount": "100", "receiver": "mdm", "message": "cash in",
	})
	location := resp.Header.Get("Location")
	tr := decode[ledger.Transaction](t, resp, http.StatusCreated)
	if tr.State != ledger.StateReview || !strings.HasPrefix(tr.Code, "MDM-") {
		t.Fatalf("unexpected transaction: %+v", tr)
	}
	if location != "/v1/transactions/"+tr.Code {
		t.Fatalf("unexpected location %q", location)
	}

	decode[errorResponse](t, c.do(http.MethodPost, "/v1/transactions/"+tr.Code+"/review", clerk, map[string]any{"verdict": "APPROVE"}), http.StatusForbidden)

	tr = decode[ledger.Transaction](t, c.do(http.MethodPost, "/v1/transactions/"+tr.Code+"/review", boss, map[string]any{"verdict": "APPROVE"}), http.StatusOK)
	if tr.State != ledger.StatePaid {
		t.Fatalf("state = %s, want PAID", tr.State)
	}

	got := decode[ledger.Transaction](t, c.do(http.MethodGet, "/v1/transactions/"+tr.Code, clerk, nil), http.StatusOK)
	if got.State != ledger.StatePaid || !got.Amount.Equal(tr.Amount) {
		t.Fatalf("unexpected transaction: %+v", got)
	}

	note := decode[ledger.Transaction](t, c.do(http.MethodPost, "/v1/transactions/"+tr.Code+"/notes", clerk, map[string]any{"message": "receipt filed"}), http.StatusOK)
	if len(note.Notes) == 0 || note.Notes[len(note.Notes)-1].Message != "receipt filed" {
		t.Fatalf("note not appended: %+v", note.Notes)
	}

	list := decode[struct {
		Items []ledger.Transaction `json:"items"`
	}](t, c.do(http.MethodGet, "/v1/transactions?kind=DEPOSIT&state=PAID", clerk, nil), http.StatusOK)
	if len(list.Items) != 1 || list.Items[0].Code != tr.Code {
		t.Fatalf("unexpected list: %+v", list.Items)
	}

	sum := decode[report.Summary](t, c.do(http.MethodGet, "/v1/reports/daily", boss, nil), http.StatusOK)
	line := sum.Transactions[string(ledger.TxDeposit)]
	if line.Count != 1 || line.Paid != 1 || !line.PaidTotal.Equal(tr.Amount) {
		t.Fatalf("unexpected report line: %+v", line)
	}

	rolled := decode[ledger.Transaction](t, c.do(http.MethodPost, "/v1/transactions/"+tr.Code+"/rollback", boss, nil), http.StatusOK)
	if rolled.State != ledger.StatePending {
		t.Fatalf("state = %s, want PENDING", rolled.State)
	}
}

func TestTradeOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	boss := c.token("u-boss", auth.RoleManager)
	clerk := c.token("u-clerk", auth.RoleAgent)
	decode[ledger.Activity](t, c.do(http.MethodPost, "/v1/activities/open", boss, map[string]any{
		"rates": map[string]string{"EUR": "0.8"},
	}), http.StatusCreated)

	tr := decode[ledger.WalletTrading](t, c.do(http.MethodPost, "/v1/trades", clerk, map[string]any{
		"wallet_id": "W-EUR", "trading_type": "DEPOSIT", "amount": "100", "trading_rate": "2", "account": "GZM",
	}), http.StatusCreated)
	if tr.State != ledger.StateReview || tr.DailyRate.String() != "0.8" {
		t.Fatalf("unexpected trade: %+v", tr)
	}

	pend := decode[map[string]string](t, c.do(http.MethodGet, "/v1/wallets/W-EUR/pendings", clerk, nil), http.StatusOK)
	if pend["in"] != "100" || pend["out"] != "0" {
		t.Fatalf("unexpected pendings: %v", pend)
	}

	tr = decode[ledger.WalletTrading](t, c.do(http.MethodPost, "/v1/trades/"+tr.Code+"/review", boss, map[string]any{"verdict": "APPROVE"}), http.StatusOK)
	if tr.State != ledger.StatePaid {
		t.Fatalf("state = %s, want PAID", tr.State)
	}
	pend = decode[map[string]string](t, c.do(http.MethodGet, "/v1/wallets/W-EUR/pendings", clerk, nil), http.StatusOK)
	if pend["in"] != "0" {
		t.Fatalf("pendings after settlement: %v", pend)
	}

	list := decode[struct {
		Items []ledger.WalletTrading `json:"items"`
	}](t, c.do(http.MethodGet, "/v1/trades?wallet_id=W-EUR", clerk, nil), http.StatusOK)
	if len(list.Items) != 1 || list.Items[0].Code != tr.Code {
		t.Fatalf("unexpected list: %+v", list.Items)
	}

	body := decode[errorResponse](t, c.do(http.MethodPost, "/v1/trades/"+tr.Code+"/pay", clerk, map[string]any{"amount": "1"}), http.StatusConflict)
	if body.Error.Code != string(ledger.CodeInvalidState) {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestErrorResponses(t *testing.T) {
	c := newTestAPI(t)
	boss := c.token("u-boss", auth.RoleManager)
	decode[ledger.Activity](t, c.do(http.MethodPost, "/v1/activities/open", boss, nil), http.StatusCreated)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed json", http.MethodPost, "/v1/transactions", "{", http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown field", http.MethodPost, "/v1/transactions", `{"kind":"DEPOSIT","colour":"red"}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown kind", http.MethodPost, "/v1/transactions", map[string]any{"kind": "BARTER", "amount": "1"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"missing code", http.MethodGet, "/v1/transactions/MDM-NOPE0000", nil, http.StatusNotFound, "NOT_FOUND"},
		{"second open", http.MethodPost, "/v1/activities/open", nil, http.StatusConflict, "INVALID_STATE"},
		{"bad limit", http.MethodGet, "/v1/trades?limit=0", nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad period", http.MethodGet, "/v1/transactions?from=yesterday", nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown route", http.MethodGet, "/v1/nowhere", nil, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := decode[errorResponse](t, c.do(tc.method, tc.path, boss, tc.body), tc.status)
			if body.Error.Code != tc.code || body.Error.Message == "" {
				t.Fatalf("unexpected body: %+v", body)
			}
		})
	}
}

func TestHandleLedgerErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{ledger.NotFound("x"), http.StatusNotFound},
		{ledger.InvalidInput("x"), http.StatusBadRequest},
		{ledger.InvalidState("x"), http.StatusConflict},
		{ledger.NoActivity("of-1"), http.StatusPreconditionFailed},
		{ledger.UnhealthyInvariant("x"), http.StatusInternalServerError},
		{ledger.ErrAccountVersionMismatch, http.StatusConflict},
		{ledger.ErrDatabaseMaxRetries, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		handleLedgerError(rr, req, tc.err)
		if rr.Code != tc.status {
			t.Fatalf("%v -> %d, want %d", tc.err, rr.Code, tc.status)
		}
		var body errorResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Error.Code == "" {
			t.Fatalf("missing code for %v", tc.err)
		}
		if strings.Contains(body.Error.Message, "disk on fire") {
			t.Fatal("internal error details leaked")
		}
	}
}

func TestEventsStreamIsOfficeScoped(t *testing.T) {
	c := newTestAPI(t)
	clerk := c.token("u-clerk", auth.RoleEmployee)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+clerk)
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	deadline := time.Now().Add(time.Second)
	for c.events.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.events.Publish(stream.Event{Entity: stream.EntityTransaction, Code: "XX-OTHER", OfficeID: "of-2", State: "PAID"})
	c.events.Publish(stream.Event{Entity: stream.EntityTransaction, Code: "MDM-MINE", OfficeID: testOffice, State: "PAID"})

	buf := make([]byte, 4096)
	var seen strings.Builder
	for !strings.Contains(seen.String(), "MDM-MINE") {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("read stream: %v (so far %q)", err, seen.String())
		}
		seen.Write(buf[:n])
	}
	if strings.Contains(seen.String(), "XX-OTHER") {
		t.Fatal("received another office's event")
	}
	if !strings.Contains(seen.String(), "event: transaction") {
		t.Fatalf("missing event name: %q", seen.String())
	}
}

func TestListQueryValidation(t *testing.T) {
	if _, err := parseLimit("5000"); err == nil {
		t.Fatal("expected limit error")
	}
	if v, err := parseLimit(""); err != nil || v != 100 {
		t.Fatalf("default limit = %d, %v", v, err)
	}
	r := httptest.NewRequest(http.MethodGet, "/?"+url.Values{"from": {"2026-01-02"}, "to": {"2026-01-01"}}.Encode(), nil)
	if _, err := parsePeriod(r); err == nil {
		t.Fatal("expected inverted period error")
	}
	r = httptest.NewRequest(http.MethodGet, "/?from=2026-01-01T00:00:00Z&to=2026-01-02", nil)
	p, err := parsePeriod(r)
	if err != nil || p.To.Sub(p.From) != 24*time.Hour {
		t.Fatalf("unexpected period %+v, %v", p, err)
	}
}
