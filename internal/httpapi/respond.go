package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"sarraf.org/internal/ledger"
	"sarraf.org/internal/obs"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     errorBody{Code: code, Message: msg},
		RequestID: RequestIDFromContext(r),
	})
}

var statusByCode = map[ledger.Code]int{
	ledger.CodeNotFound:               http.StatusNotFound,
	ledger.CodeInvalidInput:           http.StatusBadRequest,
	ledger.CodeInvalidState:           http.StatusConflict,
	ledger.CodeNoActivity:             http.StatusPreconditionFailed,
	ledger.CodeUnhealthyInvariant:     http.StatusInternalServerError,
	ledger.CodeAccountVersionMismatch: http.StatusConflict,
	ledger.CodeDatabaseMaxRetries:     http.StatusServiceUnavailable,
}

// handleLedgerError maps typed ledger failures to statuses. Anything untyped
// is logged and reported as an internal error without details.
func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var le *ledger.Error
	if errors.As(err, &le) {
		status, ok := statusByCode[le.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		if status >= http.StatusInternalServerError {
			obs.Logger().Error("ledger failure",
				zap.String("code", string(le.Code)),
				zap.String("request_id", RequestIDFromContext(r)),
				zap.Error(err),
			)
		}
		writeError(w, r, status, string(le.Code), le.Message)
		return
	}
	obs.Logger().Error("unexpected error",
		zap.String("path", r.URL.Path),
		zap.String("request_id", RequestIDFromContext(r)),
		zap.Error(err),
	)
	writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOrReject writes a 400 and returns false when the body is unusable.
func decodeOrReject(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, string(ledger.CodeInvalidInput), err.Error())
		return false
	}
	return true
}

// decodeOptional is decodeOrReject for bodies that may be omitted.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, string(ledger.CodeInvalidInput), err.Error())
		return false
	}
	return true
}

func parseLimit(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 100, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < 1 || val > 1000 {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates (UTC midnight).
func parseTime(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, errors.New(name + " must be RFC 3339 or YYYY-MM-DD")
}

func parsePeriod(r *http.Request) (ledger.Period, error) {
	q := r.URL.Query()
	from, err := parseTime("from", q.Get("from"))
	if err != nil {
		return ledger.Period{}, err
	}
	to, err := parseTime("to", q.Get("to"))
	if err != nil {
		return ledger.Period{}, err
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return ledger.Period{}, errors.New("from must be before to")
	}
	return ledger.Period{From: from, To: to}, nil
}
