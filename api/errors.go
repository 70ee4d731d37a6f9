package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/points-engine/logging"
	"github.com/warp/points-engine/points"
)

// Transport-only codes. Domain codes come from points.Code.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeValidation      = "VALIDATION_ERROR"
	CodeInternal        = "INTERNAL"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error            string `json:"error"`
	Code             string `json:"code"`
	Details          string `json:"details,omitempty"`
	Available        *int64 `json:"available,omitempty"`
	BlockingDisputes *int   `json:"blocking_disputes,omitempty"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case "VALIDATION_ERROR", "INVALID_POINTS":
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case "NOT_FOUND", "COMPANY_NOT_FOUND", "OFFER_NOT_FOUND":
		return http.StatusNotFound
	case "USER_NOT_FOUND_FOR_AFFILIATE", "INSUFFICIENT_POINTS":
		return http.StatusUnprocessableEntity
	case "DUPLICATE", "BLOCKING_DISPUTE", "INVALID_TRANSITION", "ENTRY_IMMUTABLE",
		"EVENT_RESOLVED", "EVENT_NOT_APPROVED":
		return http.StatusConflict
	case "UNAVAILABLE":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError renders an error returned by the points engine.
// Internal errors are logged and their details withheld.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := points.Code(err)
	status := statusFor(code)
	resp := ErrorResponse{Error: http.StatusText(status), Code: code, Details: err.Error()}

	var ip *points.InsufficientPointsError
	if errors.As(err, &ip) {
		available := ip.Available
		resp.Available = &available
	}
	var bd *points.BlockingDisputeError
	if errors.As(err, &bd) {
		count := bd.Count
		resp.BlockingDisputes = &count
	}

	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", zap.String("code", code), zap.Error(err))
		if code == CodeInternal {
			resp.Details = ""
		}
	}
	writeJSON(w, status, resp)
}
