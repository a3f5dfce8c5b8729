package api

import (
	"encoding/json"
	"net/http"
)

const (
	codeInvalidRequestBody = "invalid_request_body"
	codeInvalidQuery       = "invalid_query"
	codeInvalidOrder       = "invalid_order"
	codeFieldNotAllowed    = "field_not_allowed"
	codeInvalidField       = "invalid_field"
	codeInvalidStatus      = "invalid_status"
	codeInvalidTransition  = "invalid_transition"
	codeFailedOrderMissing = "failed_order_not_found"
	codeOrderMissing       = "order_not_found"
	codeRetryInProgress    = "retry_in_progress"
	codeUnsupportedWebsite = "unsupported_website"
	codeUnauthorized       = "unauthorized"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
