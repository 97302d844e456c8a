// Package apierr содержит единый JSON-конверт ошибок API.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Коды единого конверта ошибок.
const (
	CodeValidationFailed = "validation_failed"
	CodeEmptyCart        = "empty_cart"
	CodeBookNotFound     = "book_not_found"
	CodeInvalidCoupon    = "invalid_coupon"
	CodeNotFound         = "not_found"
	CodeInvalidState     = "invalid_state"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeInternal         = "internal"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// Write пишет ошибку в едином конверте {"error":{"code","message"}}.
// Все ошибки API, включая ответы middleware и маршрутизатора, используют
// этот формат.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errorBody{Code: code, Message: message}})
}
