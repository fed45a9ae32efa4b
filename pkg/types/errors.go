package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ──────────────────────────────────────────────────────────────────────────────
// Validation error (returned during local request validation)
// ──────────────────────────────────────────────────────────────────────────────

type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ──────────────────────────────────────────────────────────────────────────────
// BrokerError — structured error surfaced to callers.
// Carries enough detail to decide programmatically whether to re-request
// authorization, abort, or alert an operator. Never carries a secret value.
// ──────────────────────────────────────────────────────────────────────────────

const (
	CodeAccessDenied           = "ACCESS_DENIED"
	CodeSecretNotAvailable     = "SECRET_NOT_AVAILABLE"
	CodeTransportTimeout       = "TRANSPORT_TIMEOUT"
	CodeServerError            = "SERVER_ERROR"
	CodeClientError            = "CLIENT_ERROR"
	CodeEnvironmentUnsupported = "ENVIRONMENT_UNSUPPORTED"
	CodeValidation             = "VALIDATION_ERROR"
)

type BrokerError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
	HTTPCode  int    `json:"-"`
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WriteJSON writes the error as JSON to the response writer.
func (e *BrokerError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	code := e.HTTPCode
	if code == 0 {
		code = http.StatusInternalServerError
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(e)
}

// ──────────────────────────────────────────────────────────────────────────────
// Constructors
// ──────────────────────────────────────────────────────────────────────────────

func ErrAccessDenied(msg string) *BrokerError {
	return &BrokerError{Code: CodeAccessDenied, Message: msg, HTTPCode: http.StatusForbidden}
}

func ErrSecretNotAvailable(name string) *BrokerError {
	return &BrokerError{
		Code:     CodeSecretNotAvailable,
		Message:  fmt.Sprintf("secret %q is not part of the granted session", name),
		Details:  map[string]string{"secretName": name},
		HTTPCode: http.StatusNotFound,
	}
}

func ErrTransportTimeout(op string) *BrokerError {
	return &BrokerError{
		Code:      CodeTransportTimeout,
		Message:   fmt.Sprintf("%s exceeded its deadline", op),
		Retryable: true,
		HTTPCode:  http.StatusGatewayTimeout,
	}
}

func ErrServer(msg string, httpCode int) *BrokerError {
	return &BrokerError{Code: CodeServerError, Message: msg, Retryable: true, HTTPCode: httpCode}
}

func ErrClient(msg string, httpCode int) *BrokerError {
	return &BrokerError{Code: CodeClientError, Message: msg, HTTPCode: httpCode}
}

func ErrEnvironmentUnsupported(msg string) *BrokerError {
	return &BrokerError{Code: CodeEnvironmentUnsupported, Message: msg}
}

func ErrValidation(err error) *BrokerError {
	return &BrokerError{Code: CodeValidation, Message: err.Error(), HTTPCode: http.StatusUnprocessableEntity}
}

// FromRouterError lifts a structured router error into a BrokerError.
func FromRouterError(re *RouterError) *BrokerError {
	if re == nil {
		return ErrServer("router response carried no error detail", http.StatusBadGateway)
	}
	return &BrokerError{Code: re.Code, Message: re.Message, Details: re.Details}
}

// ──────────────────────────────────────────────────────────────────────────────
// Classification helpers
// ──────────────────────────────────────────────────────────────────────────────

// IsCode reports whether err is a BrokerError with the given code.
func IsCode(err error, code string) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Code == code
}

func IsAccessDenied(err error) bool { return IsCode(err, CodeAccessDenied) }

func IsTimeout(err error) bool { return IsCode(err, CodeTransportTimeout) }

// IsRetryable reports whether the error class may be retried by the router.
func IsRetryable(err error) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Retryable
}
