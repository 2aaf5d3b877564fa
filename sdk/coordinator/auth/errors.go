package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a class of coordinator failure.
type ErrorCode string

const (
	CodeNoCredentials       ErrorCode = "no_credentials"
	CodeNoRefreshToken      ErrorCode = "no_refresh_token"
	CodeTokenExpired        ErrorCode = "token_expired"
	CodeQuotaExceeded       ErrorCode = "quota_exceeded"
	CodeInvalidState        ErrorCode = "invalid_state"
	CodeOAuthExchange       ErrorCode = "oauth_exchange_failed"
	CodeAllocationNotFound  ErrorCode = "allocation_not_found"
	CodeNoProviderAvailable ErrorCode = "no_provider_available"
	CodeNetwork             ErrorCode = "network_error"
	CodeStorage             ErrorCode = "storage_error"
)

// Error describes a coordinator failure. It never carries credential material:
// only provider identifiers, HTTP status codes and a static message.
type Error struct {
	// Code is the taxonomy entry used for errors.Is matching.
	Code ErrorCode `json:"code"`
	// Provider is the provider the failure relates to, if any.
	Provider string `json:"provider,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message"`
	// HTTPStatus is the upstream status code when the failure came from an HTTP endpoint.
	HTTPStatus int `json:"http_status,omitempty"`
	// Cause is the underlying error. Callers must only attach sanitized causes.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (status %d)", e.HTTPStatus)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	var t *Error
	if errors.As(target, &t) && t != nil {
		return t.Code == e.Code
	}
	return false
}

// StatusCode exposes the upstream HTTP status for failure classification.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.HTTPStatus
}

// Sentinel errors for errors.Is matching.
var (
	ErrNoCredentials = &Error{
		Code:    CodeNoCredentials,
		Message: "no credentials configured for provider",
	}
	ErrNoRefreshToken = &Error{
		Code:    CodeNoRefreshToken,
		Message: "oauth credential has no refresh token; re-authentication required",
	}
	ErrTokenExpired = &Error{
		Code:    CodeTokenExpired,
		Message: "oauth token expired and could not be refreshed; re-authentication required",
	}
	ErrQuotaExceeded = &Error{
		Code:    CodeQuotaExceeded,
		Message: "provider quota exceeded",
	}
	ErrInvalidState = &Error{
		Code:    CodeInvalidState,
		Message: "unknown or expired oauth state",
	}
	ErrOAuthExchange = &Error{
		Code:    CodeOAuthExchange,
		Message: "oauth code exchange failed",
	}
	ErrAllocationNotFound = &Error{
		Code:    CodeAllocationNotFound,
		Message: "no active quota allocation for agent",
	}
	ErrNoProviderAvailable = &Error{
		Code:    CodeNoProviderAvailable,
		Message: "no provider available",
	}
	ErrNetwork = &Error{
		Code:    CodeNetwork,
		Message: "network request failed",
	}
	ErrStorage = &Error{
		Code:    CodeStorage,
		Message: "credential storage failed",
	}
)

// NewError derives a provider-scoped error from a sentinel.
func NewError(base *Error, provider string, cause error) *Error {
	return &Error{
		Code:     base.Code,
		Provider: provider,
		Message:  base.Message,
		Cause:    cause,
	}
}

// NewStatusError derives a provider-scoped error carrying an upstream HTTP status.
func NewStatusError(base *Error, provider string, status int) *Error {
	return &Error{
		Code:       base.Code,
		Provider:   provider,
		Message:    base.Message,
		HTTPStatus: status,
	}
}

// QuotaExceededError reports an allocation or consumption that would overrun a provider limit.
type QuotaExceededError struct {
	Provider string
	Current  int64
	Limit    int64
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s [%s]: quota exceeded (current=%d, limit=%d)", CodeQuotaExceeded, e.Provider, e.Current, e.Limit)
}

// Is matches ErrQuotaExceeded.
func (e *QuotaExceededError) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) && t != nil {
		return t.Code == CodeQuotaExceeded
	}
	return false
}

// StatusCode maps quota exhaustion onto 429 for classification.
func (e *QuotaExceededError) StatusCode() int { return 429 }

// CodeOf returns the taxonomy code carried by err, or an empty code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return CodeQuotaExceeded
	}
	var ae *Error
	if errors.As(err, &ae) && ae != nil {
		return ae.Code
	}
	return ""
}
