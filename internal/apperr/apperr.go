package apperr

import (
	"errors"
	"net/http"
)

// Error is a coded application error with the HTTP status it maps to.
// The message is the public response body; internal detail stays in logs.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Authentication failures (401): the client must re-authenticate.
var (
	ErrInvalidCredentials = &Error{Code: "INVALID_CREDENTIALS", Status: http.StatusUnauthorized, Message: "invalid credentials"}
	ErrMissingToken       = &Error{Code: "MISSING_TOKEN", Status: http.StatusUnauthorized, Message: "missing authorization token"}
	ErrInvalidToken       = &Error{Code: "INVALID_TOKEN", Status: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrSessionRevoked     = &Error{Code: "SESSION_REVOKED", Status: http.StatusUnauthorized, Message: "session has been revoked"}
)

// Authorization failures (403): authenticated but not allowed.
var (
	ErrNoTenantAccess  = &Error{Code: "NO_TENANT_ACCESS", Status: http.StatusForbidden, Message: "no tenant resolvable for this request"}
	ErrTenantForbidden = &Error{Code: "TENANT_FORBIDDEN", Status: http.StatusForbidden, Message: "access denied to requested tenant"}
	ErrMenuForbidden   = &Error{Code: "MENU_FORBIDDEN", Status: http.StatusForbidden, Message: "insufficient permissions"}
	ErrMasterOnly      = &Error{Code: "MASTER_ONLY", Status: http.StatusForbidden, Message: "master privileges required"}
)

// Tenant registry failures.
var (
	ErrTenantNotFound       = &Error{Code: "TENANT_NOT_FOUND", Status: http.StatusNotFound, Message: "tenant not found"}
	ErrTenantInactive       = &Error{Code: "TENANT_INACTIVE", Status: http.StatusForbidden, Message: "tenant is inactive"}
	ErrProtectedTenant      = &Error{Code: "PROTECTED_TENANT", Status: http.StatusForbidden, Message: "tenant is protected from deletion"}
	ErrPoolExhausted        = &Error{Code: "POOL_EXHAUSTED", Status: http.StatusServiceUnavailable, Message: "storage temporarily unavailable"}
	ErrTenantConnectFailure = &Error{Code: "TENANT_CONNECT_FAILURE", Status: http.StatusBadGateway, Message: "storage temporarily unavailable"}
)

// From extracts a coded error from err, unwrapping as needed.
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Status returns the HTTP status for err, defaulting to 500.
func Status(err error) int {
	if e, ok := From(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the response body message for err, hiding internal
// detail behind a generic message for uncoded errors.
func PublicMessage(err error) string {
	if e, ok := From(err); ok {
		return e.Message
	}
	return "internal error"
}
