// Package errors provides unified error handling for the intent governance core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Validation errors (1xxx)
	ErrCodeValidation ErrorCode = "VAL_1001"

	// Gate errors (2xxx)
	ErrCodeConsentRequired   ErrorCode = "GATE_2001"
	ErrCodeTrustInsufficient ErrorCode = "GATE_2002"
	ErrCodeIntentRateLimit   ErrorCode = "GATE_2003"
	ErrCodeIntentLocked      ErrorCode = "GATE_2004"

	// State machine errors (3xxx)
	ErrCodeInvalidStateTransition ErrorCode = "STATE_3001"
	ErrCodeTerminalState          ErrorCode = "STATE_3002"
	ErrCodeRequiresReason         ErrorCode = "STATE_3003"
	ErrCodeRequiresPermission     ErrorCode = "STATE_3004"

	// Resource errors (4xxx)
	ErrCodeNotFound ErrorCode = "RES_4001"
	ErrCodeConflict ErrorCode = "RES_4002"

	// Service errors (5xxx)
	ErrCodeInternal        ErrorCode = "SVC_5001"
	ErrCodeDatabase        ErrorCode = "SVC_5002"
	ErrCodeTimeout         ErrorCode = "SVC_5003"
	ErrCodeExternalService ErrorCode = "SVC_5004"
	ErrCodeCircuitOpen     ErrorCode = "SVC_5005"

	// Cryptographic errors (6xxx)
	ErrCodeEncryption ErrorCode = "CRYPTO_6001"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Validation errors

func Validation(field, reason string) *ServiceError {
	return New(ErrCodeValidation, "validation failed", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Gate errors

func ConsentRequired(userID, tenantID, consentType string) *ServiceError {
	return New(ErrCodeConsentRequired, "consent required", http.StatusForbidden).
		WithDetails("user_id", userID).
		WithDetails("tenant_id", tenantID).
		WithDetails("consent_type", consentType)
}

func TrustInsufficient(required, actual int) *ServiceError {
	return New(ErrCodeTrustInsufficient, "trust level insufficient", http.StatusForbidden).
		WithDetails("required", required).
		WithDetails("actual", actual)
}

func IntentRateLimit(tenantID string, limit int) *ServiceError {
	return New(ErrCodeIntentRateLimit, "tenant in-flight intent limit exceeded", http.StatusTooManyRequests).
		WithDetails("tenant_id", tenantID).
		WithDetails("limit", limit)
}

func IntentLocked(lockKey string) *ServiceError {
	return New(ErrCodeIntentLocked, "could not acquire deduplication lock", http.StatusConflict).
		WithDetails("lock_key", lockKey)
}

// State machine errors

func InvalidStateTransition(from, to string) *ServiceError {
	return New(ErrCodeInvalidStateTransition, "invalid state transition", http.StatusConflict).
		WithDetails("from", from).
		WithDetails("to", to)
}

func TerminalState(from string) *ServiceError {
	return New(ErrCodeTerminalState, "state is terminal", http.StatusConflict).
		WithDetails("from", from)
}

func RequiresReason(from, to string) *ServiceError {
	return New(ErrCodeRequiresReason, "transition requires a reason", http.StatusBadRequest).
		WithDetails("from", from).
		WithDetails("to", to)
}

func RequiresPermission(from, to string) *ServiceError {
	return New(ErrCodeRequiresPermission, "transition requires elevated permission", http.StatusForbidden).
		WithDetails("from", from).
		WithDetails("to", to)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabase, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func ExternalServiceError(service string, err error) *ServiceError {
	return Wrap(ErrCodeExternalService, "external service call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func CircuitOpen(name string) *ServiceError {
	return New(ErrCodeCircuitOpen, "circuit breaker open", http.StatusServiceUnavailable).
		WithDetails("breaker", name)
}

// Cryptographic errors

func EncryptionFailed(err error) *ServiceError {
	return Wrap(ErrCodeEncryption, "encryption operation failed", http.StatusInternalServerError, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
