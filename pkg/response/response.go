// Package response builds the {success, data, error, meta} envelope that
// every externally-visible boundary in this module returns, mapping the
// ServiceError taxonomy (infrastructure/errors) to its public shape and
// applying message sanitization (infrastructure/redaction) before an
// error crosses that boundary.
package response

import (
	"time"

	svcerrors "github.com/intentgovern/controlplane/infrastructure/errors"
	"github.com/intentgovern/controlplane/infrastructure/redaction"
)

// Envelope is the standard response shape.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
	Meta    Meta        `json:"meta"`
}

// ErrorBody is the error arm of an Envelope.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"traceId,omitempty"`
}

// Meta carries request correlation and pagination/cursor metadata.
type Meta struct {
	RequestID  string      `json:"requestId"`
	Timestamp  time.Time   `json:"timestamp"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Cursor     *Cursor     `json:"cursor,omitempty"`
}

type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Total   int  `json:"total,omitempty"`
	HasMore bool `json:"hasMore"`
}

type Cursor struct {
	Limit      int    `json:"limit"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// Success builds a successful envelope.
func Success(requestID string, now time.Time, data interface{}) Envelope {
	return Envelope{
		Success: true,
		Data:    data,
		Meta:    Meta{RequestID: requestID, Timestamp: now},
	}
}

// SuccessPaged builds a successful envelope carrying offset pagination.
func SuccessPaged(requestID string, now time.Time, data interface{}, page Pagination) Envelope {
	env := Success(requestID, now, data)
	env.Meta.Pagination = &page
	return env
}

// SuccessCursor builds a successful envelope carrying cursor pagination.
func SuccessCursor(requestID string, now time.Time, data interface{}, cursor Cursor) Envelope {
	env := Success(requestID, now, data)
	env.Meta.Cursor = &cursor
	return env
}

// Error builds an error envelope from any error. ServiceErrors are mapped
// to their taxonomy code/details; any other error is reported as an
// internal error, and the message is always sanitized before exposure.
func Error(requestID string, now time.Time, err error, traceID string) Envelope {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("internal error", err)
	}

	return Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:    string(se.Code),
			Message: redaction.SanitizeMessage(se.Message),
			Details: se.Details,
			TraceID: traceID,
		},
		Meta: Meta{RequestID: requestID, Timestamp: now},
	}
}

// HTTPStatus returns the HTTP status code associated with err, for
// callers that sit behind an HTTP transport not specified here.
func HTTPStatus(err error) int {
	return svcerrors.GetHTTPStatus(err)
}
