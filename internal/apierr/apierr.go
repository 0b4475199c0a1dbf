// ABOUTME: Typed API errors with stable codes and HTTP status mapping
// ABOUTME: Writes the {"error":{"code","message"}} JSON body used by every API route

package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Stable error codes returned in API bodies.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeCommandBlocked    = "COMMAND_BLOCKED"
	CodeAgentNotFound     = "AGENT_NOT_FOUND"
	CodeCommandNotFound   = "COMMAND_NOT_FOUND"
	CodeGroupNotFound     = "GROUP_NOT_FOUND"
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeTemplateNotFound  = "TEMPLATE_NOT_FOUND"
	CodeQueueEmpty        = "QUEUE_EMPTY"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeMissingParameter  = "MISSING_PARAMETER"
	CodeDuplicateEntry    = "DUPLICATE_ENTRY"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeInternal          = "INTERNAL_ERROR"
	CodeDatabase          = "DATABASE_ERROR"
	CodeAIService         = "AI_SERVICE_ERROR"
	CodeAgentDisconnected = "AGENT_DISCONNECTED"
)

// Error is an error that knows how it should be presented over HTTP.
type Error struct {
	Status  int
	Code    string
	Message string
	// RetryAfter is set in seconds for rate limit denials.
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with an explicit status and code.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Wrap attaches a cause that is logged but never shown to the client.
func Wrap(err error, status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message, Err: err}
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func InvalidRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeInvalidRequest, message)
}

func MissingParameter(param string) *Error {
	return New(http.StatusBadRequest, CodeMissingParameter, "Missing required parameter: "+param)
}

func NotFound(code, message string) *Error {
	return New(http.StatusNotFound, code, message)
}

func Duplicate(resource string) *Error {
	return New(http.StatusConflict, CodeDuplicateEntry, resource+" already exists")
}

// CommandBlocked reports a guardrail rejection with the policy's reason verbatim.
func CommandBlocked(reason string) *Error {
	return New(http.StatusForbidden, CodeCommandBlocked, "Command blocked: "+reason)
}

func AgentDisconnected(agentID string, cause error) *Error {
	return Wrap(cause, http.StatusServiceUnavailable, CodeAgentDisconnected, "Agent disconnected: "+agentID)
}

func AIService(cause error) *Error {
	return Wrap(cause, http.StatusBadGateway, CodeAIService, "AI service error")
}

// RateLimited builds the admission denial for a client that should retry later.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Status:     http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("Too many requests. Please try again in %d seconds.", retryAfter),
		RetryAfter: retryAfter,
	}
}

func Internal(cause error) *Error {
	return Wrap(cause, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred")
}

// body is the wire format shared by every error response.
type body struct {
	Error bodyError `json:"error"`
}

type bodyError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// As extracts an *Error from err, falling back to an internal error.
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}

// Write renders err as a JSON error response.
func Write(w http.ResponseWriter, err error) {
	apiErr := As(err)

	w.Header().Set("Content-Type", "application/json")
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprint(apiErr.RetryAfter))
	}
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(body{Error: bodyError{
		Code:       apiErr.Code,
		Message:    apiErr.Message,
		RetryAfter: apiErr.RetryAfter,
	}})
}

// Parse decodes an error response body. Bodies that are not in the error
// format produce an error carrying the raw text.
func Parse(status int, data []byte) *Error {
	var b body
	if err := json.Unmarshal(data, &b); err != nil || b.Error.Code == "" {
		return New(status, http.StatusText(status), strings.TrimSpace(string(data)))
	}
	return &Error{
		Status:     status,
		Code:       b.Error.Code,
		Message:    b.Error.Message,
		RetryAfter: b.Error.RetryAfter,
	}
}
