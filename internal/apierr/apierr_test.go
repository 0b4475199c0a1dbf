package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) bodyError {
	t.Helper()
	var b body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b.Error
}

func TestWrite(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", NotFound(CodeAgentNotFound, "Agent not found: a"), http.StatusNotFound, CodeAgentNotFound},
		{"blocked", CommandBlocked("dangerous pattern"), http.StatusForbidden, CodeCommandBlocked},
		{"wrapped typed error", fmt.Errorf("handler: %w", InvalidRequest("bad body")), http.StatusBadRequest, CodeInvalidRequest},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
		{"disconnected", AgentDisconnected("a", errors.New("closed")), http.StatusServiceUnavailable, CodeAgentDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Write(rec, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.code, decode(t, rec).Code)
		})
	}
}

func TestWrite_HidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, errors.New("sql: connection refused"))

	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, RateLimited(7))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
	b := decode(t, rec)
	assert.Equal(t, CodeRateLimited, b.Code)
	assert.Equal(t, 7, b.RetryAfter)
}

func TestCommandBlocked_KeepsReason(t *testing.T) {
	err := CommandBlocked("Command contains blocked keyword: format")
	assert.Equal(t, "Command blocked: Command contains blocked keyword: format", err.Message)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("closed")
	err := AgentDisconnected("a", cause)
	assert.ErrorIs(t, err, cause)
}

func TestParse(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, RateLimited(30))

	parsed := Parse(rec.Code, rec.Body.Bytes())
	assert.Equal(t, http.StatusTooManyRequests, parsed.Status)
	assert.Equal(t, CodeRateLimited, parsed.Code)
	assert.Equal(t, 30, parsed.RetryAfter)

	plain := Parse(http.StatusBadGateway, []byte("upstream down\n"))
	assert.Equal(t, http.StatusText(http.StatusBadGateway), plain.Code)
	assert.Equal(t, "upstream down", plain.Message)
}
