package generate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := map[string]string{
		"ipconfig":                   "ipconfig",
		"  dir  \n":                  "dir",
		"```cmd\nipconfig /all\n```": "ipconfig /all",
		"```\ntasklist\n```":         "tasklist",
		`"systeminfo"`:               "systeminfo",
		"'hostname'":                 "hostname",
		"`ver`":                      "ver",
		"echo `a` b":                 "echo a b",
		`findstr "error" log.txt`:    `findstr "error" log.txt`,
	}
	for in, want := range tests {
		assert.Equal(t, want, Clean(in), "input %q", in)
	}
}

func TestPassthrough(t *testing.T) {
	cmd, err := Passthrough{}.Generate(context.Background(), "  ipconfig /all ")
	require.NoError(t, err)
	assert.Equal(t, "ipconfig /all", cmd)

	_, err = Passthrough{}.Generate(context.Background(), " ")
	assert.ErrorIs(t, err, ErrGeneration)
}

func geminiServer(t *testing.T, status int, reply string, seen *geminiRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/test-model:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))
		if seen != nil {
			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(body, seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGemini(url string) *Gemini {
	return NewGemini(GeminiConfig{BaseURL: url + "/", APIKey: "secret", Model: "test-model"}, slog.Default())
}

func TestGemini_Generate(t *testing.T) {
	var seen geminiRequest
	srv := geminiServer(t, http.StatusOK,
		`{"candidates":[{"content":{"parts":[{"text":"`+"```cmd\\nipconfig\\n```"+`"}]}}]}`, &seen)

	cmd, err := newTestGemini(srv.URL).Generate(context.Background(), "show IP address")
	require.NoError(t, err)
	assert.Equal(t, "ipconfig", cmd)

	require.Len(t, seen.Contents, 1)
	assert.Equal(t, "show IP address", seen.Contents[0].Parts[0].Text)
	require.NotNil(t, seen.SystemInstruction)
	assert.Contains(t, seen.SystemInstruction.Parts[0].Text, "Windows")
	require.NotNil(t, seen.GenerationConfig)
	assert.InDelta(t, 0.1, seen.GenerationConfig.Temperature, 1e-9)
}

func TestGemini_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
	}{
		{"http error", http.StatusTooManyRequests, `{"error":{"message":"quota"}}`},
		{"bad json", http.StatusOK, `not json`},
		{"no candidates", http.StatusOK, `{"candidates":[]}`},
		{"blank text", http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"  "}]}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := geminiServer(t, tt.status, tt.reply, nil)
			_, err := newTestGemini(srv.URL).Generate(context.Background(), "list files")
			assert.ErrorIs(t, err, ErrGeneration)
		})
	}
}

func TestGemini_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer func() {
		srv.CloseClientConnections()
		srv.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestGemini(srv.URL).Generate(ctx, "list files")
	assert.ErrorIs(t, err, ErrGeneration)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeGenerator struct {
	calls atomic.Int32
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return prompt, nil
}

func TestBreaker_PassesThrough(t *testing.T) {
	inner := &fakeGenerator{}
	b := NewBreaker(inner, BreakerConfig{}, slog.Default())

	cmd, err := b.Generate(context.Background(), "dir")
	require.NoError(t, err)
	assert.Equal(t, "dir", cmd)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	inner := &fakeGenerator{err: errors.Join(ErrGeneration, errors.New("upstream 500"))}
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 3, Timeout: time.Minute}, slog.Default())
	ctx := context.Background()

	for range 3 {
		_, err := b.Generate(ctx, "dir")
		assert.ErrorIs(t, err, ErrGeneration)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Generate(ctx, "dir")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), inner.calls.Load(), "open circuit does not reach the generator")
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	inner := &fakeGenerator{err: errors.New("down")}
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 1, Timeout: 20 * time.Millisecond}, slog.Default())
	ctx := context.Background()

	_, _ = b.Generate(ctx, "dir")
	assert.Equal(t, "open", b.State())

	time.Sleep(40 * time.Millisecond)
	inner.err = nil

	cmd, err := b.Generate(ctx, "dir")
	require.NoError(t, err)
	assert.Equal(t, "dir", cmd)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_CancelledCallsDoNotTrip(t *testing.T) {
	inner := &fakeGenerator{err: context.Canceled}
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 1}, slog.Default())

	for range 3 {
		_, err := b.Generate(context.Background(), "dir")
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, "closed", b.State())
}
