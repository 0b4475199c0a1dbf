// ABOUTME: Gemini generateContent client that converts prompts into Windows shell commands
// ABOUTME: Single request per prompt at low temperature; output is cleaned before returning

package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.5-flash"
	defaultTimeout       = 30 * time.Second
	maxErrorBody         = 512
)

const systemPrompt = `You are a Windows command-line assistant. Convert user requests into safe Windows CMD or PowerShell commands.

CRITICAL: You are running on Windows. Commands MUST be Windows-compatible.

Rules:
- Return ONLY the command, no explanations, no markdown, no backticks
- Use Windows CMD syntax (NOT Linux/bash)
- For opening programs: use "start programname" (e.g., "start control" for Control Panel)
- For PowerShell: use "powershell -Command 'Your-Command'"
- For system info: use systeminfo, wmic, tasklist, netstat
- For network: use ipconfig, ping, nslookup
- For files: use dir, type, findstr (NOT ls, cat, grep)
- Never use Linux commands (ls, cat, grep, rm, etc.)
- Never suggest destructive commands without explicit user intent
- Prefer safe, read-only commands when possible

Examples:
- "open control panel" -> start control
- "list files" -> dir
- "show IP address" -> ipconfig
- "list processes" -> tasklist
- "get system info" -> systeminfo`

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Gemini calls the Gemini REST API.
type Gemini struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewGemini creates a Gemini generator.
func NewGemini(cfg GeminiConfig, logger *slog.Logger) *Gemini {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Gemini{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "generator", "provider", "gemini"),
	}
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(geminiRequest{
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		GenerationConfig:  &generationConfig{Temperature: 0.1, MaxOutputTokens: 200},
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrGeneration, err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: building request: %v", ErrGeneration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrGeneration, err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := respBody
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return "", fmt.Errorf("%w: gemini returned %d: %s", ErrGeneration, resp.StatusCode, snippet)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrGeneration, err)
	}

	var text strings.Builder
	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
	}
	cmd := Clean(text.String())
	if cmd == "" {
		return "", fmt.Errorf("%w: empty response", ErrGeneration)
	}

	g.logger.Debug("command generated", "model", g.model, "duration", time.Since(start))
	return cmd, nil
}
