// ABOUTME: Prompt-to-command generation interface and the passthrough generator
// ABOUTME: Also normalizes model output into a bare command line

package generate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrGeneration wraps any failure producing a command from a prompt.
	ErrGeneration = errors.New("command generation failed")

	// ErrUnavailable is returned while the generator's circuit is open.
	ErrUnavailable = errors.New("command generator unavailable")
)

// Generator turns a natural-language prompt into a shell command.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Passthrough uses the prompt itself as the command.
type Passthrough struct{}

// Generate implements Generator.
func (Passthrough) Generate(_ context.Context, prompt string) (string, error) {
	cmd := strings.TrimSpace(prompt)
	if cmd == "" {
		return "", fmt.Errorf("%w: empty prompt", ErrGeneration)
	}
	return cmd, nil
}

var fencePattern = regexp.MustCompile("```[A-Za-z0-9_+-]*\\n?")

// Clean strips code fences, surrounding quotes and backticks from model output.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	s = fencePattern.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if len(s) > 0 && strings.ContainsRune(`"'`+"`", rune(s[0])) {
		s = s[1:]
	}
	if n := len(s); n > 0 && strings.ContainsRune(`"'`+"`", rune(s[n-1])) {
		s = s[:n-1]
	}
	s = strings.ReplaceAll(s, "`", "")
	return strings.TrimSpace(s)
}
