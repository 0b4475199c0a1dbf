// ABOUTME: Static policy applied to every command before it is queued or sent
// ABOUTME: Length cap, blocked keywords, optional first-word allowlist and dangerous patterns

package guard

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is the command length cap when none is configured.
const DefaultMaxLength = 500

// Rejection reasons.
const (
	ReasonEmpty      = "Command is empty"
	ReasonTooLong    = "Command exceeds maximum length"
	ReasonNotAllowed = "Command not in allowlist"
	ReasonDangerous  = "Potentially dangerous command detected"
)

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-rf`),
	regexp.MustCompile(`(?i)del\s+/[fs]`),
	regexp.MustCompile(`(?i)format\s+[a-z]:`),
	regexp.MustCompile(`(?i)shutdown`),
	regexp.MustCompile(`(?i)restart`),
}

// Verdict is the outcome of validating one command.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Policy holds the configured rules. The zero value applies only the default
// length cap and the built-in patterns.
type Policy struct {
	MaxLength       int
	BlockedKeywords []string
	AllowedCommands []string
}

// NewPolicy builds a policy, trimming and lowercasing the word lists and
// dropping empty entries.
func NewPolicy(maxLength int, blocked, allowed []string) *Policy {
	return &Policy{
		MaxLength:       maxLength,
		BlockedKeywords: cleanList(blocked),
		AllowedCommands: cleanList(allowed),
	}
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks command against the policy. Rules are applied in order and
// the first failure wins.
func (p *Policy) Validate(command string) Verdict {
	if strings.TrimSpace(command) == "" {
		return Verdict{Reason: ReasonEmpty}
	}

	maxLen := p.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	if utf8.RuneCountInString(command) > maxLen {
		return Verdict{Reason: ReasonTooLong}
	}

	lower := strings.ToLower(command)
	for _, kw := range p.BlockedKeywords {
		if strings.Contains(lower, kw) {
			return Verdict{Reason: fmt.Sprintf("Blocked keyword detected: %s", kw)}
		}
	}

	if len(p.AllowedCommands) > 0 {
		first, _, _ := strings.Cut(strings.TrimSpace(lower), " ")
		allowed := false
		for _, cmd := range p.AllowedCommands {
			if strings.Contains(first, cmd) {
				allowed = true
				break
			}
		}
		if !allowed {
			return Verdict{Reason: ReasonNotAllowed}
		}
	}

	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			return Verdict{Reason: ReasonDangerous}
		}
	}

	return Verdict{Allowed: true}
}
