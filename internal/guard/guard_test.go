package guard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	p := NewPolicy(40, []string{" Password ", "", "net user"}, nil)

	tests := []struct {
		name    string
		command string
		allowed bool
		reason  string
	}{
		{"plain command", "ipconfig /all", true, ""},
		{"empty", "   ", false, ReasonEmpty},
		{"too long", strings.Repeat("a", 41), false, ReasonTooLong},
		{"exactly max", strings.Repeat("a", 40), true, ""},
		{"blocked keyword any case", "type PASSWORD.txt", false, "Blocked keyword detected: password"},
		{"blocked phrase", "net user admin", false, "Blocked keyword detected: net user"},
		{"rm -rf", "rm  -rf /tmp/x", false, ReasonDangerous},
		{"del /f", "del /F c:\\temp\\a.txt", false, ReasonDangerous},
		{"del /s", "DEL /s *.log", false, ReasonDangerous},
		{"format drive", "format d:", false, ReasonDangerous},
		{"shutdown", "shutdown /s /t 0", false, ReasonDangerous},
		{"restart service", "Restart-Service spooler", false, ReasonDangerous},
		{"del without flags", "del notes.txt", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Validate(tt.command)
			assert.Equal(t, tt.allowed, v.Allowed)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestValidate_Allowlist(t *testing.T) {
	p := NewPolicy(0, nil, []string{"ipconfig", " DIR "})

	assert.True(t, p.Validate("ipconfig /all").Allowed)
	assert.True(t, p.Validate("Dir C:\\").Allowed)
	assert.True(t, p.Validate("  dir").Allowed)

	v := p.Validate("tasklist")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonNotAllowed, v.Reason)

	// allowlisted commands still pass the dangerous patterns
	v = p.Validate("dir && shutdown /r")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonDangerous, v.Reason)
}

func TestValidate_DefaultLength(t *testing.T) {
	var p Policy
	assert.True(t, p.Validate(strings.Repeat("x", DefaultMaxLength)).Allowed)
	assert.Equal(t, ReasonTooLong, p.Validate(strings.Repeat("x", DefaultMaxLength+1)).Reason)
}

func TestValidate_CountsRunes(t *testing.T) {
	p := NewPolicy(3, nil, nil)
	assert.True(t, p.Validate("héé").Allowed)
}
