package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers in transcript text when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Number masks a caller number for logging, keeping only enough of the
// tail to correlate with provider logs. Disabled redaction passes the
// number through untouched.
func Number(in string) string {
	if !enabled.Load() {
		return in
	}
	n := strings.TrimSpace(in)
	if n == "" {
		return in
	}
	digits := 0
	for _, r := range n {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 2 {
		return "***"
	}
	keep := 2
	var b strings.Builder
	seen := 0
	for _, r := range n {
		isDigit := r >= '0' && r <= '9'
		if isDigit {
			seen++
		}
		if isDigit && seen <= digits-keep {
			b.WriteRune('*')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
