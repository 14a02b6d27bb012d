package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// credentialPattern pairs a matcher with the submatch indexes that split
// a key prefix from the secret value; valueIdx 0 redacts the whole match.
type credentialPattern struct {
	re       *regexp.Regexp
	keepIdx  int
	valueIdx int
}

// Task errors are persisted verbatim for operators, but anything that
// flows through the logger is scrubbed against these first.
var credentialPatterns = []credentialPattern{
	// key=value style assignments with key-like prefixes.
	{
		re:       regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		keepIdx:  1,
		valueIdx: 2,
	},
	// Authorization headers.
	{
		re:       regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
		keepIdx:  1,
		valueIdx: 2,
	},
	// Google API keys stand alone, no prefix to keep.
	{
		re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	},
	// UUID-shaped tokens behind auth-related prefixes.
	{
		re:       regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
		keepIdx:  1,
		valueIdx: 2,
	},
}

var sensitiveEnvTokens = []string{
	"api_key", "apikey", "secret", "token", "password", "credential",
}

// Redact replaces credential-bearing substrings with [REDACTED], keeping
// the key prefix where one exists so the log line stays diagnosable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range credentialPatterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if p.valueIdx == 0 {
				return redactedPlaceholder
			}
			groups := p.re.FindStringSubmatch(match)
			if len(groups) > p.valueIdx {
				return groups[p.keepIdx] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

// RedactEnvValue blanks the value when the variable name looks secret.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, token := range sensitiveEnvTokens {
		if strings.Contains(lower, token) {
			return redactedPlaceholder
		}
	}
	return value
}
