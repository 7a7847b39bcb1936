package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches token-bearing shapes in free-form strings before
// they reach logs or the audit trail.
var secretPatterns = []*regexp.Regexp{
	// key=value / key: value pairs with token-like names
	regexp.MustCompile(`(?i)(token|secret|api[_-]?key|authorization|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// agent and boss tokens carry a recognizable prefix
	regexp.MustCompile(`\bhb_[0-9a-f]{16,}\b`),
}

// Redact replaces token-bearing patterns in the input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, pat := range secretPatterns {
		out = pat.ReplaceAllStringFunc(out, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 {
				return sub[1] + "=" + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

// SecretKey reports whether a field name should never have its value logged.
func SecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "credential"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactValue returns the value unchanged unless its key looks secret.
func RedactValue(key, value string) string {
	if SecretKey(key) {
		return redactedPlaceholder
	}
	return value
}
