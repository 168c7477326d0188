package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/audit strings.
var secretPatterns = []*regexp.Regexp{
	// API keys and auth tokens: long hex/base64 strings after key-like prefixes.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// UUID-shaped values after auth-related prefixes.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
// Audit entries and logs pass through here before leaving the process.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactKey reports whether a key name looks secret-bearing.
func RedactKey(key string) bool {
	keyLower := strings.ToLower(strings.TrimSpace(key))
	if keyLower == "" {
		return false
	}
	sensitive := []string{"api_key", "apikey", "secret", "token", "password", "authorization", "credential", "bearer"}
	for _, s := range sensitive {
		if strings.Contains(keyLower, s) {
			return true
		}
	}
	return false
}
