package safety

import (
	"regexp"
	"strings"

	"github.com/aixgo-dev/steward/pkg/tools"
)

const redacted = "***REDACTED***"

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)([\s:=]+["']?)([A-Za-z0-9_\-]{20,})`), "${1}${2}" + redacted},
	{regexp.MustCompile(`(?i)(token|auth|secret|password)([\s:=]+["']?)([^\s"']{8,})`), "${1}${2}" + redacted},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), redacted},
	{regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`), redacted},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
	{regexp.MustCompile(`Bearer\s+[A-Za-z0-9_\-\.]{20,}`), "Bearer " + redacted},
}

var sensitiveKeys = []string{"key", "token", "secret", "password", "credential", "auth"}

// Redact masks substrings that look like credentials.
func Redact(s string) string {
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

// RedactParams returns a copy of params with sensitive keys masked and
// string values passed through Redact.
func RedactParams(params tools.Params) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = Redact(val)
		case map[string]any:
			out[k] = RedactParams(val)
		default:
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
