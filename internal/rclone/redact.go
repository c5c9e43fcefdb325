package rclone

import (
	"regexp"
	"strings"
)

const redactedValue = "***"

var sensitiveKeys = []string{"pass", "secret", "token", "key"}

var (
	// key=value and key: value pairs whose key looks sensitive.
	secretPairPattern = regexp.MustCompile(`(?i)\b([\w-]*(?:pass|secret|token|key)[\w-]*)(\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s,;"']+)`)
	// credentials embedded in URLs, e.g. https://user:pw@host
	urlCredentialPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.\-]*://[^:/\s@]+):[^@/\s]+@`)
)

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimLeft(key, "-"))
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// RedactArgs returns a copy of args with secret values masked. Both
// "--pass=x" and "--pass x" forms are handled.
func RedactArgs(args []string) []string {
	redacted := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		switch {
		case maskNext:
			redacted[i] = redactedValue
			maskNext = false
		case strings.Contains(arg, "="):
			key, _, _ := strings.Cut(arg, "=")
			if isSensitiveKey(key) {
				redacted[i] = key + "=" + redactedValue
			} else {
				redacted[i] = urlCredentialPattern.ReplaceAllString(arg, "$1:"+redactedValue+"@")
			}
		case strings.HasPrefix(arg, "--") && isSensitiveKey(arg):
			redacted[i] = arg
			maskNext = true
		default:
			redacted[i] = urlCredentialPattern.ReplaceAllString(arg, "$1:"+redactedValue+"@")
		}
	}
	return redacted
}

// RedactText masks secrets in free-form text such as a stderr tail.
func RedactText(s string) string {
	s = urlCredentialPattern.ReplaceAllString(s, "$1:"+redactedValue+"@")
	return secretPairPattern.ReplaceAllString(s, "$1$2"+redactedValue)
}

// RedactLines applies RedactText to each line.
func RedactLines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = RedactText(l)
	}
	return out
}
