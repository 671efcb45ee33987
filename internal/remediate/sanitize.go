package remediate

import "strings"

// maxParameterLength bounds action parameters after sanitization.
const maxParameterLength = 1000

// dangerousChars are stripped from action parameters before validation.
// Shell metacharacters have no legitimate place in an entity identifier.
const dangerousChars = ";&|`$()<>\"'\\\n\r"

// SanitizeParameter strips dangerous characters and truncates to the
// maximum length. Sanitizing an already-sanitized string is a no-op.
func SanitizeParameter(param string) string {
	var b strings.Builder
	b.Grow(len(param))
	for _, r := range param {
		if strings.ContainsRune(dangerousChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxParameterLength {
		out = out[:maxParameterLength]
	}
	return out
}
