package metadata

import "strings"

const (
	maskedSecret   = "********"
	maskedEmail    = "<email>"
	maxValueLength = 64
)

var sensitiveTokens = []string{"password", "secret", "token", "passcode", "otp"}

// MaskValue hides typed values before they can reach a record. Secrets are
// detected from the value itself or from the field's semantic hints.
func MaskValue(value, hints string) string {
	if value == "" {
		return ""
	}
	lowered := strings.ToLower(value)
	hints = strings.ToLower(hints)
	for _, token := range sensitiveTokens {
		if strings.Contains(lowered, token) || containsWord(hints, token) {
			return maskedSecret
		}
	}
	if strings.Contains(value, "@") && !strings.Contains(value, " ") {
		return maskedEmail
	}
	if r := []rune(value); len(r) > maxValueLength {
		return string(r[:8]) + "..." + string(r[len(r)-4:])
	}
	return value
}

// containsWord matches token against whole hint words, so "otp" does not fire
// on "footer".
func containsWord(hints, token string) bool {
	for _, word := range strings.FieldsFunc(hints, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if word == token || (len(token) > 3 && strings.Contains(word, token)) {
			return true
		}
	}
	return false
}
