package messaging

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// BeninCountryCode is prepended to local numbers.
const BeninCountryCode = "229"

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// FormatPhone canonicalizes a phone number to "+<country><number>" form.
// Local Beninese numbers (leading 0, or 8 to 9 bare digits) get +229.
func FormatPhone(raw string) string {
	raw = strings.TrimPrefix(raw, "whatsapp:")
	digits := phoneNumberRegex.ReplaceAllString(raw, "")
	if digits == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(digits, BeninCountryCode):
		return "+" + digits
	case strings.HasPrefix(digits, "0"):
		return "+" + BeninCountryCode + strings.TrimPrefix(digits, "0")
	case len(digits) == 8 || len(digits) == 9:
		return "+" + BeninCountryCode + digits
	default:
		return "+" + digits
	}
}

// canonicalRecipient validates a recipient and returns its digits-only
// international form, as the channels address users.
func canonicalRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := strings.TrimPrefix(FormatPhone(recipient), "+")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("messaging.canonicalRecipient: canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
