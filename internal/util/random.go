package util

import (
	"math/rand/v2"
	"strings"
)

// Record ID prefixes.
const (
	PrefixUser        = "usr_"
	PrefixInteraction = "int_"
	PrefixIncident    = "inc_"
	PrefixBroadcast   = "bc_"
	PrefixTip         = "tip_"
	PrefixJob         = "job_"
)

// DefaultIDLength is the hex length of record IDs.
const DefaultIDLength = 24

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// NewID returns a record ID with the given prefix and DefaultIDLength hex digits.
func NewID(prefix string) string {
	return GenerateRandomID(prefix, DefaultIDLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}
