// Package util provides ID generation and environment helpers for SyncPipe.
package util

import (
	"math/rand/v2"
	"strings"
)

// SubmissionIDPrefix prefixes server-generated submission IDs.
const SubmissionIDPrefix = "sub_"

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
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

// GenerateSubmissionID generates a submission ID for forms that did not
// supply one.
func GenerateSubmissionID() string {
	return GenerateRandomID(SubmissionIDPrefix, 24)
}
