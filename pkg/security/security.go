// Package security provides validation, sanitization, and limits for the
// benchwork module.
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/benchwork/benchwork/pkg/core"
)

// Limits applied at submission and persistence boundaries.
const (
	// MaxPayloadSize is the maximum size in bytes for a unit payload (1MB)
	MaxPayloadSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxSlots is the hard limit for slots in one resource class
	MaxSlots = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096
)

// ValidateKind checks a work kind against the known executor kinds.
func ValidateKind(kind core.WorkKind) error {
	switch kind {
	case core.KindKnowledgeTest, core.KindCodingTask:
		return nil
	}
	return core.ErrUnknownKind
}

// ValidateClass checks a resource class name.
func ValidateClass(class core.ResourceClass) error {
	switch class {
	case core.ClassLight, core.ClassHeavy:
		return nil
	}
	return core.ErrInvalidClass
}

// ValidatePayloadSize rejects oversized payloads before they reach storage.
func ValidatePayloadSize(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return core.ErrPayloadTooLarge
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits.
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampSlots ensures a class slot count is within limits.
func ClampSlots(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxSlots {
		return MaxSlots
	}
	return n
}
