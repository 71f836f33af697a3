package formatter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

// FieldType is the outbound representation of a field.
type FieldType string

const (
	TypeText        FieldType = "text"
	TypeEmail       FieldType = "email"
	TypePhone       FieldType = "phone"
	TypeBoolean     FieldType = "boolean"
	TypeMultiSelect FieldType = "multiselect"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeText, TypeEmail, TypePhone, TypeBoolean, TypeMultiSelect:
		return true
	}
	return false
}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^[\d\s\-\+\(\)\.]+$`)
)

const (
	minPhoneDigits = 10
	maxPhoneDigits = 15
)

// typeFromMetadata maps a CRM data type onto a FieldType.
func typeFromMetadata(md models.FieldMetadata) FieldType {
	switch strings.ToLower(md.DataType) {
	case "email":
		return TypeEmail
	case "phone":
		return TypePhone
	case "boolean":
		return TypeBoolean
	case "multiselectpicklist", "multiselect":
		return TypeMultiSelect
	default:
		return TypeText
	}
}

func isPhone(s string) bool {
	if !phonePattern.MatchString(s) {
		return false
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= minPhoneDigits && digits <= maxPhoneDigits
}

func isBooleanToken(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "no", "true", "false":
		return true
	}
	return false
}

// inferType guesses a FieldType from the value first and the name second.
func inferType(name string, value any) FieldType {
	switch v := value.(type) {
	case string:
		s := strings.TrimSpace(v)
		switch {
		case emailPattern.MatchString(s):
			return TypeEmail
		case isPhone(s):
			return TypePhone
		case isBooleanToken(s):
			return TypeBoolean
		}
	case bool:
		return TypeBoolean
	case []any, []string:
		return TypeMultiSelect
	}

	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "email"):
		return TypeEmail
	case strings.Contains(lower, "phone"), strings.Contains(lower, "tel"):
		return TypePhone
	case strings.Contains(lower, "consent"), strings.Contains(lower, "agree"):
		return TypeBoolean
	}
	return TypeText
}

// stringify renders a submitted value as text.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case []string:
		return strings.Join(v, ", ")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}

func toBool(value any) bool {
	if b, ok := value.(bool); ok {
		return b
	}
	switch strings.ToLower(strings.TrimSpace(stringify(value))) {
	case "yes", "true", "1":
		return true
	}
	return false
}

func joinMulti(value any) string {
	switch v := value.(type) {
	case []string:
		return strings.Join(v, ";")
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ";")
	}
	return stringify(value)
}

// truncate cuts s to max runes. A max of zero means unlimited.
func truncate(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:max]), true
}
