package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gleanhq/glean/models"
)

var (
	intPattern   = regexp.MustCompile(`-?\d[\d,]*`)
	floatPattern = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
)

// normalizeText collapses runs of whitespace to single spaces and trims
// the ends, so " In  Stock\n" and "In Stock" extract identically.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// coerceText turns raw element text into the rule's value type. The
// boolean result is false when the text does not parse as that type.
func coerceText(raw string, typ string) (any, bool) {
	switch typ {
	case models.TypeInt:
		return parseFirstInt(raw)
	case models.TypeFloat:
		return parseFirstFloat(raw)
	case models.TypeBool:
		return parseBool(raw)
	default:
		return normalizeText(raw), true
	}
}

// parseFirstInt pulls the first integer out of text like "1,234 reviews".
func parseFirstInt(s string) (any, bool) {
	m := intPattern.FindString(s)
	if m == "" {
		return nil, false
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(m, ",", ""), 10, 64)
	if err != nil {
		return nil, false
	}
	return n, true
}

// parseFirstFloat pulls the first number out of text like "$1,299.99".
func parseFirstFloat(s string) (any, bool) {
	m := floatPattern.FindString(s)
	if m == "" {
		return nil, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return nil, false
	}
	return f, true
}

func parseBool(s string) (any, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true, true
	case "false", "no", "0", "off":
		return false, true
	default:
		return nil, false
	}
}

// coerceAny maps a JSON value from a script rule onto the rule's value
// type. JavaScript numbers arrive as float64.
func coerceAny(v any, typ string) (any, bool) {
	switch typ {
	case models.TypeInt:
		switch n := v.(type) {
		case float64:
			return int64(n), true
		case int:
			return int64(n), true
		case string:
			return parseFirstInt(n)
		}
		return nil, false
	case models.TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case string:
			return parseFirstFloat(n)
		}
		return nil, false
	case models.TypeBool:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			return parseBool(b)
		}
		return nil, false
	default:
		switch s := v.(type) {
		case string:
			return normalizeText(s), true
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(s), true
		}
		return nil, false
	}
}
