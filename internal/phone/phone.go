package phone

import (
	"strings"
)

// DefaultCountryCode is used when no country code is configured
const DefaultCountryCode = "62"

const (
	minDigits = 10
	maxDigits = 15
)

// Normalize converts a phone number in any common notation into digits
// prefixed with countryCode, e.g. "0812-3456-7890" -> "6281234567890".
// It returns an empty string when raw contains no digits.
func Normalize(raw, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	countryCode = digitsOnly(countryCode)

	digits := digitsOnly(raw)
	if digits == "" {
		return ""
	}

	// International call prefix
	if strings.HasPrefix(digits, "00") {
		digits = strings.TrimLeft(digits[2:], "0")
		if digits == "" {
			return ""
		}
		return digits
	}

	// Trunk prefix
	if strings.HasPrefix(digits, "0") {
		digits = strings.TrimLeft(digits, "0")
		if digits == "" {
			return ""
		}
		return countryCode + digits
	}

	if strings.HasPrefix(digits, countryCode) {
		return digits
	}

	return countryCode + digits
}

// Valid reports whether a normalized number has a plausible length
func Valid(normalized string) bool {
	if len(normalized) < minDigits || len(normalized) > maxDigits {
		return false
	}
	return digitsOnly(normalized) == normalized
}

// Display formats a normalized number for humans
func Display(normalized string) string {
	if normalized == "" {
		return ""
	}
	return "+" + normalized
}

// Mask hides the middle of a number for logs, keeping the country code and last 3 digits
func Mask(normalized string) string {
	if len(normalized) <= 6 {
		return normalized
	}
	return normalized[:3] + strings.Repeat("*", len(normalized)-6) + normalized[len(normalized)-3:]
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
