package whatsapp

import "strings"

// mobilePrefixDigit is the extra digit some registries inject between the
// country code and the 10-digit subscriber number (e.g. "521..." vs "52...").
const mobilePrefixDigit = "1"

const subscriberLength = 10

// NormalizeE164 ensures the value begins with + and only contains digits afterward.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := sanitizePhone(value)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// RepairRecipient normalizes to E.164 and removes the known malformed
// extra digit that appears after the country code when the remaining
// number already has the full local length. It reports whether a repair
// was applied so callers can log a warning.
func RepairRecipient(value, countryCode string) (string, bool) {
	normalized := NormalizeE164(value)
	if normalized == "" || countryCode == "" {
		return normalized, false
	}
	digits := strings.TrimPrefix(normalized, "+")
	rest, ok := strings.CutPrefix(digits, countryCode)
	if !ok {
		return normalized, false
	}
	if strings.HasPrefix(rest, mobilePrefixDigit) && len(rest) == subscriberLength+1 {
		return "+" + countryCode + rest[1:], true
	}
	return normalized, false
}

// PhoneVariants returns the set of equivalent digit strings for a phone:
// the number as given plus the form with or without the mobile-subscriber
// prefix digit after the country code. Both forms identify the same patient.
func PhoneVariants(value, countryCode string) []string {
	digits := sanitizePhone(value)
	if digits == "" {
		return nil
	}
	variants := []string{digits}
	if countryCode == "" {
		return variants
	}
	rest, ok := strings.CutPrefix(digits, countryCode)
	if !ok {
		return variants
	}
	switch {
	case strings.HasPrefix(rest, mobilePrefixDigit) && len(rest) == subscriberLength+1:
		variants = append(variants, countryCode+rest[1:])
	case len(rest) == subscriberLength:
		variants = append(variants, countryCode+mobilePrefixDigit+rest)
	}
	return variants
}

// SamePhone reports whether two raw phone values identify the same patient,
// tolerating the mobile-prefix digit.
func SamePhone(a, b, countryCode string) bool {
	for _, va := range PhoneVariants(a, countryCode) {
		for _, vb := range PhoneVariants(b, countryCode) {
			if va == vb {
				return true
			}
		}
	}
	return false
}

func sanitizePhone(value string) string {
	var digits strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String()
}
