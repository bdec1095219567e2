package service

import (
	"strings"

	"settlement-service/internal/apperr"
)

// subscriberDigits is the length of a national mobile number without its trunk prefix
const subscriberDigits = 9

// NormalizePhone converts a mobile number to international form without a plus
// sign, e.g. 0712345678 and 712345678 both become 254712345678.
func NormalizePhone(raw, countryCode string) (string, error) {
	s := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "+")

	if s == "" || strings.Trim(s, "0123456789") != "" {
		return "", apperr.Validation("invalid phone number %q", raw)
	}

	switch {
	case strings.HasPrefix(s, countryCode) && len(s) == len(countryCode)+subscriberDigits:
		if isMobilePrefix(s[len(countryCode)]) {
			return s, nil
		}
	case s[0] == '0' && len(s) == subscriberDigits+1:
		if isMobilePrefix(s[1]) {
			return countryCode + s[1:], nil
		}
	case isMobilePrefix(s[0]) && len(s) == subscriberDigits:
		return countryCode + s, nil
	}

	return "", apperr.Validation("invalid phone number %q", raw)
}

func isMobilePrefix(b byte) bool {
	return b == '7' || b == '1'
}
