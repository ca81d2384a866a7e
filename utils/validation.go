// utils/validation.go
package utils

import (
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// NormalizePhone strips spaces, dashes and parentheses.
func NormalizePhone(phone string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(phone)
}

// ValidatePhone checks if a phone number is in a valid international format
func ValidatePhone(phone string) bool {
	return phonePattern.MatchString(NormalizePhone(phone))
}

// IsE164 reports whether phone carries an explicit country code.
func IsE164(phone string) bool {
	p := NormalizePhone(phone)
	return strings.HasPrefix(p, "+") && phonePattern.MatchString(p)
}
