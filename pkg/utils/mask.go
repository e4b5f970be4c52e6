package utils

import (
	"regexp"
	"strings"
)

var dsnPasswordRegex = regexp.MustCompile(`(:)([^:@]+)(@)`)

// MaskDSN hides the password in a connection URL before it is logged.
func MaskDSN(dsn string) string {
	return dsnPasswordRegex.ReplaceAllString(dsn, ":***@")
}

// MaskContact keeps the last two characters of a phone number or the domain
// of an email address so delivery logs stay useful without leaking PII.
func MaskContact(s string) string {
	if s == "" {
		return ""
	}
	if at := strings.LastIndex(s, "@"); at > 0 {
		return "***" + s[at:]
	}
	if len(s) <= 2 {
		return "**"
	}
	return strings.Repeat("*", len(s)-2) + s[len(s)-2:]
}
