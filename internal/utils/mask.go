package utils

import "strings"

// MaskSecret hides a credential for logging, keeping the last four characters
// of long values so keys can still be told apart.
func MaskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return strings.Repeat("*", 4) + s[len(s)-4:]
	}
}
