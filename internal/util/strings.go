package util

import "strings"

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging token and code prefixes, where only a short prefix may
// appear in logs.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so URLs that differ only in a
// trailing slash compare equal. Used for issuer and audience comparison.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
