// Package emailnorm produces the canonical stripped form of an email
// address used as the global cache key.
//
// Stripping is deliberately conservative: lowercase plus removal of the
// plus-suffix only. Dots in the local part are kept because mail providers
// are not uniform about dot equivalence.
package emailnorm

import (
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Valid reports whether the raw address passes the conventional email regex.
// Addresses failing this check are silently dropped from submissions.
func Valid(raw string) bool {
	return emailRegex.MatchString(strings.TrimSpace(raw))
}

// Strip returns the canonical form: trimmed, lowercased, with any +tag
// suffix removed from the local part. Strip is idempotent.
func Strip(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	local, dom := email[:at], email[at+1:]
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	return local + "@" + dom
}

// Normalize validates and strips in one step. ok is false for addresses
// that fail validation; such addresses must not reach the store.
func Normalize(raw string) (stripped string, ok bool) {
	if !Valid(raw) {
		return "", false
	}
	return Strip(raw), true
}
