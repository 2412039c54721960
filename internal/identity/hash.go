// Package identity hashes donor identifiers and links hashed emails to
// hashed phones so attribution can cross channels without raw PII.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	emailPrefix = "em_"
	phonePrefix = "ph_"

	// digestLen is the number of hex characters kept from the SHA-256 digest.
	digestLen = 32

	phoneDigits = 10
)

var nonDigitRe = regexp.MustCompile(`\D+`)

// NormalizeEmail returns the canonical form of an email address, or "" if
// the value is not a plausible address.
func NormalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(norm.NFKC.String(raw)))
	if email == "" {
		return ""
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at != strings.LastIndexByte(email, '@') || at == len(email)-1 {
		return ""
	}
	if strings.ContainsAny(email, " \t\r\n") {
		return ""
	}
	return email
}

// NormalizePhone strips formatting and keeps the last ten digits. Values
// with fewer than ten digits return "".
func NormalizePhone(raw string) string {
	digits := nonDigitRe.ReplaceAllString(norm.NFKC.String(raw), "")
	if len(digits) < phoneDigits {
		return ""
	}
	return digits[len(digits)-phoneDigits:]
}

// HashEmail returns the storage hash of an email address, or "" when the
// input is malformed. Callers must skip records with an empty hash.
func HashEmail(raw string) string {
	email := NormalizeEmail(raw)
	if email == "" {
		return ""
	}
	return emailPrefix + digest(email)
}

// HashPhone returns the storage hash of a phone number, or "" when the
// input has fewer than ten digits.
func HashPhone(raw string) string {
	phone := NormalizePhone(raw)
	if phone == "" {
		return ""
	}
	return phonePrefix + digest(phone)
}

// IsEmailHash reports whether h looks like a value produced by HashEmail.
func IsEmailHash(h string) bool {
	return len(h) == len(emailPrefix)+digestLen && strings.HasPrefix(h, emailPrefix)
}

// IsPhoneHash reports whether h looks like a value produced by HashPhone.
func IsPhoneHash(h string) bool {
	return len(h) == len(phonePrefix)+digestLen && strings.HasPrefix(h, phonePrefix)
}

func digest(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])[:digestLen]
}
