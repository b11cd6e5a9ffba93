// Package ident validates and normalizes the identifiers shared across
// stores: tenant ids, buyer emails, and magic-link run tokens.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	tenantRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	tokenRe  = regexp.MustCompile(`^ml_[0-9a-f]{48}$`)
)

// ValidTenantID reports whether id matches [A-Za-z0-9_-]{1,64}.
func ValidTenantID(id string) bool { return tenantRe.MatchString(id) }

// ValidRunToken reports whether tok matches ml_[0-9a-f]{48}.
func ValidRunToken(tok string) bool { return tokenRe.MatchString(tok) }

// NormalizeEmail lowercases and trims the address. Returns ("", false)
// when the address is empty, longer than 320 chars, contains whitespace,
// or does not have exactly one "@" with text on both sides.
func NormalizeEmail(email string) (string, bool) {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" || len(e) > 320 {
		return "", false
	}
	if strings.ContainsAny(e, " \t\r\n") {
		return "", false
	}
	at := strings.Count(e, "@")
	if at != 1 {
		return "", false
	}
	i := strings.Index(e, "@")
	if i == 0 || i == len(e)-1 {
		return "", false
	}
	return e, true
}

// KeyHash is the filename-safe SHA-256 hex of tenantId||"\n"||email,
// used to key OTP records and buyer users.
func KeyHash(tenantID, email string) string {
	sum := sha256.Sum256([]byte(tenantID + "\n" + email))
	return hex.EncodeToString(sum[:])
}

// SHA256Hex returns the hex SHA-256 of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
