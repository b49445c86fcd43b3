// Package email provides common email types and utility functions.
package email

import (
	"net/mail"
	"strings"
)

// Recipient is one destination of a dispatch request. The body carries a
// per-recipient HTML override and is never shared across recipients once
// link tracking has been applied.
type Recipient struct {
	Email string `json:"email"`
	Body  string `json:"body"`
}

// Normalize lowercases and trims an email address so that registry lookups
// and log keys agree on a single form.
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ExtractDomain extracts the domain part from an email address.
// Returns empty string if the email is invalid.
func ExtractDomain(email string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		// Try simple extraction for malformed addresses
		at := strings.LastIndex(email, "@")
		if at <= 0 || at == len(email)-1 {
			return ""
		}
		return strings.ToLower(email[at+1:])
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return ""
	}
	return strings.ToLower(addr.Address[at+1:])
}

// ExtractDomainOrDefault extracts the domain part from an email address.
// Returns the provided default value if the email is invalid or domain is empty.
func ExtractDomainOrDefault(email, defaultDomain string) string {
	domain := ExtractDomain(email)
	if domain == "" {
		return defaultDomain
	}
	return domain
}
