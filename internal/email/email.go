// Package email provides common email utility functions.
package email

import (
	"net/mail"
	"strings"
	"unicode"
)

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

// LocalPart returns the part of an address before the last @.
func LocalPart(email string) string {
	email = strings.TrimSpace(email)
	if addr, err := mail.ParseAddress(email); err == nil {
		email = addr.Address
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	return email[:at]
}

// DisplayName returns the trimmed first name, or a capitalized token taken
// from the address local part up to the first '.', '-' or '_'.
func DisplayName(firstName, email string) string {
	if name := strings.TrimSpace(firstName); name != "" {
		return name
	}

	local := LocalPart(email)
	if i := strings.IndexAny(local, ".-_"); i >= 0 {
		local = local[:i]
	}
	if local == "" {
		return ""
	}

	r := []rune(strings.ToLower(local))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
