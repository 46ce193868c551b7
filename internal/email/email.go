// Package email provides address helpers shared by the mailer and the API.
package email

import (
	"net/mail"
	"strings"
)

// ExtractDomain returns the lower-cased domain of an address, or "" when
// the address has no usable domain.
func ExtractDomain(email string) string {
	address := strings.TrimSpace(email)
	if addr, err := mail.ParseAddress(address); err == nil {
		address = addr.Address
	}
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// ExtractDomainOrDefault is ExtractDomain with a fallback
func ExtractDomainOrDefault(email, defaultDomain string) string {
	if domain := ExtractDomain(email); domain != "" {
		return domain
	}
	return defaultDomain
}

// Valid reports whether s is a single bare address such as user@host
func Valid(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == strings.TrimSpace(s) && ExtractDomain(s) != ""
}

// Format renders a display-name address; non-ASCII names are RFC 2047 encoded.
func Format(name, address string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}
