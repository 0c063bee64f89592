package account

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultAllowedDomains lists the institutional domains accepted for signup
// when no allowlist is configured.
var DefaultAllowedDomains = []string{"pkuschool.edu.cn", "i.pkuschool.edu.cn"}

// NormalizeEmail canonicalizes an address for hashing and comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IDFromEmail derives the stable 64-bit identity of an account from its
// email address. The hash must stay identical across the whole lifecycle
// and across restarts, so the durable records remain addressable.
func IDFromEmail(email string) uint64 {
	return xxhash.Sum64String(NormalizeEmail(email))
}

// DomainAllowlist is the set of email domains eligible for registration.
type DomainAllowlist map[string]struct{}

// NewDomainAllowlist builds an allowlist from the configured domains,
// falling back to DefaultAllowedDomains when none are given.
func NewDomainAllowlist(domains []string) DomainAllowlist {
	if len(domains) == 0 {
		domains = DefaultAllowedDomains
	}
	list := make(DomainAllowlist, len(domains))
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		list[domain] = struct{}{}
	}
	return list
}

// Allows reports whether the address belongs to an allowed domain.
func (a DomainAllowlist) Allows(email string) bool {
	email = NormalizeEmail(email)
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return false
	}
	_, ok := a[email[at+1:]]
	return ok
}
