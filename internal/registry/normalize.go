package registry

import "strings"

// Normalize canonicalizes a transport address. A device or session suffix on
// the local part ("123:4@host", "123/phone@host") and a resource on the
// domain ("user@host/res") are stripped; the domain itself is kept.
func Normalize(identity string) string {
	s := strings.ToLower(strings.TrimSpace(identity))
	local, domain, hasDomain := strings.Cut(s, "@")
	if i := strings.IndexAny(local, ":/"); i >= 0 {
		local = local[:i]
	}
	if !hasDomain {
		return local
	}
	if i := strings.IndexByte(domain, '/'); i >= 0 {
		domain = domain[:i]
	}
	return local + "@" + domain
}
