package user

import "strings"

// maxUserIdLen bounds the full "@localpart:domain" form.
const maxUserIdLen = 255

func fitsIdLength(localpart, domain string) bool {
	return 1+len(localpart)+1+len(domain) <= maxUserIdLen
}

// IsValidLocalpart reports whether localpart satisfies the standard
// grammar: lowercase letters, digits, and any of '.', '_', '=', '-',
// '/', within the user-id length bound.
func IsValidLocalpart(localpart, domain string) bool {
	if localpart == "" || !fitsIdLength(localpart, domain) {
		return false
	}
	for i := 0; i < len(localpart); i++ {
		c := localpart[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '=' || c == '-' || c == '/':
		default:
			return false
		}
	}
	return true
}

// IsHistoricalLocalpart reports whether localpart satisfies the wider
// historical grammar: any printable ASCII except ':'. Local users must
// at least satisfy this form.
func IsHistoricalLocalpart(localpart, domain string) bool {
	if localpart == "" || !fitsIdLength(localpart, domain) {
		return false
	}
	for i := 0; i < len(localpart); i++ {
		c := localpart[i]
		if c < 0x21 || c > 0x7E || c == ':' {
			return false
		}
	}
	return true
}

// ParseId splits a "@localpart:domain" user id. The leading '@' is
// optional so bare localparts parse too, with an empty domain.
func ParseId(id string) (localpart, domain string) {
	id = strings.TrimPrefix(id, "@")
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}
