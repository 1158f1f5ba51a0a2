// Package filter classifies captured transactions. It owns the user's domain
// filter set, the pure domain extraction used to match against it, and the
// CEL tagging rules evaluated at ingestion.
package filter

import "strings"

// ExtractDomain normalizes a URL-like string to a bare lower-case host.
//
// It accepts absolute URLs, scheme-less host/path strings, CONNECT authority
// forms ("host:443" or "CONNECT host:443") and bracketed IPv6 literals. The
// port, userinfo, path, query and fragment are removed. If nothing is left,
// the lower-cased input is returned unchanged.
func ExtractDomain(urlLike string) string {
	lowered := strings.ToLower(urlLike)
	s := strings.TrimSpace(lowered)

	s = strings.TrimPrefix(s, "connect ")
	s = strings.TrimSpace(s)

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}

	if strings.HasPrefix(s, "[") {
		// [v6]:port or [v6]
		if end := strings.Index(s, "]"); end > 0 {
			s = s[1:end]
		}
	} else if i := strings.LastIndex(s, ":"); i >= 0 && isDigits(s[i+1:]) {
		// A bare IPv6 literal has more than one colon; leave it alone.
		if strings.Count(s, ":") == 1 {
			s = s[:i]
		}
	}

	if s == "" {
		return lowered
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
