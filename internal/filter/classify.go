package filter

import (
	"strings"

	"github.com/packetmind/packetmind/internal/txn"
)

// Classify returns the tags a transaction earns from the filter snapshot:
// {filtered} if any pattern matches, nil otherwise.
//
// A pattern matches when either the extracted domain or the raw URL contains
// it, case-insensitively. Matching the raw URL lets a filter target path or
// query text as well as the host.
func Classify(t txn.Transaction, snapshot []string) txn.Tags {
	if MatchAny(t.URL, snapshot) {
		return txn.Tags{txn.TagFiltered}
	}
	return nil
}

// MatchAny reports whether any pattern in snapshot matches url.
func MatchAny(url string, snapshot []string) bool {
	_, ok := FirstMatch(url, snapshot)
	return ok
}

// FirstMatch returns the first pattern in snapshot that matches url.
func FirstMatch(url string, snapshot []string) (string, bool) {
	if len(snapshot) == 0 {
		return "", false
	}
	domain := ExtractDomain(url)
	lowerURL := strings.ToLower(url)
	for _, p := range snapshot {
		lp := strings.ToLower(p)
		if lp == "" {
			continue
		}
		if strings.Contains(domain, lp) || strings.Contains(lowerURL, lp) {
			return p, true
		}
	}
	return "", false
}
