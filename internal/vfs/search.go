package vfs

import (
	"path"
	"strings"
)

// matcher tests node names against a search query: a case-insensitive
// substring, or a glob when the query holds glob metacharacters.
type matcher struct {
	query string
	glob  bool
}

func newMatcher(query string) matcher {
	q := strings.ToLower(query)
	glob := strings.ContainsAny(q, "*?[")
	if glob {
		if _, err := path.Match(q, ""); err != nil {
			// Malformed pattern, fall back to a literal search.
			glob = false
		}
	}
	return matcher{query: q, glob: glob}
}

func (m matcher) match(name string) bool {
	name = strings.ToLower(name)
	if m.glob {
		ok, _ := path.Match(m.query, name)
		return ok
	}
	return strings.Contains(name, m.query)
}
