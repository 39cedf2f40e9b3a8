// Package filter decides which discovered filings are fetched.
package filter

import "github.com/JakeFAU/filing-archiver/internal/accession"

// Policy applies an optional allow-list and a skip-list of accession numbers.
type Policy struct {
	allow accession.Set
	skip  accession.Set
}

// New builds a Policy. Values that do not parse as accession numbers are ignored.
// An empty allow list admits everything not skipped.
func New(allow, skip []string) *Policy {
	return &Policy{allow: accession.NewSet(allow), skip: accession.NewSet(skip)}
}

// AllowFetch reports whether id passes both lists.
func (p *Policy) AllowFetch(id accession.Number) bool {
	if p == nil {
		return true
	}
	if p.allow != nil && !p.allow.Contains(id) {
		return false
	}
	return !p.skip.Contains(id)
}
