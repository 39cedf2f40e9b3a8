// Package accession parses and formats filing accession numbers.
//
// An accession number is 18 digits. The archive endpoint addresses filings by the
// no-dash form (000123456724000001) while search hits and filter lists carry the
// dashed form (0001234567-24-000001). Both forms parse to the same Number.
package accession

import (
	"errors"
	"fmt"
	"strings"
)

// Width is the number of digits in a canonical accession number.
const Width = 18

// ErrInvalid is returned for values that are not accession numbers.
var ErrInvalid = errors.New("invalid accession number")

// Number is a canonical, zero-padded accession number.
type Number struct {
	digits string
}

// Parse accepts the dashed form, the no-dash form, or a shorter digit string that is
// zero-padded to Width digits.
func Parse(raw string) (Number, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), "-", "")
	if s == "" {
		return Number{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Number{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
		}
	}
	s = strings.TrimLeft(s, "0")
	if len(s) > Width {
		return Number{}, fmt.Errorf("%w: %q has more than %d digits", ErrInvalid, raw, Width)
	}
	return Number{digits: strings.Repeat("0", Width-len(s)) + s}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) Number {
	n, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return n
}

// NoDash returns the 18-digit form used to build archive URLs.
func (n Number) NoDash() string {
	return n.digits
}

// Dash returns the XXXXXXXXXX-XX-XXXXXX form used by search hits and filters.
func (n Number) Dash() string {
	if n.IsZero() {
		return ""
	}
	return n.digits[:10] + "-" + n.digits[10:12] + "-" + n.digits[12:]
}

// String implements fmt.Stringer using the dashed form.
func (n Number) String() string {
	return n.Dash()
}

// IsZero reports whether n was never parsed.
func (n Number) IsZero() bool {
	return n.digits == ""
}

// ParseAll parses every value and removes duplicates, preserving first-seen order.
// Values that fail to parse are returned separately so callers can report them.
func ParseAll(raw []string) ([]Number, map[string]error) {
	seen := make(map[Number]struct{}, len(raw))
	out := make([]Number, 0, len(raw))
	var bad map[string]error
	for _, value := range raw {
		n, err := Parse(value)
		if err != nil {
			if bad == nil {
				bad = make(map[string]error)
			}
			bad[value] = err
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, bad
}

// Set is a lookup set of accession numbers.
type Set map[Number]struct{}

// NewSet parses raw values into a Set, skipping anything that does not parse.
func NewSet(raw []string) Set {
	if len(raw) == 0 {
		return nil
	}
	set := make(Set, len(raw))
	for _, value := range raw {
		if n, err := Parse(value); err == nil {
			set[n] = struct{}{}
		}
	}
	return set
}

// Contains reports membership; a nil set contains nothing.
func (s Set) Contains(n Number) bool {
	_, ok := s[n]
	return ok
}
