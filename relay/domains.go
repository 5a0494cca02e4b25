// Package relay decides which recipients the endpoint is willing to accept
// mail for.
package relay

import (
	"slices"
	"strings"
)

// Domains is an immutable snapshot of relay domain suffixes.
//
// A nil *Domains means no relay restriction is configured and every
// recipient is relayed. A non-nil but empty *Domains rejects everyone.
type Domains struct {
	suffixes []string
}

func NewDomains(suffixes ...string) *Domains {
	return &Domains{suffixes: slices.Clone(suffixes)}
}

func (d *Domains) Suffixes() []string {
	if d == nil {
		return nil
	}
	return slices.Clone(d.suffixes)
}

func (d *Domains) Len() int {
	if d == nil {
		return 0
	}
	return len(d.suffixes)
}

func (d *Domains) String() string {
	if d == nil {
		return "*"
	}
	return "[" + strings.Join(d.suffixes, ",") + "]"
}

// IsRelayed reports whether recipient may be relayed under allowed.
//
// Matching is a raw string suffix test with no case folding and no
// domain-label boundary: "example.com" also matches "user@notexample.com".
// Existing relay configurations depend on this, so it is kept as is.
func IsRelayed(recipient string, allowed *Domains) bool {
	if allowed == nil {
		return true
	}
	for _, suffix := range allowed.suffixes {
		if strings.HasSuffix(recipient, suffix) {
			return true
		}
	}
	return false
}
