package types

import (
	"github.com/ivan-stragalis-trasys/FakeSMTP/relay"
)

// RelayDomainProvider returns the relay domain snapshot in effect right now.
// A nil snapshot means no relay restriction.
type RelayDomainProvider interface {
	RelayDomains() *relay.Domains
}
