package loadbalancer

import (
	"github.com/cespare/xxhash/v2"
)

// IPHash implements sticky selection: the client IP hashes to a fixed
// position in the healthy list. Selection rehashes whenever the
// healthy set changes.
type IPHash struct {
	baseBalancer
}

// NewIPHash creates a new IP-hash balancer.
func NewIPHash(backends []*Backend) *IPHash {
	ih := &IPHash{}
	ih.initPool(backends)
	return ih
}

// NextForIP returns the backend the client IP hashes to.
func (ih *IPHash) NextForIP(ip string) *Backend {
	healthy := ih.healthyBackends()
	if len(healthy) == 0 {
		return nil
	}
	return healthy[xxhash.Sum64String(ip)%uint64(len(healthy))]
}

// Next returns a backend without request context; it behaves like a
// hash of the empty key so the interface stays usable.
func (ih *IPHash) Next() *Backend {
	return ih.NextForIP("")
}
