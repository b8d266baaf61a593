package loadbalancer

import (
	"sync/atomic"
)

// RoundRobin implements round-robin load balancing
type RoundRobin struct {
	baseBalancer
	current uint64
}

// NewRoundRobin creates a new round-robin balancer
func NewRoundRobin(backends []*Backend) *RoundRobin {
	rr := &RoundRobin{}
	rr.initPool(backends)
	return rr
}

// Next returns the next healthy backend. The healthy list is
// recomputed on health changes and read lock-free here.
func (rr *RoundRobin) Next() *Backend {
	healthy := rr.healthyBackends()
	if len(healthy) == 0 {
		return nil
	}

	idx := atomic.AddUint64(&rr.current, 1)
	return healthy[(idx-1)%uint64(len(healthy))]
}
