package loadbalancer

import (
	"net/url"
	"sync"
	"sync/atomic"
)

// Backend represents a member of an upstream pool.
type Backend struct {
	URL            string
	Weight         int
	Healthy        bool
	ActiveRequests int64
	ParsedURL      *url.URL // pre-parsed URL to avoid per-request parsing
}

// InitParsedURL pre-parses the backend URL for the proxy hot path.
func (b *Backend) InitParsedURL() {
	b.ParsedURL, _ = url.Parse(b.URL)
}

// IncrActive atomically increments the active request count.
func (b *Backend) IncrActive() { atomic.AddInt64(&b.ActiveRequests, 1) }

// DecrActive atomically decrements the active request count.
func (b *Backend) DecrActive() { atomic.AddInt64(&b.ActiveRequests, -1) }

// GetActive atomically reads the active request count.
func (b *Backend) GetActive() int64 { return atomic.LoadInt64(&b.ActiveRequests) }

// Balancer selects backends from the healthy subset of a pool.
// Next returns nil when no backend is healthy.
type Balancer interface {
	Next() *Backend
	UpdateBackends(backends []*Backend)
	MarkHealthy(url string)
	MarkUnhealthy(url string)
	Backends() []*Backend
	HealthyCount() int
}

// IPAware is a balancer that keys selection on the client IP.
type IPAware interface {
	NextForIP(ip string) *Backend
}

// baseBalancer provides common pool bookkeeping for balancers.
type baseBalancer struct {
	backends      []*Backend
	urlIndex      map[string]int // URL -> index for O(1) health marks
	cachedHealthy atomic.Value   // []*Backend, rebuilt on health changes
	mu            sync.RWMutex
}

// buildIndex rebuilds the URL index. Caller must hold the write lock.
func (b *baseBalancer) buildIndex() {
	b.urlIndex = make(map[string]int, len(b.backends))
	for i, backend := range b.backends {
		b.urlIndex[backend.URL] = i
	}
	b.rebuildHealthyCache()
}

// rebuildHealthyCache refreshes the lock-free healthy slice.
// Caller must hold the write lock.
func (b *baseBalancer) rebuildHealthyCache() {
	healthy := make([]*Backend, 0, len(b.backends))
	for _, be := range b.backends {
		if be.Healthy {
			healthy = append(healthy, be)
		}
	}
	b.cachedHealthy.Store(healthy)
}

// healthyBackends returns the pre-computed healthy slice (lock-free).
func (b *baseBalancer) healthyBackends() []*Backend {
	if v := b.cachedHealthy.Load(); v != nil {
		return v.([]*Backend)
	}
	return nil
}

// UpdateBackends replaces the pool, preserving health state for
// backends that survive the update.
func (b *baseBalancer) UpdateBackends(backends []*Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, backend := range backends {
		if backend.Weight == 0 {
			backend.Weight = 1
		}
		if idx, ok := b.urlIndex[backend.URL]; ok {
			backend.Healthy = b.backends[idx].Healthy
		} else {
			backend.Healthy = true
		}
	}

	b.backends = backends
	b.buildIndex()
}

// MarkHealthy marks a backend as healthy
func (b *baseBalancer) MarkHealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.urlIndex[url]; ok && !b.backends[idx].Healthy {
		b.backends[idx].Healthy = true
		b.rebuildHealthyCache()
	}
}

// MarkUnhealthy marks a backend as unhealthy
func (b *baseBalancer) MarkUnhealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.urlIndex[url]; ok && b.backends[idx].Healthy {
		b.backends[idx].Healthy = false
		b.rebuildHealthyCache()
	}
}

// Backends returns the pool members (shared pointers, so active
// request counters stay live).
func (b *baseBalancer) Backends() []*Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*Backend, len(b.backends))
	copy(result, b.backends)
	return result
}

// HealthyCount returns the number of healthy backends
func (b *baseBalancer) HealthyCount() int {
	return len(b.healthyBackends())
}

// initPool applies weight defaults and seeds the caches.
func (b *baseBalancer) initPool(backends []*Backend) {
	for _, backend := range backends {
		if backend.Weight == 0 {
			backend.Weight = 1
		}
		backend.InitParsedURL()
	}
	b.mu.Lock()
	b.backends = backends
	b.buildIndex()
	b.mu.Unlock()
}
