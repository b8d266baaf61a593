package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgehop/gateway/internal/logging"
)

// Status represents backend health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	URL       string
	Status    Status
	Latency   time.Duration
	Error     error
	Timestamp time.Time
}

// Target describes one backend under supervision.
type Target struct {
	URL                string
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int
	InitialHealthy     bool
	// PassiveThreshold is the consecutive proxy failure count that
	// flips the backend unhealthy without an active probe.
	PassiveThreshold int
	// Active disables the probe loop when false; passive accounting
	// still applies.
	Active bool
}

type targetState struct {
	target    Target
	status    Status
	lastCheck time.Time
	lastError error
	latency   time.Duration

	consecutivePass int
	consecutiveFail int
	passiveFailures int
}

// Checker performs active probes and passive failure accounting for
// backends. Status changes are reported through the OnChange callback;
// unhealthy backends keep being probed for recovery.
type Checker struct {
	client          *http.Client
	targets         map[string]*targetState
	mu              sync.RWMutex
	defaultTimeout  time.Duration
	defaultInterval time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	onChange        func(url string, status Status)
}

// Config holds health checker configuration
type Config struct {
	DefaultTimeout  time.Duration
	DefaultInterval time.Duration
	OnChange        func(url string, status Status)
}

// NewChecker creates a new health checker
func NewChecker(cfg Config) *Checker {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	if cfg.DefaultInterval == 0 {
		cfg.DefaultInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Checker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		targets:         make(map[string]*targetState),
		defaultTimeout:  cfg.DefaultTimeout,
		defaultInterval: cfg.DefaultInterval,
		ctx:             ctx,
		cancel:          cancel,
		onChange:        cfg.OnChange,
	}
}

// Watch registers a backend and starts its probe loop when active
// checking is configured.
func (c *Checker) Watch(t Target) {
	if t.Path == "" {
		t.Path = "/health"
	}
	if t.Timeout == 0 {
		t.Timeout = c.defaultTimeout
	}
	if t.Interval == 0 {
		t.Interval = c.defaultInterval
	}
	if t.HealthyThreshold == 0 {
		t.HealthyThreshold = 2
	}
	if t.UnhealthyThreshold == 0 {
		t.UnhealthyThreshold = 3
	}
	if t.PassiveThreshold == 0 {
		t.PassiveThreshold = 3
	}

	status := StatusUnhealthy
	if t.InitialHealthy {
		status = StatusHealthy
	}

	c.mu.Lock()
	c.targets[t.URL] = &targetState{target: t, status: status}
	c.mu.Unlock()

	if t.Active {
		go c.checkLoop(t.URL, t.Interval)
	}
}

// GetStatus returns the health status of a backend. Unwatched backends
// report healthy.
func (c *Checker) GetStatus(url string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if state, ok := c.targets[url]; ok {
		return state.status
	}
	return StatusHealthy
}

// IsHealthy returns true if the backend is healthy
func (c *Checker) IsHealthy(url string) bool {
	return c.GetStatus(url) == StatusHealthy
}

// GetAllStatus returns the latest check result for every backend.
func (c *Checker) GetAllStatus() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]CheckResult, len(c.targets))
	for url, state := range c.targets {
		results[url] = CheckResult{
			URL:       url,
			Status:    state.status,
			Latency:   state.latency,
			Error:     state.lastError,
			Timestamp: state.lastCheck,
		}
	}
	return results
}

// ReportSuccess records a successful proxy outcome for a backend.
// One success resets the passive failure counter.
func (c *Checker) ReportSuccess(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.targets[url]
	if !ok {
		return
	}
	state.passiveFailures = 0
}

// ReportFailure records a failed proxy outcome for a backend.
// Consecutive failures past the passive threshold mark an actively
// probed backend unhealthy; the probe loop brings it back. Targets
// without active probes only accumulate the counter, since nothing
// would ever recover them.
func (c *Checker) ReportFailure(url string) {
	c.mu.Lock()

	state, ok := c.targets[url]
	if !ok {
		c.mu.Unlock()
		return
	}

	state.passiveFailures++
	flip := state.target.Active &&
		state.passiveFailures >= state.target.PassiveThreshold &&
		state.status != StatusUnhealthy
	if flip {
		state.status = StatusUnhealthy
		state.consecutivePass = 0
	}
	c.mu.Unlock()

	if flip {
		logging.Warn("backend marked unhealthy by passive checks", zap.String("backend", url))
		if c.onChange != nil {
			c.onChange(url, StatusUnhealthy)
		}
	}
}

// checkLoop runs periodic probes for one backend until Stop.
func (c *Checker) checkLoop(url string, interval time.Duration) {
	c.check(url)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			_, exists := c.targets[url]
			c.mu.RUnlock()
			if !exists {
				return
			}
			c.check(url)
		}
	}
}

// check performs a single probe: GET <backend><path>, healthy iff 2xx.
func (c *Checker) check(url string) {
	c.mu.RLock()
	state, exists := c.targets[url]
	if !exists {
		c.mu.RUnlock()
		return
	}
	target := state.target
	c.mu.RUnlock()

	start := time.Now()

	ctx, cancel := context.WithTimeout(c.ctx, target.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+target.Path, nil)
	if err != nil {
		c.updateStatus(url, false, time.Since(start), err)
		return
	}

	resp, err := c.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		c.updateStatus(url, false, latency, err)
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	var checkErr error
	if !healthy {
		checkErr = fmt.Errorf("probe status %d", resp.StatusCode)
	}

	c.updateStatus(url, healthy, latency, checkErr)
}

// updateStatus applies the consecutive-threshold logic.
func (c *Checker) updateStatus(url string, healthy bool, latency time.Duration, err error) {
	c.mu.Lock()

	state, exists := c.targets[url]
	if !exists {
		c.mu.Unlock()
		return
	}

	state.lastCheck = time.Now()
	state.lastError = err
	state.latency = latency

	oldStatus := state.status

	if healthy {
		state.consecutiveFail = 0
		state.consecutivePass++
		if state.consecutivePass >= state.target.HealthyThreshold {
			state.status = StatusHealthy
			state.passiveFailures = 0
		}
	} else {
		state.consecutivePass = 0
		state.consecutiveFail++
		if state.consecutiveFail >= state.target.UnhealthyThreshold {
			state.status = StatusUnhealthy
		}
	}

	changed := oldStatus != state.status
	newStatus := state.status
	c.mu.Unlock()

	if changed {
		logging.Info("backend health changed",
			zap.String("backend", url), zap.String("status", string(newStatus)))
		if c.onChange != nil {
			c.onChange(url, newStatus)
		}
	}
}

// Stop stops all probe loops.
func (c *Checker) Stop() {
	c.cancel()
}
