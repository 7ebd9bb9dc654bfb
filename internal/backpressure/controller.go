// Package backpressure provides adaptive concurrency control for the job
// runner driving worker goroutines (spec §5, expansion §4.7). Workers
// report back a Signal after each collaborator call; the Controller turns
// that feedback into a moving concurrency ceiling and, on rate limiting, an
// exponential backoff window during which no new worker may start.
package backpressure

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"
)

// ControllerConfig tunes a Controller. Zero values are filled in by
// NewController with conservative defaults; DefaultControllerConfig
// returns the values clonemgr starts with in production.
type ControllerConfig struct {
	InitialConcurrency int
	MinConcurrency     int
	MaxConcurrency     int

	RateLimitBackoff time.Duration
	MaxBackoff       time.Duration

	SlowThreshold      time.Duration
	SlowCountThreshold int

	// Memory-aware throttling. When enabled, CanSpawn additionally checks
	// this process's heap usage (via runtime.MemStats) against the
	// configured thresholds -- clonemgr's workers are goroutines, not the
	// subprocesses the thresholds were originally sized for, so this is an
	// approximation of the same signal.
	MemoryAwareEnabled bool
	MemoryThresholdMB  int
	MemoryCriticalMB   int
	WorkerRSSLimitMB   int
}

// DefaultControllerConfig returns the production defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		InitialConcurrency: 2,
		MinConcurrency:     1,
		MaxConcurrency:     4,
		RateLimitBackoff:   30 * time.Second,
		MaxBackoff:         5 * time.Minute,
		SlowThreshold:      10 * time.Second,
		SlowCountThreshold: 3,
		MemoryAwareEnabled: true,
		MemoryThresholdMB:  1024,
		MemoryCriticalMB:   512,
		WorkerRSSLimitMB:   2048,
	}
}

// Signal is feedback a worker reports to the controller after a
// collaborator call returns.
type Signal int

const (
	SignalOK Signal = iota
	SignalRateLimited
	SignalSlowResponse
	SignalAPIError
)

// Stats is a read-only snapshot of controller state for observability.
type Stats struct {
	MaxInFlight     int
	CurrentInFlight int
	InBackoff       bool
	ConsecutiveSlow int
}

// Controller tracks in-flight worker count against an adaptive ceiling.
type Controller struct {
	mu sync.Mutex

	config ControllerConfig

	maxInFlight     int
	configuredMax   int
	currentInFlight int
	consecutiveSlow int
	rateLimitUntil  time.Time
	currentBackoff  time.Duration
}

// NewController builds a Controller from cfg, filling zero fields with
// conservative defaults (distinct from DefaultControllerConfig's
// production-tuned values).
func NewController(cfg ControllerConfig) *Controller {
	if cfg.InitialConcurrency <= 0 {
		cfg.InitialConcurrency = 2
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 1
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 10 * time.Second
	}
	if cfg.SlowCountThreshold <= 0 {
		cfg.SlowCountThreshold = 3
	}
	if cfg.MemoryThresholdMB <= 0 {
		cfg.MemoryThresholdMB = 1024
	}
	if cfg.MemoryCriticalMB <= 0 {
		cfg.MemoryCriticalMB = 512
	}
	if cfg.WorkerRSSLimitMB <= 0 {
		cfg.WorkerRSSLimitMB = 2048
	}

	return &Controller{
		config:         cfg,
		maxInFlight:    cfg.InitialConcurrency,
		configuredMax:  cfg.MaxConcurrency,
		currentBackoff: cfg.RateLimitBackoff,
	}
}

// CanSpawn reports whether a new worker may start right now.
func (c *Controller) CanSpawn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inBackoffLocked() {
		return false
	}
	if c.currentInFlight >= c.maxInFlight {
		return false
	}
	if c.config.MemoryAwareEnabled && c.memoryCriticalLocked() {
		return false
	}
	return true
}

func (c *Controller) memoryCriticalLocked() bool {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	heapMB := int(m.HeapAlloc / (1024 * 1024))
	return heapMB >= c.config.MemoryThresholdMB
}

// WorkerStarted records that a worker began running.
func (c *Controller) WorkerStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentInFlight++
}

// WorkerFinished records that a worker stopped running.
func (c *Controller) WorkerFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentInFlight > 0 {
		c.currentInFlight--
	}
}

// OnWorkerSignal adjusts the concurrency ceiling and backoff window based
// on feedback from a completed worker call.
func (c *Controller) OnWorkerSignal(sig Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sig {
	case SignalOK:
		if c.maxInFlight < c.configuredMax {
			c.maxInFlight++
		}
		c.consecutiveSlow = 0
		c.currentBackoff = c.config.RateLimitBackoff

	case SignalRateLimited:
		floor := c.config.MinConcurrency
		if reduced := c.maxInFlight / 2; reduced > floor {
			c.maxInFlight = reduced
		} else {
			c.maxInFlight = floor
		}

		c.currentBackoff *= 2
		if c.currentBackoff > c.config.MaxBackoff {
			c.currentBackoff = c.config.MaxBackoff
		}
		c.rateLimitUntil = time.Now().Add(c.currentBackoff)

	case SignalSlowResponse:
		c.consecutiveSlow++
		if c.consecutiveSlow >= c.config.SlowCountThreshold {
			if c.maxInFlight > c.config.MinConcurrency {
				c.maxInFlight--
			}
			c.consecutiveSlow = 0
		}

	case SignalAPIError:
		// No concurrency adjustment; the caller logs/counts separately.
	}
}

// ReportResult derives a Signal from a completed worker call's outcome and
// elapsed time and applies it via OnWorkerSignal. It is the production
// bridge between a collaborator's result and the adaptive ceiling: ok
// within SlowThreshold is SignalOK, a deadline exceeded or an ok result
// past SlowThreshold is SignalSlowResponse, anything else is
// SignalAPIError. No collaborator in this package classifies a
// rate-limit-specific error, so SignalRateLimited is never derived here.
func (c *Controller) ReportResult(ok bool, err error, elapsed time.Duration) {
	switch {
	case ok:
		if elapsed >= c.config.SlowThreshold {
			c.OnWorkerSignal(SignalSlowResponse)
		} else {
			c.OnWorkerSignal(SignalOK)
		}
	case errors.Is(err, context.DeadlineExceeded):
		c.OnWorkerSignal(SignalSlowResponse)
	default:
		c.OnWorkerSignal(SignalAPIError)
	}
}

// IsInBackoff reports whether the controller is currently withholding new
// workers due to a rate-limit signal.
func (c *Controller) IsInBackoff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inBackoffLocked()
}

func (c *Controller) inBackoffLocked() bool {
	return !c.rateLimitUntil.IsZero() && time.Now().Before(c.rateLimitUntil)
}

// GetStats returns a snapshot of controller state.
func (c *Controller) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		MaxInFlight:     c.maxInFlight,
		CurrentInFlight: c.currentInFlight,
		InBackoff:       c.inBackoffLocked(),
		ConsecutiveSlow: c.consecutiveSlow,
	}
}

// Reset restores the controller to its post-construction state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxInFlight = c.config.InitialConcurrency
	c.currentInFlight = 0
	c.consecutiveSlow = 0
	c.rateLimitUntil = time.Time{}
	c.currentBackoff = c.config.RateLimitBackoff
}

// GetCurrentConcurrency returns the current ceiling.
func (c *Controller) GetCurrentConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInFlight
}

// GetCurrentInFlight returns the current in-flight worker count.
func (c *Controller) GetCurrentInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentInFlight
}

// GetBackoffDeadline returns when the current backoff window ends, or the
// zero time if not currently backing off.
func (c *Controller) GetBackoffDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimitUntil
}
