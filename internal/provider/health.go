package provider

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

const (
	defaultHealthWindow     = 20
	defaultHealthMinSamples = 5
	defaultFailureThreshold = 0.5
	defaultCooldown         = 30 * time.Second
)

// HealthTracker keeps the outcome of the last N provider calls and opens a
// circuit once the failure ratio reaches the threshold. After the cooldown a
// single probe is let through; its result closes or reopens the circuit.
type HealthTracker struct {
	mu sync.Mutex

	outcomes   []bool
	next       int
	count      int
	failures   int
	minSamples int
	threshold  float64
	cooldown   time.Duration

	state    CircuitState
	openedAt time.Time
	now      func() time.Time
}

func NewHealthTracker(window int, threshold float64, cooldown time.Duration) *HealthTracker {
	if window <= 0 {
		window = defaultHealthWindow
	}
	if threshold <= 0 || threshold > 1 {
		threshold = defaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	minSamples := defaultHealthMinSamples
	if minSamples > window {
		minSamples = window
	}

	return &HealthTracker{
		outcomes:   make([]bool, window),
		minSamples: minSamples,
		threshold:  threshold,
		cooldown:   cooldown,
		state:      CircuitClosed,
		now:        time.Now,
	}
}

// Record adds one call outcome.
func (h *HealthTracker) Record(success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.refreshLocked()
	if h.state == CircuitHalfOpen {
		if success {
			h.resetLocked()
		} else {
			h.state = CircuitOpen
			h.openedAt = h.now()
		}
		return
	}

	if h.count == len(h.outcomes) {
		if !h.outcomes[h.next] {
			h.failures--
		}
	} else {
		h.count++
	}
	h.outcomes[h.next] = success
	h.next = (h.next + 1) % len(h.outcomes)
	if !success {
		h.failures++
	}

	if h.state == CircuitClosed && h.count >= h.minSamples &&
		float64(h.failures)/float64(h.count) >= h.threshold {
		h.state = CircuitOpen
		h.openedAt = h.now()
	}
}

// Healthy reports whether calls may be routed to the provider.
func (h *HealthTracker) Healthy() bool {
	return h.State() != CircuitOpen
}

func (h *HealthTracker) State() CircuitState {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.refreshLocked()
	return h.state
}

func (h *HealthTracker) refreshLocked() {
	if h.state == CircuitOpen && h.now().Sub(h.openedAt) >= h.cooldown {
		h.state = CircuitHalfOpen
	}
}

func (h *HealthTracker) resetLocked() {
	for i := range h.outcomes {
		h.outcomes[i] = false
	}
	h.next = 0
	h.count = 0
	h.failures = 0
	h.state = CircuitClosed
	h.openedAt = time.Time{}
}
