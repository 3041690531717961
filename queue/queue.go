package queue

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config limits one queue within this process.
type Config struct {
	Name string

	// MaxConcurrency caps running jobs. Zero is unlimited.
	MaxConcurrency int

	// RateLimit caps job starts per second. Zero is unlimited.
	RateLimit float64

	// RateBurst is the token bucket size; at least 1 when RateLimit is set.
	RateBurst int
}

// gate is the live state of one configured queue.
type gate struct {
	max     int
	limiter *rate.Limiter
	active  int
}

func newGate(cfg Config, active int) *gate {
	g := &gate{max: cfg.MaxConcurrency, active: active}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	return g
}

// Manager applies Config limits across the worker loops. Unconfigured
// queues pass freely. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	gates map[string]*gate
}

// NewManager returns a Manager enforcing configs.
func NewManager(configs ...Config) *Manager {
	m := &Manager{gates: make(map[string]*gate, len(configs))}
	for _, cfg := range configs {
		m.gates[cfg.Name] = newGate(cfg, 0)
	}
	return m
}

// Configure replaces the limits of cfg.Name, keeping its running count.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	if g := m.gates[cfg.Name]; g != nil {
		active = g.active
	}
	m.gates[cfg.Name] = newGate(cfg, active)
}

func (m *Manager) gate(queue string) *gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gates[queue]
}

// Wait blocks until queue may start one more job under its rate limit.
// It does not reserve a concurrency slot.
func (m *Manager) Wait(ctx context.Context, queue string) error {
	g := m.gate(queue)
	if g == nil || g.limiter == nil {
		return ctx.Err()
	}
	return g.limiter.Wait(ctx)
}

// Capacity returns how many of want jobs queue may start now.
func (m *Manager) Capacity(queue string, want int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.gates[queue]
	if g == nil || g.max <= 0 {
		return want
	}
	return max(0, min(want, g.max-g.active))
}

// Track counts a started job against queue. Pair it with Release.
func (m *Manager) Track(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.gates[queue]; g != nil {
		g.active++
	}
}

// Release ends a job counted by Track.
func (m *Manager) Release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.gates[queue]; g != nil && g.active > 0 {
		g.active--
	}
}

// Active returns the number of running jobs counted for queue.
func (m *Manager) Active(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.gates[queue]; g != nil {
		return g.active
	}
	return 0
}
