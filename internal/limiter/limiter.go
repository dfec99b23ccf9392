// Package limiter defines per-client request rate limiting.
package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a client identified by key may proceed.
type Limiter interface {
	// Allow reports whether the request is allowed and, if not, when to retry.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// HashIP returns a stable hash for an IP string to avoid keeping raw addresses in memory.
func HashIP(ip string) string {
	h := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(h[:16])
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Memory is a process-local token bucket per key. Idle keys are swept periodically.
type Memory struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory allows perMinute requests per key with a burst of the same size.
// Keys unseen for idle are dropped by a sweep running every idle/2.
func NewMemory(perMinute int, idle time.Duration) *Memory {
	if perMinute <= 0 {
		perMinute = 60
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	m := &Memory{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		idle:    idle,
		now:     time.Now,
		clients: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	go m.sweepLoop(idle / 2)
	return m
}

// Allow never returns an error; the signature leaves room for a shared store.
func (m *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := m.now()
	m.mu.Lock()
	e, ok := m.clients[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(m.limit, m.burst)}
		m.clients[key] = e
	}
	e.lastSeen = now
	m.mu.Unlock()

	r := e.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute, nil
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0, nil
	}
	r.CancelAt(now)
	return false, time.Duration(math.Ceil(delay.Seconds())) * time.Second, nil
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Memory) sweep() {
	cutoff := m.now().Add(-m.idle)
	m.mu.Lock()
	for k, e := range m.clients {
		if e.lastSeen.Before(cutoff) {
			delete(m.clients, k)
		}
	}
	m.mu.Unlock()
}

func (m *Memory) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
