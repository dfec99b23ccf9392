package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// StateTTL bounds how long an issued state token can be redeemed.
const StateTTL = 10 * time.Minute

// LoginTenant is the reserved tenant bound to SSO login states.
const LoginTenant = "__login__"

const stateBytes = 32

// StateData is what a state token is bound to.
type StateData struct {
	// Flow is "integration" or "login"; a state only redeems on its own callback.
	Flow      string    `json:"flow"`
	TenantID  string    `json:"tenantId"`
	Provider  string    `json:"provider"`
	Scopes    []string  `json:"scopes"`
	Shop      string    `json:"shop,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// StateStore issues single-use CSRF state tokens.
type StateStore interface {
	Issue(ctx context.Context, data StateData) (string, error)
	// Consume returns the bound data and removes the token. ok is false for an unknown,
	// already consumed or expired token.
	Consume(ctx context.Context, state string) (data StateData, ok bool, err error)
}

func newState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MemoryStateStore keeps states in process memory.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]StateData
	ttl    time.Duration
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStateStore starts a store with a background sweep every interval.
// A non-positive interval disables the sweep; expired states still fail on Consume.
func NewMemoryStateStore(interval time.Duration) *MemoryStateStore {
	s := &MemoryStateStore{
		states: make(map[string]StateData),
		ttl:    StateTTL,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	}
	return s
}

func (s *MemoryStateStore) Issue(_ context.Context, data StateData) (string, error) {
	state, err := newState()
	if err != nil {
		return "", err
	}
	if data.CreatedAt.IsZero() {
		data.CreatedAt = s.now()
	}
	s.mu.Lock()
	s.states[state] = data
	s.mu.Unlock()
	return state, nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (StateData, bool, error) {
	s.mu.Lock()
	data, ok := s.states[state]
	delete(s.states, state)
	s.mu.Unlock()
	if !ok || s.now().Sub(data.CreatedAt) > s.ttl {
		return StateData{}, false, nil
	}
	return data, true, nil
}

// Len returns the number of pending states.
func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *MemoryStateStore) sweep() {
	now := s.now()
	s.mu.Lock()
	for k, d := range s.states {
		if now.Sub(d.CreatedAt) > s.ttl {
			delete(s.states, k)
		}
	}
	s.mu.Unlock()
}

func (s *MemoryStateStore) cleanupLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// Stop ends the background sweep. Safe to call more than once.
func (s *MemoryStateStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
