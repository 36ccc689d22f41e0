package session

import (
	"sync"
	"time"

	"github.com/classbook/backend/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Registry keeps one Session per chat. Sessions idle for longer than the TTL
// are evicted and closed, which stops their timers and aborts their requests.
type Registry struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *Session]
	now   func() time.Time
}

// NewRegistry creates a registry holding at most size sessions.
func NewRegistry(size int, ttl time.Duration, now func() time.Time) *Registry {
	onEvict := func(_ string, s *Session) {
		s.Close()
		metrics.Sessions.Dec()
	}
	return &Registry{
		cache: expirable.NewLRU[string, *Session](size, onEvict, ttl),
		now:   now,
	}
}

// Get returns the session for chatID, creating it on first use, and refreshes its TTL.
func (r *Registry) Get(chatID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.cache.Get(chatID)
	if !ok {
		s = New(chatID, r.now)
		metrics.Sessions.Inc()
	}
	r.cache.Add(chatID, s)
	return s
}

// Peek returns the session for chatID without creating or touching it.
func (r *Registry) Peek(chatID string) (*Session, bool) {
	return r.cache.Peek(chatID)
}

// Remove closes and forgets the session for chatID.
func (r *Registry) Remove(chatID string) {
	r.cache.Remove(chatID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close closes every session.
func (r *Registry) Close() {
	r.cache.Purge()
}
