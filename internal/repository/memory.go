package repository

import (
	"context"
	"sync"
	"time"

	"github.com/classbook/backend/internal/domain"
)

// MemoryCheckoutStore keeps pending checkouts in process memory. It is used
// when no database is configured; records are lost on restart.
type MemoryCheckoutStore struct {
	mu      sync.Mutex
	records map[string]domain.PendingCheckout
}

// NewMemoryCheckoutStore creates an empty store.
func NewMemoryCheckoutStore() *MemoryCheckoutStore {
	return &MemoryCheckoutStore{records: make(map[string]domain.PendingCheckout)}
}

func memoryKey(chatID string) string {
	return domain.PendingCheckoutNamespace + ":" + chatID
}

// Get returns the pending checkout for chatID, or nil when there is none.
func (s *MemoryCheckoutStore) Get(_ context.Context, chatID string) (*domain.PendingCheckout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.records[memoryKey(chatID)]
	if !ok {
		return nil, nil
	}
	return &pc, nil
}

// Save replaces the pending checkout of pc.ChatID.
func (s *MemoryCheckoutStore) Save(_ context.Context, pc *domain.PendingCheckout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[memoryKey(pc.ChatID)] = *pc
	return nil
}

// Clear removes the pending checkout of chatID.
func (s *MemoryCheckoutStore) Clear(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, memoryKey(chatID))
	return nil
}

// PurgeOlderThan deletes records created before cutoff.
func (s *MemoryCheckoutStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, pc := range s.records {
		if pc.CreatedAt.Before(cutoff) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
