package repository

import (
	"time"

	"github.com/classbook/backend/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SubscriptionCache keeps recently fetched subscription lists per student so
// switching back and forth between students does not refetch every time.
type SubscriptionCache struct {
	lru *expirable.LRU[int64, []domain.Subscription]
}

// NewSubscriptionCache creates a cache of at most size students with entries
// living for ttl.
func NewSubscriptionCache(size int, ttl time.Duration) *SubscriptionCache {
	return &SubscriptionCache{lru: expirable.NewLRU[int64, []domain.Subscription](size, nil, ttl)}
}

// Get returns a copy of the cached list.
func (c *SubscriptionCache) Get(studentID int64) ([]domain.Subscription, bool) {
	subs, ok := c.lru.Get(studentID)
	if !ok {
		return nil, false
	}
	return append([]domain.Subscription(nil), subs...), true
}

// Put stores a copy of subs.
func (c *SubscriptionCache) Put(studentID int64, subs []domain.Subscription) {
	c.lru.Add(studentID, append([]domain.Subscription(nil), subs...))
}

// Invalidate drops the entry for studentID.
func (c *SubscriptionCache) Invalidate(studentID int64) {
	c.lru.Remove(studentID)
}
