// Package store provides delivery-history storage backends for YTBot.
//
// This file implements an in-memory store used by tests and as the fallback
// when no DSN is configured.
package store

import (
	"sync"

	"github.com/ytbot-dev/ytbot/internal/models"
)

// InMemoryStore keeps delivery records in memory only.
type InMemoryStore struct {
	mu         sync.RWMutex
	deliveries []models.DeliveryRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) AddDelivery(rec models.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, rec)
	return nil
}

func (s *InMemoryStore) RecentDeliveries(limit int) ([]models.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.deliveries)
	if limit > n {
		limit = n
	}
	out := make([]models.DeliveryRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.deliveries[i])
	}
	return out, nil
}

func (s *InMemoryStore) CountDeliveries() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deliveries), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
