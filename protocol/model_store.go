package protocol

import (
	"context"
	"sync"
)

// ModelStore keeps the latest published global model. It is a Publisher.
type ModelStore struct {
	mu     sync.RWMutex
	latest *AggregationResult
}

// NewModelStore creates an empty store.
func NewModelStore() *ModelStore {
	return &ModelStore{}
}

// Publish records result if it is newer than the stored one.
func (s *ModelStore) Publish(_ context.Context, result *AggregationResult) error {
	if result == nil || result.Model == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest != nil && s.latest.Iteration >= result.Iteration {
		return nil
	}
	stored := *result
	stored.Model = result.Model.Clone()
	s.latest = &stored
	return nil
}

// Latest returns the most recent published result.
func (s *ModelStore) Latest() (*AggregationResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return nil, false
	}
	return s.latest, true
}
