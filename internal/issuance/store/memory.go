// Package store persists issuance records, the idempotency ledger keyed by
// deposit transaction hash.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tokenfund/internal/issuance/models"
	"tokenfund/pkg/platform/sentinel"
)

// InMemoryStore keeps records in a map. Create is insert-if-absent.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.Record
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*models.Record)}
}

func (s *InMemoryStore) Create(_ context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.DepositTxHash]; ok {
		return fmt.Errorf("issuance record %s exists: %w", rec.DepositTxHash, sentinel.ErrConflict)
	}
	cp := *rec
	s.records[rec.DepositTxHash] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, depositTxHash string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[depositTxHash]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpdateForwarding records the outcome of the forwarding step.
func (s *InMemoryStore) UpdateForwarding(ctx context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[rec.DepositTxHash]
	if !ok {
		return sentinel.ErrNotFound
	}
	current.ForwardStatus = rec.ForwardStatus
	current.ForwardTxHash = rec.ForwardTxHash
	current.ForwardLastLedger = rec.ForwardLastLedger
	current.UpdatedAt = rec.UpdatedAt
	return nil
}

// DeleteFailed removes a FailedPermanently record so the deposit can be retried.
func (s *InMemoryStore) DeleteFailed(_ context.Context, depositTxHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[depositTxHash]
	if !ok || rec.Status != models.StatusFailedPermanently {
		return sentinel.ErrNotFound
	}
	delete(s.records, depositTxHash)
	return nil
}

// ListPendingForwarding returns succeeded records whose forwarding has not succeeded.
func (s *InMemoryStore) ListPendingForwarding(_ context.Context) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, rec := range s.records {
		if rec.Succeeded() && rec.ForwardStatus.NeedsForwarding() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
