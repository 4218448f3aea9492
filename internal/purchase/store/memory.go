package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"tokenfund/internal/purchase/models"
	id "tokenfund/pkg/domain"
	"tokenfund/pkg/platform/sentinel"
	"tokenfund/pkg/requestcontext"
)

// InMemoryStore keeps intents in a map guarded by a mutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	intents map[id.IntentID]*models.Intent
	byHash  map[string]id.IntentID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		intents: make(map[id.IntentID]*models.Intent),
		byHash:  make(map[string]id.IntentID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, intent *models.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[intent.ID]; ok {
		return fmt.Errorf("intent %s: %w", intent.ID, sentinel.ErrConflict)
	}
	cp := *intent
	s.intents[intent.ID] = &cp
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, intentID id.IntentID) (*models.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

func (s *InMemoryStore) FindByTxHash(_ context.Context, hash string) (*models.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intentID, ok := s.byHash[hash]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.intents[intentID]
	return &cp, nil
}

// ListAwaitingByInvestor returns the investor's open intents, oldest first.
func (s *InMemoryStore) ListAwaitingByInvestor(_ context.Context, investorID id.InvestorID) ([]*models.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Intent
	for _, intent := range s.intents {
		if intent.InvestorID == investorID && intent.Status == models.StatusAwaitingDeposit {
			cp := *intent
			out = append(out, &cp)
		}
	}
	sortFIFO(out)
	return out, nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, statuses []models.Status) ([]*models.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Intent
	for _, intent := range s.intents {
		if slices.Contains(statuses, intent.Status) {
			cp := *intent
			out = append(out, &cp)
		}
	}
	sortFIFO(out)
	return out, nil
}

// Transition applies change if the stored status still equals from.
func (s *InMemoryStore) Transition(ctx context.Context, intentID id.IntentID, from, to models.Status, change models.Change) (*models.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.intents[intentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if current.Status != from {
		return nil, fmt.Errorf("intent %s status is %s, expected %s: %w", intentID, current.Status, from, sentinel.ErrConflict)
	}
	if change.MatchedTxHash != nil {
		if owner, taken := s.byHash[*change.MatchedTxHash]; taken && owner != intentID {
			return nil, fmt.Errorf("transaction already matched: %w", sentinel.ErrConflict)
		}
	}
	next := *current
	if err := next.Apply(to, change, requestcontext.Now(ctx)); err != nil {
		return nil, err
	}
	s.intents[intentID] = &next
	if next.MatchedTxHash != "" {
		s.byHash[next.MatchedTxHash] = intentID
	}
	cp := next
	return &cp, nil
}

// RecordSubmission stores the pending issuing transaction while the intent
// is still Issuing.
func (s *InMemoryStore) RecordSubmission(ctx context.Context, intentID id.IntentID, hash string, lastLedger uint32) (*models.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.intents[intentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if current.Status != models.StatusIssuing {
		return nil, fmt.Errorf("intent %s status is %s: %w", intentID, current.Status, sentinel.ErrConflict)
	}
	next := *current
	if err := next.RecordSubmission(hash, lastLedger, requestcontext.Now(ctx)); err != nil {
		return nil, err
	}
	s.intents[intentID] = &next
	cp := next
	return &cp, nil
}

func sortFIFO(intents []*models.Intent) {
	sort.SliceStable(intents, func(i, j int) bool {
		if intents[i].CreatedAt.Equal(intents[j].CreatedAt) {
			return intents[i].ID.String() < intents[j].ID.String()
		}
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
}
