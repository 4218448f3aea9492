package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tokenfund/internal/investor/models"
	id "tokenfund/pkg/domain"
	"tokenfund/pkg/platform/sentinel"
)

// InMemoryStore keeps investors in maps guarded by a mutex.
type InMemoryStore struct {
	mu        sync.RWMutex
	investors map[id.InvestorID]*models.Investor
	byAddress map[string]id.InvestorID
	byEmail   map[string]id.InvestorID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		investors: make(map[id.InvestorID]*models.Investor),
		byAddress: make(map[string]id.InvestorID),
		byEmail:   make(map[string]id.InvestorID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, inv *models.Investor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.investors[inv.ID]; ok {
		return fmt.Errorf("investor %s: %w", inv.ID, sentinel.ErrConflict)
	}
	if _, ok := s.byAddress[inv.LedgerAddress]; ok {
		return fmt.Errorf("ledger address already registered: %w", sentinel.ErrConflict)
	}
	if _, ok := s.byEmail[inv.Email]; ok {
		return fmt.Errorf("email already registered: %w", sentinel.ErrConflict)
	}
	cp := *inv
	s.investors[inv.ID] = &cp
	s.byAddress[inv.LedgerAddress] = inv.ID
	s.byEmail[inv.Email] = inv.ID
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, investorID id.InvestorID) (*models.Investor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.investors[investorID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *InMemoryStore) FindByAddress(_ context.Context, address string) (*models.Investor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	investorID, ok := s.byAddress[address]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.investors[investorID]
	return &cp, nil
}

func (s *InMemoryStore) ListByState(_ context.Context, state models.State) ([]*models.Investor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Investor
	for _, inv := range s.investors {
		if inv.State == state && !inv.Deactivated {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update replaces the investor if the stored version still equals
// inv.Version, and advances inv.Version on success.
func (s *InMemoryStore) Update(_ context.Context, inv *models.Investor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.investors[inv.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != inv.Version {
		return fmt.Errorf("investor %s is at version %d, expected %d: %w", inv.ID, current.Version, inv.Version, sentinel.ErrConflict)
	}
	inv.Version++
	cp := *inv
	cp.LedgerAddress = current.LedgerAddress
	s.investors[inv.ID] = &cp
	return nil
}
