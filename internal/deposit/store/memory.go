// Package store persists what the deposit watcher has observed: the per-account
// ledger cursor and a write-once cache of incoming transactions.
package store

import (
	"context"
	"sync"

	"tokenfund/internal/ledger"
	"tokenfund/pkg/platform/sentinel"
)

// InMemoryCursorStore keeps cursors in a map. Advance never lowers a cursor.
type InMemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]uint32
}

func NewInMemoryCursors() *InMemoryCursorStore {
	return &InMemoryCursorStore{cursors: make(map[string]uint32)}
}

func (s *InMemoryCursorStore) Get(_ context.Context, account string) (uint32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.cursors[account]
	return idx, ok, nil
}

func (s *InMemoryCursorStore) Advance(_ context.Context, account string, ledgerIndex uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.cursors[account]; ok && current >= ledgerIndex {
		return nil
	}
	s.cursors[account] = ledgerIndex
	return nil
}

// InMemoryTransactionCache stores the first observation of each hash.
type InMemoryTransactionCache struct {
	mu  sync.RWMutex
	txs map[string]ledger.Transaction
}

func NewInMemoryTransactions() *InMemoryTransactionCache {
	return &InMemoryTransactionCache{txs: make(map[string]ledger.Transaction)}
}

// Save inserts tx unless its hash is already cached. It reports whether the
// transaction was new.
func (s *InMemoryTransactionCache) Save(_ context.Context, tx ledger.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.Hash]; ok {
		return false, nil
	}
	s.txs[tx.Hash] = tx
	return true, nil
}

func (s *InMemoryTransactionCache) Get(_ context.Context, hash string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[hash]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &tx, nil
}
