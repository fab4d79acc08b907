// Package store persists the ledger state: the append-only leaf sequence,
// the nullifier set, and the bounded root history. Any engine preserving
// append-only-leaves plus set-membership semantics suffices; the node ships
// a Redis implementation and an in-memory one for tests and ephemeral runs.
package store

import (
	"math/big"
	"sync"
)

// Store receives every applied transition as one atomic batch and can
// replay the full state on restart. Values are BN254 field elements.
// Roots are a pure function of the leaf sequence, so replay reconstructs
// them; SaveRoots additionally records the live history for inspection.
type Store interface {
	// ApplyDeposit durably records one appended leaf.
	ApplyDeposit(leaf *big.Int) error
	// ApplyWithdrawal durably records a burned nullifier and the output
	// leaves appended by the withdrawal, atomically.
	ApplyWithdrawal(nullifier *big.Int, leaves []*big.Int) error
	// SaveRoots records the current root-history window, oldest first.
	SaveRoots(roots []*big.Int) error

	LoadLeaves() ([]*big.Int, error)
	LoadNullifiers() ([]*big.Int, error)
	// LoadRoots returns the last saved root-history window, oldest first.
	LoadRoots() ([]*big.Int, error)

	Close() error
}

// MemoryStore keeps state in process memory. It satisfies Store for tests
// and for nodes run without a Redis URL.
type MemoryStore struct {
	mu         sync.Mutex
	leaves     []*big.Int
	nullifiers []*big.Int
	roots      []*big.Int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) ApplyDeposit(leaf *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = append(s.leaves, new(big.Int).Set(leaf))
	return nil
}

func (s *MemoryStore) ApplyWithdrawal(nullifier *big.Int, leaves []*big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nullifiers = append(s.nullifiers, new(big.Int).Set(nullifier))
	for _, leaf := range leaves {
		s.leaves = append(s.leaves, new(big.Int).Set(leaf))
	}
	return nil
}

func (s *MemoryStore) SaveRoots(roots []*big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = make([]*big.Int, len(roots))
	for i, r := range roots {
		s.roots[i] = new(big.Int).Set(r)
	}
	return nil
}

func (s *MemoryStore) LoadLeaves() ([]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*big.Int, len(s.leaves))
	for i, leaf := range s.leaves {
		out[i] = new(big.Int).Set(leaf)
	}
	return out, nil
}

func (s *MemoryStore) LoadNullifiers() ([]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*big.Int, len(s.nullifiers))
	for i, n := range s.nullifiers {
		out[i] = new(big.Int).Set(n)
	}
	return out, nil
}

func (s *MemoryStore) LoadRoots() ([]*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*big.Int, len(s.roots))
	for i, r := range s.roots {
		out[i] = new(big.Int).Set(r)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
