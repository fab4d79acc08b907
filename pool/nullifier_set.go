package pool

import "math/big"

// NullifierSet tracks spent notes. Entries are insert-only; a second insert
// of the same nullifier is exactly the double-spend rejection. The set is not
// safe for concurrent use on its own; the ledger serializes access.
type NullifierSet struct {
	spent map[string]struct{}
}

func NewNullifierSet() *NullifierSet {
	return &NullifierSet{spent: make(map[string]struct{})}
}

func (s *NullifierSet) Contains(nullifier *big.Int) bool {
	if nullifier == nil {
		return false
	}
	_, ok := s.spent[ToHex(nullifier)]
	return ok
}

func (s *NullifierSet) Insert(nullifier *big.Int) error {
	if s.Contains(nullifier) {
		return ErrNullifierAlreadySpent
	}
	s.spent[ToHex(nullifier)] = struct{}{}
	return nil
}

func (s *NullifierSet) Size() int {
	return len(s.spent)
}
