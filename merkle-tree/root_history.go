package merkle_tree

import "math/big"

// RootHistory is a bounded FIFO queue of recent roots. Pushing beyond
// capacity evicts the oldest entry; nothing is ever mutated in place.
type RootHistory struct {
	roots    []*big.Int
	capacity int
}

func NewRootHistory(capacity int) *RootHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &RootHistory{
		roots:    make([]*big.Int, 0, capacity),
		capacity: capacity,
	}
}

func (h *RootHistory) Push(root *big.Int) {
	if len(h.roots) == h.capacity {
		h.roots = h.roots[1:]
	}
	h.roots = append(h.roots, new(big.Int).Set(root))
}

func (h *RootHistory) Contains(root *big.Int) bool {
	if root == nil {
		return false
	}
	for _, r := range h.roots {
		if r.Cmp(root) == 0 {
			return true
		}
	}
	return false
}

func (h *RootHistory) Len() int {
	return len(h.roots)
}

func (h *RootHistory) Capacity() int {
	return h.capacity
}

// Roots returns a copy of the history, oldest first.
func (h *RootHistory) Roots() []*big.Int {
	out := make([]*big.Int, len(h.roots))
	for i, r := range h.roots {
		out[i] = new(big.Int).Set(r)
	}
	return out
}
