// Package merkle_tree implements the append-only commitment accumulator: a
// fixed-depth binary Merkle tree over note commitments, hashed with MiMC on
// the BN254 scalar field so that native hashes match the in-circuit gadget.
//
// Insertion is the only mutation and costs O(depth) hashes via a
// filled-subtree cache. The accumulator also keeps a bounded FIFO history of
// recent roots so that proofs generated against a slightly stale root remain
// acceptable while deposits keep landing.
package merkle_tree

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

var (
	ErrTreeFull        = errors.New("accumulator is full")
	ErrLeafOutOfRange  = errors.New("leaf index out of range")
	ErrValueNotInField = errors.New("value is not a canonical field element")
)

// Accumulator is the append-only commitment tree. It is not safe for
// concurrent use; the ledger state machine serializes all access.
type Accumulator struct {
	depth         uint32
	nextLeafIndex uint64
	leaves        []*big.Int
	filled        []*big.Int // rightmost filled subtree root per level
	zeros         []*big.Int // empty subtree root per level
	root          *big.Int
	history       *RootHistory
}

// New creates an empty accumulator of the given depth with a root history of
// the given capacity. The empty-tree root is seeded into the history so that
// proofs against a fresh pool verify.
func New(depth uint32, historySize int) (*Accumulator, error) {
	if depth == 0 || depth > 32 {
		return nil, fmt.Errorf("unsupported tree depth %d", depth)
	}
	zeros := make([]*big.Int, depth+1)
	zeros[0] = big.NewInt(0)
	for i := uint32(1); i <= depth; i++ {
		zeros[i] = hashNodes(zeros[i-1], zeros[i-1])
	}
	filled := make([]*big.Int, depth)
	copy(filled, zeros[:depth])

	acc := &Accumulator{
		depth:   depth,
		leaves:  make([]*big.Int, 0, 256),
		filled:  filled,
		zeros:   zeros,
		root:    new(big.Int).Set(zeros[depth]),
		history: NewRootHistory(historySize),
	}
	acc.history.Push(acc.root)
	return acc, nil
}

// Insert appends a commitment at the next free leaf and returns its index and
// the new root. Fails with ErrTreeFull once all 2^depth leaves are set.
func (acc *Accumulator) Insert(commitment *big.Int) (uint64, *big.Int, error) {
	if acc.nextLeafIndex >= acc.Capacity() {
		return 0, nil, ErrTreeFull
	}
	if !inField(commitment) {
		return 0, nil, ErrValueNotInField
	}

	index := acc.nextLeafIndex
	current := new(big.Int).Set(commitment)
	pos := index
	for level := uint32(0); level < acc.depth; level++ {
		if pos%2 == 0 {
			acc.filled[level] = new(big.Int).Set(current)
			current = hashNodes(current, acc.zeros[level])
		} else {
			current = hashNodes(acc.filled[level], current)
		}
		pos /= 2
	}

	acc.leaves = append(acc.leaves, new(big.Int).Set(commitment))
	acc.nextLeafIndex++
	acc.root = current
	acc.history.Push(current)
	return index, new(big.Int).Set(current), nil
}

// Path returns the sibling hashes from the leaf at index up to the root,
// ordered leaf-level first. It recomputes interior nodes from the stored
// leaves; this is an off-chain read used by provers, not by transitions.
func (acc *Accumulator) Path(index uint64) ([]*big.Int, error) {
	if index >= acc.nextLeafIndex {
		return nil, ErrLeafOutOfRange
	}
	siblings := make([]*big.Int, acc.depth)
	pos := index
	for level := uint32(0); level < acc.depth; level++ {
		siblings[level] = acc.node(level, pos^1)
		pos /= 2
	}
	return siblings, nil
}

// node computes the value of the interior node at (level, index) from the
// leaf sequence, returning the empty-subtree hash for untouched regions.
func (acc *Accumulator) node(level uint32, index uint64) *big.Int {
	firstLeaf := index << level
	if firstLeaf >= acc.nextLeafIndex {
		return new(big.Int).Set(acc.zeros[level])
	}
	if level == 0 {
		return new(big.Int).Set(acc.leaves[index])
	}
	return hashNodes(acc.node(level-1, 2*index), acc.node(level-1, 2*index+1))
}

// Root returns a copy of the current root.
func (acc *Accumulator) Root() *big.Int {
	return new(big.Int).Set(acc.root)
}

// IsKnownRoot reports whether root is the current root or one of the
// recent roots still in the bounded history.
func (acc *Accumulator) IsKnownRoot(root *big.Int) bool {
	return acc.history.Contains(root)
}

func (acc *Accumulator) Leaf(index uint64) (*big.Int, error) {
	if index >= acc.nextLeafIndex {
		return nil, ErrLeafOutOfRange
	}
	return new(big.Int).Set(acc.leaves[index]), nil
}

func (acc *Accumulator) LeafCount() uint64 {
	return acc.nextLeafIndex
}

func (acc *Accumulator) Depth() uint32 {
	return acc.depth
}

func (acc *Accumulator) Capacity() uint64 {
	return uint64(1) << acc.depth
}

// Roots returns the root history snapshot, oldest first.
func (acc *Accumulator) Roots() []*big.Int {
	return acc.history.Roots()
}

// VerifyPath folds a leaf with its sibling path and reports whether the
// resulting root matches. Used by provers and tests.
func VerifyPath(leaf *big.Int, index uint64, siblings []*big.Int, root *big.Int) bool {
	current := new(big.Int).Set(leaf)
	pos := index
	for _, sibling := range siblings {
		if pos%2 == 0 {
			current = hashNodes(current, sibling)
		} else {
			current = hashNodes(sibling, current)
		}
		pos /= 2
	}
	return current.Cmp(root) == 0
}

func hashNodes(left, right *big.Int) *big.Int {
	var l, r fr.Element
	l.SetBigInt(left)
	r.SetBigInt(right)
	lb := l.Bytes()
	rb := r.Bytes()
	h := mimc.NewMiMC()
	h.Write(lb[:])
	h.Write(rb[:])
	return new(big.Int).SetBytes(h.Sum(nil))
}

func inField(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(fr.Modulus()) < 0
}
