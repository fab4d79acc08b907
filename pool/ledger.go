// ledger.go - the shielded-pool state machine.
//
// The Ledger exclusively owns the commitment accumulator and the nullifier
// set; deposits and withdrawals are the only mutations and are applied one
// at a time under a single transition lock. A rejected transition leaves
// every component untouched.
package pool

import (
	"fmt"
	"math/big"
	"sync"

	merkle_tree "shieldpool/pool-node/merkle-tree"
	"shieldpool/pool-node/store"

	"github.com/google/uuid"

	"shieldpool/pool-node/logging"
)

// Custodian is the external asset-custody collaborator. Locking underlying
// value happens atomically with a deposit's insertion; releasing value
// happens when a withdrawal carries a public amount out of the pool.
type Custodian interface {
	// LockDeposit takes custody of the value entering the pool.
	LockDeposit(amount *big.Int) error
	// UnlockDeposit compensates a lock whose deposit could not be applied.
	UnlockDeposit(amount *big.Int)
	// ReleaseWithdrawal pays out the public amount of a withdrawal.
	ReleaseWithdrawal(amount *big.Int) error
}

// NopCustodian is used when custody is handled entirely outside the node.
type NopCustodian struct{}

func (NopCustodian) LockDeposit(*big.Int) error       { return nil }
func (NopCustodian) UnlockDeposit(*big.Int)           {}
func (NopCustodian) ReleaseWithdrawal(*big.Int) error { return nil }

// Ledger serializes state transitions over the accumulator and nullifier
// set. Reads take the shared lock; transitions take the exclusive lock, so
// the gateway's check-then-set on nullifiers is race-free.
type Ledger struct {
	mu        sync.RWMutex
	tree      *merkle_tree.Accumulator
	spent     *NullifierSet
	gateway   *Gateway
	store     store.Store
	custodian Custodian
}

// NewLedger creates an empty ledger. A nil store falls back to in-memory
// persistence; a nil custodian to the no-op one.
func NewLedger(depth uint32, rootHistory int, verifier Verifier, st store.Store, custodian Custodian) (*Ledger, error) {
	tree, err := merkle_tree.New(depth, rootHistory)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	if custodian == nil {
		custodian = NopCustodian{}
	}
	ledger := &Ledger{
		tree:      tree,
		spent:     NewNullifierSet(),
		store:     st,
		custodian: custodian,
	}
	ledger.gateway = NewGateway(verifier, tree, ledger.spent)
	return ledger, nil
}

// LoadLedger rebuilds ledger state from the store: leaves are re-inserted in
// order (recomputing every root along the way) and nullifiers re-registered.
func LoadLedger(depth uint32, rootHistory int, verifier Verifier, st store.Store, custodian Custodian) (*Ledger, error) {
	ledger, err := NewLedger(depth, rootHistory, verifier, st, custodian)
	if err != nil {
		return nil, err
	}

	leaves, err := ledger.store.LoadLeaves()
	if err != nil {
		return nil, err
	}
	for i, leaf := range leaves {
		if _, _, err := ledger.tree.Insert(leaf); err != nil {
			return nil, fmt.Errorf("replaying leaf %d: %w", i, err)
		}
	}

	nullifiers, err := ledger.store.LoadNullifiers()
	if err != nil {
		return nil, err
	}
	for _, n := range nullifiers {
		if err := ledger.spent.Insert(n); err != nil {
			return nil, fmt.Errorf("replaying nullifier %s: %w", ToHex(n), err)
		}
	}

	// Roots are replay-derived; the stored history is advisory. A mismatch
	// on the newest stored root means the store saw transitions this replay
	// did not, which deserves an operator's attention.
	if stored, err := st.LoadRoots(); err == nil && len(stored) > 0 {
		if stored[len(stored)-1].Cmp(ledger.tree.Root()) != 0 {
			logging.Logger().Warn().
				Str("stored_root", ToHex(stored[len(stored)-1])).
				Str("replayed_root", ToHex(ledger.tree.Root())).
				Msg("stored root history diverges from replayed state")
		}
	}

	logging.Logger().Info().
		Uint64("leaves", ledger.tree.LeafCount()).
		Int("nullifiers", ledger.spent.Size()).
		Str("root", ToHex(ledger.tree.Root())).
		Msg("ledger state replayed from store")
	return ledger, nil
}

// Deposit inserts a commitment and returns its leaf index and the new root.
// Custody of publicAmount is taken atomically with the insertion: if either
// side fails, neither is observable.
func (l *Ledger) Deposit(commitment *big.Int, publicAmount *big.Int) (uint64, *big.Int, error) {
	if !isFieldElement(commitment) {
		return 0, nil, ErrInvalidNoteEncoding
	}
	if publicAmount == nil || publicAmount.Sign() < 0 || publicAmount.Cmp(maxAmount) >= 0 {
		return 0, nil, ErrInvalidNoteEncoding
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tree.LeafCount() >= l.tree.Capacity() {
		return 0, nil, merkle_tree.ErrTreeFull
	}

	if err := l.custodian.LockDeposit(publicAmount); err != nil {
		return 0, nil, fmt.Errorf("custody failed: %w", err)
	}

	// Persist first: the in-memory insert cannot fail after the capacity
	// and field checks above, so store and memory stay in lockstep.
	if err := l.store.ApplyDeposit(commitment); err != nil {
		l.custodian.UnlockDeposit(publicAmount)
		return 0, nil, err
	}
	index, newRoot, err := l.tree.Insert(commitment)
	if err != nil {
		l.custodian.UnlockDeposit(publicAmount)
		return 0, nil, err
	}
	l.saveRoots()

	transitionID := uuid.New().String()
	logging.Logger().Info().
		Str("transition_id", transitionID).
		Uint64("leaf_index", index).
		Str("root", ToHex(newRoot)).
		Msg("deposit applied")
	return index, newRoot, nil
}

// saveRoots records the live root-history window. Roots are replay-derived,
// so a failure here does not break recovery; it is logged and the
// transition stands.
func (l *Ledger) saveRoots() {
	if err := l.store.SaveRoots(l.tree.Roots()); err != nil {
		logging.Logger().Error().Err(err).Msg("failed to persist root history")
	}
}

// Withdraw verifies the proof through the gateway, then atomically burns
// the nullifier and inserts the output commitments. On any rejection the
// accumulator, root history, and nullifier set are unchanged.
func (l *Ledger) Withdraw(proof *Proof, inputs *PublicInputs) ([]uint64, *big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.gateway.VerifyWithdrawal(proof, inputs); err != nil {
		return nil, nil, err
	}

	if l.tree.LeafCount()+uint64(len(inputs.OutputCommitments)) > l.tree.Capacity() {
		return nil, nil, merkle_tree.ErrTreeFull
	}

	if err := l.store.ApplyWithdrawal(inputs.Nullifier, inputs.OutputCommitments); err != nil {
		return nil, nil, err
	}

	// Past this point nothing can fail: the nullifier was checked fresh and
	// capacity was reserved, both under the lock we still hold.
	if err := l.spent.Insert(inputs.Nullifier); err != nil {
		return nil, nil, err
	}
	indices := make([]uint64, len(inputs.OutputCommitments))
	var newRoot *big.Int
	for i, commitment := range inputs.OutputCommitments {
		index, root, err := l.tree.Insert(commitment)
		if err != nil {
			return nil, nil, err
		}
		indices[i] = index
		newRoot = root
	}
	if newRoot == nil {
		// Full public exit: no shielded change, root unchanged.
		newRoot = l.tree.Root()
	}

	// Pay out only once the transition is durable and applied: a store
	// failure above leaves the payout unmade, so a retry cannot pay the
	// same note twice. A failed release here strands value with the
	// custodian, which can retry out of band against the spent nullifier.
	if inputs.PublicAmount.Sign() > 0 {
		if err := l.custodian.ReleaseWithdrawal(inputs.PublicAmount); err != nil {
			logging.Logger().Error().
				Err(err).
				Str("nullifier", ToHex(inputs.Nullifier)).
				Str("amount", ToHex(inputs.PublicAmount)).
				Msg("custody release failed after withdrawal was applied")
		}
	}
	l.saveRoots()

	transitionID := uuid.New().String()
	logging.Logger().Info().
		Str("transition_id", transitionID).
		Str("nullifier", ToHex(inputs.Nullifier)).
		Int("outputs", len(indices)).
		Str("root", ToHex(newRoot)).
		Msg("withdrawal applied")
	return indices, newRoot, nil
}

// Root returns the current accumulator root.
func (l *Ledger) Root() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Root()
}

// Path returns the membership path for a leaf, read by off-chain provers.
func (l *Ledger) Path(index uint64) ([]*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Path(index)
}

func (l *Ledger) Leaf(index uint64) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Leaf(index)
}

// PathWithRoot returns a leaf, its sibling path, and the root they verify
// against as one consistent snapshot, so a concurrent deposit cannot slip
// between the reads.
func (l *Ledger) PathWithRoot(index uint64) (*big.Int, []*big.Int, *big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	leaf, err := l.tree.Leaf(index)
	if err != nil {
		return nil, nil, nil, err
	}
	siblings, err := l.tree.Path(index)
	if err != nil {
		return nil, nil, nil, err
	}
	return leaf, siblings, l.tree.Root(), nil
}

func (l *Ledger) LeafCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.LeafCount()
}

func (l *Ledger) IsKnownRoot(root *big.Int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.IsKnownRoot(root)
}

func (l *Ledger) IsNullifierSpent(nullifier *big.Int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spent.Contains(nullifier)
}

func (l *Ledger) SpentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spent.Size()
}

func (l *Ledger) TreeDepth() uint32 {
	return l.tree.Depth()
}
