package pool

import (
	"errors"
	"math/big"
	"testing"

	merkle_tree "shieldpool/pool-node/merkle-tree"
	"shieldpool/pool-node/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptAll approves every proof; checks that run before verification are
// exercised with it in place.
type acceptAll struct{}

func (acceptAll) VerifyWithdrawal(*Proof, *PublicInputs) error { return nil }

type rejectAll struct{}

func (rejectAll) VerifyWithdrawal(*Proof, *PublicInputs) error { return ErrInvalidProof }

type recordingCustodian struct {
	locked     []*big.Int
	unlocked   []*big.Int
	released   []*big.Int
	lockErr    error
	releaseErr error
}

func (c *recordingCustodian) LockDeposit(amount *big.Int) error {
	if c.lockErr != nil {
		return c.lockErr
	}
	c.locked = append(c.locked, new(big.Int).Set(amount))
	return nil
}

func (c *recordingCustodian) UnlockDeposit(amount *big.Int) {
	c.unlocked = append(c.unlocked, new(big.Int).Set(amount))
}

func (c *recordingCustodian) ReleaseWithdrawal(amount *big.Int) error {
	if c.releaseErr != nil {
		return c.releaseErr
	}
	c.released = append(c.released, new(big.Int).Set(amount))
	return nil
}

// flakyStore fails the next withdrawal persistence, then recovers.
type flakyStore struct {
	*store.MemoryStore
	failNext bool
}

func (s *flakyStore) ApplyWithdrawal(nullifier *big.Int, leaves []*big.Int) error {
	if s.failNext {
		s.failNext = false
		return errors.New("store down")
	}
	return s.MemoryStore.ApplyWithdrawal(nullifier, leaves)
}

// failingStore rejects every mutation.
type failingStore struct {
	store.Store
}

func (failingStore) ApplyDeposit(*big.Int) error { return errors.New("store down") }

func (failingStore) ApplyWithdrawal(*big.Int, []*big.Int) error { return errors.New("store down") }

func newTestLedger(t *testing.T, verifier Verifier) *Ledger {
	t.Helper()
	ledger, err := NewLedger(4, 8, verifier, nil, nil)
	require.NoError(t, err)
	return ledger
}

func TestDepositAppendsCommitments(t *testing.T) {
	ledger := newTestLedger(t, acceptAll{})

	emptyRoot := ledger.Root()
	index, root, err := ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), index)
	assert.NotEqual(t, 0, emptyRoot.Cmp(root))

	index, _, err = ledger.Deposit(big.NewInt(202), big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)
	assert.Equal(t, uint64(2), ledger.LeafCount())
	assert.True(t, ledger.IsKnownRoot(emptyRoot))
}

func TestDepositRejectsBadCommitments(t *testing.T) {
	ledger := newTestLedger(t, acceptAll{})

	_, _, err := ledger.Deposit(nil, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidNoteEncoding)

	overflow := new(big.Int).Lsh(big.NewInt(1), 300)
	_, _, err = ledger.Deposit(overflow, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidNoteEncoding)

	_, _, err = ledger.Deposit(big.NewInt(1), big.NewInt(-5))
	assert.ErrorIs(t, err, ErrInvalidNoteEncoding)

	tooLarge := new(big.Int).Lsh(big.NewInt(1), 64)
	_, _, err = ledger.Deposit(big.NewInt(1), tooLarge)
	assert.ErrorIs(t, err, ErrInvalidNoteEncoding)

	assert.Equal(t, uint64(0), ledger.LeafCount())
}

func TestDepositCustodyIsAtomic(t *testing.T) {
	custodian := &recordingCustodian{}
	ledger, err := NewLedger(4, 8, acceptAll{}, failingStore{}, custodian)
	require.NoError(t, err)

	_, _, err = ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.Error(t, err)
	assert.Len(t, custodian.locked, 1, "custody is taken before persistence")
	assert.Len(t, custodian.unlocked, 1, "failed persistence must compensate the lock")
	assert.Equal(t, uint64(0), ledger.LeafCount())
}

func TestDepositCustodyFailureRejectsDeposit(t *testing.T) {
	custodian := &recordingCustodian{lockErr: errors.New("vault unreachable")}
	ledger, err := NewLedger(4, 8, acceptAll{}, nil, custodian)
	require.NoError(t, err)

	_, _, err = ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.Error(t, err)
	assert.Equal(t, uint64(0), ledger.LeafCount())
}

func TestWithdrawBurnsNullifierAndInsertsOutputs(t *testing.T) {
	custodian := &recordingCustodian{}
	ledger, err := NewLedger(4, 8, acceptAll{}, nil, custodian)
	require.NoError(t, err)

	_, root, err := ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)

	inputs := &PublicInputs{
		Root:              root,
		Nullifier:         big.NewInt(555),
		OutputCommitments: []*big.Int{big.NewInt(606), big.NewInt(707)},
		PublicAmount:      big.NewInt(40),
	}
	indices, newRoot, err := ledger.Withdraw(&Proof{}, inputs)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, indices)
	assert.Equal(t, 0, ledger.Root().Cmp(newRoot))
	assert.True(t, ledger.IsNullifierSpent(big.NewInt(555)))
	assert.Equal(t, uint64(3), ledger.LeafCount())
	require.Len(t, custodian.released, 1)
	assert.Equal(t, 0, custodian.released[0].Cmp(big.NewInt(40)))
}

func TestWithdrawRejectsDoubleSpend(t *testing.T) {
	ledger := newTestLedger(t, acceptAll{})
	_, root, err := ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)

	inputs := &PublicInputs{
		Root:         root,
		Nullifier:    big.NewInt(555),
		PublicAmount: big.NewInt(10),
	}
	_, _, err = ledger.Withdraw(&Proof{}, inputs)
	require.NoError(t, err)

	leafCount := ledger.LeafCount()
	rootBefore := ledger.Root()

	// Replay with a different claimed root; only the nullifier matters.
	inputs.Root = ledger.Root()
	_, _, err = ledger.Withdraw(&Proof{}, inputs)
	assert.ErrorIs(t, err, ErrNullifierAlreadySpent)
	assert.Equal(t, leafCount, ledger.LeafCount())
	assert.Equal(t, 0, rootBefore.Cmp(ledger.Root()))
	assert.Equal(t, 1, ledger.SpentCount())
}

func TestWithdrawRejectsUnknownRoot(t *testing.T) {
	ledger := newTestLedger(t, acceptAll{})

	inputs := &PublicInputs{
		Root:         big.NewInt(424242),
		Nullifier:    big.NewInt(555),
		PublicAmount: big.NewInt(10),
	}
	_, _, err := ledger.Withdraw(&Proof{}, inputs)
	assert.ErrorIs(t, err, ErrStaleOrUnknownRoot)
	assert.Equal(t, 0, ledger.SpentCount())
}

func TestWithdrawAgainstRecentRoot(t *testing.T) {
	ledger := newTestLedger(t, acceptAll{})

	_, oldRoot, err := ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)
	_, _, err = ledger.Deposit(big.NewInt(202), big.NewInt(100))
	require.NoError(t, err)

	inputs := &PublicInputs{
		Root:         oldRoot,
		Nullifier:    big.NewInt(555),
		PublicAmount: big.NewInt(10),
	}
	_, _, err = ledger.Withdraw(&Proof{}, inputs)
	assert.NoError(t, err, "a root inside the history window stays spendable")
}

func TestWithdrawRejectsEvictedRoot(t *testing.T) {
	ledger, err := NewLedger(4, 2, acceptAll{}, nil, nil)
	require.NoError(t, err)

	_, oldRoot, err := ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)
	for i := int64(0); i < 3; i++ {
		_, _, err = ledger.Deposit(big.NewInt(200+i), big.NewInt(100))
		require.NoError(t, err)
	}

	inputs := &PublicInputs{
		Root:         oldRoot,
		Nullifier:    big.NewInt(555),
		PublicAmount: big.NewInt(10),
	}
	_, _, err = ledger.Withdraw(&Proof{}, inputs)
	assert.ErrorIs(t, err, ErrStaleOrUnknownRoot)
}

func TestWithdrawRejectsInvalidProof(t *testing.T) {
	ledger := newTestLedger(t, rejectAll{})
	_, root, err := ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)

	inputs := &PublicInputs{
		Root:         root,
		Nullifier:    big.NewInt(555),
		PublicAmount: big.NewInt(10),
	}
	_, _, err = ledger.Withdraw(&Proof{}, inputs)
	assert.ErrorIs(t, err, ErrInvalidProof)
	assert.False(t, ledger.IsNullifierSpent(big.NewInt(555)))
	assert.Equal(t, uint64(1), ledger.LeafCount())
}

func TestWithdrawFullExitKeepsRoot(t *testing.T) {
	ledger := newTestLedger(t, acceptAll{})
	_, root, err := ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)

	inputs := &PublicInputs{
		Root:         root,
		Nullifier:    big.NewInt(555),
		PublicAmount: big.NewInt(100),
	}
	indices, newRoot, err := ledger.Withdraw(&Proof{}, inputs)
	require.NoError(t, err)
	assert.Empty(t, indices)
	assert.Equal(t, 0, root.Cmp(newRoot))
	assert.Equal(t, uint64(1), ledger.LeafCount())
}

func TestWithdrawRejectsWhenOutputsExceedCapacity(t *testing.T) {
	ledger, err := NewLedger(2, 8, acceptAll{}, nil, nil)
	require.NoError(t, err)

	var root *big.Int
	for i := int64(0); i < 3; i++ {
		_, root, err = ledger.Deposit(big.NewInt(100+i), big.NewInt(10))
		require.NoError(t, err)
	}

	inputs := &PublicInputs{
		Root:              root,
		Nullifier:         big.NewInt(555),
		OutputCommitments: []*big.Int{big.NewInt(1), big.NewInt(2)},
		PublicAmount:      big.NewInt(0),
	}
	_, _, err = ledger.Withdraw(&Proof{}, inputs)
	assert.ErrorIs(t, err, merkle_tree.ErrTreeFull)
	assert.False(t, ledger.IsNullifierSpent(big.NewInt(555)))
	assert.Equal(t, uint64(3), ledger.LeafCount())
}

func TestWithdrawStoreFailureLeavesStateUntouched(t *testing.T) {
	ledger, err := NewLedger(4, 8, acceptAll{}, nil, nil)
	require.NoError(t, err)
	_, root, err := ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)

	// Swap in a failing store after the deposit landed.
	ledger.store = failingStore{}
	inputs := &PublicInputs{
		Root:              root,
		Nullifier:         big.NewInt(555),
		OutputCommitments: []*big.Int{big.NewInt(606)},
		PublicAmount:      big.NewInt(0),
	}
	_, _, err = ledger.Withdraw(&Proof{}, inputs)
	require.Error(t, err)
	assert.False(t, ledger.IsNullifierSpent(big.NewInt(555)))
	assert.Equal(t, uint64(1), ledger.LeafCount())
	assert.Equal(t, 0, root.Cmp(ledger.Root()))
}

func TestWithdrawRetryAfterStoreFailurePaysOnce(t *testing.T) {
	custodian := &recordingCustodian{}
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	ledger, err := NewLedger(4, 8, acceptAll{}, st, custodian)
	require.NoError(t, err)

	_, root, err := ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)

	inputs := &PublicInputs{
		Root:         root,
		Nullifier:    big.NewInt(555),
		PublicAmount: big.NewInt(100),
	}
	st.failNext = true
	_, _, err = ledger.Withdraw(&Proof{}, inputs)
	require.Error(t, err)
	assert.Empty(t, custodian.released, "a rejected withdrawal must not pay out")
	assert.False(t, ledger.IsNullifierSpent(big.NewInt(555)))

	_, _, err = ledger.Withdraw(&Proof{}, inputs)
	require.NoError(t, err)
	require.Len(t, custodian.released, 1, "the retried withdrawal pays exactly once")
	assert.Equal(t, 0, custodian.released[0].Cmp(big.NewInt(100)))
	assert.True(t, ledger.IsNullifierSpent(big.NewInt(555)))
}

func TestWithdrawReleaseFailureDoesNotRevertTransition(t *testing.T) {
	custodian := &recordingCustodian{releaseErr: errors.New("vault unreachable")}
	ledger, err := NewLedger(4, 8, acceptAll{}, nil, custodian)
	require.NoError(t, err)

	_, root, err := ledger.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)

	inputs := &PublicInputs{
		Root:         root,
		Nullifier:    big.NewInt(555),
		PublicAmount: big.NewInt(100),
	}
	_, _, err = ledger.Withdraw(&Proof{}, inputs)
	require.NoError(t, err, "a failed payout strands value with the custodian, the transition stands")
	assert.True(t, ledger.IsNullifierSpent(big.NewInt(555)))
	assert.Empty(t, custodian.released)
}

func TestPathWithRootSnapshot(t *testing.T) {
	ledger := newTestLedger(t, acceptAll{})
	for i := int64(0); i < 3; i++ {
		_, _, err := ledger.Deposit(big.NewInt(100+i), big.NewInt(0))
		require.NoError(t, err)
	}

	leaf, siblings, root, err := ledger.PathWithRoot(1)
	require.NoError(t, err)
	assert.Equal(t, int64(101), leaf.Int64())
	assert.True(t, merkle_tree.VerifyPath(leaf, 1, siblings, root))

	_, _, _, err = ledger.PathWithRoot(3)
	assert.ErrorIs(t, err, merkle_tree.ErrLeafOutOfRange)
}

func TestLoadLedgerReplaysStore(t *testing.T) {
	st := store.NewMemoryStore()
	first, err := NewLedger(4, 8, acceptAll{}, st, nil)
	require.NoError(t, err)

	_, root, err := first.Deposit(big.NewInt(101), big.NewInt(100))
	require.NoError(t, err)
	inputs := &PublicInputs{
		Root:              root,
		Nullifier:         big.NewInt(555),
		OutputCommitments: []*big.Int{big.NewInt(606)},
		PublicAmount:      big.NewInt(40),
	}
	_, _, err = first.Withdraw(&Proof{}, inputs)
	require.NoError(t, err)

	second, err := LoadLedger(4, 8, acceptAll{}, st, nil)
	require.NoError(t, err)
	assert.Equal(t, first.LeafCount(), second.LeafCount())
	assert.Equal(t, 0, first.Root().Cmp(second.Root()))
	assert.True(t, second.IsNullifierSpent(big.NewInt(555)))
	assert.Equal(t, first.SpentCount(), second.SpentCount())
}
