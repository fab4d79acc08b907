// note.go - the private balance unit and its derived commitment and nullifier.
//
// A note commits to (amount, owner public key, blinding factor) under MiMC on
// the BN254 scalar field. The commitment is safe to publish; the nullifier can
// only be computed by the holder of the spending key and is unlinkable to the
// commitment without it. Commitment and nullifier hashes are domain-separated
// by a leading tag so one can never be confused for the other.
package pool

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Domain tags, written as the first hash block.
const (
	commitmentDomain = 1
	nullifierDomain  = 2
)

// NoteAmountBits bounds note amounts to 64 bits; the withdrawal circuit
// range-checks every amount against the same bound so sums cannot wrap
// around the field modulus.
const NoteAmountBits = 64

var maxAmount = new(big.Int).Lsh(big.NewInt(1), NoteAmountBits)

// Note is one unit of private value. All fields are BN254 scalar field
// elements; Amount is additionally bounded to NoteAmountBits.
type Note struct {
	Amount   *big.Int
	OwnerPk  *big.Int
	Blinding *big.Int
}

// NewNote creates a note for the given amount and owner with a fresh
// uniformly random blinding factor.
func NewNote(amount uint64, ownerPk *big.Int) (*Note, error) {
	var blinding fr.Element
	if _, err := blinding.SetRandom(); err != nil {
		return nil, err
	}
	note := &Note{
		Amount:   new(big.Int).SetUint64(amount),
		OwnerPk:  new(big.Int).Set(ownerPk),
		Blinding: blinding.BigInt(new(big.Int)),
	}
	if err := note.validate(); err != nil {
		return nil, err
	}
	return note, nil
}

// ZeroNote is the canonical absent output: amount 0, owner 0, blinding 0.
// Its commitment pads unused output slots in withdrawal public inputs.
func ZeroNote() *Note {
	return &Note{Amount: big.NewInt(0), OwnerPk: big.NewInt(0), Blinding: big.NewInt(0)}
}

// NewSpendingKey draws a fresh spending key.
func NewSpendingKey() (*big.Int, error) {
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, err
	}
	return sk.BigInt(new(big.Int)), nil
}

// DeriveOwnerPk derives the public spending-authority key from a secret key.
func DeriveOwnerPk(sk *big.Int) (*big.Int, error) {
	if !isFieldElement(sk) {
		return nil, ErrInvalidNoteEncoding
	}
	return hashFields(sk), nil
}

// Commitment computes the hiding, binding digest of the note:
// MiMC(commitmentDomain, amount, ownerPk, blinding).
func (n *Note) Commitment() (*big.Int, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	return hashFields(big.NewInt(commitmentDomain), n.Amount, n.OwnerPk, n.Blinding), nil
}

// Nullifier computes the spend marker for the note inserted at leafIndex:
// MiMC(nullifierDomain, sk, leafIndex). Only the key holder can compute it.
func Nullifier(sk *big.Int, leafIndex uint64) (*big.Int, error) {
	if !isFieldElement(sk) {
		return nil, ErrInvalidNoteEncoding
	}
	return hashFields(big.NewInt(nullifierDomain), sk, new(big.Int).SetUint64(leafIndex)), nil
}

func (n *Note) validate() error {
	if n == nil || n.Amount == nil || n.OwnerPk == nil || n.Blinding == nil {
		return ErrInvalidNoteEncoding
	}
	if n.Amount.Sign() < 0 || n.Amount.Cmp(maxAmount) >= 0 {
		return ErrInvalidNoteEncoding
	}
	if !isFieldElement(n.OwnerPk) || !isFieldElement(n.Blinding) {
		return ErrInvalidNoteEncoding
	}
	return nil
}

func isFieldElement(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(fr.Modulus()) < 0
}

// hashFields hashes field elements with native MiMC, matching the in-circuit
// gadget block for block.
func hashFields(values ...*big.Int) *big.Int {
	h := mimc.NewMiMC()
	for _, v := range values {
		var e fr.Element
		e.SetBigInt(v)
		b := e.Bytes()
		h.Write(b[:])
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}
