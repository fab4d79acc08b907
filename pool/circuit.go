package pool

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// WithdrawalCircuit proves, without revealing the spent note: the prover
// knows a note committed at some leaf under Root, holds its spending key,
// Nullifier is that note's spend marker, both output slots open to the
// claimed commitments, and value is conserved:
//
//	amount = outputAmount[0] + outputAmount[1] + PublicAmount
//
// The circuit always carries MaxOutputs output slots; an absent output is
// the zero note (amount 0, owner 0, blinding 0), whose commitment is the
// fixed padding constant the gateway uses when fewer commitments are
// submitted.
type WithdrawalCircuit struct {
	// Public
	Root              frontend.Variable             `gnark:",public"`
	Nullifier         frontend.Variable             `gnark:",public"`
	OutputCommitments [MaxOutputs]frontend.Variable `gnark:",public"`
	PublicAmount      frontend.Variable             `gnark:",public"`

	// Private
	Amount       frontend.Variable
	SpendingKey  frontend.Variable
	Blinding     frontend.Variable
	LeafIndex    frontend.Variable
	PathElements []frontend.Variable

	OutputAmounts   [MaxOutputs]frontend.Variable
	OutputOwnerPks  [MaxOutputs]frontend.Variable
	OutputBlindings [MaxOutputs]frontend.Variable

	// Depth is a structural parameter, fixed at compile time.
	Depth uint32
}

func (c *WithdrawalCircuit) Define(api frontend.API) error {
	// (1) Spending authority: the note's owner key is derived from the key
	// the prover actually holds.
	ownerPk := circuitHash(api, c.SpendingKey)

	// (2) Commitment opening for the spent note.
	commitment := circuitHash(api, commitmentDomain, c.Amount, ownerPk, c.Blinding)

	// (3) Membership: fold the commitment with the sibling path; the leaf
	// index bits choose left/right at each level.
	indexBits := api.ToBinary(c.LeafIndex, int(c.Depth))
	current := commitment
	for i := 0; i < int(c.Depth); i++ {
		left := api.Select(indexBits[i], c.PathElements[i], current)
		right := api.Select(indexBits[i], current, c.PathElements[i])
		current = circuitHash(api, left, right)
	}
	api.AssertIsEqual(current, c.Root)

	// (4) Nullifier correctness, bound to the leaf position.
	nullifier := circuitHash(api, nullifierDomain, c.SpendingKey, c.LeafIndex)
	api.AssertIsEqual(nullifier, c.Nullifier)

	// (5) Output openings and conservation. Amounts are range-checked so the
	// sum cannot wrap the field modulus.
	api.ToBinary(c.Amount, NoteAmountBits)
	api.ToBinary(c.PublicAmount, NoteAmountBits)
	sum := c.PublicAmount
	for i := 0; i < MaxOutputs; i++ {
		outCommitment := circuitHash(api, commitmentDomain, c.OutputAmounts[i], c.OutputOwnerPks[i], c.OutputBlindings[i])
		api.AssertIsEqual(c.OutputCommitments[i], outCommitment)
		api.ToBinary(c.OutputAmounts[i], NoteAmountBits)
		sum = api.Add(sum, c.OutputAmounts[i])
	}
	api.AssertIsEqual(c.Amount, sum)

	return nil
}

func circuitHash(api frontend.API, values ...frontend.Variable) frontend.Variable {
	h, _ := mimc.NewMiMC(api)
	h.Write(values...)
	return h.Sum()
}
