package pool

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"os"

	"shieldpool/pool-node/logging"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

// ProvingSystem bundles the compiled withdrawal circuit with its Groth16
// keys for a fixed tree depth.
type ProvingSystem struct {
	TreeDepth        uint32
	ProvingKey       groth16.ProvingKey
	VerifyingKey     groth16.VerifyingKey
	ConstraintSystem constraint.ConstraintSystem
}

// NewWithdrawalCircuit returns the circuit shell for the given depth, used
// for compilation and witness assignment.
func NewWithdrawalCircuit(depth uint32) *WithdrawalCircuit {
	return &WithdrawalCircuit{
		PathElements: make([]frontend.Variable, depth),
		Depth:        depth,
	}
}

// Setup compiles the withdrawal circuit at the given depth and runs the
// one-time Groth16 setup.
func Setup(depth uint32) (*ProvingSystem, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewWithdrawalCircuit(depth))
	if err != nil {
		return nil, err
	}
	logging.Logger().Info().
		Uint32("tree_depth", depth).
		Int("constraints", ccs.GetNbConstraints()).
		Msg("withdrawal circuit compiled")
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, err
	}
	return &ProvingSystem{
		TreeDepth:        depth,
		ProvingKey:       pk,
		VerifyingKey:     vk,
		ConstraintSystem: ccs,
	}, nil
}

func (ps *ProvingSystem) WriteTo(w io.Writer) (int64, error) {
	var totalWritten int64 = 0
	var intBuf [4]byte

	binary.BigEndian.PutUint32(intBuf[:], ps.TreeDepth)
	written, err := w.Write(intBuf[:])
	totalWritten += int64(written)
	if err != nil {
		return totalWritten, err
	}

	keyWritten, err := ps.ProvingKey.WriteTo(w)
	totalWritten += keyWritten
	if err != nil {
		return totalWritten, err
	}

	keyWritten, err = ps.VerifyingKey.WriteTo(w)
	totalWritten += keyWritten
	if err != nil {
		return totalWritten, err
	}

	keyWritten, err = ps.ConstraintSystem.WriteTo(w)
	totalWritten += keyWritten
	if err != nil {
		return totalWritten, err
	}
	return totalWritten, nil
}

func (ps *ProvingSystem) UnsafeReadFrom(r io.Reader) (int64, error) {
	var totalRead int64 = 0
	var intBuf [4]byte

	read, err := io.ReadFull(r, intBuf[:])
	totalRead += int64(read)
	if err != nil {
		return totalRead, err
	}
	ps.TreeDepth = binary.BigEndian.Uint32(intBuf[:])

	ps.ProvingKey = groth16.NewProvingKey(ecc.BN254)
	keyRead, err := ps.ProvingKey.UnsafeReadFrom(r)
	totalRead += keyRead
	if err != nil {
		return totalRead, err
	}

	ps.VerifyingKey = groth16.NewVerifyingKey(ecc.BN254)
	keyRead, err = ps.VerifyingKey.UnsafeReadFrom(r)
	totalRead += keyRead
	if err != nil {
		return totalRead, err
	}

	ps.ConstraintSystem = groth16.NewCS(ecc.BN254)
	keyRead, err = ps.ConstraintSystem.ReadFrom(r)
	totalRead += keyRead
	if err != nil {
		return totalRead, err
	}
	return totalRead, nil
}

// WriteProvingSystem writes the full system to path and the verifier-only
// portion (depth + verifying key) to pathVkey. The node only needs the
// latter; provers need the former.
func WriteProvingSystem(ps *ProvingSystem, path string, pathVkey string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := ps.WriteTo(file); err != nil {
		return err
	}

	vkFile, err := os.Create(pathVkey)
	if err != nil {
		return err
	}
	defer vkFile.Close()
	var intBuf [4]byte
	binary.BigEndian.PutUint32(intBuf[:], ps.TreeDepth)
	if _, err := vkFile.Write(intBuf[:]); err != nil {
		return err
	}
	if _, err := ps.VerifyingKey.WriteTo(vkFile); err != nil {
		return err
	}
	return nil
}

func ReadSystemFromFile(path string) (*ProvingSystem, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	ps := new(ProvingSystem)
	if _, err := ps.UnsafeReadFrom(file); err != nil {
		return nil, err
	}
	return ps, nil
}

// WithdrawalWitness is the private half a prover supplies alongside the
// public inputs: the spent note, its key and position, the membership path,
// and up to MaxOutputs output notes. Missing outputs are padded with the
// zero note.
type WithdrawalWitness struct {
	Note         *Note
	SpendingKey  *big.Int
	LeafIndex    uint64
	PathElements []*big.Int
	Outputs      []*Note
}

// ProveWithdrawal generates a Groth16 proof for the witness against the
// given public inputs. This is the client-side half of the protocol; the
// node only ever verifies.
func (ps *ProvingSystem) ProveWithdrawal(w *WithdrawalWitness, inputs *PublicInputs) (*Proof, error) {
	if err := inputs.Validate(); err != nil {
		return nil, err
	}
	if len(w.PathElements) != int(ps.TreeDepth) {
		return nil, fmt.Errorf("path has %d elements, tree depth is %d", len(w.PathElements), ps.TreeDepth)
	}
	if len(w.Outputs) > MaxOutputs {
		return nil, ErrTooManyOutputs
	}

	assignment := NewWithdrawalCircuit(ps.TreeDepth)
	assignment.Root = inputs.Root
	assignment.Nullifier = inputs.Nullifier
	assignment.PublicAmount = inputs.PublicAmount
	assignment.Amount = w.Note.Amount
	assignment.SpendingKey = w.SpendingKey
	assignment.Blinding = w.Note.Blinding
	assignment.LeafIndex = w.LeafIndex
	for i, el := range w.PathElements {
		assignment.PathElements[i] = el
	}

	outputs := make([]*Note, MaxOutputs)
	for i := 0; i < MaxOutputs; i++ {
		if i < len(w.Outputs) {
			outputs[i] = w.Outputs[i]
		} else {
			outputs[i] = ZeroNote()
		}
		commitment, err := outputs[i].Commitment()
		if err != nil {
			return nil, err
		}
		assignment.OutputCommitments[i] = commitment
		assignment.OutputAmounts[i] = outputs[i].Amount
		assignment.OutputOwnerPks[i] = outputs[i].OwnerPk
		assignment.OutputBlindings[i] = outputs[i].Blinding
	}

	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}
	proof, err := groth16.Prove(ps.ConstraintSystem, ps.ProvingKey, witness)
	if err != nil {
		return nil, err
	}
	return &Proof{Proof: proof}, nil
}

// Verifier decides whether a withdrawal proof is cryptographically valid for
// the given public inputs. The gateway depends on nothing else of the
// proving system.
type Verifier interface {
	VerifyWithdrawal(proof *Proof, inputs *PublicInputs) error
}

// Groth16Verifier checks withdrawal proofs against a verifying key. It is
// stateless and side-effect-free.
type Groth16Verifier struct {
	treeDepth    uint32
	verifyingKey groth16.VerifyingKey
}

func NewGroth16Verifier(depth uint32, vk groth16.VerifyingKey) *Groth16Verifier {
	return &Groth16Verifier{treeDepth: depth, verifyingKey: vk}
}

// Verifier returns the verifier half of a full proving system.
func (ps *ProvingSystem) Verifier() *Groth16Verifier {
	return NewGroth16Verifier(ps.TreeDepth, ps.VerifyingKey)
}

// ReadVerifierFromFile loads a verifier from a vkey file written by
// WriteProvingSystem.
func ReadVerifierFromFile(path string) (*Groth16Verifier, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var intBuf [4]byte
	if _, err := io.ReadFull(file, intBuf[:]); err != nil {
		return nil, err
	}
	depth := binary.BigEndian.Uint32(intBuf[:])

	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(file); err != nil {
		return nil, err
	}
	return NewGroth16Verifier(depth, vk), nil
}

func (v *Groth16Verifier) VerifyWithdrawal(proof *Proof, inputs *PublicInputs) error {
	if proof == nil || proof.Proof == nil {
		return ErrInvalidProof
	}
	pub, err := publicWitness(v.treeDepth, inputs)
	if err != nil {
		return err
	}
	if err := groth16.Verify(proof.Proof, v.verifyingKey, pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}

// publicWitness assembles the public-only witness the verifier checks the
// proof against, padding absent output slots with the zero-note commitment.
func publicWitness(depth uint32, inputs *PublicInputs) (witness.Witness, error) {
	assignment := NewWithdrawalCircuit(depth)
	assignment.Root = inputs.Root
	assignment.Nullifier = inputs.Nullifier
	assignment.PublicAmount = inputs.PublicAmount
	for i := 0; i < MaxOutputs; i++ {
		if i < len(inputs.OutputCommitments) {
			assignment.OutputCommitments[i] = inputs.OutputCommitments[i]
		} else {
			assignment.OutputCommitments[i] = ZeroOutputCommitment()
		}
	}
	return frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
}

// ZeroOutputCommitment is the commitment of the zero note, used to pad
// unused output slots.
func ZeroOutputCommitment() *big.Int {
	commitment, _ := ZeroNote().Commitment()
	return commitment
}
