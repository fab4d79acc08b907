package pool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
)

// MaxOutputs is the number of output commitments a withdrawal may produce
// (recipient note plus change note).
const MaxOutputs = 2

func FromHex(i *big.Int, s string) error {
	s = strings.TrimPrefix(s, "0x")
	_, ok := i.SetString(s, 16)
	if !ok {
		return fmt.Errorf("invalid number: %s", s)
	}
	return nil
}

func ToHex(i *big.Int) string {
	return fmt.Sprintf("0x%064x", i)
}

// PublicInputs are the public half of a withdrawal: the historical root the
// proof was generated against, the nullifier being burned, the output
// commitments (0 to MaxOutputs) entering the pool, and the value leaving the
// pool publicly.
type PublicInputs struct {
	Root              *big.Int
	Nullifier         *big.Int
	OutputCommitments []*big.Int
	PublicAmount      *big.Int
}

type publicInputsJSON struct {
	Root              string   `json:"root"`
	Nullifier         string   `json:"nullifier"`
	OutputCommitments []string `json:"outputCommitments"`
	PublicAmount      string   `json:"publicAmount"`
}

func (p *PublicInputs) MarshalJSON() ([]byte, error) {
	out := publicInputsJSON{
		Root:              ToHex(p.Root),
		Nullifier:         ToHex(p.Nullifier),
		OutputCommitments: make([]string, len(p.OutputCommitments)),
		PublicAmount:      ToHex(p.PublicAmount),
	}
	for i, cm := range p.OutputCommitments {
		out.OutputCommitments[i] = ToHex(cm)
	}
	return json.Marshal(out)
}

func (p *PublicInputs) UnmarshalJSON(data []byte) error {
	var raw publicInputsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Root = new(big.Int)
	if err := FromHex(p.Root, raw.Root); err != nil {
		return err
	}
	p.Nullifier = new(big.Int)
	if err := FromHex(p.Nullifier, raw.Nullifier); err != nil {
		return err
	}
	p.OutputCommitments = make([]*big.Int, len(raw.OutputCommitments))
	for i, s := range raw.OutputCommitments {
		p.OutputCommitments[i] = new(big.Int)
		if err := FromHex(p.OutputCommitments[i], s); err != nil {
			return err
		}
	}
	p.PublicAmount = new(big.Int)
	if raw.PublicAmount == "" {
		p.PublicAmount.SetInt64(0)
		return nil
	}
	return FromHex(p.PublicAmount, raw.PublicAmount)
}

// Validate checks structure only; root recency and nullifier freshness are
// the gateway's preconditions.
func (p *PublicInputs) Validate() error {
	if p == nil || p.Root == nil || p.Nullifier == nil || p.PublicAmount == nil {
		return ErrMalformedPublicInputs
	}
	if len(p.OutputCommitments) > MaxOutputs {
		return ErrTooManyOutputs
	}
	if !isFieldElement(p.Root) || !isFieldElement(p.Nullifier) {
		return ErrMalformedPublicInputs
	}
	if p.PublicAmount.Sign() < 0 || p.PublicAmount.Cmp(maxAmount) >= 0 {
		return ErrMalformedPublicInputs
	}
	for _, cm := range p.OutputCommitments {
		if !isFieldElement(cm) {
			return ErrMalformedPublicInputs
		}
	}
	return nil
}

// Proof wraps a Groth16 proof. The wire format is the three curve points as
// 0x-prefixed hex limbs, the layout used by on-chain verifiers.
type Proof struct {
	Proof groth16.Proof
}

type proofJSON struct {
	Ar  [2]string    `json:"ar"`
	Bs  [2][2]string `json:"bs"`
	Krs [2]string    `json:"krs"`
}

func (p *Proof) MarshalJSON() ([]byte, error) {
	const fpSize = 32
	var buf bytes.Buffer
	if _, err := p.Proof.WriteRawTo(&buf); err != nil {
		return nil, err
	}
	proofBytes := buf.Bytes()
	hexNumbers := [8]string{}
	for i := 0; i < 8; i++ {
		hexNumbers[i] = ToHex(new(big.Int).SetBytes(proofBytes[i*fpSize : (i+1)*fpSize]))
	}

	out := proofJSON{}
	out.Ar = [2]string{hexNumbers[0], hexNumbers[1]}
	out.Bs = [2][2]string{
		{hexNumbers[2], hexNumbers[3]},
		{hexNumbers[4], hexNumbers[5]},
	}
	out.Krs = [2]string{hexNumbers[6], hexNumbers[7]}
	return json.Marshal(out)
}

func (p *Proof) UnmarshalJSON(data []byte) error {
	var raw proofJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	hexNumbers := [8]string{
		raw.Ar[0],
		raw.Ar[1],
		raw.Bs[0][0],
		raw.Bs[0][1],
		raw.Bs[1][0],
		raw.Bs[1][1],
		raw.Krs[0],
		raw.Krs[1],
	}
	proofInts := [8]big.Int{}
	for i := 0; i < 8; i++ {
		if err := FromHex(&proofInts[i], hexNumbers[i]); err != nil {
			return err
		}
	}
	const fpSize = 32
	proofBytes := make([]byte, 8*fpSize)
	for i := 0; i < 8; i++ {
		intBytes := proofInts[i].Bytes()
		if len(intBytes) <= fpSize {
			copy(proofBytes[i*fpSize+fpSize-len(intBytes):(i+1)*fpSize], intBytes)
		} else {
			copy(proofBytes[i*fpSize:(i+1)*fpSize], intBytes[len(intBytes)-fpSize:])
		}
	}

	p.Proof = groth16.NewProof(ecc.BN254)

	// gnark proofs carry trailing commitment fields after the three points;
	// pad with zeros so ReadFrom accepts the bare point encoding.
	tempProof := groth16.NewProof(ecc.BN254)
	var tempBuf bytes.Buffer
	if _, err := tempProof.WriteRawTo(&tempBuf); err != nil {
		return err
	}
	expectedSize := tempBuf.Len()

	var fullProofBuf bytes.Buffer
	fullProofBuf.Write(proofBytes)
	if expectedSize > len(proofBytes) {
		fullProofBuf.Write(make([]byte, expectedSize-len(proofBytes)))
	}

	if _, err := p.Proof.ReadFrom(bytes.NewReader(fullProofBuf.Bytes())); err != nil {
		return err
	}
	return nil
}
