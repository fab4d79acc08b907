package pool

import (
	"errors"
	"fmt"
	"math/big"

	"shieldpool/pool-node/logging"
)

// RootChecker reports whether a root is the current one or still inside the
// bounded history window.
type RootChecker interface {
	IsKnownRoot(root *big.Int) bool
}

// SpentChecker reports whether a nullifier has already been burned.
type SpentChecker interface {
	Contains(nullifier *big.Int) bool
}

// Gateway is the sole authority deciding whether a claimed withdrawal is
// valid. It is stateless: it reads root recency and nullifier freshness,
// checks input shape, and delegates the cryptographic check to the opaque
// Verifier. It never mutates ledger state.
type Gateway struct {
	verifier Verifier
	roots    RootChecker
	spent    SpentChecker
}

func NewGateway(verifier Verifier, roots RootChecker, spent SpentChecker) *Gateway {
	return &Gateway{verifier: verifier, roots: roots, spent: spent}
}

// VerifyWithdrawal runs the cheap precondition checks before paying for
// proof verification. The nullifier check here is only the fast path; the
// ledger re-runs check-then-set under its transition lock.
func (g *Gateway) VerifyWithdrawal(proof *Proof, inputs *PublicInputs) error {
	if err := inputs.Validate(); err != nil {
		return err
	}
	if !g.roots.IsKnownRoot(inputs.Root) {
		return ErrStaleOrUnknownRoot
	}
	if g.spent.Contains(inputs.Nullifier) {
		return ErrNullifierAlreadySpent
	}
	if err := g.verifier.VerifyWithdrawal(proof, inputs); err != nil {
		if !errors.Is(err, ErrInvalidProof) {
			err = fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
		// Possible forgery attempt; flag for the host's monitoring.
		logging.Logger().Warn().
			Str("nullifier", ToHex(inputs.Nullifier)).
			Str("root", ToHex(inputs.Root)).
			Msg("withdrawal proof failed cryptographic verification")
		return err
	}
	return nil
}
