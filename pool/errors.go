package pool

import "errors"

// Rejection reasons surfaced by the gateway and the ledger state machine.
// All of them are terminal for the submitted transition; only
// ErrStaleOrUnknownRoot is recoverable by regenerating the proof against a
// fresh root.
var (
	ErrInvalidNoteEncoding   = errors.New("invalid note encoding")
	ErrMalformedPublicInputs = errors.New("malformed public inputs")
	ErrTooManyOutputs        = errors.New("too many output commitments")
	ErrStaleOrUnknownRoot    = errors.New("stale or unknown root")
	ErrNullifierAlreadySpent = errors.New("nullifier already spent")
	ErrInvalidProof          = errors.New("invalid proof")
)
