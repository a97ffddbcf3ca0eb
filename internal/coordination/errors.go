package coordination

import "errors"

var (
	// ErrNotFound indicates no coordination record exists for the escrow.
	ErrNotFound = errors.New("coordination not found")

	// ErrInvalidRpcUrl indicates a malformed or non-loopback endpoint.
	// Rejected locally; no network call is ever made for such an endpoint.
	ErrInvalidRpcUrl = errors.New("invalid rpc url: endpoint must be loopback")

	// ErrPartialRegistration indicates the handshake was requested before
	// all three parties registered.
	ErrPartialRegistration = errors.New("not all parties are registered")

	// ErrAlreadyRegistered indicates a registration arrived after the
	// coordination moved past the registration window.
	ErrAlreadyRegistered = errors.New("registration window is closed")

	// ErrRpcUnreachable indicates a wallet endpoint could not be reached
	// after bounded retries.
	ErrRpcUnreachable = errors.New("wallet endpoint unreachable")

	// ErrRpcTimeout indicates a wallet call exceeded its deadline after
	// bounded retries.
	ErrRpcTimeout = errors.New("wallet endpoint timed out")

	// ErrInvalidHandshakeFormat indicates a party returned a token that
	// fails the expected shape. Never retried; fatal to the coordination.
	ErrInvalidHandshakeFormat = errors.New("handshake token has invalid format")

	// ErrAddressMismatch indicates the three finalized addresses disagree.
	// Fatal; indicates protocol corruption or tampering and is flagged for
	// manual investigation.
	ErrAddressMismatch = errors.New("finalized multisig addresses do not match")

	// ErrAlreadyMultisig indicates a handshake was re-requested on a ready
	// coordination. Informational; the existing address is returned.
	ErrAlreadyMultisig = errors.New("wallet is already multisig")

	// ErrCoordinationFailed indicates the coordination is in the Failed
	// state and cannot be resumed.
	ErrCoordinationFailed = errors.New("coordination has failed and cannot be resumed")

	// ErrNotReady indicates an operation that requires a completed
	// handshake was called too early.
	ErrNotReady = errors.New("multisig wallet is not ready")

	// ErrThresholdNotMet indicates fewer than the required number of valid
	// signature fragments were collected at release time.
	ErrThresholdNotMet = errors.New("fewer than threshold valid signature fragments")

	// ErrAlreadyReleased indicates a release was requested on an escrow
	// whose funds were already disbursed.
	ErrAlreadyReleased = errors.New("escrow funds already released")

	// ErrNonCustodialViolation marks a code path that would put private
	// key material in the engine's hands. It is a programming-invariant
	// violation and must be unreachable by construction.
	ErrNonCustodialViolation = errors.New("non-custodial invariant violated")
)
