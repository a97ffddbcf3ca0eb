package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/veilstreet/escrowd/internal/logging"
	"github.com/veilstreet/escrowd/internal/metrics"
	"github.com/veilstreet/escrowd/internal/traces"
	"github.com/veilstreet/escrowd/internal/walletrpc"
)

// roundOutcome is the result of one fully completed handshake round: the
// token (or finalized address) each party returned.
type roundOutcome struct {
	values map[Role]string
	// final is set when the round produced addresses instead of tokens.
	final bool
}

// CoordinateHandshake drives the multisig setup protocol for an escrow to
// completion. Each round fans out to the three endpoints in parallel; the
// results are applied to the record in a single critical section, so no
// partial round is ever visible. The escrow lock is released during the
// network phase of each round, which lets Abort interleave between rounds;
// results arriving after an abort are discarded.
//
// Calling this on a Ready coordination returns the record together with
// ErrAlreadyMultisig and performs no network calls.
func (co *Coordinator) CoordinateHandshake(ctx context.Context, escrowID string) (*Coordination, error) {
	ctx, span := traces.StartSpan(ctx, "coordination.CoordinateHandshake", traces.EscrowID(escrowID))
	defer span.End()

	start := time.Now()
	for {
		record, state, err := co.beginRound(ctx, escrowID)
		if err != nil {
			return record, err
		}

		// Network phase. No lock is held while the three per-party
		// calls are in flight.
		outcome, roundErr := co.runRound(ctx, record, state)

		applied, err := co.applyRound(ctx, escrowID, state, outcome, roundErr)
		if err != nil {
			metrics.HandshakesTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		if !applied {
			// Another caller advanced or failed the record while our
			// calls were in flight; re-read and decide from there.
			continue
		}
		if outcome.final {
			metrics.HandshakesTotal.WithLabelValues("ready").Inc()
			metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
			return co.store.Get(ctx, escrowID)
		}
	}
}

// beginRound reads the record under the escrow lock and decides whether a
// round can start. Terminal and premature states surface the matching
// taxonomy error; a Ready record is returned alongside ErrAlreadyMultisig.
func (co *Coordinator) beginRound(ctx context.Context, escrowID string) (*Coordination, State, error) {
	unlock, err := co.locks.LockContext(ctx, escrowID)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	record, err := co.store.Get(ctx, escrowID)
	if err != nil {
		return nil, "", err
	}

	switch record.State {
	case StateReady, StateReleased:
		metrics.HandshakesTotal.WithLabelValues("already_multisig").Inc()
		return record, "", ErrAlreadyMultisig
	case StateFailed:
		return nil, "", ErrCoordinationFailed
	case StateAwaitingRegistrations:
		return nil, "", ErrPartialRegistration
	}
	return record, record.State, nil
}

// runRound issues the wallet calls for the round implied by state. The
// record passed in is a snapshot; only its endpoints and token buffers are
// read.
func (co *Coordinator) runRound(ctx context.Context, record *Coordination, state State) (*roundOutcome, error) {
	switch state {
	case StateAllRegistered:
		return co.roundPrepare(ctx, record)
	case StatePreparingRound1:
		return co.roundMakeMultisig(ctx, record)
	case StateKeysExchangedRound2:
		final := record.ExchangeRoundsDone+2 >= co.keyExchangeRounds
		return co.roundExchangeKeys(ctx, record, final)
	}
	return nil, fmt.Errorf("no handshake round runs from state %s", state)
}

// roundPrepare asks each wallet for its initial key token.
func (co *Coordinator) roundPrepare(ctx context.Context, record *Coordination) (*roundOutcome, error) {
	values, err := co.fanOut(ctx, record, "coordination.handshakeRound", 1, func(ctx context.Context, role Role, endpoint string) (string, error) {
		res, err := co.wallet.PrepareMultisig(ctx, endpoint)
		if err != nil {
			return "", err
		}
		return res.MultisigInfo, nil
	})
	if err != nil {
		return nil, err
	}
	if err := validateTokens(values); err != nil {
		return nil, err
	}
	return &roundOutcome{values: values}, nil
}

// roundMakeMultisig feeds each wallet the other two parties' prepare
// tokens for the first key exchange round.
func (co *Coordinator) roundMakeMultisig(ctx context.Context, record *Coordination) (*roundOutcome, error) {
	tokens := record.RoundData
	values, err := co.fanOut(ctx, record, "coordination.handshakeRound", 2, func(ctx context.Context, role Role, endpoint string) (string, error) {
		res, err := co.wallet.MakeMultisig(ctx, endpoint, peerTokens(tokens, role), Threshold)
		if err != nil {
			return "", err
		}
		return res.MultisigInfo, nil
	})
	if err != nil {
		return nil, err
	}
	if err := validateTokens(values); err != nil {
		return nil, err
	}
	return &roundOutcome{values: values}, nil
}

// roundExchangeKeys runs one exchange_multisig_keys round. On the final
// round each wallet returns the shared address instead of a token; the
// three addresses must agree byte for byte.
func (co *Coordinator) roundExchangeKeys(ctx context.Context, record *Coordination, final bool) (*roundOutcome, error) {
	tokens := record.RoundData
	round := 3 + record.ExchangeRoundsDone
	values, err := co.fanOut(ctx, record, "coordination.handshakeRound", round, func(ctx context.Context, role Role, endpoint string) (string, error) {
		res, err := co.wallet.ExchangeMultisigKeys(ctx, endpoint, peerTokens(tokens, role))
		if err != nil {
			return "", err
		}
		if final {
			return res.Address, nil
		}
		return res.MultisigInfo, nil
	})
	if err != nil {
		return nil, err
	}
	if !final {
		if err := validateTokens(values); err != nil {
			return nil, err
		}
		return &roundOutcome{values: values}, nil
	}

	var address string
	for _, role := range AllRoles {
		addr := values[role]
		if addr == "" {
			return nil, fmt.Errorf("%w: %s returned an empty address", ErrInvalidHandshakeFormat, role)
		}
		if address == "" {
			address = addr
			continue
		}
		if addr != address {
			return nil, fmt.Errorf("%w: %s reports %s, expected %s",
				ErrAddressMismatch, role, logging.SanitizeAddress(addr), logging.SanitizeAddress(address))
		}
	}
	return &roundOutcome{values: values, final: true}, nil
}

// applyRound re-acquires the escrow lock and applies a round result in one
// critical section. It reports applied=false when the record changed under
// us and the result must be discarded.
func (co *Coordinator) applyRound(ctx context.Context, escrowID string, from State, outcome *roundOutcome, roundErr error) (bool, error) {
	unlock, err := co.locks.LockContext(ctx, escrowID)
	if err != nil {
		return false, err
	}
	defer unlock()

	record, err := co.store.Get(ctx, escrowID)
	if err != nil {
		return false, err
	}
	if record.State == StateFailed {
		// Aborted while our calls were in flight. Discard.
		return false, ErrCoordinationFailed
	}
	if record.State != from {
		return false, nil
	}

	if roundErr != nil {
		tag := failureTag(roundErr)
		if err := co.fail(ctx, record, tag, roundErr); err != nil {
			return false, err
		}
		return false, roundErr
	}

	if outcome.final {
		record.MultisigAddress = outcome.values[RoleBuyer]
		record.RoundData = nil
		if err := co.persistTransition(ctx, record, StateReady); err != nil {
			return false, err
		}
		co.logger.Info("multisig handshake complete",
			"escrow_id", escrowID,
			"address", logging.SanitizeAddress(record.MultisigAddress),
		)
		return true, nil
	}

	record.RoundData = outcome.values
	switch from {
	case StateAllRegistered:
		err = co.persistTransition(ctx, record, StatePreparingRound1)
	case StatePreparingRound1:
		err = co.persistTransition(ctx, record, StateKeysExchangedRound2)
	case StateKeysExchangedRound2:
		// An intermediate exchange round; state stays put.
		record.ExchangeRoundsDone++
		record.UpdatedAt = time.Now().UTC()
		err = co.store.Update(ctx, record)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// fanOut issues one call per registered party concurrently and collects
// all three results. Any per-party failure fails the round; transport
// retries have already been exhausted inside the wallet client by the
// time an error reaches here.
func (co *Coordinator) fanOut(ctx context.Context, record *Coordination, spanName string, round int, call func(ctx context.Context, role Role, endpoint string) (string, error)) (map[Role]string, error) {
	attrs := []attribute.KeyValue{traces.EscrowID(record.EscrowID)}
	if round > 0 {
		attrs = append(attrs, traces.Round(round))
	}
	ctx, span := traces.StartSpan(ctx, spanName, attrs...)
	defer span.End()

	type partyResult struct {
		role  Role
		value string
		err   error
	}

	results := make(chan partyResult, TotalParties)
	for _, role := range AllRoles {
		reg := record.Parties[role]
		if reg == nil {
			return nil, fmt.Errorf("%w: %s has no registration", ErrPartialRegistration, role)
		}
		go func(role Role, endpoint string) {
			value, err := call(ctx, role, endpoint)
			results <- partyResult{role: role, value: value, err: err}
		}(role, reg.Endpoint)
	}

	values := make(map[Role]string, TotalParties)
	var firstErr error
	for i := 0; i < TotalParties; i++ {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", r.role, classifyRPCError(r.err))
			}
			continue
		}
		values[r.role] = r.value
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return values, nil
}

// validateTokens checks every collected token against the expected opaque
// token shape. A malformed token is fatal; it is never echoed to peers.
func validateTokens(values map[Role]string) error {
	for _, role := range AllRoles {
		if !validToken(values[role]) {
			return fmt.Errorf("%w: token from %s (%s)",
				ErrInvalidHandshakeFormat, role, logging.SanitizeToken(values[role]))
		}
	}
	return nil
}

// classifyRPCError maps wallet client failures onto the coordination
// error taxonomy.
func classifyRPCError(err error) error {
	switch {
	case errors.Is(err, walletrpc.ErrTimeout):
		return fmt.Errorf("%w: %v", ErrRpcTimeout, err)
	case errors.Is(err, walletrpc.ErrUnreachable), errors.Is(err, walletrpc.ErrCircuitOpen):
		return fmt.Errorf("%w: %v", ErrRpcUnreachable, err)
	}
	return err
}

func failureTag(err error) string {
	switch {
	case errors.Is(err, ErrInvalidHandshakeFormat):
		return "invalid_handshake_format"
	case errors.Is(err, ErrAddressMismatch):
		return "address_mismatch"
	case errors.Is(err, ErrRpcTimeout):
		return "rpc_timeout"
	case errors.Is(err, ErrRpcUnreachable):
		return "rpc_unreachable"
	}
	return "error"
}
