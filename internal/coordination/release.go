package coordination

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/veilstreet/escrowd/internal/logging"
	"github.com/veilstreet/escrowd/internal/metrics"
	"github.com/veilstreet/escrowd/internal/traces"
)

// Destination names where released funds go, in atomic units.
type Destination struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// ReleaseResult reports a successful fund disbursement.
type ReleaseResult struct {
	TxID  string `json:"txId"`
	State State  `json:"state"`
}

// InitiateRelease disburses escrowed funds. The first authorized party's
// wallet builds an unsigned transaction to the destination; each
// authorized wallet then signs the blob produced by the previous signer,
// so the final blob carries every collected fragment. At least Threshold
// valid fragments are required or nothing is submitted; the operation is
// never partially applied. Which role combination may authorize a release
// is the caller's policy; the engine only enforces the threshold.
//
// The engine never sees key material, only opaque transaction hex.
func (co *Coordinator) InitiateRelease(ctx context.Context, escrowID string, authorizedBy []Role, dest Destination) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "coordination.InitiateRelease", traces.EscrowID(escrowID))
	defer span.End()

	signers, err := normalizeSigners(authorizedBy)
	if err != nil {
		metrics.ReleasesTotal.WithLabelValues("bad_request").Inc()
		return nil, err
	}
	if dest.Address == "" || dest.Amount == 0 {
		metrics.ReleasesTotal.WithLabelValues("bad_request").Inc()
		return nil, fmt.Errorf("release destination requires an address and a non-zero amount")
	}

	unlock, err := co.locks.LockContext(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := co.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	switch record.State {
	case StateReleased:
		metrics.ReleasesTotal.WithLabelValues("already_released").Inc()
		return nil, ErrAlreadyReleased
	case StateReady:
	default:
		metrics.ReleasesTotal.WithLabelValues("not_ready").Inc()
		return nil, ErrNotReady
	}

	for _, role := range signers {
		if record.Parties[role] == nil {
			metrics.ReleasesTotal.WithLabelValues("bad_request").Inc()
			return nil, fmt.Errorf("%w: %s has no registration", ErrPartialRegistration, role)
		}
	}

	// The first signer's wallet creates the unsigned transaction set.
	creator := record.Parties[signers[0]]
	transfer, err := co.wallet.Transfer(ctx, creator.Endpoint, dest.Address, dest.Amount)
	if err != nil {
		metrics.ReleasesTotal.WithLabelValues("transfer_failed").Inc()
		return nil, classifyRPCError(err)
	}
	if !validTxBlob(transfer.MultisigTxset) {
		metrics.ReleasesTotal.WithLabelValues("transfer_failed").Inc()
		return nil, fmt.Errorf("%w: transfer returned an invalid transaction set", ErrInvalidHandshakeFormat)
	}

	// Collect fragments. A failed or malformed fragment does not abort
	// collection; the remaining signers may still meet the threshold.
	blob := transfer.MultisigTxset
	fragments := 0
	for _, role := range signers {
		reg := record.Parties[role]
		res, err := co.wallet.SignMultisig(ctx, reg.Endpoint, blob)
		if err != nil {
			co.logger.Warn("signature fragment collection failed",
				"escrow_id", escrowID,
				"role", role,
				"error", err,
			)
			continue
		}
		if !validTxBlob(res.TxDataHex) {
			co.logger.Warn("signature fragment has invalid format",
				"escrow_id", escrowID,
				"role", role,
			)
			continue
		}
		blob = res.TxDataHex
		fragments++
	}

	if fragments < Threshold {
		metrics.ReleasesTotal.WithLabelValues("threshold_not_met").Inc()
		return nil, fmt.Errorf("%w: %d of %d required", ErrThresholdNotMet, fragments, Threshold)
	}

	// Fully signed; any endpoint can broadcast.
	res, err := co.wallet.SubmitMultisig(ctx, creator.Endpoint, blob)
	if err != nil {
		metrics.ReleasesTotal.WithLabelValues("submit_failed").Inc()
		return nil, classifyRPCError(err)
	}
	if len(res.TxHashList) == 0 {
		metrics.ReleasesTotal.WithLabelValues("submit_failed").Inc()
		return nil, fmt.Errorf("%w: submit returned no transaction hash", ErrInvalidHandshakeFormat)
	}

	record.ReleaseTxID = res.TxHashList[0]
	if err := co.persistTransition(ctx, record, StateReleased); err != nil {
		// Funds are already broadcast; retry the write once rather than
		// leaving the record behind the chain state.
		record.UpdatedAt = time.Now().UTC()
		if retryErr := co.store.Update(ctx, record); retryErr != nil {
			co.logger.Error("CRITICAL: release submitted but record update failed",
				"escrow_id", escrowID,
				"tx_id", record.ReleaseTxID,
				"error", retryErr,
			)
			return nil, fmt.Errorf("release submitted but record update failed (requires manual resolution): %w", err)
		}
	}

	co.logger.Info("release submitted",
		"escrow_id", escrowID,
		"tx_id", record.ReleaseTxID,
		"fragments", fragments,
		"destination", logging.SanitizeAddress(dest.Address),
	)
	metrics.ReleasesTotal.WithLabelValues("ok").Inc()
	co.publish(record, EventReleaseSubmitted, map[string]any{"txId": record.ReleaseTxID})

	return &ReleaseResult{TxID: record.ReleaseTxID, State: record.State}, nil
}

// normalizeSigners validates and dedupes the authorizing role set.
func normalizeSigners(roles []Role) ([]Role, error) {
	seen := make(map[Role]bool, len(roles))
	var out []Role
	for _, role := range roles {
		parsed, ok := ParseRole(string(role))
		if !ok {
			return nil, fmt.Errorf("unknown role %q", role)
		}
		if seen[parsed] {
			continue
		}
		seen[parsed] = true
		out = append(out, parsed)
	}
	if len(out) < Threshold {
		return nil, fmt.Errorf("%w: %d roles authorized, %d required", ErrThresholdNotMet, len(out), Threshold)
	}
	return out, nil
}

// validTxBlob checks that a transaction blob is non-empty hex. The blob's
// contents are opaque; only its encoding is checked before it is passed
// to the next wallet.
func validTxBlob(blob string) bool {
	if blob == "" {
		return false
	}
	_, err := hex.DecodeString(blob)
	return err == nil
}
