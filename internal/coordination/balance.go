package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/veilstreet/escrowd/internal/metrics"
	"github.com/veilstreet/escrowd/internal/traces"
)

// SyncAndGetBalance refreshes the escrow's multisig balance. A multisig
// wallet only learns about incoming funds after each party exports its
// view of the shared outputs and imports the other two parties' exports,
// so the sync runs lazily, on demand, and requires all three endpoints to
// be reachable at once.
//
// The sync is all-or-nothing: if any export or import fails, the cached
// balance is left at its previous (stale) value, never partially updated.
func (co *Coordinator) SyncAndGetBalance(ctx context.Context, escrowID string) (*BalanceCache, error) {
	ctx, span := traces.StartSpan(ctx, "coordination.SyncAndGetBalance", traces.EscrowID(escrowID))
	defer span.End()

	unlock, err := co.locks.LockContext(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := co.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if record.State != StateReady && record.State != StateReleased {
		metrics.BalanceSyncsTotal.WithLabelValues("not_ready").Inc()
		return nil, ErrNotReady
	}

	// Phase 1: export each wallet's partial key images.
	exports, err := co.fanOut(ctx, record, "coordination.balanceExport", 0, func(ctx context.Context, role Role, endpoint string) (string, error) {
		res, err := co.wallet.ExportMultisigInfo(ctx, endpoint)
		if err != nil {
			return "", err
		}
		if res.Info == "" {
			return "", fmt.Errorf("%w: empty sync blob from %s", ErrInvalidHandshakeFormat, role)
		}
		return res.Info, nil
	})
	if err != nil {
		metrics.BalanceSyncsTotal.WithLabelValues("export_failed").Inc()
		return nil, err
	}

	// Phase 2: each wallet imports the other two exports.
	_, err = co.fanOut(ctx, record, "coordination.balanceImport", 0, func(ctx context.Context, role Role, endpoint string) (string, error) {
		_, err := co.wallet.ImportMultisigInfo(ctx, endpoint, peerTokens(exports, role))
		return "", err
	})
	if err != nil {
		metrics.BalanceSyncsTotal.WithLabelValues("import_failed").Inc()
		return nil, err
	}

	// All three wallets share one multisig wallet, so any endpoint
	// reports the same balance.
	buyer := record.Parties[RoleBuyer]
	bal, err := co.wallet.GetBalance(ctx, buyer.Endpoint)
	if err != nil {
		metrics.BalanceSyncsTotal.WithLabelValues("balance_failed").Inc()
		return nil, classifyRPCError(err)
	}

	record.BalanceCache = &BalanceCache{
		Total:    bal.Balance,
		Unlocked: bal.UnlockedBalance,
		SyncedAt: time.Now().UTC(),
	}
	record.UpdatedAt = record.BalanceCache.SyncedAt
	if err := co.store.Update(ctx, record); err != nil {
		return nil, fmt.Errorf("persist balance cache: %w", err)
	}

	co.logger.Info("balance synced",
		"escrow_id", escrowID,
		"total", record.BalanceCache.Total,
		"unlocked", record.BalanceCache.Unlocked,
	)
	metrics.BalanceSyncsTotal.WithLabelValues("ok").Inc()
	co.publish(record, EventBalanceSynced, map[string]any{
		"total":    record.BalanceCache.Total,
		"unlocked": record.BalanceCache.Unlocked,
	})

	cache := *record.BalanceCache
	return &cache, nil
}
