package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veilstreet/escrowd/internal/logging"
	"github.com/veilstreet/escrowd/internal/metrics"
	"github.com/veilstreet/escrowd/internal/syncutil"
	"github.com/veilstreet/escrowd/internal/traces"
	"github.com/veilstreet/escrowd/internal/validation"
	"github.com/veilstreet/escrowd/internal/walletrpc"
)

// Coordinator is the facade owning all per-escrow coordination state.
// Every mutating operation acquires the escrow's exclusive lock first, so
// at most one registration, handshake round application, sync, or release
// step is in flight per escrow at any time. Operations on different
// escrows proceed fully in parallel.
type Coordinator struct {
	store     Store
	wallet    walletrpc.Caller
	publisher Publisher
	logger    *slog.Logger
	locks     *syncutil.ContextShardedMutex

	// keyExchangeRounds is the number of key-exchange rounds after the
	// prepare round, finalization included. Two rounds for 2-of-3; kept
	// configurable rather than baked into control flow.
	keyExchangeRounds int
}

// Options tunes the coordinator.
type Options struct {
	KeyExchangeRounds int
	Publisher         Publisher
	Logger            *slog.Logger
}

// NewCoordinator creates the escrow coordination facade.
func NewCoordinator(store Store, wallet walletrpc.Caller, opts Options) *Coordinator {
	if opts.KeyExchangeRounds <= 0 {
		opts.KeyExchangeRounds = 2
	}
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:             store,
		wallet:            wallet,
		publisher:         opts.Publisher,
		logger:            opts.Logger,
		locks:             syncutil.NewContextShardedMutex(),
		keyExchangeRounds: opts.KeyExchangeRounds,
	}
}

// RegisterParty validates and records a party's wallet endpoint for an
// escrow, creating the coordination record on first use. While the record
// is still awaiting registrations a role may overwrite its own endpoint;
// after that the registration window is closed.
func (co *Coordinator) RegisterParty(ctx context.Context, escrowID string, role Role, endpoint string) (*Coordination, error) {
	ctx, span := traces.StartSpan(ctx, "coordination.RegisterParty",
		traces.EscrowID(escrowID), traces.Role(string(role)))
	defer span.End()

	// Validate before touching any state. A rejected endpoint leaves the
	// record exactly as it was, including not creating it.
	canonical, err := validation.WalletEndpoint(endpoint)
	if err != nil {
		metrics.CoordinationOpsTotal.WithLabelValues("register_party", "invalid_url").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRpcUrl, err)
	}

	unlock, err := co.locks.LockContext(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := co.store.Get(ctx, escrowID)
	if err == ErrNotFound {
		record = newCoordination(escrowID)
		if err := co.store.Create(ctx, record); err != nil {
			return nil, fmt.Errorf("create coordination record: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load coordination record: %w", err)
	}

	if record.State != StateAwaitingRegistrations {
		metrics.CoordinationOpsTotal.WithLabelValues("register_party", "window_closed").Inc()
		return nil, ErrAlreadyRegistered
	}

	now := time.Now().UTC()
	record.Parties[role] = &PartyRegistration{
		Role:         role,
		Endpoint:     canonical,
		RegisteredAt: now,
	}
	if record.AllPartiesRegistered() {
		record.State = StateAllRegistered
	}
	record.UpdatedAt = now

	if err := co.store.Update(ctx, record); err != nil {
		return nil, fmt.Errorf("persist registration: %w", err)
	}

	co.logger.Info("party registered",
		"escrow_id", escrowID,
		"role", role,
		"endpoint", logging.SanitizeEndpoint(canonical),
		"state", record.State,
	)
	metrics.CoordinationOpsTotal.WithLabelValues("register_party", "ok").Inc()
	co.publish(record, EventPartyRegistered, map[string]any{"role": role})
	if record.State == StateAllRegistered {
		co.publish(record, EventStateChanged, nil)
	}
	return record.Clone(), nil
}

// Get returns a copy of the coordination record for an escrow.
func (co *Coordinator) Get(ctx context.Context, escrowID string) (*Coordination, error) {
	return co.store.Get(ctx, escrowID)
}

// ListByState returns coordination records in a given state.
func (co *Coordinator) ListByState(ctx context.Context, state State, limit int) ([]*Coordination, error) {
	if limit <= 0 {
		limit = 50
	}
	return co.store.ListByState(ctx, state, limit)
}

// Abort marks an in-progress coordination as failed. Calls already in
// flight are allowed to finish; their results are discarded when the
// handshake driver observes the failed state. Terminal coordinations are
// left untouched.
func (co *Coordinator) Abort(ctx context.Context, escrowID, reason string) (*Coordination, error) {
	unlock, err := co.locks.LockContext(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := co.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if record.State.IsTerminal() {
		return record, nil
	}
	if err := co.fail(ctx, record, "aborted", fmt.Errorf("aborted: %s", reason)); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// fail transitions the record to Failed and persists it. Callers hold the
// escrow lock.
func (co *Coordinator) fail(ctx context.Context, record *Coordination, tag string, cause error) error {
	record.State = StateFailed
	record.FailureTag = tag
	record.RoundData = nil
	record.UpdatedAt = time.Now().UTC()

	if err := co.store.Update(ctx, record); err != nil {
		return fmt.Errorf("persist failed state: %w", err)
	}
	co.logger.Warn("coordination failed",
		"escrow_id", record.EscrowID,
		"tag", tag,
		"cause", cause,
	)
	co.publish(record, EventHandshakeFailed, map[string]any{"tag": tag})
	return nil
}

// persistTransition validates and applies a state transition, then writes
// the record. Callers hold the escrow lock.
func (co *Coordinator) persistTransition(ctx context.Context, record *Coordination, to State) error {
	if !canTransition(record.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for escrow %s", record.State, to, record.EscrowID)
	}
	record.State = to
	record.UpdatedAt = time.Now().UTC()
	if err := co.store.Update(ctx, record); err != nil {
		return fmt.Errorf("persist state %s: %w", to, err)
	}
	co.publish(record, EventStateChanged, nil)
	return nil
}

func (co *Coordinator) publish(record *Coordination, typ EventType, detail map[string]any) {
	co.publisher.Publish(Event{
		EscrowID: record.EscrowID,
		Type:     typ,
		State:    record.State,
		Detail:   detail,
		At:       time.Now().UTC(),
	})
}

func newCoordination(escrowID string) *Coordination {
	now := time.Now().UTC()
	return &Coordination{
		EscrowID:     escrowID,
		Threshold:    Threshold,
		TotalParties: TotalParties,
		Parties:      make(map[Role]*PartyRegistration),
		State:        StateAwaitingRegistrations,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
