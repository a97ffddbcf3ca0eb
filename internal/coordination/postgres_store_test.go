//go:build integration

package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/veilstreet/escrowd/internal/testutil"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	db := testutil.StartPostgres(t)
	store := NewPostgresStore(db)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// Start from a clean table when a shared database is reused
	if _, err := db.ExecContext(context.Background(), "DELETE FROM coordinations"); err != nil {
		t.Fatalf("failed to clean coordinations table: %v", err)
	}

	return store
}

func seedRecord(escrowID string) *Coordination {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Coordination{
		EscrowID:     escrowID,
		Threshold:    Threshold,
		TotalParties: TotalParties,
		Parties: map[Role]*PartyRegistration{
			RoleBuyer: {Role: RoleBuyer, Endpoint: "http://127.0.0.1:18082", RegisteredAt: now},
		},
		State:     StateAwaitingRegistrations,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	want := seedRecord("pg-order-1")
	if err := store.Create(ctx, want); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "pg-order-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EscrowID != want.EscrowID {
		t.Errorf("EscrowID = %q, want %q", got.EscrowID, want.EscrowID)
	}
	if got.State != StateAwaitingRegistrations {
		t.Errorf("State = %q, want %q", got.State, StateAwaitingRegistrations)
	}
	if got.Threshold != Threshold || got.TotalParties != TotalParties {
		t.Errorf("threshold/parties = %d/%d, want %d/%d",
			got.Threshold, got.TotalParties, Threshold, TotalParties)
	}
	reg := got.Parties[RoleBuyer]
	if reg == nil || reg.Endpoint != "http://127.0.0.1:18082" {
		t.Errorf("buyer registration not round-tripped: %+v", reg)
	}
	if got.BalanceCache != nil {
		t.Error("BalanceCache should be nil before first sync")
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store := setupPostgresStore(t)

	_, err := store.Get(context.Background(), "no-such-escrow")
	if err != ErrNotFound {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_UpdateRoundTrip(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	rec := seedRecord("pg-order-2")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec.State = StatePreparingRound1
	rec.RoundData = map[Role]string{
		RoleBuyer:  "MultisigV1buyer",
		RoleVendor: "MultisigV1vendor",
	}
	rec.ExchangeRoundsDone = 1
	rec.MultisigAddress = "9wMultisigAddr"
	rec.BalanceCache = &BalanceCache{Total: 5000000000, Unlocked: 4000000000, SyncedAt: now}
	rec.ReleaseTxID = "b1a9e1f0c2d34e5f"
	rec.UpdatedAt = now

	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "pg-order-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != StatePreparingRound1 {
		t.Errorf("State = %q, want %q", got.State, StatePreparingRound1)
	}
	if got.RoundData[RoleVendor] != "MultisigV1vendor" {
		t.Errorf("RoundData not round-tripped: %v", got.RoundData)
	}
	if got.ExchangeRoundsDone != 1 {
		t.Errorf("ExchangeRoundsDone = %d, want 1", got.ExchangeRoundsDone)
	}
	if got.MultisigAddress != "9wMultisigAddr" {
		t.Errorf("MultisigAddress = %q", got.MultisigAddress)
	}
	if got.BalanceCache == nil || got.BalanceCache.Total != 5000000000 {
		t.Errorf("BalanceCache not round-tripped: %+v", got.BalanceCache)
	}
	if got.ReleaseTxID != "b1a9e1f0c2d34e5f" {
		t.Errorf("ReleaseTxID = %q", got.ReleaseTxID)
	}
}

func TestPostgresStore_UpdateUnknownReturnsNotFound(t *testing.T) {
	store := setupPostgresStore(t)

	rec := seedRecord("pg-never-created")
	if err := store.Update(context.Background(), rec); err != ErrNotFound {
		t.Errorf("Update unknown = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_ListByState(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	for _, id := range []string{"pg-list-1", "pg-list-2", "pg-list-3"} {
		rec := seedRecord(id)
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	rec, err := store.Get(ctx, "pg-list-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	rec.State = StateFailed
	rec.FailureTag = "aborted"
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	awaiting, err := store.ListByState(ctx, StateAwaitingRegistrations, 10)
	if err != nil {
		t.Fatalf("ListByState failed: %v", err)
	}
	if len(awaiting) != 2 {
		t.Errorf("awaiting count = %d, want 2", len(awaiting))
	}

	failed, err := store.ListByState(ctx, StateFailed, 10)
	if err != nil {
		t.Fatalf("ListByState failed: %v", err)
	}
	if len(failed) != 1 || failed[0].FailureTag != "aborted" {
		t.Errorf("failed records = %+v", failed)
	}
}
