package coordination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/veilstreet/escrowd/internal/walletrpc"
)

const (
	buyerEndpoint   = "http://127.0.0.1:18082"
	vendorEndpoint  = "http://127.0.0.1:18083"
	arbiterEndpoint = "http://127.0.0.1:18084"
)

const sharedAddress = "9wviCeWe2D8XS82k2ovp5EUYLzBt9pYNW2LXUFsZiv8S3Mt21FZ5qQaAroko1enzw3eGr9qC7X1D7Geoo2RrAotYPwq9Gm8"

// fakeToken builds a handshake token of valid shape for a given seed.
func fakeToken(prefix, seed string) string {
	return prefix + strings.Repeat("0", 120) + seed
}

// mockWallet simulates three wallet-control endpoints. Behavior is
// overridable per call; the defaults walk the happy path.
type mockWallet struct {
	mu    sync.Mutex
	calls []string

	prepareFn  func(endpoint string) (string, error)
	makeFn     func(endpoint string, infos []string) (string, error)
	exchangeFn func(endpoint string, infos []string) (string, error)
	exportFn   func(endpoint string) (string, error)
	importFn   func(endpoint string, infos []string) error
	balanceFn  func(endpoint string) (uint64, uint64, error)
	transferFn func(endpoint string) (string, error)
	signFn     func(endpoint, blob string) (string, error)
	submitFn   func(endpoint, blob string) ([]string, error)
}

func newMockWallet() *mockWallet {
	return &mockWallet{}
}

func (m *mockWallet) record(method, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method+" "+endpoint)
}

func (m *mockWallet) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.HasPrefix(c, method+" ") {
			n++
		}
	}
	return n
}

func (m *mockWallet) GetVersion(ctx context.Context, endpoint string) (*walletrpc.GetVersionResult, error) {
	m.record("get_version", endpoint)
	return &walletrpc.GetVersionResult{Version: 65562}, nil
}

func (m *mockWallet) IsMultisig(ctx context.Context, endpoint string) (*walletrpc.IsMultisigResult, error) {
	m.record("is_multisig", endpoint)
	return &walletrpc.IsMultisigResult{}, nil
}

func (m *mockWallet) PrepareMultisig(ctx context.Context, endpoint string) (*walletrpc.PrepareMultisigResult, error) {
	m.record("prepare_multisig", endpoint)
	if m.prepareFn != nil {
		token, err := m.prepareFn(endpoint)
		if err != nil {
			return nil, err
		}
		return &walletrpc.PrepareMultisigResult{MultisigInfo: token}, nil
	}
	return &walletrpc.PrepareMultisigResult{MultisigInfo: fakeToken("MultisigV1", endpoint)}, nil
}

func (m *mockWallet) MakeMultisig(ctx context.Context, endpoint string, infos []string, threshold uint32) (*walletrpc.MakeMultisigResult, error) {
	m.record("make_multisig", endpoint)
	if m.makeFn != nil {
		token, err := m.makeFn(endpoint, infos)
		if err != nil {
			return nil, err
		}
		return &walletrpc.MakeMultisigResult{MultisigInfo: token}, nil
	}
	return &walletrpc.MakeMultisigResult{MultisigInfo: fakeToken("MultisigxV1", endpoint)}, nil
}

func (m *mockWallet) ExchangeMultisigKeys(ctx context.Context, endpoint string, infos []string) (*walletrpc.ExchangeMultisigKeysResult, error) {
	m.record("exchange_multisig_keys", endpoint)
	if m.exchangeFn != nil {
		addr, err := m.exchangeFn(endpoint, infos)
		if err != nil {
			return nil, err
		}
		return &walletrpc.ExchangeMultisigKeysResult{Address: addr}, nil
	}
	return &walletrpc.ExchangeMultisigKeysResult{Address: sharedAddress}, nil
}

func (m *mockWallet) ExportMultisigInfo(ctx context.Context, endpoint string) (*walletrpc.ExportMultisigInfoResult, error) {
	m.record("export_multisig_info", endpoint)
	if m.exportFn != nil {
		info, err := m.exportFn(endpoint)
		if err != nil {
			return nil, err
		}
		return &walletrpc.ExportMultisigInfoResult{Info: info}, nil
	}
	return &walletrpc.ExportMultisigInfoResult{Info: "sync-blob-" + endpoint}, nil
}

func (m *mockWallet) ImportMultisigInfo(ctx context.Context, endpoint string, infos []string) (*walletrpc.ImportMultisigInfoResult, error) {
	m.record("import_multisig_info", endpoint)
	if m.importFn != nil {
		if err := m.importFn(endpoint, infos); err != nil {
			return nil, err
		}
	}
	return &walletrpc.ImportMultisigInfoResult{NOutputs: uint64(len(infos))}, nil
}

func (m *mockWallet) GetBalance(ctx context.Context, endpoint string) (*walletrpc.GetBalanceResult, error) {
	m.record("get_balance", endpoint)
	if m.balanceFn != nil {
		total, unlocked, err := m.balanceFn(endpoint)
		if err != nil {
			return nil, err
		}
		return &walletrpc.GetBalanceResult{Balance: total, UnlockedBalance: unlocked}, nil
	}
	return &walletrpc.GetBalanceResult{Balance: 5000000000, UnlockedBalance: 4000000000}, nil
}

func (m *mockWallet) Transfer(ctx context.Context, endpoint, destAddress string, amount uint64) (*walletrpc.TransferResult, error) {
	m.record("transfer", endpoint)
	if m.transferFn != nil {
		blob, err := m.transferFn(endpoint)
		if err != nil {
			return nil, err
		}
		return &walletrpc.TransferResult{MultisigTxset: blob}, nil
	}
	return &walletrpc.TransferResult{MultisigTxset: "deadbeef00"}, nil
}

func (m *mockWallet) SignMultisig(ctx context.Context, endpoint string, txDataHex string) (*walletrpc.SignMultisigResult, error) {
	m.record("sign_multisig", endpoint)
	if m.signFn != nil {
		blob, err := m.signFn(endpoint, txDataHex)
		if err != nil {
			return nil, err
		}
		return &walletrpc.SignMultisigResult{TxDataHex: blob}, nil
	}
	return &walletrpc.SignMultisigResult{TxDataHex: txDataHex + "ab"}, nil
}

func (m *mockWallet) SubmitMultisig(ctx context.Context, endpoint string, txDataHex string) (*walletrpc.SubmitMultisigResult, error) {
	m.record("submit_multisig", endpoint)
	if m.submitFn != nil {
		hashes, err := m.submitFn(endpoint, txDataHex)
		if err != nil {
			return nil, err
		}
		return &walletrpc.SubmitMultisigResult{TxHashList: hashes}, nil
	}
	return &walletrpc.SubmitMultisigResult{TxHashList: []string{"b1a9e1f0c2d34e5f"}}, nil
}

var _ walletrpc.Caller = (*mockWallet)(nil)

func newTestCoordinator(wallet walletrpc.Caller) (*Coordinator, *MemoryStore) {
	store := NewMemoryStore()
	co := NewCoordinator(store, wallet, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return co, store
}

func registerAll(t *testing.T, co *Coordinator, escrowID string) {
	t.Helper()
	ctx := context.Background()
	for role, endpoint := range map[Role]string{
		RoleBuyer:   buyerEndpoint,
		RoleVendor:  vendorEndpoint,
		RoleArbiter: arbiterEndpoint,
	} {
		if _, err := co.RegisterParty(ctx, escrowID, role, endpoint); err != nil {
			t.Fatalf("RegisterParty(%s) failed: %v", role, err)
		}
	}
}

func TestRegisterParty_AllOrderings(t *testing.T) {
	endpoints := map[Role]string{
		RoleBuyer:   buyerEndpoint,
		RoleVendor:  vendorEndpoint,
		RoleArbiter: arbiterEndpoint,
	}
	orderings := [][]Role{
		{RoleBuyer, RoleVendor, RoleArbiter},
		{RoleBuyer, RoleArbiter, RoleVendor},
		{RoleVendor, RoleBuyer, RoleArbiter},
		{RoleVendor, RoleArbiter, RoleBuyer},
		{RoleArbiter, RoleBuyer, RoleVendor},
		{RoleArbiter, RoleVendor, RoleBuyer},
	}

	for i, order := range orderings {
		t.Run(fmt.Sprintf("ordering_%d", i), func(t *testing.T) {
			co, _ := newTestCoordinator(newMockWallet())
			ctx := context.Background()
			escrowID := fmt.Sprintf("esc_order_%d", i)

			for n, role := range order {
				record, err := co.RegisterParty(ctx, escrowID, role, endpoints[role])
				if err != nil {
					t.Fatalf("RegisterParty(%s) failed: %v", role, err)
				}
				if n < 2 && record.State != StateAwaitingRegistrations {
					t.Errorf("after %d registrations state = %s, want awaiting_registrations", n+1, record.State)
				}
				if n == 2 && record.State != StateAllRegistered {
					t.Errorf("after third registration state = %s, want all_registered", record.State)
				}
			}
		})
	}
}

func TestRegisterParty_RejectsNonLoopback(t *testing.T) {
	co, store := newTestCoordinator(newMockWallet())
	ctx := context.Background()

	// Establish a known-good record first.
	if _, err := co.RegisterParty(ctx, "esc_loopback", RoleBuyer, buyerEndpoint); err != nil {
		t.Fatalf("valid registration failed: %v", err)
	}
	before, err := store.Get(ctx, "esc_loopback")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	rejected := []string{
		"http://0.0.0.0:18082",
		"http://8.8.8.8:18082",
		"http://192.168.1.10:18082",
		"http://wallet.example.com:18082",
		"http://evil-127.0.0.1.com:18082",
		"http://localhost.attacker.com:18082",
		"ftp://127.0.0.1:18082",
		"not a url",
	}
	for _, endpoint := range rejected {
		_, err := co.RegisterParty(ctx, "esc_loopback", RoleVendor, endpoint)
		if !errors.Is(err, ErrInvalidRpcUrl) {
			t.Errorf("RegisterParty(%q) error = %v, want ErrInvalidRpcUrl", endpoint, err)
		}
	}

	// The record must be byte-identical to before the rejected calls.
	after, err := store.Get(ctx, "esc_loopback")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if after.State != before.State {
		t.Errorf("state changed from %s to %s", before.State, after.State)
	}
	if len(after.Parties) != len(before.Parties) {
		t.Errorf("party map changed: had %d entries, now %d", len(before.Parties), len(after.Parties))
	}
	if after.Parties[RoleVendor] != nil {
		t.Error("vendor must not be registered after rejected endpoints")
	}
}

func TestRegisterParty_RejectedEndpointCreatesNoRecord(t *testing.T) {
	co, store := newTestCoordinator(newMockWallet())

	_, err := co.RegisterParty(context.Background(), "esc_norecord", RoleBuyer, "http://8.8.8.8:18082")
	if !errors.Is(err, ErrInvalidRpcUrl) {
		t.Fatalf("error = %v, want ErrInvalidRpcUrl", err)
	}
	if _, err := store.Get(context.Background(), "esc_norecord"); !errors.Is(err, ErrNotFound) {
		t.Error("rejected first registration must not create a record")
	}
}

func TestRegisterParty_OverwriteWhileAwaiting(t *testing.T) {
	co, _ := newTestCoordinator(newMockWallet())
	ctx := context.Background()

	if _, err := co.RegisterParty(ctx, "esc_ow", RoleBuyer, buyerEndpoint); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	record, err := co.RegisterParty(ctx, "esc_ow", RoleBuyer, "http://127.0.0.1:28082")
	if err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if got := record.Parties[RoleBuyer].Endpoint; got != "http://127.0.0.1:28082" {
		t.Errorf("endpoint = %s, want overwritten value", got)
	}
}

func TestRegisterParty_WindowClosesAfterAllRegistered(t *testing.T) {
	co, _ := newTestCoordinator(newMockWallet())
	registerAll(t, co, "esc_closed")

	_, err := co.RegisterParty(context.Background(), "esc_closed", RoleBuyer, buyerEndpoint)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestAbort_MarksFailed(t *testing.T) {
	co, _ := newTestCoordinator(newMockWallet())
	registerAll(t, co, "esc_abort")

	record, err := co.Abort(context.Background(), "esc_abort", "operator request")
	if err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if record.State != StateFailed {
		t.Errorf("state = %s, want failed", record.State)
	}

	// A failed coordination cannot be resumed.
	_, err = co.CoordinateHandshake(context.Background(), "esc_abort")
	if !errors.Is(err, ErrCoordinationFailed) {
		t.Errorf("handshake after abort = %v, want ErrCoordinationFailed", err)
	}
}

func TestConcurrentRegistrations(t *testing.T) {
	co, _ := newTestCoordinator(newMockWallet())
	ctx := context.Background()

	endpoints := map[Role]string{
		RoleBuyer:   buyerEndpoint,
		RoleVendor:  vendorEndpoint,
		RoleArbiter: arbiterEndpoint,
	}

	var wg sync.WaitGroup
	for role, endpoint := range endpoints {
		wg.Add(1)
		go func(role Role, endpoint string) {
			defer wg.Done()
			if _, err := co.RegisterParty(ctx, "esc_conc", role, endpoint); err != nil {
				t.Errorf("RegisterParty(%s) failed: %v", role, err)
			}
		}(role, endpoint)
	}
	wg.Wait()

	record, err := co.Get(ctx, "esc_conc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.State != StateAllRegistered {
		t.Errorf("state = %s, want all_registered", record.State)
	}
	if len(record.Parties) != TotalParties {
		t.Errorf("parties = %d, want %d", len(record.Parties), TotalParties)
	}
}
