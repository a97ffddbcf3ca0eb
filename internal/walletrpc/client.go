// Package walletrpc is a JSON-RPC 2.0 client for party-operated wallet
// control endpoints. Every call re-validates the target as a loopback URL
// before dialing, serializes concurrent calls per endpoint, and routes
// transient transport failures through retry and circuit-breaker layers.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veilstreet/escrowd/internal/circuitbreaker"
	"github.com/veilstreet/escrowd/internal/idgen"
	"github.com/veilstreet/escrowd/internal/logging"
	"github.com/veilstreet/escrowd/internal/metrics"
	"github.com/veilstreet/escrowd/internal/retry"
	"github.com/veilstreet/escrowd/internal/syncutil"
	"github.com/veilstreet/escrowd/internal/validation"
)

var (
	// ErrUnreachable indicates the endpoint could not be dialed.
	ErrUnreachable = errors.New("wallet endpoint unreachable")
	// ErrTimeout indicates the call exceeded the per-call deadline.
	ErrTimeout = errors.New("wallet rpc call timed out")
	// ErrCircuitOpen indicates the endpoint's breaker rejected the call.
	ErrCircuitOpen = errors.New("wallet endpoint circuit open")
)

// Caller is the wallet control surface the coordination engine depends on.
type Caller interface {
	GetVersion(ctx context.Context, endpoint string) (*GetVersionResult, error)
	IsMultisig(ctx context.Context, endpoint string) (*IsMultisigResult, error)
	PrepareMultisig(ctx context.Context, endpoint string) (*PrepareMultisigResult, error)
	MakeMultisig(ctx context.Context, endpoint string, infos []string, threshold uint32) (*MakeMultisigResult, error)
	ExchangeMultisigKeys(ctx context.Context, endpoint string, infos []string) (*ExchangeMultisigKeysResult, error)
	ExportMultisigInfo(ctx context.Context, endpoint string) (*ExportMultisigInfoResult, error)
	ImportMultisigInfo(ctx context.Context, endpoint string, infos []string) (*ImportMultisigInfoResult, error)
	GetBalance(ctx context.Context, endpoint string) (*GetBalanceResult, error)
	Transfer(ctx context.Context, endpoint, destAddress string, amount uint64) (*TransferResult, error)
	SignMultisig(ctx context.Context, endpoint string, txDataHex string) (*SignMultisigResult, error)
	SubmitMultisig(ctx context.Context, endpoint string, txDataHex string) (*SubmitMultisigResult, error)
}

// Client calls wallet control endpoints over HTTP.
type Client struct {
	httpClient  *http.Client
	timeout     time.Duration
	maxAttempts int
	breaker     *circuitbreaker.Breaker
	locks       syncutil.ShardedMutex
}

// Options tunes the client. Zero values fall back to defaults.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	Breaker     *circuitbreaker.Breaker
}

// NewClient creates a wallet RPC client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Client{
		// Per-call deadlines come from the context; the transport-level
		// timeout is a backstop for calls issued without one.
		httpClient:  &http.Client{Timeout: opts.Timeout + 5*time.Second},
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		breaker:     opts.Breaker,
	}
}

// call performs one JSON-RPC method call against endpoint and decodes the
// result into out. The endpoint is re-validated at dispatch time so a
// registration that somehow carried a non-loopback URL can never be dialed.
func (c *Client) call(ctx context.Context, endpoint, method string, params, out any) error {
	endpoint, err := validation.WalletEndpoint(endpoint)
	if err != nil {
		return retry.Permanent(err)
	}

	// One in-flight call per endpoint. Wallet processes single-thread
	// their multisig state machine and misbehave under parallel calls.
	unlock := c.locks.Lock(endpoint)
	defer unlock()

	start := time.Now()
	err = retry.Do(ctx, c.maxAttempts, 500*time.Millisecond, func() error {
		return c.doOnce(ctx, endpoint, method, params, out)
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			outcome = "rpc_error"
		}
	}
	metrics.WalletRPCDuration.WithLabelValues(method, outcome).Observe(time.Since(start).Seconds())
	return err
}

func (c *Client) doOnce(ctx context.Context, endpoint, method string, params, out any) error {
	if !c.breaker.Allow(endpoint) {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrCircuitOpen, logging.SanitizeEndpoint(endpoint)))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      idgen.Hex(8),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal %s request: %w", method, err))
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint+"/json_rpc", bytes.NewReader(reqBody))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create %s request: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure(endpoint)
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, logging.SanitizeEndpoint(endpoint))
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, logging.SanitizeEndpoint(endpoint), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.breaker.RecordFailure(endpoint)
		return fmt.Errorf("%w: read %s response: %v", ErrUnreachable, method, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure(endpoint)
		err := fmt.Errorf("%w: %s returned status %d", ErrUnreachable, method, resp.StatusCode)
		// Client errors will not heal on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	}

	var rpcResp Response
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		c.breaker.RecordFailure(endpoint)
		return retry.Permanent(fmt.Errorf("decode %s response: %w", method, err))
	}
	if rpcResp.Error != nil {
		// The endpoint answered; only the method failed.
		c.breaker.RecordSuccess(endpoint)
		return retry.Permanent(fmt.Errorf("%s: %w", method, rpcResp.Error))
	}

	c.breaker.RecordSuccess(endpoint)
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s result: %w", method, err))
	}
	return nil
}

// GetVersion probes an endpoint for liveness and protocol version.
func (c *Client) GetVersion(ctx context.Context, endpoint string) (*GetVersionResult, error) {
	var res GetVersionResult
	if err := c.call(ctx, endpoint, "get_version", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// IsMultisig reports whether the wallet already participates in a multisig.
func (c *Client) IsMultisig(ctx context.Context, endpoint string) (*IsMultisigResult, error) {
	var res IsMultisigResult
	if err := c.call(ctx, endpoint, "is_multisig", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PrepareMultisig asks the wallet for its initial key token.
func (c *Client) PrepareMultisig(ctx context.Context, endpoint string) (*PrepareMultisigResult, error) {
	var res PrepareMultisigResult
	if err := c.call(ctx, endpoint, "prepare_multisig", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MakeMultisig feeds the wallet the other parties' tokens for the first
// key exchange round.
func (c *Client) MakeMultisig(ctx context.Context, endpoint string, infos []string, threshold uint32) (*MakeMultisigResult, error) {
	var res MakeMultisigResult
	params := makeMultisigParams{MultisigInfo: infos, Threshold: threshold}
	if err := c.call(ctx, endpoint, "make_multisig", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ExchangeMultisigKeys runs a finalization round and, on the last round,
// returns the shared wallet address.
func (c *Client) ExchangeMultisigKeys(ctx context.Context, endpoint string, infos []string) (*ExchangeMultisigKeysResult, error) {
	var res ExchangeMultisigKeysResult
	params := exchangeMultisigKeysParams{MultisigInfo: infos}
	if err := c.call(ctx, endpoint, "exchange_multisig_keys", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ExportMultisigInfo exports the wallet's partial key images for its peers.
func (c *Client) ExportMultisigInfo(ctx context.Context, endpoint string) (*ExportMultisigInfoResult, error) {
	var res ExportMultisigInfoResult
	if err := c.call(ctx, endpoint, "export_multisig_info", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ImportMultisigInfo imports peers' partial key images into the wallet.
func (c *Client) ImportMultisigInfo(ctx context.Context, endpoint string, infos []string) (*ImportMultisigInfoResult, error) {
	var res ImportMultisigInfoResult
	params := importMultisigInfoParams{Info: infos}
	if err := c.call(ctx, endpoint, "import_multisig_info", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetBalance reads the wallet's confirmed and unlocked balance.
func (c *Client) GetBalance(ctx context.Context, endpoint string) (*GetBalanceResult, error) {
	var res GetBalanceResult
	params := getBalanceParams{AccountIndex: 0}
	if err := c.call(ctx, endpoint, "get_balance", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Transfer builds an unsigned multisig transaction spending to a single
// destination. The wallet does not relay it; the returned txset must be
// signed by a threshold of parties and submitted explicitly.
func (c *Client) Transfer(ctx context.Context, endpoint, destAddress string, amount uint64) (*TransferResult, error) {
	var res TransferResult
	params := transferParams{
		Destinations: []transferDestination{{Amount: amount, Address: destAddress}},
		AccountIndex: 0,
		DoNotRelay:   true,
	}
	if err := c.call(ctx, endpoint, "transfer", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SignMultisig adds the wallet's signature fragment to a transaction blob.
func (c *Client) SignMultisig(ctx context.Context, endpoint string, txDataHex string) (*SignMultisigResult, error) {
	var res SignMultisigResult
	params := signMultisigParams{TxDataHex: txDataHex}
	if err := c.call(ctx, endpoint, "sign_multisig", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitMultisig broadcasts a fully signed multisig transaction.
func (c *Client) SubmitMultisig(ctx context.Context, endpoint string, txDataHex string) (*SubmitMultisigResult, error) {
	var res SubmitMultisigResult
	params := submitMultisigParams{TxDataHex: txDataHex}
	if err := c.call(ctx, endpoint, "submit_multisig", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
