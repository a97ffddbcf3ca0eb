package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the escrowd API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// EscrowdClient is a pure HTTP client for the escrowd coordination API.
type EscrowdClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowdClient creates a new client for the coordination API.
func NewEscrowdClient(cfg Config) *EscrowdClient {
	return &EscrowdClient{
		cfg: cfg,
		httpClient: &http.Client{
			// Handshake rounds fan out to three wallets, each of which may
			// sit behind a slow overlay hop; give the API room to finish.
			Timeout: 120 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *EscrowdClient) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// RegisterParty registers one party's wallet endpoint for an escrow.
func (c *EscrowdClient) RegisterParty(ctx context.Context, escrowID, role, endpoint string) (json.RawMessage, error) {
	body := map[string]string{
		"role":     role,
		"endpoint": endpoint,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/parties", body)
}

// CoordinateHandshake runs the multisig establishment protocol for an escrow.
func (c *EscrowdClient) CoordinateHandshake(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/handshake", nil)
}

// GetEscrow fetches the current coordination record.
func (c *EscrowdClient) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+escrowID, nil)
}

// CheckBalance runs a balance sync across all three wallets.
func (c *EscrowdClient) CheckBalance(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/balance", nil)
}

// InitiateRelease collects signatures and broadcasts the release transaction.
func (c *EscrowdClient) InitiateRelease(ctx context.Context, escrowID string, authorizedBy []string, destAddress string, amount uint64) (json.RawMessage, error) {
	body := map[string]any{
		"authorizedBy": authorizedBy,
		"destination": map[string]any{
			"address": destAddress,
			"amount":  amount,
		},
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/release", body)
}

// AbortEscrow marks the coordination as failed.
func (c *EscrowdClient) AbortEscrow(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/abort", body)
}
