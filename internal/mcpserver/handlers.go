package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowdClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowdClient) *Handlers {
	return &Handlers{client: client}
}

// HandleRegisterParty registers a wallet endpoint for one role.
func (h *Handlers) HandleRegisterParty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	role := req.GetString("role", "")
	if role == "" {
		return mcp.NewToolResultError("role is required"), nil
	}
	endpoint := req.GetString("endpoint", "")
	if endpoint == "" {
		return mcp.NewToolResultError("endpoint is required"), nil
	}

	raw, err := h.client.RegisterParty(ctx, escrowID, role, endpoint)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Registration failed: %v", err)), nil
	}

	var resp struct {
		State   string   `json:"state"`
		Parties []string `json:"parties"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Registered %s for escrow %s.\n", role, escrowID)
	fmt.Fprintf(&sb, "Parties registered: %s\n", strings.Join(resp.Parties, ", "))
	if resp.State == "all_registered" {
		sb.WriteString("All three parties are in. Run coordinate_handshake to establish the multisig wallet.")
	} else {
		fmt.Fprintf(&sb, "Waiting for the remaining %d part%s to register.",
			3-len(resp.Parties), plural(3-len(resp.Parties), "y", "ies"))
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCoordinateHandshake runs the multisig establishment protocol.
func (h *Handlers) HandleCoordinateHandshake(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.CoordinateHandshake(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Handshake failed: %v", err)), nil
	}

	var resp struct {
		State           string `json:"state"`
		MultisigAddress string `json:"multisigAddress"`
		AlreadyMultisig bool   `json:"alreadyMultisig"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	if resp.AlreadyMultisig {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Escrow %s already has an established multisig wallet.\nAddress: %s",
			escrowID, resp.MultisigAddress)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Multisig wallet established for escrow %s.\n"+
			"Address: %s\n"+
			"State: %s\n\n"+
			"The buyer can now fund this address. Use check_balance to confirm the deposit.",
		escrowID, resp.MultisigAddress, resp.State)), nil
}

// HandleEscrowStatus returns the coordination record.
func (h *Handlers) HandleEscrowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance syncs and reports the multisig balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.CheckBalance(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Balance sync failed: %v", err)), nil
	}

	var resp struct {
		Total    uint64    `json:"total"`
		Unlocked uint64    `json:"unlocked"`
		AsOf     time.Time `json:"asOf"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s balance (synced %s):\n"+
			"Total: %s\n"+
			"Unlocked: %s\n\n"+
			"Only unlocked funds can be released.",
		escrowID, resp.AsOf.Format(time.RFC3339),
		formatAmount(resp.Total), formatAmount(resp.Unlocked))), nil
}

// HandleInitiateRelease collects signatures and broadcasts the release.
func (h *Handlers) HandleInitiateRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	authorizedBy := req.GetString("authorized_by", "")
	if authorizedBy == "" {
		return mcp.NewToolResultError("authorized_by is required"), nil
	}
	destAddress := req.GetString("destination_address", "")
	if destAddress == "" {
		return mcp.NewToolResultError("destination_address is required"), nil
	}
	amount := req.GetInt("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive number of atomic units"), nil
	}

	var roles []string
	for _, r := range strings.Split(authorizedBy, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}

	raw, err := h.client.InitiateRelease(ctx, escrowID, roles, destAddress, uint64(amount))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}

	var resp struct {
		TxID  string `json:"txId"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Funds released from escrow %s.\n"+
			"Transaction: %s\n"+
			"Amount: %s to %s\n"+
			"Authorized by: %s",
		escrowID, resp.TxID, formatAmount(uint64(amount)), destAddress,
		strings.Join(roles, " + "))), nil
}

// HandleAbortEscrow marks a coordination as failed.
func (h *Handlers) HandleAbortEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")

	_, err := h.client.AbortEscrow(ctx, escrowID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Abort failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s aborted. The coordination cannot be resumed; "+
			"parties must start over with a new escrow if they still want to trade.",
		escrowID)), nil
}

// --- Formatting helpers ---

func formatStatus(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Coordination struct {
			EscrowID string `json:"escrowId"`
			State    string `json:"state"`
			Parties  map[string]struct {
				Endpoint     string    `json:"endpoint"`
				RegisteredAt time.Time `json:"registeredAt"`
			} `json:"parties"`
			MultisigAddress string `json:"multisigAddress"`
			BalanceCache    *struct {
				Total    uint64    `json:"total"`
				Unlocked uint64    `json:"unlocked"`
				SyncedAt time.Time `json:"syncedAt"`
			} `json:"balanceCache"`
			ReleaseTxID string `json:"releaseTxId"`
			FailureTag  string `json:"failureTag"`
		} `json:"coordination"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	c := wrapper.Coordination

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", c.EscrowID)
	fmt.Fprintf(&sb, "State: %s\n", c.State)

	if len(c.Parties) == 0 {
		sb.WriteString("Parties: none registered yet\n")
	} else {
		roles := make([]string, 0, len(c.Parties))
		for role := range c.Parties {
			roles = append(roles, role)
		}
		fmt.Fprintf(&sb, "Parties: %d of 3 registered (%s)\n", len(c.Parties), strings.Join(roles, ", "))
	}

	if c.MultisigAddress != "" {
		fmt.Fprintf(&sb, "Multisig address: %s\n", c.MultisigAddress)
	}
	if c.BalanceCache != nil {
		fmt.Fprintf(&sb, "Balance: %s total, %s unlocked (as of %s)\n",
			formatAmount(c.BalanceCache.Total), formatAmount(c.BalanceCache.Unlocked),
			c.BalanceCache.SyncedAt.Format(time.RFC3339))
	}
	if c.ReleaseTxID != "" {
		fmt.Fprintf(&sb, "Release transaction: %s\n", c.ReleaseTxID)
	}
	if c.FailureTag != "" {
		fmt.Fprintf(&sb, "Failure: %s\n", c.FailureTag)
	}

	return sb.String(), nil
}

// formatAmount renders atomic units with a coin-denominated hint.
func formatAmount(atomic uint64) string {
	return fmt.Sprintf("%d atomic units (%.6f)", atomic, float64(atomic)/1e12)
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}
