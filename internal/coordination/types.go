// Package coordination orchestrates 2-of-3 threshold multisig escrow setup
// and fund release between three independent wallet-control endpoints.
//
// Flow:
//  1. Buyer, vendor, and arbiter each register a loopback wallet endpoint
//  2. All three registered → coordinator drives the multi-round handshake
//  3. Handshake yields one shared multisig address, identical on all wallets
//  4. Balance becomes visible after a lazy export/import sync round
//  5. Release collects signature fragments from 2 of 3 wallets and submits
//
// The engine never creates, stores, or transmits private key material. It
// only moves opaque handshake tokens and signed transaction blobs between
// the parties' own wallets.
package coordination

import (
	"strings"
	"time"
)

const (
	// Threshold is the number of signers required to spend.
	Threshold = 2
	// TotalParties is the number of participants in every escrow.
	TotalParties = 3

	// Handshake token bounds. Tokens outside these bounds are rejected
	// before they are ever echoed to another party.
	minTokenLen = 100
	maxTokenLen = 5000

	tokenPrefixRound1 = "MultisigV1"
	tokenPrefixLater  = "MultisigxV1"
)

// Role identifies a party in an escrow.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleVendor  Role = "vendor"
	RoleArbiter Role = "arbiter"
)

// AllRoles lists the three escrow roles in canonical order.
var AllRoles = []Role{RoleBuyer, RoleVendor, RoleArbiter}

// ParseRole normalizes a role string.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleBuyer:
		return RoleBuyer, true
	case RoleVendor:
		return RoleVendor, true
	case RoleArbiter:
		return RoleArbiter, true
	}
	return "", false
}

// State is the coordination lifecycle state.
type State string

const (
	StateAwaitingRegistrations State = "awaiting_registrations"
	StateAllRegistered         State = "all_registered"
	StatePreparingRound1       State = "preparing_round1"
	StateKeysExchangedRound2   State = "keys_exchanged_round2"
	StateReady                 State = "ready"
	StateReleased              State = "released"
	StateFailed                State = "failed"
)

// IsTerminal returns true for states that accept no further handshake work.
func (s State) IsTerminal() bool {
	switch s {
	case StateReady, StateReleased, StateFailed:
		return true
	}
	return false
}

// canTransition encodes the forward edges of the state machine. Transitions
// never skip a predecessor; any non-terminal state may move to Failed.
func canTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateReleased && from != StateFailed
	}
	switch from {
	case StateAwaitingRegistrations:
		return to == StateAllRegistered
	case StateAllRegistered:
		return to == StatePreparingRound1
	case StatePreparingRound1:
		return to == StateKeysExchangedRound2
	case StateKeysExchangedRound2:
		return to == StateReady
	case StateReady:
		return to == StateReleased
	}
	return false
}

// PartyRegistration binds a role to its validated wallet endpoint.
type PartyRegistration struct {
	Role         Role      `json:"role"`
	Endpoint     string    `json:"endpoint"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// BalanceCache holds the last observed multisig balance in atomic units.
// It is stale by definition until the next sync refreshes it.
type BalanceCache struct {
	Total    uint64    `json:"total"`
	Unlocked uint64    `json:"unlocked"`
	SyncedAt time.Time `json:"syncedAt"`
}

// Coordination is the per-escrow record the engine maintains. One record
// exists per escrow ID, created on first registration and retained in its
// terminal state for audit.
type Coordination struct {
	EscrowID        string                      `json:"escrowId"`
	Threshold       uint32                      `json:"threshold"`
	TotalParties    uint32                      `json:"totalParties"`
	Parties         map[Role]*PartyRegistration `json:"parties"`
	State           State                       `json:"state"`
	MultisigAddress string                      `json:"multisigAddress,omitempty"`
	BalanceCache    *BalanceCache               `json:"balanceCache,omitempty"`
	// RoundData buffers the tokens collected in the most recently
	// completed handshake round, keyed by the role that produced them.
	RoundData map[Role]string `json:"roundData,omitempty"`
	// ExchangeRoundsDone counts completed exchange_multisig_keys rounds,
	// so a restart resumes the correct sub-round instead of replaying.
	ExchangeRoundsDone int       `json:"exchangeRoundsDone,omitempty"`
	ReleaseTxID        string    `json:"releaseTxId,omitempty"`
	FailureTag         string    `json:"failureTag,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// AllPartiesRegistered reports whether every role has an endpoint.
func (c *Coordination) AllPartiesRegistered() bool {
	for _, role := range AllRoles {
		if c.Parties[role] == nil {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (c *Coordination) Clone() *Coordination {
	cp := *c
	cp.Parties = make(map[Role]*PartyRegistration, len(c.Parties))
	for role, reg := range c.Parties {
		r := *reg
		cp.Parties[role] = &r
	}
	if c.RoundData != nil {
		cp.RoundData = make(map[Role]string, len(c.RoundData))
		for role, token := range c.RoundData {
			cp.RoundData[role] = token
		}
	}
	if c.BalanceCache != nil {
		b := *c.BalanceCache
		cp.BalanceCache = &b
	}
	return &cp
}

// validToken checks that an opaque handshake token has the expected shape:
// a known textual prefix and a bounded length. Tokens are never inspected
// beyond this; their contents belong to the parties' wallets.
func validToken(token string) bool {
	if len(token) < minTokenLen || len(token) > maxTokenLen {
		return false
	}
	return strings.HasPrefix(token, tokenPrefixRound1) ||
		strings.HasPrefix(token, tokenPrefixLater)
}

// peerTokens returns the tokens produced by every role except self, in
// canonical role order. Each party only ever receives the other two
// parties' tokens.
func peerTokens(tokens map[Role]string, self Role) []string {
	out := make([]string, 0, TotalParties-1)
	for _, role := range AllRoles {
		if role == self {
			continue
		}
		if token, ok := tokens[role]; ok {
			out = append(out, token)
		}
	}
	return out
}
