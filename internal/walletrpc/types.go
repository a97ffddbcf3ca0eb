package walletrpc

import "encoding/json"

// Request is a JSON-RPC 2.0 request envelope for a wallet control endpoint.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an application-level error returned by the wallet endpoint.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// GetVersionResult is the result of the get_version call.
type GetVersionResult struct {
	Version uint32 `json:"version"`
}

// IsMultisigResult describes the wallet's multisig status.
type IsMultisigResult struct {
	Multisig  bool   `json:"multisig"`
	Ready     bool   `json:"ready"`
	Threshold uint32 `json:"threshold"`
	Total     uint32 `json:"total"`
}

// PrepareMultisigResult carries the wallet's initial key token.
type PrepareMultisigResult struct {
	MultisigInfo string `json:"multisig_info"`
}

type makeMultisigParams struct {
	MultisigInfo []string `json:"multisig_info"`
	Threshold    uint32   `json:"threshold"`
	Password     string   `json:"password"`
}

// MakeMultisigResult carries the token produced by the first key exchange
// round. Address is empty until the wallet is finalized.
type MakeMultisigResult struct {
	Address      string `json:"address"`
	MultisigInfo string `json:"multisig_info"`
}

type exchangeMultisigKeysParams struct {
	MultisigInfo []string `json:"multisig_info"`
	Password     string   `json:"password"`
}

// ExchangeMultisigKeysResult carries the finalized shared address, or an
// intermediate token when more rounds remain.
type ExchangeMultisigKeysResult struct {
	Address      string `json:"address"`
	MultisigInfo string `json:"multisig_info"`
}

// ExportMultisigInfoResult carries partial key image data for peers.
type ExportMultisigInfoResult struct {
	Info string `json:"info"`
}

type importMultisigInfoParams struct {
	Info []string `json:"info"`
}

// ImportMultisigInfoResult reports how many outputs were updated.
type ImportMultisigInfoResult struct {
	NOutputs uint64 `json:"n_outputs"`
}

type getBalanceParams struct {
	AccountIndex uint32 `json:"account_index"`
}

// GetBalanceResult carries the wallet balance in atomic units.
type GetBalanceResult struct {
	Balance         uint64 `json:"balance"`
	UnlockedBalance uint64 `json:"unlocked_balance"`
}

type transferDestination struct {
	Amount  uint64 `json:"amount"`
	Address string `json:"address"`
}

type transferParams struct {
	Destinations []transferDestination `json:"destinations"`
	AccountIndex uint32                `json:"account_index"`
	DoNotRelay   bool                  `json:"do_not_relay"`
}

// TransferResult carries the unsigned multisig transaction set produced by
// a transfer on a multisig wallet.
type TransferResult struct {
	TxHash        string `json:"tx_hash"`
	MultisigTxset string `json:"multisig_txset"`
}

type signMultisigParams struct {
	TxDataHex string `json:"tx_data_hex"`
}

// SignMultisigResult carries the partially signed transaction blob.
type SignMultisigResult struct {
	TxDataHex  string   `json:"tx_data_hex"`
	TxHashList []string `json:"tx_hash_list"`
}

type submitMultisigParams struct {
	TxDataHex string `json:"tx_data_hex"`
}

// SubmitMultisigResult carries the broadcast transaction hashes.
type SubmitMultisigResult struct {
	TxHashList []string `json:"tx_hash_list"`
}
