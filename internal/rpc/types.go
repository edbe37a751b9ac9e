package rpc

import (
	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/approval"
	"github.com/Klingon-tech/klingnet-wallet/internal/balance"
	"github.com/Klingon-tech/klingnet-wallet/internal/unfinished"
	"github.com/Klingon-tech/klingnet-wallet/internal/wallet"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	// CodeActionError carries an actions.ErrorCode in its data.
	CodeActionError = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ActionErrorData is the data of a CodeActionError error.
type ActionErrorData struct {
	ErrorCode actions.ErrorCode `json:"error_code"`
	Name      string            `json:"name"`
}

// ── Param types ─────────────────────────────────────────────────────────

// WalletParam is used by endpoints that take an open wallet id.
type WalletParam struct {
	Wallet string `json:"wallet"`
}

// WalletCreateParam is used by wallet_create. An empty mnemonic generates
// a new one.
type WalletCreateParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Mnemonic string `json:"mnemonic,omitempty"`
}

// WalletOpenParam is used by wallet_open.
type WalletOpenParam struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// ActionParam is used by wallet_submit and wallet_estimate.
type ActionParam struct {
	Wallet string         `json:"wallet"`
	Action actions.Action `json:"action"`
}

// ApprovalParam is used by approval_approve and approval_reject. A
// nonzero priority fee replaces the one of the action.
type ApprovalParam struct {
	ID          string `json:"id"`
	PriorityFee uint64 `json:"priority_fee,string,omitempty"`
}

// ── Result types ────────────────────────────────────────────────────────

// WalletCreateResult is returned by wallet_create.
type WalletCreateResult struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Mnemonic string `json:"mnemonic"`
}

// WalletAvailableResult is returned by wallet_available.
type WalletAvailableResult struct {
	Wallets []wallet.Entry `json:"wallets"`
}

// WalletInfo describes an open wallet and its queue.
type WalletInfo struct {
	ID        string          `json:"id"`
	Address   string          `json:"address"`
	PublicKey string          `json:"public_key"`
	Balance   balance.Balance `json:"balance"`
	Busy      bool            `json:"busy"`
	Pending   int             `json:"pending"`
}

// WalletListResult is returned by wallet_list.
type WalletListResult struct {
	Wallets []WalletInfo `json:"wallets"`
}

// ActionResult is the outcome of one action. Failed actions are results,
// not RPC errors.
type ActionResult struct {
	actions.Response
	Error string `json:"error,omitempty"`
}

// EstimateResult is returned by wallet_estimate.
type EstimateResult struct {
	Masses []uint64 `json:"masses"`
}

// UnfinishedResult is returned by wallet_unfinished.
type UnfinishedResult struct {
	Actions []unfinished.Record `json:"actions"`
}

// ResumeResult is returned by wallet_resume, one entry per resumed action.
type ResumeResult struct {
	Results []ActionResult `json:"results"`
}

// ApprovalListResult is returned by approval_list.
type ApprovalListResult struct {
	Requests []approval.Request `json:"requests"`
}

// OKResult acknowledges endpoints without a payload.
type OKResult struct {
	OK bool `json:"ok"`
}

func newActionResult(r actions.Response) ActionResult {
	out := ActionResult{Response: r}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}
