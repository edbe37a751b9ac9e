package wsclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Request methods.
const (
	MethodGetServerInfo                = "getServerInfo"
	MethodGetUtxosByAddresses          = "getUtxosByAddresses"
	MethodGetFeeEstimate               = "getFeeEstimate"
	MethodSubmitTransaction            = "submitTransaction"
	MethodSubmitTransactionReplacement = "submitTransactionReplacement"
	MethodGetMempoolEntriesByAddresses = "getMempoolEntriesByAddresses"
	MethodSubscribeUtxosChanged        = "subscribeUtxosChanged"
	MethodUnsubscribeUtxosChanged      = "unsubscribeUtxosChanged"
)

// Notification methods.
const (
	NotifyUtxosChanged   = "utxosChangedNotification"
	NotifyDAAScoreChange = "virtualDaaScoreChangedNotification"
)

// Error codes carried on the wire.
const (
	CodeInternal        = -32603
	CodeInvalidParams   = -32602
	CodeMethodNotFound  = -32601
	CodeRejected        = 100
	CodeMissingOutpoint = 101
	CodeReplacementFee  = 102
	CodeAlreadyAccepted = 103
	CodeNotConnected    = 104
)

// Request is a client to node message.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Message is a node to client message: a response when ID is set, a
// notification otherwise.
type Message struct {
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a wire error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// Unwrap maps wire codes back to gateway sentinels.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeRejected:
		return gateway.ErrRejected
	case CodeMissingOutpoint:
		return gateway.ErrMissingOutpoints
	case CodeReplacementFee:
		return gateway.ErrReplacementFee
	case CodeAlreadyAccepted:
		return gateway.ErrAlreadyAccepted
	case CodeNotConnected:
		return gateway.ErrNotConnected
	default:
		return nil
	}
}

// ErrorFor converts a gateway error to its wire form.
func ErrorFor(err error) *Error {
	code := CodeInternal
	switch {
	case errors.Is(err, gateway.ErrReplacementFee):
		code = CodeReplacementFee
	case errors.Is(err, gateway.ErrMissingOutpoints):
		code = CodeMissingOutpoint
	case errors.Is(err, gateway.ErrAlreadyAccepted):
		code = CodeAlreadyAccepted
	case errors.Is(err, gateway.ErrRejected):
		code = CodeRejected
	case errors.Is(err, gateway.ErrNotConnected):
		code = CodeNotConnected
	}
	return &Error{Code: code, Message: err.Error()}
}

// AddressesParams addresses a set of wallets.
type AddressesParams struct {
	Addresses []types.Address `json:"addresses"`
}

// SubmitParams carries a signed transaction.
type SubmitParams struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// SubmitResult returns the accepted transaction id.
type SubmitResult struct {
	TransactionID types.Hash `json:"transaction_id"`
}

// UtxosChangedParams is the payload of NotifyUtxosChanged.
type UtxosChangedParams struct {
	Added   []tx.UtxoEntry `json:"added"`
	Removed []tx.UtxoEntry `json:"removed"`
}

// DAAScoreParams is the payload of NotifyDAAScoreChange.
type DAAScoreParams struct {
	VirtualDAAScore uint64 `json:"virtual_daa_score"`
}
