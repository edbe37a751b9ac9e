// Package actions defines the wallet actions accepted by the scheduler,
// their results and the error codes reported to callers.
package actions

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Type identifies an action variant.
type Type string

// Action types.
const (
	TypeTransferKas             Type = "transfer-kas"
	TypeCompoundUtxos           Type = "compound-utxos"
	TypeSignExternalTransaction Type = "sign-external-transaction"
	TypeSignMessage             Type = "sign-message"
	TypeCommitReveal            Type = "commit-reveal"
)

// Instant reports whether actions of type t move no funds and bypass the
// wallet queue.
func (t Type) Instant() bool {
	return t == TypeSignMessage
}

// Action is a request against one wallet. Exactly one variant field
// matching Type is set; compound actions carry no data.
type Action struct {
	Type Type `json:"type"`
	// PriorityFee is attached after approval.
	PriorityFee uint64 `json:"priority_fee,string,omitempty"`

	Transfer     *Transfer     `json:"transfer,omitempty"`
	SignExternal *SignExternal `json:"sign_external,omitempty"`
	SignMessage  *SignMessage  `json:"sign_message,omitempty"`
	CommitReveal *CommitReveal `json:"commit_reveal,omitempty"`
}

// Transfer pays Amount to To, or everything when SendAll is set.
type Transfer struct {
	To      string `json:"to"`
	Amount  uint64 `json:"amount,string"`
	SendAll bool   `json:"send_all,omitempty"`
}

// SignExternal signs a partially-signed transaction built by a third
// party, submitting it when Submit is set.
type SignExternal struct {
	PSKT   json.RawMessage `json:"pskt"`
	Submit bool            `json:"submit,omitempty"`
}

// SignMessage signs an arbitrary message.
type SignMessage struct {
	Message string `json:"message"`
}

// CommitReveal runs a protocol operation through a commit and a reveal
// transaction.
type CommitReveal struct {
	Protocol string `json:"protocol"`
	Payload  string `json:"payload"`
	// OperationCost is the protocol price, paid as reveal fee.
	OperationCost     uint64       `json:"operation_cost,string,omitempty"`
	AdditionalOutputs []tx.Payment `json:"additional_outputs,omitempty"`
	// CommitTxID resumes an interrupted action; the commit leg is skipped.
	CommitTxID *types.Hash `json:"commit_tx_id,omitempty"`
	// RevealPriorityFee is added to the reveal leg. Zero means the action
	// priority fee is used for both legs.
	RevealPriorityFee uint64 `json:"reveal_priority_fee,string,omitempty"`
}

// WithPriorityFee returns a copy of a carrying fee.
func (a Action) WithPriorityFee(fee uint64) Action {
	a.PriorityFee = fee
	return a
}

// Validate checks that the variant matching Type is present.
func (a Action) Validate() error {
	var ok bool
	switch a.Type {
	case TypeTransferKas:
		ok = a.Transfer != nil
	case TypeCompoundUtxos:
		ok = true
	case TypeSignExternalTransaction:
		ok = a.SignExternal != nil
	case TypeSignMessage:
		ok = a.SignMessage != nil
	case TypeCommitReveal:
		ok = a.CommitReveal != nil
	default:
		return NewError(InvalidActionType, fmt.Errorf("unknown action type %q", a.Type))
	}
	if !ok {
		return NewError(InvalidActionType, fmt.Errorf("action %s carries no %s data", a.Type, a.Type))
	}
	return nil
}

// Result is the terminal record of a successful action.
type Result struct {
	Type              Type   `json:"type"`
	PerformedByWallet string `json:"performed_by_wallet"`

	TransactionID  *types.Hash     `json:"transaction_id,omitempty"`
	TransactionIDs []types.Hash    `json:"transaction_ids,omitempty"`
	Amount         uint64          `json:"amount,string,omitempty"`
	To             string          `json:"to,omitempty"`
	SendAll        bool            `json:"send_all,omitempty"`
	Fees           uint64          `json:"fees,string,omitempty"`
	CommitTxID     *types.Hash     `json:"commit_tx_id,omitempty"`
	RevealTxID     *types.Hash     `json:"reveal_tx_id,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	Payload        string          `json:"payload,omitempty"`
	PSKT           json.RawMessage `json:"pskt,omitempty"`
	SignedMessage  *SignedMessage  `json:"signed_message,omitempty"`
}

// SignedMessage is the outcome of a SignMessage action.
type SignedMessage struct {
	OriginalMessage string `json:"original_message"`
	Signature       string `json:"signature"`
	PublicKey       string `json:"public_key"`
}

// Response is what the scheduler resolves every submission with.
type Response struct {
	Success   bool      `json:"success"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	// Err is the underlying error, for logs only.
	Err error `json:"-"`
}

// Failure builds a failed response from err.
func Failure(err error) Response {
	return Response{ErrorCode: CodeOf(err), Err: err}
}

// Success builds a successful response.
func Success(r *Result) Response {
	return Response{Success: true, Result: r}
}
