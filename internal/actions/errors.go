package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-wallet/internal/commitreveal"
	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/internal/txmgr"
)

// ErrorCode is the stable failure code reported to callers. Rendering it
// into a message is left to the presentation layer.
type ErrorCode int

// Error codes.
const (
	UnknownError                ErrorCode = 1000
	WalletNotSelected           ErrorCode = 1001
	InvalidActionType           ErrorCode = 1002
	InvalidAmount               ErrorCode = 1003
	InvalidAddress              ErrorCode = 1004
	InsufficientBalance         ErrorCode = 1005
	UserRejected                ErrorCode = 1006
	TickerNotFound              ErrorCode = 1007
	TokenNotInMintableState     ErrorCode = 1008
	NoUtxosToCompound           ErrorCode = 1009
	RevealWithNoCommitAction    ErrorCode = 1010
	RevealTransactionNotFound   ErrorCode = 1011
	InvalidSignablePayload      ErrorCode = 1012
	SendTransactionAlreadySpent ErrorCode = 1013
	IndexServiceError           ErrorCode = 1014
	InvalidDeployData           ErrorCode = 1015
	InvalidTicker               ErrorCode = 1016
	TickerUnavailableForDeploy  ErrorCode = 1017
	InvalidMessageToSign        ErrorCode = 1018
	InvalidCommitRevealData     ErrorCode = 1019
	ConnectionError             ErrorCode = 1020
	CommitUtxoNotFound          ErrorCode = 1021
)

var codeNames = map[ErrorCode]string{
	UnknownError:                "unknown-error",
	WalletNotSelected:           "wallet-not-selected",
	InvalidActionType:           "invalid-action-type",
	InvalidAmount:               "invalid-amount",
	InvalidAddress:              "invalid-address",
	InsufficientBalance:         "insufficient-balance",
	UserRejected:                "user-rejected",
	TickerNotFound:              "ticker-not-found",
	TokenNotInMintableState:     "token-not-in-mintable-state",
	NoUtxosToCompound:           "no-utxos-to-compound",
	RevealWithNoCommitAction:    "reveal-with-no-commit-action",
	RevealTransactionNotFound:   "reveal-transaction-not-found",
	InvalidSignablePayload:      "invalid-signable-payload",
	SendTransactionAlreadySpent: "send-transaction-already-spent",
	IndexServiceError:           "index-service-error",
	InvalidDeployData:           "invalid-deploy-data",
	InvalidTicker:               "invalid-ticker",
	TickerUnavailableForDeploy:  "ticker-unavailable-for-deploy",
	InvalidMessageToSign:        "invalid-message-to-sign",
	InvalidCommitRevealData:     "invalid-commit-reveal-data",
	ConnectionError:             "connection-error",
	CommitUtxoNotFound:          "commit-utxo-not-found",
}

// String returns the code's identifier.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error-code-%d", int(c))
}

// Error is a failure with an explicit code.
type Error struct {
	Code ErrorCode
	Err  error
}

// NewError wraps err with code.
func NewError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Errorf builds an Error from a format string.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUserRejected is returned when the approver declines or times out.
var ErrUserRejected = errors.New("rejected by user")

// CodeOf maps err to the code reported to callers. An explicit *Error
// wins over the sentinel errors of the engine packages.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return 0
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, ErrUserRejected):
		return UserRejected
	case errors.Is(err, txmgr.ErrInsufficientBalance):
		return InsufficientBalance
	case errors.Is(err, txmgr.ErrInvalidSignablePayload):
		return InvalidSignablePayload
	case errors.Is(err, txmgr.ErrAlreadySpent), errors.Is(err, gateway.ErrMissingOutpoints):
		return SendTransactionAlreadySpent
	case errors.Is(err, commitreveal.ErrCommitUtxoNotFound):
		return CommitUtxoNotFound
	case errors.Is(err, commitreveal.ErrInvalidData):
		return InvalidCommitRevealData
	case errors.Is(err, gateway.ErrNotConnected),
		errors.Is(err, gateway.ErrConnectTimeout),
		errors.Is(err, gateway.ErrNotSynced),
		errors.Is(err, gateway.ErrNoUtxoIndex):
		return ConnectionError
	case errors.Is(err, context.DeadlineExceeded):
		return ConnectionError
	}
	return UnknownError
}
