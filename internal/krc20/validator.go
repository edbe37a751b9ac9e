package krc20

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/indexer"
	"github.com/Klingon-tech/klingnet-wallet/pkg/types"
)

// Ticker length bounds for deploys.
const (
	MinTickerLength = 4
	MaxTickerLength = 6
)

// Index is the part of the token index the validator consults.
type Index interface {
	Token(ctx context.Context, tick string) (indexer.TokenInfo, error)
	Balance(ctx context.Context, addr, tick string) (indexer.TokenBalance, error)
}

// Validator checks KRC-20 payloads before they are queued. Failures are
// *actions.Error values.
type Validator struct {
	index Index
}

// NewValidator creates a validator backed by index.
func NewValidator(index Index) *Validator {
	return &Validator{index: index}
}

// Validate checks payload on behalf of the wallet at owner.
func (v *Validator) Validate(ctx context.Context, owner types.Address, payload string) error {
	o, err := Parse(payload)
	if err != nil {
		return actions.NewError(actions.InvalidCommitRevealData, err)
	}
	switch o.Op {
	case OpMint:
		return v.validateMint(ctx, o)
	case OpDeploy:
		return v.validateDeploy(ctx, o)
	case OpTransfer:
		return v.validateTransfer(ctx, owner, o)
	case OpList:
		if _, ok := positive(o.Amt); !ok {
			return actions.Errorf(actions.InvalidAmount, "list amount %q", o.Amt)
		}
		return nil
	case OpSend:
		if o.Tick == "" {
			return actions.Errorf(actions.InvalidTicker, "empty ticker")
		}
		return nil
	}
	return actions.Errorf(actions.InvalidActionType, "unknown krc-20 operation %q", o.Op)
}

func (v *Validator) validateMint(ctx context.Context, o Operation) error {
	info, err := v.index.Token(ctx, o.Tick)
	if errors.Is(err, indexer.ErrNotFound) {
		return actions.NewError(actions.TickerNotFound, err)
	}
	if err != nil {
		return actions.NewError(actions.IndexServiceError, err)
	}
	if !info.Mintable() {
		return actions.Errorf(actions.TokenNotInMintableState, "%s is %s", o.Tick, info.State)
	}
	return nil
}

func (v *Validator) validateDeploy(ctx context.Context, o Operation) error {
	maxSupply, ok1 := positive(o.Max)
	limit, ok2 := positive(o.Lim)
	premine, ok3 := integer(o.Pre)
	if !ok1 || !ok2 || !ok3 || premine.IsNegative() || maxSupply.LessThan(limit) || maxSupply.LessThan(premine) {
		return actions.Errorf(actions.InvalidDeployData, "max %q lim %q pre %q", o.Max, o.Lim, o.Pre)
	}
	if !validTicker(o.Tick) {
		return actions.Errorf(actions.InvalidTicker, "ticker %q", o.Tick)
	}

	// The index reports never-deployed tickers as unused; a missing entry
	// is a service fault.
	info, err := v.index.Token(ctx, o.Tick)
	if err != nil {
		return actions.NewError(actions.IndexServiceError, err)
	}
	if info.State != indexer.StateUnused {
		return actions.Errorf(actions.TickerUnavailableForDeploy, "%s is %s", o.Tick, info.State)
	}
	return nil
}

func (v *Validator) validateTransfer(ctx context.Context, owner types.Address, o Operation) error {
	if !types.IsValidAddress(o.To) {
		return actions.Errorf(actions.InvalidAddress, "recipient %q", o.To)
	}
	amt, ok := positive(o.Amt)
	if !ok {
		return actions.Errorf(actions.InvalidAmount, "transfer amount %q", o.Amt)
	}
	bal, err := v.index.Balance(ctx, owner.String(), o.Tick)
	if err != nil {
		return actions.NewError(actions.IndexServiceError, err)
	}
	if bal.Balance.LessThan(amt) {
		return actions.Errorf(actions.InsufficientBalance, "%s balance %s below %s", o.Tick, bal.Balance, amt)
	}
	return nil
}

func validTicker(tick string) bool {
	if len(tick) < MinTickerLength || len(tick) > MaxTickerLength {
		return false
	}
	for _, r := range tick {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// integer parses a whole decimal string.
func integer(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return decimal.Decimal{}, false
	}
	return d, true
}

func positive(s string) (decimal.Decimal, bool) {
	d, ok := integer(s)
	return d, ok && d.IsPositive()
}
