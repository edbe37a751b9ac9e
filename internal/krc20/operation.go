// Package krc20 builds KRC-20 token operations and turns them into
// commit-reveal actions.
package krc20

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/commitreveal"
	"github.com/Klingon-tech/klingnet-wallet/pkg/tx"
)

// Protocol is the envelope protocol id of KRC-20 operations and Standard
// the "p" field of their payload.
const (
	Protocol = "kasplex"
	Standard = "krc-20"
)

// Operation prices, in sompi, paid as reveal fee.
const (
	DeployPrice = 100_000_000_000
	MintPrice   = 100_000_000
)

// ListingRevealAmount is locked by a listing at the seller's send script
// address for the buyer's transaction to spend.
const ListingRevealAmount = 200_000_000

// Op is a KRC-20 operation name.
type Op string

// Operations.
const (
	OpMint     Op = "mint"
	OpDeploy   Op = "deploy"
	OpTransfer Op = "transfer"
	OpList     Op = "list"
	OpSend     Op = "send"
)

// Price returns the protocol price of op.
func (op Op) Price() uint64 {
	switch op {
	case OpDeploy:
		return DeployPrice
	case OpMint:
		return MintPrice
	}
	return 0
}

// Operation is the JSON payload inscribed by the reveal. Numeric fields
// are decimal strings in the token's smallest unit.
type Operation struct {
	P    string `json:"p"`
	Op   Op     `json:"op"`
	Tick string `json:"tick"`
	To   string `json:"to,omitempty"`
	Amt  string `json:"amt,omitempty"`
	Max  string `json:"max,omitempty"`
	Lim  string `json:"lim,omitempty"`
	Pre  string `json:"pre,omitempty"`
	Dec  string `json:"dec,omitempty"`
}

func newOperation(op Op, tick string) Operation {
	return Operation{P: Standard, Op: op, Tick: strings.ToLower(tick)}
}

// Mint mints one batch of tick.
func Mint(tick string) Operation {
	return newOperation(OpMint, tick)
}

// Deploy creates tick with a max supply, a per-mint limit and a premine.
func Deploy(tick string, maxSupply, limit, premine decimal.Decimal) Operation {
	o := newOperation(OpDeploy, tick)
	o.Max, o.Lim, o.Pre = maxSupply.String(), limit.String(), premine.String()
	return o
}

// Transfer sends amt of tick to the address to.
func Transfer(tick string, amt decimal.Decimal, to string) Operation {
	o := newOperation(OpTransfer, tick)
	o.Amt, o.To = amt.String(), to
	return o
}

// List offers amt of tick for sale.
func List(tick string, amt decimal.Decimal) Operation {
	o := newOperation(OpList, tick)
	o.Amt = amt.String()
	return o
}

// Send completes a listing.
func Send(tick string) Operation {
	return newOperation(OpSend, tick)
}

// Payload encodes the operation.
func (o Operation) Payload() (string, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", o.Op, err)
	}
	return string(data), nil
}

// Parse decodes a payload. Payloads of other standards are rejected.
func Parse(payload string) (Operation, error) {
	var o Operation
	if err := json.Unmarshal([]byte(payload), &o); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", commitreveal.ErrInvalidData, err)
	}
	if o.P != Standard {
		return Operation{}, fmt.Errorf("%w: standard %q", commitreveal.ErrInvalidData, o.P)
	}
	return o, nil
}

// Action builds the commit-reveal action of o for the wallet owning
// pubKey. A listing also funds the seller's send script address, which
// is why the key is needed.
func (o Operation) Action(pubKey []byte) (actions.Action, error) {
	payload, err := o.Payload()
	if err != nil {
		return actions.Action{}, err
	}
	cr := &actions.CommitReveal{
		Protocol:      Protocol,
		Payload:       payload,
		OperationCost: o.Op.Price(),
	}
	if o.Op == OpList {
		send, err := Send(o.Tick).Payload()
		if err != nil {
			return actions.Action{}, err
		}
		script, err := commitreveal.BuildScript(Protocol, send, pubKey)
		if err != nil {
			return actions.Action{}, err
		}
		cr.AdditionalOutputs = []tx.Payment{{Address: script.Address, Amount: ListingRevealAmount}}
	}
	return actions.Action{Type: actions.TypeCommitReveal, CommitReveal: cr}, nil
}
