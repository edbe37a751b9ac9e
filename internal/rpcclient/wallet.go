package rpcclient

import (
	"context"

	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/approval"
	"github.com/Klingon-tech/klingnet-wallet/internal/gateway"
	"github.com/Klingon-tech/klingnet-wallet/internal/rpc"
	"github.com/Klingon-tech/klingnet-wallet/internal/unfinished"
	"github.com/Klingon-tech/klingnet-wallet/internal/wallet"
)

// WalletCreate creates a keystore wallet. An empty mnemonic generates one,
// returned in the result.
func (c *Client) WalletCreate(ctx context.Context, name, password, mnemonic string) (*rpc.WalletCreateResult, error) {
	var out rpc.WalletCreateResult
	p := rpc.WalletCreateParam{Name: name, Password: password, Mnemonic: mnemonic}
	if err := c.CallContext(ctx, "wallet_create", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WalletAvailable lists the keystore wallets.
func (c *Client) WalletAvailable(ctx context.Context) ([]wallet.Entry, error) {
	var out rpc.WalletAvailableResult
	if err := c.CallContext(ctx, "wallet_available", nil, &out); err != nil {
		return nil, err
	}
	return out.Wallets, nil
}

// WalletOpen unlocks a keystore wallet and starts tracking it.
func (c *Client) WalletOpen(ctx context.Context, name, password string) (*rpc.WalletInfo, error) {
	var out rpc.WalletInfo
	if err := c.CallContext(ctx, "wallet_open", rpc.WalletOpenParam{Name: name, Password: password}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WalletClose closes an open wallet.
func (c *Client) WalletClose(ctx context.Context, id string) error {
	return c.CallContext(ctx, "wallet_close", rpc.WalletParam{Wallet: id}, nil)
}

// WalletList describes every open wallet.
func (c *Client) WalletList(ctx context.Context) ([]rpc.WalletInfo, error) {
	var out rpc.WalletListResult
	if err := c.CallContext(ctx, "wallet_list", nil, &out); err != nil {
		return nil, err
	}
	return out.Wallets, nil
}

// WalletBalance describes one open wallet.
func (c *Client) WalletBalance(ctx context.Context, id string) (*rpc.WalletInfo, error) {
	var out rpc.WalletInfo
	if err := c.CallContext(ctx, "wallet_balance", rpc.WalletParam{Wallet: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit runs an action and waits for its outcome. A failed action is a
// result with Success false, not an error.
func (c *Client) Submit(ctx context.Context, id string, a actions.Action) (*rpc.ActionResult, error) {
	var out rpc.ActionResult
	if err := c.CallContext(ctx, "wallet_submit", rpc.ActionParam{Wallet: id, Action: a}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Estimate returns the masses of the transactions a would send.
func (c *Client) Estimate(ctx context.Context, id string, a actions.Action) ([]uint64, error) {
	var out rpc.EstimateResult
	if err := c.CallContext(ctx, "wallet_estimate", rpc.ActionParam{Wallet: id, Action: a}, &out); err != nil {
		return nil, err
	}
	return out.Masses, nil
}

// Unfinished lists the commit-reveal actions of a wallet awaiting their
// reveal.
func (c *Client) Unfinished(ctx context.Context, id string) ([]unfinished.Record, error) {
	var out rpc.UnfinishedResult
	if err := c.CallContext(ctx, "wallet_unfinished", rpc.WalletParam{Wallet: id}, &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// Resume reveals every unfinished action of a wallet.
func (c *Client) Resume(ctx context.Context, id string) ([]rpc.ActionResult, error) {
	var out rpc.ResumeResult
	if err := c.CallContext(ctx, "wallet_resume", rpc.WalletParam{Wallet: id}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// ApprovalList returns the actions waiting for a decision.
func (c *Client) ApprovalList(ctx context.Context) ([]approval.Request, error) {
	var out rpc.ApprovalListResult
	if err := c.CallContext(ctx, "approval_list", nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// Approve approves a pending action. A nonzero fee replaces its priority
// fee.
func (c *Client) Approve(ctx context.Context, requestID string, priorityFee uint64) error {
	return c.CallContext(ctx, "approval_approve", rpc.ApprovalParam{ID: requestID, PriorityFee: priorityFee}, nil)
}

// Reject rejects a pending action.
func (c *Client) Reject(ctx context.Context, requestID string) error {
	return c.CallContext(ctx, "approval_reject", rpc.ApprovalParam{ID: requestID}, nil)
}

// FeeEstimate returns the node's fee buckets.
func (c *Client) FeeEstimate(ctx context.Context) (*gateway.FeeEstimate, error) {
	var out gateway.FeeEstimate
	if err := c.CallContext(ctx, "chain_feeEstimate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
