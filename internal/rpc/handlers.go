package rpc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-wallet/internal/actions"
	"github.com/Klingon-tech/klingnet-wallet/internal/approval"
	"github.com/Klingon-tech/klingnet-wallet/internal/scheduler"
	"github.com/Klingon-tech/klingnet-wallet/internal/unfinished"
	"github.com/Klingon-tech/klingnet-wallet/internal/wallet"
)

// actionError reports err with the action error code it maps to.
func actionError(err error) *Error {
	code := actions.CodeOf(err)
	return &Error{
		Code:    CodeActionError,
		Message: err.Error(),
		Data:    ActionErrorData{ErrorCode: code, Name: code.String()},
	}
}

func walletError(err error) *Error {
	switch {
	case errors.Is(err, wallet.ErrWalletNotFound), errors.Is(err, wallet.ErrWalletNotOpen),
		errors.Is(err, scheduler.ErrUnknownWallet):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, wallet.ErrDecrypt):
		return &Error{Code: CodeInvalidParams, Message: "invalid wallet name or password"}
	case errors.Is(err, wallet.ErrWalletExists), errors.Is(err, wallet.ErrWalletOpen),
		errors.Is(err, wallet.ErrInvalidName), errors.Is(err, wallet.ErrInvalidMnemonic):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	default:
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
}

func (s *Server) walletInfo(w *wallet.Wallet) WalletInfo {
	snap := w.Snapshot()
	info := WalletInfo{
		ID:        snap.ID,
		Address:   snap.Address,
		PublicKey: hex.EncodeToString(w.PublicKey()),
		Balance:   snap.Balance,
	}
	if h := s.deps.Scheduler.Handle(w.ID()); h != nil {
		info.Busy = h.Busy()
		info.Pending = h.Pending()
	}
	return info
}

func (s *Server) requireWallet(id string) (*wallet.Wallet, *Error) {
	if id == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "wallet is required"}
	}
	w := s.deps.Wallets.Get(id)
	if w == nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("wallet %q is not open", id)}
	}
	return w, nil
}

// await waits for the response of a submitted action. A client that goes
// away stops waiting; the action keeps running.
func (s *Server) await(ctx context.Context, ch <-chan actions.Response) (ActionResult, *Error) {
	select {
	case r := <-ch:
		return newActionResult(r), nil
	case <-ctx.Done():
		return ActionResult{}, &Error{Code: CodeInternalError, Message: fmt.Sprintf("request ended: %v", ctx.Err())}
	case <-s.ctx.Done():
		return ActionResult{}, &Error{Code: CodeInternalError, Message: "server shutting down"}
	}
}

// ── Wallet endpoints ────────────────────────────────────────────────────

func (s *Server) handleWalletCreate(req *Request) (interface{}, *Error) {
	var params WalletCreateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}
	entry, mnemonic, err := s.deps.Wallets.Create(params.Name, []byte(params.Password), params.Mnemonic)
	if err != nil {
		return nil, walletError(err)
	}
	return &WalletCreateResult{Name: entry.Name, Address: entry.Address, Mnemonic: mnemonic}, nil
}

func (s *Server) handleWalletAvailable(_ *Request) (interface{}, *Error) {
	entries, err := s.deps.Wallets.Available()
	if err != nil {
		return nil, walletError(err)
	}
	if entries == nil {
		entries = []wallet.Entry{}
	}
	return &WalletAvailableResult{Wallets: entries}, nil
}

func (s *Server) handleWalletOpen(ctx context.Context, req *Request) (interface{}, *Error) {
	var params WalletOpenParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" || params.Password == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "name and password are required"}
	}
	w, err := s.deps.Wallets.Open(ctx, params.Name, []byte(params.Password))
	if err != nil {
		s.logger.Debug().Err(err).Str("wallet", params.Name).Msg("wallet open failed")
		return nil, walletError(err)
	}
	return s.walletInfo(w), nil
}

func (s *Server) handleWalletClose(req *Request) (interface{}, *Error) {
	var params WalletParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if _, rpcErr := s.requireWallet(params.Wallet); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.deps.Wallets.Close(params.Wallet); err != nil {
		return nil, walletError(err)
	}
	return &OKResult{OK: true}, nil
}

func (s *Server) handleWalletList(_ *Request) (interface{}, *Error) {
	open := s.deps.Wallets.Opened()
	infos := make([]WalletInfo, 0, len(open))
	for _, w := range open {
		infos = append(infos, s.walletInfo(w))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return &WalletListResult{Wallets: infos}, nil
}

func (s *Server) handleWalletBalance(req *Request) (interface{}, *Error) {
	var params WalletParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	w, rpcErr := s.requireWallet(params.Wallet)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return s.walletInfo(w), nil
}

func (s *Server) handleWalletSubmit(ctx context.Context, req *Request) (interface{}, *Error) {
	var params ActionParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Wallet == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "wallet is required"}
	}
	ch := s.deps.Scheduler.Submit(s.ctx, params.Wallet, params.Action, nil)
	res, rpcErr := s.await(ctx, ch)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return &res, nil
}

func (s *Server) handleWalletEstimate(ctx context.Context, req *Request) (interface{}, *Error) {
	var params ActionParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Wallet == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "wallet is required"}
	}
	masses, err := s.deps.Scheduler.Estimate(ctx, params.Wallet, params.Action)
	if err != nil {
		return nil, actionError(err)
	}
	if masses == nil {
		masses = []uint64{}
	}
	return &EstimateResult{Masses: masses}, nil
}

func (s *Server) handleWalletUnfinished(req *Request) (interface{}, *Error) {
	var params WalletParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	recs, err := s.deps.Scheduler.Unfinished(params.Wallet)
	if err != nil {
		return nil, actionError(err)
	}
	if recs == nil {
		recs = []unfinished.Record{}
	}
	return &UnfinishedResult{Actions: recs}, nil
}

func (s *Server) handleWalletResume(ctx context.Context, req *Request) (interface{}, *Error) {
	var params WalletParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	chans, err := s.deps.Scheduler.ResumeUnfinished(s.ctx, params.Wallet)
	if err != nil && len(chans) == 0 {
		return nil, actionError(err)
	}
	if err != nil {
		// The records before the failing one are already queued.
		s.logger.Warn().Err(err).Str("wallet", params.Wallet).Int("resumed", len(chans)).Msg("Resume stopped early")
	}
	out := &ResumeResult{Results: make([]ActionResult, 0, len(chans))}
	for _, ch := range chans {
		res, rpcErr := s.await(ctx, ch)
		if rpcErr != nil {
			return nil, rpcErr
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

// ── Approval endpoints ──────────────────────────────────────────────────

func (s *Server) requireApprovals() *Error {
	if s.deps.Approvals == nil {
		return &Error{Code: CodeNotFound, Message: "interactive approval not enabled"}
	}
	return nil
}

func (s *Server) handleApprovalList(_ *Request) (interface{}, *Error) {
	if err := s.requireApprovals(); err != nil {
		return nil, err
	}
	reqs := s.deps.Approvals.List()
	if reqs == nil {
		reqs = []approval.Request{}
	}
	return &ApprovalListResult{Requests: reqs}, nil
}

func (s *Server) decide(req *Request, fn func(ApprovalParam) error) (interface{}, *Error) {
	if err := s.requireApprovals(); err != nil {
		return nil, err
	}
	var params ApprovalParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "id is required"}
	}
	if err := fn(params); err != nil {
		if errors.Is(err, approval.ErrUnknownRequest) {
			return nil, &Error{Code: CodeNotFound, Message: err.Error()}
		}
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return &OKResult{OK: true}, nil
}

func (s *Server) handleApprovalApprove(req *Request) (interface{}, *Error) {
	return s.decide(req, func(p ApprovalParam) error {
		return s.deps.Approvals.Approve(p.ID, p.PriorityFee)
	})
}

func (s *Server) handleApprovalReject(req *Request) (interface{}, *Error) {
	return s.decide(req, func(p ApprovalParam) error {
		return s.deps.Approvals.Reject(p.ID)
	})
}

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainFeeEstimate(ctx context.Context, _ *Request) (interface{}, *Error) {
	est, err := s.deps.Transactions.FeeEstimate(ctx)
	if err != nil {
		return nil, actionError(err)
	}
	return &est, nil
}
