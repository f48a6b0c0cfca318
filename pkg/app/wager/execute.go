package wager

import (
	"context"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/mempool"
	"github.com/uhyunpark/wagerbook/pkg/app/core/transaction"
)

// Execute verifies a signed action, consumes its nonce and runs it with the
// recovered signer as the caller. The nonce is spent even when the
// operation itself is rejected.
func (a *App) Execute(ctx context.Context, tx *transaction.SignedAction) (any, error) {
	signer, err := a.verifier.Verify(tx)
	if err != nil {
		return nil, a.fail("verify", err)
	}
	if err := a.consumeNonce(signer, tx.Payload.NonceValue()); err != nil {
		return nil, a.fail("verify", err)
	}
	return a.dispatch(ctx, signer, &tx.Payload)
}

func (a *App) consumeNonce(addr common.Address, nonce uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if last := a.nonces[addr]; nonce <= last {
		return core.Rejectf("nonce %d for %s is not above %d", nonce, addr.Hex(), last)
	}
	a.nonces[addr] = nonce
	a.dirtyNonces[addr] = struct{}{}
	return a.commit()
}

func (a *App) dispatch(ctx context.Context, caller common.Address, p *transaction.Payload) (any, error) {
	target := p.TargetID()
	switch p.Action {
	case transaction.ActionPlaceOrder:
		return a.PlaceOrder(ctx, caller, core.Side(p.Side), p.AmountValue(), core.TimeControl(p.TimeControl))
	case transaction.ActionCancelOrder:
		return a.CancelOrder(caller, core.OrderID(target))
	case transaction.ActionCreateGame:
		return a.CreateTierGame(ctx, caller, core.Side(p.Side), p.AmountValue(), core.TimeControl(p.TimeControl))
	case transaction.ActionJoinGame:
		return a.JoinTierGame(ctx, caller, core.GameID(target))
	case transaction.ActionMove:
		return a.SubmitMove(caller, core.GameID(target), p.Move)
	case transaction.ActionVote:
		return a.SubmitResult(caller, core.GameID(target), core.Result(p.Result))
	case transaction.ActionClaim:
		amount, err := a.Claim(ctx, caller)
		return amountResult{Amount: amount}, err
	case transaction.ActionWithdraw:
		amount, err := a.Withdraw(caller, p.AmountValue())
		return amountResult{Amount: amount}, err
	case transaction.ActionForceResult:
		return a.ForceResult(caller, core.GameID(target), core.Result(p.Result))
	case transaction.ActionUnwind:
		return a.EmergencyUnwind(caller, core.GameID(target))
	case transaction.ActionWithdrawFees:
		to := caller
		if s := strings.TrimSpace(p.Params); s != "" {
			if !common.IsHexAddress(s) {
				return nil, a.fail("withdraw_fees", core.Rejectf("invalid fee recipient %q", s))
			}
			to = common.HexToAddress(s)
		}
		amount, err := a.WithdrawFees(ctx, caller, to)
		return amountResult{Amount: amount}, err
	case transaction.ActionSetFee:
		v, err := paramInt(p)
		if err != nil {
			return nil, a.fail("set_fee", err)
		}
		return a.SetFeeBps(caller, v)
	case transaction.ActionSetTiers:
		tiers, err := p.Tiers()
		if err != nil {
			return nil, a.fail("set_tiers", err)
		}
		return a.SetTiers(caller, tiers)
	case transaction.ActionSetTolerance:
		v, err := paramInt(p)
		if err != nil {
			return nil, a.fail("set_tolerance", err)
		}
		return a.SetTolerance(caller, v)
	case transaction.ActionPause:
		return a.Pause(caller)
	case transaction.ActionResume:
		return a.Resume(caller)
	default:
		return nil, a.fail("dispatch", core.Rejectf("unknown action %q", p.Action))
	}
}

type amountResult struct {
	Amount int64 `json:"amount"`
}

// paramInt reads a single integer parameter from Params, falling back to
// Amount when Params is empty.
func paramInt(p *transaction.Payload) (int64, error) {
	s := strings.TrimSpace(p.Params)
	if s == "" {
		s = p.Amount
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, core.Rejectf("invalid %s parameter %q", p.Action, s)
	}
	return v, nil
}

// BatchResult is the outcome of one action of a batch, reported at its
// submission index.
type BatchResult struct {
	Index  int    `json:"index"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Class  string `json:"class,omitempty"`
}

// ExecuteBatch queues txs and executes them in mempool priority order:
// control actions, then cancels, then new stakes. Results come back indexed
// by submission position.
func (a *App) ExecuteBatch(ctx context.Context, txs []*transaction.SignedAction) []BatchResult {
	pool := mempool.NewMempool()
	for _, tx := range txs {
		pool.Push(tx)
	}

	out := make([]BatchResult, len(txs))
	for _, e := range pool.Drain(0) {
		res, err := a.Execute(ctx, e.Tx)
		r := BatchResult{Index: e.Index, Result: res}
		if err != nil {
			r.Error = err.Error()
			r.Class = core.Class(err)
		}
		out[e.Index] = r
	}
	a.logger.Debug("batch_executed", zap.Int("actions", len(txs)))
	return out
}
