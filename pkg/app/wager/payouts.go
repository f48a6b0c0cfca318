package wager

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/escrow"
	"github.com/uhyunpark/wagerbook/pkg/events"
)

type claimEvent struct {
	Ref    string `json:"ref"`
	Amount int64  `json:"amount"`
	Error  string `json:"error,omitempty"`
}

// Claim pays out addr's whole pending balance. The balance is zeroed and the
// payout journaled before the transfer; a failed transfer restores it, so a
// failed claim can be retried and a successful one never pays twice.
func (a *App) Claim(ctx context.Context, addr common.Address) (int64, error) {
	const op = "claim"
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.ledger.BeginClaim(addr, uuid.NewString())
	if err != nil {
		return 0, a.fail(op, err)
	}
	if err := a.commit(); err != nil {
		_, _ = a.ledger.FinishClaim(addr, err)
		return 0, a.fail(op, err)
	}

	var transferErr error
	a.unlocked(func() {
		transferErr = a.funds.TransferOut(ctx, addr, p.Amount, p.Ref)
	})

	if _, err := a.ledger.FinishClaim(addr, transferErr); err != nil {
		a.metrics.ClaimFailures.Inc()
		a.emit(a.newEvent(events.ClaimFailed, claimEvent{Ref: p.Ref, Amount: p.Amount, Error: err.Error()}).WithAddresses(addr))
		a.logger.Warn("claim_failed",
			zap.String("address", addr.Hex()),
			zap.String("ref", p.Ref),
			zap.Int64("amount", p.Amount),
			zap.Error(transferErr))
		if cerr := a.commit(); cerr != nil {
			a.logger.Error("claim_restore_not_persisted", zap.Error(cerr))
		}
		return 0, a.fail(op, err)
	}

	a.metrics.Claims.Inc()
	a.emit(a.newEvent(events.ClaimCompleted, claimEvent{Ref: p.Ref, Amount: p.Amount}).WithAddresses(addr))
	a.logger.Info("claim_completed", zap.String("address", addr.Hex()), zap.Int64("amount", p.Amount))
	if err := a.commit(); err != nil {
		return p.Amount, a.fail(op, err)
	}
	return p.Amount, nil
}

// WithdrawFees sends the accumulated house fees to the authority's chosen
// address under the same discipline as Claim.
func (a *App) WithdrawFees(ctx context.Context, caller, to common.Address) (int64, error) {
	const op = "withdraw_fees"
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.admin.Authorize(caller); err != nil {
		return 0, a.fail(op, err)
	}
	if to == (common.Address{}) {
		to = caller
	}
	p, err := a.ledger.BeginFeeWithdrawal(to, uuid.NewString())
	if err != nil {
		return 0, a.fail(op, err)
	}
	if err := a.commit(); err != nil {
		_, _ = a.ledger.FinishFeeWithdrawal(err)
		return 0, a.fail(op, err)
	}

	var transferErr error
	a.unlocked(func() {
		transferErr = a.funds.TransferOut(ctx, to, p.Amount, p.Ref)
	})

	if _, err := a.ledger.FinishFeeWithdrawal(transferErr); err != nil {
		a.logger.Warn("fee_withdrawal_failed", zap.String("to", to.Hex()), zap.Int64("amount", p.Amount), zap.Error(transferErr))
		_ = a.commit()
		return 0, a.fail(op, err)
	}

	a.emit(a.newEvent(events.FeesWithdrawn, claimEvent{Ref: p.Ref, Amount: p.Amount}).WithAddresses(to))
	a.logger.Info("fees_withdrawn", zap.String("to", to.Hex()), zap.Int64("amount", p.Amount))
	if err := a.commit(); err != nil {
		return p.Amount, a.fail(op, err)
	}
	return p.Amount, nil
}

// Withdrawer is implemented by Funds backends that hold participant wallet
// balances and can pay them out of the system.
type Withdrawer interface {
	Withdraw(addr common.Address, amount int64) error
}

// Withdraw pays amount of addr's own wallet balance out of the system. It is
// only reachable through a signed action, so addr is always the signer.
func (a *App) Withdraw(addr common.Address, amount int64) (int64, error) {
	const op = "withdraw"
	w, ok := a.funds.(Withdrawer)
	if !ok {
		return 0, a.fail(op, core.Rejectf("withdrawals are not supported by this node"))
	}
	if amount <= 0 {
		return 0, a.fail(op, core.Rejectf("withdraw amount must be positive: %d", amount))
	}
	if err := w.Withdraw(addr, amount); err != nil {
		a.logger.Warn("withdraw_failed", zap.String("address", addr.Hex()), zap.Int64("amount", amount), zap.Error(err))
		return 0, a.fail(op, core.TransferFailed(err, false))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.emit(a.newEvent(events.WalletWithdrawn, claimEvent{Amount: amount}).WithAddresses(addr))
	a.logger.Info("wallet_withdrawn", zap.String("address", addr.Hex()), zap.Int64("amount", amount))
	if err := a.commit(); err != nil {
		return amount, a.fail(op, err)
	}
	return amount, nil
}

// settleInFlight finishes payouts that were journaled when the node stopped.
// Each transfer is repeated under its ref, so one that already landed is not
// paid twice; one that fails goes back to the pending balance or house fees.
func (a *App) settleInFlight(ctx context.Context) error {
	inflight := a.ledger.InFlight()
	if len(inflight) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range inflight {
		transferErr := a.funds.TransferOut(ctx, p.Payee, p.Amount, p.Ref)
		var err error
		if p.Fees {
			_, err = a.ledger.FinishFeeWithdrawal(transferErr)
		} else {
			_, err = a.ledger.FinishClaim(p.Payee, transferErr)
		}
		if err != nil && !errors.Is(err, core.ErrTransferFailure) {
			return errors.Wrapf(err, "settle payout %s", p.Ref)
		}
		a.logger.Warn("payout_recovered",
			zap.String("ref", p.Ref),
			zap.String("payee", p.Payee.Hex()),
			zap.Int64("amount", p.Amount),
			zap.Bool("fees", p.Fees),
			zap.Bool("paid", transferErr == nil),
			zap.Error(transferErr))
		a.emitRecovered(p, transferErr)
	}
	return a.commit()
}

func (a *App) emitRecovered(p escrow.Payout, transferErr error) {
	switch {
	case transferErr != nil && !p.Fees:
		a.emit(a.newEvent(events.ClaimFailed, claimEvent{Ref: p.Ref, Amount: p.Amount, Error: transferErr.Error()}).WithAddresses(p.Payee))
	case p.Fees:
		if transferErr == nil {
			a.emit(a.newEvent(events.FeesWithdrawn, claimEvent{Ref: p.Ref, Amount: p.Amount}).WithAddresses(p.Payee))
		}
	default:
		a.emit(a.newEvent(events.ClaimCompleted, claimEvent{Ref: p.Ref, Amount: p.Amount}).WithAddresses(p.Payee))
	}
}
