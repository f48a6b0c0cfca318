package wager

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/escrow"
	"github.com/uhyunpark/wagerbook/pkg/app/core/game"
	"github.com/uhyunpark/wagerbook/pkg/app/core/matching"
	"github.com/uhyunpark/wagerbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/wagerbook/pkg/events"
)

// OrderResult is the outcome of a placement: the order as it stands after
// matching and the fills it produced.
type OrderResult struct {
	Order *orderbook.Order `json:"order"`
	Fills []matching.Fill  `json:"fills"`
}

// PlaceOrder quantizes amount, collects the quantized stake from owner and
// matches it against the book. A match error after some fills keeps those
// fills; the order rests with what is left.
func (a *App) PlaceOrder(ctx context.Context, owner common.Address, side core.Side, amount int64, tc core.TimeControl) (*OrderResult, error) {
	const op = "place_order"
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.admin.RequireOpen(); err != nil {
		return nil, a.fail(op, err)
	}
	p := a.admin.Params()
	quoted, err := matching.NewOrder(0, owner, side, amount, tc, p.TickSize, 0)
	if err != nil {
		return nil, a.fail(op, err)
	}
	stake := quoted.TickAmount

	if err := a.collect(ctx, owner, stake); err != nil {
		return nil, a.fail(op, err)
	}
	if err := a.admin.RequireOpen(); err != nil {
		return nil, a.fail(op, a.refundCollected(owner, stake, err))
	}

	p = a.admin.Params()
	id := core.OrderID(a.seq.Next())
	o, err := matching.NewOrder(id, owner, side, amount, tc, p.TickSize, a.now())
	if err != nil {
		return nil, a.fail(op, a.refundCollected(owner, stake, err))
	}
	if err := a.ledger.LockOrder(id, o.TickAmount); err != nil {
		return nil, a.fail(op, a.refundCollected(owner, stake, err))
	}

	a.emit(a.newEvent(events.OrderPlaced, o.Clone()).
		WithOrder(uint64(id)).
		WithTimeControl(string(tc)).
		WithAddresses(owner))

	fills, matchErr := a.engine.Place(o, matching.Config{TickSize: p.TickSize, TolerancePct: p.TolerancePct})
	a.metrics.OrdersPlaced.Inc()
	for i := range fills {
		f := &fills[i]
		a.metrics.Fills.Inc()
		a.metrics.FilledVolume.Add(float64(f.Amount))
		a.emit(a.newEvent(events.OrderFilled, f).
			WithOrder(uint64(f.TakerID)).
			WithGame(uint64(f.GameID)).
			WithTimeControl(string(tc)).
			WithAddresses(f.TakerOwner, f.MakerOwner))
	}

	placed, _ := a.engine.Order(id)
	a.logger.Info("order_placed",
		zap.Uint64("order_id", uint64(id)),
		zap.String("owner", owner.Hex()),
		zap.String("side", side.String()),
		zap.String("time_control", string(tc)),
		zap.Int64("amount", amount),
		zap.Int64("tick_amount", o.TickAmount),
		zap.Int("fills", len(fills)))

	if err := a.commit(); err != nil {
		return nil, a.fail(op, err)
	}
	res := &OrderResult{Order: placed, Fills: fills}
	if matchErr != nil {
		return res, a.fail(op, matchErr)
	}
	return res, nil
}

// CancelOrder removes a resting order and credits its unfilled stake to the
// owner's pending balance.
func (a *App) CancelOrder(owner common.Address, id core.OrderID) (*orderbook.Order, error) {
	const op = "cancel_order"
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ledger.CheckCredit(owner, a.ledger.OrderEscrow(id)); err != nil {
		return nil, a.fail(op, err)
	}
	o, refund, err := a.engine.Cancel(owner, id)
	if err != nil {
		return nil, a.fail(op, err)
	}
	released, err := a.ledger.ReleaseOrder(id, owner)
	if err != nil {
		return nil, a.fail(op, err)
	}
	if released != refund {
		a.logger.Warn("cancel_escrow_mismatch",
			zap.Uint64("order_id", uint64(id)),
			zap.Int64("remaining", refund),
			zap.Int64("escrow", released))
	}
	a.metrics.OrdersCancelled.Inc()

	a.emit(a.newEvent(events.OrderCancelled, o).
		WithOrder(uint64(id)).
		WithTimeControl(string(o.TimeControl)).
		WithAddresses(owner))
	if released > 0 {
		a.emitCredits([]escrow.Credit{{Owner: owner, Amount: released, Reason: "cancel"}}, 0)
	}
	a.logger.Info("order_cancelled",
		zap.Uint64("order_id", uint64(id)),
		zap.String("owner", owner.Hex()),
		zap.Int64("refund", released))

	if err := a.commit(); err != nil {
		return nil, a.fail(op, err)
	}
	return o, nil
}

// matchFunder is the engine's game factory. It runs inside Place with the
// app lock already held.
type matchFunder struct {
	app *App
}

// CreateMatchedGame funds a pool from both orders' escrow and creates the
// active game. Each side stakes the fill amount.
func (f *matchFunder) CreateMatchedGame(fill *matching.Fill) (core.GameID, error) {
	a := f.app
	p := a.admin.Params()
	id := core.GameID(a.seq.Next())

	var stakes [2]escrow.Stake
	stakes[fill.TakerSide] = escrow.Stake{OrderID: fill.TakerID, Owner: fill.TakerOwner, Amount: fill.Amount}
	stakes[fill.TakerSide.Opposite()] = escrow.Stake{OrderID: fill.MakerID, Owner: fill.MakerOwner, Amount: fill.Amount}

	if err := a.ledger.FundMatch(id, p.FeeBps, stakes); err != nil {
		return 0, err
	}
	g, err := a.games.CreateMatched(id, fill.TimeControl, fill.Players(), fill.Amount, a.now())
	if err != nil {
		return 0, errors.Wrapf(err, "pool %d funded without a game", id)
	}

	a.metrics.GamesCreated.WithLabelValues(game.OriginMatch.String()).Inc()
	a.emit(a.newEvent(events.GameCreated, g).
		WithGame(uint64(id)).
		WithTimeControl(string(g.TimeControl)).
		WithAddresses(g.Players[0], g.Players[1]))
	a.logger.Info("game_matched",
		zap.Uint64("game_id", uint64(id)),
		zap.Uint64("taker_id", uint64(fill.TakerID)),
		zap.Uint64("maker_id", uint64(fill.MakerID)),
		zap.Int64("amount", fill.Amount),
		zap.Int64("fee_bps", p.FeeBps))
	return id, nil
}

// collect pulls amount from payer with the lock released. On failure nothing
// was escrowed and the error is both TransferFailure and RejectedInput.
func (a *App) collect(ctx context.Context, payer common.Address, amount int64) error {
	var err error
	a.unlocked(func() {
		err = a.funds.TransferIn(ctx, payer, amount)
	})
	if err != nil {
		a.logger.Warn("stake_transfer_failed",
			zap.String("payer", payer.Hex()),
			zap.Int64("amount", amount),
			zap.Error(err))
		return core.TransferFailed(err, true)
	}
	return nil
}

// refundCollected credits a stake that was collected for an operation that
// could not go ahead, commits the credit and returns cause.
func (a *App) refundCollected(payer common.Address, amount int64, cause error) error {
	if err := a.ledger.Credit(payer, amount); err != nil {
		a.logger.Error("stake_refund_failed",
			zap.String("payer", payer.Hex()),
			zap.Int64("amount", amount),
			zap.Error(err))
		return errors.CombineErrors(cause, err)
	}
	a.emitCredits([]escrow.Credit{{Owner: payer, Amount: amount, Reason: "refund"}}, 0)
	a.logger.Info("stake_refunded",
		zap.String("payer", payer.Hex()),
		zap.Int64("amount", amount),
		zap.Error(cause))
	if err := a.commit(); err != nil {
		return errors.CombineErrors(cause, err)
	}
	return cause
}

func (a *App) emitCredits(credits []escrow.Credit, gameID core.GameID) {
	for _, c := range credits {
		a.emit(a.newEvent(events.PayoutCredited, c).
			WithGame(uint64(gameID)).
			WithAddresses(c.Owner))
	}
}
