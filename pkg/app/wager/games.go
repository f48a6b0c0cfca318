package wager

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/escrow"
	"github.com/uhyunpark/wagerbook/pkg/app/core/game"
	"github.com/uhyunpark/wagerbook/pkg/events"
)

// CreateTierGame opens a fixed-tier game with creator seated on side and
// their stake escrowed in a fresh pool.
func (a *App) CreateTierGame(ctx context.Context, creator common.Address, side core.Side, amount int64, tc core.TimeControl) (*game.Game, error) {
	const op = "create_game"
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.admin.RequireOpen(); err != nil {
		return nil, a.fail(op, err)
	}
	if err := a.checkTierRequest(creator, side, amount, tc); err != nil {
		return nil, a.fail(op, err)
	}

	if err := a.collect(ctx, creator, amount); err != nil {
		return nil, a.fail(op, err)
	}
	if err := a.admin.RequireOpen(); err != nil {
		return nil, a.fail(op, a.refundCollected(creator, amount, err))
	}
	if err := a.checkTierRequest(creator, side, amount, tc); err != nil {
		return nil, a.fail(op, a.refundCollected(creator, amount, err))
	}

	p := a.admin.Params()
	id := core.GameID(a.seq.Next())
	if err := a.ledger.OpenPool(id, p.FeeBps); err != nil {
		return nil, a.fail(op, a.refundCollected(creator, amount, err))
	}
	if err := a.ledger.Deposit(id, creator, side, amount); err != nil {
		return nil, a.fail(op, a.refundCollected(creator, amount, err))
	}
	g, err := a.games.CreateTier(id, creator, side, amount, tc, a.now())
	if err != nil {
		// the pool holds the stake; resolving it as a draw hands it back
		if _, rerr := a.ledger.Resolve(id, core.Draw); rerr != nil {
			a.logger.Error("orphan_pool_refund_failed", zap.Uint64("game_id", uint64(id)), zap.Error(rerr))
		}
		_ = a.commit()
		return nil, a.fail(op, err)
	}

	a.metrics.GamesCreated.WithLabelValues(game.OriginTier.String()).Inc()
	a.emit(a.newEvent(events.GameCreated, g).
		WithGame(uint64(id)).
		WithTimeControl(string(tc)).
		WithAddresses(creator))
	a.logger.Info("game_created",
		zap.Uint64("game_id", uint64(id)),
		zap.String("creator", creator.Hex()),
		zap.String("side", side.String()),
		zap.Int64("amount", amount),
		zap.String("time_control", string(tc)))

	if err := a.commit(); err != nil {
		return nil, a.fail(op, err)
	}
	return g, nil
}

func (a *App) checkTierRequest(creator common.Address, side core.Side, amount int64, tc core.TimeControl) error {
	if creator == (common.Address{}) {
		return core.Rejectf("creator address is required")
	}
	if !side.Valid() {
		return core.Rejectf("invalid side %d", uint8(side))
	}
	if err := tc.Validate(); err != nil {
		return err
	}
	if p := a.admin.Params(); !p.HasTier(amount) {
		return core.Rejectf("%d is not a stake tier %v", amount, p.Tiers)
	}
	return nil
}

// JoinTierGame takes the open seat of a waiting tier game. The seat is
// reserved while the joiner's stake transfer runs so nobody else can take
// it; a failed transfer releases the reservation.
func (a *App) JoinTierGame(ctx context.Context, joiner common.Address, id core.GameID) (*game.Game, error) {
	const op = "join_game"
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.admin.RequireOpen(); err != nil {
		return nil, a.fail(op, err)
	}
	side, amount, err := a.games.Reserve(id, joiner)
	if err != nil {
		return nil, a.fail(op, err)
	}

	if err := a.collect(ctx, joiner, amount); err != nil {
		a.games.Release(id, joiner)
		return nil, a.fail(op, err)
	}
	if err := a.admin.RequireOpen(); err != nil {
		a.games.Release(id, joiner)
		return nil, a.fail(op, a.refundCollected(joiner, amount, err))
	}

	// an unwind may have closed the game while the transfer ran
	g, err := a.games.Join(id, joiner, a.now())
	if err != nil {
		a.games.Release(id, joiner)
		return nil, a.fail(op, a.refundCollected(joiner, amount, err))
	}
	if err := a.ledger.Deposit(id, joiner, side, amount); err != nil {
		a.logger.Error("join_deposit_failed", zap.Uint64("game_id", uint64(id)), zap.Error(err))
		return nil, a.fail(op, a.refundCollected(joiner, amount, err))
	}

	a.emit(a.newEvent(events.GameStarted, g).
		WithGame(uint64(id)).
		WithTimeControl(string(g.TimeControl)).
		WithAddresses(g.Players[0], g.Players[1]))
	a.logger.Info("game_started",
		zap.Uint64("game_id", uint64(id)),
		zap.String("joiner", joiner.Hex()),
		zap.String("side", side.String()),
		zap.Int64("amount", amount))

	if err := a.commit(); err != nil {
		return nil, a.fail(op, err)
	}
	return g, nil
}

// SubmitMove appends a move for the player whose turn it is.
func (a *App) SubmitMove(player common.Address, id core.GameID, move string) (*game.Game, error) {
	const op = "move"
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.admin.Params()
	g, err := a.games.SubmitMove(id, player, move, game.MoveLimits{MaxMoves: p.MaxMoves, MaxMoveBytes: p.MaxMoveBytes})
	if err != nil {
		return nil, a.fail(op, err)
	}
	a.emit(a.newEvent(events.MoveSubmitted, moveEvent{Move: move, Ply: len(g.Moves), TerminalHint: g.TerminalHint}).
		WithGame(uint64(id)).
		WithAddresses(g.Players[0], g.Players[1]))
	if g.TerminalHint != core.Undetermined {
		a.logger.Info("terminal_position", zap.Uint64("game_id", uint64(id)), zap.String("hint", g.TerminalHint.String()))
	}

	if err := a.commit(); err != nil {
		return nil, a.fail(op, err)
	}
	return g, nil
}

type moveEvent struct {
	Move         string      `json:"move"`
	Ply          int         `json:"ply"`
	TerminalHint core.Result `json:"terminalHint"`
}

type voteEvent struct {
	Voter  common.Address `json:"voter"`
	Result core.Result    `json:"result"`
}

type finishEvent struct {
	Result core.Result       `json:"result"`
	Reason game.FinishReason `json:"reason"`
	Fee    int64             `json:"fee"`
}

// SubmitResult records a participant's vote. When both votes agree the pool
// resolves and the game finishes.
func (a *App) SubmitResult(voter common.Address, id core.GameID, result core.Result) (*game.Game, error) {
	const op = "vote"
	a.mu.Lock()
	defer a.mu.Unlock()

	agreed, ok, err := a.games.SubmitVote(id, voter, result)
	if err != nil {
		return nil, a.fail(op, err)
	}
	g, _ := a.games.Game(id)
	a.emit(a.newEvent(events.VoteSubmitted, voteEvent{Voter: voter, Result: result}).
		WithGame(uint64(id)).
		WithAddresses(g.Players[0], g.Players[1]))

	if ok {
		if g, err = a.settle(id, agreed, game.ReasonAgreement); err != nil {
			_ = a.commit()
			return nil, a.fail(op, err)
		}
	} else if g.BothVoted() {
		a.logger.Warn("votes_disagree",
			zap.Uint64("game_id", uint64(id)),
			zap.String("a", g.Votes[core.SideA].String()),
			zap.String("b", g.Votes[core.SideB].String()))
	}

	if err := a.commit(); err != nil {
		return nil, a.fail(op, err)
	}
	return g, nil
}

// ForceResult lets the authority settle a game after both players voted,
// typically when the votes disagree.
func (a *App) ForceResult(caller common.Address, id core.GameID, result core.Result) (*game.Game, error) {
	const op = "force_result"
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.admin.Authorize(caller); err != nil {
		return nil, a.fail(op, err)
	}
	if !result.Final() {
		return nil, a.fail(op, core.Rejectf("invalid result %s", result))
	}
	if err := a.games.CheckOverride(id); err != nil {
		return nil, a.fail(op, err)
	}
	g, err := a.settle(id, result, game.ReasonOverride)
	if err != nil {
		_ = a.commit()
		return nil, a.fail(op, err)
	}
	if err := a.commit(); err != nil {
		return nil, a.fail(op, err)
	}
	return g, nil
}

// EmergencyUnwind ends any unfinished game as a draw and refunds whatever
// was staked. It works while paused.
func (a *App) EmergencyUnwind(caller common.Address, id core.GameID) (*game.Game, error) {
	const op = "unwind"
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.admin.Authorize(caller); err != nil {
		return nil, a.fail(op, err)
	}
	if err := a.games.Unwindable(id); err != nil {
		return nil, a.fail(op, err)
	}
	g, err := a.settle(id, core.Draw, game.ReasonUnwind)
	if err != nil {
		_ = a.commit()
		return nil, a.fail(op, err)
	}
	if err := a.commit(); err != nil {
		return nil, a.fail(op, err)
	}
	return g, nil
}

// settle resolves the pool, then finishes the game. The pool's resolved
// flag guards against a second settlement of either.
func (a *App) settle(id core.GameID, result core.Result, reason game.FinishReason) (*game.Game, error) {
	s, err := a.ledger.Resolve(id, result)
	if err != nil {
		return nil, err
	}
	g, err := a.games.Finish(id, result, reason, a.now())
	if err != nil {
		return nil, err
	}
	if err := a.ledger.VerifyPool(id); err != nil {
		a.logger.Error("pool_invariant_violated", zap.Uint64("game_id", uint64(id)), zap.Error(err))
	}

	a.metrics.GamesFinished.WithLabelValues(string(reason), result.String()).Inc()
	a.emit(a.newEvent(events.GameFinished, finishEvent{Result: result, Reason: reason, Fee: s.Fee}).
		WithGame(uint64(id)).
		WithTimeControl(string(g.TimeControl)).
		WithAddresses(seatedPlayers(g)...))
	a.emitCredits(s.Credits, id)

	a.logger.Info("game_resolved",
		zap.Uint64("game_id", uint64(id)),
		zap.String("result", result.String()),
		zap.String("reason", string(reason)),
		zap.Int64("fee", s.Fee),
		zap.Int("credits", len(s.Credits)))
	return g, nil
}

func seatedPlayers(g *game.Game) []common.Address {
	var out []common.Address
	for i, seated := range g.Seated {
		if seated {
			out = append(out, g.Players[i])
		}
	}
	return out
}

// Bets returns the two stakes of a game's pool, nil where a side has not
// staked.
func (a *App) Bets(id core.GameID) ([2]*escrow.Bet, error) {
	p, err := a.Pool(id)
	if err != nil {
		return [2]*escrow.Bet{}, err
	}
	return p.Bets, nil
}
