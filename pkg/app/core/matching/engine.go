package matching

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/orderbook"
)

// Fill is one match between the incoming (taker) order and a resting
// (maker) order. Every fill funds exactly one game.
type Fill struct {
	TakerID     core.OrderID     `json:"takerId"`
	MakerID     core.OrderID     `json:"makerId"`
	TakerOwner  common.Address   `json:"takerOwner"`
	MakerOwner  common.Address   `json:"makerOwner"`
	TakerSide   core.Side        `json:"takerSide"`
	TimeControl core.TimeControl `json:"timeControl"`
	Amount      int64            `json:"amount"`
	MakerTick   int64            `json:"makerTick"`
	GameID      core.GameID      `json:"gameId"`
}

// Players returns the participants indexed by side.
func (f *Fill) Players() [2]common.Address {
	var p [2]common.Address
	p[f.TakerSide] = f.TakerOwner
	p[f.TakerSide.Opposite()] = f.MakerOwner
	return p
}

// GameFactory creates and funds the game for a fill. It runs before either
// order's fill counter moves; an error aborts the match with no counters
// touched.
type GameFactory interface {
	CreateMatchedGame(f *Fill) (core.GameID, error)
}

// Config holds the matching parameters in force for one call.
type Config struct {
	TickSize     int64
	TolerancePct int64
}

// Engine owns every order (resting or historical) and the book.
type Engine struct {
	book    *orderbook.Book
	orders  map[core.OrderID]*orderbook.Order
	factory GameFactory
	dirty   map[core.OrderID]struct{}
	logger  *zap.Logger
}

func NewEngine(factory GameFactory, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		book:    orderbook.NewBook(),
		orders:  make(map[core.OrderID]*orderbook.Order),
		factory: factory,
		dirty:   make(map[core.OrderID]struct{}),
		logger:  logger,
	}
}

// NewOrder quantizes amount and builds an order ready for Place.
func NewOrder(id core.OrderID, owner common.Address, side core.Side, amount int64, tc core.TimeControl, tickSize int64, now int64) (*orderbook.Order, error) {
	if owner == (common.Address{}) {
		return nil, core.Rejectf("owner address is required")
	}
	if !side.Valid() {
		return nil, core.Rejectf("invalid side %d", uint8(side))
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	tick, err := core.Quantize(amount, tickSize)
	if err != nil {
		return nil, err
	}
	return &orderbook.Order{
		ID:          id,
		Owner:       owner,
		Side:        side,
		Amount:      amount,
		TickAmount:  tick,
		TimeControl: tc,
		Status:      orderbook.Open,
		CreatedAt:   now,
	}, nil
}

// Place registers o, matches it and rests whatever is left. Fills made
// before a factory failure stand; the failure is returned alongside them.
func (e *Engine) Place(o *orderbook.Order, cfg Config) ([]Fill, error) {
	if o.ID == 0 {
		return nil, core.Rejectf("order id is required")
	}
	if _, exists := e.orders[o.ID]; exists {
		return nil, core.Rejectf("order %d already exists", o.ID)
	}
	if cfg.TickSize <= 0 || o.TickAmount <= 0 || o.TickAmount%cfg.TickSize != 0 {
		return nil, core.Rejectf("order %d tick amount %d is not a multiple of %d", o.ID, o.TickAmount, cfg.TickSize)
	}
	if o.TickAmount > core.MaxStake {
		return nil, core.Rejectf("order %d tick amount %d exceeds max stake %d", o.ID, o.TickAmount, core.MaxStake)
	}

	e.orders[o.ID] = o
	e.markDirty(o.ID)

	fills, matchErr := e.attemptMatch(o, cfg)

	o.RefreshStatus()
	if o.Remaining() > 0 {
		if err := e.book.Insert(o); err != nil {
			return fills, errors.CombineErrors(matchErr, err)
		}
	}
	return fills, matchErr
}

func (e *Engine) attemptMatch(o *orderbook.Order, cfg Config) ([]Fill, error) {
	var fills []Fill
	opp := o.Side.Opposite()
	tick := o.TickAmount

	// exact level
	fs, err := e.matchAtLevel(o, e.book.LevelAt(o.TimeControl, opp, tick), o.Remaining())
	fills = append(fills, fs...)
	if err != nil || o.Remaining() == 0 {
		return fills, err
	}

	band := tick/100*cfg.TolerancePct + tick%100*cfg.TolerancePct/100
	if band <= 0 {
		return fills, nil
	}
	ceiling := tick + band
	floor := max(tick-band, 1)

	// ladder upward first, then descend; this order is the tie-break.
	// Only populated levels are visited.
	for _, t := range e.book.TicksBetween(o.TimeControl, opp, tick+1, ceiling) {
		if o.Remaining() == 0 {
			break
		}
		fs, err := e.matchAtLevel(o, e.book.LevelAt(o.TimeControl, opp, t), o.Remaining())
		fills = append(fills, fs...)
		if err != nil {
			return fills, err
		}
	}
	below := e.book.TicksBetween(o.TimeControl, opp, floor, tick-1)
	for i := len(below) - 1; i >= 0 && o.Remaining() > 0; i-- {
		fs, err := e.matchAtLevel(o, e.book.LevelAt(o.TimeControl, opp, below[i]), o.Remaining())
		fills = append(fills, fs...)
		if err != nil {
			return fills, err
		}
	}
	return fills, nil
}

// matchAtLevel consumes level heads up to max of the taker's stake.
func (e *Engine) matchAtLevel(o *orderbook.Order, lvl *orderbook.Level, max int64) ([]Fill, error) {
	if lvl.IsSentinel() {
		return nil, nil
	}

	var fills []Fill
	for matched := int64(0); matched < max && !lvl.Empty(); {
		head := lvl.Head()
		if e.book.EvictHead(lvl) {
			e.logger.Debug("evicted_consumed_head", zap.Uint64("order_id", uint64(head.ID)))
			continue
		}

		amt := o.Remaining()
		if left := max - matched; amt > left {
			amt = left
		}
		if head.Remaining() < amt {
			amt = head.Remaining()
		}

		f := Fill{
			TakerID:     o.ID,
			MakerID:     head.ID,
			TakerOwner:  o.Owner,
			MakerOwner:  head.Owner,
			TakerSide:   o.Side,
			TimeControl: o.TimeControl,
			Amount:      amt,
			MakerTick:   head.TickAmount,
		}
		gameID, err := e.factory.CreateMatchedGame(&f)
		if err != nil {
			return fills, errors.Wrapf(err, "create game for orders %d/%d", o.ID, head.ID)
		}
		f.GameID = gameID

		o.Filled += amt
		o.RefreshStatus()
		if err := e.book.Fill(head, amt); err != nil {
			// cannot happen: amt was bounded by head.Remaining()
			return fills, errors.Wrap(err, "apply maker fill")
		}
		e.markDirty(o.ID)
		e.markDirty(head.ID)

		matched += amt
		fills = append(fills, f)
	}
	return fills, nil
}

// Cancel takes a resting order off the book and returns its unfilled
// remainder for refund.
func (e *Engine) Cancel(owner common.Address, id core.OrderID) (*orderbook.Order, int64, error) {
	o, ok := e.orders[id]
	if !ok {
		return nil, 0, core.NotFoundf("order %d not found", id)
	}
	if o.Owner != owner {
		return nil, 0, core.Unauthorizedf("order %d is not owned by %s", id, owner.Hex())
	}
	if o.IsClosed() {
		return nil, 0, core.Transitionf("order %d is already %s", id, o.Status)
	}

	refund := o.Remaining()
	e.book.Remove(o)
	o.Status = orderbook.Cancelled
	e.markDirty(id)
	return o.Clone(), refund, nil
}

// Order returns a copy of the order.
func (e *Engine) Order(id core.OrderID) (*orderbook.Order, error) {
	o, ok := e.orders[id]
	if !ok {
		return nil, core.NotFoundf("order %d not found", id)
	}
	return o.Clone(), nil
}

// OpenOrders lists the owner's non-terminal orders by id.
func (e *Engine) OpenOrders(owner common.Address) []*orderbook.Order {
	var out []*orderbook.Order
	for _, o := range e.orders {
		if o.Owner == owner && !o.IsClosed() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Levels(tc core.TimeControl, side core.Side) []orderbook.LevelView {
	return e.book.Levels(tc, side)
}

func (e *Engine) TimeControls() []core.TimeControl { return e.book.TimeControls() }

func (e *Engine) RestingCount() int { return e.book.Len() }

// Restore reloads persisted orders. Open orders rejoin the book in id order,
// which is their arrival order.
func (e *Engine) Restore(orders []*orderbook.Order) error {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	for _, o := range orders {
		e.orders[o.ID] = o
		if o.IsClosed() {
			continue
		}
		if err := e.book.Insert(o); err != nil {
			return errors.Wrapf(err, "restore order %d", o.ID)
		}
	}
	return nil
}

// TakeDirty returns the orders touched since the last call.
func (e *Engine) TakeDirty() []*orderbook.Order {
	if len(e.dirty) == 0 {
		return nil
	}
	out := make([]*orderbook.Order, 0, len(e.dirty))
	for id := range e.dirty {
		out = append(out, e.orders[id].Clone())
	}
	e.dirty = make(map[core.OrderID]struct{})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) markDirty(id core.OrderID) { e.dirty[id] = struct{}{} }
