package wager

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/admin"
	"github.com/uhyunpark/wagerbook/pkg/app/core/escrow"
	"github.com/uhyunpark/wagerbook/pkg/app/core/game"
	"github.com/uhyunpark/wagerbook/pkg/app/core/matching"
	"github.com/uhyunpark/wagerbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/wagerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/wagerbook/pkg/crypto"
	"github.com/uhyunpark/wagerbook/pkg/events"
	"github.com/uhyunpark/wagerbook/pkg/metrics"
	"github.com/uhyunpark/wagerbook/pkg/storage"
	"github.com/uhyunpark/wagerbook/pkg/util"
)

// Options wires an App. Funds and Authority are required; everything else
// has a usable default.
type Options struct {
	Authority common.Address
	Params    admin.Params
	Funds     escrow.Funds

	Store  *storage.PebbleStore // nil keeps state in memory only
	Outbox bool                 // stage events in the store for the broadcaster

	Oracle  game.Oracle
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Clock   util.Clock
	Domain  crypto.EIP712Domain
	Logger  *zap.Logger
}

// App is the single writer over the engine, ledger, games and parameters.
// Every operation takes mu; funds transfers run with mu released.
type App struct {
	mu sync.Mutex

	engine *matching.Engine
	ledger *escrow.Ledger
	games  *game.Registry
	admin  *admin.Controller
	funds  escrow.Funds

	store  *storage.PebbleStore
	outbox bool

	bus      *events.Bus
	metrics  *metrics.Metrics
	clock    util.Clock
	verifier *transaction.Verifier
	logger   *zap.Logger

	seq      *util.Sequencer // order and game ids share one sequence
	eventSeq *util.Sequencer

	nonces      map[common.Address]uint64
	dirtyNonces map[common.Address]struct{}
	staged      []events.Event
}

func New(opts Options) (*App, error) {
	if opts.Funds == nil {
		return nil, errors.New("funds collaborator is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Params.TickSize == 0 {
		opts.Params = admin.DefaultParams.Clone()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Domain.Name == "" {
		opts.Domain = crypto.DefaultDomain()
	}

	ctrl, err := admin.NewController(opts.Authority, opts.Params)
	if err != nil {
		return nil, errors.Wrap(err, "invalid admin configuration")
	}

	a := &App{
		ledger:      escrow.NewLedger(),
		games:       game.NewRegistry(opts.Oracle),
		admin:       ctrl,
		funds:       opts.Funds,
		store:       opts.Store,
		outbox:      opts.Outbox && opts.Store != nil,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		verifier:    transaction.NewVerifier(opts.Domain),
		logger:      opts.Logger,
		seq:         util.NewSequencer(0),
		eventSeq:    util.NewSequencer(0),
		nonces:      make(map[common.Address]uint64),
		dirtyNonces: make(map[common.Address]struct{}),
	}
	a.engine = matching.NewEngine(&matchFunder{app: a}, opts.Logger.Named("matching"))

	if err := a.restore(); err != nil {
		return nil, errors.Wrap(err, "failed to restore state")
	}
	if err := a.settleInFlight(context.Background()); err != nil {
		return nil, errors.Wrap(err, "failed to settle in-flight payouts")
	}
	a.refreshGauges()
	return a, nil
}

// Bus exposes the in-process event bus for subscribers such as the
// websocket hub. Handlers run under the app lock and must not call back.
func (a *App) Bus() *events.Bus { return a.bus }

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) Verifier() *transaction.Verifier { return a.verifier }

func (a *App) Authority() common.Address { return a.admin.Authority() }

// restore reloads everything the store holds. Order escrow is not stored;
// it equals the remaining stake of every open order.
func (a *App) restore() error {
	if a.store == nil {
		return nil
	}

	if p, ok, err := a.store.LoadParams(); err != nil {
		return err
	} else if ok {
		configured := a.admin.Params()
		configured.Paused = p.Paused // not part of the node config
		if !p.Equal(configured) {
			a.logger.Warn("persisted_params_override",
				zap.Any("persisted", p),
				zap.Any("configured", configured))
		}
		if err := a.admin.Restore(p); err != nil {
			return err
		}
	}

	orders, err := a.store.LoadOrders()
	if err != nil {
		return err
	}
	openEscrow := make(map[core.OrderID]int64)
	var maxID uint64
	for _, o := range orders {
		if uint64(o.ID) > maxID {
			maxID = uint64(o.ID)
		}
		if !o.IsClosed() {
			openEscrow[o.ID] = o.Remaining()
		}
	}
	if err := a.engine.Restore(orders); err != nil {
		return err
	}

	games, err := a.store.LoadGames()
	if err != nil {
		return err
	}
	for _, g := range games {
		if uint64(g.ID) > maxID {
			maxID = uint64(g.ID)
		}
	}
	a.games.Restore(games)

	pools, err := a.store.LoadPools()
	if err != nil {
		return err
	}
	pending, err := a.store.LoadPending()
	if err != nil {
		return err
	}
	fees, err := a.store.LoadHouseFees()
	if err != nil {
		return err
	}
	payouts, err := a.store.LoadPayouts()
	if err != nil {
		return err
	}
	a.ledger.Restore(pools, pending, fees, openEscrow, payouts)

	seq, err := a.store.LoadSequence()
	if err != nil {
		return err
	}
	a.seq.Advance(seq)
	a.seq.Advance(maxID)

	evtSeq, err := a.store.LoadOutboxSeq()
	if err != nil {
		return err
	}
	a.eventSeq.Advance(evtSeq)

	nonces, err := a.store.LoadNonces()
	if err != nil {
		return err
	}
	for addr, n := range nonces {
		a.nonces[addr] = n
	}

	a.logger.Info("state_restored",
		zap.Int("orders", len(orders)),
		zap.Int("games", len(games)),
		zap.Int("pools", len(pools)),
		zap.Int("pending", len(pending)),
		zap.Int("payouts_in_flight", len(payouts)),
		zap.Uint64("sequence", a.seq.Current()))
	return nil
}

func (a *App) now() int64 { return util.NowMillis(a.clock) }

// emit stages an event for the next commit.
func (a *App) emit(e events.Event) {
	a.staged = append(a.staged, e)
}

func (a *App) newEvent(t events.EventType, payload any) events.Event {
	return events.New(t, a.clock.Now().UTC(), payload)
}

// unlocked runs fn with mu released. Callers hold mu.
func (a *App) unlocked(fn func()) {
	a.mu.Unlock()
	defer a.mu.Lock()
	fn()
}

// fail records a rejected operation and returns err unchanged.
func (a *App) fail(op string, err error) error {
	class := core.Class(err)
	a.metrics.OpErrors.WithLabelValues(op, class).Inc()
	if class == "internal" {
		a.logger.Error("operation_failed", zap.String("op", op), zap.Error(err))
	} else {
		a.logger.Debug("operation_rejected", zap.String("op", op), zap.String("class", class), zap.Error(err))
	}
	return err
}

// commit persists everything the last operation touched in one batch, then
// publishes the staged events. Callers hold mu.
func (a *App) commit() error {
	orders := a.engine.TakeDirty()
	games := a.games.TakeDirty()
	ledger := a.ledger.TakeDirty()
	params, paramsDirty := a.admin.TakeDirty()
	staged := a.staged
	a.staged = nil

	for i := range staged {
		staged[i].Seq = a.eventSeq.Next()
	}

	if a.store != nil {
		if err := a.persist(orders, games, ledger, params, paramsDirty, staged); err != nil {
			a.logger.Error("persist_failed", zap.Error(err))
			return errors.Wrap(err, "failed to persist state")
		}
	}
	a.dirtyNonces = make(map[common.Address]struct{})

	for _, e := range staged {
		a.bus.Publish(e)
	}
	a.refreshGauges()
	return nil
}

func (a *App) persist(orders []*orderbook.Order, games []*game.Game, ld escrow.Dirty, params admin.Params, paramsDirty bool, staged []events.Event) error {
	b := a.store.NewBatch()
	defer b.Close()

	for _, o := range orders {
		if err := b.SaveOrder(o); err != nil {
			return err
		}
	}
	for _, g := range games {
		if err := b.SaveGame(g); err != nil {
			return err
		}
	}
	for _, p := range ld.Pools {
		if err := b.SavePool(p); err != nil {
			return err
		}
	}
	for addr, amt := range ld.Pending {
		if err := b.SetPending(addr, amt); err != nil {
			return err
		}
	}
	for ref, p := range ld.Payouts {
		if err := b.SavePayout(ref, p); err != nil {
			return err
		}
	}
	if ld.FeesDirty {
		if err := b.SetHouseFees(ld.HouseFees); err != nil {
			return err
		}
	}
	if paramsDirty {
		if err := b.SaveParams(params); err != nil {
			return err
		}
	}
	for addr := range a.dirtyNonces {
		if err := b.SetNonce(addr, a.nonces[addr]); err != nil {
			return err
		}
	}
	if err := b.SetSequence(a.seq.Current()); err != nil {
		return err
	}
	if a.outbox {
		for _, e := range staged {
			data, err := e.Marshal()
			if err != nil {
				return errors.Wrapf(err, "failed to encode event %s", e.Type)
			}
			if err := b.AppendOutbox(e.Seq, data); err != nil {
				return err
			}
		}
	}
	return b.Commit()
}

func (a *App) refreshGauges() {
	a.metrics.Escrowed.Set(float64(a.ledger.Escrowed()))
	a.metrics.HouseFees.Set(float64(a.ledger.HouseFees()))
	a.metrics.RestingOrders.Set(float64(a.engine.RestingCount()))
	if a.admin.Paused() {
		a.metrics.Paused.Set(1)
	} else {
		a.metrics.Paused.Set(0)
	}
}
