package wager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/admin"
	"github.com/uhyunpark/wagerbook/pkg/app/core/game"
	"github.com/uhyunpark/wagerbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/wagerbook/pkg/events"
	"github.com/uhyunpark/wagerbook/pkg/util"
)

var (
	authority = common.HexToAddress("0xAD00000000000000000000000000000000000000")
	alice     = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob       = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol     = common.HexToAddress("0xCC00000000000000000000000000000000000000")
)

var errDeclined = errors.New("declined")

// fakeFunds is an in-memory escrow.Funds with switchable failures and
// optional hooks that run before each transfer.
type fakeFunds struct {
	mu       sync.Mutex
	balances map[common.Address]int64
	paid     map[string]bool
	vault    int64
	failIn   bool
	failOut  bool
	beforeIn  func(payer common.Address)
	beforeOut func(payee common.Address)
}

func newFakeFunds(seed int64, addrs ...common.Address) *fakeFunds {
	f := &fakeFunds{balances: make(map[common.Address]int64), paid: make(map[string]bool)}
	for _, a := range addrs {
		f.balances[a] = seed
	}
	return f
}

func (f *fakeFunds) TransferIn(_ context.Context, payer common.Address, amount int64) error {
	f.mu.Lock()
	hook := f.beforeIn
	f.mu.Unlock()
	if hook != nil {
		hook(payer)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIn || f.balances[payer] < amount {
		return errDeclined
	}
	f.balances[payer] -= amount
	f.vault += amount
	return nil
}

func (f *fakeFunds) TransferOut(_ context.Context, payee common.Address, amount int64, ref string) error {
	f.mu.Lock()
	hook := f.beforeOut
	f.mu.Unlock()
	if hook != nil {
		hook(payee)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paid[ref] {
		return nil
	}
	if f.failOut || f.vault < amount {
		return errDeclined
	}
	f.vault -= amount
	f.balances[payee] += amount
	if ref != "" {
		f.paid[ref] = true
	}
	return nil
}

func (f *fakeFunds) balance(a common.Address) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[a]
}

func (f *fakeFunds) setFailIn(v bool) {
	f.mu.Lock()
	f.failIn = v
	f.mu.Unlock()
}

func (f *fakeFunds) setFailOut(v bool) {
	f.mu.Lock()
	f.failOut = v
	f.mu.Unlock()
}

func newTestApp(t *testing.T, funds *fakeFunds) *App {
	t.Helper()
	a, err := New(Options{
		Authority: authority,
		Params:    admin.DefaultParams.Clone(),
		Funds:     funds,
		Clock:     util.NewManualClock(time.Unix(1700000000, 0)),
	})
	require.NoError(t, err)
	return a
}

func place(t *testing.T, a *App, owner common.Address, side core.Side, amount int64) *OrderResult {
	t.Helper()
	res, err := a.PlaceOrder(context.Background(), owner, side, amount, "5+0")
	require.NoError(t, err)
	return res
}

func TestNewRequiresFundsAndAuthority(t *testing.T) {
	_, err := New(Options{Authority: authority})
	assert.Error(t, err)
	_, err = New(Options{Funds: newFakeFunds(0)})
	assert.Error(t, err)
}

func TestExactMatchCreatesFundedGame(t *testing.T) {
	funds := newFakeFunds(1000, alice, bob)
	a := newTestApp(t, funds)

	maker := place(t, a, alice, core.SideA, 100)
	assert.Empty(t, maker.Fills)
	assert.Equal(t, orderbook.Open, maker.Order.Status)
	assert.Equal(t, int64(100), a.Stats().Escrowed)

	taker := place(t, a, bob, core.SideB, 100)
	require.Len(t, taker.Fills, 1)
	f := taker.Fills[0]
	assert.Equal(t, int64(100), f.Amount)
	assert.Equal(t, orderbook.Filled, taker.Order.Status)

	g, err := a.Game(f.GameID)
	require.NoError(t, err)
	assert.Equal(t, game.Active, g.Status)
	assert.Equal(t, [2]common.Address{alice, bob}, g.Players)

	pool, err := a.Pool(f.GameID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), pool.Total)
	assert.Equal(t, admin.DefaultParams.FeeBps, pool.FeeBps)

	m, err := a.Order(maker.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Filled, m.Status)
	assert.Equal(t, 0, a.Stats().RestingOrders)
	assert.Equal(t, int64(900), funds.balance(alice))
}

func TestPlaceOrderQuantizes(t *testing.T) {
	funds := newFakeFunds(1000, alice)
	a := newTestApp(t, funds)

	res := place(t, a, alice, core.SideA, 57)
	assert.Equal(t, int64(57), res.Order.Amount)
	assert.Equal(t, int64(50), res.Order.TickAmount)
	assert.Equal(t, int64(950), funds.balance(alice), "only the quantized stake is collected")

	_, err := a.PlaceOrder(context.Background(), alice, core.SideA, 9, "5+0")
	assert.True(t, errors.Is(err, core.ErrRejectedInput))
	assert.Equal(t, int64(950), funds.balance(alice))
}

func TestToleranceLadderPrefersHigherLevel(t *testing.T) {
	funds := newFakeFunds(1000, alice, bob, carol)
	a := newTestApp(t, funds)

	low := place(t, a, bob, core.SideB, 190)
	high := place(t, a, carol, core.SideB, 210)

	res := place(t, a, alice, core.SideA, 200)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, high.Order.ID, res.Fills[0].MakerID)
	assert.Equal(t, int64(200), res.Fills[0].Amount)

	h, _ := a.Order(high.Order.ID)
	assert.Equal(t, orderbook.PartiallyFilled, h.Status)
	assert.Equal(t, int64(10), h.Remaining())
	l, _ := a.Order(low.Order.ID)
	assert.Equal(t, orderbook.Open, l.Status)

	depth := a.Levels("5+0")
	assert.Len(t, depth.SideB, 2)
	assert.Empty(t, depth.SideA)
}

func TestFIFOAcrossPartialFills(t *testing.T) {
	funds := newFakeFunds(1000, alice, bob, carol)
	a := newTestApp(t, funds)

	first := place(t, a, alice, core.SideA, 100)
	second := place(t, a, bob, core.SideA, 100)

	res := place(t, a, carol, core.SideB, 60)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, first.Order.ID, res.Fills[0].MakerID)

	// the partially filled head keeps its place ahead of the later order
	res = place(t, a, carol, core.SideB, 60)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, first.Order.ID, res.Fills[0].MakerID)
	assert.Equal(t, int64(40), res.Fills[0].Amount)
	assert.Equal(t, second.Order.ID, res.Fills[1].MakerID)
	assert.Equal(t, int64(20), res.Fills[1].Amount)

	f, _ := a.Order(first.Order.ID)
	assert.Equal(t, orderbook.Filled, f.Status)
	s, _ := a.Order(second.Order.ID)
	assert.Equal(t, orderbook.PartiallyFilled, s.Status)
	assert.Equal(t, int64(80), s.Remaining())

	for _, fill := range res.Fills {
		pool, err := a.Pool(fill.GameID)
		require.NoError(t, err)
		assert.Equal(t, 2*fill.Amount, pool.Total)
	}
	// three funded pools plus the unfilled 80 still in order escrow
	assert.Equal(t, int64(2*(60+40+20)+80), a.Stats().Escrowed)
}

func TestStakeTransferFailureChangesNothing(t *testing.T) {
	funds := newFakeFunds(1000, alice)
	a := newTestApp(t, funds)
	before := a.StateHash()

	funds.setFailIn(true)
	_, err := a.PlaceOrder(context.Background(), alice, core.SideA, 100, "5+0")
	assert.True(t, errors.Is(err, core.ErrTransferFailure))
	assert.True(t, errors.Is(err, core.ErrRejectedInput))
	assert.Empty(t, a.OpenOrders(alice))
	assert.Equal(t, before, a.StateHash())

	_, err = a.PlaceOrder(context.Background(), carol, core.SideA, 100, "5+0")
	assert.True(t, errors.Is(err, core.ErrTransferFailure), "unfunded payer")
}

func TestCancelCreditsPendingAndClaimPays(t *testing.T) {
	funds := newFakeFunds(1000, alice, bob)
	a := newTestApp(t, funds)

	maker := place(t, a, alice, core.SideA, 300)
	taker := place(t, a, bob, core.SideB, 290)
	require.Len(t, taker.Fills, 1, "290 reaches the 300 level through the tolerance band")

	_, err := a.CancelOrder(bob, maker.Order.ID)
	assert.True(t, errors.Is(err, core.ErrUnauthorized))

	o, err := a.CancelOrder(alice, maker.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Cancelled, o.Status)
	assert.Equal(t, int64(10), a.Pending(alice))

	_, err = a.CancelOrder(alice, maker.Order.ID)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	amt, err := a.Claim(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(10), amt)
	assert.Equal(t, int64(0), a.Pending(alice))
	assert.Equal(t, int64(710), funds.balance(alice))

	_, err = a.Claim(context.Background(), alice)
	assert.True(t, errors.Is(err, core.ErrRejectedInput), "nothing left to claim")
}

func TestClaimFailureRestoresBalance(t *testing.T) {
	funds := newFakeFunds(1000, alice)
	a := newTestApp(t, funds)
	o := place(t, a, alice, core.SideA, 100)
	_, err := a.CancelOrder(alice, o.Order.ID)
	require.NoError(t, err)

	funds.setFailOut(true)
	_, err = a.Claim(context.Background(), alice)
	assert.True(t, errors.Is(err, core.ErrTransferFailure))
	assert.Equal(t, int64(100), a.Pending(alice))

	funds.setFailOut(false)
	amt, err := a.Claim(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(100), amt)
	assert.Equal(t, int64(1000), funds.balance(alice))
}

func TestPauseBlocksCreationOnly(t *testing.T) {
	funds := newFakeFunds(5000, alice, bob)
	a := newTestApp(t, funds)
	g, err := a.CreateTierGame(context.Background(), alice, core.SideA, 100, "3+2")
	require.NoError(t, err)
	_, err = a.JoinTierGame(context.Background(), bob, g.ID)
	require.NoError(t, err)
	waiting, err := a.CreateTierGame(context.Background(), alice, core.SideA, 500, "3+2")
	require.NoError(t, err)

	_, err = a.Pause(alice)
	assert.True(t, errors.Is(err, core.ErrUnauthorized))
	_, err = a.Pause(authority)
	require.NoError(t, err)

	_, err = a.PlaceOrder(context.Background(), alice, core.SideA, 100, "5+0")
	assert.True(t, errors.Is(err, core.ErrPaused))
	_, err = a.CreateTierGame(context.Background(), alice, core.SideA, 100, "3+2")
	assert.True(t, errors.Is(err, core.ErrPaused))
	_, err = a.JoinTierGame(context.Background(), bob, waiting.ID)
	assert.True(t, errors.Is(err, core.ErrPaused))

	_, err = a.SubmitResult(alice, g.ID, core.SideBWins)
	require.NoError(t, err)
	done, err := a.SubmitResult(bob, g.ID, core.SideBWins)
	require.NoError(t, err)
	assert.Equal(t, game.Finished, done.Status)

	unwound, err := a.EmergencyUnwind(authority, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, game.ReasonUnwind, unwound.Reason)

	_, err = a.Resume(authority)
	require.NoError(t, err)
	place(t, a, alice, core.SideA, 100)
}

func TestEventsReachTheBus(t *testing.T) {
	funds := newFakeFunds(1000, alice, bob)
	a := newTestApp(t, funds)

	var mu sync.Mutex
	var seen []events.EventType
	var seqs []uint64
	a.Bus().SubscribeAll(func(e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
		seqs = append(seqs, e.Seq)
		return nil
	})

	place(t, a, alice, core.SideA, 100)
	place(t, a, bob, core.SideB, 100)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.EventType{
		events.OrderPlaced,
		events.OrderPlaced, events.GameCreated, events.OrderFilled,
	}, seen)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestConcurrentOrdersConserveValue(t *testing.T) {
	players := []common.Address{alice, bob, carol,
		common.HexToAddress("0xDD00000000000000000000000000000000000000")}
	funds := newFakeFunds(100000, players...)
	a := newTestApp(t, funds)

	var wg sync.WaitGroup
	for i, p := range players {
		wg.Add(1)
		go func(i int, p common.Address) {
			defer wg.Done()
			side := core.Side(i % 2)
			for n := 0; n < 25; n++ {
				_, err := a.PlaceOrder(context.Background(), p, side, int64(100+10*(n%3)), "1+0")
				assert.NoError(t, err)
			}
		}(i, p)
	}
	wg.Wait()

	var collected int64
	for _, p := range players {
		collected += 100000 - funds.balance(p)
	}
	var pooled int64
	for _, g := range a.Games(nil) {
		pool, err := a.Pool(g.ID)
		require.NoError(t, err)
		pooled += pool.Total
	}
	var resting int64
	for _, p := range players {
		for _, o := range a.OpenOrders(p) {
			resting += o.Remaining()
		}
	}
	assert.Equal(t, collected, pooled+resting)
	assert.Equal(t, collected, a.Stats().Escrowed)
}
