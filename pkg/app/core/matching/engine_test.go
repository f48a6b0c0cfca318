package matching

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/orderbook"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol = common.HexToAddress("0xCC00000000000000000000000000000000000000")
)

type recordingFactory struct {
	next    core.GameID
	fills   []Fill
	failAt  int // 1-based call index to fail on, 0 never
	calls   int
	failErr error
}

func (f *recordingFactory) CreateMatchedGame(fill *Fill) (core.GameID, error) {
	f.calls++
	if f.failAt != 0 && f.calls == f.failAt {
		return 0, f.failErr
	}
	f.next++
	f.fills = append(f.fills, *fill)
	return f.next, nil
}

type harness struct {
	t       *testing.T
	engine  *Engine
	factory *recordingFactory
	cfg     Config
	nextID  core.OrderID
}

func newHarness(t *testing.T, tick, tol int64) *harness {
	f := &recordingFactory{}
	return &harness{
		t:       t,
		engine:  NewEngine(f, nil),
		factory: f,
		cfg:     Config{TickSize: tick, TolerancePct: tol},
	}
}

func (h *harness) place(owner common.Address, side core.Side, amount int64) (*orderbook.Order, []Fill) {
	h.t.Helper()
	h.nextID++
	o, err := NewOrder(h.nextID, owner, side, amount, "3+2", h.cfg.TickSize, 0)
	require.NoError(h.t, err)
	fills, err := h.engine.Place(o, h.cfg)
	require.NoError(h.t, err)
	return o, fills
}

func TestScenarioExactMatches(t *testing.T) {
	h := newHarness(t, 10, 5)

	a1, fills := h.place(alice, core.SideA, 100)
	assert.Empty(t, fills)
	assert.Equal(t, int64(100), a1.TickAmount)

	b1, fills := h.place(bob, core.SideB, 103)
	assert.Equal(t, int64(100), b1.TickAmount)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(100), fills[0].Amount)
	assert.Equal(t, core.GameID(1), fills[0].GameID)
	assert.Equal(t, orderbook.Filled, b1.Status)

	maker, err := h.engine.Order(a1.ID)
	require.NoError(t, err)
	assert.Equal(t, orderbook.Filled, maker.Status)

	a2, _ := h.place(alice, core.SideA, 95)
	assert.Equal(t, int64(90), a2.TickAmount)
	_, fills = h.place(bob, core.SideB, 95)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(90), fills[0].Amount)
	assert.Equal(t, int64(90), fills[0].MakerTick)

	assert.Equal(t, 0, h.engine.RestingCount())
	assert.Len(t, h.factory.fills, 2)
}

func TestBelowTickRejectedBeforeBook(t *testing.T) {
	_, err := NewOrder(1, alice, core.SideA, 9, "3+2", 10, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrBelowTick))
}

func TestToleranceBandBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		makerTick int64
		wantMatch bool
	}{
		{"floor inclusive", 95, true},
		{"ceiling inclusive", 105, true},
		{"below floor", 94, false},
		{"above ceiling", 106, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, 5)
			h.place(bob, core.SideB, tt.makerTick)
			_, fills := h.place(alice, core.SideA, 100)
			if tt.wantMatch {
				require.Len(t, fills, 1)
				assert.Equal(t, tt.makerTick, fills[0].MakerTick)
			} else {
				assert.Empty(t, fills)
			}
		})
	}
}

func TestToleranceLadderOrder(t *testing.T) {
	h := newHarness(t, 1, 5)
	// resting counterparts around 100 on both sides of the exact level
	for _, tick := range []int64{97, 103, 101, 99} {
		h.place(bob, core.SideB, tick)
	}
	// exact level, consumed first
	h.place(carol, core.SideB, 100)

	_, fills := h.place(alice, core.SideA, 1000)
	// 1000 has a band of 50, so all levels 950..1050 are eligible, none exist
	assert.Empty(t, fills)

	_, fills = h.place(alice, core.SideA, 100)
	require.NotEmpty(t, fills)
	assert.Equal(t, int64(100), fills[0].MakerTick)

	h2 := newHarness(t, 1, 5)
	for _, tick := range []int64{97, 103, 101, 99} {
		h2.place(bob, core.SideB, tick)
	}
	_, fills = h2.place(alice, core.SideA, 100)
	require.Len(t, fills, 1)
	// upward ladder wins over the nearer-below 99
	assert.Equal(t, int64(101), fills[0].MakerTick)
	assert.Equal(t, int64(100), fills[0].Amount)
}

func TestToleranceDescendsAfterCeiling(t *testing.T) {
	h := newHarness(t, 10, 10)
	h.place(bob, core.SideB, 110) // ceiling level
	h.place(carol, core.SideB, 90) // floor level

	_, fills := h.place(alice, core.SideA, 300)
	// band for 300 is 30: ladder 310..330 then 290..270; none of the resting levels qualify
	assert.Empty(t, fills)

	_, fills = h.place(alice, core.SideA, 100)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(110), fills[0].MakerTick)
	assert.Equal(t, int64(100), fills[0].Amount)

	// 10 of bob's order rests at 110; a second taker sweeps it then descends
	_, fills = h.place(alice, core.SideA, 100)
	require.Len(t, fills, 2)
	assert.Equal(t, int64(110), fills[0].MakerTick)
	assert.Equal(t, int64(10), fills[0].Amount)
	assert.Equal(t, int64(90), fills[1].MakerTick)
	assert.Equal(t, int64(90), fills[1].Amount)
}

func TestPartialFillRestsRemainder(t *testing.T) {
	h := newHarness(t, 10, 80)
	h.place(bob, core.SideB, 40)
	h.place(carol, core.SideB, 40)

	taker, fills := h.place(alice, core.SideA, 100)
	require.Len(t, fills, 2)
	assert.Equal(t, bob, fills[0].MakerOwner, "FIFO: bob arrived first")
	assert.Equal(t, carol, fills[1].MakerOwner)
	assert.Equal(t, int64(80), taker.Filled)
	assert.Equal(t, orderbook.PartiallyFilled, taker.Status)

	levels := h.engine.Levels("3+2", core.SideA)
	require.Len(t, levels, 1)
	assert.Equal(t, int64(100), levels[0].TickAmount)
	assert.Equal(t, int64(20), levels[0].Total)
}

func TestMatchingConservation(t *testing.T) {
	h := newHarness(t, 5, 10)
	amounts := []int64{55, 60, 45, 50, 70, 100, 35, 65, 50, 50}
	var placed []*orderbook.Order
	for i, amt := range amounts {
		side := core.SideA
		owner := alice
		if i%2 == 1 {
			side = core.SideB
			owner = bob
		}
		o, _ := h.place(owner, side, amt)
		placed = append(placed, o)
	}

	var filledTotal, fillTotal int64
	for _, o := range placed {
		cur, err := h.engine.Order(o.ID)
		require.NoError(t, err)
		filledTotal += cur.Filled
		assert.LessOrEqual(t, cur.Filled, cur.TickAmount)
	}
	for _, f := range h.factory.fills {
		fillTotal += f.Amount
	}
	// each fill moves both a taker and a maker counter
	assert.Equal(t, 2*fillTotal, filledTotal)
}

func TestFactoryFailureLeavesCountersUntouched(t *testing.T) {
	h := newHarness(t, 10, 0)
	h.factory.failAt = 1
	h.factory.failErr = errors.New("escrow short")

	maker, _ := h.place(bob, core.SideB, 100)

	h.nextID++
	taker, err := NewOrder(h.nextID, alice, core.SideA, 100, "3+2", 10, 0)
	require.NoError(t, err)
	fills, err := h.engine.Place(taker, h.cfg)
	require.Error(t, err)
	assert.Empty(t, fills)
	assert.Zero(t, taker.Filled)

	m, _ := h.engine.Order(maker.ID)
	assert.Zero(t, m.Filled)
	assert.Equal(t, orderbook.Open, m.Status)
	// the taker still rests so its escrow stays accounted for
	assert.Equal(t, 2, h.engine.RestingCount())
}

func TestCancel(t *testing.T) {
	h := newHarness(t, 10, 60)
	h.place(bob, core.SideB, 40)
	o, fills := h.place(alice, core.SideA, 100)
	require.Len(t, fills, 1)

	_, _, err := h.engine.Cancel(bob, o.ID)
	assert.True(t, errors.Is(err, core.ErrUnauthorized))

	c, refund, err := h.engine.Cancel(alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), refund, "only the unfilled remainder is refunded")
	assert.Equal(t, orderbook.Cancelled, c.Status)
	assert.Equal(t, 0, h.engine.RestingCount())

	_, _, err = h.engine.Cancel(alice, o.ID)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	_, _, err = h.engine.Cancel(alice, 999)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestCancelFilledOrderRejected(t *testing.T) {
	h := newHarness(t, 10, 0)
	o, _ := h.place(alice, core.SideA, 100)
	h.place(bob, core.SideB, 100)

	_, _, err := h.engine.Cancel(alice, o.ID)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
}

func TestSelfMatchAllowed(t *testing.T) {
	h := newHarness(t, 10, 0)
	h.place(alice, core.SideA, 100)
	_, fills := h.place(alice, core.SideB, 100)
	require.Len(t, fills, 1)
	p := fills[0].Players()
	assert.Equal(t, alice, p[core.SideA])
	assert.Equal(t, alice, p[core.SideB])
}

func TestTimeControlsAreSeparateBooks(t *testing.T) {
	h := newHarness(t, 10, 0)
	h.place(alice, core.SideA, 100)

	h.nextID++
	o, err := NewOrder(h.nextID, bob, core.SideB, 100, "10+0", 10, 0)
	require.NoError(t, err)
	fills, err := h.engine.Place(o, h.cfg)
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Equal(t, []core.TimeControl{"10+0", "3+2"}, h.engine.TimeControls())
}

func TestRestoreAndDirty(t *testing.T) {
	h := newHarness(t, 10, 50)
	h.place(bob, core.SideB, 60)
	a, fills := h.place(alice, core.SideA, 100)
	require.Len(t, fills, 1)

	dirty := h.engine.TakeDirty()
	assert.Len(t, dirty, 2)
	assert.Nil(t, h.engine.TakeDirty())

	restored := NewEngine(h.factory, nil)
	require.NoError(t, restored.Restore(dirty))
	assert.Equal(t, 1, restored.RestingCount())

	levels := restored.Levels("3+2", core.SideA)
	require.Len(t, levels, 1)
	assert.Equal(t, int64(40), levels[0].Total)

	open := restored.OpenOrders(alice)
	require.Len(t, open, 1)
	assert.Equal(t, a.ID, open[0].ID)
	assert.Empty(t, restored.OpenOrders(bob))
}

func TestToleranceLadderOnLargeTicks(t *testing.T) {
	const tick = 100_000_000_000_000_000
	const band = tick / 20
	h := newHarness(t, 10, 5)
	ceil, _ := h.place(bob, core.SideB, tick+band)
	floor, _ := h.place(carol, core.SideB, tick-band)

	// the band spans 1e15 grid points; only the two populated levels are visited
	_, fills := h.place(alice, core.SideA, tick)
	require.Len(t, fills, 1)
	assert.Equal(t, ceil.ID, fills[0].MakerID)
	assert.Equal(t, int64(tick), fills[0].Amount)

	_, fills = h.place(alice, core.SideA, tick)
	require.Len(t, fills, 2)
	assert.Equal(t, ceil.ID, fills[0].MakerID)
	assert.Equal(t, int64(band), fills[0].Amount)
	assert.Equal(t, floor.ID, fills[1].MakerID)
	assert.Equal(t, int64(tick-band), fills[1].Amount)
	assert.Equal(t, 0, h.engine.RestingCount())
}

func TestToleranceBandAtMaxStake(t *testing.T) {
	h := newHarness(t, 1, 50)
	half, _ := h.place(bob, core.SideB, core.MaxStake/2)

	// MaxStake * 50 does not fit in int64; the band must still be MaxStake/2
	_, fills := h.place(alice, core.SideA, core.MaxStake)
	require.Len(t, fills, 1)
	assert.Equal(t, half.ID, fills[0].MakerID)
	assert.Equal(t, core.MaxStake/2, fills[0].Amount)

	_, err := NewOrder(99, alice, core.SideA, core.MaxStake+1, "3+2", 1, 0)
	assert.True(t, errors.Is(err, core.ErrRejectedInput))

	o := &orderbook.Order{ID: 100, Owner: alice, Side: core.SideA, Amount: core.MaxStake + 1, TickAmount: core.MaxStake + 1, TimeControl: "3+2"}
	_, err = h.engine.Place(o, h.cfg)
	assert.True(t, errors.Is(err, core.ErrRejectedInput))
}
