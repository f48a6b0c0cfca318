package orderbook

import (
	"slices"
	"sort"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
)

type levelKey struct {
	tc   core.TimeControl
	side core.Side
	tick int64
}

type ladderKey struct {
	tc   core.TimeControl
	side core.Side
}

// LevelView is a read-only depth entry.
type LevelView struct {
	TickAmount int64 `json:"tickAmount"`
	Total      int64 `json:"total"`
	Count      int   `json:"count"`
}

// Book holds the resting orders of every (time control, side) ladder.
// It is not safe for concurrent use; the matching engine serializes access.
type Book struct {
	levels map[levelKey]*Level
	index  map[core.OrderID]levelKey
	ticks  map[ladderKey][]int64 // populated ticks per ladder, ascending
}

func NewBook() *Book {
	return &Book{
		levels: make(map[levelKey]*Level),
		index:  make(map[core.OrderID]levelKey),
		ticks:  make(map[ladderKey][]int64),
	}
}

func keyOf(o *Order) levelKey {
	return levelKey{tc: o.TimeControl, side: o.Side, tick: o.TickAmount}
}

// Insert appends o to the tail of its level, creating the level if absent.
func (b *Book) Insert(o *Order) error {
	if o.TickAmount <= 0 {
		return core.Rejectf("order %d has no tick amount", o.ID)
	}
	if o.Remaining() <= 0 || o.IsClosed() {
		return core.Transitionf("order %d is closed", o.ID)
	}
	if _, ok := b.index[o.ID]; ok {
		return core.Rejectf("order %d already resting", o.ID)
	}

	k := keyOf(o)
	lvl, ok := b.levels[k]
	if !ok {
		lvl = &Level{TimeControl: o.TimeControl, Side: o.Side, TickAmount: o.TickAmount}
		b.levels[k] = lvl
		b.addTick(k)
	}
	lvl.enqueue(o)
	b.index[o.ID] = k
	return nil
}

// Remove unlinks o from its level. Returns false if o is not resting.
func (b *Book) Remove(o *Order) bool {
	k, ok := b.index[o.ID]
	if !ok {
		return false
	}
	lvl := b.levels[k]
	lvl.unlink(o)
	delete(b.index, o.ID)
	if lvl.Empty() {
		delete(b.levels, k)
		b.dropTick(k)
	}
	return true
}

func (b *Book) addTick(k levelKey) {
	lk := ladderKey{tc: k.tc, side: k.side}
	ts := b.ticks[lk]
	i, _ := slices.BinarySearch(ts, k.tick)
	b.ticks[lk] = slices.Insert(ts, i, k.tick)
}

func (b *Book) dropTick(k levelKey) {
	lk := ladderKey{tc: k.tc, side: k.side}
	ts := b.ticks[lk]
	i, found := slices.BinarySearch(ts, k.tick)
	if !found {
		return
	}
	if ts = slices.Delete(ts, i, i+1); len(ts) == 0 {
		delete(b.ticks, lk)
		return
	}
	b.ticks[lk] = ts
}

// TicksBetween returns the populated ticks of one ladder within [lo, hi],
// ascending. The slice is a copy and stays valid while the book changes.
func (b *Book) TicksBetween(tc core.TimeControl, side core.Side, lo, hi int64) []int64 {
	ts := b.ticks[ladderKey{tc: tc, side: side}]
	i, _ := slices.BinarySearch(ts, lo)
	j := sort.Search(len(ts), func(n int) bool { return ts[n] > hi })
	if i >= j {
		return nil
	}
	return slices.Clone(ts[i:j])
}

// LevelAt returns the level for the key, or an empty sentinel level.
func (b *Book) LevelAt(tc core.TimeControl, side core.Side, tick int64) *Level {
	if lvl, ok := b.levels[levelKey{tc: tc, side: side, tick: tick}]; ok {
		return lvl
	}
	return &Level{TimeControl: tc, Side: side}
}

// Fill applies a fill of amt to a resting order, keeping the level aggregate
// in step. A fully consumed order leaves the book.
func (b *Book) Fill(o *Order, amt int64) error {
	if amt <= 0 || amt > o.Remaining() {
		return core.Rejectf("fill %d out of range for order %d (remaining %d)", amt, o.ID, o.Remaining())
	}
	k, ok := b.index[o.ID]
	if !ok {
		return core.NotFoundf("order %d not resting", o.ID)
	}
	lvl := b.levels[k]
	o.Filled += amt
	lvl.Total -= amt
	o.RefreshStatus()
	if o.Remaining() == 0 {
		b.Remove(o)
	}
	return nil
}

// EvictHead drops a fully consumed head order. It is lazy cleanup only and
// reports whether anything was evicted.
func (b *Book) EvictHead(lvl *Level) bool {
	h := lvl.Head()
	if h == nil || h.Remaining() > 0 {
		return false
	}
	return b.Remove(h)
}

func (b *Book) Contains(id core.OrderID) bool {
	_, ok := b.index[id]
	return ok
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// Levels returns the depth of one ladder sorted by ascending tick amount.
func (b *Book) Levels(tc core.TimeControl, side core.Side) []LevelView {
	var out []LevelView
	for _, t := range b.ticks[ladderKey{tc: tc, side: side}] {
		lvl := b.levels[levelKey{tc: tc, side: side, tick: t}]
		out = append(out, LevelView{TickAmount: t, Total: lvl.Total, Count: lvl.Count})
	}
	return out
}

// TimeControls lists every time control with resting liquidity, sorted.
func (b *Book) TimeControls() []core.TimeControl {
	seen := make(map[core.TimeControl]struct{})
	for k := range b.ticks {
		seen[k.tc] = struct{}{}
	}
	out := make([]core.TimeControl, 0, len(seen))
	for tc := range seen {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
