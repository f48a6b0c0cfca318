package wager

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/admin"
	"github.com/uhyunpark/wagerbook/pkg/app/core/escrow"
	"github.com/uhyunpark/wagerbook/pkg/app/core/game"
	"github.com/uhyunpark/wagerbook/pkg/app/core/orderbook"
)

func (a *App) Order(id core.OrderID) (*orderbook.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.Order(id)
}

// OpenOrders lists owner's orders that are still open or partially filled.
func (a *App) OpenOrders(owner common.Address) []*orderbook.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.OpenOrders(owner)
}

func (a *App) Game(id core.GameID) (*game.Game, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.games.Game(id)
}

// Games lists every game, or only player's when player is non-nil.
func (a *App) Games(player *common.Address) []*game.Game {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.games.Games(player)
}

func (a *App) Pool(id core.GameID) (*escrow.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.Pool(id)
}

func (a *App) Pending(addr common.Address) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.Pending(addr)
}

func (a *App) HouseFees() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.HouseFees()
}

// Depth is both ladders of one time control, ascending by tick amount.
type Depth struct {
	TimeControl core.TimeControl      `json:"timeControl"`
	SideA       []orderbook.LevelView `json:"a"`
	SideB       []orderbook.LevelView `json:"b"`
}

func (a *App) Levels(tc core.TimeControl) Depth {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Depth{
		TimeControl: tc,
		SideA:       a.engine.Levels(tc, core.SideA),
		SideB:       a.engine.Levels(tc, core.SideB),
	}
}

func (a *App) TimeControls() []core.TimeControl {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.TimeControls()
}

func (a *App) Params() admin.Params { return a.admin.Params() }

// Nonce returns the last nonce accepted from addr.
func (a *App) Nonce(addr common.Address) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[addr]
}

// Stats is a point-in-time summary for the status endpoint.
type Stats struct {
	RestingOrders int                 `json:"restingOrders"`
	Games         map[game.Status]int `json:"games"`
	Escrowed      int64               `json:"escrowed"`
	HouseFees     int64               `json:"houseFees"`
	Paused        bool                `json:"paused"`
	Sequence      uint64              `json:"sequence"`
}

func (a *App) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		RestingOrders: a.engine.RestingCount(),
		Games:         a.games.CountByStatus(),
		Escrowed:      a.ledger.Escrowed(),
		HouseFees:     a.ledger.HouseFees(),
		Paused:        a.admin.Paused(),
		Sequence:      a.seq.Current(),
	}
}

// StateHash is a deterministic digest of the book, the pools and the
// pending balances. Two nodes that applied the same operations agree on it.
//
// Hashed in order:
//  1. every time control (sorted), then side A and side B levels:
//     tick amount, total, count
//  2. every pool (by game id): id, total, fee bps, resolved, winner, bets
//  3. pending balances sorted by address
//  4. house fees
func (a *App) StateHash() [32]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := sha256.New()
	var buf [8]byte
	putInt := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}

	for _, tc := range a.engine.TimeControls() {
		h.Write([]byte(tc))
		for _, side := range []core.Side{core.SideA, core.SideB} {
			h.Write([]byte{byte(side)})
			for _, lvl := range a.engine.Levels(tc, side) {
				putInt(lvl.TickAmount)
				putInt(lvl.Total)
				putInt(int64(lvl.Count))
			}
		}
	}

	for _, p := range a.ledger.Pools() {
		putInt(int64(p.GameID))
		putInt(p.Total)
		putInt(p.FeeBps)
		var flags byte
		if p.Resolved {
			flags |= 1
		}
		if p.HasWinner {
			flags |= 2 | byte(p.Winner)<<2
		}
		h.Write([]byte{flags})
		for _, b := range p.Bets {
			if b == nil {
				h.Write([]byte{0})
				continue
			}
			h.Write(b.Owner.Bytes())
			putInt(b.Amount)
			putInt(b.Payout)
		}
	}

	for _, c := range a.ledger.PendingBalances() {
		h.Write(c.Owner.Bytes())
		putInt(c.Amount)
	}
	putInt(a.ledger.HouseFees())

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
