package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
)

// BetStatus tracks a participant's stake through resolution
type BetStatus int8

const (
	BetPending BetStatus = iota
	BetWon
	BetLost
	BetRefunded
)

func (s BetStatus) String() string {
	switch s {
	case BetPending:
		return "pending"
	case BetWon:
		return "won"
	case BetLost:
		return "lost"
	case BetRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

func (s BetStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *BetStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = BetPending
	case "won":
		*s = BetWon
	case "lost":
		*s = BetLost
	case "refunded":
		*s = BetRefunded
	default:
		return core.Rejectf("invalid bet status %q", string(b))
	}
	return nil
}

// Bet is one participant's stake in a pool.
type Bet struct {
	Owner  common.Address `json:"owner"`
	Side   core.Side      `json:"side"`
	Amount int64          `json:"amount"`
	Status BetStatus      `json:"status"`
	Payout int64          `json:"payout"`
}

// Pool escrows the two stakes of one game. FeeBps is captured when the
// pool opens so later parameter changes never touch it.
type Pool struct {
	GameID    core.GameID `json:"gameId"`
	Total     int64       `json:"total"`
	Fee       int64       `json:"fee"`
	FeeBps    int64       `json:"feeBps"`
	Resolved  bool        `json:"resolved"`
	HasWinner bool        `json:"hasWinner"`
	Winner    core.Side   `json:"winner"`
	Bets      [2]*Bet     `json:"bets"` // indexed by side, nil until staked
}

// StakeCount returns how many sides have staked.
func (p *Pool) StakeCount() int {
	n := 0
	for _, b := range p.Bets {
		if b != nil {
			n++
		}
	}
	return n
}

func (p *Pool) Clone() *Pool {
	c := *p
	for i, b := range p.Bets {
		if b != nil {
			bc := *b
			c.Bets[i] = &bc
		}
	}
	return &c
}

// Stake is one side's contribution when a match funds a game.
type Stake struct {
	OrderID core.OrderID
	Owner   common.Address
	Amount  int64
}

// Credit is a pending-payout increment produced by a ledger operation.
type Credit struct {
	Owner  common.Address `json:"owner"`
	Amount int64          `json:"amount"`
	Reason string         `json:"reason"`
}

// Settlement describes what a resolution credited.
type Settlement struct {
	GameID  core.GameID `json:"gameId"`
	Result  core.Result `json:"result"`
	Fee     int64       `json:"fee"`
	Credits []Credit    `json:"credits"`
}

// Funds moves value between participants and the escrow. Implementations
// must report failure distinctly and must not call back into the ledger.
// TransferOut applies each ref at most once; repeating a ref that already
// succeeded returns nil without paying again.
type Funds interface {
	TransferIn(ctx context.Context, payer common.Address, amount int64) error
	TransferOut(ctx context.Context, payee common.Address, amount int64, ref string) error
}

const BpsDenominator = 10000

// FeeFor computes the house fee on a decisive pool total, rounding down.
// The split keeps every intermediate product below total.
func FeeFor(total, feeBps int64) int64 {
	return total/BpsDenominator*feeBps + total%BpsDenominator*feeBps/BpsDenominator
}
