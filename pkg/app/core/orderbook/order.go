package orderbook

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
)

// Status represents the lifecycle state of a stake order
type Status int8

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = Open
	case "partially_filled":
		*s = PartiallyFilled
	case "filled":
		*s = Filled
	case "cancelled":
		*s = Cancelled
	default:
		return core.Rejectf("invalid order status %q", string(b))
	}
	return nil
}

// Order is an unlimited-tier stake order.
// Amount is what the owner asked for, TickAmount the quantized stake that
// was actually escrowed and is eligible for matching.
type Order struct {
	ID          core.OrderID     `json:"id"`
	Owner       common.Address   `json:"owner"`
	Side        core.Side        `json:"side"`
	Amount      int64            `json:"amount"`
	TickAmount  int64            `json:"tickAmount"`
	TimeControl core.TimeControl `json:"timeControl"`
	Filled      int64            `json:"filled"`
	Status      Status           `json:"status"`
	CreatedAt   int64            `json:"createdAt"` // unix millis

	prev, next *Order
}

// Remaining returns the unfilled stake
func (o *Order) Remaining() int64 {
	return o.TickAmount - o.Filled
}

// IsClosed returns true once the order is filled or cancelled
func (o *Order) IsClosed() bool {
	return o.Status == Filled || o.Status == Cancelled
}

// RefreshStatus derives the status from the fill counter. Cancellation is
// sticky and only set explicitly.
func (o *Order) RefreshStatus() {
	if o.Status == Cancelled {
		return
	}
	switch {
	case o.Filled >= o.TickAmount:
		o.Status = Filled
	case o.Filled > 0:
		o.Status = PartiallyFilled
	default:
		o.Status = Open
	}
}

// Clone returns a detached copy safe to hand outside the engine.
func (o *Order) Clone() *Order {
	c := *o
	c.prev, c.next = nil, nil
	return &c
}
