package orderbook

import "github.com/uhyunpark/wagerbook/pkg/app/core"

// Level is the FIFO queue of orders resting at one
// (time control, side, tick amount). A TickAmount of 0 marks the
// empty sentinel returned for levels with no liquidity.
type Level struct {
	TimeControl core.TimeControl
	Side        core.Side
	TickAmount  int64

	Total int64 // sum of Remaining() over queued orders
	Count int

	head *Order
	tail *Order
}

func (l *Level) enqueue(o *Order) {
	if l.head == nil {
		l.head = o
		l.tail = o
	} else {
		l.tail.next = o
		o.prev = l.tail
		l.tail = o
	}
	l.Total += o.Remaining()
	l.Count++
}

// unlink removes o from anywhere in the queue. The aggregate is reduced by
// the remaining amount observed before the links are touched.
func (l *Level) unlink(o *Order) {
	rem := o.Remaining()

	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		l.tail = o.prev
	}
	o.prev, o.next = nil, nil

	l.Total -= rem
	l.Count--
}

// Head returns the oldest queued order, nil when empty.
func (l *Level) Head() *Order { return l.head }

func (l *Level) Empty() bool { return l.head == nil }

// IsSentinel reports whether l stands for "no liquidity".
func (l *Level) IsSentinel() bool { return l.TickAmount == 0 }

// Orders returns the queue in priority order.
func (l *Level) Orders() []*Order {
	out := make([]*Order, 0, l.Count)
	for o := l.head; o != nil; o = o.next {
		out = append(out, o)
	}
	return out
}
