package mempool

import (
	"sync"

	"github.com/uhyunpark/wagerbook/pkg/app/core/transaction"
)

// Class buckets signed actions for ordering inside a batch.
type Class int

const (
	ClassControl Class = iota // votes, moves, claims, admin
	ClassCancel
	ClassStake // anything that escrows new value
)

func (c Class) String() string {
	switch c {
	case ClassControl:
		return "control"
	case ClassCancel:
		return "cancel"
	case ClassStake:
		return "stake"
	default:
		return "unknown"
	}
}

// Classify maps an action type to its bucket. Unknown actions land in the
// stake bucket and are rejected later by the verifier.
func Classify(a transaction.ActionType) Class {
	switch a {
	case transaction.ActionCancelOrder:
		return ClassCancel
	case transaction.ActionPlaceOrder, transaction.ActionCreateGame, transaction.ActionJoinGame,
		transaction.ActionWithdraw:
		return ClassStake
	case transaction.ActionMove, transaction.ActionVote, transaction.ActionClaim,
		transaction.ActionForceResult, transaction.ActionUnwind, transaction.ActionWithdrawFees,
		transaction.ActionSetFee, transaction.ActionSetTiers, transaction.ActionSetTolerance,
		transaction.ActionPause, transaction.ActionResume:
		return ClassControl
	default:
		return ClassStake
	}
}

// Entry is a queued action with its submission index.
type Entry struct {
	Index int
	Tx    *transaction.SignedAction
}

// Mempool keeps three FIFO queues: control, cancel, stake. A drain empties
// them in that order so settlements and cancels land before new stakes.
type Mempool struct {
	mu      sync.Mutex
	control []Entry
	cancel  []Entry
	stake   []Entry
	next    int
}

func NewMempool() *Mempool {
	return &Mempool{}
}

// Push enqueues tx and returns its submission index.
func (m *Mempool) Push(tx *transaction.SignedAction) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := Entry{Index: m.next, Tx: tx}
	m.next++
	switch Classify(tx.Payload.Action) {
	case ClassControl:
		m.control = append(m.control, e)
	case ClassCancel:
		m.cancel = append(m.cancel, e)
	default:
		m.stake = append(m.stake, e)
	}
	return e.Index
}

// Drain removes and returns up to max entries in bucket order. max <= 0
// drains everything.
func (m *Mempool) Drain(max int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	pull := func(q *[]Entry) {
		for len(*q) > 0 {
			if max > 0 && len(out) >= max {
				return
			}
			out = append(out, (*q)[0])
			*q = (*q)[1:]
		}
	}
	pull(&m.control)
	pull(&m.cancel)
	pull(&m.stake)
	return out
}

// Len returns the number of queued actions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.control) + len(m.cancel) + len(m.stake)
}
