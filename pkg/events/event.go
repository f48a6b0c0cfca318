package events

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type EventType string

const (
	OrderPlaced     EventType = "order_placed"
	OrderFilled     EventType = "order_filled"
	OrderCancelled  EventType = "order_cancelled"
	GameCreated     EventType = "game_created"
	GameStarted     EventType = "game_started"
	MoveSubmitted   EventType = "move_submitted"
	VoteSubmitted   EventType = "vote_submitted"
	GameFinished    EventType = "game_finished"
	PayoutCredited  EventType = "payout_credited"
	ClaimCompleted  EventType = "claim_completed"
	ClaimFailed     EventType = "claim_failed"
	FeesWithdrawn   EventType = "fees_withdrawn"
	WalletWithdrawn EventType = "wallet_withdrawn"
	ParamsUpdated   EventType = "params_updated"
	SystemPaused    EventType = "system_paused"
	SystemResumed   EventType = "system_resumed"
)

// Event is the envelope for every domain change. Seq orders events
// globally; ID is unique across restarts.
type Event struct {
	ID          string           `json:"id"`
	Seq         uint64           `json:"seq"`
	Type        EventType        `json:"type"`
	Timestamp   time.Time        `json:"ts"`
	GameID      uint64           `json:"gameId,omitempty"`
	OrderID     uint64           `json:"orderId,omitempty"`
	TimeControl string           `json:"timeControl,omitempty"`
	Addresses   []common.Address `json:"addresses,omitempty"` // accounts the event concerns
	Payload     any              `json:"payload,omitempty"`
}

// New builds an event with a fresh id. Seq is assigned when it is staged.
func New(t EventType, ts time.Time, payload any) Event {
	return Event{ID: uuid.NewString(), Type: t, Timestamp: ts, Payload: payload}
}

func (e Event) WithGame(id uint64) Event  { e.GameID = id; return e }
func (e Event) WithOrder(id uint64) Event { e.OrderID = id; return e }
func (e Event) WithTimeControl(tc string) Event {
	e.TimeControl = tc
	return e
}
func (e Event) WithAddresses(addrs ...common.Address) Event {
	e.Addresses = append(e.Addresses, addrs...)
	return e
}

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Key is the partition key used by the Kafka publishers: events of one
// game stay ordered on one partition.
func (e Event) Key() []byte {
	switch {
	case e.GameID != 0:
		return []byte("game:" + strconv.FormatUint(e.GameID, 10))
	case e.OrderID != 0:
		return []byte("order:" + strconv.FormatUint(e.OrderID, 10))
	default:
		return []byte(string(e.Type))
	}
}

