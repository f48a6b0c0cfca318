package api

import (
	"github.com/uhyunpark/wagerbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/wagerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/wagerbook/pkg/app/wager"
)

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// AccountInfo combines the custodial wallet with the escrow side of an address
type AccountInfo struct {
	Address    string `json:"address"`
	Balance    int64  `json:"balance"`    // spendable wallet balance
	Pending    int64  `json:"pending"`    // claimable escrow credit
	Nonce      uint64 `json:"nonce"`      // last accepted action nonce
	OpenOrders int    `json:"openOrders"` // orders still resting
}

// StatusInfo is the node summary served by /status
type StatusInfo struct {
	wager.Stats
	StateHash string `json:"stateHash"`
	Authority string `json:"authority"`
	ChainID   int64  `json:"chainId"`
}

// ActionResponse wraps the result of one executed signed action
type ActionResponse struct {
	Status string `json:"status"` // "executed"
	Action string `json:"action"`
	Result any    `json:"result,omitempty"`
}

// BatchResponse lists batch outcomes by submission index
type BatchResponse struct {
	Results []wager.BatchResult `json:"results"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Class   string `json:"class,omitempty"` // wager error class when known
}

// ==============================
// REST Request Types
// ==============================

// BatchRequest is the payload for POST /api/v1/actions/batch
type BatchRequest struct {
	Actions []*transaction.SignedAction `json:"actions"`
}

// FaucetRequest credits test funds to a wallet account.
// Only served when the faucet is enabled.
type FaucetRequest struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Channel string `json:"channel"`
	Type    string `json:"type"` // event type, or "orderbook" for depth snapshots
	Data    any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:5+0", "games:12", "account:0x..."]
}

// OrderbookUpdate is pushed after any book-changing event for a time control
type OrderbookUpdate struct {
	TimeControl string                `json:"timeControl"`
	SideA       []orderbook.LevelView `json:"a"`
	SideB       []orderbook.LevelView `json:"b"`
	Seq         uint64                `json:"seq"` // seq of the event that triggered it
}
