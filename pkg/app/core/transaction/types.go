package transaction

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/crypto"
)

// ActionType names the operation a signed action requests
type ActionType string

const (
	ActionPlaceOrder   ActionType = "place_order"
	ActionCancelOrder  ActionType = "cancel_order"
	ActionCreateGame   ActionType = "create_game"
	ActionJoinGame     ActionType = "join_game"
	ActionMove         ActionType = "move"
	ActionVote         ActionType = "vote"
	ActionClaim        ActionType = "claim"
	ActionForceResult  ActionType = "force_result"
	ActionUnwind       ActionType = "unwind"
	ActionWithdrawFees ActionType = "withdraw_fees"
	ActionSetFee       ActionType = "set_fee"
	ActionSetTiers     ActionType = "set_tiers"
	ActionSetTolerance ActionType = "set_tolerance"
	ActionPause        ActionType = "pause"
	ActionResume       ActionType = "resume"
	ActionWithdraw     ActionType = "withdraw" // wallet balance out of the system
)

var knownActions = map[ActionType]bool{
	ActionPlaceOrder: true, ActionCancelOrder: true, ActionCreateGame: true,
	ActionJoinGame: true, ActionMove: true, ActionVote: true, ActionClaim: true,
	ActionForceResult: true, ActionUnwind: true, ActionWithdrawFees: true,
	ActionSetFee: true, ActionSetTiers: true, ActionSetTolerance: true,
	ActionPause: true, ActionResume: true, ActionWithdraw: true,
}

// Payload carries the typed-data fields. Big integers travel as decimal
// strings so wallets and JSON agree.
type Payload struct {
	Action      ActionType `json:"action"`
	Target      string     `json:"target,omitempty"` // order or game id
	Side        uint8      `json:"side"`
	Amount      string     `json:"amount,omitempty"`
	TimeControl string     `json:"timeControl,omitempty"`
	Result      uint8      `json:"result"`
	Move        string     `json:"move,omitempty"`
	Params      string     `json:"params,omitempty"`
	Nonce       string     `json:"nonce"`
	Owner       string     `json:"owner"`
}

// SignedAction is the envelope submitted to the node
type SignedAction struct {
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"` // 0x-prefixed hex
}

func parseUint(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 64 {
		return nil, core.Rejectf("invalid %s: %q", field, s)
	}
	return v, nil
}

// ToEIP712 converts the payload into the structure that is hashed
func (p *Payload) ToEIP712() (*crypto.ActionEIP712, error) {
	target, err := parseUint("target", p.Target)
	if err != nil {
		return nil, err
	}
	amount, err := parseUint("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	nonce, err := parseUint("nonce", p.Nonce)
	if err != nil {
		return nil, err
	}
	return &crypto.ActionEIP712{
		Action:      string(p.Action),
		Target:      target,
		Side:        p.Side,
		Amount:      amount,
		TimeControl: p.TimeControl,
		Result:      p.Result,
		Move:        p.Move,
		Params:      p.Params,
		Nonce:       nonce,
		Owner:       common.HexToAddress(p.Owner),
	}, nil
}

// FromEIP712 is the inverse of ToEIP712
func FromEIP712(a *crypto.ActionEIP712) Payload {
	str := func(v *big.Int) string {
		if v == nil {
			return "0"
		}
		return v.String()
	}
	return Payload{
		Action:      ActionType(a.Action),
		Target:      str(a.Target),
		Side:        a.Side,
		Amount:      str(a.Amount),
		TimeControl: a.TimeControl,
		Result:      a.Result,
		Move:        a.Move,
		Params:      a.Params,
		Nonce:       str(a.Nonce),
		Owner:       a.Owner.Hex(),
	}
}

func (p *Payload) TargetID() uint64 {
	v, _ := parseUint("target", p.Target)
	if v == nil {
		return 0
	}
	return v.Uint64()
}

func (p *Payload) AmountValue() int64 {
	v, _ := parseUint("amount", p.Amount)
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}

func (p *Payload) NonceValue() uint64 {
	v, _ := parseUint("nonce", p.Nonce)
	if v == nil {
		return 0
	}
	return v.Uint64()
}

// Tiers parses Params as a comma separated list of amounts
func (p *Payload) Tiers() ([]int64, error) {
	if strings.TrimSpace(p.Params) == "" {
		return nil, core.Rejectf("tier list is empty")
	}
	parts := strings.Split(p.Params, ",")
	out := make([]int64, 0, len(parts))
	for _, s := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, core.Rejectf("invalid tier %q", s)
		}
		out = append(out, v)
	}
	return out, nil
}

// Validate performs structural checks before any signature work
func (tx *SignedAction) Validate() error {
	if tx.Signature == "" {
		return core.Rejectf("missing signature")
	}
	if !knownActions[tx.Payload.Action] {
		return core.Rejectf("unknown action type: %q", tx.Payload.Action)
	}
	if !common.IsHexAddress(tx.Payload.Owner) {
		return core.Rejectf("invalid owner address: %q", tx.Payload.Owner)
	}
	if tx.Payload.NonceValue() == 0 {
		return core.Rejectf("nonce must be a positive integer")
	}
	switch tx.Payload.Action {
	case ActionCancelOrder, ActionJoinGame, ActionMove, ActionVote, ActionForceResult, ActionUnwind:
		if tx.Payload.TargetID() == 0 {
			return core.Rejectf("%s requires a target id", tx.Payload.Action)
		}
	case ActionPlaceOrder, ActionCreateGame:
		if tx.Payload.TimeControl == "" {
			return core.Rejectf("%s requires a time control", tx.Payload.Action)
		}
	case ActionWithdraw:
		if tx.Payload.AmountValue() <= 0 {
			return core.Rejectf("withdraw requires a positive amount")
		}
	}
	return nil
}

func (tx *SignedAction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Parse decodes and validates a JSON envelope
func Parse(data []byte) (*SignedAction, error) {
	var tx SignedAction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to unmarshal action"), core.ErrRejectedInput)
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Sign builds a signed envelope for payload with signer's key. Used by the
// CLI and tests.
func Sign(e *crypto.EIP712Signer, signer *crypto.Signer, p Payload) (*SignedAction, error) {
	p.Owner = signer.Address().Hex()
	a, err := p.ToEIP712()
	if err != nil {
		return nil, err
	}
	sig, err := e.SignAction(signer, a)
	if err != nil {
		return nil, err
	}
	return &SignedAction{Payload: FromEIP712(a), Signature: "0x" + common.Bytes2Hex(sig)}, nil
}
