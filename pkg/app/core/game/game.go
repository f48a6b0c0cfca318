package game

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
)

// Status of a game. Finished is terminal.
type Status int8

const (
	Waiting Status = iota
	Active
	Finished
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Active:
		return "active"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "waiting":
		*s = Waiting
	case "active":
		*s = Active
	case "finished":
		*s = Finished
	default:
		return core.Rejectf("invalid game status %q", string(b))
	}
	return nil
}

// Origin records how a game came to exist.
type Origin int8

const (
	OriginMatch Origin = iota // unlimited tier, funded by a fill
	OriginTier                // fixed tier, created and joined directly
)

func (o Origin) String() string {
	if o == OriginTier {
		return "tier"
	}
	return "match"
}

func (o Origin) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Origin) UnmarshalText(b []byte) error {
	switch string(b) {
	case "match":
		*o = OriginMatch
	case "tier":
		*o = OriginTier
	default:
		return core.Rejectf("invalid game origin %q", string(b))
	}
	return nil
}

// FinishReason says which path ended the game.
type FinishReason string

const (
	ReasonAgreement FinishReason = "agreement"
	ReasonOverride  FinishReason = "override"
	ReasonUnwind    FinishReason = "unwind"
)

// Game is one two-player contest. Players and stakes are indexed by side.
type Game struct {
	ID           core.GameID       `json:"id"`
	Origin       Origin            `json:"origin"`
	TimeControl  core.TimeControl  `json:"timeControl"`
	Players      [2]common.Address `json:"players"`
	Seated       [2]bool           `json:"seated"`
	Stakes       [2]int64          `json:"stakes"`
	Status       Status            `json:"status"`
	Result       core.Result       `json:"result"`
	Reason       FinishReason      `json:"reason,omitempty"`
	Votes        [2]core.Result    `json:"votes"` // Undetermined until cast
	Moves        []string          `json:"moves"`
	Position     string            `json:"position"`
	TerminalHint core.Result       `json:"terminalHint"`
	CreatedAt    int64             `json:"createdAt"`
	StartedAt    int64             `json:"startedAt,omitempty"`
	FinishedAt   int64             `json:"finishedAt,omitempty"`
}

// IsParticipant reports whether addr holds either seat.
func (g *Game) IsParticipant(addr common.Address) bool {
	for i, p := range g.Players {
		if g.Seated[i] && p == addr {
			return true
		}
	}
	return false
}

// SideToMove alternates from SideA.
func (g *Game) SideToMove() core.Side {
	if len(g.Moves)%2 == 0 {
		return core.SideA
	}
	return core.SideB
}

func (g *Game) Voted(side core.Side) bool { return g.Votes[side] != core.Undetermined }

// BothVoted reports whether each seat has cast a vote.
func (g *Game) BothVoted() bool { return g.Voted(core.SideA) && g.Voted(core.SideB) }

// StakeTotal sums the stakes placed so far.
func (g *Game) StakeTotal() int64 { return g.Stakes[0] + g.Stakes[1] }

func (g *Game) Clone() *Game {
	c := *g
	c.Moves = append([]string(nil), g.Moves...)
	return &c
}
