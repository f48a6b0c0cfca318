package game

import (
	"strings"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
)

// Oracle stands in for the chess engine. The core never derives chess rules
// itself; it only asks the oracle.
type Oracle interface {
	IsLegalMove(position, move string) bool
	ApplyMove(position, move string) (string, error)
	// IsTerminal returns the result when the position ends the game.
	IsTerminal(position string) (core.Result, bool)
}

// MoveLog is the default oracle. The position is the space separated move
// list; any printable token is legal and a move ending in '#' (mate in SAN)
// reports a win for the side that played it.
type MoveLog struct{}

func (MoveLog) IsLegalMove(_ string, move string) bool {
	if move == "" {
		return false
	}
	for _, r := range move {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}

func (m MoveLog) ApplyMove(position, move string) (string, error) {
	if !m.IsLegalMove(position, move) {
		return "", core.Rejectf("illegal move %q", move)
	}
	if position == "" {
		return move, nil
	}
	return position + " " + move, nil
}

func (MoveLog) IsTerminal(position string) (core.Result, bool) {
	if position == "" {
		return core.Undetermined, false
	}
	moves := strings.Fields(position)
	last := moves[len(moves)-1]
	if !strings.HasSuffix(last, "#") {
		return core.Undetermined, false
	}
	mover := core.SideA
	if len(moves)%2 == 0 {
		mover = core.SideB
	}
	return core.WinFor(mover), true
}
