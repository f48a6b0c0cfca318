package core

import (
	"fmt"
	"strings"
)

// Side identifies a seat in a game. SideA moves first (white).
type Side uint8

const (
	SideA Side = iota
	SideB
)

func (s Side) Valid() bool { return s == SideA || s == SideB }

// Opposite returns the counterpart side.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

func (s Side) String() string {
	switch s {
	case SideA:
		return "a"
	case SideB:
		return "b"
	default:
		return "unknown"
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, Rejectf("invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSide accepts "a"/"b" and the chess aliases "white"/"black".
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "white":
		return SideA, nil
	case "b", "black":
		return SideB, nil
	default:
		return 0, Rejectf("invalid side %q", s)
	}
}

// Result is the outcome of a game. Undetermined is the zero value and is
// never an acceptable vote or override value.
type Result uint8

const (
	Undetermined Result = iota
	SideAWins
	SideBWins
	Draw
)

func (r Result) String() string {
	switch r {
	case Undetermined:
		return "undetermined"
	case SideAWins:
		return "a_wins"
	case SideBWins:
		return "b_wins"
	case Draw:
		return "draw"
	default:
		return "unknown"
	}
}

// Final reports whether r can end a game.
func (r Result) Final() bool {
	return r == SideAWins || r == SideBWins || r == Draw
}

// Winner returns the winning side for a decisive result.
func (r Result) Winner() (Side, bool) {
	switch r {
	case SideAWins:
		return SideA, true
	case SideBWins:
		return SideB, true
	default:
		return 0, false
	}
}

// WinFor returns the decisive result in favour of side.
func WinFor(side Side) Result {
	if side == SideA {
		return SideAWins
	}
	return SideBWins
}

func (r Result) MarshalText() ([]byte, error) {
	if r > Draw {
		return nil, Rejectf("invalid result %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Result) UnmarshalText(b []byte) error {
	v, err := ParseResult(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func ParseResult(s string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "undetermined", "":
		return Undetermined, nil
	case "a_wins", "a", "white":
		return SideAWins, nil
	case "b_wins", "b", "black":
		return SideBWins, nil
	case "draw":
		return Draw, nil
	default:
		return 0, Rejectf("invalid result %q", s)
	}
}

// TimeControl keys the order book, e.g. "3+2" or "10+0".
type TimeControl string

const MaxTimeControlLen = 16

func (tc TimeControl) Validate() error {
	if tc == "" {
		return Rejectf("time control is required")
	}
	if len(tc) > MaxTimeControlLen {
		return Rejectf("time control %q exceeds %d bytes", string(tc), MaxTimeControlLen)
	}
	if strings.ContainsAny(string(tc), " :/\t\n") {
		return Rejectf("time control %q contains reserved characters", string(tc))
	}
	return nil
}

type (
	OrderID uint64
	GameID  uint64
)

func (id OrderID) String() string { return fmt.Sprintf("ord-%d", uint64(id)) }
func (id GameID) String() string  { return fmt.Sprintf("game-%d", uint64(id)) }
