package admin

import (
	"slices"
	"sort"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
)

const (
	// MaxFeeBps caps the house fee at 10% of a decisive pool
	MaxFeeBps int64 = 1000

	// MaxTolerancePct bounds the matching band around an order's tick amount
	MaxTolerancePct int64 = 50
)

// Params defines every tunable of the wager engine.
// Pools capture FeeBps when they open, so changes only reach new games.
type Params struct {
	// TickSize: stake granularity; amounts are floored to a multiple of it
	// Example: TickSize=10, stake 57 → 50
	TickSize int64 `json:"tickSize"`

	// TolerancePct: how far (in % of the tick amount) a match may stray from
	// the exact level. 5 → an order of 100 matches anywhere in [95, 105]
	TolerancePct int64 `json:"tolerancePct"`

	// FeeBps: house fee on decisive games in basis points (500 = 5%)
	FeeBps int64 `json:"feeBps"`

	// Tiers: fixed stake amounts for direct pairing, strictly increasing
	Tiers []int64 `json:"tiers"`

	// Move log bounds
	MaxMoves     int `json:"maxMoves"`
	MaxMoveBytes int `json:"maxMoveBytes"`

	Paused bool `json:"paused"`
}

// DefaultParams returns the parameters a fresh node starts with
var DefaultParams = Params{
	TickSize:     10,
	TolerancePct: 5,
	FeeBps:       500,
	Tiers:        []int64{100, 500, 1000, 5000},
	MaxMoves:     600,
	MaxMoveBytes: 16,
}

// Clone returns a deep copy safe to hand out.
func (p Params) Clone() Params {
	c := p
	c.Tiers = append([]int64(nil), p.Tiers...)
	return c
}

// Equal compares every field, tiers included.
func (p Params) Equal(o Params) bool {
	return p.TickSize == o.TickSize &&
		p.TolerancePct == o.TolerancePct &&
		p.FeeBps == o.FeeBps &&
		slices.Equal(p.Tiers, o.Tiers) &&
		p.MaxMoves == o.MaxMoves &&
		p.MaxMoveBytes == o.MaxMoveBytes &&
		p.Paused == o.Paused
}

// HasTier reports whether amount is one of the configured fixed tiers.
func (p Params) HasTier(amount int64) bool {
	i := sort.Search(len(p.Tiers), func(i int) bool { return p.Tiers[i] >= amount })
	return i < len(p.Tiers) && p.Tiers[i] == amount
}

// Validate checks every bound at once. Used on startup and restore.
func (p Params) Validate() error {
	if p.TickSize <= 0 {
		return core.Rejectf("tick size must be positive: %d", p.TickSize)
	}
	if err := ValidateTolerance(p.TolerancePct); err != nil {
		return err
	}
	if err := ValidateFee(p.FeeBps); err != nil {
		return err
	}
	if err := ValidateTiers(p.Tiers, p.TickSize); err != nil {
		return err
	}
	if p.MaxMoves <= 0 || p.MaxMoveBytes <= 0 {
		return core.Rejectf("move bounds must be positive: %d moves, %d bytes", p.MaxMoves, p.MaxMoveBytes)
	}
	return nil
}

func ValidateFee(bps int64) error {
	if bps < 0 || bps > MaxFeeBps {
		return core.Rejectf("fee %d bps outside [0, %d]", bps, MaxFeeBps)
	}
	return nil
}

func ValidateTolerance(pct int64) error {
	if pct < 0 || pct > MaxTolerancePct {
		return core.Rejectf("tolerance %d%% outside [0, %d]", pct, MaxTolerancePct)
	}
	return nil
}

// ValidateTiers requires a non-empty, strictly increasing list where every
// tier exceeds the tick size and stays within core.MaxStake.
func ValidateTiers(tiers []int64, tickSize int64) error {
	if len(tiers) == 0 {
		return core.Rejectf("at least one tier is required")
	}
	for i, t := range tiers {
		if t <= tickSize {
			return core.Rejectf("tier %d must exceed tick size %d", t, tickSize)
		}
		if t > core.MaxStake {
			return core.Rejectf("tier %d exceeds max stake %d", t, core.MaxStake)
		}
		if i > 0 && t <= tiers[i-1] {
			return core.Rejectf("tiers must be strictly increasing: %d after %d", t, tiers[i-1])
		}
	}
	return nil
}
