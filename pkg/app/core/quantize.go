package core

// MaxStake bounds a single stake so pool totals, fees and payouts stay well
// inside int64.
const MaxStake int64 = 1 << 60

// Quantize rounds amount down to a multiple of tickSize.
// Amounts smaller than one tick are rejected with ErrBelowTick.
func Quantize(amount, tickSize int64) (int64, error) {
	if tickSize <= 0 {
		return 0, Rejectf("tick size must be positive: %d", tickSize)
	}
	if amount <= 0 {
		return 0, Rejectf("amount must be positive: %d", amount)
	}
	if amount > MaxStake {
		return 0, Rejectf("amount %d exceeds max stake %d", amount, MaxStake)
	}
	q := (amount / tickSize) * tickSize
	if q == 0 {
		return 0, ErrBelowTick
	}
	return q, nil
}
