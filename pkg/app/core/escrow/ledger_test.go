package escrow

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
)

func stakedPool(t *testing.T, l *Ledger, id core.GameID, feeBps, a, b int64) {
	t.Helper()
	require.NoError(t, l.OpenPool(id, feeBps))
	require.NoError(t, l.Deposit(id, alice, core.SideA, a))
	require.NoError(t, l.Deposit(id, bob, core.SideB, b))
}

func TestDecisivePayout(t *testing.T) {
	l := NewLedger()
	stakedPool(t, l, 1, 500, 50, 50)

	s, err := l.Resolve(1, core.SideAWins)
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.Fee)
	assert.Equal(t, int64(95), l.Pending(alice))
	assert.Zero(t, l.Pending(bob))
	assert.Equal(t, int64(5), l.HouseFees())

	p, err := l.Pool(1)
	require.NoError(t, err)
	assert.True(t, p.Resolved)
	assert.True(t, p.HasWinner)
	assert.Equal(t, core.SideA, p.Winner)
	assert.Equal(t, BetWon, p.Bets[core.SideA].Status)
	assert.Equal(t, BetLost, p.Bets[core.SideB].Status)
	assert.NoError(t, l.VerifyPool(1))
}

func TestDecisivePayoutFloorsFee(t *testing.T) {
	tests := []struct {
		a, b, bps int64
	}{
		{50, 50, 500},
		{33, 40, 250},
		{7, 9, 999},
		{1, 1, 500},
		{1000, 2500, 0},
	}
	for _, tt := range tests {
		l := NewLedger()
		stakedPool(t, l, 1, tt.bps, tt.a, tt.b)
		_, err := l.Resolve(1, core.SideBWins)
		require.NoError(t, err)

		total := tt.a + tt.b
		fee := total * tt.bps / 10000
		assert.Equal(t, total-fee, l.Pending(bob))
		assert.Zero(t, l.Pending(alice))
		assert.Equal(t, fee, l.HouseFees())
		assert.NoError(t, l.VerifyPool(1))
	}
}

func TestDrawRefundsExactStakes(t *testing.T) {
	l := NewLedger()
	stakedPool(t, l, 1, 500, 40, 70)

	s, err := l.Resolve(1, core.Draw)
	require.NoError(t, err)
	assert.Zero(t, s.Fee)
	assert.Len(t, s.Credits, 2)
	assert.Equal(t, int64(40), l.Pending(alice))
	assert.Equal(t, int64(70), l.Pending(bob))
	assert.Zero(t, l.HouseFees())

	p, _ := l.Pool(1)
	assert.False(t, p.HasWinner)
	assert.Equal(t, BetRefunded, p.Bets[core.SideA].Status)
	assert.NoError(t, l.VerifyPool(1))
}

func TestResolveExactlyOnce(t *testing.T) {
	l := NewLedger()
	stakedPool(t, l, 1, 500, 50, 50)

	_, err := l.Resolve(1, core.SideAWins)
	require.NoError(t, err)
	_, err = l.Resolve(1, core.SideAWins)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
	_, err = l.Resolve(1, core.Draw)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	assert.Equal(t, int64(95), l.Pending(alice))
	assert.Equal(t, int64(5), l.HouseFees())
}

func TestResolveRejections(t *testing.T) {
	l := NewLedger()
	_, err := l.Resolve(9, core.Draw)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	require.NoError(t, l.OpenPool(1, 500))
	require.NoError(t, l.Deposit(1, alice, core.SideA, 50))

	_, err = l.Resolve(1, core.Undetermined)
	assert.True(t, errors.Is(err, core.ErrRejectedInput))

	// a decisive result needs both stakes
	_, err = l.Resolve(1, core.SideAWins)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
	p, _ := l.Pool(1)
	assert.False(t, p.Resolved, "failed resolve must not flip the flag")
}

func TestSingleStakeUnwind(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.OpenPool(1, 500))
	require.NoError(t, l.Deposit(1, alice, core.SideA, 100))

	s, err := l.Resolve(1, core.Draw)
	require.NoError(t, err)
	require.Len(t, s.Credits, 1)
	assert.Equal(t, int64(100), l.Pending(alice))
	assert.Zero(t, l.HouseFees())
	assert.NoError(t, l.VerifyPool(1))
}

func TestDepositRules(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.OpenPool(1, 500))
	require.NoError(t, l.Deposit(1, alice, core.SideA, 100))

	err := l.Deposit(1, alice, core.SideB, 100)
	assert.True(t, errors.Is(err, core.ErrRejectedInput), "same participant twice")

	err = l.Deposit(1, bob, core.SideA, 100)
	assert.True(t, errors.Is(err, core.ErrRejectedInput), "side taken")

	err = l.Deposit(1, bob, core.SideB, 0)
	assert.True(t, errors.Is(err, core.ErrRejectedInput))

	err = l.Deposit(2, bob, core.SideB, 100)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	require.NoError(t, l.Deposit(1, bob, core.SideB, 100))
	_, err = l.Resolve(1, core.Draw)
	require.NoError(t, err)

	l2 := NewLedger()
	require.NoError(t, l2.OpenPool(1, 0))
	_, _ = l2.Resolve(1, core.Draw)
	err = l2.Deposit(1, bob, core.SideB, 10)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	assert.Error(t, l.OpenPool(1, 500), "duplicate pool")
	assert.Error(t, l.OpenPool(3, 10000), "fee out of range")
}

func TestFundMatchFromOrderEscrow(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.LockOrder(1, 100))
	require.NoError(t, l.LockOrder(2, 60))

	err := l.FundMatch(7, 500, [2]Stake{
		{OrderID: 1, Owner: alice, Amount: 60},
		{OrderID: 2, Owner: bob, Amount: 60},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), l.OrderEscrow(1))
	assert.Zero(t, l.OrderEscrow(2))

	p, _ := l.Pool(7)
	assert.Equal(t, int64(120), p.Total)
	assert.Equal(t, 2, p.StakeCount())

	// insufficient escrow leaves everything untouched
	err = l.FundMatch(8, 500, [2]Stake{
		{OrderID: 1, Owner: alice, Amount: 50},
		{OrderID: 2, Owner: bob, Amount: 50},
	})
	assert.True(t, errors.Is(err, core.ErrRejectedInput))
	assert.Equal(t, int64(40), l.OrderEscrow(1))
	_, err = l.Pool(8)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	released, err := l.ReleaseOrder(1, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(40), released)
	assert.Equal(t, int64(40), l.Pending(alice))
	released, err = l.ReleaseOrder(1, alice)
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestSelfMatchPool(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.LockOrder(1, 100))
	require.NoError(t, l.LockOrder(2, 100))
	require.NoError(t, l.FundMatch(1, 500, [2]Stake{
		{OrderID: 1, Owner: alice, Amount: 100},
		{OrderID: 2, Owner: alice, Amount: 100},
	}))
	_, err := l.Resolve(1, core.SideBWins)
	require.NoError(t, err)
	assert.Equal(t, int64(190), l.Pending(alice))
	assert.Equal(t, int64(10), l.HouseFees())
}

func TestClaimZeroThenTransfer(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Credit(alice, 95))

	p, err := l.BeginClaim(alice, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(95), p.Amount)
	assert.Zero(t, l.Pending(alice), "balance is zeroed before the transfer")

	_, err = l.BeginClaim(alice, "c2")
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "re-entrant claim rejected")

	// credits arriving mid-claim are kept separately
	require.NoError(t, l.Credit(alice, 5))

	_, err = l.FinishClaim(alice, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), l.Pending(alice))
}

func TestClaimFailureRestoresBalance(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Credit(bob, 70))

	_, err := l.BeginClaim(bob, "c1")
	require.NoError(t, err)
	amt, err := l.FinishClaim(bob, errors.New("wallet offline"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTransferFailure))
	assert.Equal(t, int64(70), amt)
	assert.Equal(t, int64(70), l.Pending(bob), "failed payout is retryable")

	_, err = l.BeginClaim(bob, "c2")
	require.NoError(t, err)
	_, err = l.FinishClaim(bob, nil)
	require.NoError(t, err)
	assert.Zero(t, l.Pending(bob))

	_, err = l.BeginClaim(bob, "c3")
	assert.True(t, errors.Is(err, core.ErrRejectedInput), "nothing to claim")
	_, err = l.FinishClaim(bob, nil)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
}

func TestFeeWithdrawal(t *testing.T) {
	l := NewLedger()
	stakedPool(t, l, 1, 1000, 100, 100)
	_, err := l.Resolve(1, core.SideAWins)
	require.NoError(t, err)

	p, err := l.BeginFeeWithdrawal(bob, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), p.Amount)
	assert.Equal(t, bob, p.Payee)
	assert.Zero(t, l.HouseFees())

	_, err = l.BeginFeeWithdrawal(bob, "f2")
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	_, err = l.FinishFeeWithdrawal(errors.New("declined"))
	assert.True(t, errors.Is(err, core.ErrTransferFailure))
	assert.Equal(t, int64(20), l.HouseFees())
}

func TestDirtyAndRestore(t *testing.T) {
	l := NewLedger()
	stakedPool(t, l, 1, 500, 50, 50)
	_, err := l.Resolve(1, core.SideAWins)
	require.NoError(t, err)
	require.NoError(t, l.LockOrder(4, 30))

	d := l.TakeDirty()
	require.Len(t, d.Pools, 1)
	assert.Equal(t, int64(95), d.Pending[alice])
	assert.True(t, d.FeesDirty)
	assert.Equal(t, int64(5), d.HouseFees)

	empty := l.TakeDirty()
	assert.Empty(t, empty.Pools)
	assert.False(t, empty.FeesDirty)

	r := NewLedger()
	r.Restore(d.Pools, d.Pending, d.HouseFees, map[core.OrderID]int64{4: 30}, nil)
	assert.Equal(t, int64(95), r.Pending(alice))
	assert.Equal(t, int64(5), r.HouseFees())
	assert.Equal(t, int64(30), r.Escrowed())
	_, err = r.Resolve(1, core.Draw)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
}

func TestPayoutsAreJournaled(t *testing.T) {
	l := NewLedger()
	stakedPool(t, l, 1, 1000, 100, 100)
	_, err := l.Resolve(1, core.SideAWins)
	require.NoError(t, err)
	l.TakeDirty()

	claim, err := l.BeginClaim(alice, "claim-1")
	require.NoError(t, err)
	fees, err := l.BeginFeeWithdrawal(bob, "fees-1")
	require.NoError(t, err)

	d := l.TakeDirty()
	require.Len(t, d.Payouts, 2)
	assert.Equal(t, claim, d.Payouts["claim-1"])
	assert.True(t, d.Payouts["fees-1"].Fees)
	assert.Zero(t, d.Pending[alice])
	assert.Equal(t, []Payout{*claim, *fees}, l.InFlight())

	// a restart with both payouts journaled brings them back in flight
	r := NewLedger()
	r.Restore(nil, nil, 0, nil, []*Payout{d.Payouts["claim-1"], d.Payouts["fees-1"]})
	require.Len(t, r.InFlight(), 2)
	_, err = r.BeginClaim(alice, "claim-2")
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	amt, err := r.FinishClaim(alice, errors.New("declined"))
	assert.True(t, errors.Is(err, core.ErrTransferFailure))
	assert.Equal(t, int64(180), amt)
	assert.Equal(t, int64(180), r.Pending(alice))
	_, err = r.FinishFeeWithdrawal(nil)
	require.NoError(t, err)
	assert.Empty(t, r.InFlight())

	done := r.TakeDirty()
	assert.Contains(t, done.Payouts, "claim-1")
	assert.Nil(t, done.Payouts["claim-1"], "finished payouts are dropped from the journal")
	assert.Nil(t, done.Payouts["fees-1"])
}

func TestFeeForLargeTotals(t *testing.T) {
	tests := []struct {
		total, bps, want int64
	}{
		{20_000_000_000_000_000, 500, 1_000_000_000_000_000},
		{2 * core.MaxStake, 1000, 2 * core.MaxStake / 10},
		{math.MaxInt64, 500, 461_168_601_842_738_790},
		{9999, 9999, 9998},
		{19999, 1, 1},
	}
	for _, tt := range tests {
		fee := FeeFor(tt.total, tt.bps)
		assert.Equal(t, tt.want, fee, "total=%d bps=%d", tt.total, tt.bps)
		assert.GreaterOrEqual(t, fee, int64(0))
		assert.LessOrEqual(t, fee, tt.total)
	}
}

func TestLargeStakeDecisivePayout(t *testing.T) {
	l := NewLedger()
	stakedPool(t, l, 1, 500, 10_000_000_000_000_000, 10_000_000_000_000_000)

	s, err := l.Resolve(1, core.SideAWins)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000_000_000), s.Fee)
	assert.Equal(t, int64(19_000_000_000_000_000), l.Pending(alice))
	assert.Equal(t, int64(1_000_000_000_000_000), l.HouseFees())
	assert.NoError(t, l.VerifyPool(1))

	l2 := NewLedger()
	stakedPool(t, l2, 1, 999, core.MaxStake, core.MaxStake)
	_, err = l2.Resolve(1, core.SideBWins)
	require.NoError(t, err)
	assert.Equal(t, 2*core.MaxStake-FeeFor(2*core.MaxStake, 999), l2.Pending(bob))
	assert.NoError(t, l2.VerifyPool(1))
}

func TestStakeBounds(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.OpenPool(1, 500))
	err := l.Deposit(1, alice, core.SideA, core.MaxStake+1)
	assert.True(t, errors.Is(err, core.ErrRejectedInput))
	require.NoError(t, l.Deposit(1, alice, core.SideA, core.MaxStake))

	require.NoError(t, l.LockOrder(1, math.MaxInt64))
	require.NoError(t, l.LockOrder(2, math.MaxInt64))
	err = l.FundMatch(2, 500, [2]Stake{
		{OrderID: 1, Owner: alice, Amount: math.MaxInt64},
		{OrderID: 2, Owner: bob, Amount: math.MaxInt64},
	})
	assert.True(t, errors.Is(err, core.ErrRejectedInput), "pool total would wrap")
	_, err = l.Pool(2)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestCreditOverflowIsRejected(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Credit(alice, math.MaxInt64-10))
	assert.True(t, errors.Is(l.Credit(alice, 11), core.ErrInvalidTransition))
	assert.Equal(t, int64(math.MaxInt64-10), l.Pending(alice))
	assert.Error(t, l.Credit(alice, -1))
	assert.NoError(t, l.Credit(alice, 0))

	// a payout that cannot be credited leaves the pool unresolved
	stakedPool(t, l, 1, 0, 50, 50)
	_, err := l.Resolve(1, core.SideAWins)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
	p, _ := l.Pool(1)
	assert.False(t, p.Resolved)
	assert.Equal(t, int64(math.MaxInt64-10), l.Pending(alice))

	_, err = l.Resolve(1, core.SideBWins)
	require.NoError(t, err)
	assert.Equal(t, int64(100), l.Pending(bob))
}
