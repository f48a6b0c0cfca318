package storage

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/admin"
	"github.com/uhyunpark/wagerbook/pkg/app/core/escrow"
	"github.com/uhyunpark/wagerbook/pkg/app/core/game"
	"github.com/uhyunpark/wagerbook/pkg/app/core/orderbook"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
)

func openStore(t *testing.T, dir string) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	return s
}

func TestBatchRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	b := s.NewBatch()
	require.True(t, b.Empty())
	require.NoError(t, b.SaveOrder(&orderbook.Order{
		ID: 12, Owner: alice, Side: core.SideB, Amount: 57, TickAmount: 50,
		TimeControl: "3+2", Filled: 20, Status: orderbook.PartiallyFilled,
	}))
	require.NoError(t, b.SaveOrder(&orderbook.Order{ID: 3, Owner: bob, TickAmount: 10, TimeControl: "1+0"}))
	require.NoError(t, b.SaveGame(&game.Game{
		ID: 7, Players: [2]common.Address{alice, bob}, Seated: [2]bool{true, true},
		Stakes: [2]int64{20, 20}, Status: game.Active, TimeControl: "3+2",
		Votes: [2]core.Result{core.SideAWins, core.Undetermined}, Moves: []string{"e4"},
	}))
	require.NoError(t, b.SavePool(&escrow.Pool{
		GameID: 7, Total: 40, FeeBps: 500,
		Bets: [2]*escrow.Bet{{Owner: alice, Side: core.SideA, Amount: 20}, {Owner: bob, Side: core.SideB, Amount: 20}},
	}))
	require.NoError(t, b.SetPending(alice, 95))
	require.NoError(t, b.SetPending(bob, 10))
	require.NoError(t, b.SetHouseFees(5))
	require.NoError(t, b.SetSequence(12))
	require.NoError(t, b.SetNonce(alice, 4))
	require.NoError(t, b.SaveParams(admin.DefaultParams))
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())

	b = s.NewBatch()
	require.NoError(t, b.SetPending(bob, 0))
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()

	orders, err := s.LoadOrders()
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, core.OrderID(3), orders[0].ID, "scan is in id order")
	assert.Equal(t, orderbook.PartiallyFilled, orders[1].Status)
	assert.Equal(t, int64(30), orders[1].Remaining())

	games, err := s.LoadGames()
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, game.Active, games[0].Status)
	assert.Equal(t, core.SideAWins, games[0].Votes[core.SideA])
	assert.Equal(t, []string{"e4"}, games[0].Moves)

	pools, err := s.LoadPools()
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, bob, pools[0].Bets[core.SideB].Owner)

	pending, err := s.LoadPending()
	require.NoError(t, err)
	assert.Equal(t, map[common.Address]int64{alice: 95}, pending)

	fees, err := s.LoadHouseFees()
	require.NoError(t, err)
	assert.Equal(t, int64(5), fees)

	seq, err := s.LoadSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), seq)

	nonces, err := s.LoadNonces()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), nonces[alice])

	p, ok, err := s.LoadParams()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, admin.DefaultParams.Tiers, p.Tiers)
}

func TestEmptyStore(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	seq, err := s.LoadSequence()
	require.NoError(t, err)
	assert.Zero(t, seq)
	_, ok, err := s.LoadParams()
	require.NoError(t, err)
	assert.False(t, ok)
	orders, err := s.LoadOrders()
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestOutbox(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	b := s.NewBatch()
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, b.AppendOutbox(seq, []byte{byte('a' + seq)}))
	}
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())

	last, err := s.LoadOutboxSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	var seen []uint64
	require.NoError(t, s.ScanPending(func(rec OutboxRecord) error {
		seen = append(seen, rec.Seq)
		assert.Equal(t, OutboxNew, rec.State)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3}, seen)

	require.NoError(t, s.ScanPending(func(rec OutboxRecord) error {
		if rec.Seq == 2 {
			return s.MarkSent(rec)
		}
		return nil
	}))
	require.NoError(t, s.MarkAcked(1))

	var recs []OutboxRecord
	require.NoError(t, s.ScanPending(func(rec OutboxRecord) error {
		recs = append(recs, rec)
		return nil
	}))
	require.Len(t, recs, 2)
	assert.Equal(t, OutboxSent, recs[0].State)
	assert.Equal(t, uint32(1), recs[0].Retries)
	assert.Equal(t, []byte{'c'}, recs[0].Payload)

	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPayoutJournal(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	b := s.NewBatch()
	require.NoError(t, b.SavePayout("c-1", &escrow.Payout{Ref: "c-1", Payee: alice, Amount: 95}))
	require.NoError(t, b.SavePayout("f-1", &escrow.Payout{Ref: "f-1", Payee: bob, Amount: 5, Fees: true}))
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())

	payouts, err := s.LoadPayouts()
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, alice, payouts[0].Payee)
	assert.True(t, payouts[1].Fees)

	b = s.NewBatch()
	require.NoError(t, b.SavePayout("c-1", nil))
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())

	payouts, err = s.LoadPayouts()
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, "f-1", payouts[0].Ref)
}
