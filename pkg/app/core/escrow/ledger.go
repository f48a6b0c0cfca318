package escrow

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
)

// Ledger is the only component that moves value inside the system.
// It holds pools, the pending-payout balances, order escrow and the house
// fee accumulator. Callers serialize access.
type Ledger struct {
	pools       map[core.GameID]*Pool
	pending     map[common.Address]int64
	orderEscrow map[core.OrderID]int64
	claiming    map[common.Address]*Payout
	houseFees   int64
	feesOut     *Payout // house fees handed to an in-flight withdrawal

	dirtyPools   map[core.GameID]struct{}
	dirtyPending map[common.Address]struct{}
	dirtyPayouts map[string]*Payout // nil value: payout finished
	feesDirty    bool
}

func NewLedger() *Ledger {
	return &Ledger{
		pools:        make(map[core.GameID]*Pool),
		pending:      make(map[common.Address]int64),
		orderEscrow:  make(map[core.OrderID]int64),
		claiming:     make(map[common.Address]*Payout),
		dirtyPools:   make(map[core.GameID]struct{}),
		dirtyPending: make(map[common.Address]struct{}),
		dirtyPayouts: make(map[string]*Payout),
	}
}

// OpenPool creates an empty pool for a tier game.
func (l *Ledger) OpenPool(gameID core.GameID, feeBps int64) error {
	if _, ok := l.pools[gameID]; ok {
		return core.Rejectf("pool for game %d already exists", gameID)
	}
	if feeBps < 0 || feeBps >= BpsDenominator {
		return core.Rejectf("fee %d bps out of range", feeBps)
	}
	l.pools[gameID] = &Pool{GameID: gameID, FeeBps: feeBps}
	l.markPool(gameID)
	return nil
}

// Deposit records an escrowed stake. A pool takes one stake per side and
// never two from the same participant.
func (l *Ledger) Deposit(gameID core.GameID, owner common.Address, side core.Side, amount int64) error {
	p, ok := l.pools[gameID]
	if !ok {
		return core.NotFoundf("pool for game %d not found", gameID)
	}
	if p.Resolved {
		return core.Transitionf("pool for game %d already resolved", gameID)
	}
	if !side.Valid() {
		return core.Rejectf("invalid side %d", uint8(side))
	}
	if amount <= 0 || amount > core.MaxStake {
		return core.Rejectf("stake %d outside (0, %d]", amount, core.MaxStake)
	}
	if p.Bets[side] != nil {
		return core.Rejectf("side %s of game %d already staked", side, gameID)
	}
	if other := p.Bets[side.Opposite()]; other != nil && other.Owner == owner {
		return core.Rejectf("%s already staked in game %d", owner.Hex(), gameID)
	}

	p.Bets[side] = &Bet{Owner: owner, Side: side, Amount: amount, Status: BetPending}
	p.Total += amount
	l.markPool(gameID)
	return nil
}

// LockOrder escrows the quantized stake of a new order.
func (l *Ledger) LockOrder(id core.OrderID, amount int64) error {
	if amount <= 0 {
		return core.Rejectf("order escrow must be positive: %d", amount)
	}
	if _, ok := l.orderEscrow[id]; ok {
		return core.Rejectf("order %d already escrowed", id)
	}
	l.orderEscrow[id] = amount
	return nil
}

func (l *Ledger) OrderEscrow(id core.OrderID) int64 { return l.orderEscrow[id] }

// FundMatch opens a pool funded from two orders' escrow. Both balances are
// checked before anything moves. The same owner may sit on both sides.
func (l *Ledger) FundMatch(gameID core.GameID, feeBps int64, stakes [2]Stake) error {
	if _, ok := l.pools[gameID]; ok {
		return core.Rejectf("pool for game %d already exists", gameID)
	}
	if feeBps < 0 || feeBps >= BpsDenominator {
		return core.Rejectf("fee %d bps out of range", feeBps)
	}
	for _, s := range stakes {
		if s.Amount <= 0 || s.Amount > core.MaxStake {
			return core.Rejectf("match stake %d outside (0, %d]", s.Amount, core.MaxStake)
		}
		if l.orderEscrow[s.OrderID] < s.Amount {
			return core.Rejectf("order %d escrow %d below match amount %d", s.OrderID, l.orderEscrow[s.OrderID], s.Amount)
		}
	}

	p := &Pool{GameID: gameID, FeeBps: feeBps}
	for i, s := range stakes {
		l.takeEscrow(s.OrderID, s.Amount)
		side := core.Side(i)
		p.Bets[side] = &Bet{Owner: s.Owner, Side: side, Amount: s.Amount, Status: BetPending}
		p.Total += s.Amount
	}
	l.pools[gameID] = p
	l.markPool(gameID)
	return nil
}

func (l *Ledger) takeEscrow(id core.OrderID, amount int64) {
	left := l.orderEscrow[id] - amount
	if left == 0 {
		delete(l.orderEscrow, id)
		return
	}
	l.orderEscrow[id] = left
}

// ReleaseOrder returns whatever an order still has in escrow to its owner's
// pending balance.
func (l *Ledger) ReleaseOrder(id core.OrderID, owner common.Address) (int64, error) {
	amt := l.orderEscrow[id]
	if err := l.Credit(owner, amt); err != nil {
		return 0, err
	}
	delete(l.orderEscrow, id)
	return amt, nil
}

// Resolve settles a pool exactly once. Every credit is checked before the
// resolved flag is set; a second call is an InvalidTransition.
func (l *Ledger) Resolve(gameID core.GameID, result core.Result) (*Settlement, error) {
	p, ok := l.pools[gameID]
	if !ok {
		return nil, core.NotFoundf("pool for game %d not found", gameID)
	}
	if !result.Final() {
		return nil, core.Rejectf("cannot resolve game %d as %s", gameID, result)
	}
	if p.Resolved {
		return nil, core.Transitionf("pool for game %d already resolved", gameID)
	}
	winner, decisive := result.Winner()
	if decisive && p.StakeCount() != 2 {
		return nil, core.Transitionf("game %d has %d stakes, decisive result needs 2", gameID, p.StakeCount())
	}

	s := &Settlement{GameID: gameID, Result: result}
	if !decisive {
		for _, b := range p.Bets {
			if b != nil {
				s.Credits = append(s.Credits, Credit{Owner: b.Owner, Amount: b.Amount, Reason: "refund"})
			}
		}
	} else {
		s.Fee = FeeFor(p.Total, p.FeeBps)
		payout := p.Total - s.Fee
		if s.Fee < 0 || payout < 0 || payout > p.Total {
			return nil, errors.AssertionFailedf("game %d: fee %d out of range for total %d", gameID, s.Fee, p.Total)
		}
		if s.Fee > math.MaxInt64-l.houseFees {
			return nil, core.Transitionf("house fees would overflow resolving game %d", gameID)
		}
		s.Credits = append(s.Credits, Credit{Owner: p.Bets[winner].Owner, Amount: payout, Reason: "winnings"})
	}
	if err := l.checkCredits(s.Credits); err != nil {
		return nil, err
	}

	p.Resolved = true
	l.markPool(gameID)

	if !decisive {
		for _, b := range p.Bets {
			if b != nil {
				b.Status = BetRefunded
				b.Payout = b.Amount
			}
		}
	} else {
		p.Fee = s.Fee
		p.HasWinner = true
		p.Winner = winner
		win, lose := p.Bets[winner], p.Bets[winner.Opposite()]
		win.Status = BetWon
		win.Payout = p.Total - s.Fee
		lose.Status = BetLost
		lose.Payout = 0
		l.houseFees += s.Fee
		l.feesDirty = true
	}
	for _, c := range s.Credits {
		l.pending[c.Owner] += c.Amount
		l.dirtyPending[c.Owner] = struct{}{}
	}
	return s, nil
}

// Credit adds to an address's pending payout. Negative amounts and
// balances past int64 are rejected; zero is a no-op.
func (l *Ledger) Credit(addr common.Address, amount int64) error {
	if err := l.checkCredits([]Credit{{Owner: addr, Amount: amount}}); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	l.pending[addr] += amount
	l.dirtyPending[addr] = struct{}{}
	return nil
}

// CheckCredit reports whether Credit(addr, amount) would succeed.
func (l *Ledger) CheckCredit(addr common.Address, amount int64) error {
	return l.checkCredits([]Credit{{Owner: addr, Amount: amount}})
}

// checkCredits verifies that every credit, summed per owner, fits.
func (l *Ledger) checkCredits(credits []Credit) error {
	sum := make(map[common.Address]int64, len(credits))
	for _, c := range credits {
		if c.Amount < 0 {
			return errors.AssertionFailedf("negative credit %d for %s", c.Amount, c.Owner.Hex())
		}
		room := math.MaxInt64 - l.pending[c.Owner] - sum[c.Owner]
		if c.Amount > room {
			return core.Transitionf("pending balance of %s would overflow", c.Owner.Hex())
		}
		sum[c.Owner] += c.Amount
	}
	return nil
}

func (l *Ledger) Pending(addr common.Address) int64 { return l.pending[addr] }

func (l *Ledger) HouseFees() int64 { return l.houseFees }

// Payout is an outbound transfer handed to Funds. It stays journaled under
// its Ref until the transfer's outcome is recorded.
type Payout struct {
	Ref    string         `json:"ref"`
	Payee  common.Address `json:"payee"`
	Amount int64          `json:"amount"`
	Fees   bool           `json:"fees,omitempty"` // house fee withdrawal rather than a claim
}

// BeginClaim zeroes the pending balance and hands the amount to the caller
// for the external transfer. Only one claim per address may be in flight.
func (l *Ledger) BeginClaim(addr common.Address, ref string) (*Payout, error) {
	if _, busy := l.claiming[addr]; busy {
		return nil, core.Transitionf("claim for %s already in progress", addr.Hex())
	}
	amt := l.pending[addr]
	if amt <= 0 {
		return nil, core.Rejectf("nothing to claim for %s", addr.Hex())
	}
	delete(l.pending, addr)
	l.dirtyPending[addr] = struct{}{}
	p := &Payout{Ref: ref, Payee: addr, Amount: amt}
	l.claiming[addr] = p
	l.dirtyPayouts[ref] = p
	return p, nil
}

// FinishClaim closes an in-flight claim. A failed transfer puts the amount
// back so the claim can be retried.
func (l *Ledger) FinishClaim(addr common.Address, transferErr error) (int64, error) {
	p, ok := l.claiming[addr]
	if !ok {
		return 0, core.Transitionf("no claim in progress for %s", addr.Hex())
	}
	if transferErr != nil {
		if err := l.Credit(addr, p.Amount); err != nil {
			return 0, errors.CombineErrors(core.TransferFailed(transferErr, false), err)
		}
	}
	delete(l.claiming, addr)
	l.dirtyPayouts[p.Ref] = nil
	if transferErr != nil {
		return p.Amount, core.TransferFailed(transferErr, false)
	}
	return p.Amount, nil
}

// BeginFeeWithdrawal follows the claim discipline for the house fees.
func (l *Ledger) BeginFeeWithdrawal(to common.Address, ref string) (*Payout, error) {
	if l.feesOut != nil {
		return nil, core.Transitionf("fee withdrawal already in progress")
	}
	if l.houseFees <= 0 {
		return nil, core.Rejectf("no house fees to withdraw")
	}
	l.feesOut = &Payout{Ref: ref, Payee: to, Amount: l.houseFees, Fees: true}
	l.houseFees = 0
	l.feesDirty = true
	l.dirtyPayouts[ref] = l.feesOut
	return l.feesOut, nil
}

func (l *Ledger) FinishFeeWithdrawal(transferErr error) (int64, error) {
	p := l.feesOut
	if p == nil {
		return 0, core.Transitionf("no fee withdrawal in progress")
	}
	l.feesOut = nil
	l.dirtyPayouts[p.Ref] = nil
	if transferErr != nil {
		l.houseFees += p.Amount
		l.feesDirty = true
		return p.Amount, core.TransferFailed(transferErr, false)
	}
	return p.Amount, nil
}

// InFlight lists journaled payouts whose outcome is not yet recorded,
// sorted by ref.
func (l *Ledger) InFlight() []Payout {
	out := make([]Payout, 0, len(l.claiming)+1)
	for _, p := range l.claiming {
		out = append(out, *p)
	}
	if l.feesOut != nil {
		out = append(out, *l.feesOut)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// Pool returns a copy of the pool.
func (l *Ledger) Pool(gameID core.GameID) (*Pool, error) {
	p, ok := l.pools[gameID]
	if !ok {
		return nil, core.NotFoundf("pool for game %d not found", gameID)
	}
	return p.Clone(), nil
}

// VerifyPool checks the payout invariant of a resolved pool.
func (l *Ledger) VerifyPool(gameID core.GameID) error {
	p, ok := l.pools[gameID]
	if !ok {
		return core.NotFoundf("pool for game %d not found", gameID)
	}
	var staked, paid int64
	for _, b := range p.Bets {
		if b != nil {
			staked += b.Amount
			paid += b.Payout
		}
	}
	if staked != p.Total {
		return core.Transitionf("game %d: bets sum %d, pool total %d", gameID, staked, p.Total)
	}
	if !p.Resolved {
		if paid != 0 {
			return core.Transitionf("game %d: unresolved pool paid %d", gameID, paid)
		}
		return nil
	}
	want := p.Total
	if p.HasWinner {
		want = p.Total - p.Fee
	}
	if paid != want {
		return core.Transitionf("game %d: payouts %d, want %d", gameID, paid, want)
	}
	return nil
}

// Escrowed returns value held in unresolved pools and open orders.
func (l *Ledger) Escrowed() int64 {
	var total int64
	for _, p := range l.pools {
		if !p.Resolved {
			total += p.Total
		}
	}
	for _, amt := range l.orderEscrow {
		total += amt
	}
	return total
}

// PendingBalances returns every non-zero pending balance sorted by address.
func (l *Ledger) PendingBalances() []Credit {
	out := make([]Credit, 0, len(l.pending))
	for addr, amt := range l.pending {
		out = append(out, Credit{Owner: addr, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Owner.Cmp(out[j].Owner) < 0
	})
	return out
}

// Pools returns copies of all pools sorted by game id.
func (l *Ledger) Pools() []*Pool {
	out := make([]*Pool, 0, len(l.pools))
	for _, p := range l.pools {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GameID < out[j].GameID })
	return out
}

// Dirty is the set of ledger records changed since the last TakeDirty.
type Dirty struct {
	Pools     []*Pool
	Pending   map[common.Address]int64 // zero means delete
	Payouts   map[string]*Payout       // nil means delete
	HouseFees int64
	FeesDirty bool
}

func (l *Ledger) TakeDirty() Dirty {
	d := Dirty{
		Pending: make(map[common.Address]int64, len(l.dirtyPending)),
		Payouts: l.dirtyPayouts,
	}
	for id := range l.dirtyPools {
		d.Pools = append(d.Pools, l.pools[id].Clone())
	}
	sort.Slice(d.Pools, func(i, j int) bool { return d.Pools[i].GameID < d.Pools[j].GameID })
	for addr := range l.dirtyPending {
		d.Pending[addr] = l.pending[addr]
	}
	d.HouseFees = l.houseFees
	d.FeesDirty = l.feesDirty

	l.dirtyPools = make(map[core.GameID]struct{})
	l.dirtyPending = make(map[common.Address]struct{})
	l.dirtyPayouts = make(map[string]*Payout)
	l.feesDirty = false
	return d
}

// Restore reloads persisted ledger state. Order escrow is rebuilt from the
// remaining stake of open orders. Journaled payouts come back in flight and
// must be finished by the caller.
func (l *Ledger) Restore(pools []*Pool, pending map[common.Address]int64, houseFees int64, openEscrow map[core.OrderID]int64, payouts []*Payout) {
	for _, p := range pools {
		l.pools[p.GameID] = p
	}
	for addr, amt := range pending {
		if amt > 0 {
			l.pending[addr] = amt
		}
	}
	for id, amt := range openEscrow {
		if amt > 0 {
			l.orderEscrow[id] = amt
		}
	}
	l.houseFees = houseFees
	for _, p := range payouts {
		if p.Fees {
			l.feesOut = p
		} else {
			l.claiming[p.Payee] = p
		}
	}
}

func (l *Ledger) markPool(id core.GameID) { l.dirtyPools[id] = struct{}{} }
