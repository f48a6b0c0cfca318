package wallet

import (
	"github.com/ethereum/go-ethereum/common"
)

// Account is a custodial balance held outside the wager escrow.
// All values are in the smallest stake unit.
type Account struct {
	Address common.Address `json:"address"`
	Balance int64          `json:"balance"`

	// Cumulative statistics
	TotalDeposited int64 `json:"totalDeposited"`
	TotalWithdrawn int64 `json:"totalWithdrawn"`
	TotalStaked    int64 `json:"totalStaked"`   // moved into escrow
	TotalReceived  int64 `json:"totalReceived"` // paid out of escrow
}

func NewAccount(addr common.Address) *Account {
	return &Account{Address: addr}
}

func (a *Account) Clone() *Account {
	c := *a
	return &c
}
