package wallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes
const (
	prefixAccount = "wal:"  // account balance
	prefixPaid    = "paid:" // refs of completed payouts
	keyVault      = "vault" // value currently held by the escrow
)

// accountKey returns the key for an account
// Format: "wal:{address}"
func accountKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixAccount, addr.Hex()))
}

// Format: "paid:{ref}"
func paidKey(ref string) []byte { return []byte(prefixPaid + ref) }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
