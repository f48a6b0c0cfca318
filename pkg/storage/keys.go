package storage

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
// Ids are zero-padded so prefix scans return records in id order.
const (
	prefixOrder   = "ord:"
	prefixGame    = "game:"
	prefixPool    = "pool:"
	prefixPending = "pend:"
	prefixNonce   = "nonce:"
	prefixOutbox  = "evt:"
	prefixPayout  = "pay:"

	keyHouseFees = "meta:fees"
	keySequence  = "meta:seq"
	keyParams    = "meta:params"
	keyOutboxSeq = "meta:evtseq"
)

// Format: "ord:{020d id}"
func orderKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixOrder, id)) }

// Format: "game:{020d id}"
func gameKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixGame, id)) }

// Format: "pool:{020d id}"
func poolKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixPool, id)) }

// Format: "pend:{address}"
func pendingKey(addr common.Address) []byte {
	return []byte(prefixPending + addr.Hex())
}

// Format: "nonce:{address}"
func nonceKey(addr common.Address) []byte {
	return []byte(prefixNonce + addr.Hex())
}

// Format: "pay:{ref}"
func payoutKey(ref string) []byte { return []byte(prefixPayout + ref) }

// Format: "evt:{020d seq}"
func outboxKey(seq uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixOutbox, seq)) }

func parseOutboxKey(key []byte) (uint64, error) {
	return strconv.ParseUint(string(key[len(prefixOutbox):]), 10, 64)
}

// addressFromKey extracts the address suffix of a pend:/nonce: key
func addressFromKey(key []byte, prefix string) (common.Address, error) {
	s := string(key[len(prefix):])
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address in key: %s", s)
	}
	return common.HexToAddress(s), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "ord:" -> upper bound "ord;"
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
