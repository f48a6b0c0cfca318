package crypto

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress accepts a 0x-prefixed hex address. Mixed-case input must
// carry a valid EIP-55 checksum.
func ParseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) || !strings.HasPrefix(s, "0x") {
		return common.Address{}, false
	}
	addr := common.HexToAddress(s)
	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex() != s {
		return common.Address{}, false
	}
	return addr, true
}
