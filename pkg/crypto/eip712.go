package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/deployments
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain signing
}

// DefaultDomain returns the domain used by a local node
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "Wagerbook",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// ActionEIP712 is the one typed structure every wager action is signed as.
// Fields an action does not use are left at their zero value.
type ActionEIP712 struct {
	Action      string         // "place_order", "vote", ...
	Target      *big.Int       // order or game id
	Side        uint8          // 0 = side A (white), 1 = side B (black)
	Amount      *big.Int       // stake, fee bps or tolerance pct
	TimeControl string         // "3+2"
	Result      uint8          // 1 = A wins, 2 = B wins, 3 = draw
	Move        string         // SAN move text
	Params      string         // comma separated tier list
	Nonce       *big.Int       // strictly increasing per owner
	Owner       common.Address // claimed signer
}

var actionTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Action": []apitypes.Type{
		{Name: "action", Type: "string"},
		{Name: "target", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "amount", Type: "uint256"},
		{Name: "timeControl", Type: "string"},
		{Name: "result", Type: "uint8"},
		{Name: "move", Type: "string"},
		{Name: "params", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	},
}

// EIP712Signer hashes, signs and verifies wager actions under one domain
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func (e *EIP712Signer) typedData(a *ActionEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       actionTypes,
		PrimaryType: "Action",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"action":      a.Action,
			"target":      bigOrZero(a.Target).String(),
			"side":        fmt.Sprintf("%d", a.Side),
			"amount":      bigOrZero(a.Amount).String(),
			"timeControl": a.TimeControl,
			"result":      fmt.Sprintf("%d", a.Result),
			"move":        a.Move,
			"params":      a.Params,
			"nonce":       bigOrZero(a.Nonce).String(),
			"owner":       a.Owner.Hex(),
		},
	}
}

// HashAction returns the EIP-712 digest a wallet signs for a
func (e *EIP712Signer) HashAction(a *ActionEIP712) ([]byte, error) {
	td := e.typedData(a)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash domain")
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash message")
	}

	// keccak256("\x19\x01" || domainSeparator || messageHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

func (e *EIP712Signer) SignAction(signer *Signer, a *ActionEIP712) ([]byte, error) {
	hash, err := e.HashAction(a)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign action")
	}
	return sig, nil
}

// RecoverActionSigner returns the address that produced signature over a.
func (e *EIP712Signer) RecoverActionSigner(a *ActionEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashAction(a)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// VerifyActionSignature reports whether signature was made by a.Owner.
func (e *EIP712Signer) VerifyActionSignature(a *ActionEIP712, signature []byte) (bool, error) {
	addr, err := e.RecoverActionSigner(a, signature)
	if err != nil {
		return false, err
	}
	return addr == a.Owner, nil
}

// ActionToJSON renders the typed data in the eth_signTypedData_v4 layout
func (e *EIP712Signer) ActionToJSON(a *ActionEIP712) (string, error) {
	td := e.typedData(a)
	out, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal typed data")
	}
	return string(out), nil
}
