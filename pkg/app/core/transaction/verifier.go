package transaction

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/crypto"
)

// Verifier checks signed action envelopes
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

func (v *Verifier) Signer() *crypto.EIP712Signer { return v.eip712Signer }

// Verify validates tx and returns the address that signed it. A signature
// from anyone but the claimed owner is Unauthorized.
func (v *Verifier) Verify(tx *SignedAction) (common.Address, error) {
	if err := tx.Validate(); err != nil {
		return common.Address{}, err
	}
	action, err := tx.Payload.ToEIP712()
	if err != nil {
		return common.Address{}, err
	}
	sig, err := decodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := v.eip712Signer.RecoverActionSigner(action, sig)
	if err != nil {
		return common.Address{}, core.Unauthorizedf("signature recovery failed: %v", err)
	}
	if signer != action.Owner {
		return common.Address{}, core.Unauthorizedf("signature by %s does not match owner %s", signer.Hex(), action.Owner.Hex())
	}
	return signer, nil
}

// decodeSignature decodes a hex signature with or without 0x prefix
func decodeSignature(sig string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, core.Rejectf("invalid hex signature: %v", err)
	}
	if len(b) != 65 {
		return nil, core.Rejectf("signature must be 65 bytes, got %d", len(b))
	}
	return b, nil
}
