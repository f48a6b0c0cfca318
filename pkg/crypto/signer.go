package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds a secp256k1 key pair (Ethereum-compatible)
type Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	address    common.Address
}

func newSigner(privateKey *ecdsa.PrivateKey) (*Signer, error) {
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("failed to cast public key to ECDSA")
	}
	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKeyECDSA,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
	}, nil
}

// GenerateKey creates a new random key pair
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}
	return newSigner(privateKey)
}

// FromPrivateKeyHex loads a 64 hex char private key (no 0x prefix)
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}
	return newSigner(privateKey)
}

func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the private key as hex string (WITHOUT 0x prefix)
// WARNING: never log this
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// PublicKeyHex returns the uncompressed public key (130 hex chars)
func (s *Signer) PublicKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSAPub(s.publicKey))
}

// Sign signs a 32-byte digest. Returns [R || S || V] (65 bytes).
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errors.Newf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign")
	}
	return sig, nil
}

// SignMessage hashes message with Keccak256 and signs the digest
func (s *Signer) SignMessage(message []byte) ([]byte, error) {
	return s.Sign(crypto.Keccak256Hash(message).Bytes())
}

// VerifySignature reports whether signature over hash was made by address
func VerifySignature(address common.Address, hash []byte, signature []byte) bool {
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false
	}
	return recovered == address
}

// RecoverAddress recovers the signer's address from a digest and signature
func RecoverAddress(hash []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, errors.Newf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, errors.Newf("invalid hash length: %d", len(hash))
	}
	pub, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "failed to recover public key")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
