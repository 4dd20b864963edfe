// Package crypto supplies the two signing primitives the engine depends on:
// per-author secp256k1 signatures over message digests, and a BLS threshold
// scheme over the bn256 pairing curve producing the common coin.
package crypto

import (
	"crypto/ecdsa"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidSignature is returned when a recovered signer does not match the
// claimed author of a signed message.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// SignatureService signs and verifies the 65-byte recoverable secp256k1
// signatures carried by every wire message, the same primitive
// consensus/bsrr/berith.go uses to recover a block's sealer from its header
// hash.
type SignatureService struct {
	key  *ecdsa.PrivateKey
	self common.Address
}

// NewSignatureService derives the service's own NodeId from the supplied
// private key, exactly as sigHash recovery derives a sealer address from a
// public key: Keccak256(pubkey[1:])[12:].
func NewSignatureService(key *ecdsa.PrivateKey) *SignatureService {
	return &SignatureService{
		key:  key,
		self: ethcrypto.PubkeyToAddress(key.PublicKey),
	}
}

// GenerateSignatureKey creates a fresh secp256k1 key pair for local testing
// and single-process demos.
func GenerateSignatureKey() (*ecdsa.PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return key.ToECDSA(), nil
}

// Self returns the node id derived from this service's key.
func (s *SignatureService) Self() common.Address { return s.self }

// Sign produces a 65-byte [R || S || V] signature over digest.
func (s *SignatureService) Sign(digest common.Hash) ([]byte, error) {
	return ethcrypto.Sign(digest.Bytes(), s.key)
}

// Verify recovers the signer of sig over digest and checks it equals author.
func Verify(digest common.Hash, sig []byte, author common.Address) error {
	pubkey, err := ethcrypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return err
	}
	if ethcrypto.PubkeyToAddress(*pubkey) != author {
		return ErrInvalidSignature
	}
	return nil
}
