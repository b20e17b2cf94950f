// Package crypto wraps secp256k1 signing for votes, timeouts, signed
// digests and commit votes.
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Signer produces signatures over arbitrary byte payloads. Implementations
// must be safe for concurrent use since it is shared between the round
// manager and the buffer manager across decoupled execution.
type Signer interface {
	SignBytes(data []byte) ([]byte, error)
	Verifier() (Verifier, error)
}

// Verifier checks a signature produced by the corresponding Signer.
type Verifier interface {
	VerifyBytes(data, sig []byte) error
	MarshalPublicKey() []byte
}

type inMemorySigner struct {
	key *btcec.PrivateKey
}

// NewInMemorySigner generates a fresh secp256k1 keypair, used throughout
// tests that need a signer but not a persisted key file.
func NewInMemorySigner() (Signer, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return &inMemorySigner{key: key}, nil
}

// GenerateKeyBytes returns a fresh secp256k1 private key scalar, for
// callers (cmd/validatornode's gen-key) that need to persist it to a key
// file rather than hold it behind the Signer interface. Pass the result
// to NewSignerFromBytes to restore a Signer.
func GenerateKeyBytes() ([]byte, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return key.Serialize(), nil
}

// NewSignerFromBytes restores a signer from a 32-byte private key scalar.
func NewSignerFromBytes(priv []byte) (Signer, error) {
	if len(priv) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	key, _ := btcec.PrivKeyFromBytes(priv)
	return &inMemorySigner{key: key}, nil
}

func (s *inMemorySigner) SignBytes(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig := ecdsa.Sign(s.key, digest[:])
	return sig.Serialize(), nil
}

func (s *inMemorySigner) Verifier() (Verifier, error) {
	return &verifier{pub: s.key.PubKey()}, nil
}

type verifier struct {
	pub *btcec.PublicKey
}

// NewVerifierFromBytes parses a compressed secp256k1 public key.
func NewVerifierFromBytes(pub []byte) (Verifier, error) {
	key, err := btcec.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return &verifier{pub: key}, nil
}

func (v *verifier) VerifyBytes(data, sig []byte) error {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("parsing signature: %w", err)
	}
	digest := sha256.Sum256(data)
	if !parsed.Verify(digest[:], v.pub) {
		return errors.New("signature verification failed")
	}
	return nil
}

func (v *verifier) MarshalPublicKey() []byte {
	return v.pub.SerializeCompressed()
}
