package types

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Digest is a SHA-256 content hash, used for batch digests and block ids.
type Digest [32]byte

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// cborMode is the canonical CBOR encoding mode shared by every wire type in
// this package: a single codec instance used for hashing and wire encoding
// alike.
var cborMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("types: building canonical cbor mode: %v", err))
	}
	cborMode = m
}

// MarshalCanonical encodes v using the shared canonical CBOR mode.
func MarshalCanonical(v any) ([]byte, error) {
	return cborMode.Marshal(v)
}

// UnmarshalCanonical decodes data into v using CBOR.
func UnmarshalCanonical(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// HashOf returns the SHA-256 digest of v's canonical CBOR encoding.
func HashOf(v any) (Digest, error) {
	b, err := MarshalCanonical(v)
	if err != nil {
		return Digest{}, fmt.Errorf("encoding for hash: %w", err)
	}
	return sha256.Sum256(b), nil
}

// HashConcat hashes the concatenation of byte slices in order, used for the
// batch digest invariant: digest(B) = H(concat(fragments(B) in id order)).
func HashConcat(parts ...[]byte) Digest {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
