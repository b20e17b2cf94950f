package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/quorumchain/validator/crypto"
)

// keyFile is the on-disk shape of --key-file: a hex-encoded secp256k1
// private key scalar, the same key type crypto.NewSignerFromBytes
// restores.
type keyFile struct {
	Author     string `json:"author"`
	PrivateKey string `json:"private_key"`
}

// LoadSigner reads path and restores the validator's signer and author.
func LoadSigner(path string) (crypto.Signer, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("config: reading key file %s: %w", path, err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, "", fmt.Errorf("config: parsing key file %s: %w", path, err)
	}
	priv, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("config: decoding private key in %s: %w", path, err)
	}
	signer, err := crypto.NewSignerFromBytes(priv)
	if err != nil {
		return nil, "", fmt.Errorf("config: restoring signer from %s: %w", path, err)
	}
	return signer, kf.Author, nil
}

// PeerEntry is one line of the peers file: a validator's author id
// alongside its libp2p peer id and dialable multiaddrs. Parsing these
// into network/libp2pnet.PeerInfo (which needs peer.ID and
// ma.Multiaddr values) is left to the caller, so this package stays
// free of a transport-specific dependency.
type PeerEntry struct {
	Author string   `json:"author"`
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

// LoadPeers reads path as a JSON array of PeerEntry.
func LoadPeers(path string) ([]PeerEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading peers file %s: %w", path, err)
	}
	var entries []PeerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("config: parsing peers file %s: %w", path, err)
	}
	return entries, nil
}

// ValidatorEntry is one line of the genesis validator set file: an
// author, its voting power, and its hex-encoded public key.
type ValidatorEntry struct {
	Author      string `json:"author"`
	VotingPower uint64 `json:"voting_power"`
	PublicKey   string `json:"public_key"`
}

// LoadValidatorSet reads path as a JSON array of ValidatorEntry, the
// genesis validator set a fresh node starts its first epoch with.
func LoadValidatorSet(path string) ([]ValidatorEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading validator set file %s: %w", path, err)
	}
	var entries []ValidatorEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("config: parsing validator set file %s: %w", path, err)
	}
	return entries, nil
}
