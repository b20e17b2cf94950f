package blockstore

import (
	"encoding/binary"
	"fmt"

	"github.com/quorumchain/validator/keyvaluedb"
	"github.com/quorumchain/validator/types"
)

// DBStore is the keyvaluedb-backed PersistentStore, the production
// counterpart to the in-memory fakes used in tests: a thin CBOR-encode/
// decode layer over a keyvaluedb.KeyValueDB handle.
type DBStore struct {
	db keyvaluedb.KeyValueDB
}

// NewDBStore wraps db as a PersistentStore.
func NewDBStore(db keyvaluedb.KeyValueDB) *DBStore {
	return &DBStore{db: db}
}

func blockKey(round uint64) []byte {
	key := make([]byte, len(blockKeyPrefix)+8)
	copy(key, blockKeyPrefix)
	binary.BigEndian.PutUint64(key[len(blockKeyPrefix):], round)
	return key
}

var (
	blockKeyPrefix = []byte("cs/block/")
	lastVoteKey    = []byte("cs/lastvote")
	lastTCKey      = []byte("cs/lasttc")
)

// LoadBlocks returns every persisted block in round order.
func (s *DBStore) LoadBlocks() ([]*ExecutedBlock, error) {
	var blocks []*ExecutedBlock
	err := s.db.Iterate(func(key, value []byte) (bool, error) {
		if len(key) < len(blockKeyPrefix) || string(key[:len(blockKeyPrefix)]) != string(blockKeyPrefix) {
			return true, nil
		}
		var b ExecutedBlock
		if err := types.UnmarshalCanonical(value, &b); err != nil {
			return false, fmt.Errorf("decoding block at key %x: %w", key, err)
		}
		blocks = append(blocks, &b)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading blocks: %w", err)
	}
	return blocks, nil
}

// WriteBlock persists block keyed by its round. root is accepted for
// interface symmetry but every pending and root block is stored the same
// way; only the caller's decision of which block anchors the tree on
// reload (via CommitQC) tells them apart.
func (s *DBStore) WriteBlock(block *ExecutedBlock, root bool) error {
	raw, err := types.MarshalCanonical(block)
	if err != nil {
		return fmt.Errorf("encoding block round %d: %w", block.GetRound(), err)
	}
	if err := s.db.Write(blockKey(block.GetRound()), raw); err != nil {
		return fmt.Errorf("persisting block round %d: %w", block.GetRound(), err)
	}
	return nil
}

// WriteVote persists the single last vote cast by this node.
func (s *DBStore) WriteVote(vote *types.Vote) error {
	raw, err := types.MarshalCanonical(vote)
	if err != nil {
		return fmt.Errorf("encoding last vote: %w", err)
	}
	return s.db.Write(lastVoteKey, raw)
}

// ReadLastVote returns the last persisted vote, or nil if none.
func (s *DBStore) ReadLastVote() (*types.Vote, error) {
	raw, err := s.db.Read(lastVoteKey)
	if err != nil {
		if err == keyvaluedb.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("reading last vote: %w", err)
	}
	var vote types.Vote
	if err := types.UnmarshalCanonical(raw, &vote); err != nil {
		return nil, fmt.Errorf("decoding last vote: %w", err)
	}
	return &vote, nil
}

// WriteTC persists the most recently formed timeout certificate.
func (s *DBStore) WriteTC(tc *types.TimeoutCert) error {
	raw, err := types.MarshalCanonical(tc)
	if err != nil {
		return fmt.Errorf("encoding last tc: %w", err)
	}
	return s.db.Write(lastTCKey, raw)
}

// ReadLastTC returns the most recently persisted timeout certificate, or
// nil if none has formed yet.
func (s *DBStore) ReadLastTC() (*types.TimeoutCert, error) {
	raw, err := s.db.Read(lastTCKey)
	if err != nil {
		if err == keyvaluedb.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("reading last tc: %w", err)
	}
	var tc types.TimeoutCert
	if err := types.UnmarshalCanonical(raw, &tc); err != nil {
		return nil, fmt.Errorf("decoding last tc: %w", err)
	}
	return &tc, nil
}
