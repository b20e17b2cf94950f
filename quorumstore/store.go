package quorumstore

import (
	"fmt"
	"sync"

	"github.com/quorumchain/validator/keyvaluedb"
	"github.com/quorumchain/validator/types"
)

// Store is the local persistence layer for batches this validator
// authored or has accepted custody of on behalf of a peer. Entries are
// evicted once their expiry round has long since committed, or when
// memory/disk quotas are exceeded.
type Store struct {
	mu sync.RWMutex

	db       keyvaluedb.KeyValueDB
	memBytes uint64
	maxMem   uint64

	index map[types.Digest]*storedBatch
}

type storedBatch struct {
	batch    *types.Batch
	numBytes uint64
}

// NewStore constructs a Store that persists every saved batch to db and
// keeps at most maxMemBytes of batches in its in-process index; a batch
// evicted to stay under that quota is removed from both the index and db.
func NewStore(db keyvaluedb.KeyValueDB, maxMemBytes uint64) *Store {
	return &Store{db: db, maxMem: maxMemBytes, index: make(map[types.Digest]*storedBatch)}
}

func batchKey(d types.Digest) []byte {
	return append([]byte("qs/batch/"), d[:]...)
}

// Save persists batch, evicting the entries with the lowest expiry if the
// in-memory index would exceed maxMem ("quota exceeded: evict by
// oldest expiry first").
func (s *Store) Save(batch *types.Batch) error {
	raw, err := types.MarshalCanonical(batch)
	if err != nil {
		return fmt.Errorf("encoding batch %s: %w", batch.ID, err)
	}
	if err := s.db.Write(batchKey(batch.Digest), raw); err != nil {
		return fmt.Errorf("persisting batch %s: %w", batch.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[batch.Digest] = &storedBatch{batch: batch, numBytes: uint64(len(raw))}
	s.memBytes += uint64(len(raw))
	s.evictLocked()
	return nil
}

// evictLocked drops the batch with the lowest expiry until under quota.
// Called with s.mu held.
func (s *Store) evictLocked() {
	for s.maxMem > 0 && s.memBytes > s.maxMem {
		var oldest types.Digest
		var found bool
		var oldestExpiry types.LogicalTime
		for d, sb := range s.index {
			if !found || sb.batch.Expiry.Less(oldestExpiry) {
				oldest, oldestExpiry, found = d, sb.batch.Expiry, true
			}
		}
		if !found {
			return
		}
		s.memBytes -= s.index[oldest].numBytes
		delete(s.index, oldest)
		_ = s.db.Delete(batchKey(oldest))
	}
}

// Get returns the batch with the given digest if locally held.
func (s *Store) Get(digest types.Digest) (*types.Batch, bool) {
	s.mu.RLock()
	if sb, ok := s.index[digest]; ok {
		s.mu.RUnlock()
		return sb.batch, true
	}
	s.mu.RUnlock()

	raw, err := s.db.Read(batchKey(digest))
	if err != nil || raw == nil {
		return nil, false
	}
	var batch types.Batch
	if err := types.UnmarshalCanonical(raw, &batch); err != nil {
		return nil, false
	}
	return &batch, true
}

// ExpireBefore drops every locally indexed batch whose expiry is no later
// than committed, called as the ledger advances ("expiry by
// committed round").
func (s *Store) ExpireBefore(committed types.LogicalTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for d, sb := range s.index {
		if sb.batch.Expiry.LessOrEqual(committed) {
			s.memBytes -= sb.numBytes
			delete(s.index, d)
			_ = s.db.Delete(batchKey(d))
		}
	}
}

// Has reports whether digest is locally held without deserializing it.
func (s *Store) Has(digest types.Digest) bool {
	s.mu.RLock()
	if _, ok := s.index[digest]; ok {
		s.mu.RUnlock()
		return true
	}
	s.mu.RUnlock()
	raw, err := s.db.Read(batchKey(digest))
	return err == nil && raw != nil
}
