// Package badgerdb backs the quorum-store database (digest-keyed batch
// persistence with iteration for the expiry driver) with badger, an
// on-disk key-value store with native support for range iteration.
package badgerdb

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v2"

	"github.com/quorumchain/validator/keyvaluedb"
)

type BadgerDB struct {
	db *badger.DB
}

// New opens (creating if necessary) a badger store at path. Badger's own
// logger is silenced; callers log at a higher level via their own logger.
func New(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db %s: %w", path, err)
	}
	return &BadgerDB{db: db}, nil
}

func (b *BadgerDB) Read(key []byte) (value []byte, err error) {
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return keyvaluedb.ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

func (b *BadgerDB) Write(key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (b *BadgerDB) Delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (b *BadgerDB) Iterate(fn func(key, value []byte) (bool, error)) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cont, err := fn(item.KeyCopy(nil), value)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (b *BadgerDB) Close() error { return b.db.Close() }
