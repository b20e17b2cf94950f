// Package boltdb backs consensus liveness storage (votes, QCs, TCs, blocks)
// with a durable single-file, B+tree-backed store.
package boltdb

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/quorumchain/validator/keyvaluedb"
)

var bucketName = []byte("consensus")

type BoltDB struct {
	db *bolt.DB
}

// New opens (creating if necessary) a bbolt-backed store at path.
func New(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt db %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Read(key []byte) (value []byte, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return keyvaluedb.ErrNotFound
		}
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	return value, err
}

func (b *BoltDB) Write(key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

func (b *BoltDB) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

func (b *BoltDB) Iterate(fn func(key, value []byte) (bool, error)) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			cont, err := fn(k, v)
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

func (b *BoltDB) Close() error { return b.db.Close() }
