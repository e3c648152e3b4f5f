// Package kv is the ordered key value store underneath the engine: schemas, row images, and
// extent images all live in one KV.
package kv

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Updater batches changes; they are visible to the Updater immediately and to everyone else
// after Commit. Only one Updater may be open at a time.
type Updater interface {
	// Get calls fn with the value of key, or returns io.EOF if key is not present.
	Get(key []byte, fn func(val []byte) error) error
	Set(key, val []byte) error
	Delete(key []byte) error
	Commit(sync bool) error
	Rollback()
}

type Iterator interface {
	// Item calls fn with the next key and value; it returns io.EOF when there are no more.
	Item(fn func(key, val []byte) error) error
	Close()
}

type KV interface {
	// Iterate returns the keys from minKey to maxKey, inclusive; a nil maxKey means no upper
	// bound.
	Iterate(minKey, maxKey []byte) (Iterator, error)
	Get(key []byte, fn func(val []byte) error) error
	Updater() (Updater, error)
	Close() error
}

var Stores = []string{"btree", "pebble", "bbolt", "badger"}

// Open opens the named store in dataDir.
func Open(store, dataDir string, logger *log.Logger) (KV, error) {
	var kv KV
	var err error
	switch store {
	case "btree":
		kv, err = MakeBTreeKV()
	case "pebble":
		kv, err = MakePebbleKV(dataDir, logger)
	case "bbolt":
		kv, err = MakeBBoltKV(dataDir)
	case "badger":
		kv, err = MakeBadgerKV(dataDir, logger)
	default:
		return nil, errors.Errorf("kv: store must be one of %v: %s", Stores, store)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "kv: open %s in %s", store, dataDir)
	}
	return kv, nil
}

// PrefixEnd returns the smallest key greater than every key with prefix, or nil if there is
// no such key.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for idx := len(end) - 1; idx >= 0; idx-- {
		end[idx] += 1
		if end[idx] != 0 {
			return end[:idx+1]
		}
	}
	return nil
}
