package kv

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type pebbleKV struct {
	mutex sync.Mutex
	db    *pebble.DB
}

type pebbleIterator struct {
	snap   *pebble.Snapshot
	it     *pebble.Iterator
	maxKey []byte
}

type pebbleUpdater struct {
	kv    *pebbleKV
	batch *pebble.Batch
}

func MakePebbleKV(dataDir string, logger *log.Logger) (KV, error) {
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, err
	}

	db, err := pebble.Open(dataDir, &pebble.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	return &pebbleKV{
		db: db,
	}, nil
}

func (pkv *pebbleKV) Iterate(minKey, maxKey []byte) (Iterator, error) {
	snap := pkv.db.NewSnapshot()
	it, err := snap.NewIter(&pebble.IterOptions{LowerBound: minKey})
	if err != nil {
		snap.Close()
		return nil, errors.Wrap(err, "pebble: iterate")
	}
	it.First()

	return pebbleIterator{
		snap:   snap,
		it:     it,
		maxKey: maxKey,
	}, nil
}

func (pit pebbleIterator) Item(fn func(key, val []byte) error) error {
	if !pit.it.Valid() {
		return io.EOF
	}
	if pit.maxKey != nil && bytes.Compare(pit.maxKey, pit.it.Key()) < 0 {
		return io.EOF
	}

	err := fn(pit.it.Key(), pit.it.Value())
	if err != nil {
		return err
	}

	pit.it.Next()
	return nil
}

func (pit pebbleIterator) Close() {
	pit.it.Close()
	if pit.snap != nil {
		pit.snap.Close()
	}
}

func pebbleGet(get func(key []byte) ([]byte, io.Closer, error), key []byte,
	fn func(val []byte) error) error {

	val, closer, err := get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return io.EOF
		}
		return err
	}
	defer closer.Close()

	return fn(val)
}

func (pkv *pebbleKV) Get(key []byte, fn func(val []byte) error) error {
	return pebbleGet(pkv.db.Get, key, fn)
}

func (pkv *pebbleKV) Updater() (Updater, error) {
	pkv.mutex.Lock()

	return pebbleUpdater{
		kv:    pkv,
		batch: pkv.db.NewIndexedBatch(),
	}, nil
}

func (pkv *pebbleKV) Close() error {
	return pkv.db.Close()
}

func (pu pebbleUpdater) Get(key []byte, fn func(val []byte) error) error {
	return pebbleGet(pu.batch.Get, key, fn)
}

func (pu pebbleUpdater) Set(key, val []byte) error {
	return pu.batch.Set(key, val, nil)
}

func (pu pebbleUpdater) Delete(key []byte) error {
	return pu.batch.Delete(key, nil)
}

func (pu pebbleUpdater) Commit(sync bool) error {
	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	err := pu.batch.Commit(opt)
	pu.kv.mutex.Unlock()
	return err
}

func (pu pebbleUpdater) Rollback() {
	pu.batch.Close()
	pu.kv.mutex.Unlock()
}
