package kv

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	kvcoreBucket = []byte{'k', 'v', 'c', 'o', 'r', 'e'}
)

type bboltKV struct {
	db *bbolt.DB
}

type bboltIterator struct {
	tx     *bbolt.Tx
	cr     *bbolt.Cursor
	key    []byte
	maxKey []byte
	next   bool
}

type bboltUpdater struct {
	db  *bbolt.DB
	tx  *bbolt.Tx
	bkt *bbolt.Bucket
}

func MakeBBoltKV(dataDir string) (KV, error) {
	err := os.MkdirAll(dataDir, 0755)
	if err != nil {
		return nil, err
	}

	db, err := bbolt.Open(filepath.Join(dataDir, "kvcore.bbolt"), 0644, nil)
	if err != nil {
		return nil, err
	}
	// Commit(true) syncs explicitly.
	db.NoFreelistSync = true
	db.NoSync = true

	err = db.Update(
		func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(kvcoreBucket)
			return err
		})
	if err != nil {
		db.Close()
		return nil, err
	}

	return bboltKV{
		db: db,
	}, nil
}

func (bkv bboltKV) begin(writable bool) (*bbolt.Tx, *bbolt.Bucket, error) {
	tx, err := bkv.db.Begin(writable)
	if err != nil {
		return nil, nil, errors.Wrap(err, "bbolt: begin failed")
	}
	bkt := tx.Bucket(kvcoreBucket)
	if bkt == nil {
		tx.Rollback()
		return nil, nil, errors.New("bbolt: missing kvcore bucket")
	}
	return tx, bkt, nil
}

func (bkv bboltKV) Iterate(minKey, maxKey []byte) (Iterator, error) {
	tx, bkt, err := bkv.begin(false)
	if err != nil {
		return nil, err
	}

	return &bboltIterator{
		tx:     tx,
		cr:     bkt.Cursor(),
		key:    append(make([]byte, 0, len(minKey)), minKey...),
		maxKey: maxKey,
	}, nil
}

func (bit *bboltIterator) Item(fn func(key, val []byte) error) error {
	var key, val []byte
	if bit.next {
		key, val = bit.cr.Next()
	} else {
		key, val = bit.cr.Seek(bit.key)
		bit.next = true
		bit.key = nil
	}

	if key == nil {
		return io.EOF
	}
	if bit.maxKey != nil && bytes.Compare(bit.maxKey, key) < 0 {
		return io.EOF
	}

	return fn(key, val)
}

func (bit *bboltIterator) Close() {
	if bit.tx != nil {
		bit.tx.Rollback()
	}
}

func (bkv bboltKV) Get(key []byte, fn func(val []byte) error) error {
	tx, bkt, err := bkv.begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	val := bkt.Get(key)
	if val == nil {
		return io.EOF
	}
	return fn(val)
}

func (bkv bboltKV) Updater() (Updater, error) {
	tx, bkt, err := bkv.begin(true)
	if err != nil {
		return nil, err
	}
	return bboltUpdater{
		db:  bkv.db,
		tx:  tx,
		bkt: bkt,
	}, nil
}

func (bkv bboltKV) Close() error {
	return bkv.db.Close()
}

func (bu bboltUpdater) Get(key []byte, fn func(val []byte) error) error {
	val := bu.bkt.Get(key)
	if val == nil {
		return io.EOF
	}
	return fn(val)
}

func (bu bboltUpdater) Set(key, val []byte) error {
	return bu.bkt.Put(key, val)
}

func (bu bboltUpdater) Delete(key []byte) error {
	return bu.bkt.Delete(key)
}

func (bu bboltUpdater) Commit(sync bool) error {
	err := bu.tx.Commit()
	if err != nil {
		return err
	}
	if sync {
		return bu.db.Sync()
	}
	return nil
}

func (bu bboltUpdater) Rollback() {
	bu.tx.Rollback()
}
