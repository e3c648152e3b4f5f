// Package memstore keeps every row of every table in memory, in one btree per table ordered
// by encoded key. Each row holds its chain of committed versions, newest first.
package memstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/tuple"
)

const btreeDegree = 16

type Store struct {
	mutex  sync.RWMutex
	tables map[storage.OID]*table
}

type table struct {
	keyDesc *tuple.Desc

	mutex sync.RWMutex
	tree  *btree.BTree
}

type item struct {
	key []byte
	row *Row
}

func (it item) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(item).key) < 0
}

func New() *Store {
	return &Store{
		tables: map[storage.OID]*table{},
	}
}

func (st *Store) CreateTable(ctx context.Context, tid storage.OID, keyDesc *tuple.Desc) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if _, ok := st.tables[tid]; ok {
		return errors.Wrapf(storage.ErrAlreadyExists, "memstore: table %d", tid)
	}
	st.tables[tid] = &table{
		keyDesc: keyDesc,
		tree:    btree.New(btreeDegree),
	}
	return nil
}

func (st *Store) lookupTable(tid storage.OID) (*table, error) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	tbl, ok := st.tables[tid]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "memstore: table %d", tid)
	}
	return tbl, nil
}

// GetKey returns the row at key, or nil if there is none.
func (st *Store) GetKey(ctx context.Context, tid storage.OID, key []byte) (storage.DataRow,
	error) {

	tbl, err := st.lookupTable(tid)
	if err != nil {
		return nil, err
	}

	tbl.mutex.RLock()
	defer tbl.mutex.RUnlock()

	bi := tbl.tree.Get(item{key: key})
	if bi == nil {
		return nil, nil
	}
	return bi.(item).row, nil
}

func (st *Store) NewRow(ctx context.Context, tid storage.OID, key []byte) (storage.DataRow,
	error) {

	tbl, err := st.lookupTable(tid)
	if err != nil {
		return nil, err
	}

	tbl.mutex.Lock()
	defer tbl.mutex.Unlock()

	bi := tbl.tree.Get(item{key: key})
	if bi != nil {
		return bi.(item).row, nil
	}
	row := &Row{}
	tbl.tree.ReplaceOrInsert(item{key: append([]byte(nil), key...), row: row})
	return row, nil
}

func (st *Store) RemoveRow(ctx context.Context, tid storage.OID, key []byte) error {
	tbl, err := st.lookupTable(tid)
	if err != nil {
		return err
	}

	tbl.mutex.Lock()
	defer tbl.mutex.Unlock()

	bi := tbl.tree.Get(item{key: key})
	if bi != nil && bi.(item).row.Empty() {
		tbl.tree.Delete(item{key: key})
	}
	return nil
}

func (st *Store) Scan(ctx context.Context, tid storage.OID, minKey, maxKey []byte,
	fn func(key []byte, row storage.DataRow) bool) error {

	tbl, err := st.lookupTable(tid)
	if err != nil {
		return err
	}

	var items []item
	tbl.mutex.RLock()
	tbl.tree.AscendGreaterOrEqual(item{key: minKey},
		func(bi btree.Item) bool {
			it := bi.(item)
			if maxKey != nil && bytes.Compare(it.key, maxKey) > 0 {
				return false
			}
			items = append(items, it)
			return true
		})
	tbl.mutex.RUnlock()

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(it.key, it.row) {
			break
		}
	}
	return nil
}

// Len returns the number of rows in the table, including rows which only have deleted
// versions.
func (st *Store) Len(tid storage.OID) int {
	tbl, err := st.lookupTable(tid)
	if err != nil {
		return 0
	}

	tbl.mutex.RLock()
	defer tbl.mutex.RUnlock()

	return tbl.tree.Len()
}

type Row struct {
	mutex    sync.RWMutex
	tupleID  storage.TupleID
	hasTID   bool
	versions []*storage.TupleVersion
}

func (r *Row) TupleID() (storage.TupleID, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.tupleID, r.hasTID
}

func (r *Row) ReadLatest() (*storage.TupleVersion, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if len(r.versions) == 0 || r.versions[0].Deleted {
		return nil, false
	}
	return r.versions[0], true
}

func (r *Row) ReadVisible(snap *storage.Snapshot) (*storage.TupleVersion, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, ver := range r.versions {
		if snap.Visible(ver.Writer) {
			if ver.Deleted {
				return nil, false
			}
			return ver, true
		}
	}
	return nil, false
}

func (r *Row) Install(id storage.TupleID, ver *storage.TupleVersion, horizon storage.XID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.versions = append([]*storage.TupleVersion{ver}, r.versions...)
	if ver.Deleted {
		r.hasTID = false
	} else {
		r.tupleID = id
		r.hasTID = true
	}

	// Every snapshot can see the newest version written below the horizon, so nothing older
	// than it can ever be read.
	for idx, v := range r.versions {
		if v.Writer < horizon {
			r.versions = r.versions[:idx+1]
			if v.Deleted {
				r.versions = r.versions[:idx]
			}
			break
		}
	}
}

func (r *Row) Empty() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.versions) == 0
}

// VersionCount returns the number of versions in the chain.
func (r *Row) VersionCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.versions)
}
