package thdctx

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/tuple"
)

type txState int

const (
	txActive txState = iota
	// txCommitted: every effect of the transaction is durable and installed, but the
	// snapshot requester has not yet been told.
	txCommitted
)

// TxCtx is the state of one open transaction: its snapshot and the rows it intends to
// write, kept in key order for each table.
type TxCtx struct {
	snap *storage.Snapshot

	mutex  sync.Mutex
	state  txState
	writes map[storage.OID]*btree.BTree
}

// write is one row in the write set. A write with no kind is an intent: the row was locked
// but nothing has been staged for it.
type write struct {
	key        []byte
	kind       storage.WriteKind
	row        storage.DataRow
	tupleID    storage.TupleID
	hasTupleID bool
	value      tuple.Binary
	created    bool
}

func (w *write) Less(item btree.Item) bool {
	return bytes.Compare(w.key, item.(*write).key) < 0
}

func newTxCtx(snap *storage.Snapshot) *TxCtx {
	return &TxCtx{
		snap:   snap,
		writes: map[storage.OID]*btree.BTree{},
	}
}

func (tx *TxCtx) XID() storage.XID {
	return tx.snap.XID
}

func (tx *TxCtx) Snapshot() *storage.Snapshot {
	return tx.snap
}

func (tx *TxCtx) String() string {
	return fmt.Sprintf("tx(%d)", tx.snap.XID)
}

// lookup returns the write for key, creating an intent if there is none; the mutex must be
// held.
func (tx *TxCtx) lookup(tid storage.OID, key []byte) *write {
	tree, ok := tx.writes[tid]
	if !ok {
		tree = btree.New(16)
		tx.writes[tid] = tree
	}

	item := tree.Get(&write{key: key})
	if item != nil {
		return item.(*write)
	}
	w := &write{key: append([]byte(nil), key...)}
	tree.ReplaceOrInsert(w)
	return w
}

// Write registers the intent to write key.
func (tx *TxCtx) Write(tid storage.OID, key []byte) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	tx.lookup(tid, key)
}

// Staged returns a copy of the staged change for key, if there is one.
func (tx *TxCtx) Staged(tid storage.OID, key []byte) (storage.WriteKind, tuple.Binary, bool) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	tree, ok := tx.writes[tid]
	if !ok {
		return 0, nil, false
	}
	item := tree.Get(&write{key: key})
	if item == nil || item.(*write).kind == 0 {
		return 0, nil, false
	}
	w := item.(*write)
	return w.kind, w.value, true
}

// Insert stages a new row. If the transaction already deleted the row at key, the row is
// replaced and keeps its tuple id.
func (tx *TxCtx) Insert(tid storage.OID, key []byte, value tuple.Binary, row storage.DataRow,
	created bool) {

	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	w := tx.lookup(tid, key)
	w.kind = storage.PutOp
	w.value = value
	if w.row == nil {
		w.row = row
		w.created = created
	}
}

// Update stages new field values for a row; the row is either a committed row or one
// already staged by this transaction.
func (tx *TxCtx) Update(desc *tuple.Desc, tid storage.OID, id storage.TupleID, key []byte,
	old tuple.Binary, delta tuple.Delta, row storage.DataRow) error {

	value, err := tuple.Apply(desc, old, delta)
	if err != nil {
		return err
	}

	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	w := tx.lookup(tid, key)
	if w.kind == 0 {
		w.row = row
		w.tupleID = id
		w.hasTupleID = true
	}
	w.kind = storage.PutOp
	w.value = value
	return nil
}

// Delete stages the removal of a row. Deleting a row this transaction inserted leaves only
// an intent.
func (tx *TxCtx) Delete(tid storage.OID, id storage.TupleID, key []byte,
	row storage.DataRow) {

	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	w := tx.lookup(tid, key)
	if w.kind == storage.PutOp && !w.hasTupleID {
		w.kind = 0
		w.value = nil
		return
	}
	if w.kind == 0 {
		w.row = row
		w.tupleID = id
		w.hasTupleID = true
	}
	w.kind = storage.DeleteOp
	w.value = nil
}

type tableWrites struct {
	tid    storage.OID
	writes []*write
}

// writeSet returns every write, grouped by table in increasing table id and in key order
// within each table.
func (tx *TxCtx) writeSet() []tableWrites {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	var tws []tableWrites
	for tid, tree := range tx.writes {
		tw := tableWrites{tid: tid}
		tree.Ascend(
			func(item btree.Item) bool {
				tw.writes = append(tw.writes, item.(*write))
				return true
			})
		tws = append(tws, tw)
	}
	sort.Slice(tws, func(i, j int) bool { return tws[i].tid < tws[j].tid })
	return tws
}

// scanStaged calls fn for each write to tid with minKey <= key <= maxKey, in key order; a
// nil maxKey means no upper bound.
func (tx *TxCtx) scanStaged(tid storage.OID, minKey, maxKey []byte,
	fn func(key []byte, kind storage.WriteKind, value tuple.Binary)) {

	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	tree, ok := tx.writes[tid]
	if !ok {
		return
	}
	tree.AscendGreaterOrEqual(&write{key: minKey},
		func(item btree.Item) bool {
			w := item.(*write)
			if maxKey != nil && bytes.Compare(w.key, maxKey) > 0 {
				return false
			}
			if w.kind != 0 {
				fn(w.key, w.kind, w.value)
			}
			return true
		})
}

func (tx *TxCtx) setCommitted() {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	tx.state = txCommitted
}

func (tx *TxCtx) committed() bool {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	return tx.state == txCommitted
}
