/*
Package thdctx coordinates transactions for one worker. A ThdCtx holds the shared
subsystems (metadata, locks, the log, the memory store, snapshots, tuple allocation, and
persistence) and the table of transactions the worker has open.

Writes lock their row, then stage the change in the transaction; nothing is visible to
other transactions until CommitTx. Commit allocates tuple ids, appends the changes to the
log, installs the new versions, queues them for persistence, releases the locks, and
finally ends the snapshot, which makes the changes visible.
*/
package thdctx

import (
	"context"
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/persist"
	"github.com/leftmike/kvcore/storage/tuple"
)

// Persister queues committed changes to be written to the KV; persist.Worker is a Persister.
type Persister interface {
	Send(ctx context.Context, op persist.Op) error
}

type Services struct {
	Meta      storage.MetaMgr
	Locks     storage.XLockMgr
	Log       storage.Log
	Store     storage.MemStore
	Snapshots storage.SnapshotRequester
	Tuples    storage.TupleAllocator
	Persist   Persister
}

type ThdCtx struct {
	id     int
	logger *log.Entry
	svc    Services
	txs    *xsync.MapOf[storage.XID, *TxCtx]

	// OnBegin, OnCommit, and OnAbort, if set, are called as transactions begin and end.
	OnBegin  func()
	OnCommit func()
	OnAbort  func()
}

func New(logger *log.Logger, id int, svc Services) *ThdCtx {
	return &ThdCtx{
		id:     id,
		logger: logger.WithField("thd", id),
		svc:    svc,
		txs:    xsync.NewMapOf[storage.XID, *TxCtx](),
	}
}

func (tc *ThdCtx) ID() int {
	return tc.id
}

// TxCount returns the number of open transactions.
func (tc *ThdCtx) TxCount() int {
	return tc.txs.Size()
}

func (tc *ThdCtx) lookupTx(xid storage.XID) (*TxCtx, error) {
	tx, ok := tc.txs.Load(xid)
	if !ok || tx.committed() {
		return nil, errors.Wrapf(storage.ErrNotFound, "thdctx: transaction %d", xid)
	}
	return tx, nil
}

// CreateTable creates the table described by schema, then prepares the lock manager and
// the memory store for it. If schema.ID is zero, an id is assigned.
func (tc *ThdCtx) CreateTable(ctx context.Context, xid storage.XID,
	schema *storage.TableSchema) error {

	_, err := tc.lookupTx(xid)
	if err != nil {
		return err
	}

	err = tc.svc.Meta.CreateTable(ctx, schema)
	if err != nil {
		return err
	}
	td, err := tc.svc.Meta.GetTableByID(ctx, schema.ID)
	if err != nil {
		return err
	}
	err = tc.svc.Locks.CreateTable(ctx, td.ID(), td.KeyDesc())
	if err != nil {
		return err
	}
	err = tc.svc.Store.CreateTable(ctx, td.ID(), td.KeyDesc())
	if err != nil {
		return err
	}

	tc.logger.WithFields(log.Fields{"xid": xid, "table": td.ID()}).
		Infof("table %s created", td.Name())
	return nil
}

func (tc *ThdCtx) DropTable(ctx context.Context, xid storage.XID, tid storage.OID) error {
	return errors.Wrapf(storage.ErrNotImplemented, "thdctx: drop table %d", tid)
}

func (tc *ThdCtx) AlterTable(ctx context.Context, xid storage.XID,
	schema *storage.TableSchema) error {

	return errors.Wrapf(storage.ErrNotImplemented, "thdctx: alter table %d", schema.ID)
}

func (tc *ThdCtx) BeginTx(ctx context.Context) (storage.XID, error) {
	snap, err := tc.svc.Snapshots.StartTx(ctx)
	if err != nil {
		return 0, err
	}

	tc.txs.Store(snap.XID, newTxCtx(snap))
	if tc.OnBegin != nil {
		tc.OnBegin()
	}
	tc.logger.WithFields(log.Fields{"xid": snap.XID, "snapshot": snap}).
		Debug("transaction begun")
	return snap.XID, nil
}

// CommitTx makes the changes of the transaction durable and visible. If the changes are
// durable but the snapshot requester fails, the transaction stays open and CommitTx may be
// called again.
func (tc *ThdCtx) CommitTx(ctx context.Context, xid storage.XID) error {
	tx, ok := tc.txs.Load(xid)
	if !ok {
		return errors.Wrapf(storage.ErrNotFound, "thdctx: transaction %d", xid)
	}
	if tx.committed() {
		return tc.endTx(ctx, tx)
	}

	tws := tx.writeSet()
	rec := &storage.CommitRecord{XID: xid}
	var allocated []storage.WriteOp
	for _, tw := range tws {
		for _, w := range tw.writes {
			if w.kind == 0 {
				continue
			}
			if w.kind == storage.PutOp && !w.hasTupleID {
				id, err := tc.svc.Tuples.AllocateTuple(ctx, tw.tid)
				if err != nil {
					tc.abort(ctx, tx, tws, allocated)
					return err
				}
				w.tupleID = id
				w.hasTupleID = true
				allocated = append(allocated, storage.WriteOp{Table: tw.tid, TupleID: id})
			}

			rec.Ops = append(rec.Ops,
				storage.WriteOp{
					Kind:    w.kind,
					Table:   tw.tid,
					TupleID: w.tupleID,
					Key:     w.key,
					Value:   w.value,
				})
		}
	}

	if len(rec.Ops) > 0 {
		err := tc.svc.Log.Append(ctx, rec)
		if err != nil {
			tc.abort(ctx, tx, tws, allocated)
			return err
		}
	}

	ctx = context.WithoutCancel(ctx)
	horizon := tc.svc.Snapshots.Horizon()
	for _, tw := range tws {
		for _, w := range tw.writes {
			switch w.kind {
			case storage.PutOp:
				w.row.Install(w.tupleID,
					&storage.TupleVersion{Writer: xid, Tuple: w.value}, horizon)
			case storage.DeleteOp:
				w.row.Install(w.tupleID,
					&storage.TupleVersion{Writer: xid, Deleted: true}, horizon)
			}
		}
	}

	if len(rec.Ops) > 0 {
		err := tc.svc.Persist.Send(ctx, persist.Op{Commit: rec})
		if err != nil {
			tc.logger.WithField("xid", xid).Errorf("persist commit: %s", err)
		}
	}

	for _, tw := range tws {
		for _, w := range tw.writes {
			if w.kind == storage.DeleteOp {
				err := tc.svc.Tuples.FreeTuple(ctx, tw.tid, w.tupleID)
				if err != nil {
					tc.logger.WithFields(log.Fields{"xid": xid, "table": tw.tid}).
						Warnf("free tuple %s: %s", w.tupleID, err)
				}
			}
			if w.kind == storage.DeleteOp || (w.kind == 0 && w.created) {
				tc.svc.Store.RemoveRow(ctx, tw.tid, w.key)
			}
		}
	}

	tc.svc.Locks.ReleaseAll(xid)
	tx.setCommitted()

	tc.logger.WithFields(log.Fields{"xid": xid, "ops": len(rec.Ops)}).
		Debug("transaction committed")
	return tc.endTx(ctx, tx)
}

func (tc *ThdCtx) endTx(ctx context.Context, tx *TxCtx) error {
	err := tc.svc.Snapshots.EndTx(ctx, tx.XID())
	if err != nil {
		return errors.Wrapf(err, "thdctx: end transaction %d", tx.XID())
	}

	tc.txs.Delete(tx.XID())
	if tc.OnCommit != nil {
		tc.OnCommit()
	}
	return nil
}

// AbortTx discards the changes of the transaction and releases its locks.
func (tc *ThdCtx) AbortTx(ctx context.Context, xid storage.XID) error {
	tx, err := tc.lookupTx(xid)
	if err != nil {
		return err
	}

	tc.abort(ctx, tx, tx.writeSet(), nil)
	tc.logger.WithField("xid", xid).Debug("transaction aborted")
	return nil
}

func (tc *ThdCtx) abort(ctx context.Context, tx *TxCtx, tws []tableWrites,
	allocated []storage.WriteOp) {

	xid := tx.XID()
	for _, wo := range allocated {
		err := tc.svc.Tuples.FreeTuple(ctx, wo.Table, wo.TupleID)
		if err != nil {
			tc.logger.WithFields(log.Fields{"xid": xid, "table": wo.Table}).
				Warnf("free tuple %s: %s", wo.TupleID, err)
		}
	}

	for _, tw := range tws {
		for _, w := range tw.writes {
			if w.created {
				tc.svc.Store.RemoveRow(ctx, tw.tid, w.key)
			}
		}
	}
	tc.svc.Locks.ReleaseAll(xid)

	err := tc.svc.Snapshots.AbortTx(ctx, xid)
	if err != nil {
		tc.logger.WithField("xid", xid).Warnf("abort snapshot: %s", err)
	}
	tc.txs.Delete(xid)
	if tc.OnAbort != nil {
		tc.OnAbort()
	}
}

// lockX registers the write of key with tx, then waits for an exclusive lock on it.
func (tc *ThdCtx) lockX(ctx context.Context, tx *TxCtx, tid storage.OID, key []byte,
	opts storage.Options) error {

	tx.Write(tid, key)

	notify := make(chan storage.LockResult, 1)
	err := tc.svc.Locks.Lock(ctx, notify, tx.XID(), tid, key)
	if err != nil {
		return err
	}

	var timeout <-chan time.Time
	if opts.LockTimeout > 0 {
		t := time.NewTimer(opts.LockTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case lr, ok := <-notify:
		if !ok || lr != storage.Locked {
			return errors.Wrapf(storage.ErrLockFailed, "thdctx: table %d: transaction %d",
				tid, tx.XID())
		}
		return nil
	case <-timeout:
		tc.svc.Locks.Cancel(tx.XID(), tid, key)
		return errors.Wrapf(storage.ErrLockFailed, "thdctx: table %d: transaction %d: timed out",
			tid, tx.XID())
	case <-ctx.Done():
		tc.svc.Locks.Cancel(tx.XID(), tid, key)
		return ctx.Err()
	}
}

// buildTuple encodes the key or the value half of a row. Every column of that half must be
// supplied exactly once, and no column of the other half may be.
func buildTuple(td *storage.TableDesc, datums []storage.Datum, isKey bool) (tuple.Binary,
	error) {

	desc := td.ValueDesc()
	if isKey {
		desc = td.KeyDesc()
	}
	if len(datums) != desc.FieldCount() {
		return nil, errors.Wrapf(storage.ErrTupleShape,
			"thdctx: table %d: got %d columns want %d", td.ID(), len(datums), desc.FieldCount())
	}

	vals := make([][]byte, desc.FieldCount())
	seen := make([]bool, desc.FieldCount())
	for _, d := range datums {
		col, ok := td.Column(d.Column)
		if !ok {
			return nil, errors.Wrapf(storage.ErrTupleShape, "thdctx: table %d: no column %d",
				td.ID(), d.Column)
		}
		if col.IsPrimary() != isKey {
			return nil, errors.Wrapf(storage.ErrTupleShape,
				"thdctx: table %d: column %s: primary key mismatch", td.ID(), col.Name())
		}
		if seen[col.DatumIndex()] {
			return nil, errors.Wrapf(storage.ErrTupleShape,
				"thdctx: table %d: column %s: duplicate", td.ID(), col.Name())
		}
		seen[col.DatumIndex()] = true
		vals[col.DatumIndex()] = d.Value
	}

	tb, err := tuple.Build(desc, vals)
	if err != nil {
		return nil, errors.Wrapf(storage.ErrTupleShape, "thdctx: table %d: %s", td.ID(), err)
	}
	return tb, nil
}

// buildDelta converts updates of value columns into delta fields in field order.
func buildDelta(td *storage.TableDesc, datums []storage.Datum) ([]tuple.DeltaField, error) {
	fields := make([]tuple.DeltaField, 0, len(datums))
	for _, d := range datums {
		col, ok := td.Column(d.Column)
		if !ok {
			return nil, errors.Wrapf(storage.ErrTupleShape, "thdctx: table %d: no column %d",
				td.ID(), d.Column)
		}
		if col.IsPrimary() {
			return nil, errors.Wrapf(storage.ErrTupleShape,
				"thdctx: table %d: column %s: primary key columns may not be updated", td.ID(),
				col.Name())
		}
		fields = append(fields, tuple.DeltaField{Index: col.DatumIndex(), Value: d.Value})
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].Index < fields[j].Index })
	for i := 1; i < len(fields); i += 1 {
		if fields[i].Index == fields[i-1].Index {
			return nil, errors.Wrapf(storage.ErrTupleShape,
				"thdctx: table %d: column updated twice", td.ID())
		}
	}
	return fields, nil
}

// latest returns the current version of the row at key as this transaction would write
// it: its own staged change, or else the latest committed version. A staged row has no
// row handle.
func (tc *ThdCtx) latest(ctx context.Context, tx *TxCtx, tid storage.OID,
	key []byte) (storage.DataRow, storage.TupleID, tuple.Binary, error) {

	if kind, value, ok := tx.Staged(tid, key); ok {
		if kind == storage.DeleteOp {
			return nil, 0, nil, errors.Wrapf(storage.ErrNotFound,
				"thdctx: table %d: row deleted", tid)
		}
		return nil, 0, value, nil
	}

	row, err := tc.svc.Store.GetKey(ctx, tid, key)
	if err != nil {
		return nil, 0, nil, err
	}
	if row == nil {
		return nil, 0, nil, errors.Wrapf(storage.ErrNotFound, "thdctx: table %d: no row", tid)
	}
	id, ok := row.TupleID()
	if !ok {
		return nil, 0, nil, errors.Wrapf(storage.ErrNotFound,
			"thdctx: table %d: row has no tuple", tid)
	}
	ver, ok := row.ReadLatest()
	if !ok {
		return nil, 0, nil, errors.Wrapf(storage.ErrNotFound,
			"thdctx: table %d: row has no version", tid)
	}
	return row, id, ver.Tuple, nil
}

// Insert adds a new row; it fails with ErrAlreadyExists if there is already a row with the
// same key.
func (tc *ThdCtx) Insert(ctx context.Context, xid storage.XID, tid storage.OID, keys,
	values []storage.Datum, opts storage.Options) error {

	tx, err := tc.lookupTx(xid)
	if err != nil {
		return err
	}
	td, err := tc.svc.Meta.GetTableByID(ctx, tid)
	if err != nil {
		return err
	}
	key, err := buildTuple(td, keys, true)
	if err != nil {
		return err
	}
	value, err := buildTuple(td, values, false)
	if err != nil {
		return err
	}

	err = tc.lockX(ctx, tx, tid, key, opts)
	if err != nil {
		return err
	}

	if kind, _, ok := tx.Staged(tid, key); ok {
		if kind == storage.PutOp {
			return errors.Wrapf(storage.ErrAlreadyExists, "thdctx: table %d: row exists", tid)
		}
	} else {
		row, err := tc.svc.Store.GetKey(ctx, tid, key)
		if err != nil {
			return err
		}
		if row != nil {
			if _, ok := row.ReadLatest(); ok {
				return errors.Wrapf(storage.ErrAlreadyExists, "thdctx: table %d: row exists",
					tid)
			}
		}
	}

	row, err := tc.svc.Store.NewRow(ctx, tid, key)
	if err != nil {
		return err
	}
	tx.Insert(tid, key, value, row, row.Empty())
	return nil
}

func matchFields(td *storage.TableDesc, value tuple.Binary, pred []storage.Datum) (bool,
	error) {

	for _, d := range pred {
		col, ok := td.Column(d.Column)
		if !ok || col.IsPrimary() {
			return false, errors.Wrapf(storage.ErrTupleShape,
				"thdctx: table %d: column %d: not a value column", td.ID(), d.Column)
		}
		f, err := value.Field(td.ValueDesc(), col.DatumIndex())
		if err != nil {
			return false, err
		}
		if string(f) != string(d.Value) {
			return false, nil
		}
	}
	return true, nil
}

// Update changes the value columns named in values of the row with key predKey. If
// predNonKey is not empty, the row is only changed if each of those value columns is equal
// to the current value; otherwise zero rows are updated.
func (tc *ThdCtx) Update(ctx context.Context, xid storage.XID, tid storage.OID, predKey,
	predNonKey, values []storage.Datum, opts storage.Options) (int, error) {

	tx, err := tc.lookupTx(xid)
	if err != nil {
		return 0, err
	}
	td, err := tc.svc.Meta.GetTableByID(ctx, tid)
	if err != nil {
		return 0, err
	}
	key, err := buildTuple(td, predKey, true)
	if err != nil {
		return 0, err
	}
	updates, err := buildDelta(td, values)
	if err != nil {
		return 0, err
	}

	_, _, _, err = tc.latest(ctx, tx, tid, key)
	if err != nil {
		return 0, err
	}
	err = tc.lockX(ctx, tx, tid, key, opts)
	if err != nil {
		return 0, err
	}
	row, id, old, err := tc.latest(ctx, tx, tid, key)
	if err != nil {
		return 0, err
	}

	ok, err := matchFields(td, old, predNonKey)
	if err != nil {
		return 0, err
	} else if !ok {
		return 0, nil
	}

	delta, err := tuple.Diff(td.ValueDesc(), old, updates)
	if err != nil {
		return 0, errors.Wrapf(storage.ErrTupleShape, "thdctx: table %d: %s", tid, err)
	}
	err = tx.Update(td.ValueDesc(), tid, id, key, old, delta, row)
	if err != nil {
		return 0, errors.Wrapf(storage.ErrTupleShape, "thdctx: table %d: %s", tid, err)
	}
	return 1, nil
}

// Delete removes the row with key predKey; it fails with ErrNotFound if there is no such
// row.
func (tc *ThdCtx) Delete(ctx context.Context, xid storage.XID, tid storage.OID,
	predKey []storage.Datum, opts storage.Options) (int, error) {

	tx, err := tc.lookupTx(xid)
	if err != nil {
		return 0, err
	}
	td, err := tc.svc.Meta.GetTableByID(ctx, tid)
	if err != nil {
		return 0, err
	}
	key, err := buildTuple(td, predKey, true)
	if err != nil {
		return 0, err
	}

	_, _, _, err = tc.latest(ctx, tx, tid, key)
	if err != nil {
		return 0, err
	}
	err = tc.lockX(ctx, tx, tid, key, opts)
	if err != nil {
		return 0, err
	}
	row, id, _, err := tc.latest(ctx, tx, tid, key)
	if err != nil {
		return 0, err
	}

	tx.Delete(tid, id, key, row)
	return 1, nil
}

func (tc *ThdCtx) DeleteRange(ctx context.Context, xid storage.XID, tid storage.OID, minKey,
	maxKey []storage.Datum, opts storage.Options) (int, error) {

	return 0, errors.Wrapf(storage.ErrNotImplemented, "thdctx: delete range: table %d", tid)
}

// project returns the encoded fields of the columns in sel, in order; unknown columns are
// skipped.
func project(td *storage.TableDesc, key, value tuple.Binary, sel []storage.OID) ([][]byte,
	error) {

	fields := make([][]byte, 0, len(sel))
	for _, oid := range sel {
		col, ok := td.Column(oid)
		if !ok {
			continue
		}

		var f []byte
		var err error
		if col.IsPrimary() {
			f, err = key.Field(td.KeyDesc(), col.DatumIndex())
		} else {
			f, err = value.Field(td.ValueDesc(), col.DatumIndex())
		}
		if err != nil {
			return nil, errors.Wrapf(storage.ErrFormat, "thdctx: table %d: column %s: %s",
				td.ID(), col.Name(), err)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// ReadKey returns the fields in sel of the row with key predKey, or nil if there is no row
// visible to the transaction.
func (tc *ThdCtx) ReadKey(ctx context.Context, xid storage.XID, tid storage.OID,
	predKey []storage.Datum, sel []storage.OID, opts storage.ReadOptions) ([][]byte, error) {

	tx, err := tc.lookupTx(xid)
	if err != nil {
		return nil, err
	}
	td, err := tc.svc.Meta.GetTableByID(ctx, tid)
	if err != nil {
		return nil, err
	}
	key, err := buildTuple(td, predKey, true)
	if err != nil {
		return nil, err
	}

	if !opts.IgnoreOwnWrites {
		if kind, value, ok := tx.Staged(tid, key); ok {
			if kind == storage.DeleteOp {
				return nil, nil
			}
			return project(td, key, value, sel)
		}
	}

	row, err := tc.svc.Store.GetKey(ctx, tid, key)
	if err != nil || row == nil {
		return nil, err
	}
	ver, ok := row.ReadVisible(tx.Snapshot())
	if !ok {
		return nil, nil
	}
	return project(td, key, ver.Tuple, sel)
}

type rangeRow struct {
	key   []byte
	value tuple.Binary
}

func (rr rangeRow) Less(item btree.Item) bool {
	return string(rr.key) < string(item.(rangeRow).key)
}

// ReadRange calls fn with the fields in sel of each row visible to the transaction with
// minKey <= key <= maxKey, in key order, until fn returns false. A nil minKey or maxKey
// leaves that end of the range open.
func (tc *ThdCtx) ReadRange(ctx context.Context, xid storage.XID, tid storage.OID, minKey,
	maxKey []storage.Datum, sel []storage.OID, opts storage.ReadOptions,
	fn func(fields [][]byte) bool) error {

	tx, err := tc.lookupTx(xid)
	if err != nil {
		return err
	}
	td, err := tc.svc.Meta.GetTableByID(ctx, tid)
	if err != nil {
		return err
	}

	var minK, maxK []byte
	if minKey != nil {
		minK, err = buildTuple(td, minKey, true)
		if err != nil {
			return err
		}
	}
	if maxKey != nil {
		maxK, err = buildTuple(td, maxKey, true)
		if err != nil {
			return err
		}
	}

	rows := btree.New(16)
	snap := tx.Snapshot()
	err = tc.svc.Store.Scan(ctx, tid, minK, maxK,
		func(key []byte, row storage.DataRow) bool {
			if ver, ok := row.ReadVisible(snap); ok {
				rows.ReplaceOrInsert(rangeRow{key: key, value: ver.Tuple})
			}
			return true
		})
	if err != nil {
		return err
	}

	if !opts.IgnoreOwnWrites {
		tx.scanStaged(tid, minK, maxK,
			func(key []byte, kind storage.WriteKind, value tuple.Binary) {
				if kind == storage.DeleteOp {
					rows.Delete(rangeRow{key: key})
				} else {
					rows.ReplaceOrInsert(rangeRow{key: key, value: value})
				}
			})
	}

	rows.Ascend(
		func(item btree.Item) bool {
			rr := item.(rangeRow)
			var fields [][]byte
			fields, err = project(td, rr.key, rr.value, sel)
			if err != nil {
				return false
			}
			return fn(fields)
		})
	return err
}
