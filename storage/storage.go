package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/leftmike/kvcore/storage/tuple"
)

// XID identifies a transaction; XIDs are assigned in increasing order by the
// SnapshotRequester when a transaction begins.
type XID uint64

// OID identifies a table or a column.
type OID uint64

// TupleID is the physical location of a row: the page number in the high 48 bits and the
// slot within the page in the low 16 bits.
type TupleID uint64

const (
	SlotBits = 16
	MaxSlots = 1 << SlotBits
)

func MakeTupleID(page uint64, slot int) TupleID {
	if slot < 0 || slot >= MaxSlots {
		panic(fmt.Sprintf("storage: slot out of range: %d", slot))
	}
	return TupleID(page<<SlotBits | uint64(slot))
}

func (id TupleID) Page() uint64 {
	return uint64(id) >> SlotBits
}

func (id TupleID) Slot() int {
	return int(uint64(id) & (MaxSlots - 1))
}

func (id TupleID) String() string {
	return fmt.Sprintf("%d:%d", id.Page(), id.Slot())
}

// Datum is one encoded column value, tagged with the column it belongs to.
type Datum struct {
	Column OID
	Value  []byte
}

type Options struct {
	// LockTimeout bounds how long a write waits for a row lock; zero means wait until the
	// context is done or the lock manager gives up.
	LockTimeout time.Duration
}

type ReadOptions struct {
	// IgnoreOwnWrites reads only from the snapshot, ignoring rows changed by the transaction.
	IgnoreOwnWrites bool
}

type MetaMgr interface {
	CreateTable(ctx context.Context, schema *TableSchema) error
	GetTableByID(ctx context.Context, id OID) (*TableDesc, error)
}

type LockResult int

const (
	Locked LockResult = iota + 1
	LockFailed
)

func (lr LockResult) String() string {
	switch lr {
	case Locked:
		return "Locked"
	case LockFailed:
		return "LockFailed"
	}
	return fmt.Sprintf("LockResult(%d)", int(lr))
}

// XLockMgr grants exclusive row locks. Lock queues the request and returns; exactly one
// result is later sent on notify, or notify is closed if the lock manager shuts down.
type XLockMgr interface {
	CreateTable(ctx context.Context, tid OID, keyDesc *tuple.Desc) error
	Lock(ctx context.Context, notify chan<- LockResult, xid XID, tid OID, key []byte) error
	// Cancel withdraws a queued request; a lock which was already granted stays held.
	Cancel(xid XID, tid OID, key []byte)
	ReleaseAll(xid XID)
}

type TupleVersion struct {
	Writer  XID
	Tuple   tuple.Binary
	Deleted bool
}

// DataRow is the handle to one logical row and its chain of committed versions.
type DataRow interface {
	TupleID() (TupleID, bool)
	// ReadLatest returns the most recently installed version, unless it is a deletion.
	ReadLatest() (*TupleVersion, bool)
	// ReadVisible returns the newest version visible to snap, unless it is a deletion.
	ReadVisible(snap *Snapshot) (*TupleVersion, bool)
	// Install adds a committed version; versions older than horizon which are no longer
	// visible to any snapshot are discarded.
	Install(id TupleID, ver *TupleVersion, horizon XID)
	Empty() bool
}

type MemStore interface {
	CreateTable(ctx context.Context, tid OID, keyDesc *tuple.Desc) error
	GetKey(ctx context.Context, tid OID, key []byte) (DataRow, error)
	// NewRow returns the row at key, creating an empty row if there is none.
	NewRow(ctx context.Context, tid OID, key []byte) (DataRow, error)
	// RemoveRow removes the row at key if it has no versions.
	RemoveRow(ctx context.Context, tid OID, key []byte) error
	// Scan calls fn for every row with minKey <= key <= maxKey, in key order, until fn
	// returns false; a nil maxKey means no upper bound.
	Scan(ctx context.Context, tid OID, minKey, maxKey []byte,
		fn func(key []byte, row DataRow) bool) error
}

type SnapshotRequester interface {
	StartTx(ctx context.Context) (*Snapshot, error)
	EndTx(ctx context.Context, xid XID) error
	AbortTx(ctx context.Context, xid XID) error
	Status(xid XID) TxStatus
	// Horizon returns the oldest XID which might still be running.
	Horizon() XID
}

type TupleAllocator interface {
	AllocateTuple(ctx context.Context, tid OID) (TupleID, error)
	FreeTuple(ctx context.Context, tid OID, id TupleID) error
}

type WriteKind int

const (
	PutOp WriteKind = iota + 1
	DeleteOp
)

type WriteOp struct {
	Kind    WriteKind
	Table   OID
	TupleID TupleID
	Key     []byte
	Value   []byte
}

// CommitRecord is everything a committed transaction changed.
type CommitRecord struct {
	XID XID
	Ops []WriteOp
}

type Log interface {
	Append(ctx context.Context, rec *CommitRecord) error
}
