/*
Package snapshot assigns transaction ids, hands out snapshots, and records the outcome of
every transaction in a commit log.

The commit log keeps two bits per transaction in pages of quadmap cells: State0 is
in-progress, State1 is committed, and State2 is aborted. Transaction ids below the base the
requester was started with belong to earlier runs; all of them are reported as committed,
because recovery only replays committed work.
*/
package snapshot

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/quadmap"
)

const (
	clogPageSize    = 8192
	clogXIDsPerPage = clogPageSize * 4

	clogInProgress = quadmap.State0
	clogCommitted  = quadmap.State1
	clogAborted    = quadmap.State2
)

type Requester struct {
	logger *log.Entry

	mutex   sync.Mutex
	closed  bool
	base    storage.XID
	nextXID storage.XID

	// active maps each running transaction to the xmin of its snapshot.
	active map[storage.XID]storage.XID
	clog   map[uint64]*quadmap.QuadBitmap
}

// New returns a requester whose first transaction id is base; base must be at least one.
func New(logger *log.Logger, base storage.XID) *Requester {
	if base == 0 {
		base = 1
	}
	return &Requester{
		logger:  logger.WithField("component", "snapshot"),
		base:    base,
		nextXID: base,
		active:  map[storage.XID]storage.XID{},
		clog:    map[uint64]*quadmap.QuadBitmap{},
	}
}

func (r *Requester) setStatus(xid storage.XID, st quadmap.State) {
	pg := uint64(xid) / clogXIDsPerPage
	bm, ok := r.clog[pg]
	if !ok {
		bm = quadmap.New(clogXIDsPerPage)
		r.clog[pg] = bm
	}
	bm.Set(int(uint64(xid)%clogXIDsPerPage), st)
}

func (r *Requester) oldestActive() storage.XID {
	oldest := r.nextXID
	for xid := range r.active {
		if xid < oldest {
			oldest = xid
		}
	}
	return oldest
}

func (r *Requester) horizon() storage.XID {
	horizon := r.nextXID
	for _, xmin := range r.active {
		if xmin < horizon {
			horizon = xmin
		}
	}
	return horizon
}

func (r *Requester) StartTx(ctx context.Context) (*storage.Snapshot, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return nil, errors.Wrap(storage.ErrShutdown, "snapshot: start transaction")
	}

	xmin := r.oldestActive()
	xid := r.nextXID
	r.nextXID += 1

	active := make([]storage.XID, 0, len(r.active))
	for a := range r.active {
		active = append(active, a)
	}
	r.active[xid] = xmin
	r.setStatus(xid, clogInProgress)

	r.logger.WithField("xid", xid).Debug("start transaction")
	return storage.NewSnapshot(xid, xmin, xid+1, active), nil
}

func (r *Requester) endTx(xid storage.XID, st quadmap.State) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.active[xid]; !ok {
		return errors.Wrapf(storage.ErrNotFound, "snapshot: transaction %d not active", xid)
	}
	r.setStatus(xid, st)
	delete(r.active, xid)
	return nil
}

// EndTx makes the effects of xid visible to every later snapshot.
func (r *Requester) EndTx(ctx context.Context, xid storage.XID) error {
	err := r.endTx(xid, clogCommitted)
	if err == nil {
		r.logger.WithField("xid", xid).Debug("commit transaction")
	}
	return err
}

func (r *Requester) AbortTx(ctx context.Context, xid storage.XID) error {
	err := r.endTx(xid, clogAborted)
	if err == nil {
		r.logger.WithField("xid", xid).Debug("abort transaction")
	}
	return err
}

func (r *Requester) Status(xid storage.XID) storage.TxStatus {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if xid < r.base {
		return storage.TxCommitted
	} else if xid >= r.nextXID {
		return storage.TxInProgress
	}

	bm, ok := r.clog[uint64(xid)/clogXIDsPerPage]
	if !ok {
		return storage.TxInProgress
	}
	st, _ := bm.Get(int(uint64(xid) % clogXIDsPerPage))
	switch st {
	case clogCommitted:
		return storage.TxCommitted
	case clogAborted:
		return storage.TxAborted
	}
	return storage.TxInProgress
}

// Horizon returns the smallest xmin of any running snapshot: every transaction below it
// has ended and is visible to every running snapshot, if it committed.
func (r *Requester) Horizon() storage.XID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.horizon()
}

// NextXID returns the id the next transaction will get.
func (r *Requester) NextXID() storage.XID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.nextXID
}

func (r *Requester) ActiveCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.active)
}

// Close fails every later StartTx; transactions which are already running may still end.
func (r *Requester) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.closed = true
}
