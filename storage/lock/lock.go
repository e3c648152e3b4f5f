/*
Package lock implements exclusive row locks, keyed by table and encoded primary key.

Waiters for a row are kept in a FIFO queue. Requests never block: Lock either grants the
lock immediately or queues the request, and the result is sent later on the caller's notify
channel. A transaction holds its locks until ReleaseAll.
*/
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/tuple"
)

type Manager struct {
	logger      *log.Entry
	waitTimeout time.Duration

	mutex  sync.RWMutex
	closed bool
	tables map[storage.OID]*table

	held *xsync.MapOf[storage.XID, *xsync.MapOf[rowKey, struct{}]]

	// OnLockFailed, if set, is called each time a request fails.
	OnLockFailed func()
}

type rowKey struct {
	tid storage.OID
	key string
}

type table struct {
	tid     storage.OID
	keyDesc *tuple.Desc

	mutex sync.Mutex
	locks map[string]*lock
}

type lock struct {
	owner storage.XID

	firstWaiter *waiter
	lastWaiter  *waiter
}

type waiter struct {
	xid        storage.XID
	notify     chan<- storage.LockResult
	nextWaiter *waiter
	timer      *time.Timer
}

// NewManager returns a lock manager; if waitTimeout is not zero, a request which has waited
// that long fails with LockFailed.
func NewManager(logger *log.Logger, waitTimeout time.Duration) *Manager {
	return &Manager{
		logger:      logger.WithField("component", "lock"),
		waitTimeout: waitTimeout,
		tables:      map[storage.OID]*table{},
		held:        xsync.NewMapOf[storage.XID, *xsync.MapOf[rowKey, struct{}]](),
	}
}

func (m *Manager) CreateTable(ctx context.Context, tid storage.OID, keyDesc *tuple.Desc) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return errors.Wrap(storage.ErrShutdown, "lock: create table")
	}
	if _, ok := m.tables[tid]; ok {
		return errors.Wrapf(storage.ErrAlreadyExists, "lock: table %d", tid)
	}
	m.tables[tid] = &table{
		tid:     tid,
		keyDesc: keyDesc,
		locks:   map[string]*lock{},
	}
	return nil
}

func (m *Manager) lookupTable(tid storage.OID) (*table, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.closed {
		return nil, errors.Wrap(storage.ErrShutdown, "lock")
	}
	tbl, ok := m.tables[tid]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "lock: table %d", tid)
	}
	return tbl, nil
}

func (m *Manager) addHeld(xid storage.XID, tid storage.OID, key string) {
	keys, _ := m.held.LoadOrStore(xid, xsync.NewMapOf[rowKey, struct{}]())
	keys.Store(rowKey{tid: tid, key: key}, struct{}{})
}

// Lock requests an exclusive lock on key for xid. notify must have room for one result:
// Lock and the lock manager never block sending on it. If the request is queued, exactly
// one result is sent later, unless the request is cancelled or the manager is closed, in
// which case notify is closed.
func (m *Manager) Lock(ctx context.Context, notify chan<- storage.LockResult, xid storage.XID,
	tid storage.OID, key []byte) error {

	tbl, err := m.lookupTable(tid)
	if err != nil {
		return err
	}
	if _, err := tuple.Binary(key).Fields(tbl.keyDesc); err != nil {
		return errors.Wrapf(storage.ErrTupleShape, "lock: table %d: %s", tid, err)
	}

	skey := string(key)

	tbl.mutex.Lock()
	defer tbl.mutex.Unlock()

	lk, ok := tbl.locks[skey]
	if !ok {
		lk = &lock{}
		tbl.locks[skey] = lk
	}

	if lk.owner == xid {
		notify <- storage.Locked
		return nil
	} else if lk.owner == 0 && lk.firstWaiter == nil {
		lk.owner = xid
		m.addHeld(xid, tid, skey)
		notify <- storage.Locked
		return nil
	}

	w := &waiter{
		xid:    xid,
		notify: notify,
	}
	if lk.lastWaiter != nil {
		lk.lastWaiter.nextWaiter = w
	} else {
		lk.firstWaiter = w
	}
	lk.lastWaiter = w

	if m.waitTimeout > 0 {
		w.timer = time.AfterFunc(m.waitTimeout,
			func() {
				if m.removeWaiter(tbl, skey, w) {
					m.logger.WithFields(log.Fields{"xid": xid, "table": tid}).
						Warn("lock wait timed out")
					m.lockFailed()
					w.notify <- storage.LockFailed
				}
			})
	}

	m.logger.WithFields(log.Fields{"xid": xid, "table": tid, "owner": lk.owner}).
		Debug("waiting for lock")
	return nil
}

func (m *Manager) lockFailed() {
	if m.OnLockFailed != nil {
		m.OnLockFailed()
	}
}

// removeWaiter unlinks w from the queue for skey, and returns false if it was no longer
// queued.
func (m *Manager) removeWaiter(tbl *table, skey string, w *waiter) bool {
	tbl.mutex.Lock()
	defer tbl.mutex.Unlock()

	lk, ok := tbl.locks[skey]
	if !ok {
		return false
	}

	var prev *waiter
	for cur := lk.firstWaiter; cur != nil; cur = cur.nextWaiter {
		if cur == w {
			if prev == nil {
				lk.firstWaiter = cur.nextWaiter
			} else {
				prev.nextWaiter = cur.nextWaiter
			}
			if lk.lastWaiter == cur {
				lk.lastWaiter = prev
			}
			if cur.timer != nil {
				cur.timer.Stop()
			}
			if lk.owner == 0 {
				m.grant(tbl, skey, lk)
			}
			return true
		}
		prev = cur
	}
	return false
}

// grant hands lk to the first waiter, or removes lk if no one is waiting; the table mutex
// must be held.
func (m *Manager) grant(tbl *table, skey string, lk *lock) {
	w := lk.firstWaiter
	if w == nil {
		delete(tbl.locks, skey)
		return
	}

	lk.firstWaiter = w.nextWaiter
	if lk.firstWaiter == nil {
		lk.lastWaiter = nil
	}
	if w.timer != nil {
		w.timer.Stop()
	}

	lk.owner = w.xid
	m.addHeld(w.xid, tbl.tid, skey)
	w.notify <- storage.Locked
}

// Cancel withdraws a queued request by xid for key. A lock which has already been granted
// is not affected; it is released by ReleaseAll.
func (m *Manager) Cancel(xid storage.XID, tid storage.OID, key []byte) {
	tbl, err := m.lookupTable(tid)
	if err != nil {
		return
	}

	skey := string(key)
	var w *waiter
	tbl.mutex.Lock()
	if lk, ok := tbl.locks[skey]; ok {
		for cur := lk.firstWaiter; cur != nil; cur = cur.nextWaiter {
			if cur.xid == xid {
				w = cur
				break
			}
		}
	}
	tbl.mutex.Unlock()

	if w != nil && m.removeWaiter(tbl, skey, w) {
		close(w.notify)
	}
}

// ReleaseAll releases every lock held by xid, granting each to its next waiter.
func (m *Manager) ReleaseAll(xid storage.XID) {
	keys, ok := m.held.LoadAndDelete(xid)
	if !ok {
		return
	}

	keys.Range(
		func(rk rowKey, _ struct{}) bool {
			m.mutex.RLock()
			tbl, ok := m.tables[rk.tid]
			m.mutex.RUnlock()
			if !ok {
				return true
			}

			tbl.mutex.Lock()
			lk, ok := tbl.locks[rk.key]
			if ok && lk.owner == xid {
				lk.owner = 0
				m.grant(tbl, rk.key, lk)
			}
			tbl.mutex.Unlock()
			return true
		})
}

// HeldCount returns the number of locks held by xid.
func (m *Manager) HeldCount(xid storage.XID) int {
	keys, ok := m.held.Load(xid)
	if !ok {
		return 0
	}
	return keys.Size()
}

// Close fails every queued request by closing its notify channel; later requests fail
// with ErrShutdown.
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for _, tbl := range m.tables {
		tbl.mutex.Lock()
		for _, lk := range tbl.locks {
			for w := lk.firstWaiter; w != nil; w = w.nextWaiter {
				if w.timer != nil {
					w.timer.Stop()
				}
				close(w.notify)
			}
			lk.firstWaiter = nil
			lk.lastWaiter = nil
		}
		tbl.mutex.Unlock()
	}
}
