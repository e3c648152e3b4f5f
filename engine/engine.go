/*
Package engine assembles the storage subsystems into a running engine and recovers its
state when it opens.

Recovery loads every table schema, then every persisted row image, into the memory store.
The log is replayed on top of those rows and the replayed commits are persisted, so the
log can be reset. Each surviving row reserves its tuple id in the table space, and pages
without rows are swept. Transaction ids start above the largest id that was recovered.
*/
package engine

import (
	"context"
	"math"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/kvcore/config"
	"github.com/leftmike/kvcore/metrics"
	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/kv"
	"github.com/leftmike/kvcore/storage/lock"
	"github.com/leftmike/kvcore/storage/memstore"
	"github.com/leftmike/kvcore/storage/meta"
	"github.com/leftmike/kvcore/storage/persist"
	"github.com/leftmike/kvcore/storage/snapshot"
	"github.com/leftmike/kvcore/storage/space"
	"github.com/leftmike/kvcore/storage/wal"
	"github.com/leftmike/kvcore/thdctx"
)

const (
	tableSpaceID = 1

	// Recovery runs before any snapshot exists, so only the newest version of a row is kept.
	recoveryHorizon = storage.XID(math.MaxUint64)
)

type Engine struct {
	logger  *log.Logger
	entry   *log.Entry
	kv      kv.KV
	meta    *meta.Manager
	locks   *lock.Manager
	store   *memstore.Store
	snaps   *snapshot.Requester
	space   *space.Space
	wal     *wal.WAL
	persist *persist.Worker
	gate    *commitGate
	metrics *metrics.Metrics

	mutex   sync.Mutex
	closed  bool
	nextThd int
}

type recovery struct {
	maxXID storage.XID
	rows   int
	ops    int
	recs   int
}

func (rc *recovery) xid(xid storage.XID) {
	if xid > rc.maxXID {
		rc.maxXID = xid
	}
}

// Open opens the store described by cfg and recovers it.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Engine, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	comp, err := wal.ParseCompression(cfg.WALCompression)
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(cfg.DataDir, 0755)
	if err != nil {
		return nil, errors.Wrap(err, "engine")
	}

	e := &Engine{
		logger:  logger,
		entry:   logger.WithField("component", "engine"),
		metrics: metrics.New(),
	}
	e.kv, err = kv.Open(cfg.Store, cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	err = e.open(ctx, cfg, comp)
	if err != nil {
		e.shutdown()
		return nil, err
	}
	return e, nil
}

func (e *Engine) open(ctx context.Context, cfg *config.Config, comp wal.Compression) error {
	var err error
	e.meta, err = meta.Open(e.logger, e.kv, cfg.MetaCacheSize)
	if err != nil {
		return err
	}
	e.persist = persist.Start(e.logger, e.kv, cfg.PersistQueue)
	e.persist.OnError = e.metrics.PersistErrors.Inc

	e.space, err = space.Open(e.logger, tableSpaceID, e.kv, e.persist, cfg.ExtentPages,
		cfg.SlotsPerPage)
	if err != nil {
		return err
	}
	e.store = memstore.New()
	e.locks = lock.NewManager(e.logger, cfg.LockWaitTimeout)
	e.locks.OnLockFailed = e.metrics.LockFailures.Inc

	schemas, err := e.meta.ListTables(ctx)
	if err != nil {
		return err
	}
	var tids []storage.OID
	for _, ts := range schemas {
		td, err := e.meta.GetTableByID(ctx, ts.ID)
		if err != nil {
			return err
		}
		err = e.store.CreateTable(ctx, td.ID(), td.KeyDesc())
		if err != nil {
			return err
		}
		err = e.locks.CreateTable(ctx, td.ID(), td.KeyDesc())
		if err != nil {
			return err
		}
		tids = append(tids, td.ID())
	}

	var rc recovery
	err = persist.LoadRows(e.kv,
		func(tid storage.OID, key []byte, id storage.TupleID, xid storage.XID,
			value []byte) error {

			row, err := e.store.NewRow(ctx, tid, key)
			if err != nil {
				return errors.Wrapf(err, "engine: recover row of table %d", tid)
			}
			row.Install(id, &storage.TupleVersion{Writer: xid, Tuple: value}, recoveryHorizon)
			rc.rows += 1
			rc.xid(xid)
			return nil
		})
	if err != nil {
		return err
	}

	e.wal, err = wal.Open(e.logger, cfg.WALPath(), cfg.WALSync, comp)
	if err != nil {
		return err
	}
	err = e.wal.Replay(
		func(rec *storage.CommitRecord) error {
			err := e.replay(ctx, rec)
			if err != nil {
				return err
			}
			rc.recs += 1
			rc.ops += len(rec.Ops)
			rc.xid(rec.XID)
			return nil
		})
	if err != nil {
		return err
	}
	err = e.persist.Flush(ctx)
	if err != nil {
		return err
	}

	for _, tid := range tids {
		err = e.reserve(ctx, tid)
		if err != nil {
			return err
		}
	}
	err = e.space.Sweep(ctx)
	if err != nil {
		return err
	}
	err = e.persist.Flush(ctx)
	if err != nil {
		return err
	}
	err = e.wal.Reset()
	if err != nil {
		return err
	}

	e.snaps = snapshot.New(e.logger, rc.maxXID+1)
	e.gate = &commitGate{wal: e.wal, persist: e.persist}
	e.space.OnAllocatePage = e.metrics.PagesAlloc.Inc
	e.space.OnFreePage = e.metrics.PagesFreed.Inc
	e.wal.OnAppend = func(n int) { e.metrics.WALBytes.Add(float64(n)) }

	e.entry.WithFields(log.Fields{
		"store":   cfg.Store,
		"tables":  len(tids),
		"rows":    rc.rows,
		"records": rc.recs,
		"ops":     rc.ops,
		"xid":     rc.maxXID + 1,
	}).Info("engine recovered")
	return nil
}

// replay installs the changes of one logged commit and queues them to be persisted.
func (e *Engine) replay(ctx context.Context, rec *storage.CommitRecord) error {
	for _, op := range rec.Ops {
		row, err := e.store.NewRow(ctx, op.Table, op.Key)
		if err != nil {
			return errors.Wrapf(err, "engine: replay transaction %d", rec.XID)
		}

		ver := &storage.TupleVersion{Writer: rec.XID}
		switch op.Kind {
		case storage.PutOp:
			ver.Tuple = op.Value
		case storage.DeleteOp:
			ver.Deleted = true
		default:
			return errors.Wrapf(storage.ErrFormat, "engine: replay transaction %d: op %d",
				rec.XID, op.Kind)
		}
		row.Install(op.TupleID, ver, recoveryHorizon)
		if row.Empty() {
			err = e.store.RemoveRow(ctx, op.Table, op.Key)
			if err != nil {
				return err
			}
		}
	}

	return e.persist.Send(ctx, persist.Op{Commit: rec})
}

func (e *Engine) reserve(ctx context.Context, tid storage.OID) error {
	var err error
	scanErr := e.store.Scan(ctx, tid, nil, nil,
		func(key []byte, row storage.DataRow) bool {
			id, ok := row.TupleID()
			if !ok {
				return true
			}
			err = e.space.Reserve(id)
			return err == nil
		})
	if scanErr != nil {
		return scanErr
	}
	return err
}

// NewThdCtx returns a thread context sharing the subsystems of the engine.
func (e *Engine) NewThdCtx() *thdctx.ThdCtx {
	e.mutex.Lock()
	e.nextThd += 1
	id := e.nextThd
	e.mutex.Unlock()

	tc := thdctx.New(e.logger, id,
		thdctx.Services{
			Meta:      e.meta,
			Locks:     e.locks,
			Log:       e.gate,
			Store:     e.store,
			Snapshots: e.snaps,
			Tuples:    e.space,
			Persist:   e.gate,
		})
	tc.OnBegin = e.metrics.Begin
	tc.OnCommit = e.metrics.Commit
	tc.OnAbort = e.metrics.Abort
	return tc
}

func (e *Engine) Meta() *meta.Manager {
	return e.meta
}

func (e *Engine) Space() *space.Space {
	return e.space
}

func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// RowCount returns the number of rows of tid in the memory store.
func (e *Engine) RowCount(tid storage.OID) int {
	return e.store.Len(tid)
}

// Close stops new transactions, waits for every committed change to reach the KV, and
// then resets the log. The log is kept if any change could not be persisted, so the next
// open replays it.
func (e *Engine) Close(ctx context.Context) error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return nil
	}
	e.closed = true
	e.mutex.Unlock()

	e.snaps.Close()
	e.gate.close()
	err := e.persist.Flush(ctx)
	if err == nil {
		err = e.wal.Reset()
	}
	if err != nil {
		e.entry.Errorf("close: %s", err)
	}
	e.shutdown()
	e.entry.Info("engine closed")
	return err
}

func (e *Engine) shutdown() {
	if e.locks != nil {
		e.locks.Close()
	}
	if e.persist != nil {
		e.persist.Stop()
	}
	if e.wal != nil {
		e.wal.Close()
	}
	e.kv.Close()
}
