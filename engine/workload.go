package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/datum"
	"github.com/leftmike/kvcore/thdctx"
)

const (
	WorkloadTable = "workload"

	workloadIDCol    storage.OID = 1
	workloadOwnerCol storage.OID = 2
	workloadCountCol storage.OID = 3

	workloadBatch = 16
	hotRowID      = -1
)

type WorkloadStats struct {
	Inserted int
	Updated  int
	Deleted  int
	HotBumps int
	Retries  int
}

func (ws *WorkloadStats) add(other WorkloadStats) {
	ws.Inserted += other.Inserted
	ws.Updated += other.Updated
	ws.Deleted += other.Deleted
	ws.HotBumps += other.HotBumps
	ws.Retries += other.Retries
}

func workloadKey(id int64) []storage.Datum {
	return []storage.Datum{{Column: workloadIDCol, Value: datum.Int64(id)}}
}

func workloadRow(owner int, cnt int64) []storage.Datum {
	return []storage.Datum{
		{Column: workloadOwnerCol, Value: datum.String(ownerName(owner))},
		{Column: workloadCountCol, Value: datum.Int64(cnt)},
	}
}

func ownerName(owner int) string {
	if owner < 0 {
		return "hot"
	}
	return fmt.Sprintf("worker-%d", owner)
}

// workloadTable returns the id of the workload table, creating it and its hot row if
// necessary.
func (e *Engine) workloadTable(ctx context.Context, tc *thdctx.ThdCtx) (storage.OID, error) {
	td, err := e.meta.LookupTable(ctx, WorkloadTable)
	if err == nil {
		return td.ID(), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}

	xid, err := tc.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	ts := &storage.TableSchema{
		Name: WorkloadTable,
		Columns: []storage.ColumnSchema{
			{OID: workloadIDCol, Name: "id", Type: datum.Int64Type, Primary: true},
			{OID: workloadOwnerCol, Name: "owner", Type: datum.StringType},
			{OID: workloadCountCol, Name: "count", Type: datum.Int64Type},
		},
	}
	err = tc.CreateTable(ctx, xid, ts)
	if err == nil {
		err = tc.Insert(ctx, xid, ts.ID, workloadKey(hotRowID), workloadRow(-1, 0),
			storage.Options{})
	}
	if err != nil {
		tc.AbortTx(ctx, xid)
		return 0, err
	}
	return ts.ID, tc.CommitTx(ctx, xid)
}

// RunWorkload runs workers thread contexts concurrently against the workload table. Each
// inserts rows rows of its own, updates them, and deletes every fourth one; every
// transaction also bumps a single shared row, so the workers contend for its lock. The first
// worker to fail cancels the rest.
func (e *Engine) RunWorkload(ctx context.Context, workers, rows int) (WorkloadStats, error) {
	tid, err := e.workloadTable(ctx, e.NewThdCtx())
	if err != nil {
		return WorkloadStats{}, err
	}

	var mutex sync.Mutex
	var total WorkloadStats
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w += 1 {
		w := w
		g.Go(func() error {
			ws, err := e.runWorker(gctx, e.NewThdCtx(), tid, w, rows)
			mutex.Lock()
			total.add(ws)
			mutex.Unlock()
			return err
		})
	}
	err = g.Wait()
	e.entry.WithFields(log.Fields{
		"workers":  workers,
		"inserted": total.Inserted,
		"updated":  total.Updated,
		"deleted":  total.Deleted,
		"retries":  total.Retries,
	}).Info("workload done")
	return total, err
}

func (e *Engine) runWorker(ctx context.Context, tc *thdctx.ThdCtx, tid storage.OID, w,
	rows int) (WorkloadStats, error) {

	var ws WorkloadStats
	base := int64(w * rows)
	for start := 0; start < rows; start += workloadBatch {
		end := start + workloadBatch
		if end > rows {
			end = rows
		}

		err := e.retry(ctx, tc, &ws,
			func(xid storage.XID) error {
				for idx := start; idx < end; idx += 1 {
					err := tc.Insert(ctx, xid, tid, workloadKey(base+int64(idx)),
						workloadRow(w, 0), storage.Options{})
					if err != nil {
						return err
					}
				}
				return nil
			})
		if err != nil {
			return ws, err
		}
		ws.Inserted += end - start
	}

	for idx := 0; idx < rows; idx += 1 {
		id := base + int64(idx)
		var updated, deleted int
		err := e.retry(ctx, tc, &ws,
			func(xid storage.XID) error {
				var err error
				if idx%4 == 3 {
					deleted, err = tc.Delete(ctx, xid, tid, workloadKey(id), storage.Options{})
					return err
				}
				updated, err = tc.Update(ctx, xid, tid, workloadKey(id), nil,
					[]storage.Datum{{Column: workloadCountCol, Value: datum.Int64(1)}},
					storage.Options{})
				return err
			})
		if err != nil {
			return ws, err
		}
		ws.Updated += updated
		ws.Deleted += deleted
	}
	return ws, nil
}

// retry runs fn in a transaction which also bumps the hot row, starting over when a lock
// can not be acquired.
func (e *Engine) retry(ctx context.Context, tc *thdctx.ThdCtx, ws *WorkloadStats,
	fn func(xid storage.XID) error) error {

	for {
		xid, err := tc.BeginTx(ctx)
		if err != nil {
			return err
		}
		err = fn(xid)
		if err == nil {
			err = e.bumpHot(ctx, tc, xid)
		}
		if err == nil {
			err = tc.CommitTx(ctx, xid)
			if err == nil {
				ws.HotBumps += 1
				return nil
			}
		} else {
			tc.AbortTx(ctx, xid)
		}
		if !errors.Is(err, storage.ErrLockFailed) {
			return err
		}
		ws.Retries += 1
	}
}

// bumpHot increments the count of the hot row. The first update takes the row lock, so the
// count read afterwards is the latest one.
func (e *Engine) bumpHot(ctx context.Context, tc *thdctx.ThdCtx, xid storage.XID) error {
	td, err := e.meta.LookupTable(ctx, WorkloadTable)
	if err != nil {
		return err
	}
	_, err = tc.Update(ctx, xid, td.ID(), workloadKey(hotRowID), nil,
		[]storage.Datum{{Column: workloadOwnerCol, Value: datum.String(ownerName(-1))}},
		storage.Options{})
	if err != nil {
		return err
	}

	fields, err := tc.ReadKey(ctx, xid, td.ID(), workloadKey(hotRowID),
		[]storage.OID{workloadCountCol}, storage.ReadOptions{})
	if err != nil {
		return err
	} else if fields == nil {
		return errors.Wrap(storage.ErrNotFound, "engine: hot row")
	}
	cnt, err := datum.DecodeInt64(fields[0])
	if err != nil {
		return err
	}

	_, err = tc.Update(ctx, xid, td.ID(), workloadKey(hotRowID), nil,
		[]storage.Datum{{Column: workloadCountCol, Value: datum.Int64(cnt + 1)}},
		storage.Options{})
	return err
}

// HotCount returns the number of times the hot row has been bumped.
func (e *Engine) HotCount(ctx context.Context) (int64, error) {
	td, err := e.meta.LookupTable(ctx, WorkloadTable)
	if err != nil {
		return 0, err
	}

	tc := e.NewThdCtx()
	xid, err := tc.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tc.CommitTx(ctx, xid)

	fields, err := tc.ReadKey(ctx, xid, td.ID(), workloadKey(hotRowID),
		[]storage.OID{workloadCountCol}, storage.ReadOptions{})
	if err != nil {
		return 0, err
	} else if fields == nil {
		return 0, errors.Wrap(storage.ErrNotFound, "engine: hot row")
	}
	return datum.DecodeInt64(fields[0])
}
