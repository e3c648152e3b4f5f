package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/persist"
	"github.com/leftmike/kvcore/storage/wal"
)

// commitGate sits between thread contexts and the log and persist worker. A commit is in
// flight from when its record is appended to the log until it is sent to the persist
// worker; close waits for every commit in flight.
type commitGate struct {
	wal     *wal.WAL
	persist *persist.Worker

	mutex    sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func (cg *commitGate) Append(ctx context.Context, rec *storage.CommitRecord) error {
	cg.mutex.Lock()
	if cg.closed {
		cg.mutex.Unlock()
		return errors.Wrapf(storage.ErrShutdown, "engine: commit transaction %d", rec.XID)
	}
	cg.inflight.Add(1)
	cg.mutex.Unlock()

	err := cg.wal.Append(ctx, rec)
	if err != nil {
		cg.inflight.Done()
	}
	return err
}

func (cg *commitGate) Send(ctx context.Context, op persist.Op) error {
	if op.Commit != nil {
		defer cg.inflight.Done()
	}
	return cg.persist.Send(ctx, op)
}

func (cg *commitGate) close() {
	cg.mutex.Lock()
	cg.closed = true
	cg.mutex.Unlock()

	cg.inflight.Wait()
}
