/*
Package persist moves committed changes from memory into the KV. Commits and extent images
are sent to a single worker goroutine which applies them, in order, in batches.

Row images are stored under kv.RowKey(table, key) as the protobuf wire encoding of

	1: tuple id
	2: writer xid
	3: value tuple
*/
package persist

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/kv"
)

const (
	maxBatch = 128

	rowTupleIDField = 1
	rowWriterField  = 2
	rowValueField   = 3
)

// Op is one unit of work for the worker: a commit, an extent image, or, if both are
// empty, a flush.
type Op struct {
	Commit *storage.CommitRecord

	SpaceID  uint32
	ExtentID uint64
	Extent   []byte

	done chan error
}

type Worker struct {
	logger *log.Entry
	kv     kv.KV
	ops    chan Op
	wg     sync.WaitGroup

	mutex   sync.RWMutex
	stopped bool

	errMutex sync.Mutex
	err      error

	// OnError, if set, is called when a batch fails to apply.
	OnError func()
}

// Start starts a worker applying ops to st; queue is the number of ops which can be
// waiting before Send blocks.
func Start(logger *log.Logger, st kv.KV, queue int) *Worker {
	w := &Worker{
		logger: logger.WithField("component", "persist"),
		kv:     st,
		ops:    make(chan Op, queue),
	}

	w.wg.Add(1)
	go w.run()
	return w
}

// Send queues op; it blocks while the queue is full.
func (w *Worker) Send(ctx context.Context, op Op) error {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	if w.stopped {
		return errors.Wrap(storage.ErrShutdown, "persist: send")
	}
	select {
	case w.ops <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error of the first batch which failed to apply. Once a batch fails, no
// later op is applied: the KV is left as it was after the last good batch, and the ops
// which were not applied must be recovered from the log.
func (w *Worker) Err() error {
	w.errMutex.Lock()
	defer w.errMutex.Unlock()

	return w.err
}

// Flush waits until every op sent before it has been applied and synced to the KV. It
// fails if any op since the worker started could not be applied.
func (w *Worker) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	err := w.Send(ctx, Op{done: done})
	if err != nil {
		return err
	}

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop applies every queued op, then stops the worker.
func (w *Worker) Stop() {
	w.mutex.Lock()
	if w.stopped {
		w.mutex.Unlock()
		return
	}
	w.stopped = true
	close(w.ops)
	w.mutex.Unlock()

	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()

	for op := range w.ops {
		batch := []Op{op}
	fill:
		for len(batch) < maxBatch {
			select {
			case op, ok := <-w.ops:
				if !ok {
					break fill
				}
				batch = append(batch, op)
			default:
				break fill
			}
		}

		err := w.Err()
		if err == nil {
			err = w.apply(batch)
			if err != nil {
				w.errMutex.Lock()
				w.err = err
				w.errMutex.Unlock()

				w.logger.WithField("ops", len(batch)).Errorf("apply failed: %s", err)
				if w.OnError != nil {
					w.OnError()
				}
			}
		}
		for _, op := range batch {
			if op.done != nil {
				op.done <- err
			}
		}
	}
}

func (w *Worker) apply(batch []Op) error {
	upd, err := w.kv.Updater()
	if err != nil {
		return err
	}

	sync := false
	for _, op := range batch {
		if op.Commit != nil {
			err = Apply(upd, op.Commit)
		} else if op.Extent != nil {
			err = upd.Set(kv.ExtentKey(op.SpaceID, op.ExtentID), op.Extent)
		} else {
			sync = true
		}
		if err != nil {
			upd.Rollback()
			return err
		}
	}
	return upd.Commit(sync)
}

// Apply writes the row images of rec using upd.
func Apply(upd kv.Updater, rec *storage.CommitRecord) error {
	for _, wo := range rec.Ops {
		key := kv.RowKey(uint64(wo.Table), wo.Key)
		var err error
		switch wo.Kind {
		case storage.PutOp:
			err = upd.Set(key, EncodeRowImage(wo.TupleID, rec.XID, wo.Value))
		case storage.DeleteOp:
			err = upd.Delete(key)
		default:
			err = errors.Errorf("persist: unexpected op kind: %d", wo.Kind)
		}
		if err != nil {
			return errors.Wrapf(err, "persist: commit %d: table %d", rec.XID, wo.Table)
		}
	}
	return nil
}

func EncodeRowImage(id storage.TupleID, xid storage.XID, value []byte) []byte {
	buf := protowire.AppendTag(nil, rowTupleIDField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(id))
	buf = protowire.AppendTag(buf, rowWriterField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(xid))
	buf = protowire.AppendTag(buf, rowValueField, protowire.BytesType)
	return protowire.AppendBytes(buf, value)
}

func DecodeRowImage(buf []byte) (storage.TupleID, storage.XID, []byte, error) {
	var id storage.TupleID
	var xid storage.XID
	var value []byte

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return 0, 0, nil, errors.Wrapf(storage.ErrFormat, "persist: row image: %s",
				protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == rowTupleIDField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(buf)
			id = storage.TupleID(v)
		case num == rowWriterField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(buf)
			xid = storage.XID(v)
		case num == rowValueField && typ == protowire.BytesType:
			value, n = protowire.ConsumeBytes(buf)
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if n < 0 {
			return 0, 0, nil, errors.Wrapf(storage.ErrFormat, "persist: row image: %s",
				protowire.ParseError(n))
		}
		buf = buf[n:]
	}
	return id, xid, value, nil
}

// LoadRows calls fn with every row image in st.
func LoadRows(st kv.KV, fn func(tid storage.OID, key []byte, id storage.TupleID,
	xid storage.XID, value []byte) error) error {

	prefix := kv.TagPrefix(kv.RowTag)
	it, err := st.Iterate(prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return errors.Wrap(err, "persist: load rows")
	}
	defer it.Close()

	for {
		err = it.Item(
			func(k, val []byte) error {
				tid, key, err := kv.ParseRowKey(k)
				if err != nil {
					return nil
				}
				id, xid, value, err := DecodeRowImage(val)
				if err != nil {
					return err
				}
				return fn(storage.OID(tid), append([]byte(nil), key...), id, xid,
					append([]byte(nil), value...))
			})
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}

// LoadExtents calls fn with the image of every extent in the table space.
func LoadExtents(st kv.KV, spaceID uint32, fn func(b []byte) error) error {
	prefix := kv.ExtentPrefix(spaceID)
	it, err := st.Iterate(prefix, kv.PrefixEnd(prefix))
	if err != nil {
		return errors.Wrap(err, "persist: load extents")
	}
	defer it.Close()

	for {
		err = it.Item(
			func(k, val []byte) error {
				if len(k) != len(prefix)+8 {
					return nil
				}
				return fn(append([]byte(nil), val...))
			})
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}
