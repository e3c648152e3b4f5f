/*
Package wal is the write ahead log of committed transactions.

The file starts with a 16 byte header: an 8 byte signature, a version byte, and 7 unused
bytes. Each commit record follows as

	type (1) | length (4) | checksum (8) | compression (1) | payload (length)

where length and checksum are big endian and checksum is the xxhash64 of the payload as it
is stored. The payload is the protobuf wire encoding of the commit, optionally compressed.
*/
package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/kvcore/storage"
)

const (
	walVersion = 1

	headerSize       = 16
	recordHeaderSize = 14

	commitRecordType = 1
)

var (
	walHeaderSignature = [8]byte{'k', 'v', 'c', 'o', 'r', 'w', 'a', 'l'}
)

type WAL struct {
	logger      *log.Entry
	path        string
	sync        bool
	compression Compression

	mutex sync.Mutex
	f     *os.File

	// OnAppend, if set, is called with the size of each appended record.
	OnAppend func(n int)
}

// Open opens the log at path, creating it if necessary. If sync is true, every Append waits
// for the record to reach stable storage.
func Open(logger *log.Logger, path string, sync bool, comp Compression) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "wal: open")
	}

	wal := &WAL{
		logger:      logger.WithFields(log.Fields{"component": "wal", "path": path}),
		path:        path,
		sync:        sync,
		compression: comp,
		f:           f,
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "wal: stat")
	}
	if fi.Size() < headerSize {
		err = wal.newWAL()
	} else {
		err = wal.checkHeader()
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return wal, nil
}

func (wal *WAL) newWAL() error {
	err := wal.f.Truncate(0)
	if err != nil {
		return errors.Wrap(err, "wal: truncate")
	}

	buf := make([]byte, 0, headerSize)
	buf = append(buf, walHeaderSignature[:]...)
	buf = append(buf, walVersion)
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0)

	_, err = wal.f.Write(buf)
	if err != nil {
		return errors.Wrap(err, "wal: write header")
	}
	return wal.f.Sync()
}

func (wal *WAL) checkHeader() error {
	var buf [headerSize]byte
	_, err := wal.f.ReadAt(buf[:], 0)
	if err != nil {
		return errors.Wrap(err, "wal: read header")
	}
	if !bytes.Equal(buf[0:8], walHeaderSignature[:]) {
		return errors.Wrapf(storage.ErrFormat, "wal: bad signature: %v", buf[0:8])
	}
	if buf[8] > walVersion {
		return errors.Wrapf(storage.ErrFormat, "wal: bad version: %d", buf[8])
	}
	return nil
}

func encodeRecord(comp Compression, rec *storage.CommitRecord) ([]byte, error) {
	payload, err := compress(comp, encodeCommit(rec))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, recordHeaderSize, recordHeaderSize+len(payload))
	buf[0] = commitRecordType
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[5:], xxhash.Sum64(payload))
	buf[13] = byte(comp)
	return append(buf, payload...), nil
}

// Append writes rec to the end of the log.
func (wal *WAL) Append(ctx context.Context, rec *storage.CommitRecord) error {
	buf, err := encodeRecord(wal.compression, rec)
	if err != nil {
		return errors.Wrapf(err, "wal: encode commit %d", rec.XID)
	}

	wal.mutex.Lock()
	defer wal.mutex.Unlock()

	if wal.f == nil {
		return errors.Wrap(storage.ErrShutdown, "wal: append")
	}
	_, err = wal.f.Write(buf)
	if err != nil {
		return errors.Wrapf(err, "wal: append commit %d", rec.XID)
	}
	if wal.sync {
		err = wal.f.Sync()
		if err != nil {
			return errors.Wrapf(err, "wal: sync commit %d", rec.XID)
		}
	}

	if wal.OnAppend != nil {
		wal.OnAppend(len(buf))
	}
	return nil
}

// Replay calls fn with each commit record in the log, in the order they were appended. A
// partial record at the end of the log, left by a crash during Append, is ignored.
func (wal *WAL) Replay(fn func(rec *storage.CommitRecord) error) error {
	wal.mutex.Lock()
	defer wal.mutex.Unlock()

	buf, err := io.ReadAll(io.NewSectionReader(wal.f, 0, 1<<62))
	if err != nil {
		return errors.Wrap(err, "wal: read")
	}
	if len(buf) < headerSize {
		return errors.Wrapf(storage.ErrFormat, "wal: short header: %d bytes", len(buf))
	}
	buf = buf[headerSize:]

	var cnt int
	for len(buf) > 0 {
		if len(buf) < recordHeaderSize {
			wal.logger.WithField("bytes", len(buf)).Warn("torn record header at end of log")
			break
		}
		if buf[0] != commitRecordType {
			return errors.Wrapf(storage.ErrFormat, "wal: bad record type: %d", buf[0])
		}
		length := int(binary.BigEndian.Uint32(buf[1:]))
		sum := binary.BigEndian.Uint64(buf[5:])
		comp := Compression(buf[13])
		buf = buf[recordHeaderSize:]

		if len(buf) < length {
			wal.logger.WithFields(log.Fields{"have": len(buf), "want": length}).
				Warn("torn record at end of log")
			break
		}
		payload := buf[:length]
		buf = buf[length:]

		if xxhash.Sum64(payload) != sum {
			return errors.Wrapf(storage.ErrFormat, "wal: record %d: checksum mismatch", cnt)
		}
		payload, err = decompress(comp, payload)
		if err != nil {
			return errors.Wrapf(storage.ErrFormat, "wal: record %d: %s", cnt, err)
		}
		rec, err := decodeCommit(payload)
		if err != nil {
			return err
		}
		err = fn(rec)
		if err != nil {
			return err
		}
		cnt += 1
	}

	wal.logger.WithField("records", cnt).Info("log replayed")
	return nil
}

// Reset discards every record; it is called once the records have been applied to the KV.
func (wal *WAL) Reset() error {
	wal.mutex.Lock()
	defer wal.mutex.Unlock()

	return wal.newWAL()
}

// Size returns the current size of the log file in bytes.
func (wal *WAL) Size() (int64, error) {
	wal.mutex.Lock()
	defer wal.mutex.Unlock()

	fi, err := wal.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (wal *WAL) Close() error {
	wal.mutex.Lock()
	defer wal.mutex.Unlock()

	if wal.f == nil {
		return nil
	}
	err := wal.f.Close()
	wal.f = nil
	return err
}
