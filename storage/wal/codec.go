package wal

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/kvcore/storage"
)

type Compression byte

const (
	NoCompression     Compression = 0
	SnappyCompression Compression = 1
	LZ4Compression    Compression = 2
	ZstdCompression   Compression = 3
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case LZ4Compression:
		return "lz4"
	case ZstdCompression:
		return "zstd"
	}
	return fmt.Sprintf("Compression(%d)", byte(c))
}

func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "lz4":
		return LZ4Compression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return 0, errors.Errorf("wal: compression must be none, snappy, lz4, or zstd: %s", s)
}

func compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Encode(nil, data), nil
	case LZ4Compression:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		err := w.Apply(lz4.CompressionLevelOption(lz4.Fast))
		if err != nil {
			return nil, errors.Wrap(err, "lz4 apply level")
		}
		_, err = w.Write(data)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 write")
		}
		err = w.Close()
		if err != nil {
			return nil, errors.Wrap(err, "lz4 close")
		}
		return buf.Bytes(), nil
	case ZstdCompression:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, errors.Wrap(err, "zstd encoder")
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	}
	return nil, errors.Errorf("wal: unsupported compression: %s", c)
}

func decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Decode(nil, data)
	case LZ4Compression:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case ZstdCompression:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.Wrap(err, "zstd decoder")
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	}
	return nil, errors.Wrapf(storage.ErrFormat, "wal: unknown compression: %d", byte(c))
}

const (
	xidField = 1
	opField  = 2

	opKindField    = 1
	opTableField   = 2
	opTupleIDField = 3
	opKeyField     = 4
	opValueField   = 5
)

func encodeCommit(rec *storage.CommitRecord) []byte {
	buf := protowire.AppendTag(nil, xidField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(rec.XID))

	var op []byte
	for _, wo := range rec.Ops {
		op = protowire.AppendTag(op[:0], opKindField, protowire.VarintType)
		op = protowire.AppendVarint(op, uint64(wo.Kind))
		op = protowire.AppendTag(op, opTableField, protowire.VarintType)
		op = protowire.AppendVarint(op, uint64(wo.Table))
		op = protowire.AppendTag(op, opTupleIDField, protowire.VarintType)
		op = protowire.AppendVarint(op, uint64(wo.TupleID))
		op = protowire.AppendTag(op, opKeyField, protowire.BytesType)
		op = protowire.AppendBytes(op, wo.Key)
		if wo.Value != nil {
			op = protowire.AppendTag(op, opValueField, protowire.BytesType)
			op = protowire.AppendBytes(op, wo.Value)
		}

		buf = protowire.AppendTag(buf, opField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, op)
	}
	return buf
}

func badRecord(err string) error {
	return errors.Wrapf(storage.ErrFormat, "wal: bad commit record: %s", err)
}

func decodeOp(buf []byte) (storage.WriteOp, error) {
	var wo storage.WriteOp
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return wo, badRecord(protowire.ParseError(n).Error())
		}
		buf = buf[n:]

		switch {
		case typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(buf)
			if n < 0 {
				return wo, badRecord(protowire.ParseError(n).Error())
			}
			switch num {
			case opKindField:
				wo.Kind = storage.WriteKind(v)
			case opTableField:
				wo.Table = storage.OID(v)
			case opTupleIDField:
				wo.TupleID = storage.TupleID(v)
			}
		case typ == protowire.BytesType:
			var b []byte
			b, n = protowire.ConsumeBytes(buf)
			if n < 0 {
				return wo, badRecord(protowire.ParseError(n).Error())
			}
			switch num {
			case opKeyField:
				wo.Key = append([]byte(nil), b...)
			case opValueField:
				wo.Value = append([]byte{}, b...)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return wo, badRecord(protowire.ParseError(n).Error())
			}
		}
		buf = buf[n:]
	}

	if wo.Kind != storage.PutOp && wo.Kind != storage.DeleteOp {
		return wo, badRecord(fmt.Sprintf("op kind %d", wo.Kind))
	}
	return wo, nil
}

func decodeCommit(buf []byte) (*storage.CommitRecord, error) {
	rec := &storage.CommitRecord{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, badRecord(protowire.ParseError(n).Error())
		}
		buf = buf[n:]

		switch {
		case num == xidField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, badRecord(protowire.ParseError(n).Error())
			}
			rec.XID = storage.XID(v)
		case num == opField && typ == protowire.BytesType:
			var b []byte
			b, n = protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, badRecord(protowire.ParseError(n).Error())
			}
			wo, err := decodeOp(b)
			if err != nil {
				return nil, err
			}
			rec.Ops = append(rec.Ops, wo)
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, badRecord(protowire.ParseError(n).Error())
			}
		}
		buf = buf[n:]
	}

	if rec.XID == 0 {
		return nil, badRecord("missing xid")
	}
	return rec, nil
}
