/*
Package tuple encodes the key half and the value half of a row.

A key tuple is the concatenation of its fields in a form which preserves ordering: fixed width
fields are copied as is, and variable length fields are escaped and terminated. Key tuples can
be compared with bytes.Compare.

A value tuple is a sequence of protobuf length delimited records, one per field, where the
field number is the field index plus one.
*/
package tuple

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrShape    = errors.New("tuple: wrong shape")
	ErrBadTuple = errors.New("tuple: bad encoding")
)

type Field struct {
	Name string
	// Size is the width of every value of the field, or 0 for variable length fields.
	Size int
}

type Desc struct {
	key    bool
	fields []Field
}

type Binary []byte

func NewKeyDesc(fields []Field) *Desc {
	return &Desc{
		key:    true,
		fields: fields,
	}
}

func NewValueDesc(fields []Field) *Desc {
	return &Desc{
		fields: fields,
	}
}

func (d *Desc) IsKey() bool {
	return d.key
}

func (d *Desc) FieldCount() int {
	return len(d.fields)
}

func (d *Desc) Field(idx int) Field {
	return d.fields[idx]
}

func (d *Desc) checkField(idx int, val []byte) error {
	if sz := d.fields[idx].Size; sz > 0 && len(val) != sz {
		return errors.Wrapf(ErrShape, "field %s: got %d bytes want %d", d.fields[idx].Name,
			len(val), sz)
	}
	return nil
}

func encodeKeyBytes(buf []byte, val []byte) []byte {
	for _, b := range val {
		if b == 0 || b == 1 {
			buf = append(buf, 1)
		}
		buf = append(buf, b)
	}
	return append(buf, 0)
}

func decodeKeyBytes(buf []byte) ([]byte, []byte, bool) {
	var val []byte
	for len(buf) > 0 {
		b := buf[0]
		buf = buf[1:]
		if b == 0 {
			return val, buf, true
		} else if b == 1 {
			if len(buf) == 0 {
				return nil, nil, false
			}
			b = buf[0]
			buf = buf[1:]
		}
		val = append(val, b)
	}
	return nil, nil, false
}

// Build encodes one value per field of d, in field order.
func Build(d *Desc, vals [][]byte) (Binary, error) {
	if len(vals) != len(d.fields) {
		return nil, errors.Wrapf(ErrShape, "got %d fields want %d", len(vals), len(d.fields))
	}

	var buf []byte
	for idx, val := range vals {
		err := d.checkField(idx, val)
		if err != nil {
			return nil, err
		}

		if d.key {
			if d.fields[idx].Size > 0 {
				buf = append(buf, val...)
			} else {
				buf = encodeKeyBytes(buf, val)
			}
		} else {
			buf = protowire.AppendTag(buf, protowire.Number(idx+1), protowire.BytesType)
			buf = protowire.AppendBytes(buf, val)
		}
	}
	return buf, nil
}

// Fields decodes every field of the tuple.
func (tb Binary) Fields(d *Desc) ([][]byte, error) {
	vals := make([][]byte, 0, len(d.fields))
	buf := []byte(tb)

	for idx := range d.fields {
		var val []byte
		if d.key {
			if sz := d.fields[idx].Size; sz > 0 {
				if len(buf) < sz {
					return nil, errors.Wrapf(ErrBadTuple, "key field %d: short", idx)
				}
				val = buf[:sz]
				buf = buf[sz:]
			} else {
				var ok bool
				val, buf, ok = decodeKeyBytes(buf)
				if !ok {
					return nil, errors.Wrapf(ErrBadTuple, "key field %d: unterminated", idx)
				}
			}
		} else {
			num, typ, n := protowire.ConsumeTag(buf)
			if n < 0 {
				return nil, errors.Wrapf(ErrBadTuple, "value field %d: %s", idx,
					protowire.ParseError(n))
			}
			if num != protowire.Number(idx+1) || typ != protowire.BytesType {
				return nil, errors.Wrapf(ErrBadTuple, "value field %d: got field %d type %d",
					idx, num, typ)
			}
			buf = buf[n:]
			val, n = protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errors.Wrapf(ErrBadTuple, "value field %d: %s", idx,
					protowire.ParseError(n))
			}
			buf = buf[n:]
		}
		vals = append(vals, val)
	}

	if len(buf) != 0 {
		return nil, errors.Wrapf(ErrBadTuple, "%d trailing bytes", len(buf))
	}
	return vals, nil
}

func (tb Binary) Field(d *Desc, idx int) ([]byte, error) {
	if idx < 0 || idx >= len(d.fields) {
		panic(fmt.Sprintf("tuple: field %d out of range: %d fields", idx, len(d.fields)))
	}
	vals, err := tb.Fields(d)
	if err != nil {
		return nil, err
	}
	return vals[idx], nil
}

type DeltaField struct {
	Index int
	Value []byte
}

// Delta is a sparse set of changed fields, in increasing field order.
type Delta []DeltaField

// Diff returns the fields of updates which are different from old. The updates must be in
// increasing field order.
func Diff(d *Desc, old Binary, updates []DeltaField) (Delta, error) {
	vals, err := old.Fields(d)
	if err != nil {
		return nil, err
	}

	var delta Delta
	prev := -1
	for _, upd := range updates {
		if upd.Index <= prev || upd.Index >= len(vals) {
			return nil, errors.Wrapf(ErrShape, "update field %d out of order or range",
				upd.Index)
		}
		prev = upd.Index
		err = d.checkField(upd.Index, upd.Value)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(vals[upd.Index], upd.Value) {
			delta = append(delta, upd)
		}
	}
	return delta, nil
}

// Apply returns a new tuple with the fields of delta replaced; old is not modified.
func Apply(d *Desc, old Binary, delta Delta) (Binary, error) {
	vals, err := old.Fields(d)
	if err != nil {
		return nil, err
	}
	for _, df := range delta {
		if df.Index < 0 || df.Index >= len(vals) {
			return nil, errors.Wrapf(ErrShape, "delta field %d out of range", df.Index)
		}
		vals[df.Index] = df.Value
	}
	return Build(d, vals)
}
