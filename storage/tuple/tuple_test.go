package tuple_test

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/leftmike/kvcore/storage/datum"
	"github.com/leftmike/kvcore/storage/tuple"
	"github.com/leftmike/kvcore/testutil"
)

var (
	keyDesc = tuple.NewKeyDesc([]tuple.Field{
		{Name: "id", Size: 8},
		{Name: "name"},
	})
	valueDesc = tuple.NewValueDesc([]tuple.Field{
		{Name: "flag", Size: 1},
		{Name: "note"},
		{Name: "count", Size: 8},
	})
)

func TestKeyOrder(t *testing.T) {
	keys := [][][]byte{
		{datum.Int64(-5), datum.String("")},
		{datum.Int64(-5), datum.String("a")},
		{datum.Int64(1), datum.Bytes([]byte{0})},
		{datum.Int64(1), datum.Bytes([]byte{0, 0})},
		{datum.Int64(1), datum.Bytes([]byte{0, 1})},
		{datum.Int64(1), datum.Bytes([]byte{1})},
		{datum.Int64(1), datum.Bytes([]byte{1, 0})},
		{datum.Int64(1), datum.Bytes([]byte{2})},
		{datum.Int64(1), datum.Bytes([]byte{255})},
		{datum.Int64(2), datum.String("")},
	}

	var prev tuple.Binary
	for idx, vals := range keys {
		tb, err := tuple.Build(keyDesc, vals)
		if err != nil {
			t.Fatalf("Build(%v) failed with %s", vals, err)
		}
		if idx > 0 && bytes.Compare(prev, tb) >= 0 {
			t.Errorf("Build(%v) not greater: %v <= %v", vals, tb, prev)
		}
		prev = tb

		got, err := tb.Fields(keyDesc)
		if err != nil {
			t.Errorf("Fields(%v) failed with %s", tb, err)
		} else if !bytes.Equal(got[0], vals[0]) || !bytes.Equal(got[1], vals[1]) {
			t.Errorf("Fields(%v) got %v want %v", tb, got, vals)
		}
	}
}

func TestValue(t *testing.T) {
	vals := [][]byte{datum.Bool(true), datum.String("hello"), datum.Int64(42)}
	tb, err := tuple.Build(valueDesc, vals)
	if err != nil {
		t.Fatalf("Build(%v) failed with %s", vals, err)
	}
	got, err := tb.Fields(valueDesc)
	if err != nil {
		t.Fatalf("Fields(%v) failed with %s", tb, err)
	}
	if !testutil.DeepEqual(got, vals) {
		t.Errorf("Fields(%v) got %v want %v", tb, got, vals)
	}

	fld, err := tb.Field(valueDesc, 1)
	if err != nil || string(fld) != "hello" {
		t.Errorf("Field(1) got %q, %v want hello", fld, err)
	}

	_, err = tuple.Binary(tb[:len(tb)-1]).Fields(valueDesc)
	if !errors.Is(err, tuple.ErrBadTuple) {
		t.Errorf("Fields(truncated) got %v want ErrBadTuple", err)
	}
	_, err = tuple.Binary(append(append([]byte(nil), tb...), 0)).Fields(valueDesc)
	if !errors.Is(err, tuple.ErrBadTuple) {
		t.Errorf("Fields(trailing) got %v want ErrBadTuple", err)
	}
}

func TestShape(t *testing.T) {
	cases := []struct {
		d    *tuple.Desc
		vals [][]byte
	}{
		{keyDesc, [][]byte{datum.Int64(1)}},
		{keyDesc, [][]byte{datum.Int64(1), nil, nil}},
		{keyDesc, [][]byte{datum.Bool(true), datum.String("x")}},
		{valueDesc, [][]byte{datum.Bool(true), nil, datum.String("not eight")}},
	}

	for _, c := range cases {
		_, err := tuple.Build(c.d, c.vals)
		if !errors.Is(err, tuple.ErrShape) {
			t.Errorf("Build(%v) got %v want ErrShape", c.vals, err)
		}
	}
}

func TestDelta(t *testing.T) {
	old, err := tuple.Build(valueDesc,
		[][]byte{datum.Bool(false), datum.String("old note"), datum.Int64(1)})
	if err != nil {
		t.Fatal(err)
	}

	delta, err := tuple.Diff(valueDesc, old, []tuple.DeltaField{
		{Index: 0, Value: datum.Bool(false)},
		{Index: 2, Value: datum.Int64(2)},
	})
	if err != nil {
		t.Fatalf("Diff() failed with %s", err)
	}
	if len(delta) != 1 || delta[0].Index != 2 {
		t.Errorf("Diff() got %v want only field 2", delta)
	}

	tb, err := tuple.Apply(valueDesc, old, delta)
	if err != nil {
		t.Fatalf("Apply() failed with %s", err)
	}
	got, err := tb.Fields(valueDesc)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]byte{datum.Bool(false), datum.String("old note"), datum.Int64(2)}
	if !testutil.DeepEqual(got, want) {
		t.Errorf("Apply() got %v want %v", got, want)
	}

	_, err = tuple.Diff(valueDesc, old, []tuple.DeltaField{
		{Index: 2, Value: datum.Int64(2)},
		{Index: 1, Value: datum.String("x")},
	})
	if !errors.Is(err, tuple.ErrShape) {
		t.Errorf("Diff(out of order) got %v want ErrShape", err)
	}
	_, err = tuple.Diff(valueDesc, old, []tuple.DeltaField{{Index: 3, Value: nil}})
	if !errors.Is(err, tuple.ErrShape) {
		t.Errorf("Diff(out of range) got %v want ErrShape", err)
	}
}
