package memstore_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/datum"
	"github.com/leftmike/kvcore/storage/memstore"
	"github.com/leftmike/kvcore/storage/tuple"
)

var keyDesc = tuple.NewKeyDesc([]tuple.Field{{Name: "name"}})

func key(t *testing.T, s string) []byte {
	t.Helper()

	k, err := tuple.Build(keyDesc, [][]byte{datum.String(s)})
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	err := st.CreateTable(ctx, 1, keyDesc)
	if err != nil {
		t.Fatalf("CreateTable() failed with %s", err)
	}
	err = st.CreateTable(ctx, 1, keyDesc)
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("CreateTable() twice got %v want ErrAlreadyExists", err)
	}
	_, err = st.GetKey(ctx, 2, key(t, "a"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetKey(no table) got %v want ErrNotFound", err)
	}

	row, err := st.GetKey(ctx, 1, key(t, "a"))
	if err != nil || row != nil {
		t.Errorf("GetKey(a) got %v, %v want nil", row, err)
	}

	for idx, s := range []string{"c", "a", "e", "b", "d"} {
		row, err := st.NewRow(ctx, 1, key(t, s))
		if err != nil {
			t.Fatalf("NewRow(%s) failed with %s", s, err)
		}
		row.Install(storage.MakeTupleID(1, idx), &storage.TupleVersion{Writer: 1}, 1)
	}
	row1, _ := st.NewRow(ctx, 1, key(t, "a"))
	row2, _ := st.GetKey(ctx, 1, key(t, "a"))
	if row1 != row2 {
		t.Errorf("NewRow(a) and GetKey(a) returned different rows")
	}
	if st.Len(1) != 5 {
		t.Errorf("Len() got %d want 5", st.Len(1))
	}

	var got []string
	err = st.Scan(ctx, 1, key(t, "b"), key(t, "d"),
		func(k []byte, row storage.DataRow) bool {
			flds, err := tuple.Binary(k).Fields(keyDesc)
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, string(flds[0]))
			return true
		})
	if err != nil {
		t.Fatalf("Scan() failed with %s", err)
	}
	if len(got) != 3 || got[0] != "b" || got[1] != "c" || got[2] != "d" {
		t.Errorf("Scan(b, d) got %v want [b c d]", got)
	}

	got = nil
	st.Scan(ctx, 1, nil, nil,
		func(k []byte, row storage.DataRow) bool {
			got = append(got, string(k))
			return len(got) < 2
		})
	if len(got) != 2 {
		t.Errorf("Scan(stop after 2) got %d rows", len(got))
	}

	st.NewRow(ctx, 1, key(t, "f"))
	st.RemoveRow(ctx, 1, key(t, "f"))
	st.RemoveRow(ctx, 1, key(t, "a"))
	if st.Len(1) != 5 {
		t.Errorf("Len() after RemoveRow got %d want 5", st.Len(1))
	}
}

func TestRowVersions(t *testing.T) {
	var row memstore.Row

	if _, ok := row.TupleID(); ok {
		t.Errorf("TupleID() on an empty row got true")
	}
	if _, ok := row.ReadLatest(); ok {
		t.Errorf("ReadLatest() on an empty row got true")
	}

	row.Install(storage.MakeTupleID(1, 1), &storage.TupleVersion{Writer: 5, Tuple: []byte("v5")},
		1)
	old := storage.NewSnapshot(6, 5, 7, []storage.XID{5})
	row.Install(storage.MakeTupleID(1, 2), &storage.TupleVersion{Writer: 7, Tuple: []byte("v7")},
		1)

	if id, ok := row.TupleID(); !ok || id != storage.MakeTupleID(1, 2) {
		t.Errorf("TupleID() got %s, %v want 1:2", id, ok)
	}
	if ver, ok := row.ReadLatest(); !ok || string(ver.Tuple) != "v7" {
		t.Errorf("ReadLatest() got %v, %v want v7", ver, ok)
	}
	if _, ok := row.ReadVisible(old); ok {
		t.Errorf("ReadVisible(%s) got a version want none", old)
	}
	snap := storage.NewSnapshot(8, 8, 9, nil)
	if ver, ok := row.ReadVisible(snap); !ok || string(ver.Tuple) != "v7" {
		t.Errorf("ReadVisible(%s) got %v, %v want v7", snap, ver, ok)
	}
	snap = storage.NewSnapshot(7, 6, 8, nil)
	if ver, ok := row.ReadVisible(snap); !ok || string(ver.Tuple) != "v7" {
		t.Errorf("ReadVisible(%s) got %v, %v want v7", snap, ver, ok)
	}
	mid := storage.NewSnapshot(8, 6, 9, []storage.XID{7})
	if ver, ok := row.ReadVisible(mid); !ok || string(ver.Tuple) != "v5" {
		t.Errorf("ReadVisible(%s) got %v, %v want v5", mid, ver, ok)
	}

	row.Install(0, &storage.TupleVersion{Writer: 9, Deleted: true}, 8)
	if _, ok := row.TupleID(); ok {
		t.Errorf("TupleID() after delete got true")
	}
	if _, ok := row.ReadLatest(); ok {
		t.Errorf("ReadLatest() after delete got a version")
	}
	if row.VersionCount() != 2 {
		t.Errorf("VersionCount() got %d want 2", row.VersionCount())
	}
	if ver, ok := row.ReadVisible(storage.NewSnapshot(9, 9, 10, nil)); ok {
		t.Errorf("ReadVisible() after delete got %v", ver)
	}
	if row.Empty() {
		t.Errorf("Empty() got true")
	}

	row.Install(0, &storage.TupleVersion{Writer: 11, Deleted: true}, 12)
	if !row.Empty() {
		t.Errorf("Empty() after a delete below the horizon got false")
	}
}
