package space_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/extent"
	"github.com/leftmike/kvcore/storage/kv"
	"github.com/leftmike/kvcore/storage/persist"
	"github.com/leftmike/kvcore/storage/space"
	"github.com/leftmike/kvcore/testutil"
)

func openSpace(t *testing.T, logger *log.Logger, st kv.KV, w *persist.Worker) *space.Space {
	t.Helper()

	sp, err := space.Open(logger, 1, st, w, 4, 2)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	return sp
}

func extentStats(sp *space.Space) []extent.Stats {
	var stats []extent.Stats
	for _, e := range sp.Extents() {
		stats = append(stats, e.Stats())
	}
	return stats
}

func TestAllocateTuple(t *testing.T) {
	ctx := context.Background()
	logger := testutil.SetupLogger(filepath.Join("testdata", "space.log"))

	st, err := kv.MakeBTreeKV()
	if err != nil {
		t.Fatal(err)
	}
	w := persist.Start(logger, st, 16)
	defer w.Stop()

	sp := openSpace(t, logger, st, w)
	var allocated, freed int
	sp.OnAllocatePage = func() { allocated += 1 }
	sp.OnFreePage = func() { freed += 1 }

	cases := []struct {
		tid  storage.OID
		page uint64
		slot int
	}{
		{tid: 1, page: 0, slot: 0},
		{tid: 1, page: 0, slot: 1},
		{tid: 1, page: 1, slot: 0},
		{tid: 2, page: 2, slot: 0},
		{tid: 1, page: 1, slot: 1},
		{tid: 1, page: 4, slot: 0},
	}
	for _, c := range cases {
		id, err := sp.AllocateTuple(ctx, c.tid)
		if err != nil {
			t.Fatalf("AllocateTuple(%d) failed with %s", c.tid, err)
		}
		if id != storage.MakeTupleID(c.page, c.slot) {
			t.Errorf("AllocateTuple(%d) got %s want %d:%d", c.tid, id, c.page, c.slot)
		}
	}
	if allocated != 4 {
		t.Errorf("OnAllocatePage got %d calls want 4", allocated)
	}

	stats := extentStats(sp)
	want := []extent.Stats{
		{DataPages: 3, Free: 0, Allocated: 1, Full: 2},
		{DataPages: 3, Free: 2, Allocated: 1, Full: 0},
	}
	if !testutil.DeepEqual(stats, want) {
		t.Errorf("Stats() got %v want %v", stats, want)
	}

	err = sp.FreeTuple(ctx, 1, storage.MakeTupleID(0, 0))
	if err != nil {
		t.Errorf("FreeTuple(0:0) failed with %s", err)
	}
	if n := sp.LiveCount(0); n != 1 {
		t.Errorf("LiveCount(0) got %d want 1", n)
	}
	err = sp.FreeTuple(ctx, 1, storage.MakeTupleID(0, 1))
	if err != nil {
		t.Errorf("FreeTuple(0:1) failed with %s", err)
	}
	if freed != 1 {
		t.Errorf("OnFreePage got %d calls want 1", freed)
	}
	err = sp.FreeTuple(ctx, 1, storage.MakeTupleID(0, 1))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("FreeTuple(0:1) again got %v want ErrNotFound", err)
	}

	err = sp.FreeTuple(ctx, 1, storage.MakeTupleID(4, 0))
	if err != nil {
		t.Errorf("FreeTuple(4:0) failed with %s", err)
	}
	if n := sp.LiveCount(4); n != 0 {
		t.Errorf("LiveCount(4) got %d want 0", n)
	}

	id, err := sp.AllocateTuple(ctx, 1)
	if err != nil {
		t.Fatalf("AllocateTuple(1) failed with %s", err)
	}
	if id != storage.MakeTupleID(4, 1) {
		t.Errorf("AllocateTuple(1) got %s want 4:1", id)
	}

	stats = extentStats(sp)
	want = []extent.Stats{
		{DataPages: 3, Free: 1, Allocated: 1, Full: 1},
		{DataPages: 3, Free: 2, Allocated: 1, Full: 0},
	}
	if !testutil.DeepEqual(stats, want) {
		t.Errorf("Stats() got %v want %v", stats, want)
	}

	err = w.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() failed with %s", err)
	}

	sp = openSpace(t, logger, st, w)
	stats = extentStats(sp)
	if !testutil.DeepEqual(stats, want) {
		t.Errorf("Open() got %v want %v", stats, want)
	}
}

func TestRecovery(t *testing.T) {
	ctx := context.Background()
	logger := testutil.SetupLogger(filepath.Join("testdata", "space.log"))

	st, err := kv.MakeBTreeKV()
	if err != nil {
		t.Fatal(err)
	}
	w := persist.Start(logger, st, 16)
	defer w.Stop()

	sp := openSpace(t, logger, st, w)
	for i := 0; i < 5; i += 1 {
		_, err = sp.AllocateTuple(ctx, 1)
		if err != nil {
			t.Fatalf("AllocateTuple(1) failed with %s", err)
		}
	}
	err = w.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() failed with %s", err)
	}

	sp = openSpace(t, logger, st, w)
	err = sp.Reserve(storage.MakeTupleID(1, 1))
	if err != nil {
		t.Errorf("Reserve(1:1) failed with %s", err)
	}
	err = sp.Reserve(storage.MakeTupleID(3, 0))
	if !errors.Is(err, storage.ErrFormat) {
		t.Errorf("Reserve(3:0) got %v want ErrFormat", err)
	}
	err = sp.Reserve(storage.MakeTupleID(9, 0))
	if err != nil {
		t.Errorf("Reserve(9:0) failed with %s", err)
	}

	err = sp.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() failed with %s", err)
	}
	stats := extentStats(sp)
	want := []extent.Stats{
		{DataPages: 3, Free: 2, Allocated: 0, Full: 1},
		{DataPages: 3, Free: 3, Allocated: 0, Full: 0},
		{DataPages: 3, Free: 2, Allocated: 1, Full: 0},
	}
	if !testutil.DeepEqual(stats, want) {
		t.Errorf("Sweep() got %v want %v", stats, want)
	}
	if n := sp.LiveCount(1); n != 1 {
		t.Errorf("LiveCount(1) got %d want 1", n)
	}

	id, err := sp.AllocateTuple(ctx, 1)
	if err != nil {
		t.Fatalf("AllocateTuple(1) failed with %s", err)
	}
	if id != storage.MakeTupleID(0, 0) {
		t.Errorf("AllocateTuple(1) after Sweep got %s want 0:0", id)
	}
}

func TestOpenErrors(t *testing.T) {
	logger := testutil.SetupLogger(filepath.Join("testdata", "space.log"))
	st, err := kv.MakeBTreeKV()
	if err != nil {
		t.Fatal(err)
	}

	_, err = space.Open(logger, 1, st, nil, 1, 16)
	if err == nil {
		t.Errorf("Open(extent pages 1) did not fail")
	}
	_, err = space.Open(logger, 1, st, nil, 16, 0)
	if err == nil {
		t.Errorf("Open(slots per page 0) did not fail")
	}
}
