package extent_test

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/extent"
	"github.com/leftmike/kvcore/testutil"
)

func TestMeta(t *testing.T) {
	m := extent.NewMeta(3, 7, 12, 4096, 65)
	if m.FileID() != 3 || m.TableSpaceID() != 7 {
		t.Errorf("NewMeta() got file %d space %d want 3 and 7", m.FileID(), m.TableSpaceID())
	}
	if m.DataPages() != 64 {
		t.Errorf("DataPages() got %d want 64", m.DataPages())
	}

	b := m.Bytes()
	if len(b) != extent.HeaderSize {
		t.Errorf("Bytes() got %d bytes want %d", len(b), extent.HeaderSize)
	}
	m2, err := extent.MetaFrom(5, 9, b)
	if err != nil {
		t.Fatalf("MetaFrom() failed with %s", err)
	}
	if m2.ExtentID() != 12 || m2.StartPage() != 4096 || m2.PageCount() != 65 {
		t.Errorf("MetaFrom() got %d %d %d want 12 4096 65", m2.ExtentID(), m2.StartPage(),
			m2.PageCount())
	}
	if m2.FileID() != 5 || m2.TableSpaceID() != 9 {
		t.Errorf("MetaFrom() got file %d space %d want 5 and 9", m2.FileID(),
			m2.TableSpaceID())
	}

	_, err = extent.MetaFrom(0, 0, b[:extent.HeaderSize-1])
	if !errors.Is(err, storage.ErrFormat) {
		t.Errorf("MetaFrom(short) got %v want ErrFormat", err)
	}
}

func TestAllocate(t *testing.T) {
	for _, pageCount := range []uint64{1, 2, 5, 6, 65} {
		e := extent.New(1, 1, 1, 100, pageCount)
		dp := e.DataPages()

		seen := map[int]bool{}
		for i := 0; i < dp; i++ {
			off, ok := e.AllocatePage()
			if !ok {
				t.Fatalf("AllocatePage() extent %d: failed after %d pages", pageCount, i)
			}
			if seen[off] {
				t.Errorf("AllocatePage() returned %d twice", off)
			}
			seen[off] = true
		}
		if off, ok := e.AllocatePage(); ok {
			t.Errorf("AllocatePage() extent %d: got %d want exhausted", pageCount, off)
		}
		if e.HasFreePages() {
			t.Errorf("HasFreePages() extent %d: got true want false", pageCount)
		}

		if dp > 0 {
			if !e.FreePage(e.PageNumber(dp - 1)) {
				t.Errorf("FreePage(%d) failed", e.PageNumber(dp-1))
			}
			off, ok := e.AllocatePage()
			if !ok || off != dp-1 {
				t.Errorf("AllocatePage() got %d, %v want %d", off, ok, dp-1)
			}
		}
	}
}

func TestFreePage(t *testing.T) {
	e := extent.New(1, 1, 1, 100, 9)
	e.AllocatePage()
	before := e.Bytes()

	for _, page := range []uint64{0, 99, 108, 109, 1000} {
		if e.FreePage(page) {
			t.Errorf("FreePage(%d) got true want false", page)
		}
	}
	if string(e.Bytes()) != string(before) {
		t.Errorf("FreePage(out of range) changed the bitmap")
	}

	if !e.FreePage(100) {
		t.Errorf("FreePage(100) got false want true")
	}
	if !e.FreePage(107) {
		t.Errorf("FreePage(107) got false want true")
	}
}

func TestRoundTrip(t *testing.T) {
	e := extent.New(2, 3, 44, 1000, 11)
	for i := 0; i < 6; i++ {
		e.AllocatePage()
	}
	e.FreePage(1002)
	e.MarkPageFull(1000)
	e.MarkPageFull(1004)
	if e.MarkPageFull(1002) {
		t.Errorf("MarkPageFull(1002) of a free page got true want false")
	}
	if e.MarkPageFull(1010) {
		t.Errorf("MarkPageFull(1010) of the header page got true want false")
	}

	b := e.Bytes()
	if len(b) != extent.Size(11) {
		t.Errorf("Bytes() got %d bytes want %d", len(b), extent.Size(11))
	}
	e2, err := extent.From(2, 3, b)
	if err != nil {
		t.Fatalf("From() failed with %s", err)
	}
	if e2.ExtentID() != 44 || e2.StartPage() != 1000 || e2.PageCount() != 11 {
		t.Errorf("From() got %s want %s", e2, e)
	}
	if e2.FullPageCount() != 2 {
		t.Errorf("FullPageCount() got %d want 2", e2.FullPageCount())
	}
	if e2.NextWritePage() != 1001 {
		t.Errorf("NextWritePage() got %d want 1001", e2.NextWritePage())
	}
	want := extent.Stats{DataPages: 10, Free: 5, Allocated: 3, Full: 2}
	if st := e2.Stats(); st != want {
		t.Errorf("Stats() got %+v want %+v", st, want)
	}

	off, ok := e2.AllocatePage()
	if !ok || off != 2 {
		t.Errorf("AllocatePage() got %d, %v want 2", off, ok)
	}

	_, err = extent.From(2, 3, b[:len(b)-1])
	if !errors.Is(err, storage.ErrFormat) {
		t.Errorf("From(short) got %v want ErrFormat", err)
	}

	cases := []struct {
		startPage uint64
		pageCount uint64
	}{
		{1000, 0},
		{1000, math.MaxUint64 - 99},
		{1000, extent.MaxPageCount + 1},
		{math.MaxUint64 - 5, 11},
	}
	for _, c := range cases {
		bad := append([]byte(nil), b...)
		binary.BigEndian.PutUint64(bad[extent.LayoutExtentHeader.StartPage:], c.startPage)
		binary.BigEndian.PutUint64(bad[extent.LayoutExtentHeader.PageCount:], c.pageCount)
		_, err = extent.From(2, 3, bad)
		if !errors.Is(err, storage.ErrFormat) {
			t.Errorf("From(start %d, count %d) got %v want ErrFormat", c.startPage,
				c.pageCount, err)
		}
	}
}

func TestReservePage(t *testing.T) {
	e := extent.New(1, 1, 1, 0, 5)
	if !e.ReservePage(2) {
		t.Fatalf("ReservePage(2) failed")
	}
	for _, want := range []int{0, 1, 3} {
		off, ok := e.AllocatePage()
		if !ok || off != want {
			t.Errorf("AllocatePage() got %d, %v want %d", off, ok, want)
		}
	}
	if _, ok := e.AllocatePage(); ok {
		t.Errorf("AllocatePage() succeeded on a full extent")
	}
	if e.ReservePage(4) {
		t.Errorf("ReservePage(4) got true want false")
	}

	e.FreePage(1)
	pages := e.AllocatedPages()
	if !testutil.DeepEqual(pages, []uint64{0, 2, 3}) {
		t.Errorf("AllocatedPages() got %v want [0 2 3]", pages)
	}
}

func TestConcurrentAllocate(t *testing.T) {
	e := extent.New(1, 1, 1, 0, 257)

	var wg sync.WaitGroup
	results := make(chan int, 256)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				off, ok := e.AllocatePage()
				if !ok {
					return
				}
				results <- off
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for off := range results {
		if seen[off] {
			t.Errorf("AllocatePage() returned %d twice", off)
		}
		seen[off] = true
	}
	if len(seen) != 256 {
		t.Errorf("AllocatePage() got %d pages want 256", len(seen))
	}
}
