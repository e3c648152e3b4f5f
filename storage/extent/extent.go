/*
Package extent implements the page allocation unit of a table space.

An extent is a run of page_count contiguous pages, starting at start_page. The first
page_count - 1 pages hold data; the last page holds the extent header and a bitmap with one
two bit cell per data page:

	State0	free
	State1	allocated, with space for more tuples
	State3	allocated and full

Pages are handed out by scanning the bitmap for the first free cell; there is no free list.
*/
package extent

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/quadmap"
)

type Meta struct {
	fileID       uint32
	tableSpaceID uint32
	extentID     uint64
	startPage    uint64
	pageCount    uint64
}

func NewMeta(fileID, tableSpaceID uint32, extentID, startPage, pageCount uint64) *Meta {
	if pageCount < 1 {
		panic(fmt.Sprintf("extent: page count must be at least one: %d", pageCount))
	}
	return &Meta{
		fileID:       fileID,
		tableSpaceID: tableSpaceID,
		extentID:     extentID,
		startPage:    startPage,
		pageCount:    pageCount,
	}
}

// MetaFrom parses an extent header; the file id and table space id are not stored in the
// header and come from the caller.
func MetaFrom(fileID, tableSpaceID uint32, b []byte) (*Meta, error) {
	if len(b) < HeaderSize {
		return nil, errors.Wrapf(storage.ErrFormat, "extent header: got %d bytes want %d",
			len(b), HeaderSize)
	}
	m := &Meta{
		fileID:       fileID,
		tableSpaceID: tableSpaceID,
		extentID:     binary.BigEndian.Uint64(b[LayoutExtentHeader.ExtentID:]),
		startPage:    binary.BigEndian.Uint64(b[LayoutExtentHeader.StartPage:]),
		pageCount:    binary.BigEndian.Uint64(b[LayoutExtentHeader.PageCount:]),
	}
	if m.pageCount < 1 {
		return nil, errors.Wrapf(storage.ErrFormat, "extent %d: zero page count", m.extentID)
	} else if m.pageCount > MaxPageCount {
		return nil, errors.Wrapf(storage.ErrFormat, "extent %d: page count %d too large",
			m.extentID, m.pageCount)
	} else if m.startPage > math.MaxUint64-m.pageCount {
		return nil, errors.Wrapf(storage.ErrFormat, "extent %d: pages %d + %d overflow",
			m.extentID, m.startPage, m.pageCount)
	}
	return m, nil
}

func (m *Meta) Bytes() []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(b[LayoutExtentHeader.ExtentID:], m.extentID)
	binary.BigEndian.PutUint64(b[LayoutExtentHeader.StartPage:], m.startPage)
	binary.BigEndian.PutUint64(b[LayoutExtentHeader.PageCount:], m.pageCount)
	return b
}

func (m *Meta) DataPages() int {
	return int(m.pageCount - 1)
}

func (m *Meta) FileID() uint32 {
	return m.fileID
}

func (m *Meta) TableSpaceID() uint32 {
	return m.tableSpaceID
}

func (m *Meta) ExtentID() uint64 {
	return m.extentID
}

func (m *Meta) StartPage() uint64 {
	return m.startPage
}

func (m *Meta) PageCount() uint64 {
	return m.pageCount
}

// offset converts an absolute page number to a bitmap offset.
func (m *Meta) offset(page uint64) (int, bool) {
	if page < m.startPage || page >= m.startPage+uint64(m.DataPages()) {
		return 0, false
	}
	return int(page - m.startPage), true
}

// Payload is the mutable allocation state of an extent. It is not safe for concurrent use;
// Extent guards it with a mutex.
type Payload struct {
	bitmap *quadmap.QuadBitmap

	// nextWritePage is a hint: the first page which might have space. Allocation always
	// scans the bitmap.
	nextWritePage int
	fullPageCount int
}

func NewPayload(dataPages int) *Payload {
	return &Payload{
		bitmap: quadmap.New(dataPages),
	}
}

// PayloadFrom reads the bitmap which follows the header in b. The bitmap is copied.
func PayloadFrom(b []byte, m *Meta) (*Payload, error) {
	dp := m.DataPages()
	end := LayoutExtentHeader.Bitmap + bitmapSize(dp)
	if len(b) < end {
		return nil, errors.Wrapf(storage.ErrFormat, "extent %d: bitmap: got %d bytes want %d",
			m.extentID, len(b), end)
	}

	bitmap, err := quadmap.FromLen(append([]byte(nil), b[LayoutExtentHeader.Bitmap:end]...),
		dp)
	if err != nil {
		return nil, errors.Wrapf(storage.ErrFormat, "extent %d: %s", m.extentID, err)
	}
	pl := &Payload{
		bitmap:        bitmap,
		fullPageCount: dp - bitmap.CountState012(),
	}
	if off, ok := bitmap.FindFirstState012(); ok {
		pl.nextWritePage = off
	}
	return pl, nil
}

// AllocatePage marks the first free page as allocated and returns its offset.
func (pl *Payload) AllocatePage() (int, bool) {
	off, ok := pl.bitmap.FindFirstState0()
	if !ok {
		return 0, false
	}
	pl.bitmap.Set(off, quadmap.State1)
	pl.nextWritePage = off
	return off, true
}

// FreePage marks page as free; it returns false, and changes nothing, if page is not one of
// the data pages of the extent.
func (pl *Payload) FreePage(page uint64, m *Meta) bool {
	off, ok := m.offset(page)
	if !ok {
		return false
	}
	if st, _ := pl.bitmap.Get(off); st == quadmap.State3 {
		pl.fullPageCount -= 1
	}
	pl.bitmap.Set(off, quadmap.State0)
	if off < pl.nextWritePage {
		pl.nextWritePage = off
	}
	return true
}

// MarkPageFull records that an allocated page has no remaining capacity; it returns false,
// and changes nothing, if page is free or not one of this extent's data pages.
func (pl *Payload) MarkPageFull(page uint64, m *Meta) bool {
	off, ok := m.offset(page)
	if !ok {
		return false
	}
	st, _ := pl.bitmap.Get(off)
	if st == quadmap.State0 {
		return false
	} else if st != quadmap.State3 {
		pl.fullPageCount += 1
		pl.bitmap.Set(off, quadmap.State3)
	}
	if off == pl.nextWritePage {
		if next, ok := pl.bitmap.FindFirstState012FastFrom(off); ok {
			pl.nextWritePage = next
		}
	}
	return true
}

// ReservePage marks a specific page as allocated, if it is free; it is used by recovery.
func (pl *Payload) ReservePage(page uint64, m *Meta) bool {
	off, ok := m.offset(page)
	if !ok {
		return false
	}
	if st, _ := pl.bitmap.Get(off); st == quadmap.State0 {
		pl.bitmap.Set(off, quadmap.State1)
	}
	return true
}

func (pl *Payload) HasFreePages() bool {
	_, ok := pl.bitmap.FindFirstState0()
	return ok
}

// Extent is a shared handle to one extent; copies of the pointer all see the same state.
type Extent struct {
	meta *Meta

	mutex   sync.Mutex
	payload *Payload
}

type Stats struct {
	DataPages int
	Free      int
	Allocated int
	Full      int
}

func New(fileID, tableSpaceID uint32, extentID, startPage, pageCount uint64) *Extent {
	m := NewMeta(fileID, tableSpaceID, extentID, startPage, pageCount)
	return &Extent{
		meta:    m,
		payload: NewPayload(m.DataPages()),
	}
}

// From loads an extent from the bytes returned by Bytes.
func From(fileID, tableSpaceID uint32, b []byte) (*Extent, error) {
	m, err := MetaFrom(fileID, tableSpaceID, b)
	if err != nil {
		return nil, err
	}
	pl, err := PayloadFrom(b, m)
	if err != nil {
		return nil, err
	}
	return &Extent{
		meta:    m,
		payload: pl,
	}, nil
}

func (e *Extent) Meta() *Meta {
	return e.meta
}

func (e *Extent) FileID() uint32 {
	return e.meta.fileID
}

func (e *Extent) TableSpaceID() uint32 {
	return e.meta.tableSpaceID
}

func (e *Extent) ExtentID() uint64 {
	return e.meta.extentID
}

func (e *Extent) StartPage() uint64 {
	return e.meta.startPage
}

func (e *Extent) PageCount() uint64 {
	return e.meta.pageCount
}

func (e *Extent) DataPages() int {
	return e.meta.DataPages()
}

// PageNumber converts an offset returned by AllocatePage into an absolute page number.
func (e *Extent) PageNumber(off int) uint64 {
	return e.meta.startPage + uint64(off)
}

func (e *Extent) AllocatePage() (int, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.payload.AllocatePage()
}

func (e *Extent) FreePage(page uint64) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.payload.FreePage(page, e.meta)
}

func (e *Extent) MarkPageFull(page uint64) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.payload.MarkPageFull(page, e.meta)
}

func (e *Extent) ReservePage(page uint64) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.payload.ReservePage(page, e.meta)
}

func (e *Extent) HasFreePages() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.payload.HasFreePages()
}

// AllocatedPages returns the page numbers of every data page which is not free.
func (e *Extent) AllocatedPages() []uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var pages []uint64
	for off := 0; off < e.meta.DataPages(); off += 1 {
		if st, _ := e.payload.bitmap.Get(off); st != quadmap.State0 {
			pages = append(pages, e.meta.startPage+uint64(off))
		}
	}
	return pages
}

func (e *Extent) NextWritePage() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.meta.startPage + uint64(e.payload.nextWritePage)
}

func (e *Extent) FullPageCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.payload.fullPageCount
}

func (e *Extent) Stats() Stats {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	dp := e.meta.DataPages()
	free := e.payload.bitmap.CountState0()
	return Stats{
		DataPages: dp,
		Free:      free,
		Allocated: dp - free - e.payload.fullPageCount,
		Full:      e.payload.fullPageCount,
	}
}

// Bytes serializes the header followed by the bitmap.
func (e *Extent) Bytes() []byte {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return append(e.meta.Bytes(), e.payload.bitmap.Bytes()...)
}

func (e *Extent) String() string {
	return fmt.Sprintf("extent(%d: pages %d-%d)", e.meta.extentID, e.meta.startPage,
		e.meta.startPage+e.meta.pageCount-1)
}
