/*
Package space allocates tuple ids from a table space: a sequence of extents covering
consecutive page numbers. Each table fills one page at a time; a tuple id is the page number
and the next unused slot on that page. A page that runs out of slots is marked full, and a
page is freed once every tuple on it has been freed.

Extent images are sent to the persistence worker each time their bitmap changes. Slot usage
is not persisted; Reserve and Sweep rebuild it from the recovered rows.
*/
package space

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/kvcore/storage"
	"github.com/leftmike/kvcore/storage/extent"
	"github.com/leftmike/kvcore/storage/kv"
	"github.com/leftmike/kvcore/storage/persist"
)

// Sender queues an extent image for persistence; persist.Worker is a Sender.
type Sender interface {
	Send(ctx context.Context, op persist.Op) error
}

type Space struct {
	logger       *log.Entry
	id           uint32
	extentPages  uint64
	slotsPerPage int
	sender       Sender

	mutex    sync.Mutex
	extents  []*extent.Extent
	nextPage uint64
	current  map[storage.OID]*curPage
	live     map[uint64]int

	sendMutex sync.Mutex

	// OnAllocatePage and OnFreePage, if set, are called after each page allocation and free.
	OnAllocatePage func()
	OnFreePage     func()
}

type curPage struct {
	page     uint64
	nextSlot int
}

// Open loads the extents of table space id from st. New extents have extentPages pages;
// every page holds up to slotsPerPage tuples.
func Open(logger *log.Logger, id uint32, st kv.KV, sender Sender, extentPages uint64,
	slotsPerPage int) (*Space, error) {

	if extentPages < 2 {
		return nil, errors.Errorf("space: extent pages must be at least 2: %d", extentPages)
	}
	if slotsPerPage < 1 || slotsPerPage > storage.MaxSlots {
		return nil, errors.Errorf("space: slots per page must be between 1 and %d: %d",
			storage.MaxSlots, slotsPerPage)
	}

	sp := &Space{
		logger:       logger.WithFields(log.Fields{"component": "space", "space": id}),
		id:           id,
		extentPages:  extentPages,
		slotsPerPage: slotsPerPage,
		sender:       sender,
		current:      map[storage.OID]*curPage{},
		live:         map[uint64]int{},
	}

	err := persist.LoadExtents(st, id,
		func(b []byte) error {
			e, err := extent.From(0, id, b)
			if err != nil {
				return err
			}
			sp.extents = append(sp.extents, e)
			if end := e.StartPage() + e.PageCount(); end > sp.nextPage {
				sp.nextPage = end
			}
			return nil
		})
	if err != nil {
		return nil, errors.Wrapf(err, "space %d: load extents", id)
	}
	sort.Slice(sp.extents,
		func(i, j int) bool {
			return sp.extents[i].StartPage() < sp.extents[j].StartPage()
		})

	sp.logger.WithFields(log.Fields{"extents": len(sp.extents), "next_page": sp.nextPage}).
		Info("table space opened")
	return sp, nil
}

func (sp *Space) ID() uint32 {
	return sp.id
}

// Extents returns the extents in page order.
func (sp *Space) Extents() []*extent.Extent {
	sp.mutex.Lock()
	defer sp.mutex.Unlock()

	return append([]*extent.Extent(nil), sp.extents...)
}

func (sp *Space) findExtent(page uint64) *extent.Extent {
	idx := sort.Search(len(sp.extents),
		func(i int) bool {
			return sp.extents[i].StartPage()+sp.extents[i].PageCount() > page
		})
	if idx < len(sp.extents) && sp.extents[idx].StartPage() <= page {
		return sp.extents[idx]
	}
	return nil
}

func (sp *Space) allocatePage() (uint64, *extent.Extent) {
	for _, e := range sp.extents {
		if off, ok := e.AllocatePage(); ok {
			return e.PageNumber(off), e
		}
	}

	e := extent.New(0, sp.id, uint64(len(sp.extents)), sp.nextPage, sp.extentPages)
	sp.nextPage += sp.extentPages
	sp.extents = append(sp.extents, e)
	sp.logger.WithFields(log.Fields{"extent": e.ExtentID(), "start_page": e.StartPage()}).
		Debug("extent added")

	off, ok := e.AllocatePage()
	if !ok {
		panic("space: new extent has no free pages")
	}
	return e.PageNumber(off), e
}

func (sp *Space) AllocateTuple(ctx context.Context, tid storage.OID) (storage.TupleID, error) {
	var dirty []*extent.Extent
	var allocated, freed bool

	sp.mutex.Lock()
	cp, ok := sp.current[tid]
	if !ok || cp.nextSlot == sp.slotsPerPage {
		if ok {
			if e := sp.findExtent(cp.page); e != nil {
				if sp.live[cp.page] == 0 {
					delete(sp.live, cp.page)
					freed = e.FreePage(cp.page)
				} else {
					e.MarkPageFull(cp.page)
				}
				dirty = append(dirty, e)
			}
		}

		page, e := sp.allocatePage()
		cp = &curPage{page: page}
		sp.current[tid] = cp
		dirty = append(dirty, e)
		allocated = true
	}
	id := storage.MakeTupleID(cp.page, cp.nextSlot)
	cp.nextSlot += 1
	sp.live[cp.page] += 1
	sp.mutex.Unlock()

	if freed && sp.OnFreePage != nil {
		sp.OnFreePage()
	}
	if allocated && sp.OnAllocatePage != nil {
		sp.OnAllocatePage()
	}
	err := sp.persist(ctx, dirty)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (sp *Space) FreeTuple(ctx context.Context, tid storage.OID, id storage.TupleID) error {
	page := id.Page()

	sp.mutex.Lock()
	n, ok := sp.live[page]
	if !ok {
		sp.mutex.Unlock()
		return errors.Wrapf(storage.ErrNotFound, "space %d: free tuple %s", sp.id, id)
	}
	if n > 1 {
		sp.live[page] = n - 1
		sp.mutex.Unlock()
		return nil
	}

	if cp, ok := sp.current[tid]; ok && cp.page == page {
		sp.live[page] = 0
		sp.mutex.Unlock()
		return nil
	}
	delete(sp.live, page)
	e := sp.findExtent(page)
	if e == nil || !e.FreePage(page) {
		sp.mutex.Unlock()
		return errors.Wrapf(storage.ErrNotFound, "space %d: free page %d", sp.id, page)
	}
	sp.mutex.Unlock()

	if sp.OnFreePage != nil {
		sp.OnFreePage()
	}
	return sp.persist(ctx, []*extent.Extent{e})
}

// Reserve records that id is in use; it is called during recovery for every row that was
// recovered.
func (sp *Space) Reserve(id storage.TupleID) error {
	page := id.Page()

	sp.mutex.Lock()
	defer sp.mutex.Unlock()

	for page >= sp.nextPage {
		e := extent.New(0, sp.id, uint64(len(sp.extents)), sp.nextPage, sp.extentPages)
		sp.nextPage += sp.extentPages
		sp.extents = append(sp.extents, e)
	}
	e := sp.findExtent(page)
	if e == nil || page == e.StartPage()+uint64(e.DataPages()) {
		return errors.Wrapf(storage.ErrFormat, "space %d: tuple %s is not on a data page",
			sp.id, id)
	}
	e.ReservePage(page)
	sp.live[page] += 1
	return nil
}

// Sweep frees every allocated page without live tuples and persists every extent. It is
// called once recovery has reserved all of the recovered tuples.
func (sp *Space) Sweep(ctx context.Context) error {
	sp.mutex.Lock()
	var freed int
	for _, e := range sp.extents {
		for _, page := range e.AllocatedPages() {
			if sp.live[page] == 0 && e.FreePage(page) {
				freed += 1
			}
		}
	}
	sp.current = map[storage.OID]*curPage{}
	for page, n := range sp.live {
		if n == 0 {
			delete(sp.live, page)
		}
	}
	pages := len(sp.live)
	extents := append([]*extent.Extent(nil), sp.extents...)
	sp.mutex.Unlock()

	sp.logger.WithFields(log.Fields{"extents": len(extents), "pages": pages}).
		Infof("table space swept: %d pages freed", freed)
	return sp.persist(ctx, extents)
}

// LiveCount returns the number of tuples allocated on page.
func (sp *Space) LiveCount(page uint64) int {
	sp.mutex.Lock()
	defer sp.mutex.Unlock()

	return sp.live[page]
}

func (sp *Space) persist(ctx context.Context, extents []*extent.Extent) error {
	if sp.sender == nil || len(extents) == 0 {
		return nil
	}

	sp.sendMutex.Lock()
	defer sp.sendMutex.Unlock()

	for _, e := range extents {
		err := sp.sender.Send(ctx,
			persist.Op{
				SpaceID:  sp.id,
				ExtentID: e.ExtentID(),
				Extent:   e.Bytes(),
			})
		if err != nil {
			return errors.Wrapf(err, "space %d: persist extent %d", sp.id, e.ExtentID())
		}
	}
	return nil
}
