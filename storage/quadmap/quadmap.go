/*
Package quadmap implements a bitmap of two bit cells, packed four cells per byte.

Cell i is stored in byte i/4 at bit offset (i%4)*2, so cell 0 is the low two bits of the
first byte. Each cell holds one of four states; the extent allocator uses State0 for a free
page, State1 for an allocated page, and State3 for a page with no remaining capacity.
*/
package quadmap

import (
	"fmt"

	"github.com/pkg/errors"
)

type State byte

const (
	State0 State = 0b00
	State1 State = 0b01
	State2 State = 0b10
	State3 State = 0b11
)

const (
	cellsPerByte = 4
	cellMask     = 0b11
	fullByte     = 0xFF
)

var (
	ErrOutOfRange = errors.New("quadmap: index out of range")
	ErrBadState   = errors.New("quadmap: bad state")
)

func (s State) String() string {
	switch s {
	case State0:
		return "State0"
	case State1:
		return "State1"
	case State2:
		return "State2"
	case State3:
		return "State3"
	}
	return fmt.Sprintf("State(%d)", byte(s))
}

type QuadBitmap struct {
	data []byte
	n    int
}

func byteLen(n int) int {
	return (n + cellsPerByte - 1) / cellsPerByte
}

// New returns a bitmap of n cells, all State0.
func New(n int) *QuadBitmap {
	if n < 0 {
		panic(fmt.Sprintf("quadmap: negative length: %d", n))
	}
	return &QuadBitmap{
		data: make([]byte, byteLen(n)),
		n:    n,
	}
}

// From wraps b without copying; every byte contributes four cells, so the length is
// len(b) * 4. Use FromLen when the logical length is not a multiple of four.
func From(b []byte) *QuadBitmap {
	return &QuadBitmap{
		data: b,
		n:    len(b) * cellsPerByte,
	}
}

// FromLen wraps b as a bitmap of n cells; b must be exactly the ceil(n/4) bytes needed.
func FromLen(b []byte, n int) (*QuadBitmap, error) {
	if n < 0 || byteLen(n) != len(b) {
		return nil, errors.Wrapf(ErrOutOfRange, "%d bytes can not hold exactly %d cells",
			len(b), n)
	}
	return &QuadBitmap{
		data: b,
		n:    n,
	}, nil
}

// FromStates returns a bitmap with one cell per state.
func FromStates(states []State) *QuadBitmap {
	qb := New(len(states))
	for idx, st := range states {
		qb.set(idx, st)
	}
	return qb
}

func (qb *QuadBitmap) Len() int {
	return qb.n
}

// Bytes returns the packed cells; the slice is shared with the bitmap.
func (qb *QuadBitmap) Bytes() []byte {
	return qb.data
}

func (qb *QuadBitmap) get(idx int) State {
	return State((qb.data[idx/cellsPerByte] >> ((idx % cellsPerByte) * 2)) & cellMask)
}

func (qb *QuadBitmap) set(idx int, st State) {
	shift := (idx % cellsPerByte) * 2
	b := qb.data[idx/cellsPerByte] &^ (cellMask << shift)
	qb.data[idx/cellsPerByte] = b | (byte(st) << shift)
}

func (qb *QuadBitmap) Get(idx int) (State, bool) {
	if idx < 0 || idx >= qb.n {
		return State0, false
	}
	return qb.get(idx), true
}

func (qb *QuadBitmap) Set(idx int, st State) error {
	if idx < 0 || idx >= qb.n {
		return errors.Wrapf(ErrOutOfRange, "set %d of %d", idx, qb.n)
	}
	if st > State3 {
		return errors.Wrapf(ErrBadState, "set %d to %d", idx, byte(st))
	}
	qb.set(idx, st)
	return nil
}

// SetRange sets the cells starting at start to states; nothing is changed unless every cell
// is in range.
func (qb *QuadBitmap) SetRange(start int, states []State) error {
	if start < 0 || start+len(states) > qb.n {
		return errors.Wrapf(ErrOutOfRange, "set range %d+%d of %d", start, len(states), qb.n)
	}
	for _, st := range states {
		if st > State3 {
			return errors.Wrapf(ErrBadState, "set range %d: %d", start, byte(st))
		}
	}
	for idx, st := range states {
		qb.set(start+idx, st)
	}
	return nil
}

func (qb *QuadBitmap) find(start int, match func(st State) bool) (int, bool) {
	if start < 0 {
		start = 0
	}
	for idx := start; idx < qb.n; idx++ {
		if match(qb.get(idx)) {
			return idx, true
		}
	}
	return 0, false
}

func isState0(st State) bool {
	return st == State0
}

func isState012(st State) bool {
	return st != State3
}

func (qb *QuadBitmap) FindFirstState0() (int, bool) {
	return qb.find(0, isState0)
}

func (qb *QuadBitmap) FindFirstState0From(start int) (int, bool) {
	return qb.find(start, isState0)
}

// FindFirstState012 returns the first cell which is not State3.
func (qb *QuadBitmap) FindFirstState012() (int, bool) {
	return qb.find(0, isState012)
}

func (qb *QuadBitmap) FindFirstState012From(start int) (int, bool) {
	return qb.find(start, isState012)
}

func (qb *QuadBitmap) FindFirstState012Fast() (int, bool) {
	return qb.FindFirstState012FastFrom(0)
}

// FindFirstState012FastFrom returns the same result as FindFirstState012From, but skips whole
// bytes of State3 cells without decoding them.
func (qb *QuadBitmap) FindFirstState012FastFrom(start int) (int, bool) {
	if start < 0 {
		start = 0
	}

	idx := start
	for idx < qb.n {
		if idx%cellsPerByte == 0 && idx+cellsPerByte <= qb.n &&
			qb.data[idx/cellsPerByte] == fullByte {

			idx += cellsPerByte
			continue
		}
		if qb.get(idx) != State3 {
			return idx, true
		}
		idx += 1
	}
	return 0, false
}

func (qb *QuadBitmap) count(match func(st State) bool) int {
	var cnt int
	idx, ok := qb.find(0, match)
	for ok {
		cnt += 1
		idx, ok = qb.find(idx+1, match)
	}
	return cnt
}

func (qb *QuadBitmap) CountState0() int {
	return qb.count(isState0)
}

func (qb *QuadBitmap) CountState012() int {
	return qb.count(isState012)
}

func (qb *QuadBitmap) findAll(match func(st State) bool) []int {
	var all []int
	idx, ok := qb.find(0, match)
	for ok {
		all = append(all, idx)
		idx, ok = qb.find(idx+1, match)
	}
	return all
}

func (qb *QuadBitmap) FindAllState0() []int {
	return qb.findAll(isState0)
}

func (qb *QuadBitmap) FindAllState012() []int {
	return qb.findAll(isState012)
}
