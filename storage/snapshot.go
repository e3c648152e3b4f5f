package storage

import (
	"fmt"
	"sort"
)

type TxStatus int

const (
	TxInProgress TxStatus = iota
	TxCommitted
	TxAborted
)

func (ts TxStatus) String() string {
	switch ts {
	case TxInProgress:
		return "in-progress"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	}
	return fmt.Sprintf("TxStatus(%d)", int(ts))
}

// Snapshot is the visibility cut of one transaction: every transaction below Xmax which was
// not active when the snapshot was taken is visible.
type Snapshot struct {
	XID    XID
	Xmin   XID
	Xmax   XID
	active []XID
}

func NewSnapshot(xid, xmin, xmax XID, active []XID) *Snapshot {
	act := append(make([]XID, 0, len(active)), active...)
	sort.Slice(act, func(i, j int) bool { return act[i] < act[j] })
	return &Snapshot{
		XID:    xid,
		Xmin:   xmin,
		Xmax:   xmax,
		active: act,
	}
}

func (snap *Snapshot) Active() []XID {
	return snap.active
}

func (snap *Snapshot) isActive(xid XID) bool {
	idx := sort.Search(len(snap.active), func(i int) bool { return snap.active[i] >= xid })
	return idx < len(snap.active) && snap.active[idx] == xid
}

// Visible returns whether a version written by w can be seen by the snapshot.
func (snap *Snapshot) Visible(w XID) bool {
	if w == snap.XID {
		return true
	}
	if w >= snap.Xmax {
		return false
	}
	if w < snap.Xmin {
		return true
	}
	return !snap.isActive(w)
}

func (snap *Snapshot) String() string {
	return fmt.Sprintf("snapshot(xid=%d xmin=%d xmax=%d active=%v)", snap.XID, snap.Xmin,
		snap.Xmax, snap.active)
}
