// Package clt holds the Cache-Line Table shared by Hub and eTLB entries: a
// per-page vector of (location, way) pairs, one per cache-line slot in the
// page, recording where that line currently lives.
package clt

import (
	"github.com/pkg/errors"

	"cachesim/internal/simerr"
)

// Location codes a CLT slot's residency.
type Location int

const (
	NIC Location = iota // not in cache: only in DRAM
	L1I                 // in L1, instruction (unified L1 today; reserved for a split cache)
	L1D                 // in L1, data
	L2                  // in L2
)

// Table is the per-page vector of (location, way) pairs, one entry per
// cache-line-sized chunk of the page.
type Table struct {
	Location []Location
	Way      []int
}

// NewTable builds an all-NIC table with n entries (pageSize/cacheLine).
func NewTable(n int) Table {
	return Table{
		Location: make([]Location, n),
		Way:      make([]int, n),
	}
}

// Reset clears every slot back to NIC/0, as happens when a Hub entry is
// reinstalled for a new page.
func (t Table) Reset() {
	for i := range t.Location {
		t.Location[i] = NIC
		t.Way[i] = 0
	}
}

// Clone returns an independent copy, used when an eTLB entry copies a Hub
// entry's CLT on install, or vice versa on writeback.
func (t Table) Clone() Table {
	out := Table{
		Location: make([]Location, len(t.Location)),
		Way:      make([]int, len(t.Way)),
	}
	copy(out.Location, t.Location)
	copy(out.Way, t.Way)
	return out
}

// CopyFrom overwrites t's contents with src's, in place (so callers that
// already hold a reference to t's backing slices keep using them).
func (t Table) CopyFrom(src Table) {
	copy(t.Location, src.Location)
	copy(t.Way, src.Way)
}

// Validate returns *simerr.CltCorrupt if any slot holds a location code
// outside {NIC, L1I, L1D, L2}.
func (t Table) Validate(component string) error {
	for _, loc := range t.Location {
		if loc < NIC || loc > L2 {
			return errors.WithStack(&simerr.CltCorrupt{Component: component, Location: int(loc)})
		}
	}
	return nil
}
