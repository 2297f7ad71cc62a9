// Package etlb implements the enhanced TLB: a translation cache augmented
// with a Cache-Line Table per resident page, backed by the Hub directory for
// pages that have been evicted from the eTLB itself but still have lines
// live in L1 or L2.
package etlb

import (
	"github.com/pkg/errors"

	"cachesim/internal/addr"
	"cachesim/internal/clt"
	"cachesim/internal/hub"
	"cachesim/internal/memcache"
	"cachesim/internal/simerr"
	"cachesim/internal/tlb"
)

// Entry is one way of the eTLB: a resident page's translation plus its CLT.
// Set/tag/pageIndex extraction for hit/miss matching is done entirely in
// virtual-address space; PAddr (the translated physical page number) is
// only computed on install and used afterward to locate the owning Hub
// entry.
type Entry struct {
	VTag       uint64
	PAddr      uint64
	Valid      bool
	LastAccess uint64
	CLT        clt.Table
}

// Params configures an Etlb.
type Params struct {
	NEntries      int
	Associativity int
	PageSize      int
	TlbSeed       uint64
	Cache         *memcache.Cache // L1
	Hub           *hub.Hub
}

// Etlb is the enhanced TLB: nSets sets of associativity ways, each an Entry,
// plus the plain virtual->physical Tlb and the Hub it falls back to.
type Etlb struct {
	NEntries      int
	Associativity int
	PageSize      int
	NSets         int
	Layout        addr.PageLayout
	Cache         *memcache.Cache
	Hub           *hub.Hub
	Tlb           *tlb.Tlb

	Hit  [4]uint64
	Miss uint64

	counter  uint64
	freeList [][]int
	entries  [][]*Entry
}

// New validates p, builds an Etlb, and installs it as p.Hub's Backend so the
// Hub can call back in for L1 evictions and eTLB-entry invalidation.
func New(p Params) (*Etlb, error) {
	if p.Cache == nil || p.Hub == nil {
		return nil, errors.WithStack(&simerr.InvalidConfig{Component: "etlb.Etlb", Reason: "cache (L1) and hub are required"})
	}
	if !addr.IsPowerOfTwo(p.PageSize) {
		return nil, errors.WithStack(&simerr.InvalidConfig{Component: "etlb.Etlb", Reason: "pageSize must be a power of two"})
	}
	associativity := p.Associativity
	if associativity == -1 {
		associativity = p.NEntries
	}
	if associativity <= 0 || !addr.IsPowerOfTwo(associativity) {
		return nil, errors.WithStack(&simerr.InvalidConfig{Component: "etlb.Etlb", Reason: "associativity must be a power of two"})
	}
	if p.NEntries%associativity != 0 {
		return nil, errors.WithStack(&simerr.InvalidConfig{Component: "etlb.Etlb", Reason: "nEntries must divide evenly by associativity"})
	}
	nSets := p.NEntries / associativity
	if !addr.IsPowerOfTwo(nSets) {
		return nil, errors.WithStack(&simerr.InvalidConfig{Component: "etlb.Etlb", Reason: "derived set count must be a power of two"})
	}

	nLines := p.PageSize / p.Cache.CacheLine
	layout := addr.NewPageLayout(p.Cache.CacheLine, p.PageSize, nSets)
	e := &Etlb{
		NEntries:      p.NEntries,
		Associativity: associativity,
		PageSize:      p.PageSize,
		NSets:         nSets,
		Layout:        layout,
		Cache:         p.Cache,
		Hub:           p.Hub,
		Tlb:           tlb.New(p.NEntries, layout.TagBits+layout.SetBits, p.TlbSeed),

		freeList: make([][]int, nSets),
		entries:  make([][]*Entry, nSets),
	}
	for s := 0; s < nSets; s++ {
		free := make([]int, associativity)
		entries := make([]*Entry, associativity)
		for w := 0; w < associativity; w++ {
			free[w] = w
			entries[w] = &Entry{CLT: clt.NewTable(nLines)}
		}
		e.freeList[s] = free
		e.entries[s] = entries
	}
	p.Hub.SetBackend(e)
	return e, nil
}

// Access is the top-level entry point: resolve address (virtual) through
// the eTLB/Hub/L1/L2 hierarchy, charging hit/miss and cycle/energy counts
// uniformly per count.
func (e *Etlb) Access(address uint64, write, count bool) error {
	return e.AccessFull(address, write, count, count, count)
}

// AccessFull is Access with countTime/countEnergy controlled independently,
// needed for the recursive resolution step the miss path performs.
func (e *Etlb) AccessFull(address uint64, write, count, countTime, countEnergy bool) error {
	offset := e.Layout.Offset(address)
	pageIndex := int(e.Layout.PageIndex(address))
	setIndex := int(e.Layout.Set(address))
	tag := e.Layout.Tag(address)

	for way, entry := range e.entries[setIndex] {
		if entry.Valid && entry.VTag == tag {
			return e.hit(address, setIndex, way, entry, pageIndex, write, count, countTime, countEnergy)
		}
	}

	if count {
		e.Miss++
	}
	if !e.hasFree(setIndex) {
		victim := e.selectVictim(setIndex)
		if err := e.writeBackEntry(setIndex, victim); err != nil {
			return err
		}
		e.pushFree(setIndex, victim)
	}
	way := e.popFree(setIndex)
	entry := e.entries[setIndex][way]
	entry.VTag = tag
	entry.PAddr = e.Tlb.TranslateVirt((tag << uint(e.Layout.SetBits)) | uint64(setIndex))
	physical := ((entry.PAddr<<uint(e.Layout.PageBits))|uint64(pageIndex))<<uint(e.Layout.OffsetBits) | offset

	hubEntry, err := e.Hub.Access(physical, write, count, countTime, countEnergy)
	if err != nil {
		return err
	}
	entry.CLT.CopyFrom(hubEntry.CLT)
	entry.Valid = true

	hubEntry.EtlbValid = true
	hubEntry.EtlbPointer = addr.PackPointer(way, setIndex, e.Layout.SetBits)

	// Re-enter now that the entry is installed, to actually resolve the
	// line (NIC/L1/L2) the way a hit would; structural accounting for the
	// install itself has already been charged above.
	return e.AccessFull(address, write, false, false, true)
}

// hit resolves an address already known to match entry, promoting the line
// toward L1 as needed. address is still in virtual-address space, which is
// fine for anything keyed off offset/pageIndex/set bits below the page
// boundary, since translation only changes the page number.
func (e *Etlb) hit(address uint64, setIndex, way int, entry *Entry, pageIndex int, write, count, countTime, countEnergy bool) error {
	loc := entry.CLT.Location[pageIndex]
	lineWay := entry.CLT.Way[pageIndex]
	if count {
		e.Hit[loc]++
	}

	switch loc {
	case clt.NIC:
		l1Set := int(e.Cache.Layout.Set(address))
		if !e.Cache.HasFree(l1Set) {
			if err := e.EvictCache(l1Set, -1, countEnergy); err != nil {
				return err
			}
		}
		l1Way := e.Cache.PopFree(l1Set)
		e.Cache.AccessDirectFull(l1Set, l1Way, write, false, countEnergy)

		hubSet := int(entry.PAddr % uint64(e.Hub.NSets))
		etlbPointer := addr.PackPointer(way, setIndex, e.Layout.SetBits)
		hubWay, ok := e.Hub.FindByEtlbPointer(hubSet, etlbPointer)
		if !ok {
			return errors.WithStack(&simerr.InvariantBroken{Component: "etlb.Etlb", Detail: "resident entry has no matching Hub back-pointer"})
		}
		e.Cache.SetTag(l1Set, l1Way, addr.PackPointer(hubWay, hubSet, e.Hub.Layout.SetBits))
		entry.CLT.Location[pageIndex] = clt.L1D
		entry.CLT.Way[pageIndex] = l1Way

	case clt.L1I, clt.L1D:
		l1Set := int(e.Cache.Layout.Set(address))
		e.Cache.AccessDirectFull(l1Set, lineWay, write, countTime, countEnergy)

	case clt.L2:
		hubSet := int(entry.PAddr % uint64(e.Hub.NSets))
		etlbPointer := addr.PackPointer(way, setIndex, e.Layout.SetBits)
		hubWay, ok := e.Hub.FindByEtlbPointer(hubSet, etlbPointer)
		if !ok {
			return errors.WithStack(&simerr.InvariantBroken{Component: "etlb.Etlb", Detail: "resident entry has no matching Hub back-pointer"})
		}
		l2Set := int(addr.PackPointer(hubWay, hubSet, e.Hub.Layout.SetBits) % uint64(e.Hub.Cache.NSets))
		e.Hub.Cache.AccessDirectFull(l2Set, lineWay, write, countTime, countEnergy)

		l1Set := int(e.Cache.Layout.Set(address))
		if !e.Cache.HasFree(l1Set) {
			if err := e.EvictCache(l1Set, -1, countEnergy); err != nil {
				return err
			}
		}
		l1Way := e.Cache.PopFree(l1Set)
		e.Cache.AccessDirectFull(l1Set, l1Way, write, false, countEnergy)
		e.Cache.SetTag(l1Set, l1Way, e.Hub.Cache.Tag(l2Set, lineWay))

		entry.CLT.Location[pageIndex] = clt.L1D
		entry.CLT.Way[pageIndex] = l1Way

		// The line now lives only in L1; free its L2 slot directly (the
		// owning CLT was just updated above, so this must not go through
		// Hub.EvictCache, which would re-derive and re-charge the same
		// eviction against a CLT that no longer has an L2 entry to clear).
		e.Hub.Cache.Evict(l2Set, lineWay, countEnergy)

	default:
		return errors.WithStack(&simerr.CltCorrupt{Component: "etlb.Etlb", Location: int(loc)})
	}

	e.counter++
	entry.LastAccess = e.counter
	return nil
}

// EvictCache evicts an L1 line (set, way), demoting it to L2 and updating
// whichever CLT owns the page: the active eTLB entry pointed to by the L1
// tag's Hub pointer if that Hub entry is still eTLBValid, else the Hub
// entry's own CLT directly. way<0 selects the L1 LRU victim.
func (e *Etlb) EvictCache(set, way int, countEnergy bool) error {
	if way < 0 {
		way = e.Cache.SelectEviction(set)
	}
	hubPointer := e.Cache.Tag(set, way)

	hubWay, hubSet := addr.UnpackPointer(hubPointer, e.Hub.Layout.SetBits)
	l2Set := int(hubPointer % uint64(e.Hub.Cache.NSets))
	if !e.Hub.Cache.HasFree(l2Set) {
		if err := e.Hub.EvictCache(l2Set, -1, countEnergy); err != nil {
			return err
		}
	}
	l2Way := e.Hub.Cache.PopFree(l2Set)
	e.Hub.Cache.AccessDirectFull(l2Set, l2Way, false, false, countEnergy)
	e.Hub.Cache.SetTag(l2Set, l2Way, hubPointer)

	hubEntry := e.Hub.EntryAt(hubSet, hubWay)
	target := hubEntry.CLT
	if hubEntry.EtlbValid {
		etlbWay, etlbSet := addr.UnpackPointer(hubEntry.EtlbPointer, e.Layout.SetBits)
		target = e.entries[etlbSet][etlbWay].CLT
	}
	for i := range target.Location {
		if target.Way[i] == way && target.Location[i] == clt.L1D {
			target.Location[i] = clt.L2
			target.Way[i] = l2Way
		}
	}

	e.Cache.Evict(set, way, countEnergy)
	return nil
}

// EvictL1Line implements hub.Backend: demote the L1 line holding the chunk
// at address, in the given way, to L2/DRAM. Used by the Hub's victim walk,
// which already knows the way from the owning CLT.
func (e *Etlb) EvictL1Line(address uint64, way int, countEnergy bool) error {
	set := int(e.Cache.Layout.Set(address))
	return e.EvictCache(set, way, countEnergy)
}

// InvalidateEntry implements hub.Backend: clear the valid bit of the eTLB
// entry addressed by pointer (packed in the eTLB's own (way,set) coordinates).
func (e *Etlb) InvalidateEntry(pointer uint64) error {
	way, set := addr.UnpackPointer(pointer, e.Layout.SetBits)
	if set < 0 || set >= e.NSets || way < 0 || way >= e.Associativity {
		return errors.WithStack(&simerr.InvariantBroken{Component: "etlb.Etlb", Detail: "Hub pointer does not resolve to an eTLB entry"})
	}
	e.entries[set][way].Valid = false
	return nil
}

// ClearL2Way implements hub.Backend: mark any line the eTLB entry at pointer
// believes resides in L2 way `way` as NIC, mirroring what the Hub does to an
// inactive entry in the same situation.
func (e *Etlb) ClearL2Way(pointer uint64, way int) {
	etlbWay, etlbSet := addr.UnpackPointer(pointer, e.Layout.SetBits)
	if etlbSet < 0 || etlbSet >= e.NSets || etlbWay < 0 || etlbWay >= e.Associativity {
		return
	}
	entry := e.entries[etlbSet][etlbWay]
	for i := range entry.CLT.Location {
		if entry.CLT.Way[i] == way && entry.CLT.Location[i] == clt.L2 {
			entry.CLT.Location[i] = clt.NIC
		}
	}
}

// writeBackEntry copies an evicted eTLB entry's CLT back into its Hub entry
// (found by a plain scan, since the eTLB holds no direct reference to it)
// and marks the Hub entry inactive. This is a pure bookkeeping handoff: it
// must not go through Hub.Access, which would charge a spurious hit/miss
// and could cascade into an unrelated Hub eviction. A valid victim whose Hub
// entry cannot be found fails with *simerr.InvariantBroken; a victim the Hub
// has already invalidated has nothing to write back.
func (e *Etlb) writeBackEntry(set, way int) error {
	victim := e.entries[set][way]
	if victim.Valid {
		hubSet := int(victim.PAddr % uint64(e.Hub.NSets))
		etlbPointer := addr.PackPointer(way, set, e.Layout.SetBits)
		hubWay, ok := e.Hub.FindByEtlbPointer(hubSet, etlbPointer)
		if !ok {
			return errors.WithStack(&simerr.InvariantBroken{Component: "etlb.Etlb", Detail: "evicted entry has no matching Hub entry"})
		}
		hubEntry := e.Hub.EntryAt(hubSet, hubWay)
		hubEntry.CLT.CopyFrom(victim.CLT)
		hubEntry.EtlbValid = false
	}
	victim.Valid = false
	return nil
}

func (e *Etlb) selectVictim(set int) int {
	way := 0
	minAccess := e.entries[set][0].LastAccess
	for i, entry := range e.entries[set] {
		if !e.inFree(set, i) && entry.LastAccess < minAccess {
			way = i
			minAccess = entry.LastAccess
		}
	}
	return way
}

func (e *Etlb) hasFree(set int) bool {
	return len(e.freeList[set]) > 0
}

func (e *Etlb) popFree(set int) int {
	free := e.freeList[set]
	way := free[len(free)-1]
	e.freeList[set] = free[:len(free)-1]
	return way
}

func (e *Etlb) pushFree(set, way int) {
	if !e.inFree(set, way) {
		e.freeList[set] = append(e.freeList[set], way)
	}
}

func (e *Etlb) inFree(set, way int) bool {
	for _, w := range e.freeList[set] {
		if w == way {
			return true
		}
	}
	return false
}

// FreeCount returns the number of free ways in set, used by invariant audits.
func (e *Etlb) FreeCount(set int) int {
	return len(e.freeList[set])
}

// EntriesAt returns the ways of set, used by the --step debug driver to
// print the resolved entry for a reference it has just processed.
func (e *Etlb) EntriesAt(set int) []*Entry {
	return e.entries[set]
}
