package etlb

import (
	"testing"

	"cachesim/internal/hub"
	"cachesim/internal/memcache"
)

func newTestEtlb(t *testing.T) *Etlb {
	t.Helper()
	l2, err := memcache.New(memcache.Params{Size: 0x100000, Associativity: 16, CacheLine: 64, AccessTime: 7, TagTime: 3})
	if err != nil {
		t.Fatal(err)
	}
	h, err := hub.New(hub.Params{NLines: 32, Associativity: 8, PageSize: 4096, Cache: l2})
	if err != nil {
		t.Fatal(err)
	}
	l1, err := memcache.New(memcache.Params{Size: 0x8000, Associativity: 16, CacheLine: 64, AccessTime: 4, TagTime: 1})
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(Params{NEntries: 64, Associativity: 8, PageSize: 4096, TlbSeed: 123, Cache: l1, Hub: h})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestFirstTouchInstallsNICThenL1(t *testing.T) {
	e := newTestEtlb(t)
	if err := e.Access(0x1000, false, true); err != nil {
		t.Fatal(err)
	}
	if e.Miss != 1 {
		t.Errorf("Miss = %d, want 1 on first touch", e.Miss)
	}
	if e.Hit[0] != 0 {
		t.Errorf("Hit[NIC] = %d, want 0 (the install re-entry resolves the NIC slot without counting a hit)", e.Hit[0])
	}
}

func TestRepeatedAccessHitsL1(t *testing.T) {
	e := newTestEtlb(t)
	if err := e.Access(0x2000, false, false); err != nil {
		t.Fatal(err)
	}
	before := e.Hit[2]
	for i := 0; i < 10; i++ {
		if err := e.Access(0x2000, false, true); err != nil {
			t.Fatal(err)
		}
	}
	if e.Hit[2]-before != 10 {
		t.Errorf("Hit[L1D] = %d, want 10 repeat hits", e.Hit[2]-before)
	}
}

func TestPageLocalSweepStaysInOnePage(t *testing.T) {
	e := newTestEtlb(t)
	base := uint64(0x10000)
	lines := e.PageSize / e.Cache.CacheLine
	for i := 0; i < lines; i++ {
		if err := e.Access(base+uint64(i)*uint64(e.Cache.CacheLine), false, true); err != nil {
			t.Fatal(err)
		}
	}
	if e.Miss != 1 {
		t.Errorf("Miss = %d, want 1 (first sweep across a page: one eTLB miss for the whole page)", e.Miss)
	}
}

func TestFreeListInvariantHolds(t *testing.T) {
	e := newTestEtlb(t)
	for i := 0; i < 2000; i++ {
		if err := e.Access(uint64(i)*64, false, true); err != nil {
			t.Fatal(err)
		}
		for s := 0; s < e.NSets; s++ {
			occupied := e.Associativity - e.FreeCount(s)
			if occupied < 0 || occupied > e.Associativity {
				t.Fatalf("set %d: occupied=%d out of range", s, occupied)
			}
		}
	}
}

func TestWriteChargesDoubleAccessEnergy(t *testing.T) {
	e := newTestEtlb(t)
	if err := e.Access(0x4000, false, false); err != nil {
		t.Fatal(err)
	}
	before := e.Cache.Energy
	if err := e.Access(0x4000, true, true); err != nil {
		t.Fatal(err)
	}
	got := e.Cache.Energy - before
	want := 2 * e.Cache.AccessEnergy
	if got != want {
		t.Errorf("L1 energy delta for a repeat write hit = %v, want %v", got, want)
	}
}
