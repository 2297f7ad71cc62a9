package memcache

import "testing"

func l1Params(child *Cache) Params {
	return Params{
		Size:          0x8000,
		Associativity: 8,
		CacheLine:     64,
		TagTime:       1,
		AccessTime:    4,
		TagEnergy:     0.000539962,
		AccessEnergy:  0.0111033,
		Child:         child,
	}
}

func TestNewInvalidConfig(t *testing.T) {
	cases := []Params{
		{Size: 100, Associativity: 8, CacheLine: 64},   // not evenly divisible
		{Size: 0x8000, Associativity: 3, CacheLine: 64}, // associativity not power of two
		{Size: 0x8000, Associativity: 8, CacheLine: 48}, // cacheLine not power of two
	}
	for i, p := range cases {
		if _, err := New(p); err == nil {
			t.Errorf("case %d: expected InvalidConfig, got nil", i)
		}
	}
}

func TestFreeListInvariant(t *testing.T) {
	c, err := New(l1Params(nil))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10000; i++ {
		c.Access(uint64(i)*64, false, true)
		for s := 0; s < c.NSets; s++ {
			occupied := c.Associativity - c.FreeCount(s)
			if occupied < 0 || occupied > c.Associativity {
				t.Fatalf("set %d: occupied=%d out of range", s, occupied)
			}
		}
	}
}

func TestDirectMappedRoundRobinMiss(t *testing.T) {
	// associativity=1 (direct mapped), N distinct lines -> N+1 addresses
	// round robin => every access after the first pass is a miss.
	c, err := New(Params{Size: 8 * 64, Associativity: 1, CacheLine: 64, AccessTime: 1, TagTime: 1})
	if err != nil {
		t.Fatal(err)
	}
	n := c.NLines
	addrs := make([]uint64, n+1)
	for i := range addrs {
		addrs[i] = uint64(i) * 64 * uint64(c.NSets)
	}
	for _, a := range addrs {
		c.Access(a, false, true)
	}
	for round := 0; round < 3; round++ {
		before := c.Miss
		for _, a := range addrs {
			c.Access(a, false, true)
		}
		if c.Miss-before != uint64(len(addrs)) {
			t.Errorf("round %d: got %d misses out of %d accesses, want all misses", round, c.Miss-before, len(addrs))
		}
	}
}

func TestLRUFullHitAfterWarmup(t *testing.T) {
	c, err := New(Params{Size: 4 * 64, Associativity: 4, CacheLine: 64, AccessTime: 1, TagTime: 1})
	if err != nil {
		t.Fatal(err)
	}
	k := c.Associativity
	addrs := make([]uint64, k)
	for i := range addrs {
		addrs[i] = uint64(i) * 64 * uint64(c.NSets)
	}
	// warmup
	for _, a := range addrs {
		c.Access(a, false, false)
	}
	hitsBefore := c.Hit
	for round := 0; round < 5; round++ {
		for _, a := range addrs {
			c.Access(a, false, true)
		}
	}
	wantHits := uint64(5 * k)
	if got := c.Hit - hitsBefore; got != wantHits {
		t.Errorf("got %d hits, want %d (100%% hit rate after warmup)", got, wantHits)
	}
}

func TestWriteDoubleEnergy(t *testing.T) {
	c, err := New(l1Params(nil))
	if err != nil {
		t.Fatal(err)
	}
	c.Access(0x1000, true, true)
	// Summed in the order Access charges it (tag, access, write's second
	// access), so exact float equality holds.
	want := c.TagEnergy + c.AccessEnergy + c.AccessEnergy
	if c.Energy != want {
		t.Errorf("Energy = %v, want %v", c.Energy, want)
	}
}

func TestBaselineParity(t *testing.T) {
	l2 := mustNew(t, Params{Size: 0x100000, Associativity: 16, CacheLine: 64, AccessTime: 8, TagTime: 3, AccessEnergy: 0.137789, TagEnergy: 0.00538836})
	l1, err := New(l1Params(l2))
	if err != nil {
		t.Fatal(err)
	}
	warmup := 5
	for i := 0; i < warmup; i++ {
		l1.Access(uint64(i)*64, false, false)
	}
	for i := warmup; i < warmup+50; i++ {
		l1.Access(uint64(i)*64, false, true)
	}
	if l1.Hit+l1.Miss != l1.counter-uint64(warmup) {
		t.Errorf("hit+miss = %d, want counter-warmup = %d", l1.Hit+l1.Miss, l1.counter-uint64(warmup))
	}
}

func mustNew(t *testing.T, p Params) *Cache {
	t.Helper()
	c, err := New(p)
	if err != nil {
		t.Fatal(err)
	}
	return c
}
