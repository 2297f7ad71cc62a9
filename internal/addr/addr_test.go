package addr

import "testing"

func TestLog2Ceil(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{1, 0},
		{2, 1},
		{4, 2},
		{64, 6},
		{4096, 12},
		{65536, 16},
	}
	for _, c := range cases {
		if got := Log2Ceil(c.n); got != c.want {
			t.Errorf("Log2Ceil(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 4, 64, 4096} {
		if !IsPowerOfTwo(n) {
			t.Errorf("IsPowerOfTwo(%d) = false, want true", n)
		}
	}
	for _, n := range []int{0, -1, 3, 9, 100} {
		if IsPowerOfTwo(n) {
			t.Errorf("IsPowerOfTwo(%d) = true, want false", n)
		}
	}
}

func TestCacheLayoutDecode(t *testing.T) {
	// L1 default: 32KiB / 8-way / 64B line -> nLines=512, nSets=64
	l := NewCacheLayout(64, 64)
	if l.OffsetBits != 6 {
		t.Errorf("OffsetBits = %d, want 6", l.OffsetBits)
	}
	if l.SetBits != 6 {
		t.Errorf("SetBits = %d, want 6", l.SetBits)
	}
	if l.TagBits != 48-6-6 {
		t.Errorf("TagBits = %d, want %d", l.TagBits, 48-6-6)
	}

	addr := uint64(0x12345678)
	wantSet := (addr >> 6) % 64
	wantTag := addr >> 12
	if got := l.Set(addr); got != wantSet {
		t.Errorf("Set(%x) = %d, want %d", addr, got, wantSet)
	}
	if got := l.Tag(addr); got != wantTag {
		t.Errorf("Tag(%x) = %d, want %d", addr, got, wantTag)
	}
}

func TestPageLayoutDecode(t *testing.T) {
	// Hub default: 4096 entries / 8-way / 4KiB page -> nSets=512
	l := NewPageLayout(64, 4096, 512)
	if l.OffsetBits != 6 {
		t.Errorf("OffsetBits = %d, want 6", l.OffsetBits)
	}
	if l.PageBits != 6 {
		t.Errorf("PageBits = %d, want 6", l.PageBits)
	}
	if l.SetBits != 9 {
		t.Errorf("SetBits = %d, want 9", l.SetBits)
	}

	addr := uint64(0x1_0000_1234)
	if got, want := l.Offset(addr), addr%64; got != want {
		t.Errorf("Offset = %d, want %d", got, want)
	}
	if got, want := l.PageIndex(addr), (addr>>6)%64; got != want {
		t.Errorf("PageIndex = %d, want %d", got, want)
	}
	if got, want := l.Set(addr), (addr>>12)%512; got != want {
		t.Errorf("Set = %d, want %d", got, want)
	}
}

func TestPointerPackRoundTrip(t *testing.T) {
	cases := []struct{ way, set, setBits int }{
		{0, 0, 9},
		{7, 511, 9},
		{3, 42, 9},
		{15, 0, 6},
	}
	for _, c := range cases {
		p := PackPointer(c.way, c.set, c.setBits)
		gotWay, gotSet := UnpackPointer(p, c.setBits)
		if gotWay != c.way || gotSet != c.set {
			t.Errorf("pack/unpack(%d,%d,%d) round-tripped to (%d,%d)", c.way, c.set, c.setBits, gotWay, gotSet)
		}
	}
}
