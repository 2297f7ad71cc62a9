// Package memcache implements the set-associative cache used as both L1 and
// L2 in the simulator. A single concrete type is configured per construction
// (different sizes/timings for L1 vs L2); there is no inheritance between
// cache "roles".
package memcache

import (
	"github.com/pkg/errors"

	"cachesim/internal/addr"
	"cachesim/internal/simerr"
)

// Params configures a Cache. Child is the next level down (nil means DRAM,
// not simulated: a miss that reaches a nil child simply stops there).
type Params struct {
	Size          int
	Associativity int // -1 means fully associative
	CacheLine     int
	TagTime       uint64
	AccessTime    uint64
	TagEnergy     float64
	AccessEnergy  float64
	Child         *Cache
}

// Cache is a set-associative cache with LRU replacement and write-through to
// an optional child level. All timing/energy accounting flows through
// AccessDirect; Access layers tag lookup and LRU eviction on top of it.
type Cache struct {
	Size          int
	Associativity int
	CacheLine     int
	NLines        int
	NSets         int
	Layout        addr.CacheLayout
	Child         *Cache

	TagTime      uint64
	AccessTime   uint64
	TagEnergy    float64
	AccessEnergy float64

	Hit     uint64
	Miss    uint64
	Cycles  uint64
	Energy  float64
	counter uint64

	freeList   [][]int
	tags       [][]uint64
	lastAccess [][]uint64
}

// New validates p and builds a Cache. It fails with *simerr.InvalidConfig if
// the dimensions don't divide evenly or aren't powers of two, since the
// bit-field slicing in addr.CacheLayout assumes power-of-two set counts and
// line sizes.
func New(p Params) (*Cache, error) {
	if p.CacheLine <= 0 || !addr.IsPowerOfTwo(p.CacheLine) {
		return nil, errors.WithStack(&simerr.InvalidConfig{Component: "memcache.Cache", Reason: "cacheLine must be a power of two"})
	}

	associativity := p.Associativity
	nLines := p.Size / p.CacheLine
	if associativity == -1 {
		associativity = nLines
	}

	if p.Size%p.CacheLine != 0 || p.Size%(associativity*p.CacheLine) != 0 {
		return nil, errors.WithStack(&simerr.InvalidConfig{Component: "memcache.Cache", Reason: "size must divide evenly into associativity*cacheLine lines"})
	}
	if associativity <= 0 || !addr.IsPowerOfTwo(associativity) {
		return nil, errors.WithStack(&simerr.InvalidConfig{Component: "memcache.Cache", Reason: "associativity must be a power of two"})
	}

	nSets := nLines / associativity
	if nSets <= 0 || !addr.IsPowerOfTwo(nSets) {
		return nil, errors.WithStack(&simerr.InvalidConfig{Component: "memcache.Cache", Reason: "derived set count must be a power of two"})
	}

	c := &Cache{
		Size:          p.Size,
		Associativity: associativity,
		CacheLine:     p.CacheLine,
		NLines:        nLines,
		NSets:         nSets,
		Layout:        addr.NewCacheLayout(p.CacheLine, nSets),
		Child:         p.Child,
		TagTime:       p.TagTime,
		AccessTime:    p.AccessTime,
		TagEnergy:     p.TagEnergy,
		AccessEnergy:  p.AccessEnergy,

		freeList:   make([][]int, nSets),
		tags:       make([][]uint64, nSets),
		lastAccess: make([][]uint64, nSets),
	}
	for s := 0; s < nSets; s++ {
		free := make([]int, associativity)
		for w := range free {
			free[w] = w
		}
		c.freeList[s] = free
		c.tags[s] = make([]uint64, associativity)
		c.lastAccess[s] = make([]uint64, associativity)
	}
	return c, nil
}

// Access looks up address, recording a hit or miss and, on miss, recursing
// into Child before installing the new tag. count gates hit/miss and
// cycle/energy accounting uniformly; use AccessFull for independent control.
func (c *Cache) Access(address uint64, write, count bool) {
	c.AccessFull(address, write, count, count, count)
}

// AccessFull is Access with countTime/countEnergy controlled independently
// of count, needed by the Hub/eTLB refill paths which update structural
// state without double-counting statistics already charged elsewhere.
func (c *Cache) AccessFull(address uint64, write, count, countTime, countEnergy bool) {
	set := int(c.Layout.Set(address))
	tag := c.Layout.Tag(address)

	if countTime {
		c.Cycles += c.TagTime
	}
	if countEnergy {
		c.Energy += c.TagEnergy
	}

	way, hit := c.findWay(set, tag)
	if hit {
		if count {
			c.Hit++
		}
	} else {
		if count {
			c.Miss++
		}
		if c.Child != nil {
			c.Child.Access(address, write, count)
		}
		if len(c.freeList[set]) == 0 {
			c.Evict(set, -1, countEnergy)
		}
		way = c.popFree(set)
		c.tags[set][way] = tag
	}
	c.AccessDirectFull(set, way, write, countTime, countEnergy)
}

// AccessDirect charges a direct way access (countTime=countEnergy=true).
func (c *Cache) AccessDirect(set, way int, write bool) {
	c.AccessDirectFull(set, way, write, true, true)
}

// AccessDirectFull is used by the eTLB/Hub when the target way is already
// known: it charges accessTime/accessEnergy (doubling accessEnergy for a
// write), removes way from the free list if present, and bumps LRU.
func (c *Cache) AccessDirectFull(set, way int, write, countTime, countEnergy bool) {
	if countTime {
		c.Cycles += c.AccessTime
	}
	if countEnergy {
		c.Energy += c.AccessEnergy
		if write {
			c.Energy += c.AccessEnergy
		}
	}
	c.removeFree(set, way)
	c.counter++
	c.lastAccess[set][way] = c.counter
}

// Evict adds way to set's free list (idempotent), writing the victim back to
// Child if present, and returns the evicted tag. way=-1 selects the LRU
// victim among occupied ways, with ties broken by the lowest way index.
func (c *Cache) Evict(set, way int, countEnergy bool) uint64 {
	if way < 0 {
		way = c.SelectEviction(set)
	}
	if !c.inFreeList(set, way) {
		c.freeList[set] = append(c.freeList[set], way)
		if c.Child != nil {
			childAddr := (c.tags[set][way] << uint(c.Layout.SetBits)) + uint64(set)
			c.Child.AccessFull(childAddr<<uint(c.Layout.OffsetBits), true, false, false, countEnergy)
		}
	}
	if countEnergy {
		c.Energy += c.TagEnergy
	}
	return c.tags[set][way]
}

// SelectEviction returns the occupied way in set with the smallest
// lastAccess counter (LRU), breaking ties by lowest way index.
func (c *Cache) SelectEviction(set int) int {
	way := 0
	minAccess := c.lastAccess[set][0]
	for i, access := range c.lastAccess[set] {
		if !c.inFreeList(set, i) && access < minAccess {
			way = i
			minAccess = access
		}
	}
	return way
}

// Tag returns the tag currently installed at (set, way).
func (c *Cache) Tag(set, way int) uint64 {
	return c.tags[set][way]
}

// SetTag overwrites the tag at (set, way) directly. Used by the eTLB/Hub to
// install a Hub pointer into an L1/L2 tag slot instead of the address tag
// that a normal Access miss would compute.
func (c *Cache) SetTag(set, way int, tag uint64) {
	c.tags[set][way] = tag
}

// HasFree reports whether set has at least one free way.
func (c *Cache) HasFree(set int) bool {
	return len(c.freeList[set]) > 0
}

// PopFree removes and returns the most-recently-freed way in set (LIFO).
func (c *Cache) PopFree(set int) int {
	return c.popFree(set)
}

func (c *Cache) findWay(set int, tag uint64) (way int, hit bool) {
	for w, t := range c.tags[set] {
		if c.inFreeList(set, w) {
			continue
		}
		if t == tag {
			return w, true
		}
	}
	return 0, false
}

func (c *Cache) popFree(set int) int {
	free := c.freeList[set]
	way := free[len(free)-1]
	c.freeList[set] = free[:len(free)-1]
	return way
}

func (c *Cache) removeFree(set, way int) {
	free := c.freeList[set]
	for i, w := range free {
		if w == way {
			c.freeList[set] = append(free[:i], free[i+1:]...)
			return
		}
	}
}

func (c *Cache) inFreeList(set, way int) bool {
	for _, w := range c.freeList[set] {
		if w == way {
			return true
		}
	}
	return false
}

// FreeCount returns the number of free ways in set, used by invariant audits.
func (c *Cache) FreeCount(set int) int {
	return len(c.freeList[set])
}
