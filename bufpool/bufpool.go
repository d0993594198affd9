// Package bufpool recycles the byte slices used to stage encoded pixel data.
//
// Buffers are grouped in power-of-two size classes. Get returns the smallest
// pooled buffer whose capacity covers the request. The pool holds no locks:
// it belongs to a single display driver.
package bufpool

import "math/bits"

// DefaultDepth is the number of free buffers kept per size class.
const DefaultDepth = 8

// Stats counts pool activity.
type Stats struct {
	Hits    int // Get served from a free list
	Misses  int // Get had to allocate
	Created int // buffers allocated over the pool's lifetime
	Dropped int // Put calls whose buffer was discarded
}

// Pool is a size-classed free list of byte slices.
type Pool struct {
	depth int
	free  [bits.UintSize][][]byte
	stats Stats
}

// New returns a pool keeping at most depth free buffers per size class.
// depth <= 0 selects DefaultDepth.
func New(depth int) *Pool {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Pool{depth: depth}
}

func class(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Get returns a slice of length n, taken from the smallest pooled buffer
// that is large enough. Its contents are undefined.
func (p *Pool) Get(n int) []byte {
	if n < 0 {
		n = 0
	}
	c := class(n)
	for k := c; k < len(p.free); k++ {
		l := p.free[k]
		if len(l) == 0 {
			continue
		}
		b := l[len(l)-1]
		l[len(l)-1] = nil
		p.free[k] = l[:len(l)-1]
		p.stats.Hits++
		return b[:n]
	}
	p.stats.Misses++
	p.stats.Created++
	return make([]byte, n, 1<<c)
}

// Put returns b to the pool. Slices whose capacity is not a power of two, or
// whose class is full, are dropped.
func (p *Pool) Put(b []byte) {
	c := cap(b)
	if c == 0 || c&(c-1) != 0 {
		p.stats.Dropped++
		return
	}
	k := bits.TrailingZeros(uint(c))
	if len(p.free[k]) >= p.depth {
		p.stats.Dropped++
		return
	}
	p.free[k] = append(p.free[k], b[:c])
}

// Stats returns the activity counters.
func (p *Pool) Stats() Stats {
	return p.stats
}

// ResetStats zeroes the activity counters.
func (p *Pool) ResetStats() {
	p.stats = Stats{}
}

// Reset releases every pooled buffer. Counters are kept.
func (p *Pool) Reset() {
	for i := range p.free {
		p.free[i] = nil
	}
}
