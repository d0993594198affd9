// Package chunker picks the size of the pieces a pixel transfer is split into.
//
// The size follows measured throughput: it grows while throughput improves
// and shrinks when it degrades, stalls, or a transfer fails. It always stays
// within the policy bounds and is a multiple of the policy alignment.
package chunker

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy configures a Chunker. Zero fields take the defaults of
// DefaultPolicy.
type Policy struct {
	Initial    int           // starting size in bytes
	Min        int           // lower bound
	Max        int           // upper bound
	Align      int           // sizes are multiples of Align (2 for RGB565)
	Samples    int           // throughput history length
	Interval   time.Duration // minimum time between two adjustments
	StallAfter time.Duration // a single transfer slower than this halves the size
}

// DefaultPolicy returns the stock bounds: 4 KiB start, 1..16 KiB.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    4096,
		Min:        1024,
		Max:        16384,
		Align:      2,
		Samples:    20,
		Interval:   time.Second,
		StallAfter: 250 * time.Millisecond,
	}
}

// minSamples is the history length below which no adjustment happens.
const minSamples = 10

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Align <= 0 {
		p.Align = d.Align
	}
	if p.Min <= 0 {
		p.Min = d.Min
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Samples < minSamples {
		p.Samples = d.Samples
	}
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.StallAfter <= 0 {
		p.StallAfter = d.StallAfter
	}
	// Bounds snap inward to the alignment.
	p.Min = (p.Min + p.Align - 1) / p.Align * p.Align
	p.Max = p.Max / p.Align * p.Align
	if p.Max < p.Min {
		p.Max = p.Min
	}
	return p
}

// Chunker tracks throughput and derives the next chunk size.
type Chunker struct {
	p           Policy
	clk         clockwork.Clock
	size        int
	samples     []float64
	last        time.Time
	adjustments int
}

// New returns a Chunker. A nil clk uses the real clock.
func New(p Policy, clk clockwork.Clock) *Chunker {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	c := &Chunker{p: p.normalized(), clk: clk}
	c.size = c.clamp(c.p.Initial)
	c.samples = make([]float64, 0, c.p.Samples)
	c.last = clk.Now()
	return c
}

// Policy returns the normalized policy.
func (c *Chunker) Policy() Policy {
	return c.p
}

// Next returns the size to use for the next chunk.
func (c *Chunker) Next() int {
	return c.size
}

// Adjustments returns how many times the size changed.
func (c *Chunker) Adjustments() int {
	return c.adjustments
}

// Record reports that n bytes took d to transfer. It returns true when the
// chunk size changed.
func (c *Chunker) Record(n int, d time.Duration) bool {
	if d >= c.p.StallAfter {
		return c.shrink()
	}
	if n > 0 && d > 0 {
		if len(c.samples) == c.p.Samples {
			copy(c.samples, c.samples[1:])
			c.samples = c.samples[:len(c.samples)-1]
		}
		c.samples = append(c.samples, float64(n)/d.Seconds())
	}
	if len(c.samples) < minSamples || c.clk.Since(c.last) <= c.p.Interval {
		return false
	}
	recent := mean(c.samples[len(c.samples)-minSamples:])
	older := recent
	if len(c.samples) > minSamples {
		older = mean(c.samples[:len(c.samples)-minSamples])
	}
	c.last = c.clk.Now()
	switch {
	case recent > older*1.05:
		return c.set(c.size * 6 / 5)
	case recent < older*0.95:
		return c.set(c.size * 4 / 5)
	}
	return false
}

// Failed reports a failed transfer. The size is halved right away.
func (c *Chunker) Failed() {
	c.shrink()
}

func (c *Chunker) shrink() bool {
	c.samples = c.samples[:0]
	c.last = c.clk.Now()
	return c.set(c.size / 2)
}

func (c *Chunker) set(n int) bool {
	n = c.clamp(n)
	if n == c.size {
		return false
	}
	c.size = n
	c.adjustments++
	return true
}

func (c *Chunker) clamp(n int) int {
	n = n / c.p.Align * c.p.Align
	if n < c.p.Min {
		return c.p.Min
	}
	if n > c.p.Max {
		return c.p.Max
	}
	return n
}

func mean(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}
