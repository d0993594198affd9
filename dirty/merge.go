package dirty

import (
	"image"
	"sort"
)

// DefaultThreshold is the merge threshold used when none is given: two
// rectangles merge when their union covers at most 1.5 times the pixels they
// stand for.
const DefaultThreshold = 1.5

// Area returns the number of pixels in r.
func Area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}

// Clamp restricts r to bounds. The result is empty when they do not overlap.
func Clamp(r, bounds image.Rectangle) image.Rectangle {
	return r.Intersect(bounds)
}

// Expand grows r by margin pixels on each side. Non-positive margins return
// r unchanged. The result should be clamped by the caller.
func Expand(r image.Rectangle, margin int) image.Rectangle {
	if margin <= 0 || r.Empty() {
		return r
	}
	return r.Inset(-margin)
}

type region struct {
	r   image.Rectangle
	src int // summed area of the input rectangles folded into r
}

// Merge folds regions together while doing so does not waste too many
// pixels, then keeps folding until at most maxRegions remain.
//
// A pair merges when area(union) <= threshold * (src(a) + src(b)), where src
// is the summed area of the input rectangles a region already absorbed. Pairs
// are visited smallest first and the pass repeats until nothing changes.
// When more than maxRegions are left, the pair whose union adds the fewest
// extra pixels is merged until the count fits. maxRegions <= 0 disables the
// cap. threshold <= 0 selects DefaultThreshold. Empty inputs are dropped.
// The result is ordered top to bottom, then left to right.
func Merge(regions []image.Rectangle, threshold float64, maxRegions int) []image.Rectangle {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	items := make([]region, 0, len(regions))
	for _, r := range regions {
		if a := Area(r); a > 0 {
			items = append(items, region{r: r.Canon(), src: a})
		}
	}

	for changed := true; changed; {
		changed = false
		sort.SliceStable(items, func(i, j int) bool { return Area(items[i].r) < Area(items[j].r) })
		for i := 0; i < len(items); i++ {
			for j := i + 1; j < len(items); j++ {
				u := items[i].r.Union(items[j].r)
				src := items[i].src + items[j].src
				if float64(Area(u)) <= threshold*float64(src) {
					items[i] = region{r: u, src: src}
					items = append(items[:j], items[j+1:]...)
					changed = true
					j = i
				}
			}
		}
	}

	for maxRegions > 0 && len(items) > maxRegions {
		bi, bj := 0, 1
		best := wasted(items[0].r, items[1].r)
		for i := 0; i < len(items); i++ {
			for j := i + 1; j < len(items); j++ {
				if w := wasted(items[i].r, items[j].r); w < best {
					bi, bj, best = i, j, w
				}
			}
		}
		items[bi] = region{r: items[bi].r.Union(items[bj].r), src: items[bi].src + items[bj].src}
		items = append(items[:bj], items[bj+1:]...)
	}

	out := make([]image.Rectangle, len(items))
	for i, it := range items {
		out[i] = it.r
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Min.Y != out[j].Min.Y {
			return out[i].Min.Y < out[j].Min.Y
		}
		return out[i].Min.X < out[j].Min.X
	})
	return out
}

// wasted is the number of pixels the union of a and b adds beyond a and b.
// It is negative for overlapping rectangles.
func wasted(a, b image.Rectangle) int {
	return Area(a.Union(b)) - Area(a) - Area(b)
}
