// Package dirty finds the parts of a frame that changed since the previous
// one, and folds them into a small set of rectangles worth transmitting.
package dirty

import (
	"encoding/binary"
	"image"
)

// Compute returns the tightest rectangle enclosing every pixel whose color
// differs between prev and cur, and whether there is any. Alpha is not
// compared. When prev is nil or its bounds differ from cur's, the whole of
// cur is dirty.
//
// Rows are compared two pixels at a time. Column bounds are narrowed the
// same way, and only over the part of a row that lies outside the bounds
// found so far.
func Compute(prev, cur *image.RGBA) (image.Rectangle, bool) {
	if cur == nil || cur.Rect.Empty() {
		return image.Rectangle{}, false
	}
	if prev == nil || prev.Rect != cur.Rect {
		return cur.Rect, true
	}
	return diffRows(prev, cur, cur.Rect.Min.Y, cur.Rect.Max.Y)
}

// ComputeBands splits the frame in horizontal bands of band rows and returns
// one bounding rectangle per band that changed. band <= 0 behaves like
// Compute.
func ComputeBands(prev, cur *image.RGBA, band int) []image.Rectangle {
	if band <= 0 || prev == nil || cur == nil || prev.Rect != cur.Rect {
		if r, ok := Compute(prev, cur); ok {
			return []image.Rectangle{r}
		}
		return nil
	}
	var out []image.Rectangle
	for y := cur.Rect.Min.Y; y < cur.Rect.Max.Y; y += band {
		end := min(y+band, cur.Rect.Max.Y)
		if r, ok := diffRows(prev, cur, y, end); ok {
			out = append(out, r)
		}
	}
	return out
}

func diffRows(prev, cur *image.RGBA, y0, y1 int) (image.Rectangle, bool) {
	r := cur.Rect
	rowLen := r.Dx() * 4
	row := func(img *image.RGBA, y int) []byte {
		i := img.PixOffset(r.Min.X, y)
		return img.Pix[i : i+rowLen]
	}
	same := func(y int) bool {
		return firstDiff(row(prev, y), row(cur, y)) < 0
	}

	top := y0
	for top < y1 && same(top) {
		top++
	}
	if top == y1 {
		return image.Rectangle{}, false
	}
	bottom := y1 - 1
	for bottom > top && same(bottom) {
		bottom--
	}

	// Byte bounds on pixel boundaries, left inclusive and right exclusive.
	left, right := rowLen, 0
	for y := top; y <= bottom; y++ {
		if left == 0 && right == rowLen {
			break
		}
		a, b := row(prev, y), row(cur, y)
		if i := firstDiff(a[:left], b[:left]); i >= 0 {
			left = i &^ 3
		}
		if right < left {
			right = left
		}
		if i := lastDiff(a[right:], b[right:]); i >= 0 {
			right += i&^3 + 4
		}
	}
	return image.Rect(r.Min.X+left/4, top, r.Min.X+right/4, bottom+1), true
}

// rgbMask keeps the color bytes of two little-endian RGBA pixels.
const rgbMask = 0x00FFFFFF00FFFFFF

// firstDiff returns the index of the first differing color byte, or -1.
// Alpha bytes are ignored: the panel has no alpha. a and b start on a pixel.
func firstDiff(a, b []byte) int {
	i := 0
	for ; i+8 <= len(a); i += 8 {
		if (binary.LittleEndian.Uint64(a[i:])^binary.LittleEndian.Uint64(b[i:]))&rgbMask != 0 {
			break
		}
	}
	for ; i < len(a); i++ {
		if i&3 != 3 && a[i] != b[i] {
			return i
		}
	}
	return -1
}

// lastDiff returns the index of the last differing color byte, or -1.
func lastDiff(a, b []byte) int {
	i := len(a)
	for ; i-8 >= 0; i -= 8 {
		if (binary.LittleEndian.Uint64(a[i-8:])^binary.LittleEndian.Uint64(b[i-8:]))&rgbMask != 0 {
			break
		}
	}
	for i--; i >= 0; i-- {
		if i&3 != 3 && a[i] != b[i] {
			return i
		}
	}
	return -1
}
