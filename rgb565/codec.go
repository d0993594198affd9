package rgb565

import (
	"errors"
	"image"
	"math"
)

// ErrGamma is returned for a gamma value that is not a finite positive number.
var ErrGamma = errors.New("rgb565: gamma must be a positive number")

// LUT maps 8-bit channel values to their gamma corrected contribution to a
// packed Color. The three tables are OR-ed together per pixel.
//
// A LUT is immutable once built.
type LUT struct {
	Gamma float64
	R     [256]uint16
	G     [256]uint16
	B     [256]uint16
}

// Curve returns the 8-bit gamma curve v -> round(255 * (v/255)^gamma).
// Gamma 1 is the identity.
func Curve(gamma float64) [256]uint8 {
	var c [256]uint8
	for i := range c {
		if gamma == 1 {
			c[i] = uint8(i)
			continue
		}
		c[i] = uint8(math.Round(255 * math.Pow(float64(i)/255, gamma)))
	}
	return c
}

// BuildLUT builds the channel tables for gamma.
func BuildLUT(gamma float64) *LUT {
	curve := Curve(gamma)
	l := &LUT{Gamma: gamma}
	for i, v := range curve {
		l.R[i] = uint16(v>>3) << 11
		l.G[i] = uint16(v>>2) << 5
		l.B[i] = uint16(v >> 3)
	}
	return l
}

// Codec encodes RGBA pixels into wire-ordered RGB565.
//
// Tables are built lazily and kept per gamma value, so switching back and
// forth between curves does not rebuild them. A Codec is not safe for
// concurrent use.
type Codec struct {
	gamma float64
	lut   *LUT
	luts  map[float64]*LUT
}

// NewCodec returns a codec using gamma. Invalid values fall back to 1.
func NewCodec(gamma float64) *Codec {
	if !validGamma(gamma) {
		gamma = 1
	}
	return &Codec{gamma: gamma, luts: map[float64]*LUT{}}
}

func validGamma(g float64) bool {
	return g > 0 && !math.IsInf(g, 0) && !math.IsNaN(g)
}

// Gamma returns the active gamma value.
func (c *Codec) Gamma() float64 {
	return c.gamma
}

// SetGamma switches the active curve.
func (c *Codec) SetGamma(g float64) error {
	if !validGamma(g) {
		return ErrGamma
	}
	if g != c.gamma {
		c.gamma = g
		c.lut = nil
	}
	return nil
}

// LUT returns the table for the active gamma, building it on first use.
func (c *Codec) LUT() *LUT {
	if c.lut != nil {
		return c.lut
	}
	if l, ok := c.luts[c.gamma]; ok {
		c.lut = l
		return l
	}
	c.lut = BuildLUT(c.gamma)
	c.luts[c.gamma] = c.lut
	return c.lut
}

// EncodedLen returns the number of bytes Encode produces for r.
func EncodedLen(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy() * 2
}

// Encode packs the pixels of img inside r into dst and returns dst[:n] with
// n = EncodedLen(r). dst is reused when its capacity is large enough. r is
// clipped to the image bounds. Alpha is ignored.
func (c *Codec) Encode(dst []byte, img *image.RGBA, r image.Rectangle) []byte {
	r = r.Intersect(img.Rect)
	n := EncodedLen(r)
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	if n == 0 {
		return dst
	}
	l := c.LUT()
	i := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		start := img.PixOffset(r.Min.X, y)
		row := img.Pix[start : start+r.Dx()*4]
		for j := 0; j < len(row); j += 4 {
			v := l.R[row[j]] | l.G[row[j+1]] | l.B[row[j+2]]
			dst[i] = byte(v >> 8)
			dst[i+1] = byte(v)
			i += 2
		}
	}
	return dst
}

// ApplyGamma returns a copy of img with the gamma curve applied to each color
// channel. For gamma 1 img itself is returned.
func ApplyGamma(img *image.RGBA, gamma float64) *image.RGBA {
	if gamma == 1 || !validGamma(gamma) {
		return img
	}
	curve := Curve(gamma)
	out := image.NewRGBA(img.Rect)
	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		src := img.Pix[img.PixOffset(img.Rect.Min.X, y):][:img.Rect.Dx()*4]
		dst := out.Pix[out.PixOffset(out.Rect.Min.X, y):][:out.Rect.Dx()*4]
		for j := 0; j < len(src); j += 4 {
			dst[j] = curve[src[j]]
			dst[j+1] = curve[src[j+1]]
			dst[j+2] = curve[src[j+2]]
			dst[j+3] = src[j+3]
		}
	}
	return out
}
