package disparity

import (
	"image"
	"math"
)

// Field is a per-pixel disparity map. Pixels without a match hold Invalid.
type Field struct {
	Width   int
	Height  int
	Data    []float32
	Invalid float32
}

// NewField returns a field with every pixel set to invalid.
func NewField(width, height int, invalid float32) *Field {
	f := &Field{Width: width, Height: height, Data: make([]float32, width*height), Invalid: invalid}
	for i := range f.Data {
		f.Data[i] = invalid
	}
	return f
}

// At returns the disparity at (x, y).
func (f *Field) At(x, y int) float32 {
	return f.Data[y*f.Width+x]
}

// Valid reports whether (x, y) holds a match.
func (f *Field) Valid(x, y int) bool {
	return f.At(x, y) != f.Invalid
}

// MinMax returns the smallest and largest values in the field, invalid pixels included.
func (f *Field) MinMax() (float32, float32) {
	if len(f.Data) == 0 {
		return 0, 0
	}
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range f.Data {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

// Normalize linearly rescales the field's current range onto 0..255. A constant field
// maps to black.
func (f *Field) Normalize() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	lo, hi := f.MinMax()
	if hi <= lo {
		return out
	}
	scale := 255 / float64(hi-lo)
	for i, v := range f.Data {
		out.Pix[i] = uint8(math.Round(float64(v-lo) * scale))
	}
	return out
}
