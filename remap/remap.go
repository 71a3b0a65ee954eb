// Package remap stores dense per-pixel coordinate maps and resamples images through them.
package remap

import (
	"context"
	"image"
	"image/draw"
	"math"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/rdk/rimage"
)

// Map gives, for every output pixel, the (fractional) source pixel it is sampled from.
type Map struct {
	Width  int
	Height int
	X      []float32
	Y      []float32
}

// SourceFunc maps an output pixel to source coordinates.
type SourceFunc func(u, v float64) (x, y float64)

// New builds a Map of the given size by evaluating fn at every output pixel. Rows are
// computed in parallel; each row is written by exactly one goroutine, so the result does not
// depend on scheduling.
func New(width, height int, fn SourceFunc) (*Map, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid map size %dx%d", width, height)
	}
	m := &Map{
		Width:  width,
		Height: height,
		X:      make([]float32, width*height),
		Y:      make([]float32, width*height),
	}
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.GOMAXPROCS(0))
	for v := 0; v < height; v++ {
		g.Go(func() error {
			row := v * width
			for u := 0; u < width; u++ {
				x, y := fn(float64(u), float64(v))
				m.X[row+u] = float32(x)
				m.Y[row+u] = float32(y)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the map's field lengths against its dimensions.
func (m *Map) Validate() error {
	if m == nil {
		return errors.New("map is nil")
	}
	if m.Width <= 0 || m.Height <= 0 {
		return errors.Errorf("invalid map size %dx%d", m.Width, m.Height)
	}
	n := m.Width * m.Height
	if len(m.X) != n || len(m.Y) != n {
		return errors.Errorf("map fields have %d/%d values, want %d", len(m.X), len(m.Y), n)
	}
	return nil
}

// Size is the output image size.
func (m *Map) Size() image.Point {
	return image.Pt(m.Width, m.Height)
}

// At returns the source coordinates for output pixel (u, v).
func (m *Map) At(u, v int) (float32, float32) {
	i := v*m.Width + u
	return m.X[i], m.Y[i]
}

// Remap resamples img through the map with bilinear interpolation. Source samples that fall
// outside img are black. Gray inputs produce *image.Gray, everything else *image.RGBA.
func (m *Map) Remap(img image.Image) image.Image {
	if g, ok := img.(*image.Gray); ok {
		return m.RemapGray(g)
	}
	return m.RemapRGBA(toRGBA(img))
}

// RemapGray resamples a single channel image.
func (m *Map) RemapGray(src *image.Gray) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	b := src.Bounds()
	for v := 0; v < m.Height; v++ {
		for u := 0; u < m.Width; u++ {
			x, y := m.At(u, v)
			out.Pix[v*out.Stride+u] = sampleGray(src, b, float64(x), float64(y))
		}
	}
	return out
}

// RemapRGBA resamples a colour image.
func (m *Map) RemapRGBA(src *image.RGBA) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	b := src.Bounds()
	var px [4]uint8
	for v := 0; v < m.Height; v++ {
		for u := 0; u < m.Width; u++ {
			x, y := m.At(u, v)
			sampleRGBA(src, b, float64(x), float64(y), &px)
			o := v*out.Stride + 4*u
			copy(out.Pix[o:o+4], px[:])
		}
	}
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// weights returns the integer corner and fractional offsets, or ok=false when the sample has
// no support inside bounds.
func weights(b image.Rectangle, x, y float64) (x0, y0 int, fx, fy float64, ok bool) {
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0, 0, 0, 0, false
	}
	x += float64(b.Min.X)
	y += float64(b.Min.Y)
	if x < float64(b.Min.X)-1 || y < float64(b.Min.Y)-1 || x >= float64(b.Max.X) || y >= float64(b.Max.Y) {
		return 0, 0, 0, 0, false
	}
	fx0, fy0 := math.Floor(x), math.Floor(y)
	return int(fx0), int(fy0), x - fx0, y - fy0, true
}

func grayAt(src *image.Gray, b image.Rectangle, x, y int) float64 {
	if x < b.Min.X || y < b.Min.Y || x >= b.Max.X || y >= b.Max.Y {
		return 0
	}
	return float64(src.Pix[src.PixOffset(x, y)])
}

func sampleGray(src *image.Gray, b image.Rectangle, x, y float64) uint8 {
	x0, y0, fx, fy, ok := weights(b, x, y)
	if !ok {
		return 0
	}
	top := grayAt(src, b, x0, y0)*(1-fx) + grayAt(src, b, x0+1, y0)*fx
	bottom := grayAt(src, b, x0, y0+1)*(1-fx) + grayAt(src, b, x0+1, y0+1)*fx
	return clamp8(top*(1-fy) + bottom*fy)
}

func sampleRGBA(src *image.RGBA, b image.Rectangle, x, y float64, out *[4]uint8) {
	x0, y0, fx, fy, ok := weights(b, x, y)
	if !ok {
		*out = [4]uint8{0, 0, 0, 0xff}
		return
	}
	w := [4]float64{(1 - fx) * (1 - fy), fx * (1 - fy), (1 - fx) * fy, fx * fy}
	corners := [4]image.Point{{x0, y0}, {x0 + 1, y0}, {x0, y0 + 1}, {x0 + 1, y0 + 1}}
	var acc [4]float64
	for i, c := range corners {
		if !c.In(b) {
			acc[3] += w[i] * 0xff
			continue
		}
		o := src.PixOffset(c.X, c.Y)
		for ch := 0; ch < 4; ch++ {
			acc[ch] += w[i] * float64(src.Pix[o+ch])
		}
	}
	for ch := 0; ch < 4; ch++ {
		out[ch] = clamp8(acc[ch])
	}
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Identity returns a map that copies an image of the given size unchanged.
func Identity(width, height int) (*Map, error) {
	return New(width, height, func(u, v float64) (float64, float64) { return u, v })
}

// Gray converts any image to an *image.Gray with origin at (0, 0).
func Gray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	return rimage.MakeGray(rimage.ConvertImage(img))
}
