package remap

import (
	"image"
	"image/color"
	"testing"

	"go.viam.com/test"
)

func ramp(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(10 * x)})
		}
	}
	return img
}

func TestIdentity(t *testing.T) {
	src := ramp(8, 4)
	m, err := Identity(8, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Validate(), test.ShouldBeNil)

	out := m.RemapGray(src)
	test.That(t, out.Pix, test.ShouldResemble, src.Pix)
}

func TestBilinear(t *testing.T) {
	src := ramp(8, 4)
	m, err := New(8, 4, func(u, v float64) (float64, float64) { return u + 0.5, v })
	test.That(t, err, test.ShouldBeNil)

	out := m.RemapGray(src)
	test.That(t, out.GrayAt(2, 1).Y, test.ShouldEqual, uint8(25))
	// last column samples past the right edge and blends with black
	test.That(t, out.GrayAt(7, 1).Y, test.ShouldEqual, uint8(35))

	far, err := New(8, 4, func(u, v float64) (float64, float64) { return u + 100, v })
	test.That(t, err, test.ShouldBeNil)
	test.That(t, far.RemapGray(src).GrayAt(0, 0).Y, test.ShouldEqual, uint8(0))
}

func TestRemapRGBA(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = 200
	}
	m, err := Identity(4, 4)
	test.That(t, err, test.ShouldBeNil)
	out, ok := m.Remap(src).(*image.RGBA)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, out.Pix, test.ShouldResemble, src.Pix)
}

func TestValidate(t *testing.T) {
	_, err := New(0, 10, nil)
	test.That(t, err, test.ShouldNotBeNil)

	var nilMap *Map
	test.That(t, nilMap.Validate(), test.ShouldNotBeNil)

	bad := &Map{Width: 2, Height: 2, X: make([]float32, 4), Y: make([]float32, 3)}
	test.That(t, bad.Validate(), test.ShouldNotBeNil)
}

func TestGray(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for i := 0; i < len(rgba.Pix); i += 4 {
		rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2], rgba.Pix[i+3] = 255, 255, 255, 255
	}
	g := Gray(rgba)
	test.That(t, g.Bounds(), test.ShouldResemble, image.Rect(0, 0, 3, 2))
	test.That(t, g.GrayAt(1, 1).Y, test.ShouldEqual, uint8(255))
}
