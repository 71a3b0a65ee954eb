package pattern

import (
	"image"
	"image/color"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func whiteImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

// renderChessboard draws (cols+1)x(rows+1) squares so the board has cols x rows inner corners.
func renderChessboard(p Pattern, square, margin int) (*image.Gray, []r2.Point) {
	w := 2*margin + (p.Cols+1)*square
	h := 2*margin + (p.Rows+1)*square
	img := whiteImage(w, h)
	for sy := 0; sy <= p.Rows; sy++ {
		for sx := 0; sx <= p.Cols; sx++ {
			if (sx+sy)%2 == 1 {
				continue
			}
			for y := 0; y < square; y++ {
				for x := 0; x < square; x++ {
					img.SetGray(margin+sx*square+x, margin+sy*square+y, color.Gray{})
				}
			}
		}
	}
	var corners []r2.Point
	for i := 0; i < p.Rows; i++ {
		for j := 0; j < p.Cols; j++ {
			corners = append(corners, r2.Point{
				X: float64(margin+(j+1)*square) - 0.5,
				Y: float64(margin+(i+1)*square) - 0.5,
			})
		}
	}
	return img, corners
}

// renderCircles draws the pattern as filled dark discs.
func renderCircles(p Pattern, scale, radius, margin float64) (*image.Gray, []r2.Point) {
	var centres []r2.Point
	maxX, maxY := 0., 0.
	for _, o := range p.ObjectPoints() {
		c := r2.Point{X: margin + o.X*scale, Y: margin + o.Y*scale}
		centres = append(centres, c)
		maxX, maxY = max(maxX, c.X), max(maxY, c.Y)
	}
	img := whiteImage(int(maxX+margin), int(maxY+margin))
	for y := 0; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			pt := r2.Point{X: float64(x), Y: float64(y)}
			for _, c := range centres {
				if pt.Sub(c).Norm() <= radius {
					img.SetGray(x, y, color.Gray{})
					break
				}
			}
		}
	}
	return img, centres
}

func closeTo(t *testing.T, got, want []r2.Point, tol float64) {
	t.Helper()
	test.That(t, len(got), test.ShouldEqual, len(want))
	for i := range want {
		test.That(t, got[i].Sub(want[i]).Norm(), test.ShouldBeLessThan, tol)
	}
}

func TestChessboardDetector(t *testing.T) {
	p := Pattern{Type: Chessboard, Rows: 5, Cols: 7, Spacing: 25}
	det, err := NewDetector(p)
	test.That(t, err, test.ShouldBeNil)

	img, corners := renderChessboard(p, 30, 40)
	view, ok := det.Detect(img)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, view.Size, test.ShouldResemble, img.Bounds().Size())
	test.That(t, len(view.Points), test.ShouldEqual, p.Size())

	// every detected corner lies on a rendered corner
	for _, pt := range view.Points {
		best := pt.Sub(corners[0]).Norm()
		for _, c := range corners[1:] {
			best = min(best, pt.Sub(c).Norm())
		}
		test.That(t, best, test.ShouldBeLessThan, 1.5)
	}

	again, ok := det.Detect(img)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, again.Points, test.ShouldResemble, view.Points)
}

func TestCircleGridDetector(t *testing.T) {
	for _, p := range []Pattern{
		{Type: SymmetricCircles, Rows: 4, Cols: 5, Spacing: 1},
		{Type: AsymmetricCircles, Rows: 7, Cols: 3, Spacing: 1},
	} {
		t.Run(string(p.Type), func(t *testing.T) {
			det, err := NewDetector(p)
			test.That(t, err, test.ShouldBeNil)

			img, centres := renderCircles(p, 30, 8, 40)
			view, ok := det.Detect(img)
			test.That(t, ok, test.ShouldBeTrue)
			closeTo(t, view.Points, centres, 1.5)

			again, ok := det.Detect(img)
			test.That(t, ok, test.ShouldBeTrue)
			test.That(t, again.Points, test.ShouldResemble, view.Points)
		})
	}
}

func TestDetectorNotFound(t *testing.T) {
	for _, p := range []Pattern{
		{Type: Chessboard, Rows: 5, Cols: 7, Spacing: 1},
		Default(),
	} {
		det, err := NewDetector(p)
		test.That(t, err, test.ShouldBeNil)
		_, ok := det.Detect(whiteImage(320, 240))
		test.That(t, ok, test.ShouldBeFalse)
		_, ok = det.Detect(image.NewGray(image.Rectangle{}))
		test.That(t, ok, test.ShouldBeFalse)
	}

	_, err := NewDetector(Pattern{Type: Chessboard, Rows: 1, Cols: 3, Spacing: 1})
	test.That(t, err, test.ShouldNotBeNil)
}
