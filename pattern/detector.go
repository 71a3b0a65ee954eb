package pattern

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"viamstereocalib/remap"
)

// Detector finds a pattern in an image. A missing, occluded or inconsistent pattern is
// reported with ok=false; it is the normal outcome for most frames.
type Detector interface {
	Detect(img image.Image) (View, bool)
}

// NewDetector returns the OpenCV backed detector for p.Type.
func NewDetector(p Pattern) (Detector, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Type == Chessboard {
		return &chessboardDetector{pattern: p}, nil
	}
	return &circleGridDetector{pattern: p}, nil
}

type chessboardDetector struct {
	pattern Pattern
}

func (d *chessboardDetector) Detect(img image.Image) (View, bool) {
	gray := remap.Gray(img)
	m, err := grayToMat(gray)
	if err != nil {
		return View{}, false
	}
	defer m.Close()

	corners := gocv.NewMat()
	defer corners.Close()

	size := image.Pt(d.pattern.Cols, d.pattern.Rows)
	if !gocv.FindChessboardCorners(m, size, &corners, gocv.CalibCBAdaptiveThresh|gocv.CalibCBNormalizeImage) {
		return View{}, false
	}
	if corners.Rows()*corners.Cols() != d.pattern.Size() {
		return View{}, false
	}
	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, 30, 0.01)
	gocv.CornerSubPix(m, &corners, image.Pt(5, 5), image.Pt(-1, -1), criteria)

	pts := make([]r2.Point, 0, d.pattern.Size())
	for i := 0; i < corners.Rows(); i++ {
		v := corners.GetVecfAt(i, 0)
		pts = append(pts, r2.Point{X: float64(v[0]), Y: float64(v[1])})
	}
	return View{Points: pts, Size: gray.Bounds().Size()}, true
}

type circleGridDetector struct {
	pattern Pattern
}

func (d *circleGridDetector) Detect(img image.Image) (View, bool) {
	gray := remap.Gray(img)
	m, err := grayToMat(gray)
	if err != nil {
		return View{}, false
	}
	defer m.Close()

	size := gray.Bounds().Size()
	params := gocv.NewSimpleBlobDetectorParams()
	params.SetMinArea(10)
	params.SetMaxArea(float64(size.X*size.Y) / float64(2*d.pattern.Size()))
	blobs := gocv.NewSimpleBlobDetectorWithParams(params)
	defer blobs.Close()

	keypoints := blobs.Detect(m)
	if len(keypoints) < d.pattern.Size() {
		return View{}, false
	}

	// drop stray blobs whose size is far from the typical circle
	sizes := make([]float64, len(keypoints))
	for i, kp := range keypoints {
		sizes[i] = kp.Size
	}
	typical, err := stats.Median(sizes)
	if err != nil {
		return View{}, false
	}
	centres := make([]r2.Point, 0, len(keypoints))
	for _, kp := range keypoints {
		if kp.Size > typical/2 && kp.Size < typical*2 {
			centres = append(centres, r2.Point{X: kp.X, Y: kp.Y})
		}
	}

	ordered, ok := orderGrid(d.pattern, centres)
	if !ok {
		return View{}, false
	}
	return View{Points: ordered, Size: size}, true
}

// grayToMat copies an 8-bit gray image into a single channel Mat.
func grayToMat(gray *image.Gray) (gocv.Mat, error) {
	b := gray.Bounds()
	if b.Empty() {
		var empty gocv.Mat
		return empty, errors.New("empty image")
	}
	pix := gray.Pix
	if gray.Stride != b.Dx() {
		pix = make([]byte, 0, b.Dx()*b.Dy())
		for y := 0; y < b.Dy(); y++ {
			off := y * gray.Stride
			pix = append(pix, gray.Pix[off:off+b.Dx()]...)
		}
	}
	return gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, pix)
}
