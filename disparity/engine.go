package disparity

import (
	"context"
	"image"
	"math"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"golang.org/x/sync/errgroup"
)

// stripeRows is how many output rows one worker matches at a time.
const stripeRows = 32

// Engine runs block matching with parameters that can change between frames.
type Engine struct {
	mu     sync.Mutex
	params Params
	logger logging.Logger
}

// NewEngine returns an engine using DefaultParams.
func NewEngine(logger logging.Logger) *Engine {
	return &Engine{params: DefaultParams(), logger: logger}
}

// SetParams clamps p, installs it for the next Compute and returns what was installed.
func (e *Engine) SetParams(p Params) Params {
	clamped, changes := p.Clamp()
	if len(changes) > 0 {
		e.logger.Infof("adjusted disparity parameters: %s", strings.Join(changes, ", "))
	}
	e.mu.Lock()
	e.params = clamped
	e.mu.Unlock()
	return clamped
}

// Params returns the parameters the next Compute will use.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Compute matches every pixel of left against right along its row and returns the
// disparity field. Both images must be rectified and the same size.
func (e *Engine) Compute(left, right *image.Gray) (*Field, error) {
	return Compute(left, right, e.Params())
}

// Compute is the stateless form of Engine.Compute. p is clamped before use.
func Compute(left, right *image.Gray, p Params) (*Field, error) {
	if left == nil || right == nil {
		return nil, errors.New("missing image")
	}
	if left.Bounds().Size() != right.Bounds().Size() {
		return nil, errors.Errorf("image sizes differ: %v and %v", left.Bounds().Size(), right.Bounds().Size())
	}
	p, _ = p.Clamp()
	size := left.Bounds().Size()
	field := NewField(size.X, size.Y, p.Invalid())

	m := newMatcher(p, size)
	if m.empty() {
		return field, nil
	}
	m.left = prefilter(left, p)
	m.right = prefilter(right, p)

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.GOMAXPROCS(0))
	for y0 := m.half; y0 < size.Y-m.half; y0 += stripeRows {
		y1 := min(y0+stripeRows, size.Y-m.half)
		g.Go(func() error {
			m.matchStripe(field, y0, y1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return field, nil
}

// matcher holds the geometry of one Compute call. Workers only read it.
type matcher struct {
	p           Params
	width       int
	height      int
	half        int
	numDisp     int
	x0, x1      int // output columns with a full search range, [x0, x1)
	left, right []int32
}

func newMatcher(p Params, size image.Point) *matcher {
	half := p.WindowSize / 2
	return &matcher{
		p:       p,
		width:   size.X,
		height:  size.Y,
		half:    half,
		numDisp: p.NumDisparities,
		x0:      half + max(p.MaxDisparity(), 0),
		x1:      min(size.X-half, size.X-half+p.MinDisparity),
	}
}

func (m *matcher) empty() bool {
	return m.x0 >= m.x1 || m.height < m.p.WindowSize
}

// matchStripe fills rows [y0, y1) of field. Block costs come from per-column sums over the
// window's rows, updated incrementally as the window slides down.
func (m *matcher) matchStripe(field *Field, y0, y1 int) {
	h, nd, w := m.half, m.numDisp, m.width
	// window columns cover [x0-h, x1+h)
	cols := m.x1 - m.x0 + 2*h
	colStart := m.x0 - h
	zero := int32(m.p.PreFilterCap)

	colCost := make([]int32, nd*cols)
	colTex := make([]int32, cols)
	addRow := func(y int, sign int32) {
		l := m.left[y*w:]
		r := m.right[y*w:]
		for c := 0; c < cols; c++ {
			x := colStart + c
			lv := l[x]
			colTex[c] += sign * abs32(lv-zero)
			row := colCost[c*nd:]
			for d := 0; d < nd; d++ {
				row[d] += sign * abs32(lv-r[x-m.p.MinDisparity-d])
			}
		}
	}
	for y := y0 - h; y <= y0+h; y++ {
		addRow(y, 1)
	}

	cost := make([]int32, nd)
	for y := y0; y < y1; y++ {
		if y > y0 {
			addRow(y+h, 1)
			addRow(y-h-1, -1)
		}
		for d := range cost {
			cost[d] = 0
		}
		tex := int32(0)
		for c := 0; c < 2*h+1; c++ {
			tex += colTex[c]
			row := colCost[c*nd:]
			for d := 0; d < nd; d++ {
				cost[d] += row[d]
			}
		}
		out := field.Data[y*w:]
		for x := m.x0; x < m.x1; x++ {
			if x > m.x0 {
				in := x - colStart + h
				outc := x - colStart - h - 1
				tex += colTex[in] - colTex[outc]
				rin, rout := colCost[in*nd:], colCost[outc*nd:]
				for d := 0; d < nd; d++ {
					cost[d] += rin[d] - rout[d]
				}
			}
			if tex < int32(m.p.TextureThreshold) {
				continue
			}
			if d, ok := m.best(cost); ok {
				out[x] = d
			}
		}
	}
}

// best picks the winning disparity of one pixel, applying the uniqueness check and an
// equiangular sub-pixel fit. A zero UniquenessRatio turns the check off, and ties go to the
// smallest disparity.
func (m *matcher) best(cost []int32) (float32, bool) {
	best := 0
	for d := 1; d < len(cost); d++ {
		if cost[d] < cost[best] {
			best = d
		}
	}
	if m.p.UniquenessRatio > 0 {
		limit := int64(cost[best]) * int64(100+m.p.UniquenessRatio)
		for d := range cost {
			if (d < best-1 || d > best+1) && int64(cost[d])*100 <= limit {
				return 0, false
			}
		}
	}

	disp := float64(m.p.MinDisparity + best)
	if best > 0 && best < len(cost)-1 {
		n, c, p := float64(cost[best-1]), float64(cost[best]), float64(cost[best+1])
		if den := p + n - 2*c + math.Abs(p-n); den != 0 {
			disp += (n - p) / den
		}
	}
	return float32(disp), true
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// prefilter maps an image to signed responses clipped to ±PreFilterCap and offset by the cap,
// so a flat region reads PreFilterCap.
func prefilter(img *image.Gray, p Params) []int32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	at := func(x, y int) int32 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return int32(img.Pix[y*img.Stride+x])
	}
	capv := int32(p.PreFilterCap)
	clip := func(v int32) int32 {
		return min(max(v, -capv), capv) + capv
	}

	out := make([]int32, w*h)
	switch p.PreFilter {
	case NormalizedResponse:
		// integral image for the local mean
		integral := make([]int64, (w+1)*(h+1))
		for y := 0; y < h; y++ {
			rowSum := int64(0)
			for x := 0; x < w; x++ {
				rowSum += int64(at(x, y))
				integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + rowSum
			}
		}
		r := p.PreFilterSize / 2
		for y := 0; y < h; y++ {
			ya, yb := max(y-r, 0), min(y+r+1, h)
			for x := 0; x < w; x++ {
				xa, xb := max(x-r, 0), min(x+r+1, w)
				sum := integral[yb*(w+1)+xb] - integral[ya*(w+1)+xb] - integral[yb*(w+1)+xa] + integral[ya*(w+1)+xa]
				mean := float64(sum) / float64((yb-ya)*(xb-xa))
				local := float64(4*at(x, y)+at(x-1, y)+at(x+1, y)+at(x, y-1)+at(x, y+1)) / 8
				out[y*w+x] = clip(int32(math.Round(local - mean)))
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				d := 2*(at(x+1, y)-at(x-1, y)) + at(x+1, y-1) - at(x-1, y-1) + at(x+1, y+1) - at(x-1, y+1)
				out[y*w+x] = clip(d)
			}
		}
	}
	return out
}
