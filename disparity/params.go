// Package disparity computes dense disparity between rectified grayscale image pairs by
// windowed block matching.
package disparity

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// PreFilter normalises image intensities before matching.
type PreFilter string

const (
	// XSobel replaces each pixel by its horizontal gradient.
	XSobel = PreFilter("xsobel")
	// NormalizedResponse subtracts the local mean over PreFilterSize.
	NormalizedResponse = PreFilter("normalized_response")
)

// Limits applied by Clamp.
const (
	DisparityStep = 16
	MinWindow     = 5
	MaxWindow     = 255
	MaxPreFilter  = 63
)

// Params configure the block matcher.
type Params struct {
	// MinDisparity is the smallest disparity searched. It may be negative.
	MinDisparity int `json:"min_disparity"`
	// NumDisparities is the width of the search range, a positive multiple of 16.
	NumDisparities int `json:"num_disparities"`
	// WindowSize is the odd side of the square matching block.
	WindowSize int `json:"window_size"`

	PreFilter        PreFilter `json:"pre_filter"`
	PreFilterSize    int       `json:"pre_filter_size"`
	PreFilterCap     int       `json:"pre_filter_cap"`
	TextureThreshold int       `json:"texture_threshold"`
	UniquenessRatio  int       `json:"uniqueness_ratio"`
}

// DefaultParams search 128 disparities from 0 with an 11x11 window.
func DefaultParams() Params {
	return Params{
		MinDisparity:     0,
		NumDisparities:   8 * DisparityStep,
		WindowSize:       11,
		PreFilter:        XSobel,
		PreFilterSize:    9,
		PreFilterCap:     31,
		TextureThreshold: 10,
		UniquenessRatio:  15,
	}
}

// FromSlider converts the units of an interactive control, where the range is counted in
// steps of 16 and the window as k in 2k+1, into Params. The result is not clamped.
func FromSlider(minDisparity, rangeSteps, windowK int) Params {
	p := DefaultParams()
	p.MinDisparity = minDisparity
	p.NumDisparities = rangeSteps * DisparityStep
	p.WindowSize = 2*windowK + 1
	return p
}

// MaxDisparity is the largest disparity searched.
func (p Params) MaxDisparity() int {
	return p.MinDisparity + p.NumDisparities - 1
}

// Invalid is the value written for pixels without a trustworthy match.
func (p Params) Invalid() float32 {
	return float32(p.MinDisparity - 1)
}

// Clamp returns the nearest usable parameters and a description of every change made.
// NumDisparities is rounded down to a multiple of 16 (at least 16); an even WindowSize is
// bumped to the next odd size and then limited to [5, 255].
func (p Params) Clamp() (Params, []string) {
	var changes []string
	set := func(name string, field *int, v int) {
		if *field != v {
			changes = append(changes, fmt.Sprintf("%s %d -> %d", name, *field, v))
			*field = v
		}
	}

	nd := p.NumDisparities - p.NumDisparities%DisparityStep
	set("num_disparities", &p.NumDisparities, max(nd, DisparityStep))
	set("window_size", &p.WindowSize, oddWithin(p.WindowSize, MinWindow, MaxWindow))
	set("pre_filter_size", &p.PreFilterSize, oddWithin(p.PreFilterSize, MinWindow, MaxWindow))
	set("pre_filter_cap", &p.PreFilterCap, min(max(p.PreFilterCap, 1), MaxPreFilter))
	set("texture_threshold", &p.TextureThreshold, max(p.TextureThreshold, 0))
	set("uniqueness_ratio", &p.UniquenessRatio, max(p.UniquenessRatio, 0))
	if p.PreFilter != XSobel && p.PreFilter != NormalizedResponse {
		changes = append(changes, fmt.Sprintf("pre_filter %q -> %q", p.PreFilter, XSobel))
		p.PreFilter = XSobel
	}
	return p, changes
}

func oddWithin(v, lo, hi int) int {
	if v%2 == 0 {
		v++
	}
	return min(max(v, lo), hi)
}

// Validate reports every parameter that Clamp would change.
func (p Params) Validate() error {
	_, changes := p.Clamp()
	var err error
	for _, c := range changes {
		err = multierr.Append(err, errors.Errorf("invalid %s", c))
	}
	return err
}
