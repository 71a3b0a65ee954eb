package calib

import (
	"image"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"viamstereocalib/pattern"
	"viamstereocalib/remap"
)

// State is where a Calibrator is in its life cycle.
type State int

const (
	// Empty has no accepted views and no model.
	Empty State = iota
	// Accumulating has accepted views but no model yet.
	Accumulating
	// Ready has a camera model.
	Ready
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Accumulating:
		return "accumulating"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Policy decides whether a Ready calibrator keeps solving as views arrive.
type Policy string

const (
	// ResolveEachView solves again on every accepted view past the threshold. A successful
	// solve replaces the model; a failed one keeps it.
	ResolveEachView = Policy("each_view")
	// SolveOnce stops solving automatically once a model exists. Calibrate still forces a
	// solve.
	SolveOnce = Policy("once")
)

// ParsePolicy converts a config string to a Policy. The empty string selects ResolveEachView.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return ResolveEachView, nil
	case ResolveEachView, SolveOnce:
		return p, nil
	default:
		return "", errors.Errorf("unknown solve policy %q", s)
	}
}

// DefaultMinViews is how many views must be exceeded before solving.
const DefaultMinViews = 10

// Config controls when and how a Calibrator solves.
type Config struct {
	// MinViews is the view count that must be exceeded before a solve is attempted.
	MinViews int
	Policy   Policy
	// FixK3 keeps the sixth order radial term at zero.
	FixK3 bool
	// MaxRMS rejects solutions with a larger reprojection error in pixels. Zero disables
	// the check.
	MaxRMS        float64
	MaxIterations int
}

// DefaultConfig solves after 10 views, re-solving on each new view, without k3.
func DefaultConfig() Config {
	return Config{
		MinViews: DefaultMinViews,
		Policy:   ResolveEachView,
		FixK3:    true,
		MaxRMS:   2,
	}
}

// Calibrator accumulates views of a pattern from one camera and solves its Model.
// It is not safe for concurrent use.
type Calibrator struct {
	pattern  pattern.Pattern
	detector pattern.Detector
	cfg      Config
	logger   logging.Logger

	views []pattern.View
	size  image.Point
	model *Model
	poses []BoardPose

	undistortMap *remap.Map
}

// NewCalibrator returns an Empty calibrator for pattern p. det may be nil when views are
// only ever added with AddObservation.
func NewCalibrator(p pattern.Pattern, det pattern.Detector, cfg Config, logger logging.Logger) (*Calibrator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if cfg.MinViews <= 0 {
		cfg.MinViews = DefaultMinViews
	}
	if cfg.Policy == "" {
		cfg.Policy = ResolveEachView
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	return &Calibrator{pattern: p, detector: det, cfg: cfg, logger: logger}, nil
}

// Pattern is the pattern this calibrator looks for.
func (c *Calibrator) Pattern() pattern.Pattern {
	return c.pattern
}

// State reports the life cycle state.
func (c *Calibrator) State() State {
	switch {
	case c.model != nil:
		return Ready
	case len(c.views) > 0:
		return Accumulating
	default:
		return Empty
	}
}

// Ready is true once a model exists.
func (c *Calibrator) Ready() bool {
	return c.model != nil
}

// Len is the number of accepted views.
func (c *Calibrator) Len() int {
	return len(c.views)
}

// Views returns copies of the accepted views, oldest first.
func (c *Calibrator) Views() []pattern.View {
	out := make([]pattern.View, len(c.views))
	for i, v := range c.views {
		out[i] = v.Clone()
	}
	return out
}

// Size is the image size of accepted views, or of the model when it was set directly.
func (c *Calibrator) Size() image.Point {
	return c.size
}

// Model returns a copy of the current model, or nil when not Ready.
func (c *Calibrator) Model() *Model {
	if c.model == nil {
		return nil
	}
	m := *c.model
	return &m
}

// BoardPoses returns the board pose of each view used by the last successful solve. It is
// nil for models that were set rather than solved.
func (c *Calibrator) BoardPoses() []BoardPose {
	return append([]BoardPose(nil), c.poses...)
}

// Detect runs the pattern detector without changing any state.
func (c *Calibrator) Detect(img image.Image) (pattern.View, bool) {
	if c.detector == nil || img == nil {
		return pattern.View{}, false
	}
	return c.detector.Detect(img)
}

// AddView looks for the pattern in img and accepts it as a view when found. It reports
// whether a view was accepted.
func (c *Calibrator) AddView(img image.Image) bool {
	view, ok := c.Detect(img)
	if !ok {
		c.logger.Debug("pattern not found")
		return false
	}
	return c.AddObservation(view)
}

// Accepts reports whether AddObservation would take v.
func (c *Calibrator) Accepts(v pattern.View) bool {
	return len(v.Points) == c.pattern.Size() && (c.size == (image.Point{}) || v.Size == c.size)
}

// AddObservation accepts an already detected view. Views with the wrong number of points or
// a different image size than earlier views are rejected. Once more than MinViews views are
// held a solve is attempted, subject to the policy.
func (c *Calibrator) AddObservation(v pattern.View) bool {
	if !c.Accepts(v) {
		c.logger.Warnf("rejecting view of size %v with %d points, expected %v with %d",
			v.Size, len(v.Points), c.size, c.pattern.Size())
		return false
	}
	c.size = v.Size
	c.views = append(c.views, v.Clone())
	c.logger.Debugf("accepted view %d", len(c.views))

	if len(c.views) <= c.cfg.MinViews {
		return true
	}
	if c.model != nil && c.cfg.Policy == SolveOnce {
		return true
	}
	c.Calibrate()
	return true
}

// Calibrate solves over all accepted views now, regardless of the threshold and policy.
// On failure the previous model, if any, is kept.
func (c *Calibrator) Calibrate() bool {
	sol, err := Solve(c.pattern, c.views, c.cfg)
	if err != nil {
		c.logger.Debugf("solve with %d views failed: %v", len(c.views), err)
		return false
	}
	if c.model == nil {
		c.logger.Infof("calibrated from %d views, rms %.3fpx", len(c.views), sol.Model.RMS)
	} else {
		c.logger.Debugf("re-solved from %d views, rms %.3fpx", len(c.views), sol.Model.RMS)
	}
	c.model = sol.Model
	c.poses = sol.Poses
	c.undistortMap = nil
	return true
}

// Checkpoint is the state of a Calibrator at one moment, for Restore.
type Checkpoint struct {
	views        int
	size         image.Point
	model        *Model
	poses        []BoardPose
	undistortMap *remap.Map
}

// Checkpoint records the current views and model. Views are only ever appended, so a
// later Restore can drop whatever was added since.
func (c *Calibrator) Checkpoint() Checkpoint {
	return Checkpoint{
		views:        len(c.views),
		size:         c.size,
		model:        c.model,
		poses:        c.poses,
		undistortMap: c.undistortMap,
	}
}

// ModelChanged reports whether the model was replaced since cp was taken.
func (c *Calibrator) ModelChanged(cp Checkpoint) bool {
	return c.model != cp.model
}

// Restore undoes every view and solve since cp was taken. A Reset or SetModel in between
// makes cp meaningless.
func (c *Calibrator) Restore(cp Checkpoint) {
	if cp.views < len(c.views) {
		c.views = c.views[:cp.views]
	}
	c.size = cp.size
	c.model = cp.model
	c.poses = cp.poses
	c.undistortMap = cp.undistortMap
}

// ErrSizeMismatch is returned by SetModel when the model was solved for a different image
// size than the views already accumulated.
var ErrSizeMismatch = errors.New("model image size differs from the accumulated views")

// SetModel installs a model directly, making the calibrator Ready. Accumulated views are
// kept, so the model must be for the same image size as them; Reset first to switch sizes.
func (c *Calibrator) SetModel(m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if len(c.views) > 0 && m.Size() != c.size {
		return errors.Wrapf(ErrSizeMismatch, "model is %v, views are %v", m.Size(), c.size)
	}
	cp := *m
	c.model = &cp
	c.poses = nil
	c.size = m.Size()
	c.undistortMap = nil
	return nil
}

// Reset drops all views and the model.
func (c *Calibrator) Reset() {
	c.views = nil
	c.model = nil
	c.poses = nil
	c.size = image.Point{}
	c.undistortMap = nil
}

// Undistort removes lens distortion from img. It reports false when not Ready or when img
// is not the size the model was solved for.
func (c *Calibrator) Undistort(img image.Image) (image.Image, bool) {
	if c.model == nil || img == nil || img.Bounds().Size() != c.model.Size() {
		return nil, false
	}
	if c.undistortMap == nil {
		m, err := c.model.UndistortMap()
		if err != nil {
			c.logger.Warnf("cannot build undistortion map: %v", err)
			return nil, false
		}
		c.undistortMap = m
	}
	return c.undistortMap.Remap(img), true
}
