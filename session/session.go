// Package session ties the calibration pipeline together: it owns both camera calibrators,
// the stereo pose, the rectification built from them and the disparity engine, and runs one
// frame pair through them per call.
package session

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"viamstereocalib/calib"
	"viamstereocalib/disparity"
	"viamstereocalib/pattern"
	"viamstereocalib/rectify"
	"viamstereocalib/remap"
	"viamstereocalib/stereo"
	"viamstereocalib/store"
)

// ErrNotCalibrated is returned by Save until both cameras have a model.
var ErrNotCalibrated = errors.New("both cameras must be calibrated first")

// Config is everything a Session needs to know up front.
type Config struct {
	Pattern     pattern.Pattern
	Calibration calib.Config
	Stereo      stereo.Config
	Rectify     rectify.Options
	Disparity   disparity.Params
}

// DefaultConfig uses the default pattern and the defaults of every stage.
func DefaultConfig() Config {
	return Config{
		Pattern:     pattern.Default(),
		Calibration: calib.DefaultConfig(),
		Stereo:      stereo.DefaultConfig(),
		Rectify:     rectify.DefaultOptions(),
		Disparity:   disparity.DefaultParams(),
	}
}

// Session is the state of one stereo rig. Capture, Save, Load and Reset are serialized;
// Process may run alongside them and always sees a complete rectification.
type Session struct {
	cfg    Config
	logger logging.Logger

	mu     sync.Mutex
	left   *calib.Calibrator
	right  *calib.Calibrator
	solver *stereo.Solver
	pose   *stereo.Pose

	rect   atomic.Pointer[rectify.Rectification]
	engine *disparity.Engine
}

// New returns an uncalibrated session. det is built from cfg.Pattern when nil.
func New(cfg Config, det pattern.Detector, logger logging.Logger) (*Session, error) {
	if det == nil {
		var err error
		if det, err = pattern.NewDetector(cfg.Pattern); err != nil {
			return nil, err
		}
	}
	left, err := calib.NewCalibrator(cfg.Pattern, det, cfg.Calibration, logger.Sublogger("left"))
	if err != nil {
		return nil, err
	}
	right, err := calib.NewCalibrator(cfg.Pattern, det, cfg.Calibration, logger.Sublogger("right"))
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:    cfg,
		logger: logger,
		left:   left,
		right:  right,
		solver: stereo.NewSolver(cfg.Stereo, logger.Sublogger("stereo")),
		engine: disparity.NewEngine(logger.Sublogger("disparity")),
	}
	s.engine.SetParams(cfg.Disparity)
	return s, nil
}

// CaptureResult describes what one capture attempt did.
type CaptureResult struct {
	LeftFound  bool `json:"left_found"`
	RightFound bool `json:"right_found"`
	// Accepted is true when the pair was added to both calibrators.
	Accepted   bool `json:"accepted"`
	LeftViews  int  `json:"left_views"`
	RightViews int  `json:"right_views"`
	LeftReady  bool `json:"left_ready"`
	RightReady bool `json:"right_ready"`
	// Solved is true when this capture produced a new stereo pose and rectification.
	Solved bool `json:"solved"`
}

// Capture looks for the pattern in both frames and adds the pair as a calibration view only
// when both detections are usable, keeping the calibrators in lockstep. Once both cameras
// are calibrated the stereo pose is solved again and the rectification rebuilt. When that
// fails after the camera models were re-solved, the whole capture is undone so the pose
// and rectification always belong to the models in use.
func (s *Session) Capture(left, right image.Image) CaptureResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res CaptureResult
	lv, lok := s.left.Detect(left)
	rv, rok := s.right.Detect(right)
	res.LeftFound, res.RightFound = lok, rok

	if lok && rok && s.left.Accepts(lv) && s.right.Accepts(rv) {
		lcp, rcp := s.left.Checkpoint(), s.right.Checkpoint()
		s.left.AddObservation(lv)
		s.right.AddObservation(rv)
		res.Accepted = true

		solved, err := s.solveLocked()
		res.Solved = solved
		if err != nil && s.pose != nil && (s.left.ModelChanged(lcp) || s.right.ModelChanged(rcp)) {
			s.logger.Warnf("dropping capture, the camera models moved but the stereo pose did not follow: %v", err)
			s.left.Restore(lcp)
			s.right.Restore(rcp)
			res.Accepted = false
		}
	} else {
		s.logger.Debugf("capture skipped, pattern found left=%v right=%v", lok, rok)
	}

	res.LeftViews, res.RightViews = s.left.Len(), s.right.Len()
	res.LeftReady, res.RightReady = s.left.Ready(), s.right.Ready()
	return res
}

var errNoStereoPose = errors.New("stereo solve failed")

// solveLocked attempts the stereo solve and reports whether it produced a new pose. It
// returns false without an error when there are too few views to try, so a loaded pose is
// only replaced once enough fresh views have been captured.
func (s *Session) solveLocked() (bool, error) {
	if s.left.Len() <= s.minViews() {
		return false, nil
	}
	pose, ok := s.solver.Solve(s.left, s.right)
	if !ok {
		return false, errNoStereoPose
	}
	rect, err := rectify.Build(s.left.Model(), s.right.Model(), pose, s.cfg.Rectify)
	if err != nil {
		return false, errors.Wrap(err, "rectifying with the new stereo pose")
	}
	s.pose = pose
	s.rect.Store(rect)
	s.logger.Info("rectification maps rebuilt")
	return true, nil
}

func (s *Session) minViews() int {
	if s.cfg.Calibration.MinViews > 0 {
		return s.cfg.Calibration.MinViews
	}
	return calib.DefaultMinViews
}

// Frame is the output of one processed frame pair.
type Frame struct {
	LeftUndistorted, RightUndistorted image.Image
	LeftRectified, RightRectified     image.Image
	Disparity                         *disparity.Field
	// Visual is Disparity rescaled onto 0..255 using this frame's own range.
	Visual *image.Gray
}

// Process runs one frame pair through undistortion, rectification and block matching. It
// reports false when the rig is not calibrated yet or the frames cannot be used.
func (s *Session) Process(left, right image.Image) (*Frame, bool) {
	rect := s.rect.Load()
	if rect == nil {
		return nil, false
	}
	rl, rr, err := rect.Apply(left, right)
	if err != nil {
		s.logger.Debugf("skipping frame: %v", err)
		return nil, false
	}
	frame := &Frame{LeftRectified: rl, RightRectified: rr}

	s.mu.Lock()
	frame.LeftUndistorted, _ = s.left.Undistort(left)
	frame.RightUndistorted, _ = s.right.Undistort(right)
	s.mu.Unlock()

	field, err := s.engine.Compute(remap.Gray(rl), remap.Gray(rr))
	if err != nil {
		s.logger.Debugf("skipping frame: %v", err)
		return nil, false
	}
	frame.Disparity = field
	frame.Visual = field.Normalize()
	return frame, true
}

// ApplyParams installs new block matching parameters for the next Process call and
// returns them after clamping.
func (s *Session) ApplyParams(p disparity.Params) disparity.Params {
	return s.engine.SetParams(p)
}

// Params returns the block matching parameters in use.
func (s *Session) Params() disparity.Params {
	return s.engine.Params()
}

// SaveOptions selects optional artifacts for Save.
type SaveOptions struct {
	// Maps also writes the rectification maps when the rig is stereo calibrated.
	Maps bool
}

// Save writes both camera models, and the stereo pose when there is one, into dir.
func (s *Session) Save(dir string, opts SaveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.left.Ready() || !s.right.Ready() {
		return ErrNotCalibrated
	}
	snap := store.Snapshot{Left: s.left.Model(), Right: s.right.Model()}
	if s.pose != nil {
		snap.Pose = s.pose.Clone()
		if rect := s.rect.Load(); opts.Maps && rect != nil {
			snap.LeftMap, snap.RightMap = rect.Left, rect.Right
		}
	}
	if err := store.Save(dir, snap); err != nil {
		return errors.Wrap(err, "saving calibration")
	}
	s.logger.Infof("saved calibration to %s", dir)
	return nil
}

// Load replaces the calibration with the one stored in dir. A stored pose is used as is and
// the rectification is rebuilt from it immediately. Nothing changes unless the whole load
// succeeds.
func (s *Session) Load(dir string) error {
	snap, err := store.Load(dir)
	if err != nil {
		return errors.Wrap(err, "loading calibration")
	}
	var rect *rectify.Rectification
	if snap.Pose != nil {
		if rect, err = rectify.Build(snap.Left, snap.Right, snap.Pose, s.cfg.Rectify); err != nil {
			return errors.Wrap(err, "loading calibration")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// views taken at another resolution cannot be kept, and dropping them from only one
	// camera would break the lockstep
	if viewsMismatch(s.left, snap.Left) || viewsMismatch(s.right, snap.Right) {
		s.logger.Infof("dropping %d captured views, they do not match the loaded image size", s.left.Len())
		s.left.Reset()
		s.right.Reset()
	}
	if err := s.left.SetModel(snap.Left); err != nil {
		return errors.Wrap(err, "loading calibration")
	}
	if err := s.right.SetModel(snap.Right); err != nil {
		return errors.Wrap(err, "loading calibration")
	}
	s.pose = snap.Pose
	s.rect.Store(rect)
	s.logger.Infof("loaded calibration from %s, stereo calibrated: %v", dir, rect != nil)
	return nil
}

func viewsMismatch(c *calib.Calibrator, m *calib.Model) bool {
	return c.Len() > 0 && c.Size() != m.Size()
}

// Reset forgets all views, models and the stereo pose. Block matching parameters are kept.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.left.Reset()
	s.right.Reset()
	s.pose = nil
	s.rect.Store(nil)
	s.logger.Info("calibration reset")
}

// Calibrated reports whether frames can be rectified.
func (s *Session) Calibrated() bool {
	return s.rect.Load() != nil
}

// Rectification returns the rectification in use, or nil.
func (s *Session) Rectification() *rectify.Rectification {
	return s.rect.Load()
}

// Pose returns a copy of the stereo pose, or nil.
func (s *Session) Pose() *stereo.Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pose == nil {
		return nil
	}
	return s.pose.Clone()
}

// Status summarizes the calibration state.
type Status struct {
	Left             string           `json:"left"`
	Right            string           `json:"right"`
	LeftViews        int              `json:"left_views"`
	RightViews       int              `json:"right_views"`
	LeftRMS          float64          `json:"left_rms,omitempty"`
	RightRMS         float64          `json:"right_rms,omitempty"`
	StereoCalibrated bool             `json:"stereo_calibrated"`
	Baseline         float64          `json:"baseline,omitempty"`
	StereoRMS        float64          `json:"stereo_rms,omitempty"`
	Params           disparity.Params `json:"params"`
}

// Status reports where both calibrators and the stereo solve are.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Left:       s.left.State().String(),
		Right:      s.right.State().String(),
		LeftViews:  s.left.Len(),
		RightViews: s.right.Len(),
		Params:     s.engine.Params(),
	}
	if m := s.left.Model(); m != nil {
		st.LeftRMS = m.RMS
	}
	if m := s.right.Model(); m != nil {
		st.RightRMS = m.RMS
	}
	if s.pose != nil {
		st.StereoCalibrated = s.rect.Load() != nil
		st.Baseline = s.pose.Baseline()
		st.StereoRMS = s.pose.RMS
	}
	return st
}
