// Package viamstereocalib is a camera component that calibrates a pair of camera
// dependencies as a stereo rig and serves their disparity.
package viamstereocalib

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/utils"
	goutils "go.viam.com/utils"

	"viamstereocalib/calib"
	"viamstereocalib/disparity"
	"viamstereocalib/pattern"
	"viamstereocalib/session"
)

var (
	NamespaceFamily  = resource.NewModelFamily("viam", "stereo-calibration")
	StereoDisparity  = NamespaceFamily.WithModel("stereo-disparity")
	errUnimplemented = errors.New("unimplemented")
)

const defaultCalibrationDir = "calibration"

func init() {
	resource.RegisterComponent(camera.API, StereoDisparity,
		resource.Registration[camera.Camera, *Config]{
			Constructor: newStereoDisparity,
		},
	)
}

type Config struct {
	Left  string `json:"left"`
	Right string `json:"right"`

	PatternType    string  `json:"pattern_type,omitempty"`
	PatternRows    int     `json:"pattern_rows,omitempty"`
	PatternCols    int     `json:"pattern_cols,omitempty"`
	PatternSpacing float64 `json:"pattern_spacing,omitempty"`

	// MinViews is how many views must be exceeded before each camera is solved.
	MinViews    int    `json:"min_views,omitempty"`
	SolvePolicy string `json:"solve_policy,omitempty"`

	MinDisparity   int `json:"min_disparity,omitempty"`
	NumDisparities int `json:"num_disparities,omitempty"`
	WindowSize     int `json:"window_size,omitempty"`

	CalibrationDir string `json:"calibration_dir,omitempty"`
	LoadOnStart    bool   `json:"load_on_start,omitempty"`
	SaveMaps       bool   `json:"save_maps,omitempty"`
}

func (cfg *Config) getPattern() (pattern.Pattern, error) {
	p := pattern.Default()
	if cfg.PatternType != "" {
		t, err := pattern.ParseType(cfg.PatternType)
		if err != nil {
			return pattern.Pattern{}, err
		}
		p.Type = t
	}
	if cfg.PatternRows > 0 {
		p.Rows = cfg.PatternRows
	}
	if cfg.PatternCols > 0 {
		p.Cols = cfg.PatternCols
	}
	if cfg.PatternSpacing > 0 {
		p.Spacing = cfg.PatternSpacing
	}
	return p, p.Validate()
}

func (cfg *Config) getMinViews() int {
	if cfg.MinViews <= 0 {
		return calib.DefaultMinViews
	}
	return cfg.MinViews
}

func (cfg *Config) getParams() disparity.Params {
	p := disparity.DefaultParams()
	p.MinDisparity = cfg.MinDisparity
	if cfg.NumDisparities > 0 {
		p.NumDisparities = cfg.NumDisparities
	}
	if cfg.WindowSize > 0 {
		p.WindowSize = cfg.WindowSize
	}
	return p
}

func (cfg *Config) getCalibrationDir() string {
	if cfg.CalibrationDir == "" {
		return defaultCalibrationDir
	}
	return cfg.CalibrationDir
}

func (cfg *Config) sessionConfig() (session.Config, error) {
	sc := session.DefaultConfig()
	p, err := cfg.getPattern()
	if err != nil {
		return sc, err
	}
	policy, err := calib.ParsePolicy(cfg.SolvePolicy)
	if err != nil {
		return sc, err
	}
	sc.Pattern = p
	sc.Calibration.MinViews = cfg.getMinViews()
	sc.Calibration.Policy = policy
	sc.Disparity = cfg.getParams()
	return sc, nil
}

func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.Left == "" {
		return nil, goutils.NewConfigValidationFieldRequiredError(path, "left")
	}
	if cfg.Right == "" {
		return nil, goutils.NewConfigValidationFieldRequiredError(path, "right")
	}
	if cfg.MinViews < 0 {
		return nil, errors.Errorf("min_views must not be negative, got %d", cfg.MinViews)
	}
	if _, err := cfg.sessionConfig(); err != nil {
		return nil, err
	}
	if err := cfg.getParams().Validate(); err != nil {
		return nil, err
	}
	return []string{cfg.Left, cfg.Right}, nil
}

type stereoDisparity struct {
	resource.AlwaysRebuild

	name resource.Name

	logger logging.Logger
	cfg    *Config

	cancelCtx  context.Context
	cancelFunc func()

	mu          sync.Mutex
	left, right camera.Camera

	session *session.Session
}

func newStereoDisparity(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (camera.Camera, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewStereoDisparity(ctx, deps, rawConf.ResourceName(), conf, logger)
}

// NewStereoDisparity builds the component directly, without going through the registry.
func NewStereoDisparity(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (camera.Camera, error) {
	sc, err := conf.sessionConfig()
	if err != nil {
		return nil, err
	}
	sess, err := session.New(sc, nil, logger)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	s := &stereoDisparity{
		name:       name,
		logger:     logger,
		cfg:        conf,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		session:    sess,
	}

	s.left, err = camera.FromDependencies(deps, conf.Left)
	if err != nil {
		cancelFunc()
		return nil, err
	}
	s.right, err = camera.FromDependencies(deps, conf.Right)
	if err != nil {
		cancelFunc()
		return nil, err
	}

	if conf.LoadOnStart {
		if err := sess.Load(conf.getCalibrationDir()); err != nil {
			logger.Warnf("starting uncalibrated: %v", err)
		}
	}

	return s, nil
}

func (s *stereoDisparity) Name() resource.Name {
	return s.name
}

func (s *stereoDisparity) Close(context.Context) error {
	s.cancelFunc()
	return nil
}

// frame returns the disparity visualisation once calibrated, the left frame before.
func (s *stereoDisparity) frame(ctx context.Context) (image.Image, error) {
	left, right, err := s.readPair(ctx)
	if err != nil {
		return nil, err
	}
	if f, ok := s.session.Process(left, right); ok {
		return f.Visual, nil
	}
	return left, nil
}

func (s *stereoDisparity) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	img, err := s.frame(ctx)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	if mimeType == "" {
		mimeType = utils.MimeTypePNG
	}
	data, err := rimage.EncodeImage(ctx, img, mimeType)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	return data, camera.ImageMetadata{MimeType: mimeType}, nil
}

func (s *stereoDisparity) Images(ctx context.Context) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	left, right, err := s.readPair(ctx)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}
	meta := resource.ResponseMetadata{CapturedAt: time.Now()}
	if f, ok := s.session.Process(left, right); ok {
		return []camera.NamedImage{
			{Image: f.Visual, SourceName: "disparity"},
			{Image: f.LeftRectified, SourceName: "left_rectified"},
			{Image: f.RightRectified, SourceName: "right_rectified"},
		}, meta, nil
	}
	return []camera.NamedImage{
		{Image: left, SourceName: "left"},
		{Image: right, SourceName: "right"},
	}, meta, nil
}

func (s *stereoDisparity) NextPointCloud(ctx context.Context) (pointcloud.PointCloud, error) {
	return nil, errUnimplemented
}

// Properties describes the rectified left camera once the rig is calibrated.
func (s *stereoDisparity) Properties(ctx context.Context) (camera.Properties, error) {
	rect := s.session.Rectification()
	if rect == nil {
		return camera.Properties{}, nil
	}
	intrinsics := rect.Intrinsics()
	return camera.Properties{
		IntrinsicParams:  &intrinsics,
		DistortionParams: &transform.BrownConrady{},
	}, nil
}
