// Package store persists calibration results as JSON files in a directory.
package store

import (
	"image"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/rimage"

	"viamstereocalib/calib"
	"viamstereocalib/remap"
	"viamstereocalib/stereo"
)

// File names inside a calibration directory.
const (
	LeftFile       = "left.json"
	RightFile      = "right.json"
	PoseFile       = "pose.json"
	LeftMapFile    = "left_map.json"
	RightMapFile   = "right_map.json"
	LeftFrameFile  = "left.jpg"
	RightFrameFile = "right.jpg"
)

// Snapshot is everything a calibration directory can hold. Pose and the maps are optional.
type Snapshot struct {
	Left, Right       *calib.Model
	Pose              *stereo.Pose
	LeftMap, RightMap *remap.Map
}

type cameraFile struct {
	ImageWidth   int         `json:"image_width"`
	ImageHeight  int         `json:"image_height"`
	CameraMatrix [][]float64 `json:"camera_matrix"`
	Distortion   []float64   `json:"distortion_coefficients"`
	RMS          float64     `json:"rms"`
}

type poseFile struct {
	Rotation    [][]float64 `json:"rotation"`
	Translation []float64   `json:"translation"`
	RMS         float64     `json:"rms"`
}

type mapFile struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	X      []float32 `json:"x"`
	Y      []float32 `json:"y"`
}

func rows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		for j := range out[i] {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}

func fromRows(data [][]float64, r, c int) (*mat.Dense, error) {
	if len(data) != r {
		return nil, errors.Errorf("expected %d rows, got %d", r, len(data))
	}
	m := mat.NewDense(r, c, nil)
	for i, row := range data {
		if len(row) != c {
			return nil, errors.Errorf("expected %d columns in row %d, got %d", c, i, len(row))
		}
		m.SetRow(i, row)
	}
	return m, nil
}

func toCameraFile(m *calib.Model) cameraFile {
	return cameraFile{
		ImageWidth:   m.Intrinsics.Width,
		ImageHeight:  m.Intrinsics.Height,
		CameraMatrix: rows(m.CameraMatrix()),
		Distortion:   m.Coefficients(),
		RMS:          m.RMS,
	}
}

func (f cameraFile) model() (*calib.Model, error) {
	k, err := fromRows(f.CameraMatrix, 3, 3)
	if err != nil {
		return nil, errors.Wrap(err, "camera_matrix")
	}
	m, err := calib.NewModel(image.Pt(f.ImageWidth, f.ImageHeight), k.At(0, 0), k.At(1, 1), k.At(0, 2), k.At(1, 2), f.Distortion)
	if err != nil {
		return nil, err
	}
	m.RMS = f.RMS
	return m, nil
}

func (f poseFile) pose() (*stereo.Pose, error) {
	rot, err := fromRows(f.Rotation, 3, 3)
	if err != nil {
		return nil, errors.Wrap(err, "rotation")
	}
	if len(f.Translation) != 3 {
		return nil, errors.Errorf("translation needs 3 values, got %d", len(f.Translation))
	}
	p := &stereo.Pose{
		Rotation:    rot,
		Translation: r3.Vector{X: f.Translation[0], Y: f.Translation[1], Z: f.Translation[2]},
		RMS:         f.RMS,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Save writes snap into dir, creating it if needed. Both camera models are required. Each
// file is replaced atomically, so a failed save never leaves a truncated file behind.
func Save(dir string, snap Snapshot) error {
	if snap.Left == nil || snap.Right == nil {
		return errors.New("both camera models are required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating calibration directory")
	}
	err := multierr.Combine(
		writeJSON(dir, LeftFile, toCameraFile(snap.Left)),
		writeJSON(dir, RightFile, toCameraFile(snap.Right)),
	)
	if snap.Pose != nil {
		err = multierr.Append(err, writeJSON(dir, PoseFile, poseFile{
			Rotation:    rows(snap.Pose.Rotation),
			Translation: []float64{snap.Pose.Translation.X, snap.Pose.Translation.Y, snap.Pose.Translation.Z},
			RMS:         snap.Pose.RMS,
		}))
	}
	for _, f := range []struct {
		name string
		m    *remap.Map
	}{{LeftMapFile, snap.LeftMap}, {RightMapFile, snap.RightMap}} {
		if f.m != nil {
			err = multierr.Append(err, writeJSON(dir, f.name, mapFile{Width: f.m.Width, Height: f.m.Height, X: f.m.X, Y: f.m.Y}))
		}
	}
	return err
}

// Load reads a snapshot from dir. The camera models are required; the pose and maps are
// read when present. Every file that exists is validated, and any problem fails the whole
// load.
func Load(dir string) (*Snapshot, error) {
	snap := &Snapshot{}
	var left, right cameraFile
	if err := readJSON(dir, LeftFile, &left); err != nil {
		return nil, err
	}
	if err := readJSON(dir, RightFile, &right); err != nil {
		return nil, err
	}
	var err error
	if snap.Left, err = left.model(); err != nil {
		return nil, errors.Wrap(err, LeftFile)
	}
	if snap.Right, err = right.model(); err != nil {
		return nil, errors.Wrap(err, RightFile)
	}

	var pose poseFile
	switch err := readJSON(dir, PoseFile, &pose); {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if snap.Pose, err = pose.pose(); err != nil {
			return nil, errors.Wrap(err, PoseFile)
		}
	}

	for _, f := range []struct {
		name  string
		dst   **remap.Map
		model *calib.Model
	}{{LeftMapFile, &snap.LeftMap, snap.Left}, {RightMapFile, &snap.RightMap, snap.Right}} {
		var mf mapFile
		switch err := readJSON(dir, f.name, &mf); {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			return nil, err
		}
		m := &remap.Map{Width: mf.Width, Height: mf.Height, X: mf.X, Y: mf.Y}
		if err := m.Validate(); err != nil {
			return nil, errors.Wrap(err, f.name)
		}
		if m.Size() != f.model.Size() {
			return nil, errors.Errorf("%s is %v, camera is %v", f.name, m.Size(), f.model.Size())
		}
		*f.dst = m
	}
	return snap, nil
}

// SaveFrames writes a raw image pair next to the calibration files.
func SaveFrames(dir string, left, right image.Image) error {
	if left == nil || right == nil {
		return errors.New("missing frame")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating frame directory")
	}
	return multierr.Combine(
		rimage.WriteImageToFile(filepath.Join(dir, LeftFrameFile), left),
		rimage.WriteImageToFile(filepath.Join(dir, RightFrameFile), right),
	)
}

func writeJSON(dir, name string, v interface{}) (err error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s", name)
	}
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp.Name()))
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return multierr.Append(errors.Wrapf(err, "writing %s", name), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), filepath.Join(dir, name)), "writing %s", name)
}

func readJSON(dir, name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return errors.Wrapf(err, "reading %s", name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decoding %s", name)
	}
	return nil
}
