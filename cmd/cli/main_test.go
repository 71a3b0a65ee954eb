package main

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"viamstereocalib/calib/calibtest"
	"viamstereocalib/geom"
	"viamstereocalib/pattern"
	"viamstereocalib/store"
)

var board = pattern.Pattern{Type: pattern.Chessboard, Rows: 6, Cols: 9, Spacing: 20}

var (
	rigRotation    = geom.RotationFromVector(r3.Vector{Y: 0.02, Z: -0.01})
	rigTranslation = r3.Vector{X: -60, Y: 0.5, Z: 1}
)

// renderBoard draws the chessboard seen by calibtest.Camera when the board sits at (rot,
// trans) in the camera frame. Each pixel averages four samples.
func renderBoard(rot *mat.Dense, trans r3.Vector) *image.Gray {
	in := calibtest.Camera().Intrinsics
	normal := r3.Vector{X: rot.At(0, 2), Y: rot.At(1, 2), Z: rot.At(2, 2)}
	rotT := geom.Transpose(rot)
	img := image.NewGray(image.Rect(0, 0, calibtest.Size.X, calibtest.Size.Y))
	for v := 0; v < calibtest.Size.Y; v++ {
		for u := 0; u < calibtest.Size.X; u++ {
			sum := 0
			for _, off := range [][2]float64{{-0.25, -0.25}, {0.25, -0.25}, {-0.25, 0.25}, {0.25, 0.25}} {
				ray := r3.Vector{X: (float64(u) + off[0] - in.Ppx) / in.Fx, Y: (float64(v) + off[1] - in.Ppy) / in.Fy, Z: 1}
				b := geom.MulVec(rotT, ray.Mul(normal.Dot(trans)/normal.Dot(ray)).Sub(trans))
				sx := int(math.Floor(b.X/board.Spacing)) + 1
				sy := int(math.Floor(b.Y/board.Spacing)) + 1
				if sx >= 0 && sx <= board.Cols && sy >= 0 && sy <= board.Rows && (sx+sy)%2 == 0 {
					continue
				}
				sum += 255
			}
			img.Pix[v*img.Stride+u] = uint8(sum / 4)
		}
	}
	return img
}

// writePairs renders n stereo pairs into dir as left_NN.png and right_NN.png.
func writePairs(t *testing.T, dir string, n int) {
	t.Helper()
	for i, pose := range calibtest.Poses(board, n) {
		rot := geom.RotationFromVector(pose.Rotation)
		left := renderBoard(rot, pose.Translation)
		right := renderBoard(geom.Compose(rigRotation, rot), geom.MulVec(rigRotation, pose.Translation).Add(rigTranslation))
		test.That(t, rimage.WriteImageToFile(filepath.Join(dir, fmt.Sprintf("left_%02d.png", i)), left), test.ShouldBeNil)
		test.That(t, rimage.WriteImageToFile(filepath.Join(dir, fmt.Sprintf("right_%02d.png", i)), right), test.ShouldBeNil)
	}
}

func calibrateArgs(dir, out string) []string {
	return []string{
		"stereo-calibration", "calibrate",
		"--pattern-type", string(board.Type),
		"--rows", strconv.Itoa(board.Rows),
		"--cols", strconv.Itoa(board.Cols),
		"--spacing", "20",
		"--left", filepath.Join(dir, "left_*.png"),
		"--right", filepath.Join(dir, "right_*.png"),
		"--out", out,
		"--maps",
	}
}

func TestCalibrateMismatchedPairs(t *testing.T) {
	dir := t.TempDir()
	writePairs(t, dir, 2)
	test.That(t, os.Remove(filepath.Join(dir, "right_01.png")), test.ShouldBeNil)

	err := realMain(calibrateArgs(dir, filepath.Join(dir, "out")))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "got 2 and 1")

	err = realMain([]string{"stereo-calibration", "calibrate", "--left", filepath.Join(dir, "none_*.png"), "--right", filepath.Join(dir, "none_*.png")})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCalibrateTooFewViews(t *testing.T) {
	dir := t.TempDir()
	writePairs(t, dir, 3)
	out := filepath.Join(dir, "out")

	err := realMain(calibrateArgs(dir, out))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "calibration incomplete")
	_, err = os.Stat(out)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestCalibrateThenDisparity(t *testing.T) {
	dir := t.TempDir()
	writePairs(t, dir, 12)
	out := filepath.Join(dir, "calibration")

	test.That(t, realMain(calibrateArgs(dir, out)), test.ShouldBeNil)
	for _, name := range []string{store.LeftFile, store.RightFile, store.PoseFile, store.LeftMapFile, store.RightMapFile} {
		_, err := os.Stat(filepath.Join(out, name))
		test.That(t, err, test.ShouldBeNil)
	}
	snap, err := store.Load(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, snap.Pose.Baseline(), test.ShouldAlmostEqual, rigTranslation.Norm(), 2)

	disp := filepath.Join(dir, "disparity.png")
	err = realMain([]string{
		"stereo-calibration", "--debug", "disparity",
		"--calib", out,
		"--left", filepath.Join(dir, "left_00.png"),
		"--right", filepath.Join(dir, "right_00.png"),
		"--out", disp,
		"--num", "32",
		"--window", "9",
	})
	test.That(t, err, test.ShouldBeNil)
	img, err := rimage.NewImageFromFile(disp)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Size(), test.ShouldResemble, calibtest.Size)

	err = realMain([]string{"stereo-calibration", "disparity", "--calib", filepath.Join(dir, "missing"), "--left", disp, "--right", disp})
	test.That(t, err, test.ShouldNotBeNil)
}
