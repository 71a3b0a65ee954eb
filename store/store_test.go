package store_test

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"viamstereocalib/calib/calibtest"
	"viamstereocalib/geom"
	"viamstereocalib/remap"
	"viamstereocalib/stereo"
	"viamstereocalib/store"
)

func snapshot(t *testing.T) store.Snapshot {
	t.Helper()
	left := calibtest.DistortedCamera()
	left.RMS = 0.21
	right := calibtest.Camera()
	right.RMS = 0.18
	lm, err := left.UndistortMap()
	test.That(t, err, test.ShouldBeNil)
	rm, err := remap.Identity(calibtest.Size.X, calibtest.Size.Y)
	test.That(t, err, test.ShouldBeNil)
	return store.Snapshot{
		Left:  left,
		Right: right,
		Pose: &stereo.Pose{
			Rotation:    geom.RotationFromVector(r3.Vector{Y: 0.02, Z: -0.01}),
			Translation: r3.Vector{X: -60, Y: 0.5, Z: 1},
			RMS:         0.3,
		},
		LeftMap:  lm,
		RightMap: rm,
	}
}

func TestRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "calibration")
	snap := snapshot(t)
	test.That(t, store.Save(dir, snap), test.ShouldBeNil)

	for _, name := range []string{store.LeftFile, store.RightFile, store.PoseFile, store.LeftMapFile, store.RightMapFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		test.That(t, err, test.ShouldBeNil)
	}
	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 5)

	got, err := store.Load(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Left, test.ShouldResemble, snap.Left)
	test.That(t, got.Right, test.ShouldResemble, snap.Right)
	test.That(t, got.Pose.Translation, test.ShouldResemble, snap.Pose.Translation)
	test.That(t, got.Pose.RMS, test.ShouldEqual, snap.Pose.RMS)
	test.That(t, got.Pose.Rotation.RawMatrix().Data, test.ShouldResemble, snap.Pose.Rotation.RawMatrix().Data)
	test.That(t, got.LeftMap, test.ShouldResemble, snap.LeftMap)
	test.That(t, got.RightMap, test.ShouldResemble, snap.RightMap)
}

func TestOptionalParts(t *testing.T) {
	dir := t.TempDir()
	snap := snapshot(t)
	snap.Pose = nil
	snap.LeftMap = nil
	snap.RightMap = nil
	test.That(t, store.Save(dir, snap), test.ShouldBeNil)

	got, err := store.Load(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Pose, test.ShouldBeNil)
	test.That(t, got.LeftMap, test.ShouldBeNil)
	test.That(t, got.Right, test.ShouldResemble, snap.Right)

	test.That(t, store.Save(dir, store.Snapshot{Left: snap.Left}), test.ShouldNotBeNil)
}

func TestLoadFailures(t *testing.T) {
	_, err := store.Load(filepath.Join(t.TempDir(), "missing"))
	test.That(t, err, test.ShouldNotBeNil)

	corrupt := func(name, content string) error {
		dir := t.TempDir()
		test.That(t, store.Save(dir, snapshot(t)), test.ShouldBeNil)
		test.That(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600), test.ShouldBeNil)
		_, err := store.Load(dir)
		return err
	}

	err = corrupt(store.LeftFile, "{")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, store.LeftFile)

	err = corrupt(store.RightFile, `{"image_width":640,"image_height":480,"camera_matrix":[[1,0],[0,1]]}`)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "camera_matrix")

	err = corrupt(store.PoseFile, `{"rotation":[[2,0,0],[0,1,0],[0,0,1]],"translation":[-60,0,0]}`)
	test.That(t, err, test.ShouldNotBeNil)

	err = corrupt(store.PoseFile, `{"rotation":[[1,0,0],[0,1,0],[0,0,1]],"translation":[-60,0]}`)
	test.That(t, err, test.ShouldNotBeNil)

	err = corrupt(store.LeftMapFile, `{"width":2,"height":2,"x":[0,1,0,1],"y":[0,0,1,1]}`)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, store.LeftMapFile)

	err = corrupt(store.RightMapFile, `{"width":640,"height":480,"x":[],"y":[]}`)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSaveFrames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	img := image.NewGray(image.Rect(0, 0, 8, 6))
	test.That(t, store.SaveFrames(dir, img, img), test.ShouldBeNil)
	for _, name := range []string{store.LeftFrameFile, store.RightFrameFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, store.SaveFrames(dir, img, nil), test.ShouldNotBeNil)
}
