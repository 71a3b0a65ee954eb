package viamstereocalib

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"golang.org/x/sync/errgroup"
)

// cameras returns the current sources, which swap may exchange at any time.
func (s *stereoDisparity) cameras() (camera.Camera, camera.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left, s.right
}

// swap exchanges the left and right sources. Calibration is kept.
func (s *stereoDisparity) swap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.left, s.right = s.right, s.left
	s.logger.Info("swapped left and right cameras")
}

// readPair fetches one frame from each camera concurrently.
func (s *stereoDisparity) readPair(ctx context.Context) (image.Image, image.Image, error) {
	left, right := s.cameras()
	var l, r image.Image

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		l, err = readImage(gctx, left)
		return errors.Wrap(err, "left")
	})
	g.Go(func() error {
		var err error
		r, err = readImage(gctx, right)
		return errors.Wrap(err, "right")
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

func readImage(ctx context.Context, cam camera.Camera) (image.Image, error) {
	all, _, err := cam.Images(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 || all[0].Image == nil {
		return nil, errors.New("camera returned no image")
	}
	return all[0].Image, nil
}
