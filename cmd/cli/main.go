package main

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage"

	"viamstereocalib/calib"
	"viamstereocalib/disparity"
	"viamstereocalib/pattern"
	"viamstereocalib/session"
)

const (
	flagPatternType = "pattern-type"
	flagRows        = "rows"
	flagCols        = "cols"
	flagSpacing     = "spacing"
	flagMinViews    = "min-views"
	flagLeft        = "left"
	flagRight       = "right"
	flagOut         = "out"
	flagMaps        = "maps"
	flagCalib       = "calib"
	flagMin         = "min"
	flagNum         = "num"
	flagWindow      = "window"
	flagDebug       = "debug"
)

func main() {
	err := realMain(os.Args)
	if err != nil {
		panic(err)
	}
}

func realMain(args []string) error {
	logger := logging.NewLogger("cli")

	app := &cli.App{
		Name:  "stereo-calibration",
		Usage: "calibrate a stereo rig and compute disparity from saved frames",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "calibrate",
				Usage: "calibrate from pairs of image files and save the result",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagPatternType, Value: string(pattern.AsymmetricCircles), Usage: "chessboard, circles or asymmetric_circles"},
					&cli.IntFlag{Name: flagRows, Value: pattern.Default().Rows},
					&cli.IntFlag{Name: flagCols, Value: pattern.Default().Cols},
					&cli.Float64Flag{Name: flagSpacing, Value: pattern.Default().Spacing},
					&cli.IntFlag{Name: flagMinViews, Value: calib.DefaultMinViews},
					&cli.StringFlag{Name: flagLeft, Required: true, Usage: "glob of left images"},
					&cli.StringFlag{Name: flagRight, Required: true, Usage: "glob of right images"},
					&cli.StringFlag{Name: flagOut, Value: "calibration", Usage: "output `DIR`"},
					&cli.BoolFlag{Name: flagMaps, Usage: "also write the rectification maps"},
				},
				Action: func(c *cli.Context) error {
					return calibrateAction(c, logger)
				},
			},
			{
				Name:  "disparity",
				Usage: "rectify one image pair with a saved calibration and write its disparity",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagCalib, Value: "calibration", Usage: "calibration `DIR`"},
					&cli.StringFlag{Name: flagLeft, Required: true},
					&cli.StringFlag{Name: flagRight, Required: true},
					&cli.StringFlag{Name: flagOut, Value: "disparity.png"},
					&cli.IntFlag{Name: flagMin, Usage: "minimum disparity"},
					&cli.IntFlag{Name: flagNum, Value: disparity.DefaultParams().NumDisparities, Usage: "number of disparities"},
					&cli.IntFlag{Name: flagWindow, Value: disparity.DefaultParams().WindowSize, Usage: "matching window size"},
				},
				Action: func(c *cli.Context) error {
					return disparityAction(c, logger)
				},
			},
		},
	}
	return app.Run(args)
}

func calibrateAction(c *cli.Context, logger logging.Logger) error {
	t, err := pattern.ParseType(c.String(flagPatternType))
	if err != nil {
		return err
	}
	cfg := session.DefaultConfig()
	cfg.Pattern = pattern.Pattern{Type: t, Rows: c.Int(flagRows), Cols: c.Int(flagCols), Spacing: c.Float64(flagSpacing)}
	cfg.Calibration.MinViews = c.Int(flagMinViews)

	lefts, err := filepath.Glob(c.String(flagLeft))
	if err != nil {
		return err
	}
	rights, err := filepath.Glob(c.String(flagRight))
	if err != nil {
		return err
	}
	if len(lefts) == 0 || len(lefts) != len(rights) {
		return errors.Errorf("need the same number of left and right images, got %d and %d", len(lefts), len(rights))
	}
	sort.Strings(lefts)
	sort.Strings(rights)

	sess, err := session.New(cfg, nil, logger)
	if err != nil {
		return err
	}
	for i := range lefts {
		left, err := rimage.NewImageFromFile(lefts[i])
		if err != nil {
			return err
		}
		right, err := rimage.NewImageFromFile(rights[i])
		if err != nil {
			return err
		}
		res := sess.Capture(left, right)
		logger.Infof("%s + %s: accepted %v, views %d", filepath.Base(lefts[i]), filepath.Base(rights[i]), res.Accepted, res.LeftViews)
	}
	if !sess.Calibrated() {
		st := sess.Status()
		return errors.Errorf("calibration incomplete: left %s, right %s after %d views", st.Left, st.Right, st.LeftViews)
	}
	return sess.Save(c.String(flagOut), session.SaveOptions{Maps: c.Bool(flagMaps)})
}

func disparityAction(c *cli.Context, logger logging.Logger) error {
	sess, err := session.New(session.DefaultConfig(), nil, logger)
	if err != nil {
		return err
	}
	if err := sess.Load(c.String(flagCalib)); err != nil {
		return err
	}
	p := disparity.DefaultParams()
	p.MinDisparity = c.Int(flagMin)
	p.NumDisparities = c.Int(flagNum)
	p.WindowSize = c.Int(flagWindow)
	sess.ApplyParams(p)

	left, err := rimage.NewImageFromFile(c.String(flagLeft))
	if err != nil {
		return err
	}
	right, err := rimage.NewImageFromFile(c.String(flagRight))
	if err != nil {
		return err
	}
	frame, ok := sess.Process(left, right)
	if !ok {
		return errors.New("cannot compute disparity: no stereo pose in the calibration, or frame size differs")
	}
	lo, hi := frame.Disparity.MinMax()
	logger.Infof("disparity range %.2f to %.2f", lo, hi)
	return rimage.WriteImageToFile(c.String(flagOut), frame.Visual)
}
