package viamstereocalib

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"viamstereocalib/session"
	"viamstereocalib/store"
)

// DoCommand keys. Each key present in a request runs once, in the order listed here. A key
// whose argument is false is skipped.
const (
	cmdCapture    = "capture"
	cmdSave       = "save"
	cmdLoad       = "load"
	cmdSwap       = "swap"
	cmdSaveFrames = "save_frames"
	cmdSetParams  = "set_params"
	cmdReset      = "reset"
	cmdStatus     = "status"
)

var commandOrder = []string{cmdReset, cmdSwap, cmdLoad, cmdSetParams, cmdCapture, cmdSaveFrames, cmdSave, cmdStatus}

func (s *stereoDisparity) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	for k := range cmd {
		if !knownCommand(k) {
			return nil, errors.Errorf("unknown command %q", k)
		}
	}

	resp := map[string]interface{}{}
	for _, k := range commandOrder {
		arg, ok := cmd[k]
		if !ok {
			continue
		}
		if b, isBool := arg.(bool); isBool && !b {
			continue
		}
		out, err := s.runCommand(ctx, k, arg)
		if err != nil {
			return nil, errors.Wrap(err, k)
		}
		resp[k] = out
	}
	return resp, nil
}

func knownCommand(k string) bool {
	for _, c := range commandOrder {
		if c == k {
			return true
		}
	}
	return false
}

func (s *stereoDisparity) runCommand(ctx context.Context, name string, arg interface{}) (interface{}, error) {
	switch name {
	case cmdCapture:
		left, right, err := s.readPair(ctx)
		if err != nil {
			return nil, err
		}
		return toMap(s.session.Capture(left, right))
	case cmdSave:
		dir, err := s.dirArg(arg)
		if err != nil {
			return nil, err
		}
		if err := s.session.Save(dir, session.SaveOptions{Maps: s.cfg.SaveMaps}); err != nil {
			return nil, err
		}
		return dir, nil
	case cmdLoad:
		dir, err := s.dirArg(arg)
		if err != nil {
			return nil, err
		}
		if err := s.session.Load(dir); err != nil {
			return nil, err
		}
		return toMap(s.session.Status())
	case cmdSwap:
		s.swap()
		return true, nil
	case cmdSaveFrames:
		dir, err := s.dirArg(arg)
		if err != nil {
			return nil, err
		}
		left, right, err := s.readPair(ctx)
		if err != nil {
			return nil, err
		}
		if err := store.SaveFrames(dir, left, right); err != nil {
			return nil, err
		}
		return dir, nil
	case cmdSetParams:
		// unspecified fields keep their current values
		p := s.session.Params()
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, "decoding parameters")
		}
		return toMap(s.session.ApplyParams(p))
	case cmdReset:
		s.session.Reset()
		return true, nil
	case cmdStatus:
		return toMap(s.session.Status())
	default:
		return nil, errors.Errorf("unknown command %q", name)
	}
}

// dirArg reads a directory argument. true, or an empty string, selects the configured
// calibration directory. false never gets here.
func (s *stereoDisparity) dirArg(arg interface{}) (string, error) {
	switch v := arg.(type) {
	case bool:
		return s.cfg.getCalibrationDir(), nil
	case string:
		if v == "" {
			return s.cfg.getCalibrationDir(), nil
		}
		return v, nil
	default:
		return "", errors.Errorf("expected a directory or true, got %T", arg)
	}
}

func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
