package jobs

import (
	"strconv"

	"github.com/psantana5/detectrelay/pkg/models"
)

// Worker model identifiers selected by the model tier.
const (
	ModelYOLO608 = "yolo608"
	ModelYOLO320 = "yolo320"
)

// BuildArguments translates cfg into the worker's command line. The fixed
// path tokens come first, followed by the options in canonical order. It has
// no side effects. weights may be empty when no weights file was uploaded.
func BuildArguments(cfg models.ProcessingConfig, input, output, sessionID, database, weights string) []string {
	args := []string{
		"--input", input,
		"--output", output,
		"--name", sessionID,
		"--database", database,
	}
	if weights != "" {
		args = append(args, "--weights", weights)
	}

	if cfg.Model == models.ModelHigh {
		args = append(args, "--model", ModelYOLO608)
	} else {
		args = append(args, "--model", ModelYOLO320)
	}

	if cfg.Cars {
		args = append(args, "--cars")
	}

	if r, ok := cfg.Region(); ok {
		args = append(args, "--area",
			coordinate(r.X), coordinate(r.Y), coordinate(r.Width), coordinate(r.Height))
		if cfg.Frame {
			args = append(args, "--frame")
		}
	}

	if cfg.Recognition {
		args = append(args, "--recognition")
	}

	if cfg.Tracking {
		args = append(args, "--tracking")
		if cfg.Tracks {
			args = append(args, "--paths", "--traillen", strconv.FormatFloat(cfg.TrackLen, 'f', -1, 64))
		}
		if cfg.Counters {
			args = append(args, "--counter")
		}
	}

	if cfg.Timestamp {
		args = append(args, "--timestamp")
	}

	return args
}

// coordinate renders an area value as an integer truncated toward zero.
func coordinate(v float64) string {
	return strconv.FormatInt(int64(v), 10)
}
