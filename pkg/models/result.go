package models

import (
	"strings"
	"time"
)

// ResultLocation holds the URLs under which a finished job's output is served.
type ResultLocation struct {
	VideoURL    string `json:"videoURL"`
	DownloadURL string `json:"downloadURL"`
	DataURL     string `json:"dataURL"`
}

// NewResultLocation builds the result URLs for sessionID. An empty base
// yields server-relative URLs.
func NewResultLocation(base, sessionID string) ResultLocation {
	base = strings.TrimRight(base, "/")
	return ResultLocation{
		VideoURL:    base + "/video/" + sessionID,
		DownloadURL: base + "/download/" + sessionID,
		DataURL:     base + "/data/" + sessionID,
	}
}

// ExitReason describes why a worker terminated
type ExitReason string

const (
	ExitReasonSuccess ExitReason = "success" // Exit code 0
	ExitReasonError   ExitReason = "error"   // Exit code != 0
	ExitReasonSignal  ExitReason = "signal"  // Killed by signal
	ExitReasonTimeout ExitReason = "timeout" // Runtime limit exceeded
	ExitReasonUnknown ExitReason = "unknown"
)

// Exit is the classified outcome of a worker process.
type Exit struct {
	Code     int           `json:"code"`
	Reason   ExitReason    `json:"reason"`
	Signal   string        `json:"signal,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the worker exited with status 0.
func (e Exit) Success() bool {
	return e.Reason == ExitReasonSuccess
}
