package models

// Category names an upload topic multiplexed over a session connection.
type Category string

const (
	CategoryVideo   Category = "video"
	CategoryFaces   Category = "faces"
	CategoryWeights Category = "weights"
)

// Valid reports whether c is one of the known upload topics.
func (c Category) Valid() bool {
	switch c {
	case CategoryVideo, CategoryFaces, CategoryWeights:
		return true
	}
	return false
}

// ErrorEvent returns the client event that reports a failed upload in c.
func (c Category) ErrorEvent() string {
	if c == CategoryFaces {
		return EventFaceUploadError
	}
	return EventUploadError
}

// Model tiers accepted from the client
const (
	ModelHigh   = "high"
	ModelMedium = "medium"
)

// Rect is a rectangular area of interest in video pixel coordinates.
type Rect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// ProcessingConfig holds the detection options chosen by the client when it
// asks for processing to start. Dependent toggles (Tracks, Counters without
// Tracking, Frame without an area) are accepted as-is and ignored downstream.
type ProcessingConfig struct {
	Model       string  `json:"model" yaml:"model"`
	Cars        bool    `json:"cars" yaml:"cars"`
	Recognition bool    `json:"recognition" yaml:"recognition"`
	Tracking    bool    `json:"tracking" yaml:"tracking"`
	Tracks      bool    `json:"tracks" yaml:"tracks"`
	TrackLen    float64 `json:"trackLen" yaml:"trackLen"`
	Counters    bool    `json:"counters" yaml:"counters"`
	Timestamp   bool    `json:"timestamp" yaml:"timestamp"`
	Area        []Rect  `json:"area" yaml:"area"`
	Frame       bool    `json:"frame" yaml:"frame"`
}

// HasArea reports whether an area of interest was selected.
func (c *ProcessingConfig) HasArea() bool {
	return len(c.Area) > 0
}

// Region returns the selected area. Only the first rectangle is used.
func (c *ProcessingConfig) Region() (Rect, bool) {
	if !c.HasArea() {
		return Rect{}, false
	}
	return c.Area[0], true
}

// Manifest declares which optional categories a client will upload before
// the video.
type Manifest struct {
	Faces   int  `json:"faces"`
	Weights bool `json:"weights"`
}

// Expected returns how many files the manifest promises for c.
func (m Manifest) Expected(c Category) int {
	switch c {
	case CategoryFaces:
		if m.Faces < 0 {
			return 0
		}
		return m.Faces
	case CategoryWeights:
		if m.Weights {
			return 1
		}
		return 0
	case CategoryVideo:
		return 1
	}
	return 0
}
