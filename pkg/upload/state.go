package upload

import "github.com/psantana5/detectrelay/pkg/models"

type categoryState struct {
	expected  int
	started   int
	completed int
	paths     []string
	loaded    int64
	total     int64
}

// State is the per-session record of what has been received in each
// category.
type State struct {
	manifest   models.Manifest
	categories map[models.Category]*categoryState
}

// NewState creates an empty state for m.
func NewState(m models.Manifest) *State {
	s := &State{
		manifest:   m,
		categories: make(map[models.Category]*categoryState, 3),
	}
	for _, c := range []models.Category{models.CategoryFaces, models.CategoryWeights, models.CategoryVideo} {
		s.categories[c] = &categoryState{expected: m.Expected(c)}
	}
	return s
}

// Manifest returns the manifest the state was built from.
func (s *State) Manifest() models.Manifest {
	return s.manifest
}

// Expected returns the number of files promised for c.
func (s *State) Expected(c models.Category) int {
	if cs, ok := s.categories[c]; ok {
		return cs.expected
	}
	return 0
}

// Completed returns the number of files of c saved so far.
func (s *State) Completed(c models.Category) int {
	if cs, ok := s.categories[c]; ok {
		return cs.completed
	}
	return 0
}

// Complete reports whether every expected file of c has been saved.
func (s *State) Complete(c models.Category) bool {
	cs, ok := s.categories[c]
	return ok && cs.completed >= cs.expected
}

// Bytes returns loaded and declared totals across all files of c.
func (s *State) Bytes(c models.Category) (loaded, total int64) {
	if cs, ok := s.categories[c]; ok {
		return cs.loaded, cs.total
	}
	return 0, 0
}

// Percent returns the upload progress of c across every expected file.
// Files not started yet count as empty, so the value only settles at 100
// once the last expected file is in.
func (s *State) Percent(c models.Category) int {
	cs, ok := s.categories[c]
	if !ok || cs.expected <= 0 {
		return 100
	}
	if cs.started == 0 {
		return 0
	}
	if cs.total <= 0 {
		return Percent(int64(cs.completed), int64(cs.expected))
	}
	return Percent(cs.loaded*int64(cs.started), cs.total*int64(cs.expected))
}

// VideoPath returns the stored video. It is only valid once the video
// category is complete.
func (s *State) VideoPath() (string, bool) {
	cs := s.categories[models.CategoryVideo]
	if cs.completed < cs.expected || len(cs.paths) == 0 {
		return "", false
	}
	return cs.paths[0], true
}

// WeightsPath returns the stored weights file, if one was uploaded.
func (s *State) WeightsPath() (string, bool) {
	cs := s.categories[models.CategoryWeights]
	if len(cs.paths) == 0 {
		return "", false
	}
	return cs.paths[0], true
}

// FacePaths returns every stored face image in arrival order.
func (s *State) FacePaths() []string {
	cs := s.categories[models.CategoryFaces]
	out := make([]string, len(cs.paths))
	copy(out, cs.paths)
	return out
}

func (s *State) remaining(c models.Category) int {
	cs, ok := s.categories[c]
	if !ok {
		return 0
	}
	return cs.expected - cs.started
}

func (s *State) begin(c models.Category, size int64) {
	cs := s.categories[c]
	cs.started++
	cs.total += size
}

func (s *State) advance(c models.Category, n int64) {
	s.categories[c].loaded += n
}

// abandon gives back the slot of a transfer that did not finish.
func (s *State) abandon(c models.Category, loaded, size int64) {
	cs := s.categories[c]
	cs.started--
	cs.loaded -= loaded
	cs.total -= size
}

// record stores a saved file: video replaces, faces append, weights set.
func (s *State) record(c models.Category, path string) {
	cs := s.categories[c]
	cs.completed++
	switch c {
	case models.CategoryFaces:
		cs.paths = append(cs.paths, path)
	default:
		cs.paths = []string{path}
	}
}
