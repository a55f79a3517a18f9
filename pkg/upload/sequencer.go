package upload

import "github.com/psantana5/detectrelay/pkg/models"

// Step is the outcome of a sequencer transition.
type Step struct {
	Next      models.Category // category to submit next; empty when Done
	Done      bool            // video has been received
	Triggered bool            // false for spurious or repeated signals
}

// Sequencer orders a session's uploads: faces (if any), then weights (if
// any), then the video. A category is only triggered once, so duplicate
// completion signals are harmless.
type Sequencer struct {
	order   []models.Category
	pos     int
	started bool
}

// NewSequencer builds the upload order for m.
func NewSequencer(m models.Manifest) *Sequencer {
	order := make([]models.Category, 0, 3)
	if m.Expected(models.CategoryFaces) > 0 {
		order = append(order, models.CategoryFaces)
	}
	if m.Expected(models.CategoryWeights) > 0 {
		order = append(order, models.CategoryWeights)
	}
	order = append(order, models.CategoryVideo)
	return &Sequencer{order: order}
}

// Order returns the full submission order.
func (s *Sequencer) Order() []models.Category {
	out := make([]models.Category, len(s.order))
	copy(out, s.order)
	return out
}

// Start triggers the first category. Later calls report the current
// position without triggering anything.
func (s *Sequencer) Start() Step {
	if s.started {
		return s.position(false)
	}
	s.started = true
	return s.position(true)
}

// Current returns the category whose files may be transferred right now.
func (s *Sequencer) Current() (models.Category, bool) {
	if !s.started || s.Done() {
		return "", false
	}
	return s.order[s.pos], true
}

// Done reports whether the video category has completed.
func (s *Sequencer) Done() bool {
	return s.pos >= len(s.order)
}

// Advance is called once every file of completed has been saved. It returns
// the next category to submit, or Done after the video. Signals for any
// category other than the current one are ignored.
func (s *Sequencer) Advance(completed models.Category) Step {
	current, ok := s.Current()
	if !ok || completed != current {
		return s.position(false)
	}
	s.pos++
	return s.position(true)
}

func (s *Sequencer) position(triggered bool) Step {
	if s.Done() {
		return Step{Done: true, Triggered: triggered}
	}
	return Step{Next: s.order[s.pos], Triggered: triggered}
}
