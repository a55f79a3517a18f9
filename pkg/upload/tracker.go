package upload

// Percent converts a byte count into an integer percentage, truncated and
// clamped to 0-100. An empty transfer counts as finished.
func Percent(loaded, total int64) int {
	if total <= 0 {
		return 100
	}
	if loaded <= 0 {
		return 0
	}
	if loaded >= total {
		return 100
	}
	return int(loaded * 100 / total)
}

// Tracker filters a progress stream so that observers only ever see
// increasing values. Repeats and regressions are dropped.
type Tracker struct {
	last int
	seen bool
}

// Update records pct and reports whether it should be forwarded.
func (t *Tracker) Update(pct int) (int, bool) {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	if t.seen && pct <= t.last {
		return t.last, false
	}
	t.last = pct
	t.seen = true
	return pct, true
}

// Last returns the most recent forwarded value.
func (t *Tracker) Last() int {
	return t.last
}
