package upload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/psantana5/detectrelay/pkg/logging"
	"github.com/psantana5/detectrelay/pkg/models"
	"github.com/psantana5/detectrelay/pkg/workspace"
)

var (
	ErrNoManifest      = errors.New("upload manifest not received")
	ErrManifestSet     = errors.New("upload manifest already received")
	ErrUnknownCategory = errors.New("unknown upload category")
	ErrNotPermitted    = errors.New("category not yet permitted")
	ErrUnexpectedFile  = errors.New("no more files expected for category")
	ErrDuplicateFile   = errors.New("file id already in use")
	ErrUnknownFile     = errors.New("chunk for unknown file")
	ErrOverrun         = errors.New("received more bytes than declared")
	ErrTooLarge        = errors.New("file exceeds size limit")
	ErrAborted         = errors.New("transfer aborted by client")
)

// Error is an upload failure attributed to a category. Category is empty
// when the failing frame could not be attributed to one.
type Error struct {
	Category models.Category
	FileID   uint32
	Err      error
}

func (e *Error) Error() string {
	if e.Category == "" {
		return fmt.Sprintf("upload file %d: %v", e.FileID, e.Err)
	}
	return fmt.Sprintf("upload %s file %d: %v", e.Category, e.FileID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Progress describes the state of one file after a Begin or Write.
type Progress struct {
	Category models.Category
	FileID   uint32
	Loaded   int64
	Total    int64
	Percent  int  // category progress across all expected files
	Changed  bool // Percent increased and should be reported
	Done     bool // file fully written and recorded
	Path     string
	// CategoryComplete is set when this file was the last one expected for Category.
	CategoryComplete bool
}

type openFile struct {
	category models.Category
	id       uint32
	path     string
	size     int64
	loaded   int64
	f        *os.File
}

// Receiver reassembles categorized file streams into a session workspace.
// Chunks are appended straight to disk. It is not safe for concurrent use;
// the owning session serialises calls.
type Receiver struct {
	ws           *workspace.Workspace
	maxFileBytes int64
	logger       *logging.Logger

	state    *State
	seq      *Sequencer
	open     map[uint32]*openFile
	trackers map[models.Category]*Tracker
}

// NewReceiver creates a receiver writing into ws. maxFileBytes <= 0 disables
// the size limit.
func NewReceiver(ws *workspace.Workspace, maxFileBytes int64, logger *logging.Logger) *Receiver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Receiver{
		ws:           ws,
		maxFileBytes: maxFileBytes,
		logger:       logger,
		open:         make(map[uint32]*openFile),
		trackers:     make(map[models.Category]*Tracker, 3),
	}
}

// SetManifest fixes which categories will be sent and triggers the first one.
func (r *Receiver) SetManifest(m models.Manifest) (Step, error) {
	if r.state != nil {
		return Step{}, ErrManifestSet
	}
	r.state = NewState(m)
	r.seq = NewSequencer(m)
	return r.seq.Start(), nil
}

// HasManifest reports whether SetManifest has been called.
func (r *Receiver) HasManifest() bool {
	return r.state != nil
}

// State returns the upload state, or nil before the manifest.
func (r *Receiver) State() *State {
	return r.state
}

// Sequencer returns the upload sequencer, or nil before the manifest.
func (r *Receiver) Sequencer() *Sequencer {
	return r.seq
}

// Pending returns the number of files currently being written.
func (r *Receiver) Pending() int {
	return len(r.open)
}

// Begin opens a new file transfer.
func (r *Receiver) Begin(h models.FileStart) (Progress, error) {
	fail := func(err error) (Progress, error) {
		return Progress{}, &Error{Category: h.Topic, FileID: h.FileID, Err: err}
	}

	if !h.Topic.Valid() {
		return fail(fmt.Errorf("%w: %q", ErrUnknownCategory, h.Topic))
	}
	if r.state == nil {
		return fail(ErrNoManifest)
	}
	if current, ok := r.seq.Current(); !ok || current != h.Topic {
		return fail(ErrNotPermitted)
	}
	if r.state.remaining(h.Topic) <= 0 {
		return fail(ErrUnexpectedFile)
	}
	if _, exists := r.open[h.FileID]; exists {
		return fail(ErrDuplicateFile)
	}
	if h.Size < 0 {
		return fail(fmt.Errorf("invalid size %d", h.Size))
	}
	if r.maxFileBytes > 0 && h.Size > r.maxFileBytes {
		return fail(fmt.Errorf("%w: %d > %d", ErrTooLarge, h.Size, r.maxFileBytes))
	}

	f, path, err := createUnique(r.ws.CategoryDir(h.Topic), sanitizeName(h.Name, h.Topic, h.FileID))
	if err != nil {
		return fail(err)
	}

	of := &openFile{
		category: h.Topic,
		id:       h.FileID,
		path:     path,
		size:     h.Size,
		f:        f,
	}
	r.open[h.FileID] = of
	r.state.begin(h.Topic, h.Size)

	r.logger.Debug("Upload started", map[string]interface{}{
		"topic": h.Topic, "file_id": h.FileID, "path": path, "size": h.Size,
	})

	if h.Size == 0 {
		return r.finish(of)
	}

	pct, changed := r.progress(h.Topic)
	return Progress{
		Category: h.Topic,
		FileID:   h.FileID,
		Total:    h.Size,
		Percent:  pct,
		Changed:  changed,
		Path:     path,
	}, nil
}

// Write appends chunk to the file identified by fileID.
func (r *Receiver) Write(fileID uint32, chunk []byte) (Progress, error) {
	of, ok := r.open[fileID]
	if !ok {
		return Progress{}, &Error{FileID: fileID, Err: ErrUnknownFile}
	}

	if of.loaded+int64(len(chunk)) > of.size {
		r.discard(of)
		return Progress{}, &Error{Category: of.category, FileID: fileID, Err: ErrOverrun}
	}

	n, err := of.f.Write(chunk)
	of.loaded += int64(n)
	r.state.advance(of.category, int64(n))
	if err != nil {
		r.discard(of)
		return Progress{}, &Error{Category: of.category, FileID: fileID, Err: fmt.Errorf("write failed: %w", err)}
	}

	if of.loaded == of.size {
		return r.finish(of)
	}

	pct, changed := r.progress(of.category)
	return Progress{
		Category: of.category,
		FileID:   fileID,
		Loaded:   of.loaded,
		Total:    of.size,
		Percent:  pct,
		Changed:  changed,
		Path:     of.path,
	}, nil
}

// Abort abandons a transfer at the client's request and removes the partial
// file.
func (r *Receiver) Abort(fileID uint32) error {
	of, ok := r.open[fileID]
	if !ok {
		return &Error{FileID: fileID, Err: ErrUnknownFile}
	}
	r.discard(of)
	return &Error{Category: of.category, FileID: fileID, Err: ErrAborted}
}

// Close releases every open file handle. Partial files are left for the
// workspace teardown.
func (r *Receiver) Close() {
	for id, of := range r.open {
		of.f.Close()
		delete(r.open, id)
	}
}

func (r *Receiver) finish(of *openFile) (Progress, error) {
	delete(r.open, of.id)
	if err := of.f.Close(); err != nil {
		os.Remove(of.path)
		r.state.abandon(of.category, of.loaded, of.size)
		return Progress{}, &Error{Category: of.category, FileID: of.id, Err: fmt.Errorf("close failed: %w", err)}
	}

	r.state.record(of.category, of.path)
	pct, changed := r.progress(of.category)

	r.logger.Info("Upload saved", map[string]interface{}{
		"topic": of.category, "file_id": of.id, "path": of.path, "bytes": of.loaded,
	})

	return Progress{
		Category:         of.category,
		FileID:           of.id,
		Loaded:           of.loaded,
		Total:            of.size,
		Percent:          pct,
		Changed:          changed,
		Done:             true,
		Path:             of.path,
		CategoryComplete: r.state.Complete(of.category),
	}, nil
}

// progress reports the category percentage, filtered so it never goes down.
func (r *Receiver) progress(c models.Category) (int, bool) {
	t, ok := r.trackers[c]
	if !ok {
		t = &Tracker{}
		r.trackers[c] = t
	}
	return t.Update(r.state.Percent(c))
}

func (r *Receiver) discard(of *openFile) {
	delete(r.open, of.id)
	of.f.Close()
	if err := os.Remove(of.path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("Failed to remove partial upload", map[string]interface{}{
			"path": of.path, "error": err.Error(),
		})
	}
	r.state.abandon(of.category, of.loaded, of.size)
}

// sanitizeName reduces a client supplied name to a single path element.
func sanitizeName(name string, c models.Category, id uint32) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r == 0 || r == '/' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return fmt.Sprintf("%s-%d", c, id)
	}
	return name
}

// createUnique creates dir/name, appending -1, -2, ... before the extension
// when the name is taken.
func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := name
	for i := 1; i <= 100; i++ {
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			return f, path, nil
		}
		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	return nil, "", fmt.Errorf("failed to find a free name for %s in %s", name, dir)
}
