package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/psantana5/detectrelay/pkg/models"
)

// DatabaseDirName is the per-session subdirectory holding face images.
const DatabaseDirName = "database"

var (
	// ErrProvision wraps any failure to create a session workspace.
	ErrProvision = errors.New("workspace provisioning failed")
	// ErrInvalidID is returned for ids that are not a single clean path element.
	ErrInvalidID = errors.New("invalid session id")
)

// Roots holds the two process-wide directories: the scratch root that
// contains one workspace per session and the output root where the worker
// writes <id>.mp4 and <id>.json. Sessions only touch paths under their own id.
type Roots struct {
	Scratch string
	Output  string
}

// NewRoots returns Roots with absolute paths.
func NewRoots(scratch, output string) (*Roots, error) {
	s, err := filepath.Abs(scratch)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scratch dir %s: %w", scratch, err)
	}
	o, err := filepath.Abs(output)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output dir %s: %w", output, err)
	}
	if s == o {
		return nil, fmt.Errorf("scratch and output dir must differ: %s", s)
	}
	return &Roots{Scratch: s, Output: o}, nil
}

// Init wipes both roots and recreates them empty. It is meant to run once at
// process startup so nothing from a previous run leaks into this one.
func (r *Roots) Init() error {
	for _, dir := range []string{r.Scratch, r.Output} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// ValidID reports whether id can safely name a directory or file under a root.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return false
	}
	return filepath.Base(id) == id
}

// OutputFile returns the path of <id>.<ext> in the output root.
func (r *Roots) OutputFile(id, ext string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(r.Output, id+"."+ext), nil
}

// Provision creates the scratch workspace for sessionID.
func (r *Roots) Provision(sessionID string) (*Workspace, error) {
	if !ValidID(sessionID) {
		return nil, fmt.Errorf("%w: %w: %q", ErrProvision, ErrInvalidID, sessionID)
	}

	dir := filepath.Join(r.Scratch, sessionID)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvision, err)
	}
	if err := os.Mkdir(filepath.Join(dir, DatabaseDirName), 0755); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %w", ErrProvision, err)
	}

	return &Workspace{id: sessionID, dir: dir, outputDir: r.Output}, nil
}

// Workspace is one session's scratch directory tree.
type Workspace struct {
	id        string
	dir       string
	outputDir string

	once        sync.Once
	teardownErr error
}

// ID returns the owning session id.
func (w *Workspace) ID() string { return w.id }

// Dir returns the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// DatabaseDir returns the face image directory.
func (w *Workspace) DatabaseDir() string { return filepath.Join(w.dir, DatabaseDirName) }

// OutputDir returns the shared output root the worker writes into.
func (w *Workspace) OutputDir() string { return w.outputDir }

// CategoryDir returns the directory files of category c are stored in.
func (w *Workspace) CategoryDir(c models.Category) string {
	if c == models.CategoryFaces {
		return w.DatabaseDir()
	}
	return w.dir
}

// Teardown removes the workspace. Only the first call does any work; later
// calls return the first result. A workspace that is already gone is not an
// error.
func (w *Workspace) Teardown() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil && !os.IsNotExist(err) {
			w.teardownErr = fmt.Errorf("failed to remove workspace %s: %w", w.dir, err)
		}
	})
	return w.teardownErr
}
