package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/detectrelay/pkg/jobs"
	"github.com/psantana5/detectrelay/pkg/models"
	"github.com/psantana5/detectrelay/pkg/transport"
	"github.com/psantana5/detectrelay/pkg/upload"
	"github.com/psantana5/detectrelay/pkg/workspace"
)

type event struct {
	Name string
	Data interface{}
}

type fakeConn struct {
	in     chan transport.Message
	events chan event

	mu  sync.Mutex
	all []event
	err error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan transport.Message),
		events: make(chan event, 256),
	}
}

func (f *fakeConn) Emit(name string, data interface{}) error {
	e := event{Name: name, Data: data}
	f.mu.Lock()
	f.all = append(f.all, e)
	f.mu.Unlock()
	f.events <- e
	return nil
}

func (f *fakeConn) ReadLoop(ctx context.Context) <-chan transport.Message { return f.in }

func (f *fakeConn) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeConn) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.in)
}

func (f *fakeConn) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.all {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (f *fakeConn) find(name string) (event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.all {
		if e.Name == name {
			return e, true
		}
	}
	return event{}, false
}

type fakeJob struct {
	progress   chan int
	done       chan struct{}
	terminated chan struct{}
	// stuck makes Terminate fail without the job ever exiting.
	stuck      bool

	mu       sync.Mutex
	exit     models.Exit
	once     sync.Once
	termOnce sync.Once
}

func newFakeJob() *fakeJob {
	return &fakeJob{
		progress:   make(chan int),
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

func (j *fakeJob) PID() int                      { return 4242 }
func (j *fakeJob) Progress() <-chan int          { return j.progress }
func (j *fakeJob) Done() <-chan struct{}         { return j.done }
func (j *fakeJob) Events() []jobs.LifecycleEvent { return nil }

func (j *fakeJob) Exit() models.Exit {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exit
}

func (j *fakeJob) finish(exit models.Exit) {
	j.once.Do(func() {
		j.mu.Lock()
		j.exit = exit
		j.mu.Unlock()
		close(j.progress)
		close(j.done)
	})
}

func (j *fakeJob) Terminate(ctx context.Context) error {
	j.termOnce.Do(func() { close(j.terminated) })
	if j.stuck {
		return errors.New("worker still running after SIGKILL")
	}
	j.finish(models.Exit{Code: -1, Reason: models.ExitReasonSignal, Signal: "SIGTERM"})
	return nil
}

func (j *fakeJob) wasTerminated() bool {
	select {
	case <-j.terminated:
		return true
	default:
		return false
	}
}

type fakeStarter struct {
	err   error
	stuck      bool
	jobs  chan *fakeJob

	mu   sync.Mutex
	args [][]string
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{jobs: make(chan *fakeJob, 4)}
}

func (s *fakeStarter) Start(ctx context.Context, args []string) (jobs.Job, error) {
	s.mu.Lock()
	s.args = append(s.args, args)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	j := newFakeJob()
	j.stuck = s.stuck
	s.jobs <- j
	return j, nil
}

func (s *fakeStarter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.args)
}

type harness struct {
	t       *testing.T
	roots   *workspace.Roots
	conn    *fakeConn
	starter *fakeStarter
	ctrl    *Controller
	errc    chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithStarter(t, cfg, newFakeStarter())
}

func newHarnessWithStarter(t *testing.T, cfg Config, starter *fakeStarter) *harness {
	t.Helper()
	base := t.TempDir()
	roots, err := workspace.NewRoots(filepath.Join(base, "tmp"), filepath.Join(base, "videos"))
	if err != nil {
		t.Fatal(err)
	}
	if err := roots.Init(); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		t:       t,
		roots:   roots,
		conn:    newFakeConn(),
		starter: starter,
		errc:    make(chan error, 1),
	}
	h.ctrl = NewController("sess-1", h.conn, Deps{Roots: roots, Starter: h.starter, Config: cfg})
	go func() { h.errc <- h.ctrl.Run(context.Background()) }()
	h.wait(models.EventConnected)
	return h
}

func (h *harness) send(event string, data interface{}) {
	h.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		h.t.Fatal(err)
	}
	h.deliver(transport.Message{Event: event, Data: raw})
}

func (h *harness) deliver(msg transport.Message) {
	h.t.Helper()
	select {
	case h.conn.in <- msg:
	case <-time.After(5 * time.Second):
		h.t.Fatalf("controller not reading (sending %q)", msg.Event)
	}
}

// upload transfers one file in two chunks.
func (h *harness) upload(topic models.Category, id uint32, name string, data []byte) {
	h.t.Helper()
	h.send(models.EventFileStart, models.FileStart{Topic: topic, FileID: id, Name: name, Size: int64(len(data))})
	half := len(data) / 2
	h.deliver(transport.Message{Binary: true, FileID: id, Chunk: data[:half]})
	h.deliver(transport.Message{Binary: true, FileID: id, Chunk: data[half:]})
}

// wait skips events until one called name arrives.
func (h *harness) wait(name string) event {
	h.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-h.conn.events:
			if e.Name == name {
				return e
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func (h *harness) expectNext(topic models.Category) {
	h.t.Helper()
	e := h.wait(models.EventUploadNext)
	if got := e.Data.(models.UploadNext).Topic; got != topic {
		h.t.Fatalf("upload_next = %s, want %s", got, topic)
	}
}

func (h *harness) job() *fakeJob {
	h.t.Helper()
	select {
	case j := <-h.starter.jobs:
		return j
	case <-time.After(5 * time.Second):
		h.t.Fatal("worker was not started")
		return nil
	}
}

func (h *harness) result() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("session did not end")
		return nil
	}
}

func (h *harness) assertTornDown() {
	h.t.Helper()
	if _, err := os.Stat(filepath.Join(h.roots.Scratch, "sess-1")); !os.IsNotExist(err) {
		h.t.Errorf("workspace still present (stat err %v)", err)
	}
	if state := h.ctrl.Info().State; state != models.SessionTornDown {
		h.t.Errorf("state = %s, want torn_down", state)
	}
}

func TestSessionSuccess(t *testing.T) {
	h := newHarness(t, Config{})

	h.send(models.EventUploadManifest, models.Manifest{Faces: 1, Weights: true})
	h.expectNext(models.CategoryFaces)
	h.upload(models.CategoryFaces, 1, "john_1.jpg", []byte("face"))
	h.expectNext(models.CategoryWeights)
	h.upload(models.CategoryWeights, 2, "custom.weights", []byte("weights"))
	h.expectNext(models.CategoryVideo)
	h.upload(models.CategoryVideo, 3, "clip.mp4", []byte("videodata"))

	h.send(models.EventStartDetection, models.ProcessingConfig{
		Model: "high", Tracking: true, Tracks: true, TrackLen: 3, Timestamp: true,
	})
	job := h.job()

	args := strings.Join(h.starter.args[0], " ")
	ws := filepath.Join(h.roots.Scratch, "sess-1")
	for _, want := range []string{
		"--input " + filepath.Join(ws, "clip.mp4"),
		"--output " + h.roots.Output,
		"--name sess-1",
		"--database " + filepath.Join(ws, workspace.DatabaseDirName),
		"--weights " + filepath.Join(ws, "custom.weights"),
		"--model yolo608",
		"--tracking --paths --traillen 3 --timestamp",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("worker args %q missing %q", args, want)
		}
	}

	job.progress <- 10
	job.progress <- 10
	job.progress <- 5
	job.progress <- 50
	if got := h.wait(models.EventProgress).Data; got != 10 {
		t.Errorf("first progress = %v", got)
	}
	if got := h.wait(models.EventProgress).Data; got != 50 {
		t.Errorf("second progress = %v", got)
	}

	job.finish(models.Exit{Code: 0, Reason: models.ExitReasonSuccess})
	if err := h.result(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if n := h.conn.count(models.EventProcessed); n != 1 {
		t.Fatalf("processed emitted %d times", n)
	}
	if n := h.conn.count(models.EventProcessError); n != 0 {
		t.Errorf("process_error emitted %d times", n)
	}
	if n := h.conn.count(models.EventProgress); n != 2 {
		t.Errorf("progress emitted %d times, want 2", n)
	}

	e, _ := h.conn.find(models.EventProcessed)
	loc := e.Data.(models.ResultLocation)
	for _, url := range []string{loc.VideoURL, loc.DownloadURL, loc.DataURL} {
		if !strings.Contains(url, "sess-1") {
			t.Errorf("result URL %q lacks session id", url)
		}
	}
	if loc.VideoURL != "/video/sess-1" {
		t.Errorf("VideoURL = %q", loc.VideoURL)
	}
	h.assertTornDown()
}

func TestSessionWorkerFailure(t *testing.T) {
	h := newHarness(t, Config{})

	h.send(models.EventStartDetection, models.StartDetection{})
	h.expectNext(models.CategoryVideo)
	h.upload(models.CategoryVideo, 1, "clip.mp4", []byte("video"))
	job := h.job()

	job.finish(models.Exit{Code: 3, Reason: models.ExitReasonError})
	err := h.result()
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}

	if n := h.conn.count(models.EventProcessError); n != 1 {
		t.Fatalf("process_error emitted %d times", n)
	}
	if n := h.conn.count(models.EventProcessed); n != 0 {
		t.Errorf("processed emitted %d times", n)
	}
	e, _ := h.conn.find(models.EventProcessError)
	if e.Data != 3 {
		t.Errorf("process_error payload = %v, want 3", e.Data)
	}
	h.assertTornDown()
}

func TestSessionDisconnectWhileRunning(t *testing.T) {
	h := newHarness(t, Config{})

	faces := 0
	h.send(models.EventStartDetection, models.StartDetection{Faces: &faces})
	h.expectNext(models.CategoryVideo)
	h.upload(models.CategoryVideo, 1, "clip.mp4", []byte("video"))
	job := h.job()

	close(h.conn.in)
	if err := h.result(); err != nil {
		t.Fatalf("disconnect should end normally, got %v", err)
	}

	if !job.wasTerminated() {
		t.Error("worker was not terminated on disconnect")
	}
	if h.conn.count(models.EventProcessed)+h.conn.count(models.EventProcessError) != 0 {
		t.Error("no result should be reported after disconnect")
	}
	if exit := h.ctrl.Info().Exit; exit == nil || exit.Reason != models.ExitReasonSignal {
		t.Errorf("recorded exit = %+v", exit)
	}
	h.assertTornDown()
}

func TestSessionDisconnectBeforeUpload(t *testing.T) {
	h := newHarness(t, Config{})
	close(h.conn.in)
	if err := h.result(); err != nil {
		t.Fatal(err)
	}
	if h.starter.calls() != 0 {
		t.Error("worker started without a video")
	}
	h.assertTornDown()
}

func TestSessionStartBeforeVideoWaitsForUpload(t *testing.T) {
	h := newHarness(t, Config{})

	h.send(models.EventUploadManifest, models.Manifest{})
	h.expectNext(models.CategoryVideo)
	h.send(models.EventStartDetection, models.ProcessingConfig{})
	if h.starter.calls() != 0 {
		t.Fatal("worker started before the video arrived")
	}

	h.upload(models.CategoryVideo, 1, "clip.mp4", []byte("video"))
	job := h.job()
	job.finish(models.Exit{Reason: models.ExitReasonSuccess})
	if err := h.result(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionUploadErrors(t *testing.T) {
	tests := []struct {
		name      string
		run       func(h *harness)
		wantEvent string
		wantTopic models.Category
		wantErr   error
	}{
		{
			name: "video before faces",
			run: func(h *harness) {
				h.send(models.EventUploadManifest, models.Manifest{Faces: 1})
				h.expectNext(models.CategoryFaces)
				h.send(models.EventFileStart, models.FileStart{Topic: models.CategoryVideo, FileID: 1, Name: "clip.mp4", Size: 4})
			},
			wantEvent: models.EventUploadError,
			wantTopic: models.CategoryVideo,
			wantErr:   upload.ErrNotPermitted,
		},
		{
			name: "aborted face",
			run: func(h *harness) {
				h.send(models.EventUploadManifest, models.Manifest{Faces: 1})
				h.send(models.EventFileStart, models.FileStart{Topic: models.CategoryFaces, FileID: 1, Name: "a.jpg", Size: 4})
				h.send(models.EventFileAbort, models.FileAbort{Topic: models.CategoryFaces, FileID: 1})
			},
			wantEvent: models.EventFaceUploadError,
			wantTopic: models.CategoryFaces,
			wantErr:   upload.ErrAborted,
		},
		{
			name: "chunk for unknown file",
			run: func(h *harness) {
				h.deliver(transport.Message{Binary: true, FileID: 99, Chunk: []byte("x")})
			},
			wantEvent: models.EventUploadError,
			wantErr:   upload.ErrUnknownFile,
		},
		{
			name: "unknown event",
			run: func(h *harness) {
				h.send("rename-file", map[string]string{})
			},
			wantEvent: models.EventUploadError,
			wantErr:   ErrProtocol,
		},
		{
			name: "video overrun",
			run: func(h *harness) {
				h.send(models.EventUploadManifest, models.Manifest{})
				h.send(models.EventFileStart, models.FileStart{Topic: models.CategoryVideo, FileID: 1, Name: "clip.mp4", Size: 2})
				h.deliver(transport.Message{Binary: true, FileID: 1, Chunk: []byte("toolong")})
			},
			wantEvent: models.EventUploadError,
			wantTopic: models.CategoryVideo,
			wantErr:   upload.ErrOverrun,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			tt.run(h)

			e := h.wait(tt.wantEvent)
			if got := e.Data.(models.ErrorPayload).Topic; got != tt.wantTopic {
				t.Errorf("error topic = %q, want %q", got, tt.wantTopic)
			}
			if err := h.result(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Run error = %v, want %v", err, tt.wantErr)
			}
			if h.starter.calls() != 0 {
				t.Error("worker started after upload failure")
			}
			h.assertTornDown()
		})
	}
}

func TestSessionLaunchFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.starter.err = jobs.ErrLaunch

	h.send(models.EventStartDetection, models.StartDetection{})
	h.upload(models.CategoryVideo, 1, "clip.mp4", []byte("video"))

	e := h.wait(models.EventProcessError)
	if e.Data != -1 {
		t.Errorf("process_error payload = %v, want -1", e.Data)
	}
	if err := h.result(); !errors.Is(err, jobs.ErrLaunch) {
		t.Errorf("Run error = %v", err)
	}
	h.assertTornDown()
}

func TestSessionConnectionError(t *testing.T) {
	h := newHarness(t, Config{})
	h.conn.fail(errors.New("connection reset by peer"))

	h.wait(models.EventConnectError)
	if err := h.result(); err == nil {
		t.Error("connection failure should be reported")
	}
	h.assertTornDown()
}

func TestSessionIdleTimeout(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 50 * time.Millisecond})

	h.wait(models.EventConnectError)
	if err := h.result(); !errors.Is(err, ErrIdleTimeout) {
		t.Errorf("Run error = %v", err)
	}
	h.assertTornDown()
}

func TestSessionMaxRuntime(t *testing.T) {
	h := newHarness(t, Config{MaxRuntime: 50 * time.Millisecond})

	h.send(models.EventStartDetection, models.StartDetection{})
	h.upload(models.CategoryVideo, 1, "clip.mp4", []byte("video"))
	job := h.job()

	h.wait(models.EventProcessError)
	if err := h.result(); !errors.Is(err, ErrJobFailed) {
		t.Errorf("Run error = %v", err)
	}
	if !job.wasTerminated() {
		t.Error("worker not terminated after max runtime")
	}
	if exit := h.ctrl.Info().Exit; exit == nil || exit.Reason != models.ExitReasonTimeout {
		t.Errorf("recorded exit = %+v", exit)
	}
}

func TestSessionMaxRuntimeUnreapedWorker(t *testing.T) {
	starter := newFakeStarter()
	starter.stuck = true
	h := newHarnessWithStarter(t, Config{MaxRuntime: 50 * time.Millisecond}, starter)

	h.send(models.EventStartDetection, models.StartDetection{})
	h.upload(models.CategoryVideo, 1, "clip.mp4", []byte("video"))
	job := h.job()

	// the job never closes Progress or Done; the session must still end
	h.wait(models.EventProcessError)
	if err := h.result(); !errors.Is(err, ErrJobFailed) {
		t.Errorf("Run error = %v", err)
	}
	if !job.wasTerminated() {
		t.Error("worker not terminated after max runtime")
	}
	if exit := h.ctrl.Info().Exit; exit == nil || exit.Reason != models.ExitReasonTimeout || exit.Code != -1 {
		t.Errorf("recorded exit = %+v", exit)
	}
	h.assertTornDown()
}
