package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/detectrelay/pkg/jobs"
	"github.com/psantana5/detectrelay/pkg/logging"
	"github.com/psantana5/detectrelay/pkg/models"
	"github.com/psantana5/detectrelay/pkg/tracing"
	"github.com/psantana5/detectrelay/pkg/transport"
	"github.com/psantana5/detectrelay/pkg/upload"
	"github.com/psantana5/detectrelay/pkg/workspace"
)

var (
	ErrProtocol    = errors.New("protocol violation")
	ErrIdleTimeout = errors.New("session idle timeout")
	ErrJobFailed   = errors.New("worker failed")
)

// Conn is the client end of a session.
type Conn interface {
	Emit(event string, data interface{}) error
	ReadLoop(ctx context.Context) <-chan transport.Message
	// Err reports why ReadLoop stopped; nil for a normal disconnect.
	Err() error
}

// Starter launches the detection worker.
type Starter interface {
	Start(ctx context.Context, args []string) (jobs.Job, error)
}

// Config holds per-session limits. Zero durations disable the timeout.
type Config struct {
	PublicURL        string
	MaxFileBytes     int64
	IdleTimeout      time.Duration
	MaxRuntime       time.Duration
	TerminateTimeout time.Duration
	SampleInterval   time.Duration
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Roots    *workspace.Roots
	Starter  Starter
	Config   Config
	Logger   *logging.Logger
	Recorder Recorder
	Tracer   *tracing.Provider
}

// Info is a point-in-time view of a session for the admin listing.
type Info struct {
	ID          string              `json:"id"`
	State       models.SessionState `json:"state"`
	RemoteAddr  string              `json:"remote_addr,omitempty"`
	ConnectedAt time.Time           `json:"connected_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	PID         int                 `json:"pid,omitempty"`
	Progress    int                 `json:"progress"`
	Uploaded    int64               `json:"uploaded_bytes"`
	Exit        *models.Exit        `json:"exit,omitempty"`
}

// Controller drives one client session from connection to teardown. All
// session state is owned by the Run goroutine; only Info is shared.
type Controller struct {
	id     string
	conn   Conn
	deps   Deps
	cfg    Config
	logger *logging.Logger

	mu   sync.RWMutex
	info Info

	state    models.SessionState
	outcome  models.SessionState
	ws       *workspace.Workspace
	recv     *upload.Receiver
	config   *models.ProcessingConfig
	job      jobs.Job
	progress <-chan int
	finished bool
	timedOut bool
	tracker  upload.Tracker

	cancelJob context.CancelFunc
	idle      *time.Timer
	runtime   *time.Timer
}

// NewController creates a controller for an accepted connection.
func NewController(id string, conn Conn, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	cfg := deps.Config
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 30 * time.Second
	}
	return &Controller{
		id:     id,
		conn:   conn,
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.WithField("session_id", id),
		state:  models.SessionIdle,
		info: Info{
			ID:          id,
			State:       models.SessionIdle,
			ConnectedAt: time.Now(),
		},
	}
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// Info returns a snapshot of the session.
func (c *Controller) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := c.info
	if info.Exit != nil {
		exit := *info.Exit
		info.Exit = &exit
	}
	return info
}

func (c *Controller) setRemoteAddr(addr string) {
	c.mu.Lock()
	c.info.RemoteAddr = addr
	c.mu.Unlock()
}

// Run processes the session until a result, a failure or a disconnect, and
// always tears the workspace down before returning. A nil error means the
// session ended normally: the worker succeeded or the client went away.
func (c *Controller) Run(ctx context.Context) (err error) {
	ctx, span := c.deps.Tracer.StartSpan(ctx, "session", attribute.String("session.id", c.id))
	defer span.End()

	c.deps.Recorder.SessionStarted()
	defer func() {
		c.deps.Recorder.SessionEnded(string(c.outcome))
		if err != nil {
			tracing.SetError(ctx, err)
		}
	}()

	ws, err := c.deps.Roots.Provision(c.id)
	if err != nil {
		c.logger.Error("Failed to provision workspace", map[string]interface{}{"error": err.Error()})
		c.emit(models.EventConnectError, models.ErrorPayload{Message: "session workspace unavailable"})
		c.transition(models.SessionFailed)
		c.transition(models.SessionTornDown)
		return err
	}
	c.ws = ws
	c.recv = upload.NewReceiver(ws, c.cfg.MaxFileBytes, c.logger)
	defer c.cleanup()

	c.transition(models.SessionUploading)
	c.logger.Info("Session connected", map[string]interface{}{"workspace": ws.Dir()})
	c.emit(models.EventConnected, map[string]string{"id": c.id})

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	inbound := c.conn.ReadLoop(readCtx)

	if c.cfg.IdleTimeout > 0 {
		c.idle = time.NewTimer(c.cfg.IdleTimeout)
		defer c.idle.Stop()
	}

	for {
		var (
			done    <-chan struct{}
			idleC   <-chan time.Time
			runtime <-chan time.Time
		)
		if c.job != nil {
			done = c.job.Done()
		}
		if c.idle != nil {
			idleC = c.idle.C
		}
		if c.runtime != nil {
			runtime = c.runtime.C
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Session cancelled by server")
			c.transition(models.SessionDisconnected)
			return nil

		case msg, ok := <-inbound:
			if !ok {
				return c.disconnected()
			}
			c.resetIdle()
			if terminal, err := c.handle(ctx, msg); terminal {
				return err
			}

		case pct, ok := <-c.progress:
			if !ok {
				c.progress = nil
				continue
			}
			c.relayProgress(pct)

		case <-done:
			return c.jobExited()

		case <-idleC:
			c.logger.Warn("Session idle timeout", map[string]interface{}{"timeout": c.cfg.IdleTimeout.String()})
			c.emit(models.EventConnectError, models.ErrorPayload{Message: ErrIdleTimeout.Error()})
			c.transition(models.SessionFailed)
			return ErrIdleTimeout

		case <-runtime:
			c.runtime = nil
			c.logger.Warn("Worker exceeded maximum runtime, terminating", map[string]interface{}{
				"max_runtime": c.cfg.MaxRuntime.String(),
			})
			c.timedOut = true
			if err := c.terminateJob(); err != nil {
				return c.jobAbandoned(err)
			}
			return c.jobExited()
		}
	}
}

func (c *Controller) disconnected() error {
	if err := c.conn.Err(); err != nil {
		c.logger.Warn("Connection failed", map[string]interface{}{"error": err.Error()})
		c.emit(models.EventConnectError, models.ErrorPayload{Message: err.Error()})
		c.transition(models.SessionFailed)
		return fmt.Errorf("connection failed: %w", err)
	}
	c.logger.Info("Client disconnected", map[string]interface{}{"state": c.state})
	c.transition(models.SessionDisconnected)
	return nil
}

// handle applies one inbound message. terminal reports that the session is
// over; err is nil when it ended normally.
func (c *Controller) handle(ctx context.Context, msg transport.Message) (terminal bool, err error) {
	if msg.Err != nil {
		return true, c.uploadFailed(&upload.Error{Err: fmt.Errorf("%w: %w", ErrProtocol, msg.Err)})
	}
	if msg.Binary {
		p, err := c.recv.Write(msg.FileID, msg.Chunk)
		if err != nil {
			return true, c.uploadFailed(err)
		}
		c.deps.Recorder.UploadBytes(string(p.Category), len(msg.Chunk))
		return c.uploadProgressed(ctx, p)
	}

	switch msg.Event {
	case models.EventUploadManifest:
		var m models.Manifest
		if err := msg.Decode(&m); err != nil {
			return true, c.uploadFailed(&upload.Error{Err: fmt.Errorf("%w: %w", ErrProtocol, err)})
		}
		return c.setManifest(ctx, m)

	case models.EventFileStart:
		var h models.FileStart
		if err := msg.Decode(&h); err != nil {
			return true, c.uploadFailed(&upload.Error{Err: fmt.Errorf("%w: %w", ErrProtocol, err)})
		}
		p, err := c.recv.Begin(h)
		if err != nil {
			return true, c.uploadFailed(err)
		}
		return c.uploadProgressed(ctx, p)

	case models.EventFileAbort:
		var a models.FileAbort
		if err := msg.Decode(&a); err != nil {
			return true, c.uploadFailed(&upload.Error{Err: fmt.Errorf("%w: %w", ErrProtocol, err)})
		}
		c.logger.Info("Client aborted upload", map[string]interface{}{"file_id": a.FileID, "reason": a.Reason})
		return true, c.uploadFailed(c.recv.Abort(a.FileID))

	case models.EventStartDetection:
		var req models.StartDetection
		if len(msg.Data) > 0 {
			if err := msg.Decode(&req); err != nil {
				return true, c.uploadFailed(&upload.Error{Err: fmt.Errorf("%w: %w", ErrProtocol, err)})
			}
		}
		return c.startDetection(ctx, req)
	}

	return true, c.uploadFailed(&upload.Error{Err: fmt.Errorf("%w: unknown event %q", ErrProtocol, msg.Event)})
}

func (c *Controller) setManifest(ctx context.Context, m models.Manifest) (bool, error) {
	step, err := c.recv.SetManifest(m)
	if err != nil {
		return true, c.uploadFailed(&upload.Error{Err: fmt.Errorf("%w: %w", ErrProtocol, err)})
	}
	c.logger.Debug("Upload manifest received", map[string]interface{}{
		"faces": m.Faces, "weights": m.Weights, "order": c.recv.Sequencer().Order(),
	})
	return c.step(ctx, step)
}

func (c *Controller) startDetection(ctx context.Context, req models.StartDetection) (bool, error) {
	if c.config != nil {
		c.logger.Warn("Duplicate start-detection ignored")
		return false, nil
	}

	cfg := req.ProcessingConfig
	cfg.Area = append([]models.Rect(nil), req.Area...)
	c.config = &cfg
	c.transition(models.SessionSequencing)
	c.logger.Info("Detection requested", map[string]interface{}{"model": cfg.Model, "area": cfg.HasArea()})

	if !c.recv.HasManifest() {
		// without a manifest only the video is expected
		m, _ := req.Manifest()
		return c.setManifest(ctx, m)
	}
	return c.maybeLaunch(ctx)
}

func (c *Controller) uploadProgressed(ctx context.Context, p upload.Progress) (bool, error) {
	if p.Changed {
		c.emit(models.EventUploadProgress, models.UploadProgress{
			Topic: p.Category, FileID: p.FileID, Progress: p.Percent,
		})
	}
	if !p.Done {
		return false, nil
	}

	c.mu.Lock()
	c.info.Uploaded += p.Total
	c.mu.Unlock()

	c.emit(models.EventUploadComplete, models.UploadComplete{Topic: p.Category, FileID: p.FileID})
	if !p.CategoryComplete {
		return false, nil
	}
	return c.step(ctx, c.recv.Sequencer().Advance(p.Category))
}

// step reports a sequencer transition to the client and launches the
// worker once the video is in.
func (c *Controller) step(ctx context.Context, s upload.Step) (bool, error) {
	if !s.Triggered {
		return false, nil
	}
	if !s.Done {
		c.emit(models.EventUploadNext, models.UploadNext{Topic: s.Next})
		return false, nil
	}
	return c.maybeLaunch(ctx)
}

func (c *Controller) maybeLaunch(ctx context.Context) (bool, error) {
	if c.config == nil || c.job != nil || !c.recv.HasManifest() || !c.recv.Sequencer().Done() {
		return false, nil
	}
	c.transition(models.SessionLaunching)

	state := c.recv.State()
	video, _ := state.VideoPath()
	weights, _ := state.WeightsPath()
	args := jobs.BuildArguments(*c.config, video, c.ws.OutputDir(), c.id, c.ws.DatabaseDir(), weights)

	ctx, span := c.deps.Tracer.StartSpan(ctx, "job.launch", attribute.Int("args", len(args)))
	defer span.End()

	// terminate() owns the graceful stop, so the job must not die with the session context
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job, err := c.deps.Starter.Start(jobCtx, args)
	if err != nil {
		cancel()
		c.logger.Error("Failed to launch worker", map[string]interface{}{"error": err.Error()})
		tracing.SetError(ctx, err)
		c.emit(models.EventProcessError, -1)
		c.transition(models.SessionFailed)
		return true, err
	}

	c.job = job
	c.cancelJob = cancel
	c.progress = job.Progress()
	c.deps.Recorder.JobStarted()
	c.transition(models.SessionRunning)

	now := time.Now()
	c.mu.Lock()
	c.info.StartedAt = &now
	c.info.PID = job.PID()
	c.mu.Unlock()

	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if c.cfg.MaxRuntime > 0 {
		c.runtime = time.NewTimer(c.cfg.MaxRuntime)
	}
	if c.cfg.SampleInterval > 0 {
		sampler := &jobs.Sampler{Interval: c.cfg.SampleInterval}
		go sampler.Run(jobCtx, job.PID(), func(s jobs.Sample) {
			c.deps.Recorder.WorkerSampled(s.CPUPercent, s.RSSBytes)
		})
	}

	c.logger.Info("Worker running", map[string]interface{}{"pid": job.PID()})
	return false, nil
}

func (c *Controller) relayProgress(pct int) {
	pct, changed := c.tracker.Update(pct)
	if !changed {
		return
	}
	c.mu.Lock()
	c.info.Progress = pct
	c.mu.Unlock()
	c.emit(models.EventProgress, pct)
}

// jobExited reports the worker outcome exactly once.
func (c *Controller) jobExited() error {
	if c.progress != nil {
		for pct := range c.progress {
			c.relayProgress(pct)
		}
		c.progress = nil
	}
	if c.runtime != nil {
		c.runtime.Stop()
		c.runtime = nil
	}

	exit := c.recordExit()
	if exit.Success() {
		loc := models.NewResultLocation(c.cfg.PublicURL, c.id)
		c.logger.Info("Worker succeeded", map[string]interface{}{"duration": exit.Duration.Seconds()})
		c.emit(models.EventProcessed, loc)
		c.transition(models.SessionSucceeded)
		return nil
	}

	c.logger.Warn("Worker failed", map[string]interface{}{"code": exit.Code, "reason": exit.Reason})
	c.emit(models.EventProcessError, exit.Code)
	c.transition(models.SessionFailed)
	return fmt.Errorf("%w: exit code %d (%s)", ErrJobFailed, exit.Code, exit.Reason)
}

// jobAbandoned reports a worker that could not be reaped. Its progress
// stream is not drained, since the output may never reach EOF.
func (c *Controller) jobAbandoned(cause error) error {
	c.progress = nil
	exit := models.Exit{Code: -1, Reason: models.ExitReasonTimeout}
	if c.info.StartedAt != nil {
		exit.Duration = time.Since(*c.info.StartedAt)
	}
	c.storeExit(exit)

	c.logger.Error("Worker abandoned", map[string]interface{}{"pid": c.job.PID(), "error": cause.Error()})
	c.emit(models.EventProcessError, exit.Code)
	c.transition(models.SessionFailed)
	return fmt.Errorf("%w: %w", ErrJobFailed, cause)
}

func (c *Controller) recordExit() models.Exit {
	exit := c.job.Exit()
	if c.timedOut {
		exit.Reason = models.ExitReasonTimeout
	}
	c.storeExit(exit)
	return exit
}

func (c *Controller) storeExit(exit models.Exit) {
	c.finished = true
	c.deps.Recorder.JobExited(string(exit.Reason), exit.Code, exit.Duration)

	c.mu.Lock()
	c.info.Exit = &exit
	c.mu.Unlock()
}

func (c *Controller) terminateJob() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TerminateTimeout)
	defer cancel()
	err := c.job.Terminate(ctx)
	if err != nil {
		c.logger.Error("Failed to terminate worker", map[string]interface{}{"error": err.Error()})
	}
	return err
}

// cleanup is the single teardown path for every session that got a
// workspace. A live worker is stopped before its inputs are removed.
func (c *Controller) cleanup() {
	if c.job != nil && !c.finished {
		c.logger.Info("Terminating worker", map[string]interface{}{"pid": c.job.PID()})
		c.terminateJob()
		c.recordExit()
	}
	if c.cancelJob != nil {
		c.cancelJob()
	}

	c.recv.Close()
	if err := c.ws.Teardown(); err != nil {
		c.logger.Error("Workspace teardown failed", map[string]interface{}{"error": err.Error()})
	}
	c.transition(models.SessionTornDown)
	c.logger.Info("Session torn down", map[string]interface{}{"outcome": c.outcome})
}

// uploadFailed reports err under its category and ends the session.
func (c *Controller) uploadFailed(err error) error {
	var uerr *upload.Error
	category := models.Category("")
	if errors.As(err, &uerr) {
		category = uerr.Category
	}
	c.deps.Recorder.UploadFailed(string(category))
	c.logger.Warn("Upload failed", map[string]interface{}{"topic": category, "error": err.Error()})
	c.emit(category.ErrorEvent(), models.ErrorPayload{Topic: category, Message: err.Error()})
	c.transition(models.SessionFailed)
	return err
}

func (c *Controller) resetIdle() {
	if c.idle == nil {
		return
	}
	if !c.idle.Stop() {
		select {
		case <-c.idle.C:
		default:
		}
	}
	c.idle.Reset(c.cfg.IdleTimeout)
}

func (c *Controller) emit(event string, data interface{}) {
	if err := c.conn.Emit(event, data); err != nil {
		c.logger.Debug("Emit failed", map[string]interface{}{"event": event, "error": err.Error()})
	}
}

func (c *Controller) transition(to models.SessionState) {
	if err := models.ValidateSessionTransition(c.state, to); err != nil {
		c.logger.Warn("Ignoring session transition", map[string]interface{}{"error": err.Error()})
		return
	}
	c.logger.Debug("Session transition", map[string]interface{}{"from": c.state, "to": to})
	c.state = to
	if to != models.SessionTornDown {
		c.outcome = to
	}

	c.mu.Lock()
	c.info.State = to
	c.mu.Unlock()
}
