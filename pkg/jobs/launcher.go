package jobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/detectrelay/internal/cgroups"
	"github.com/psantana5/detectrelay/pkg/logging"
	"github.com/psantana5/detectrelay/pkg/models"
)

// ErrLaunch is returned when the worker process could not be started.
var ErrLaunch = errors.New("failed to launch worker")

const (
	DefaultCommand = "python"
	DefaultProgram = "main.py"
	DefaultGrace   = 10 * time.Second

	// DefaultWaitDelay bounds how long output pipes held open by an escaped
	// descendant may delay reaping once the worker itself has exited.
	DefaultWaitDelay = 2 * time.Second

	// killWait bounds how long Terminate waits for the group after SIGKILL.
	killWait = 5 * time.Second
)

// Job is a running worker process.
type Job interface {
	PID() int
	// Progress yields parsed percentages. It is closed once both output
	// streams have ended.
	Progress() <-chan int
	// Done is closed after the process has exited and Exit is valid.
	Done() <-chan struct{}
	Exit() models.Exit
	// Terminate signals the process group and waits for it to exit.
	Terminate(ctx context.Context) error
	Events() []LifecycleEvent
}

// Launcher spawns detection workers. Command and Program default to
// "python main.py"; WorkDir is the worker source directory. When Cgroups is
// set and Limits is not empty each worker runs in its own group.
type Launcher struct {
	Command      string
	Program      string
	WorkDir      string
	Grace        time.Duration
	WaitDelay    time.Duration
	NicePriority int
	Cgroups      *cgroups.Manager
	Limits       cgroups.Limits
	Logger       *logging.Logger
}

// Start spawns the worker with args in its own process group. The worker
// is never retried; a start failure wraps ErrLaunch.
func (l *Launcher) Start(ctx context.Context, args []string) (Job, error) {
	logger := l.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	command := l.Command
	if command == "" {
		command = DefaultCommand
	}
	grace := l.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	waitDelay := l.WaitDelay
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}

	argv := args
	if l.Program != "" {
		argv = append([]string{l.Program}, args...)
	}

	cmd := exec.CommandContext(ctx, command, argv...)
	cmd.Dir = l.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // New process group
		Pgid:    0,    // Worker becomes its own group leader
	}
	// Context cancellation kills the whole group, not just the leader
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	p := &Process{
		cmd:      cmd,
		grace:    grace,
		logger:   logger,
		progress: make(chan int, 16),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	p.emitEvent(StateStarting, "Spawning worker process")

	// Output goes through io.Pipe so that Wait, with WaitDelay, reaps the
	// worker even when a descendant keeps the descriptors open.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	p.startTime = time.Now()
	if err := cmd.Start(); err != nil {
		p.emitEvent(StateFailed, fmt.Sprintf("Failed to start: %v", err))
		stdoutW.Close()
		stderrW.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunch, command, err)
	}
	p.pid = cmd.Process.Pid
	p.emitEvent(StateRunning, fmt.Sprintf("PID %d started", p.pid))

	logger.Info("Worker started", map[string]interface{}{
		"pid": p.pid, "command": command, "args": argv, "dir": l.WorkDir,
	})

	if l.NicePriority != 0 {
		if err := applyNicePriority(p.pid, l.NicePriority); err != nil {
			logger.Warn("Failed to set nice priority", map[string]interface{}{
				"pid": p.pid, "error": err.Error(),
			})
		}
	}

	if l.Cgroups != nil && !l.Limits.Empty() {
		p.cgroups = l.Cgroups
		p.cgroup = l.confine(p.pid, logger)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.scan(stdout, "stdout", true, &wg)
	go p.scan(stderr, "stderr", false, &wg)
	go p.wait(&wg, stdoutW, stderrW)

	return p, nil
}

func (l *Launcher) confine(pid int, logger *logging.Logger) string {
	path, err := l.Cgroups.Create(fmt.Sprintf("worker-%d", pid), l.Limits)
	if err != nil {
		logger.Warn("Worker runs without resource limits", map[string]interface{}{"pid": pid, "error": err.Error()})
		return ""
	}
	if err := l.Cgroups.Join(path, pid); err != nil {
		logger.Warn("Worker runs without resource limits", map[string]interface{}{"pid": pid, "error": err.Error()})
		l.Cgroups.Remove(path)
		return ""
	}
	logger.Debug("Worker confined", map[string]interface{}{
		"pid": pid, "cgroup": path, "cpu_max": l.Limits.CPUMax(), "memory_max": l.Limits.MemoryMax,
	})
	return path
}

// Process is a Job backed by an os/exec command.
type Process struct {
	cmd       *exec.Cmd
	pid       int
	cgroups   *cgroups.Manager
	cgroup    string
	grace     time.Duration
	logger    *logging.Logger
	startTime time.Time

	progress chan int
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	exit       models.Exit
	events     []LifecycleEvent
	terminated bool
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Progress() <-chan int { return p.progress }

func (p *Process) Done() <-chan struct{} { return p.done }

// Exit returns the classified outcome. It is only meaningful after Done.
func (p *Process) Exit() models.Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Events returns a copy of the lifecycle events recorded so far.
func (p *Process) Events() []LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LifecycleEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Terminate sends SIGTERM to the worker's process group, waits up to the
// grace period, then sends SIGKILL. It returns once the worker has been
// reaped. Calling it after exit is a no-op.
func (p *Process) Terminate(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	select {
	case <-p.done:
		return nil
	default:
	}

	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()

	p.logger.Info("Sending SIGTERM to worker process group", map[string]interface{}{"pid": p.pid})
	if err := signalGroup(p.pid, syscall.SIGTERM); err != nil {
		p.logger.Warn("SIGTERM failed", map[string]interface{}{"pid": p.pid, "error": err.Error()})
	}

	gracefulTimer := time.NewTimer(p.grace)
	defer gracefulTimer.Stop()
	select {
	case <-p.done:
		p.logger.Info("Worker terminated gracefully", map[string]interface{}{"pid": p.pid})
		return nil
	case <-gracefulTimer.C:
	case <-ctx.Done():
	}

	p.logger.Warn("Worker did not terminate gracefully, sending SIGKILL", map[string]interface{}{"pid": p.pid})
	if err := signalGroup(p.pid, syscall.SIGKILL); err != nil {
		p.logger.Warn("SIGKILL failed", map[string]interface{}{"pid": p.pid, "error": err.Error()})
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("worker %d still running after SIGKILL", p.pid)
	}
}

// scan reads one output stream line by line. Progress lines from stdout are
// forwarded, everything else is only logged.
func (p *Process) scan(r io.Reader, stream string, parseProgress bool, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if parseProgress {
			if pct, ok := ParseProgress(line); ok {
				select {
				case p.progress <- pct:
				case <-p.stop:
				}
				continue
			}
		}
		p.logger.Debug("Worker output", map[string]interface{}{
			"pid": p.pid, "stream": stream, "line": line,
		})
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("Worker output unreadable", map[string]interface{}{
			"pid": p.pid, "stream": stream, "error": err.Error(),
		})
		// keep the pipe drained so the worker never blocks on write
		io.Copy(io.Discard, r)
	}
}

// wait reaps the worker, then ends both streams and lets the scanners
// drain before Done is closed.
func (p *Process) wait(wg *sync.WaitGroup, outputs ...io.Closer) {
	err := p.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		p.logger.Warn("Worker output still held open after exit", map[string]interface{}{"pid": p.pid})
		err = nil
	}
	exit := exitFromError(err)
	exit.Duration = time.Since(p.startTime)

	for _, c := range outputs {
		c.Close()
	}
	wg.Wait()
	close(p.progress)

	if p.cgroup != "" {
		if err := p.cgroups.Remove(p.cgroup); err != nil {
			p.logger.Warn("Failed to remove worker cgroup", map[string]interface{}{"cgroup": p.cgroup, "error": err.Error()})
		}
	}

	p.mu.Lock()
	if p.terminated && !exit.Success() {
		exit.Reason = models.ExitReasonSignal
	}
	p.exit = exit
	p.mu.Unlock()

	switch {
	case exit.Success():
		p.emitEvent(StateCompleted, "Completed successfully")
	case exit.Signal != "":
		p.emitEvent(StateKilled, fmt.Sprintf("Killed by %s", exit.Signal))
	default:
		p.emitEvent(StateFailed, fmt.Sprintf("Exited with code %d", exit.Code))
	}

	p.logger.Info("Worker exited", map[string]interface{}{
		"pid":      p.pid,
		"code":     exit.Code,
		"reason":   exit.Reason,
		"duration": exit.Duration.Seconds(),
	})
	close(p.done)
}

func (p *Process) emitEvent(state LifecycleState, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, LifecycleEvent{
		PID:        p.pid,
		State:      state,
		Timestamp:  time.Now(),
		Message:    message,
		ExitCode:   p.exit.Code,
		ExitReason: p.exit.Reason,
	})
}

func exitFromError(err error) models.Exit {
	if err == nil {
		return models.Exit{Code: 0, Reason: models.ExitReasonSuccess}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return classifyExit(status)
		}
		return models.Exit{Code: exitErr.ExitCode(), Reason: models.ExitReasonError}
	}
	return models.Exit{Code: -1, Reason: models.ExitReasonUnknown}
}

// signalGroup delivers sig to the process group led by pid, falling back to
// the process alone when the group cannot be resolved.
func signalGroup(pid int, sig syscall.Signal) error {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		proc, findErr := os.FindProcess(pid)
		if findErr != nil {
			return findErr
		}
		return proc.Signal(sig)
	}
	return syscall.Kill(-pgid, sig)
}

func applyNicePriority(pid, niceness int) error {
	if niceness < -20 {
		niceness = -20
	}
	if niceness > 19 {
		niceness = 19
	}
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, pid, niceness); err != nil {
		return fmt.Errorf("failed to set process priority: %w", err)
	}
	return nil
}
