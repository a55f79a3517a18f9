package jobs

import (
	"fmt"
	"syscall"
	"time"

	"github.com/psantana5/detectrelay/pkg/models"
)

// LifecycleState represents the worker's lifecycle state
type LifecycleState string

const (
	StateStarting  LifecycleState = "starting"
	StateRunning   LifecycleState = "running"
	StateCompleted LifecycleState = "completed"
	StateFailed    LifecycleState = "failed"
	StateKilled    LifecycleState = "killed"
)

// LifecycleEvent represents a lifecycle state change
type LifecycleEvent struct {
	PID        int               `json:"pid"`
	State      LifecycleState    `json:"state"`
	Timestamp  time.Time         `json:"timestamp"`
	ExitCode   int               `json:"exit_code,omitempty"`
	ExitReason models.ExitReason `json:"exit_reason,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// classifyExit maps a wait status to an exit outcome. Signalled processes
// report -1 as their code.
func classifyExit(status syscall.WaitStatus) models.Exit {
	switch {
	case status.Exited():
		code := status.ExitStatus()
		if code == 0 {
			return models.Exit{Code: 0, Reason: models.ExitReasonSuccess}
		}
		return models.Exit{Code: code, Reason: models.ExitReasonError}
	case status.Signaled():
		return models.Exit{Code: -1, Reason: models.ExitReasonSignal, Signal: SignalName(status.Signal())}
	}
	return models.Exit{Code: -1, Reason: models.ExitReasonUnknown}
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	default:
		return fmt.Sprintf("SIG%d", int(sig))
	}
}
