package models

import "fmt"

// SessionState is the lifecycle state of one client session
type SessionState string

// Session states
const (
	SessionIdle         SessionState = "idle"         // Connection accepted, workspace not yet provisioned
	SessionUploading    SessionState = "uploading"    // Workspace ready, files may arrive
	SessionSequencing   SessionState = "sequencing"   // Start received, waiting for pending uploads
	SessionLaunching    SessionState = "launching"    // All uploads complete, spawning worker
	SessionRunning      SessionState = "running"      // Worker process alive
	SessionSucceeded    SessionState = "succeeded"    // Worker exited 0
	SessionFailed       SessionState = "failed"       // Upload, launch, worker or connection failure
	SessionDisconnected SessionState = "disconnected" // Client went away before a result
	SessionTornDown     SessionState = "torn_down"    // Workspace removed
)

// validSessionTransitions maps from-state to allowed to-states
var validSessionTransitions = map[SessionState]map[SessionState]bool{
	SessionIdle: {
		SessionUploading:    true, // Idle → Uploading (workspace provisioned)
		SessionFailed:       true, // Idle → Failed (provisioning failed)
		SessionDisconnected: true,
	},
	SessionUploading: {
		SessionSequencing:   true, // Uploading → Sequencing (start-detection)
		SessionFailed:       true, // Uploading → Failed (upload error)
		SessionDisconnected: true,
	},
	SessionSequencing: {
		SessionLaunching:    true, // Sequencing → Launching (video received)
		SessionFailed:       true,
		SessionDisconnected: true,
	},
	SessionLaunching: {
		SessionRunning:      true, // Launching → Running (worker spawned)
		SessionFailed:       true, // Launching → Failed (spawn failed)
		SessionDisconnected: true,
	},
	SessionRunning: {
		SessionSucceeded:    true, // Running → Succeeded (exit 0)
		SessionFailed:       true, // Running → Failed (exit != 0)
		SessionDisconnected: true, // Running → Disconnected (worker is terminated)
	},
	SessionSucceeded: {
		SessionTornDown: true,
	},
	SessionFailed: {
		SessionTornDown: true,
	},
	SessionDisconnected: {
		SessionTornDown: true,
	},
	// Terminal state (no transitions allowed)
	SessionTornDown: {},
}

// ValidateSessionTransition checks if a session state transition is valid
func ValidateSessionTransition(from, to SessionState) error {
	allowed, exists := validSessionTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalSessionState returns true once a session can only be torn down
func IsTerminalSessionState(state SessionState) bool {
	switch state {
	case SessionSucceeded, SessionFailed, SessionDisconnected, SessionTornDown:
		return true
	}
	return false
}

// IsActiveSessionState returns true while a worker may be alive for the session
func IsActiveSessionState(state SessionState) bool {
	return state == SessionLaunching || state == SessionRunning
}
