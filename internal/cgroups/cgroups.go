// Package cgroups confines worker processes with cgroup v2 limits.
//
// Failures to set up a group never stop a worker from running; callers log
// them and carry on unconfined.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is the parent group for worker groups.
const DefaultRoot = "/sys/fs/cgroup/detectrelay"

// cpuPeriod is the cpu.max period in microseconds.
const cpuPeriod = 100000

// Limits caps a worker group. Zero values impose no limit.
type Limits struct {
	CPUs      float64 // fraction of cores, e.g. 1.5
	MemoryMax int64   // bytes
}

// Empty reports whether no limit is set.
func (l Limits) Empty() bool {
	return l.CPUs <= 0 && l.MemoryMax <= 0
}

// CPUMax renders the cpu.max value for l.
func (l Limits) CPUMax() string {
	if l.CPUs <= 0 {
		return "max " + strconv.Itoa(cpuPeriod)
	}
	quota := int64(l.CPUs * cpuPeriod)
	if quota < 1000 {
		quota = 1000
	}
	return fmt.Sprintf("%d %d", quota, cpuPeriod)
}

// Manager creates one group per worker under Root.
type Manager struct {
	Root string
}

// New returns a manager rooted at root, or DefaultRoot when empty.
func New(root string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	return &Manager{Root: root}
}

// Available reports whether Root sits on a cgroup v2 hierarchy.
func Available(root string) bool {
	_, err := os.Stat(filepath.Join(filepath.Dir(root), "cgroup.controllers"))
	return err == nil
}

// Create makes the group for name and writes limits into it.
func (m *Manager) Create(name string, limits Limits) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid group name %q", name)
	}
	if err := os.MkdirAll(m.Root, 0755); err != nil {
		return "", fmt.Errorf("failed to create cgroup %s: %w", m.Root, err)
	}
	// Children only get cpu.max and memory.max once the parent delegates
	// the controllers. Already enabled controllers make this a no-op.
	write(m.Root, "cgroup.subtree_control", "+cpu +memory")

	path := filepath.Join(m.Root, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create cgroup %s: %w", path, err)
	}

	if limits.CPUs > 0 {
		if err := write(path, "cpu.max", limits.CPUMax()); err != nil {
			m.Remove(path)
			return "", err
		}
	}
	if limits.MemoryMax > 0 {
		if err := write(path, "memory.max", strconv.FormatInt(limits.MemoryMax, 10)); err != nil {
			m.Remove(path)
			return "", err
		}
	}
	return path, nil
}

// Join moves pid into the group at path.
func (m *Manager) Join(path string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return write(path, "cgroup.procs", strconv.Itoa(pid))
}

// Remove deletes the group. The kernel refuses while processes remain.
func (m *Manager) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cgroup %s: %w", path, err)
	}
	return nil
}

func write(dir, file, value string) error {
	if err := os.WriteFile(filepath.Join(dir, file), []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	return nil
}
