package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/detectrelay/pkg/logging"
)

// Config defines the output retention policy
type Config struct {
	Enabled   bool
	Interval  time.Duration
	Retention time.Duration
}

// DefaultConfig sweeps hourly and keeps outputs for a day.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Interval:  time.Hour,
		Retention: 24 * time.Hour,
	}
}

// Stats tracks sweep runs
type Stats struct {
	LastSweepTime     time.Time
	LastSweepDuration time.Duration
	LastSweepDeleted  int
	TotalDeleted      int64
	TotalSweeps       int64
	LastError         string
}

// Manager deletes result files from the output root once they are older
// than the retention window. It runs independently of session teardown.
type Manager struct {
	config Config
	dir    string
	logger *logging.Logger
	// Protect reports whether the output of a session id is still live and
	// must be kept regardless of age. May be nil.
	Protect func(id string) bool

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a retention manager for dir.
func NewManager(config Config, dir string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		dir:    dir,
		logger: logger.WithField("component", "cleanup"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the periodic sweep
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.logger.Info("Retention sweep disabled")
		return
	}

	m.logger.Info("Starting retention sweep", map[string]interface{}{
		"dir": m.dir, "interval": m.config.Interval.String(), "retention": m.config.Retention.String(),
	})

	m.wg.Add(1)
	go m.loop()
}

// Stop halts the sweep and waits for a running pass to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.SweepNow()
		}
	}
}

// SweepNow runs one pass and returns the number of files deleted.
func (m *Manager) SweepNow() int {
	start := m.now()
	cutoff := start.Add(-m.config.Retention)

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Error("Failed to list output directory", map[string]interface{}{"dir": m.dir, "error": err.Error()})
		m.record(start, 0, err)
		return 0
	}

	deleted := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if m.Protect != nil && m.Protect(strings.TrimSuffix(name, filepath.Ext(name))) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(m.dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Failed to remove file", map[string]interface{}{"path": path, "error": err.Error()})
			continue
		}
		m.logger.Debug("File deleted", map[string]interface{}{"path": path})
		deleted++
	}

	m.record(start, deleted, nil)
	if deleted > 0 {
		m.logger.Info("Retention sweep complete", map[string]interface{}{"deleted": deleted})
	}
	return deleted
}

func (m *Manager) record(start time.Time, deleted int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.LastSweepTime = start
	m.stats.LastSweepDuration = m.now().Sub(start)
	m.stats.LastSweepDeleted = deleted
	m.stats.TotalDeleted += int64(deleted)
	m.stats.TotalSweeps++
	m.stats.LastError = ""
	if err != nil {
		m.stats.LastError = err.Error()
	}
}

// GetStats returns current sweep statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
