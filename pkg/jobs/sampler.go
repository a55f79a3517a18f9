package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one resource reading of a worker process.
type Sample struct {
	PID        int
	CPUPercent float64
	RSSBytes   uint64
	Time       time.Time
}

// SampleProcess reads the current CPU and resident memory of pid.
func SampleProcess(ctx context.Context, pid int) (Sample, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Sample{}, fmt.Errorf("failed to open process %d: %w", pid, err)
	}

	cpuPercent, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read cpu of %d: %w", pid, err)
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read memory of %d: %w", pid, err)
	}

	return Sample{
		PID:        pid,
		CPUPercent: cpuPercent,
		RSSBytes:   memInfo.RSS,
		Time:       time.Now(),
	}, nil
}

// Sampler periodically samples a worker until its context ends.
type Sampler struct {
	Interval time.Duration
}

// Run calls fn with a sample of pid every interval. Failed readings are
// skipped; the loop exits when ctx is done.
func (s *Sampler) Run(ctx context.Context, pid int, fn func(Sample)) {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := SampleProcess(ctx, pid)
			if err != nil {
				continue
			}
			fn(sample)
		}
	}
}
