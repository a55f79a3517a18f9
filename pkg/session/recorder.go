package session

import "time"

// Recorder receives session and worker measurements. It is satisfied by
// *metrics.Collector.
type Recorder interface {
	SessionStarted()
	SessionEnded(state string)
	UploadBytes(category string, n int)
	UploadFailed(category string)
	JobStarted()
	JobExited(reason string, code int, d time.Duration)
	WorkerSampled(cpuPercent float64, rssBytes uint64)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted()                      {}
func (nopRecorder) SessionEnded(string)                  {}
func (nopRecorder) UploadBytes(string, int)              {}
func (nopRecorder) UploadFailed(string)                  {}
func (nopRecorder) JobStarted()                          {}
func (nopRecorder) JobExited(string, int, time.Duration) {}
func (nopRecorder) WorkerSampled(float64, uint64)        {}
