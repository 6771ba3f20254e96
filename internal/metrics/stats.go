// Package metrics aggregates run counters shared by all workers and exports
// them as the summary line and as Prometheus metrics.
package metrics

import (
	"time"
)

// Recorder receives per-event notifications in addition to the counters.
// *Prometheus implements it.
type Recorder interface {
	RecordSent(latency time.Duration)
	RecordSucceeded(latency time.Duration)
	RecordFailed(class string)
	RecordFailover()
	SetInFlight(n int64)
}

// Stats is the shared, append-only run aggregator. All methods are safe for
// concurrent use.
type Stats struct {
	sent      UCounter
	succeeded UCounter
	failed    UCounter
	failovers UCounter
	inFlight  Gauge

	recorder Recorder
	started  time.Time
}

// NewStats creates a Stats. recorder may be nil.
func NewStats(recorder Recorder) *Stats {
	return &Stats{recorder: recorder, started: time.Now()}
}

// Sent counts a submission the node accepted.
func (s *Stats) Sent(latency time.Duration) {
	s.sent.Inc()
	if s.recorder != nil {
		s.recorder.RecordSent(latency)
	}
}

// Succeeded counts a confirmed transaction.
func (s *Stats) Succeeded(latency time.Duration) {
	s.succeeded.Inc()
	if s.recorder != nil {
		s.recorder.RecordSucceeded(latency)
	}
}

// Failed counts a failed submission of the given error class.
func (s *Stats) Failed(class string) {
	s.failed.Inc()
	if s.recorder != nil {
		s.recorder.RecordFailed(class)
	}
}

// Failover counts an endpoint rotation.
func (s *Stats) Failover() {
	s.failovers.Inc()
	if s.recorder != nil {
		s.recorder.RecordFailover()
	}
}

// SendStarted marks a send as in flight.
func (s *Stats) SendStarted() {
	n := s.inFlight.Inc()
	if s.recorder != nil {
		s.recorder.SetInFlight(n)
	}
}

// SendSettled marks an in-flight send as finished.
func (s *Stats) SendSettled() {
	n := s.inFlight.Dec()
	if s.recorder != nil {
		s.recorder.SetInFlight(n)
	}
}

// Summary returns the three terminal counters.
func (s *Stats) Summary() Summary {
	return Summary{
		Sent:      s.sent.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
	}
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	Summary
	Failovers uint64        `json:"failovers"`
	InFlight  int64         `json:"inFlight"`
	Elapsed   time.Duration `json:"elapsedNs"`
	SentTPS   float64       `json:"sentTps"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	elapsed := time.Since(s.started)
	sum := s.Summary()
	snap := Snapshot{
		Summary:   sum,
		Failovers: s.failovers.Load(),
		InFlight:  s.inFlight.Load(),
		Elapsed:   elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		snap.SentTPS = float64(sum.Sent) / secs
	}
	return snap
}
