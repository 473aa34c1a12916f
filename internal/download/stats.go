package download

import "sync/atomic"

// Stats tracks the outcome counts of one queue-processing run. Atomic
// counters allow concurrent updates from download tasks without a lock.
type Stats struct {
	completed   atomic.Int64
	failed      atomic.Int64
	retried     atomic.Int64
	interrupted atomic.Bool
}

// Completed returns the number of successful downloads.
func (s *Stats) Completed() int64 { return s.completed.Load() }

// Failed returns the number of failed downloads.
func (s *Stats) Failed() int64 { return s.failed.Load() }

// Retried returns the number of retry attempts made.
func (s *Stats) Retried() int64 { return s.retried.Load() }

// Total returns completed plus failed.
func (s *Stats) Total() int64 { return s.Completed() + s.Failed() }

// WasInterrupted reports whether processing stopped on a user signal.
func (s *Stats) WasInterrupted() bool { return s.interrupted.Load() }

func (s *Stats) incrementCompleted() { s.completed.Add(1) }
func (s *Stats) incrementFailed()    { s.failed.Add(1) }
func (s *Stats) incrementRetried()   { s.retried.Add(1) }
func (s *Stats) setInterrupted()     { s.interrupted.Store(true) }
