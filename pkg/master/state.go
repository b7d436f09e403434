package master

import (
	"go.uber.org/atomic"
)

// PoolState holds the pool counters. The control loop is the only writer;
// the status responder and metrics read them concurrently.
type PoolState struct {
	currentJobs    atomic.Int64
	currentWorkers atomic.Int64
	jobsDone       atomic.Int64
}

// PoolSnapshot is a point-in-time copy of PoolState.
type PoolSnapshot struct {
	CurrentJobs    int
	CurrentWorkers int
	JobsDone       int64
}

func (s *PoolState) Snapshot() PoolSnapshot {
	return PoolSnapshot{
		CurrentJobs:    int(s.currentJobs.Load()),
		CurrentWorkers: int(s.currentWorkers.Load()),
		JobsDone:       s.jobsDone.Load(),
	}
}

// JobStarted and JobFinished make PoolState a worker reporter for the
// in-process pool.
func (s *PoolState) JobStarted() {
	s.currentJobs.Inc()
}

func (s *PoolState) JobFinished() {
	if s.currentJobs.Dec() < 0 {
		s.currentJobs.Store(0)
	}
	s.jobsDone.Inc()
}

func (s *PoolState) workerStarted() {
	s.currentWorkers.Inc()
}

// workerExited drops a worker and any job it did not report as finished.
func (s *PoolState) workerExited(busy int) {
	if s.currentWorkers.Dec() < 0 {
		s.currentWorkers.Store(0)
	}
	if busy > 0 && s.currentJobs.Sub(int64(busy)) < 0 {
		s.currentJobs.Store(0)
	}
}

func (s *PoolState) reset() {
	s.currentJobs.Store(0)
	s.currentWorkers.Store(0)
}
