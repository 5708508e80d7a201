package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/harbor-runner/internal/adapter/observability"
	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// Decision is the scheduler's verdict on an enqueued job.
type Decision string

const (
	DecisionStarted  Decision = "started"
	DecisionQueued   Decision = "queued"
	DecisionRejected Decision = "rejected"
)

// StartFunc runs one admitted job to completion. The scheduler calls it on
// its own goroutine and treats its return as the job being finished.
type StartFunc func(ctx context.Context, job domain.Job)

// SchedulerLimits are the fairness bounds.
type SchedulerLimits struct {
	MaxConcurrent    int
	MaxActivePerUser int
	MaxQueuedPerUser int
}

// UserStatus is one owner's view of the queue.
type UserStatus struct {
	Active    int `json:"active"`
	Queued    int `json:"queued"`
	MaxActive int `json:"maxActive"`
	MaxQueued int `json:"maxQueued"`
}

// SystemStatus is the whole scheduler's view, served by the ops endpoint.
type SystemStatus struct {
	Running       int            `json:"running"`
	Queued        int            `json:"queued"`
	MaxConcurrent int            `json:"maxConcurrent"`
	ActiveByUser  map[string]int `json:"activeByUser"`
	QueuedByUser  map[string]int `json:"queuedByUser"`
}

// Scheduler admits jobs under two bounds: a system-wide concurrency cap and
// a per-user active cap, with a per-user queue bound on top. Promotion picks
// the eligible owner who was admitted least recently, so a user with a deep
// queue cannot stall later arrivals from other users.
type Scheduler struct {
	mu     sync.Mutex
	limits SchedulerLimits
	start  StartFunc

	ctx    context.Context
	closed bool

	running   map[string]string // jobID -> owner
	active    map[string]int    // owner -> running jobs
	fifo      []domain.Job      // waiting jobs, arrival order
	queuedIDs map[string]struct{}
	lastAdmit map[string]uint64 // owner -> admission sequence
	admitSeq  uint64

	wg sync.WaitGroup
}

func NewScheduler(limits SchedulerLimits, start StartFunc) *Scheduler {
	if limits.MaxConcurrent <= 0 {
		limits.MaxConcurrent = 4
	}
	if limits.MaxActivePerUser <= 0 {
		limits.MaxActivePerUser = 2
	}
	if limits.MaxQueuedPerUser <= 0 {
		limits.MaxQueuedPerUser = 20
	}
	return &Scheduler{
		limits:    limits,
		start:     start,
		running:   make(map[string]string),
		active:    make(map[string]int),
		queuedIDs: make(map[string]struct{}),
		lastAdmit: make(map[string]uint64),
	}
}

// Start binds the context handed to every job driver. Call it before the
// poller begins enqueuing; the context outlives poller shutdown so in-flight
// jobs can drain.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}

// Close stops admissions; queued jobs stay queued and running jobs finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Enqueue admits the job now, queues it, or rejects it when the owner's
// queue bound is hit. Already-tracked job IDs report their current state.
func (s *Scheduler) Enqueue(job domain.Job) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DecisionRejected
	}
	if _, ok := s.running[job.ID]; ok {
		return DecisionStarted
	}
	if _, ok := s.queuedIDs[job.ID]; ok {
		return DecisionQueued
	}
	if s.queuedFor(job.OwnerID) >= s.limits.MaxQueuedPerUser {
		return DecisionRejected
	}
	if s.active[job.OwnerID] < s.limits.MaxActivePerUser && len(s.running) < s.limits.MaxConcurrent {
		s.admitLocked(job)
		return DecisionStarted
	}
	s.fifo = append(s.fifo, job)
	s.queuedIDs[job.ID] = struct{}{}
	return DecisionQueued
}

// Knows reports whether the job is currently running or queued here.
func (s *Scheduler) Knows(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[jobID]; ok {
		return true
	}
	_, ok := s.queuedIDs[jobID]
	return ok
}

func (s *Scheduler) UserStatus(userID string) UserStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return UserStatus{
		Active:    s.active[userID],
		Queued:    s.queuedFor(userID),
		MaxActive: s.limits.MaxActivePerUser,
		MaxQueued: s.limits.MaxQueuedPerUser,
	}
}

func (s *Scheduler) SystemStatus() SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SystemStatus{
		Running:       len(s.running),
		Queued:        len(s.fifo),
		MaxConcurrent: s.limits.MaxConcurrent,
		ActiveByUser:  make(map[string]int, len(s.active)),
		QueuedByUser:  make(map[string]int),
	}
	for u, n := range s.active {
		st.ActiveByUser[u] = n
	}
	for _, job := range s.fifo {
		st.QueuedByUser[job.OwnerID]++
	}
	return st
}

// Drain waits up to timeout for every launched job driver to return.
func (s *Scheduler) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Scheduler) queuedFor(owner string) int {
	n := 0
	for _, job := range s.fifo {
		if job.OwnerID == owner {
			n++
		}
	}
	return n
}

// admitLocked marks the job running and launches its driver.
func (s *Scheduler) admitLocked(job domain.Job) {
	s.admitSeq++
	s.lastAdmit[job.OwnerID] = s.admitSeq
	s.running[job.ID] = job.OwnerID
	s.active[job.OwnerID]++
	observability.AdmitJob()
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	go s.supervise(ctx, job)
}

func (s *Scheduler) supervise(ctx context.Context, job domain.Job) {
	defer s.wg.Done()
	s.start(ctx, job)
	s.finished(job)
}

// finished releases the job's slots and promotes waiting work.
func (s *Scheduler) finished(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, job.ID)
	if s.active[job.OwnerID]--; s.active[job.OwnerID] <= 0 {
		delete(s.active, job.OwnerID)
	}
	s.promoteLocked()
}

// promoteLocked fills free slots from the wait queue. Among owners under
// their active bound, the one admitted longest ago wins; within one owner,
// arrival order wins. A never-admitted owner beats everyone.
func (s *Scheduler) promoteLocked() {
	if s.closed {
		return
	}
	for len(s.running) < s.limits.MaxConcurrent {
		best := -1
		var bestSeq uint64
		for i, job := range s.fifo {
			if s.active[job.OwnerID] >= s.limits.MaxActivePerUser {
				continue
			}
			seq := s.lastAdmit[job.OwnerID]
			if best == -1 || seq < bestSeq {
				best, bestSeq = i, seq
			}
		}
		if best == -1 {
			return
		}
		job := s.fifo[best]
		s.fifo = append(s.fifo[:best], s.fifo[best+1:]...)
		delete(s.queuedIDs, job.ID)
		slog.Info("job promoted from queue",
			slog.String("job_id", job.ID),
			slog.String("owner", job.OwnerID),
		)
		s.admitLocked(job)
	}
}
