// Package worker hosts the long-lived supervision loops: the poller that
// admits queued jobs, the fair scheduler, and the per-job and per-attempt
// drivers that take an admitted job through agent runs to a terminal row.
package worker

import (
	"os"
	"sort"
	"sync"
)

// runningJob is the registry's mutable record for one supervised job.
type runningJob struct {
	taskName  string
	processes map[int]*os.Process
	attempts  map[string]struct{}
	cancelled bool
}

// RunningJob is an immutable snapshot handed to readers.
type RunningJob struct {
	JobID      string
	TaskName   string
	Cancelled  bool
	Processes  []*os.Process
	AttemptIDs []string
}

// Registry is the process-wide map of jobs this worker supervises. Only
// registry-visible jobs may have their subprocesses or containers touched,
// which keeps one worker from disturbing another worker's children.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*runningJob
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*runningJob)}
}

// Register creates a fresh record for the job. Re-registering resets it.
func (r *Registry) Register(jobID, taskName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = &runningJob{
		taskName:  taskName,
		processes: make(map[int]*os.Process),
		attempts:  make(map[string]struct{}),
	}
}

func (r *Registry) Unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// AddProcess records a live child process handle. Unknown jobs are ignored
// so a racing unregister cannot resurrect an entry.
func (r *Registry) AddProcess(jobID string, proc *os.Process) {
	if proc == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rj, ok := r.jobs[jobID]; ok {
		rj.processes[proc.Pid] = proc
	}
}

func (r *Registry) RemoveProcess(jobID string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rj, ok := r.jobs[jobID]; ok {
		delete(rj.processes, pid)
	}
}

// AddAttempt records an attempt row that has been created but not yet
// finalized; the canceler fails exactly these on cancellation.
func (r *Registry) AddAttempt(jobID, attemptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rj, ok := r.jobs[jobID]; ok {
		rj.attempts[attemptID] = struct{}{}
	}
}

func (r *Registry) RemoveAttempt(jobID, attemptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rj, ok := r.jobs[jobID]; ok {
		delete(rj.attempts, attemptID)
	}
}

// Get returns a snapshot of the job's record.
func (r *Registry) Get(jobID string) (RunningJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rj, ok := r.jobs[jobID]
	if !ok {
		return RunningJob{}, false
	}
	snap := RunningJob{
		JobID:     jobID,
		TaskName:  rj.taskName,
		Cancelled: rj.cancelled,
	}
	for _, p := range rj.processes {
		snap.Processes = append(snap.Processes, p)
	}
	for id := range rj.attempts {
		snap.AttemptIDs = append(snap.AttemptIDs, id)
	}
	sort.Strings(snap.AttemptIDs)
	return snap, true
}

// MarkCancelled flips the job's cancel flag; false when the job is not
// supervised here.
func (r *Registry) MarkCancelled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rj, ok := r.jobs[jobID]
	if !ok {
		return false
	}
	rj.cancelled = true
	return true
}

func (r *Registry) IsCancelled(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rj, ok := r.jobs[jobID]
	return ok && rj.cancelled
}

// Len reports how many jobs are currently supervised.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
