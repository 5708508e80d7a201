package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

func TestPoller_SubmitsQueuedJobs(t *testing.T) {
	a := testJob("a", "u1")
	b := testJob("b", "u2")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	jobs := newMemJobs(a, b)

	rec := newAdmitRecorder("a", "b")
	s := NewScheduler(SchedulerLimits{MaxConcurrent: 4, MaxActivePerUser: 2, MaxQueuedPerUser: 20}, rec.start)
	s.Start(context.Background())
	p := NewPoller(jobs, s, time.Second)

	p.poll(testCtx)
	waitFor(t, 2*time.Second, rec.admittedLen(2), "jobs not admitted")
	assert.ElementsMatch(t, []string{"a", "b"}, rec.admitted())

	// A second poll sees the same rows still queued and must not resubmit.
	p.poll(testCtx)
	assert.Equal(t, 2, len(rec.admitted()))
	assert.Equal(t, 0, s.SystemStatus().Queued)

	rec.release("a")
	rec.release("b")
	require.True(t, s.Drain(2*time.Second))
}

func TestPoller_DefersOwnerAtQueueBound(t *testing.T) {
	a := testJob("a", "u1")
	b := testJob("b", "u1")
	c := testJob("c", "u1")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	c.CreatedAt = a.CreatedAt.Add(2 * time.Second)
	jobs := newMemJobs(a, b, c)

	rec := newAdmitRecorder("a", "b", "c")
	s := NewScheduler(SchedulerLimits{MaxConcurrent: 1, MaxActivePerUser: 1, MaxQueuedPerUser: 1}, rec.start)
	s.Start(context.Background())
	p := NewPoller(jobs, s, time.Second)

	p.poll(testCtx)
	waitFor(t, 2*time.Second, rec.admittedLen(1), "first job not admitted")

	// One running, one queued, the third stays in the store for a later poll.
	st := s.SystemStatus()
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 1, st.Queued)
	assert.False(t, s.Knows("c"))

	// The driver would move admitted rows out of queued; mimic that so the
	// next poll only sees the deferred job.
	require.NoError(t, jobs.UpdateStatus(testCtx, "a", domain.JobRunning, nil))
	require.NoError(t, jobs.UpdateStatus(testCtx, "b", domain.JobRunning, nil))

	rec.release("a")
	waitFor(t, 2*time.Second, rec.admittedLen(2), "queued job not promoted")
	p.poll(testCtx)
	assert.True(t, s.Knows("c"))

	rec.release("b")
	rec.release("c")
	require.True(t, s.Drain(2*time.Second))
}

func TestPoller_ListingErrorIsSwallowed(t *testing.T) {
	jobs := newMemJobs()
	jobs.listErr = assert.AnError

	rec := newAdmitRecorder()
	s := NewScheduler(SchedulerLimits{}, rec.start)
	s.Start(context.Background())
	p := NewPoller(jobs, s, time.Second)

	p.poll(testCtx)
	assert.Empty(t, rec.admitted())
}

func TestPoller_RunStopsOnContext(t *testing.T) {
	jobs := newMemJobs()
	rec := newAdmitRecorder()
	s := NewScheduler(SchedulerLimits{}, rec.start)
	s.Start(context.Background())
	p := NewPoller(jobs, s, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return jobs.listCalls >= 3
	}, "poll loop did not tick")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on context cancel")
	}
}

func TestPoller_DefaultInterval(t *testing.T) {
	p := NewPoller(newMemJobs(), nil, 0)
	assert.Equal(t, 5*time.Second, p.interval)
}
