package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrQueueFull       = errors.New("queue full")
	ErrCancelled       = errors.New("job cancelled")
	ErrAttemptTimeout  = errors.New("attempt timeout")
	ErrRateLimited     = errors.New("rate limited")
	ErrExecution       = errors.New("execution error")
	ErrInternal        = errors.New("internal error")
)

// Agent selections accepted by the runner CLI
const (
	AgentTerminus = "terminus-2"
	AgentOracle   = "oracle"
)

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=AttemptRepository --with-expecter --filename=attempt_repository_mock.go
//go:generate mockery --name=EpisodeRepository --with-expecter --filename=episode_repository_mock.go
//go:generate mockery --name=ObjectStore --with-expecter --filename=object_store_mock.go
//go:generate mockery --name=AgentRunner --with-expecter --filename=agent_runner_mock.go

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type AttemptStatus string

const (
	AttemptQueued  AttemptStatus = "queued"
	AttemptRunning AttemptStatus = "running"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// User is an ownership and fairness key; the worker never mutates users.
type User struct {
	ID        string
	CreatedAt time.Time
}

// Job is one benchmark-run request over an uploaded task archive.
// Invariants: RunsCompleted <= RunsRequested; terminal statuses are sticky
// while a single worker supervises the job.
type Job struct {
	ID            string
	TaskName      string
	Status        JobStatus
	RunsRequested int
	RunsCompleted int
	ZipLocation   string
	OwnerID       string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CancelRequested reports whether the row carries the cancellation sentinel:
// a failed job whose error message mentions "cancelled". API processes cancel
// jobs by writing exactly this shape; the worker converges on it by polling.
func (j Job) CancelRequested() bool {
	return j.Status == JobFailed && strings.Contains(strings.ToLower(j.ErrorMessage), "cancelled")
}

// Attempt is a single agent run for a job.
// Invariants: 0 <= TestsPassed <= TestsTotal; TestsTotal == 0 is failure
// regardless of TestsPassed; Index unique within the job.
type Attempt struct {
	ID            string
	JobID         string
	Index         int
	Status        AttemptStatus
	TestsPassed   int
	TestsTotal    int
	StartedAt     time.Time
	FinishedAt    *time.Time
	RewardSummary map[string]int
	LogPath       string
	Metadata      map[string]any
}

// Command is one shell interaction inside an episode.
type Command struct {
	Input    string `json:"command"`
	Output   string `json:"output"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// Episode is one reasoning/acting round extracted from an agent trajectory.
// Created only after the owning attempt has a row; Index contiguous from 0.
type Episode struct {
	ID            string
	AttemptID     string
	Index         int
	StateAnalysis string
	Explanation   string
	Commands      []Command
	DurationMs    *int64
	Metadata      map[string]any
}

// TestCase is a per-test outcome kept in attempt metadata under "testCases".
// Synthetic entries (timeouts, rate limits) use it so the UI never renders
// a bare "0/0".
type TestCase struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Trace  string `json:"trace,omitempty"`
}

// Repositories (ports)

type UserRepository interface {
	Get(ctx Context, id string) (User, error)
}

type JobRepository interface {
	Get(ctx Context, id string) (Job, error)
	// ListQueued returns queued jobs ordered by creation time.
	ListQueued(ctx Context) ([]Job, error)
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg *string) error
	// IncrementProgress adds one to runs_completed inside the database,
	// never via fetch-then-write.
	IncrementProgress(ctx Context, id string) error
}

type AttemptRepository interface {
	Create(ctx Context, a Attempt) (string, error)
	Update(ctx Context, a Attempt) error
	ListByJob(ctx Context, jobID string) ([]Attempt, error)
}

type EpisodeRepository interface {
	Create(ctx Context, e Episode) (string, error)
}

// ObjectStore (port)
// Keys are bucket-relative; Put returns the canonical scheme://bucket/key URI.

type ObjectStore interface {
	Put(ctx Context, key string, body []byte, contentType string) (string, error)
	Get(ctx Context, key string) ([]byte, error)
	Exists(ctx Context, key string) (bool, error)
	PresignGet(key string, ttl time.Duration) (string, error)
	// PutDirectory uploads localDir recursively under keyPrefix and returns
	// the uploaded object URIs. Content type is inferred from extension.
	PutDirectory(ctx Context, localDir, keyPrefix string) ([]string, error)
	// URIFor returns the canonical URI for a key without touching the store.
	URIFor(key string) string
}

// AgentRunner (port)

// AgentCommand describes one invocation of the external agent binary.
type AgentCommand struct {
	JobID        string
	AttemptIndex int
	Args         []string
	Timeout      time.Duration
	// LogDir receives harbor-stdout.log / harbor-stderr.log locally.
	LogDir string
	// LogKeyPrefix is where the log files stream periodically, e.g.
	// results/<jobID>/attempt-<i>/logs/.
	LogKeyPrefix string
	// Cancelled is polled during the run; returning true terminates the
	// process group and fails the run with ErrCancelled.
	Cancelled func() bool
}

// AgentResult carries the captured output of a finished agent process.
type AgentResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type AgentRunner interface {
	Run(ctx Context, cmd AgentCommand) (AgentResult, error)
}

// ContainerRuntime (port)

type Container struct {
	ID   string
	Name string
}

type ContainerRuntime interface {
	Build(ctx Context, dockerfile, tag, contextDir string) error
	ListByPrefix(ctx Context, prefix string) ([]Container, error)
	ForceRemove(ctx Context, id string) error
}

// Context aliases context.Context so domain signatures stay uniform; adapters
// and services pass context.Context straight through.
type Context = context.Context
