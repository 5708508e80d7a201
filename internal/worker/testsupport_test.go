package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// memJobs is an in-memory domain.JobRepository.
type memJobs struct {
	mu        sync.Mutex
	rows      map[string]domain.Job
	getErr    error
	listErr   error
	getCalls  int
	listCalls int
	statusLog []string // "<id>:<status>"
}

func newMemJobs(jobs ...domain.Job) *memJobs {
	m := &memJobs{rows: make(map[string]domain.Job)}
	for _, j := range jobs {
		m.rows[j.ID] = j
	}
	return m
}

func (m *memJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return domain.Job{}, m.getErr
	}
	j, ok := m.rows[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *memJobs) ListQueued(_ domain.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Job
	for _, j := range m.rows {
		if j.Status == domain.JobQueued {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *memJobs) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	j.UpdatedAt = time.Now().UTC()
	m.rows[id] = j
	m.statusLog = append(m.statusLog, id+":"+string(status))
	return nil
}

func (m *memJobs) IncrementProgress(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.RunsCompleted < j.RunsRequested {
		j.RunsCompleted++
	}
	m.rows[id] = j
	return nil
}

func (m *memJobs) row(t *testing.T, id string) domain.Job {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	require.True(t, ok, "job %s missing", id)
	return j
}

// memAttempts is an in-memory domain.AttemptRepository.
type memAttempts struct {
	mu        sync.Mutex
	rows      map[string]domain.Attempt
	order     []string
	seq       int
	createErr error
	updateErr error
	listErr   error
}

func newMemAttempts() *memAttempts {
	return &memAttempts{rows: make(map[string]domain.Attempt)}
}

func (m *memAttempts) Create(_ domain.Context, a domain.Attempt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	if a.ID == "" {
		m.seq++
		a.ID = fmt.Sprintf("att-%d", m.seq)
	}
	m.rows[a.ID] = a
	m.order = append(m.order, a.ID)
	return a.ID, nil
}

func (m *memAttempts) Update(_ domain.Context, a domain.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.rows[a.ID]; !ok {
		return domain.ErrNotFound
	}
	m.rows[a.ID] = a
	return nil
}

func (m *memAttempts) ListByJob(_ domain.Context, jobID string) ([]domain.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Attempt
	for _, a := range m.rows {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out, nil
}

func (m *memAttempts) byIndex(t *testing.T, jobID string, idx int) domain.Attempt {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.JobID == jobID && a.Index == idx {
			return a
		}
	}
	t.Fatalf("attempt %d of %s missing", idx, jobID)
	return domain.Attempt{}
}

func (m *memAttempts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// memEpisodes is an in-memory domain.EpisodeRepository.
type memEpisodes struct {
	mu        sync.Mutex
	rows      []domain.Episode
	seq       int
	createErr error
}

func (m *memEpisodes) Create(_ domain.Context, e domain.Episode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.seq++
	if e.ID == "" {
		e.ID = fmt.Sprintf("ep-%d", m.seq)
	}
	m.rows = append(m.rows, e)
	return e.ID, nil
}

func (m *memEpisodes) forAttempt(attemptID string) []domain.Episode {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Episode
	for _, e := range m.rows {
		if e.AttemptID == attemptID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out
}

// memObjects is an in-memory domain.ObjectStore.
type memObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	putDirs   []string // "<localDir> => <keyPrefix>"
	getErr    error
	putDirErr error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) Put(_ domain.Context, key string, body []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	return m.URIFor(key), nil
}

func (m *memObjects) Get(_ domain.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
	}
	return b, nil
}

func (m *memObjects) Exists(_ domain.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memObjects) PresignGet(key string, _ time.Duration) (string, error) {
	return m.URIFor(key) + "?signed", nil
}

func (m *memObjects) PutDirectory(_ domain.Context, localDir, keyPrefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putDirErr != nil {
		return nil, m.putDirErr
	}
	m.putDirs = append(m.putDirs, localDir+" => "+keyPrefix)
	return []string{m.URIFor(keyPrefix)}, nil
}

func (m *memObjects) URIFor(key string) string {
	return "s3://bucket-test/" + key
}

func (m *memObjects) uploads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.putDirs...)
}

// fakeRunner scripts the agent runner. respond may write artifact trees
// into the attempt's output directory before returning.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []domain.AgentCommand
	active  int
	peak    int
	respond func(cmd domain.AgentCommand) (domain.AgentResult, error)
}

func (f *fakeRunner) Run(_ domain.Context, cmd domain.AgentCommand) (domain.AgentResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	respond := f.respond
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if respond == nil {
		return domain.AgentResult{}, nil
	}
	return respond(cmd)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// jobsDirOf extracts the --jobs-dir value from an agent invocation.
func jobsDirOf(cmd domain.AgentCommand) string {
	for i, a := range cmd.Args {
		if a == "--jobs-dir" && i+1 < len(cmd.Args) {
			return cmd.Args[i+1]
		}
	}
	return ""
}

// fakeContainers is an in-memory domain.ContainerRuntime.
type fakeContainers struct {
	mu        sync.Mutex
	builds    []string // "<dockerfile>|<tag>|<context>"
	buildErr  error
	listResp  []domain.Container
	listErr   error
	removed   []string
	removeErr error
}

func (f *fakeContainers) Build(_ domain.Context, dockerfile, tag, contextDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, dockerfile+"|"+tag+"|"+contextDir)
	return f.buildErr
}

func (f *fakeContainers) ListByPrefix(_ domain.Context, _ string) ([]domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listResp, f.listErr
}

func (f *fakeContainers) ForceRemove(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeContainers) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// stubOracle answers cancellation checks from a script or a flag.
type stubOracle struct {
	mu        sync.Mutex
	cancelled bool
	fn        func(jobID string, call int) bool
	calls     int
}

func (s *stubOracle) IsCancelled(_ domain.Context, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fn != nil {
		return s.fn(jobID, s.calls)
	}
	return s.cancelled
}

func (s *stubOracle) set(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = v
}

const ctrfPassing = `{"results":{"summary":{"tests":2,"passed":2},"tests":[
  {"name":"test_alpha","status":"passed"},
  {"name":"test_beta","status":"passed"}
]}}`

const ctrfMixed = `{"results":{"summary":{"tests":2,"passed":1},"tests":[
  {"name":"test_alpha","status":"passed"},
  {"name":"test_beta","status":"failed","message":"expected 2 got 3"}
]}}`

const legacyTrajectory = `{"steps":[
  {"command":"ls /app","observation":"main.py","thought":"inspect layout"},
  {"command":"pytest","observation":"2 passed"}
]}`

// writeTrialArtifacts fabricates the agent's output tree under outputDir.
func writeTrialArtifacts(t *testing.T, outputDir string, files map[string]string) {
	t.Helper()
	trialDir := filepath.Join(outputDir, "2025-06-01__10-00-00", "trial-1")
	for name, content := range files {
		p := filepath.Join(trialDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o640))
	}
}

// taskZip builds an in-memory task archive. Paths are zip-relative.
func taskZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testJob(id, owner string) domain.Job {
	return domain.Job{
		ID:            id,
		TaskName:      "task-" + id,
		Status:        domain.JobQueued,
		RunsRequested: 1,
		OwnerID:       owner,
		CreatedAt:     time.Now().UTC(),
	}
}

var testCtx = context.Background()
