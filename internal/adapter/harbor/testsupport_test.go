package harbor

import (
	"os"
	"sync"
	"time"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// fakeStore records object-store traffic for assertions.
type fakeStore struct {
	mu         sync.Mutex
	puts       map[string][]byte
	putDirs    []string
	putDirErr  error
	putErr     error
	dirResults []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: map[string][]byte{}}
}

func (f *fakeStore) Put(_ domain.Context, key string, body []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	f.puts[key] = append([]byte(nil), body...)
	return f.URIFor(key), nil
}

func (f *fakeStore) Get(_ domain.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.puts[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) Exists(_ domain.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.puts[key]
	return ok, nil
}

func (f *fakeStore) PresignGet(key string, _ time.Duration) (string, error) {
	return f.URIFor(key) + "?signed", nil
}

func (f *fakeStore) PutDirectory(_ domain.Context, localDir, keyPrefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putDirErr != nil {
		return nil, f.putDirErr
	}
	f.putDirs = append(f.putDirs, localDir+" => "+keyPrefix)
	return f.dirResults, nil
}

func (f *fakeStore) URIFor(key string) string { return "s3://test-bucket/" + key }

func (f *fakeStore) putKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.puts))
	for k := range f.puts {
		keys = append(keys, k)
	}
	return keys
}

// fakeProcs records registry traffic from the runner.
type fakeProcs struct {
	mu      sync.Mutex
	added   []int
	removed []int
}

func (f *fakeProcs) AddProcess(_ string, proc *os.Process) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, proc.Pid)
}

func (f *fakeProcs) RemoveProcess(_ string, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, pid)
}
