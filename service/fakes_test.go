package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"biosure-backend/models"
	"biosure-backend/repository"

	"google.golang.org/api/googleapi"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock advances instantly on Sleep
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeIndex is an in-memory RemoteIndex
type fakeIndex struct {
	mu sync.Mutex

	files   map[string]*RemoteFile
	seq     int
	uploads int
	deletes []string
	polls   int

	// uploadErrs are returned by successive Upload calls before succeeding
	uploadErrs []error
	// uploadState is the state reported right after upload
	uploadState models.ProcessingState
	// states are reported by successive GetState calls; the last one repeats
	states   []models.ProcessingState
	stateErr error
	// uploadGate, when set, blocks Upload until closed
	uploadGate chan struct{}
	uploadSeen chan struct{}

	answer     string
	citeAll    bool
	queryRefs  []FileRef
	queryCalls int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{files: map[string]*RemoteFile{}, uploadState: models.StateProcessing, answer: "answer", citeAll: true}
}

func (f *fakeIndex) Upload(ctx context.Context, r io.Reader, displayName, mimeType string) (*RemoteFile, error) {
	if f.uploadSeen != nil {
		select {
		case f.uploadSeen <- struct{}{}:
		default:
		}
	}
	if f.uploadGate != nil {
		<-f.uploadGate
	}
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		return nil, err
	}
	f.seq++
	rf := &RemoteFile{
		RemoteID:    fmt.Sprintf("files/%d", f.seq),
		URI:         fmt.Sprintf("https://remote.test/files/%d", f.seq),
		DisplayName: displayName,
		MIMEType:    mimeType,
		State:       f.uploadState,
	}
	f.files[rf.RemoteID] = rf
	c := *rf
	return &c, nil
}

func (f *fakeIndex) GetState(ctx context.Context, remoteID string) (*RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	rf, ok := f.files[remoteID]
	if !ok {
		return nil, &googleapi.Error{Code: 404, Message: "file not found"}
	}
	if len(f.states) > 0 {
		rf.State = f.states[0]
		if len(f.states) > 1 {
			f.states = f.states[1:]
		}
	}
	c := *rf
	return &c, nil
}

func (f *fakeIndex) Query(ctx context.Context, prompt string, refs []FileRef) (*IndexAnswer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	f.queryRefs = refs
	ans := &IndexAnswer{Text: f.answer}
	if f.citeAll {
		for _, r := range refs {
			ans.CitedRemoteIDs = append(ans.CitedRemoteIDs, r.RemoteID)
		}
	}
	return ans, nil
}

func (f *fakeIndex) Delete(ctx context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, remoteID)
	if _, ok := f.files[remoteID]; !ok {
		return &googleapi.Error{Code: 404, Message: "file not found"}
	}
	delete(f.files, remoteID)
	return nil
}

func (f *fakeIndex) List(ctx context.Context) ([]RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RemoteFile
	for _, rf := range f.files {
		out = append(out, *rf)
	}
	return out, nil
}

func (f *fakeIndex) Uploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

func (f *fakeIndex) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

// failingRemoteStore wraps a memory repository and fails Create
type failingRemoteStore struct {
	*repository.MemoryRemoteFileRepository
	createErr error
}

func (s *failingRemoteStore) Create(ctx context.Context, h *models.RemoteFileHandle) error {
	return s.createErr
}

func acceptAll(string) error { return nil }

// writeDoc writes content to root/<dir>/<name> and returns the path
func writeDoc(t *testing.T, root, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(root, dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type testEnv struct {
	root   string
	docs   *DocumentStore
	index  *fakeIndex
	repo   *repository.MemoryRemoteFileRepository
	audit  *repository.MemoryAuditRepository
	clock  *fakeClock
	client *RemoteIndexClient
}

func newTestEnv(t *testing.T, opts ...RemoteIndexClientOption) *testEnv {
	t.Helper()
	env := &testEnv{
		root:  t.TempDir(),
		index: newFakeIndex(),
		repo:  repository.NewMemoryRemoteFileRepository(),
		audit: repository.NewMemoryAuditRepository(),
		clock: newFakeClock(),
	}
	env.docs = NewDocumentStore(env.root, WithPDFValidator(acceptAll), WithDocumentLogger(discardLogger()))
	base := []RemoteIndexClientOption{
		IndexWithDocumentStore(env.docs),
		IndexWithRemoteIndex(env.index),
		IndexWithRemoteFileStore(env.repo),
		IndexWithAuditLog(NewAuditLog(env.audit, AuditWithClock(env.clock), AuditWithLogger(discardLogger()))),
		IndexWithClock(env.clock),
		IndexWithLogger(discardLogger()),
	}
	env.client = NewRemoteIndexClient(append(base, opts...)...)
	return env
}
