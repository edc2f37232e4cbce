package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"biosure-backend/models"
	"biosure-backend/repository"
	"biosure-backend/storage"

	"google.golang.org/api/googleapi"
)

func mustSync(t *testing.T, env *testEnv, opts SyncOptions) *models.SyncReport {
	t.Helper()
	report, err := env.client.Sync(context.Background(), opts)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return report
}

func checkCounts(t *testing.T, r *models.SyncReport, uploaded, skipped, failed int) {
	t.Helper()
	if r.Uploaded != uploaded || r.Skipped != skipped || r.Failed != failed {
		t.Fatalf("report = {uploaded:%d skipped:%d failed:%d} errors=%v, want {%d %d %d}",
			r.Uploaded, r.Skipped, r.Failed, r.Errors, uploaded, skipped, failed)
	}
	if got := len(r.Items); got != uploaded+skipped+failed {
		t.Fatalf("report has %d items, want %d", got, uploaded+skipped+failed)
	}
}

func hashOf(t *testing.T, env *testEnv, path string) string {
	t.Helper()
	records, err := env.docs.Scan(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		if r.LocalPath == path {
			return r.IdentityHash
		}
	}
	t.Fatalf("%s not scanned", path)
	return ""
}

func TestSyncIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	writeDoc(t, env.root, "policies", "policy.pdf", "policy bytes")
	writeDoc(t, env.root, "research_papers", "study.pdf", "study bytes")

	checkCounts(t, mustSync(t, env, SyncOptions{}), 2, 0, 0)
	second := mustSync(t, env, SyncOptions{})
	checkCounts(t, second, 0, 2, 0)

	if env.index.Uploads() != 2 {
		t.Errorf("uploads = %d, want 2", env.index.Uploads())
	}
	handles, _ := env.repo.List(context.Background())
	if len(handles) != 2 {
		t.Errorf("handles = %d, want 2", len(handles))
	}
	for _, item := range second.Items {
		if !strings.HasPrefix(item.Reason, "already") {
			t.Errorf("skip reason = %q", item.Reason)
		}
	}
}

func TestSyncDedupsByContentNotName(t *testing.T) {
	env := newTestEnv(t)
	path := writeDoc(t, env.root, "policies", "draft.pdf", "same bytes")
	checkCounts(t, mustSync(t, env, SyncOptions{}), 1, 0, 0)

	if err := os.Rename(path, filepath.Join(env.root, "policies", "final.pdf")); err != nil {
		t.Fatal(err)
	}
	checkCounts(t, mustSync(t, env, SyncOptions{}), 0, 1, 0)
	if env.index.Uploads() != 1 {
		t.Errorf("uploads = %d, want 1", env.index.Uploads())
	}
}

func TestSyncNewAndRenamedActiveDocument(t *testing.T) {
	env := newTestEnv(t)
	env.index.uploadState = models.StateActive
	old := writeDoc(t, env.root, "policies", "old_policy.pdf", "policy content")
	checkCounts(t, mustSync(t, env, SyncOptions{}), 1, 0, 0)

	if err := os.Remove(old); err != nil {
		t.Fatal(err)
	}
	writeDoc(t, env.root, "policies", "policy.pdf", "policy content")
	writeDoc(t, env.root, "clinical", "guideline.pdf", "guideline content")

	checkCounts(t, mustSync(t, env, SyncOptions{}), 1, 1, 0)
}

func TestSyncSkipsDuplicateContentWithinOneRun(t *testing.T) {
	env := newTestEnv(t)
	writeDoc(t, env.root, "policies", "a.pdf", "twin")
	writeDoc(t, env.root, "contracts", "b.pdf", "twin")

	report := mustSync(t, env, SyncOptions{})
	checkCounts(t, report, 1, 1, 0)
	if env.index.Uploads() != 1 {
		t.Errorf("uploads = %d, want 1", env.index.Uploads())
	}
}

func TestSyncCategoryFilter(t *testing.T) {
	env := newTestEnv(t)
	writeDoc(t, env.root, "policies", "a.pdf", "policy")
	writeDoc(t, env.root, "contracts", "b.pdf", "contract")

	report := mustSync(t, env, SyncOptions{Category: models.CategoryContract})
	checkCounts(t, report, 1, 0, 0)
	if report.Items[0].DisplayName != "b" {
		t.Errorf("synced %q, want b", report.Items[0].DisplayName)
	}
}

func TestSyncRetriesTransientUploadErrors(t *testing.T) {
	env := newTestEnv(t)
	env.index.uploadErrs = []error{
		&googleapi.Error{Code: 503, Message: "unavailable"},
		&googleapi.Error{Code: 429, Message: "quota"},
	}
	writeDoc(t, env.root, "policies", "a.pdf", "content")

	checkCounts(t, mustSync(t, env, SyncOptions{}), 1, 0, 0)
	if env.index.Uploads() != 3 {
		t.Errorf("uploads = %d, want 3", env.index.Uploads())
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(env.clock.sleeps) != len(want) || env.clock.sleeps[0] != want[0] || env.clock.sleeps[1] != want[1] {
		t.Errorf("sleeps = %v, want %v", env.clock.sleeps, want)
	}
}

func TestSyncPermanentErrorIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	env.index.uploadErrs = []error{&googleapi.Error{Code: 400, Message: "bad format"}}
	writeDoc(t, env.root, "policies", "a.pdf", "content")

	report := mustSync(t, env, SyncOptions{})
	checkCounts(t, report, 0, 0, 1)
	if env.index.Uploads() != 1 {
		t.Errorf("uploads = %d, want 1", env.index.Uploads())
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "a:") {
		t.Errorf("errors = %v", report.Errors)
	}
	handles, _ := env.repo.List(context.Background())
	if len(handles) != 0 {
		t.Errorf("failed upload left %d handles", len(handles))
	}
}

func TestSyncExhaustedRetriesLeaveNoHandle(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.index.uploadErrs = append(env.index.uploadErrs, &googleapi.Error{Code: 500, Message: "boom"})
	}
	writeDoc(t, env.root, "policies", "a.pdf", "content")

	report := mustSync(t, env, SyncOptions{})
	checkCounts(t, report, 0, 0, 1)
	if env.index.Uploads() != 3 {
		t.Errorf("uploads = %d, want 3", env.index.Uploads())
	}
	handles, _ := env.repo.List(context.Background())
	if len(handles) != 0 {
		t.Errorf("left %d handles", len(handles))
	}
}

func TestSyncDiscardsRemoteWhenHandleCannotBeRecorded(t *testing.T) {
	store := &failingRemoteStore{
		MemoryRemoteFileRepository: repository.NewMemoryRemoteFileRepository(),
		createErr:                  errors.New("database unavailable"),
	}
	env := newTestEnv(t, IndexWithRemoteFileStore(store))
	writeDoc(t, env.root, "policies", "a.pdf", "content")

	checkCounts(t, mustSync(t, env, SyncOptions{}), 0, 0, 1)
	if env.index.Live() != 0 {
		t.Errorf("remote index still holds %d files", env.index.Live())
	}
}

func TestSyncRejectsInvalidDocumentBeforeUpload(t *testing.T) {
	env := newTestEnv(t)
	env.docs = NewDocumentStore(env.root, WithPDFValidator(func(string) error { return errors.New("broken xref") }), WithDocumentLogger(discardLogger()))
	env.client = NewRemoteIndexClient(
		IndexWithDocumentStore(env.docs),
		IndexWithRemoteIndex(env.index),
		IndexWithRemoteFileStore(env.repo),
		IndexWithClock(env.clock),
		IndexWithLogger(discardLogger()),
	)
	writeDoc(t, env.root, "policies", "a.pdf", "not a pdf")

	checkCounts(t, mustSync(t, env, SyncOptions{}), 0, 0, 1)
	if env.index.Uploads() != 0 {
		t.Errorf("invalid document was uploaded")
	}
}

func TestSyncFailedHandleRequiresForce(t *testing.T) {
	env := newTestEnv(t)
	env.index.uploadState = models.StateFailed
	path := writeDoc(t, env.root, "policies", "a.pdf", "content")
	hash := hashOf(t, env, path)

	checkCounts(t, mustSync(t, env, SyncOptions{}), 1, 0, 0)

	report := mustSync(t, env, SyncOptions{})
	checkCounts(t, report, 0, 1, 0)
	if !strings.Contains(report.Items[0].Reason, "FAILED") {
		t.Errorf("reason = %q", report.Items[0].Reason)
	}

	env.index.uploadState = models.StateProcessing
	checkCounts(t, mustSync(t, env, SyncOptions{Force: true}), 1, 0, 0)

	handles, _ := env.repo.ListByIdentityHash(context.Background(), hash)
	if len(handles) != 1 || handles[0].ProcessingState != models.StateProcessing {
		t.Fatalf("handles after force = %+v", handles)
	}
	if env.index.Live() != 1 {
		t.Errorf("remote files = %d, want the old one discarded", env.index.Live())
	}
}

func TestConcurrentSyncsUploadOnce(t *testing.T) {
	env := newTestEnv(t)
	env.index.uploadGate = make(chan struct{})
	env.index.uploadSeen = make(chan struct{}, 1)
	writeDoc(t, env.root, "policies", "a.pdf", "content")

	reports := make([]*models.SyncReport, 2)
	var wg sync.WaitGroup
	run := func(i int) {
		defer wg.Done()
		r, err := env.client.Sync(context.Background(), SyncOptions{})
		if err != nil {
			t.Error(err)
			return
		}
		reports[i] = r
	}

	wg.Add(1)
	go run(0)
	<-env.index.uploadSeen
	wg.Add(1)
	go run(1)
	time.Sleep(50 * time.Millisecond)
	close(env.index.uploadGate)
	wg.Wait()

	if env.index.Uploads() != 1 {
		t.Fatalf("uploads = %d, want 1", env.index.Uploads())
	}
	uploaded, skipped := 0, 0
	for _, r := range reports {
		if r == nil {
			t.Fatal("missing report")
		}
		uploaded += r.Uploaded
		skipped += r.Skipped
	}
	if uploaded != 1 || skipped != 1 {
		t.Errorf("uploaded=%d skipped=%d, want 1 and 1", uploaded, skipped)
	}
}

func syncOne(t *testing.T, env *testEnv) string {
	t.Helper()
	writeDoc(t, env.root, "policies", "a.pdf", "content")
	report := mustSync(t, env, SyncOptions{})
	checkCounts(t, report, 1, 0, 0)
	return report.Items[0].RemoteID
}

func TestAwaitProcessingReachesActive(t *testing.T) {
	env := newTestEnv(t)
	remoteID := syncOne(t, env)
	env.index.states = []models.ProcessingState{models.StateProcessing, models.StateProcessing, models.StateActive}

	state, err := env.client.AwaitProcessing(context.Background(), remoteID, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if state != models.StateActive {
		t.Fatalf("state = %s, want ACTIVE", state)
	}
	h, _ := env.repo.GetByRemoteID(context.Background(), remoteID)
	if h.ProcessingState != models.StateActive {
		t.Errorf("stored state = %s", h.ProcessingState)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(env.clock.sleeps) != 2 || env.clock.sleeps[0] != want[0] || env.clock.sleeps[1] != want[1] {
		t.Errorf("sleeps = %v, want %v", env.clock.sleeps, want)
	}
}

func TestAwaitProcessingTimeoutLeavesHandleUnchanged(t *testing.T) {
	env := newTestEnv(t)
	remoteID := syncOne(t, env)
	env.index.states = []models.ProcessingState{models.StateProcessing}

	state, err := env.client.AwaitProcessing(context.Background(), remoteID, 10*time.Second)
	if err != nil {
		t.Fatalf("timeout returned error: %v", err)
	}
	if state != models.StateProcessing {
		t.Fatalf("state = %s, want PROCESSING", state)
	}
	var total time.Duration
	for _, d := range env.clock.sleeps {
		total += d
	}
	if total != 10*time.Second {
		t.Errorf("slept %v, want exactly the timeout", total)
	}
	h, _ := env.repo.GetByRemoteID(context.Background(), remoteID)
	if h.ProcessingState != models.StateProcessing {
		t.Errorf("stored state = %s", h.ProcessingState)
	}
}

func TestAwaitProcessingCapsPollInterval(t *testing.T) {
	env := newTestEnv(t)
	remoteID := syncOne(t, env)
	env.index.states = []models.ProcessingState{models.StateProcessing}

	if _, err := env.client.AwaitProcessing(context.Background(), remoteID, 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	for _, d := range env.clock.sleeps {
		if d > 30*time.Second {
			t.Fatalf("poll interval %v exceeds cap", d)
		}
	}
}

func TestAwaitProcessingIgnoresBackwardReports(t *testing.T) {
	env := newTestEnv(t)
	remoteID := syncOne(t, env)
	env.index.states = []models.ProcessingState{models.StateUploading, models.StateActive}

	state, err := env.client.AwaitProcessing(context.Background(), remoteID, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if state != models.StateActive {
		t.Fatalf("state = %s", state)
	}
}

func TestAwaitProcessingKeepsPollingThroughTransientErrors(t *testing.T) {
	env := newTestEnv(t)
	remoteID := syncOne(t, env)
	env.index.stateErr = &googleapi.Error{Code: 503, Message: "unavailable"}

	state, err := env.client.AwaitProcessing(context.Background(), remoteID, 6*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if state != models.StateProcessing {
		t.Errorf("state = %s", state)
	}
	if env.index.polls < 2 {
		t.Errorf("polls = %d, want several", env.index.polls)
	}
}

func TestAwaitProcessingUnknownRemoteID(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.AwaitProcessing(context.Background(), "files/missing", time.Second)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestQueryWithoutActiveDocumentsIsUngrounded(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.client.Query(context.Background(), "what does the policy say?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Grounded || len(res.Sources) != 0 {
		t.Fatalf("result = %+v, want ungrounded with no sources", res)
	}
	if res.Sources == nil {
		t.Error("sources should be an empty list, not nil")
	}
	if len(env.index.queryRefs) != 0 {
		t.Errorf("query sent %d refs", len(env.index.queryRefs))
	}
}

func TestQueryCitesActiveDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.index.uploadState = models.StateActive
	p1 := writeDoc(t, env.root, "policies", "a.pdf", "one")
	writeDoc(t, env.root, "clinical", "b.pdf", "two")
	mustSync(t, env, SyncOptions{})

	res, err := env.client.Query(context.Background(), "summarize", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Grounded || len(res.Sources) != 2 {
		t.Fatalf("result = %+v", res)
	}

	scoped, err := env.client.Query(context.Background(), "summarize", []string{hashOf(t, env, p1)})
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped.Sources) != 1 || scoped.Sources[0].Name != "a" {
		t.Fatalf("scoped sources = %+v", scoped.Sources)
	}
}

func TestQueryPicksUpDocumentsThatFinishedProcessing(t *testing.T) {
	env := newTestEnv(t)
	syncOne(t, env)
	env.index.states = []models.ProcessingState{models.StateActive}

	res, err := env.client.Query(context.Background(), "summarize", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Grounded {
		t.Fatal("expected a grounded answer once the document is ACTIVE")
	}
}

func TestQueryRejectsEmptyText(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.Query(context.Background(), "   ", nil)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeleteRemovesBothSides(t *testing.T) {
	env := newTestEnv(t)
	path := writeDoc(t, env.root, "policies", "a.pdf", "content")
	mustSync(t, env, SyncOptions{})

	res, err := env.client.Delete(context.Background(), hashOf(t, env, path))
	if err != nil {
		t.Fatal(err)
	}
	if !res.DeletedLocal || !res.DeletedRemote {
		t.Fatalf("result = %+v", res)
	}
	if fileExists(path) {
		t.Error("local file still present")
	}
	if env.index.Live() != 0 {
		t.Error("remote file still present")
	}
	handles, _ := env.repo.List(context.Background())
	if len(handles) != 0 {
		t.Error("handle still present")
	}
}

func TestDeleteReportsSidesSeparately(t *testing.T) {
	env := newTestEnv(t)
	path := writeDoc(t, env.root, "policies", "a.pdf", "content")
	hash := hashOf(t, env, path)
	mustSync(t, env, SyncOptions{})
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	res, err := env.client.Delete(context.Background(), hash)
	if err != nil {
		t.Fatal(err)
	}
	if res.DeletedLocal || !res.DeletedRemote {
		t.Fatalf("result = %+v, want remote only", res)
	}
}

func TestDeleteTreatsMissingRemoteFileAsDeleted(t *testing.T) {
	env := newTestEnv(t)
	path := writeDoc(t, env.root, "policies", "a.pdf", "content")
	hash := hashOf(t, env, path)
	remoteID := mustSync(t, env, SyncOptions{}).Items[0].RemoteID
	delete(env.index.files, remoteID)

	res, err := env.client.Delete(context.Background(), hash)
	if err != nil {
		t.Fatal(err)
	}
	if !res.DeletedLocal || !res.DeletedRemote {
		t.Fatalf("result = %+v", res)
	}
}

func TestDeleteUnknownDocument(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.Delete(context.Background(), strings.Repeat("ab", 32))
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestListRemoteMarksUntrackedFiles(t *testing.T) {
	env := newTestEnv(t)
	syncOne(t, env)
	env.index.files["files/orphan"] = &RemoteFile{RemoteID: "files/orphan", DisplayName: "orphan", State: models.StateActive}

	views, err := env.client.ListRemote(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tracked := map[string]bool{}
	for _, v := range views {
		tracked[v.RemoteID] = v.Tracked
	}
	if len(views) != 2 || tracked["files/orphan"] || !tracked["files/1"] {
		t.Fatalf("views = %+v", views)
	}

	if err := env.client.DeleteRemote(context.Background(), "files/orphan"); err != nil {
		t.Fatal(err)
	}
	if env.index.Live() != 1 {
		t.Errorf("orphan not removed")
	}
}

func TestSyncAuditsUploads(t *testing.T) {
	env := newTestEnv(t)
	syncOne(t, env)

	entries, _ := env.audit.Recent(context.Background(), 10)
	actions := map[string]int{}
	for _, e := range entries {
		actions[e.Action]++
	}
	if actions["upload"] != 1 || actions["sync"] != 1 {
		t.Errorf("audited actions = %v", actions)
	}
}

func auditedActions(t *testing.T, env *testEnv) map[string]int {
	t.Helper()
	entries, err := env.audit.Recent(context.Background(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	actions := map[string]int{}
	for _, e := range entries {
		actions[e.Action]++
	}
	return actions
}

func TestRemoteStateChecksAndListingAreAudited(t *testing.T) {
	env := newTestEnv(t)
	remoteID := syncOne(t, env)
	before := auditedActions(t, env)
	pollsBefore := env.index.polls
	env.index.states = []models.ProcessingState{models.StateProcessing, models.StateProcessing, models.StateActive}

	if _, err := env.client.AwaitProcessing(context.Background(), remoteID, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := env.client.ListRemote(context.Background()); err != nil {
		t.Fatal(err)
	}

	after := auditedActions(t, env)
	polls := env.index.polls - pollsBefore
	if got := after["get_state"] - before["get_state"]; got != polls || got != 3 {
		t.Errorf("get_state entries = %d, polls = %d", got, polls)
	}
	if got := after["list"] - before["list"]; got != 1 {
		t.Errorf("list entries = %d, want 1", got)
	}
}

func TestDiscardedRemoteIsAudited(t *testing.T) {
	store := &failingRemoteStore{
		MemoryRemoteFileRepository: repository.NewMemoryRemoteFileRepository(),
		createErr:                  errors.New("database unavailable"),
	}
	env := newTestEnv(t, IndexWithRemoteFileStore(store))
	writeDoc(t, env.root, "policies", "a.pdf", "content")
	mustSync(t, env, SyncOptions{})

	if got := auditedActions(t, env)["discard"]; got != 1 {
		t.Errorf("discard entries = %d, want 1", got)
	}
}

func TestRestoreMissingBringsBackIndexedDocuments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	archive, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	WithArchive(archive)(env.docs)

	syncOne(t, env)
	path := filepath.Join(env.root, "policies", "a.pdf")
	hash := hashOf(t, env, path)
	if _, err := archive.Upload(ctx, hash, strings.NewReader("content")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	restored, err := env.client.RestoreMissing(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 1 || restored[0].IdentityHash != hash || restored[0].LocalPath != path {
		t.Fatalf("restored = %+v", restored)
	}
	if auditedActions(t, env)["restore"] != 1 {
		t.Error("restore not audited")
	}

	// Nothing is missing any more
	restored, err = env.client.RestoreMissing(ctx, "")
	if err != nil || len(restored) != 0 {
		t.Errorf("second run: restored=%v err=%v", restored, err)
	}
}

func TestRestoreMissingReportsUnarchivedDocuments(t *testing.T) {
	env := newTestEnv(t)
	syncOne(t, env)
	if err := os.Remove(filepath.Join(env.root, "policies", "a.pdf")); err != nil {
		t.Fatal(err)
	}

	restored, err := env.client.RestoreMissing(context.Background(), "")
	var nf *NotFoundError
	if len(restored) != 0 || !errors.As(err, &nf) {
		t.Errorf("restored=%v err=%v", restored, err)
	}
}
