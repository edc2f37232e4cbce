package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"biosure-backend/models"
	"biosure-backend/repository"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// RemoteFileStore persists remote file handles
type RemoteFileStore interface {
	Create(ctx context.Context, h *models.RemoteFileHandle) error
	GetByRemoteID(ctx context.Context, remoteID string) (*models.RemoteFileHandle, error)
	ListByIdentityHash(ctx context.Context, identityHash string) ([]*models.RemoteFileHandle, error)
	List(ctx context.Context, states ...models.ProcessingState) ([]*models.RemoteFileHandle, error)
	UpdateState(ctx context.Context, remoteID string, next models.ProcessingState, at time.Time) error
	Replace(ctx context.Context, h *models.RemoteFileHandle) ([]*models.RemoteFileHandle, error)
	Delete(ctx context.Context, remoteID string) error
}

// RemoteIndexClient keeps the local document store and the remote index in step
type RemoteIndexClient struct {
	docs          *DocumentStore
	index         RemoteIndex
	repo          RemoteFileStore
	audit         *AuditLog
	clock         Clock
	uploadBackoff Backoff
	pollBackoff   Backoff
	workers       int
	logger        *slog.Logger

	flight singleflight.Group
}

// RemoteIndexClientOption is a functional option for RemoteIndexClient
type RemoteIndexClientOption func(*RemoteIndexClient)

// IndexWithDocumentStore sets the local document store
func IndexWithDocumentStore(docs *DocumentStore) RemoteIndexClientOption {
	return func(c *RemoteIndexClient) {
		c.docs = docs
	}
}

// IndexWithRemoteIndex sets the remote index
func IndexWithRemoteIndex(index RemoteIndex) RemoteIndexClientOption {
	return func(c *RemoteIndexClient) {
		c.index = index
	}
}

// IndexWithRemoteFileStore sets the handle repository
func IndexWithRemoteFileStore(repo RemoteFileStore) RemoteIndexClientOption {
	return func(c *RemoteIndexClient) {
		c.repo = repo
	}
}

// IndexWithAuditLog sets the audit log
func IndexWithAuditLog(audit *AuditLog) RemoteIndexClientOption {
	return func(c *RemoteIndexClient) {
		c.audit = audit
	}
}

// IndexWithClock sets the clock used for backoff and polling
func IndexWithClock(clock Clock) RemoteIndexClientOption {
	return func(c *RemoteIndexClient) {
		c.clock = clock
	}
}

// IndexWithUploadBackoff sets the retry schedule for remote calls
func IndexWithUploadBackoff(b Backoff) RemoteIndexClientOption {
	return func(c *RemoteIndexClient) {
		c.uploadBackoff = b
	}
}

// IndexWithPollBackoff sets the polling schedule used by AwaitProcessing
func IndexWithPollBackoff(b Backoff) RemoteIndexClientOption {
	return func(c *RemoteIndexClient) {
		c.pollBackoff = b
	}
}

// IndexWithSyncWorkers bounds concurrent uploads within one sync
func IndexWithSyncWorkers(n int) RemoteIndexClientOption {
	return func(c *RemoteIndexClient) {
		c.workers = n
	}
}

// IndexWithLogger sets the logger
func IndexWithLogger(logger *slog.Logger) RemoteIndexClientOption {
	return func(c *RemoteIndexClient) {
		c.logger = logger
	}
}

// NewRemoteIndexClient creates a new remote index client
func NewRemoteIndexClient(opts ...RemoteIndexClientOption) *RemoteIndexClient {
	c := &RemoteIndexClient{
		clock:         RealClock(),
		uploadBackoff: Backoff{Initial: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2, MaxAttempts: 3},
		pollBackoff:   Backoff{Initial: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2},
		workers:       4,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.workers < 1 {
		c.workers = 1
	}
	c.logger = c.logger.With("component", "remote_index")
	return c
}

// SyncOptions controls a sync run
type SyncOptions struct {
	Category models.Category
	Force    bool
	// AwaitTimeout, when positive, waits for each uploaded file to finish processing
	AwaitTimeout time.Duration
}

type syncResult struct {
	outcome models.SyncOutcome
	handle  *models.RemoteFileHandle
	reason  string
}

// Sync uploads every scanned document that has no live remote handle, or every
// document when Force is set. Documents are processed by a bounded worker pool
// and uploads for the same identity hash are single-flighted across callers.
func (c *RemoteIndexClient) Sync(ctx context.Context, opts SyncOptions) (*models.SyncReport, error) {
	records, err := c.docs.Scan(ctx, opts.Category)
	if err != nil {
		return nil, err
	}

	logCtx := c.logger.With("category", string(opts.Category), "force", opts.Force)
	logCtx.Info("sync started", "documents", len(records))

	items := make([]models.SyncItem, len(records))
	firstByHash := make(map[string]int, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i, rec := range records {
		items[i] = models.SyncItem{IdentityHash: rec.IdentityHash, DisplayName: rec.DisplayName, LocalPath: rec.LocalPath}

		if first, dup := firstByHash[rec.IdentityHash]; dup {
			items[i].Outcome = models.SyncSkipped
			items[i].Reason = fmt.Sprintf("same content as %s", records[first].DisplayName)
			continue
		}
		firstByHash[rec.IdentityHash] = i

		g.Go(func() error {
			items[i] = c.syncOne(gctx, rec, opts, items[i])
			return nil
		})
	}
	_ = g.Wait()

	report := &models.SyncReport{Errors: []string{}, Items: make([]models.SyncItem, 0, len(items))}
	for _, item := range items {
		report.Add(item)
	}

	logCtx.Info("sync finished", "uploaded", report.Uploaded, "skipped", report.Skipped, "failed", report.Failed)
	c.audit.Record(ctx, "remote_index", "sync",
		map[string]any{"category": opts.Category, "force": opts.Force, "documents": len(records)},
		map[string]int{"uploaded": report.Uploaded, "skipped": report.Skipped, "failed": report.Failed},
		syncError(report))
	return report, nil
}

func syncError(r *models.SyncReport) error {
	if r.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d documents failed: %s", r.Failed, strings.Join(r.Errors, "; "))
}

func (c *RemoteIndexClient) syncOne(ctx context.Context, rec models.DocumentRecord, opts SyncOptions, item models.SyncItem) models.SyncItem {
	executed := false
	v, err, _ := c.flight.Do(rec.IdentityHash, func() (any, error) {
		executed = true
		return c.uploadDocument(ctx, rec, opts)
	})

	if err != nil {
		item.Outcome = models.SyncFailed
		item.Reason = err.Error()
		return item
	}

	res := v.(*syncResult)
	item.Outcome = res.outcome
	item.Reason = res.reason
	if res.handle != nil {
		item.RemoteID = res.handle.RemoteID
		item.State = res.handle.ProcessingState
	}
	if !executed && res.outcome == models.SyncUploaded {
		item.Outcome = models.SyncSkipped
		item.Reason = "uploaded by a concurrent sync"
	}
	return item
}

func liveHandle(handles []*models.RemoteFileHandle) (live, failed *models.RemoteFileHandle) {
	for _, h := range handles {
		if h.ProcessingState != models.StateFailed {
			if live == nil {
				live = h
			}
		} else if failed == nil {
			failed = h
		}
	}
	return live, failed
}

func (c *RemoteIndexClient) uploadDocument(ctx context.Context, rec models.DocumentRecord, opts SyncOptions) (*syncResult, error) {
	logCtx := c.logger.With("identityHash", rec.IdentityHash, "displayName", rec.DisplayName)

	existing, err := c.repo.ListByIdentityHash(ctx, rec.IdentityHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load remote handles: %w", err)
	}
	live, failed := liveHandle(existing)
	if !opts.Force {
		if live != nil {
			return &syncResult{
				outcome: models.SyncSkipped,
				handle:  live,
				reason:  fmt.Sprintf("already %s", live.ProcessingState),
			}, nil
		}
		if failed != nil {
			return &syncResult{
				outcome: models.SyncSkipped,
				handle:  failed,
				reason:  "remote processing FAILED; re-sync with force to retry",
			}, nil
		}
	}

	if err := c.docs.Validate(rec.LocalPath); err != nil {
		return nil, err
	}

	handle := &models.RemoteFileHandle{
		IdentityHash:    rec.IdentityHash,
		DisplayName:     rec.DisplayName,
		Category:        rec.Category,
		ProcessingState: models.StateUploading,
		MIMEType:        pdfMIMEType,
		LastStateCheck:  c.clock.Now(),
	}

	var uploaded *RemoteFile
	err = retryRemote(ctx, c.clock, c.uploadBackoff, "upload "+rec.DisplayName, func(ctx context.Context) error {
		f, err := os.Open(rec.LocalPath)
		if err != nil {
			return err
		}
		defer f.Close()
		uploaded, err = c.index.Upload(ctx, f, rec.DisplayName, pdfMIMEType)
		return err
	})
	c.audit.Record(ctx, "remote_index", "upload",
		map[string]string{"identityHash": rec.IdentityHash, "displayName": rec.DisplayName},
		uploaded, err)
	if err != nil {
		logCtx.Error("upload failed", "error", err)
		return nil, err
	}

	handle.RemoteID = uploaded.RemoteID
	handle.RemoteURI = uploaded.URI
	now := c.clock.Now()
	if err := handle.Advance(models.StateProcessing, now); err != nil {
		return nil, err
	}
	if uploaded.State.Terminal() {
		if err := handle.Advance(uploaded.State, now); err != nil {
			return nil, err
		}
	}

	if err := c.persist(ctx, handle, opts.Force); err != nil {
		c.discardRemote(ctx, handle.RemoteID)
		if errors.Is(err, repository.ErrConflict) {
			return &syncResult{outcome: models.SyncSkipped, reason: "uploaded by a concurrent sync"}, nil
		}
		return nil, fmt.Errorf("failed to record remote handle: %w", err)
	}
	logCtx.Info("document uploaded", "remoteId", handle.RemoteID, "state", handle.ProcessingState)

	if opts.AwaitTimeout > 0 && handle.ProcessingState == models.StateProcessing {
		state, err := c.AwaitProcessing(ctx, handle.RemoteID, opts.AwaitTimeout)
		if err != nil {
			logCtx.Warn("await processing failed", "remoteId", handle.RemoteID, "error", err)
		} else {
			handle.ProcessingState = state
		}
	}

	return &syncResult{outcome: models.SyncUploaded, handle: handle}, nil
}

// persist records a freshly uploaded handle. With force, older handles for the
// same document are swapped out atomically and their remote copies removed.
func (c *RemoteIndexClient) persist(ctx context.Context, h *models.RemoteFileHandle, force bool) error {
	if !force {
		return c.repo.Create(ctx, h)
	}
	replaced, err := c.repo.Replace(ctx, h)
	if err != nil {
		return err
	}
	for _, old := range replaced {
		if old.RemoteID != h.RemoteID {
			c.discardRemote(ctx, old.RemoteID)
		}
	}
	return nil
}

// discardRemote deletes a remote file that no handle refers to. It runs even if
// ctx is cancelled so a failed sync never leaves an untracked remote file.
func (c *RemoteIndexClient) discardRemote(ctx context.Context, remoteID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	err := retryRemote(ctx, c.clock, c.uploadBackoff, "delete "+remoteID, func(ctx context.Context) error {
		return c.index.Delete(ctx, remoteID)
	})
	c.audit.Record(ctx, "remote_index", "discard", remoteID, nil, err)
	var nf *NotFoundError
	if err != nil && !errors.As(err, &nf) {
		c.logger.Error("failed to discard remote file", "remoteId", remoteID, "error", err)
	}
}

// AwaitProcessing polls the remote index until the file is ACTIVE or FAILED or
// timeout elapses. On timeout it returns PROCESSING with a nil error and the
// handle is left as it was; the caller should retry later.
func (c *RemoteIndexClient) AwaitProcessing(ctx context.Context, remoteID string, timeout time.Duration) (models.ProcessingState, error) {
	h, err := c.repo.GetByRemoteID(ctx, remoteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", &NotFoundError{Kind: "remote file", Key: remoteID}
		}
		return "", err
	}
	if h.ProcessingState.Terminal() {
		return h.ProcessingState, nil
	}

	logCtx := c.logger.With("remoteId", remoteID)
	deadline := c.clock.Now().Add(timeout)

	for poll := 1; ; poll++ {
		rf, err := c.index.GetState(ctx, remoteID)
		c.audit.Record(ctx, "remote_index", "get_state", remoteID, rf, err)
		if err != nil {
			switch class, code := classifyRemote(err); class {
			case classNotFound:
				return h.ProcessingState, &NotFoundError{Kind: "remote file", Key: remoteID}
			case classPermanent:
				if ctx.Err() != nil {
					return h.ProcessingState, ctx.Err()
				}
				return h.ProcessingState, &RemoteRejectedError{Op: "get " + remoteID, Code: code, Err: err}
			default:
				logCtx.Warn("state poll failed, will retry", "poll", poll, "error", err)
			}
		} else if err := c.observe(ctx, h, rf.State); err != nil {
			return h.ProcessingState, err
		}

		if h.ProcessingState.Terminal() {
			return h.ProcessingState, nil
		}

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			logCtx.Info("still processing at timeout", "polls", poll)
			return h.ProcessingState, nil
		}
		delay := c.pollBackoff.Delay(poll)
		if delay > remaining {
			delay = remaining
		}
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return h.ProcessingState, err
		}
	}
}

// observe records a state reported by the remote index. Reports that would move
// the handle backwards are ignored.
func (c *RemoteIndexClient) observe(ctx context.Context, h *models.RemoteFileHandle, state models.ProcessingState) error {
	now := c.clock.Now()
	if state != h.ProcessingState && !h.ProcessingState.CanAdvance(state) {
		c.logger.Warn("ignoring backward state report", "remoteId", h.RemoteID, "have", h.ProcessingState, "reported", state)
		return nil
	}
	err := c.repo.UpdateState(ctx, h.RemoteID, state, now)
	if errors.Is(err, models.ErrInvalidTransition) {
		// Another writer advanced the handle first; adopt its view.
		fresh, getErr := c.repo.GetByRemoteID(ctx, h.RemoteID)
		if getErr != nil {
			return getErr
		}
		*h = *fresh
		return nil
	}
	if err != nil {
		return err
	}
	return h.Advance(state, now)
}

// QueryResult is a grounded or ungrounded answer
type QueryResult struct {
	Answer   string          `json:"answer"`
	Sources  []models.Source `json:"sources"`
	Grounded bool            `json:"grounded"`
}

// Query answers text against the ACTIVE documents, optionally limited to
// scopeIDs (remote ids or identity hashes). With no ACTIVE documents in scope
// the question is still answered but the result is not grounded.
func (c *RemoteIndexClient) Query(ctx context.Context, text string, scopeIDs []string) (*QueryResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ValidationError{Field: "question", Reason: "must not be empty"}
	}

	c.refreshProcessing(ctx)

	active, err := c.repo.List(ctx, models.StateActive)
	if err != nil {
		return nil, fmt.Errorf("failed to load active documents: %w", err)
	}
	active = inScope(active, scopeIDs)

	refs := make([]FileRef, len(active))
	byRemoteID := make(map[string]*models.RemoteFileHandle, len(active))
	for i, h := range active {
		refs[i] = FileRef{RemoteID: h.RemoteID, URI: h.RemoteURI, MIMEType: h.MIMEType, DisplayName: h.DisplayName}
		byRemoteID[h.RemoteID] = h
	}

	var answer *IndexAnswer
	err = retryRemote(ctx, c.clock, c.uploadBackoff, "query", func(ctx context.Context) error {
		var qErr error
		answer, qErr = c.index.Query(ctx, text, refs)
		return qErr
	})
	c.audit.Record(ctx, "remote_index", "query",
		map[string]any{"question": text, "scope": scopeIDs, "documents": len(refs)},
		answer, err)
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Answer: answer.Text, Sources: []models.Source{}}
	seen := map[string]bool{}
	for _, id := range answer.CitedRemoteIDs {
		h, ok := byRemoteID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		result.Sources = append(result.Sources, models.Source{Name: h.DisplayName, RemoteID: h.RemoteID, IdentityHash: h.IdentityHash})
	}
	result.Grounded = len(result.Sources) > 0
	return result, nil
}

func inScope(handles []*models.RemoteFileHandle, scopeIDs []string) []*models.RemoteFileHandle {
	if len(scopeIDs) == 0 {
		return handles
	}
	scope := make(map[string]bool, len(scopeIDs))
	for _, id := range scopeIDs {
		scope[id] = true
	}
	var out []*models.RemoteFileHandle
	for _, h := range handles {
		if scope[h.RemoteID] || scope[h.IdentityHash] {
			out = append(out, h)
		}
	}
	return out
}

// refreshProcessing checks each PROCESSING handle once so documents that became
// ACTIVE since the last sync are included in queries. Failures are only logged.
func (c *RemoteIndexClient) refreshProcessing(ctx context.Context) {
	pending, err := c.repo.List(ctx, models.StateProcessing)
	if err != nil {
		c.logger.Warn("failed to list processing handles", "error", err)
		return
	}
	for _, h := range pending {
		rf, err := c.index.GetState(ctx, h.RemoteID)
		c.audit.Record(ctx, "remote_index", "get_state", h.RemoteID, rf, err)
		if err != nil {
			c.logger.Warn("state refresh failed", "remoteId", h.RemoteID, "error", err)
			continue
		}
		if err := c.observe(ctx, h, rf.State); err != nil {
			c.logger.Warn("state refresh failed", "remoteId", h.RemoteID, "error", err)
		}
	}
}

// Delete removes a document locally and remotely and reports each side separately
func (c *RemoteIndexClient) Delete(ctx context.Context, identityHash string) (*models.DeleteResult, error) {
	identityHash = strings.ToLower(strings.TrimSpace(identityHash))
	if identityHash == "" {
		return nil, &ValidationError{Field: "identityHash", Reason: "must not be empty"}
	}

	handles, err := c.repo.ListByIdentityHash(ctx, identityHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load remote handles: %w", err)
	}

	result := &models.DeleteResult{IdentityHash: identityHash}
	removed, localErr := c.docs.Remove(ctx, identityHash)
	var nf *NotFoundError
	localMissing := errors.As(localErr, &nf)
	if localMissing && len(handles) == 0 {
		return nil, &NotFoundError{Kind: "document", Key: identityHash}
	}
	result.LocalPaths = removed
	switch {
	case localMissing:
	case localErr != nil:
		result.Errors = append(result.Errors, "local: "+localErr.Error())
	default:
		result.DeletedLocal = len(removed) > 0
	}

	remoteOK := len(handles) > 0
	for _, h := range handles {
		if err := c.deleteRemoteHandle(ctx, h.RemoteID); err != nil {
			remoteOK = false
			result.Errors = append(result.Errors, fmt.Sprintf("remote %s: %v", h.RemoteID, err))
			continue
		}
		result.RemoteIDs = append(result.RemoteIDs, h.RemoteID)
	}
	result.DeletedRemote = remoteOK

	var auditErr error
	if len(result.Errors) > 0 {
		auditErr = errors.New(strings.Join(result.Errors, "; "))
	}
	c.audit.Record(ctx, "remote_index", "delete", map[string]string{"identityHash": identityHash}, result, auditErr)
	return result, nil
}

// deleteRemoteHandle removes the remote file, then the handle. A file the
// remote index no longer knows about counts as deleted.
func (c *RemoteIndexClient) deleteRemoteHandle(ctx context.Context, remoteID string) error {
	err := retryRemote(ctx, c.clock, c.uploadBackoff, "delete "+remoteID, func(ctx context.Context) error {
		return c.index.Delete(ctx, remoteID)
	})
	c.audit.Record(ctx, "remote_index", "discard", remoteID, nil, err)
	var nf *NotFoundError
	if err != nil && !errors.As(err, &nf) {
		return err
	}
	if err := c.repo.Delete(ctx, remoteID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return nil
}

// DeleteRemote removes one remote file and its handle, whether or not the
// handle is tracked locally. It is used to clean up orphans.
func (c *RemoteIndexClient) DeleteRemote(ctx context.Context, remoteID string) error {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	_, getErr := c.repo.GetByRemoteID(ctx, remoteID)
	tracked := getErr == nil

	err := retryRemote(ctx, c.clock, c.uploadBackoff, "delete "+remoteID, func(ctx context.Context) error {
		return c.index.Delete(ctx, remoteID)
	})
	var nf *NotFoundError
	remoteMissing := errors.As(err, &nf)
	if err != nil && !remoteMissing {
		c.audit.Record(ctx, "remote_index", "delete_remote", remoteID, nil, err)
		return err
	}
	if remoteMissing && !tracked {
		return &NotFoundError{Kind: "remote file", Key: remoteID}
	}
	if tracked {
		if err := c.repo.Delete(ctx, remoteID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}
	c.audit.Record(ctx, "remote_index", "delete_remote", remoteID, map[string]bool{"tracked": tracked}, nil)
	return nil
}

// RemoteFileView joins a remote file with the local handle that tracks it
type RemoteFileView struct {
	RemoteID     string                 `json:"remote_id"`
	DisplayName  string                 `json:"display_name"`
	State        models.ProcessingState `json:"state"`
	URI          string                 `json:"uri"`
	Tracked      bool                   `json:"tracked"`
	IdentityHash string                 `json:"identity_hash,omitempty"`
}

// ListRemote returns every file the remote index holds, marking the ones
// without a local handle as untracked
func (c *RemoteIndexClient) ListRemote(ctx context.Context) ([]RemoteFileView, error) {
	var files []RemoteFile
	err := retryRemote(ctx, c.clock, c.uploadBackoff, "list", func(ctx context.Context) error {
		var lErr error
		files, lErr = c.index.List(ctx)
		return lErr
	})
	c.audit.Record(ctx, "remote_index", "list", nil, map[string]int{"files": len(files)}, err)
	if err != nil {
		return nil, err
	}
	handles, err := c.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.RemoteFileHandle, len(handles))
	for _, h := range handles {
		byID[h.RemoteID] = h
	}

	views := make([]RemoteFileView, 0, len(files))
	for _, f := range files {
		v := RemoteFileView{RemoteID: f.RemoteID, DisplayName: f.DisplayName, State: f.State, URI: f.URI}
		if h, ok := byID[f.RemoteID]; ok {
			v.Tracked = true
			v.IdentityHash = h.IdentityHash
		}
		views = append(views, v)
	}
	return views, nil
}

// DocumentStatus is a local document with the state of its live remote handle
type DocumentStatus struct {
	models.DocumentRecord
	RemoteID        string                 `json:"remote_id,omitempty"`
	ProcessingState models.ProcessingState `json:"processing_state,omitempty"`
}

// Documents lists local documents together with their remote state
func (c *RemoteIndexClient) Documents(ctx context.Context, category models.Category) ([]DocumentStatus, error) {
	records, err := c.docs.Scan(ctx, category)
	if err != nil {
		return nil, err
	}
	handles, err := c.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	byHash := map[string][]*models.RemoteFileHandle{}
	for _, h := range handles {
		byHash[h.IdentityHash] = append(byHash[h.IdentityHash], h)
	}

	out := make([]DocumentStatus, len(records))
	for i, r := range records {
		out[i] = DocumentStatus{DocumentRecord: r}
		live, failed := liveHandle(byHash[r.IdentityHash])
		if live == nil {
			live = failed
		}
		if live != nil {
			out[i].RemoteID = live.RemoteID
			out[i].ProcessingState = live.ProcessingState
		}
	}
	return out, nil
}

// RestoreMissing brings back archived copies of documents that have a live
// remote handle but no local file, so the index and the local tree agree
// again. Failures for individual documents are joined into err.
func (c *RemoteIndexClient) RestoreMissing(ctx context.Context, category models.Category) ([]models.DocumentRecord, error) {
	handles, err := c.repo.List(ctx, models.StateUploading, models.StateProcessing, models.StateActive)
	if err != nil {
		return nil, err
	}
	records, err := c.docs.Scan(ctx, category)
	if err != nil {
		return nil, err
	}
	local := make(map[string]bool, len(records))
	for _, r := range records {
		local[r.IdentityHash] = true
	}

	var restored []models.DocumentRecord
	var errs []error
	for _, h := range handles {
		if local[h.IdentityHash] || (category != "" && h.Category != category) {
			continue
		}
		rec, err := c.docs.Restore(ctx, h.Category, h.DisplayName+".pdf", h.IdentityHash)
		c.audit.Record(ctx, "document_store", "restore", h.IdentityHash, rec, err)
		if err != nil {
			c.logger.Warn("restore failed", "identityHash", h.IdentityHash, "remoteId", h.RemoteID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.DisplayName, err))
			continue
		}
		local[h.IdentityHash] = true
		restored = append(restored, *rec)
	}
	return restored, errors.Join(errs...)
}
