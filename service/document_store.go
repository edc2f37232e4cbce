package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"biosure-backend/models"
	"biosure-backend/storage"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const pdfMIMEType = "application/pdf"

// PDFValidator reports whether the file at path is a well-formed PDF
type PDFValidator func(path string) error

// DocumentStore owns the local document directory tree
type DocumentStore struct {
	root        string
	directories map[models.Category]string
	maxBytes    int64
	validate    PDFValidator
	archive     storage.Storage
	logger      *slog.Logger

	saveMu sync.Mutex
}

// DocumentStoreOption is a functional option for DocumentStore
type DocumentStoreOption func(*DocumentStore)

// WithCategoryDirectories overrides the directory used for each category
func WithCategoryDirectories(dirs map[models.Category]string) DocumentStoreOption {
	return func(s *DocumentStore) {
		for c, d := range dirs {
			s.directories[c] = d
		}
	}
}

// WithMaxDocumentBytes sets the largest document accepted
func WithMaxDocumentBytes(n int64) DocumentStoreOption {
	return func(s *DocumentStore) {
		s.maxBytes = n
	}
}

// WithPDFValidator replaces the pdfcpu-based validator
func WithPDFValidator(v PDFValidator) DocumentStoreOption {
	return func(s *DocumentStore) {
		s.validate = v
	}
}

// WithArchive mirrors saved documents into a content-addressed archive
func WithArchive(archive storage.Storage) DocumentStoreOption {
	return func(s *DocumentStore) {
		s.archive = archive
	}
}

// WithDocumentLogger sets the logger
func WithDocumentLogger(logger *slog.Logger) DocumentStoreOption {
	return func(s *DocumentStore) {
		s.logger = logger
	}
}

// NewDocumentStore creates a document store rooted at root
func NewDocumentStore(root string, opts ...DocumentStoreOption) *DocumentStore {
	s := &DocumentStore{
		root: root,
		directories: map[models.Category]string{
			models.CategoryResearch: "research_papers",
			models.CategoryPolicy:   "policies",
			models.CategoryContract: "contracts",
			models.CategoryClinical: "clinical",
		},
		maxBytes: 50 * 1024 * 1024,
		validate: ValidatePDF,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "document_store")
	return s
}

// ValidatePDF checks structure with pdfcpu in relaxed mode and requires at least one page
func ValidatePDF(path string) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return err
	}
	pages, err := api.PageCountFile(path)
	if err != nil {
		return err
	}
	if pages == 0 {
		return errors.New("document has no pages")
	}
	return nil
}

func (s *DocumentStore) categoryDir(c models.Category) (string, error) {
	dir, ok := s.directories[c]
	if !ok {
		return "", &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", c)}
	}
	return filepath.Join(s.root, dir), nil
}

// Scan walks the document tree and returns every PDF with its identity hash,
// sorted by category then path. An empty category scans all categories.
// Scan never modifies the tree.
func (s *DocumentStore) Scan(ctx context.Context, category models.Category) ([]models.DocumentRecord, error) {
	categories := models.AllCategories()
	if category != "" {
		if _, err := s.categoryDir(category); err != nil {
			return nil, err
		}
		categories = []models.Category{category}
	}

	var records []models.DocumentRecord
	for _, c := range categories {
		dir, err := s.categoryDir(c)
		if err != nil {
			return nil, err
		}
		found, err := s.scanDir(ctx, c, dir)
		if err != nil {
			return nil, err
		}
		records = append(records, found...)
	}
	return records, nil
}

func (s *DocumentStore) scanDir(ctx context.Context, c models.Category, dir string) ([]models.DocumentRecord, error) {
	var records []models.DocumentRecord
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipDir
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isPDFName(d.Name()) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rec, err := describe(path, c)
		if err != nil {
			// A file removed mid-scan is simply not part of this scan
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		records = append(records, *rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].LocalPath < records[j].LocalPath })
	return records, nil
}

func isPDFName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

func displayName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// describe streams the file through SHA-256 and returns its record
func describe(path string, c models.Category) (*models.DocumentRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return &models.DocumentRecord{
		IdentityHash: hex.EncodeToString(h.Sum(nil)),
		DisplayName:  displayName(path),
		Category:     c,
		SizeBytes:    size,
		LocalPath:    path,
		LastModified: info.ModTime().UTC(),
	}, nil
}

// Validate confirms the file is a PDF of acceptable size that parses cleanly
func (s *DocumentStore) Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &NotFoundError{Kind: "document", Key: path}
		}
		return err
	}
	if info.IsDir() {
		return &ValidationError{Field: "path", Reason: "is a directory", Err: ErrInvalidDocument}
	}
	if !isPDFName(path) {
		return &ValidationError{Field: "path", Reason: "only PDF documents are supported", Err: ErrInvalidDocument}
	}
	if info.Size() == 0 {
		return &ValidationError{Field: "path", Reason: "document is empty", Err: ErrInvalidDocument}
	}
	if s.maxBytes > 0 && info.Size() > s.maxBytes {
		return &ValidationError{
			Field:  "path",
			Reason: fmt.Sprintf("document exceeds maximum of %d bytes", s.maxBytes),
			Err:    ErrInvalidDocument,
		}
	}
	if err := s.validate(path); err != nil {
		return &ValidationError{
			Field:  "path",
			Reason: "not a well-formed PDF",
			Err:    fmt.Errorf("%w: %v", ErrInvalidDocument, err),
		}
	}
	return nil
}

// Find returns every local copy of the document with the given identity hash
func (s *DocumentStore) Find(ctx context.Context, identityHash string) ([]models.DocumentRecord, error) {
	all, err := s.Scan(ctx, "")
	if err != nil {
		return nil, err
	}
	var matches []models.DocumentRecord
	for _, r := range all {
		if r.IdentityHash == identityHash {
			matches = append(matches, r)
		}
	}
	return matches, nil
}

// Save writes an uploaded document into its category directory. The content is
// validated before it becomes visible to Scan; name collisions get a numeric suffix.
func (s *DocumentStore) Save(ctx context.Context, category models.Category, filename string, r io.Reader) (*models.DocumentRecord, error) {
	rec, err := s.save(category, filename, r)
	if err != nil {
		return nil, err
	}
	s.archiveCopy(ctx, rec)
	s.logger.Info("document saved", "identityHash", rec.IdentityHash, "path", rec.LocalPath, "bytes", rec.SizeBytes)
	return rec, nil
}

func (s *DocumentStore) save(category models.Category, filename string, r io.Reader) (*models.DocumentRecord, error) {
	dir, err := s.categoryDir(category)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || strings.HasPrefix(name, ".") || !isPDFName(name) {
		return nil, &ValidationError{Field: "file", Reason: "only PDF documents are supported", Err: ErrInvalidDocument}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	closeErr := tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to write file: %w", closeErr)
	}
	if written > s.maxBytes {
		return nil, &ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("document exceeds maximum of %d bytes", s.maxBytes),
			Err:    ErrInvalidDocument,
		}
	}
	if written == 0 {
		return nil, &ValidationError{Field: "file", Reason: "document is empty", Err: ErrInvalidDocument}
	}
	if err := s.validate(tmpPath); err != nil {
		return nil, &ValidationError{Field: "file", Reason: "not a well-formed PDF", Err: fmt.Errorf("%w: %v", ErrInvalidDocument, err)}
	}

	s.saveMu.Lock()
	final := availableName(dir, name)
	err = os.Rename(tmpPath, final)
	s.saveMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	return describe(final, category)
}

// Restore copies an archived document back into category as filename. The
// restored file goes through the same checks as an upload and must still hash
// to identityHash.
func (s *DocumentStore) Restore(ctx context.Context, category models.Category, filename, identityHash string) (*models.DocumentRecord, error) {
	if s.archive == nil {
		return nil, &NotFoundError{Kind: "archived document", Key: identityHash}
	}
	rc, err := s.archive.Download(ctx, identityHash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &NotFoundError{Kind: "archived document", Key: identityHash}
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	rec, err := s.save(category, filename, rc)
	if err != nil {
		return nil, err
	}
	if rec.IdentityHash != identityHash {
		os.Remove(rec.LocalPath)
		return nil, fmt.Errorf("archived copy of %s has hash %s", identityHash, rec.IdentityHash)
	}
	s.logger.Info("document restored from archive", "identityHash", identityHash, "path", rec.LocalPath)
	return rec, nil
}

func availableName(dir, name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	ext := filepath.Ext(name)
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}
}

func (s *DocumentStore) archiveCopy(ctx context.Context, rec *models.DocumentRecord) {
	if s.archive == nil {
		return
	}
	f, err := os.Open(rec.LocalPath)
	if err != nil {
		s.logger.Warn("archive skipped", "identityHash", rec.IdentityHash, "error", err)
		return
	}
	defer f.Close()
	if _, err := s.archive.Upload(ctx, rec.IdentityHash, f); err != nil {
		s.logger.Warn("archive upload failed", "identityHash", rec.IdentityHash, "error", err)
	}
}

// Remove deletes every local copy of a document and its archived copy.
// It returns the removed paths; failures on individual files are joined into err.
func (s *DocumentStore) Remove(ctx context.Context, identityHash string) ([]string, error) {
	matches, err := s.Find(ctx, identityHash)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, &NotFoundError{Kind: "document", Key: identityHash}
	}

	var removed []string
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", m.LocalPath, err))
			continue
		}
		removed = append(removed, m.LocalPath)
	}
	if s.archive != nil && len(errs) == 0 {
		if err := s.archive.Delete(ctx, identityHash); err != nil {
			s.logger.Warn("archive delete failed", "identityHash", identityHash, "error", err)
		}
	}
	return removed, errors.Join(errs...)
}
