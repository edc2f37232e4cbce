package repository

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"biosure-backend/models"

	"golang.org/x/crypto/sha3"
)

// JSONLAuditRepository appends audit entries to a JSON Lines file. Each entry
// carries the hash of its predecessor so truncation or edits are detectable.
type JSONLAuditRepository struct {
	path string
	mu   sync.Mutex
	f    *os.File
	last string
}

// NewJSONLAuditRepository opens path for appending, creating it if needed, and
// resumes the hash chain from the last entry already in the file.
func NewJSONLAuditRepository(path string) (*JSONLAuditRepository, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	last, err := lastChainHash(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &JSONLAuditRepository{path: path, f: f, last: last}, nil
}

func lastChainHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e models.AuditEntry
		if len(sc.Bytes()) == 0 || json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		last = e.Hash
	}
	return last, sc.Err()
}

// chainHash is SHA3-256 over the predecessor hash and the entry with its own hash cleared
func chainHash(prev string, e models.AuditEntry) (string, error) {
	e.PrevHash = prev
	e.Hash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(append([]byte(prev), data...))
	return hex.EncodeToString(sum[:]), nil
}

// Write appends one entry
func (r *JSONLAuditRepository) Write(ctx context.Context, e models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return os.ErrClosed
	}

	hash, err := chainHash(r.last, e)
	if err != nil {
		return err
	}
	e.PrevHash = r.last
	e.Hash = hash

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := r.f.Write(append(data, '\n')); err != nil {
		return err
	}
	r.last = hash
	return nil
}

// Recent reads the newest entries back from the file, newest first
func (r *JSONLAuditRepository) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tail []models.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e models.AuditEntry
		if len(sc.Bytes()) == 0 || json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		tail = append(tail, e)
		if len(tail) > limit {
			tail = tail[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]models.AuditEntry, 0, len(tail))
	for i := len(tail) - 1; i >= 0; i-- {
		out = append(out, tail[i])
	}
	return out, nil
}

// Close closes the underlying file
func (r *JSONLAuditRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// VerifyAuditChain re-computes every hash in the file and reports the first
// line where the chain breaks. It returns the number of entries checked.
func VerifyAuditChain(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	prev := ""
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		n++
		var e models.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return n, fmt.Errorf("line %d: %w", n, err)
		}
		if e.PrevHash != prev {
			return n, fmt.Errorf("line %d: previous hash mismatch", n)
		}
		want, err := chainHash(prev, e)
		if err != nil {
			return n, err
		}
		if e.Hash != want {
			return n, fmt.Errorf("line %d: hash mismatch", n)
		}
		prev = e.Hash
	}
	return n, sc.Err()
}
