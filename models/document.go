package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category represents the kind of document held in the local store
type Category string

const (
	CategoryResearch Category = "research"
	CategoryPolicy   Category = "policy"
	CategoryContract Category = "contract"
	CategoryClinical Category = "clinical"
)

// ErrUnknownCategory is returned when a category string is not recognised
var ErrUnknownCategory = errors.New("unknown document category")

// AllCategories returns every category in display order
func AllCategories() []Category {
	return []Category{CategoryResearch, CategoryPolicy, CategoryContract, CategoryClinical}
}

// ParseCategory parses a category name, accepting the directory-style plural
// aliases used on disk (research_papers, policies, contracts).
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "research", "research_papers":
		return CategoryResearch, nil
	case "policy", "policies":
		return CategoryPolicy, nil
	case "contract", "contracts":
		return CategoryContract, nil
	case "clinical":
		return CategoryClinical, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// DocumentRecord represents a document found in the local store
type DocumentRecord struct {
	IdentityHash string    `json:"identity_hash"`
	DisplayName  string    `json:"display_name"`
	Category     Category  `json:"category"`
	SizeBytes    int64     `json:"size_bytes"`
	LocalPath    string    `json:"local_path"`
	LastModified time.Time `json:"last_modified"`
}

// DeleteResult reports the outcome of deleting a document, per side
type DeleteResult struct {
	IdentityHash  string   `json:"identity_hash"`
	DeletedLocal  bool     `json:"deleted_local"`
	DeletedRemote bool     `json:"deleted_remote"`
	LocalPaths    []string `json:"local_paths,omitempty"`
	RemoteIDs     []string `json:"remote_ids,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}
