// Package results persists classified audit records and computes the
// completed-task index that makes pipeline stages resumable.
//
// Layout: one directory per category, one file per task identity named
// <repo_id>_<identity_name>_audit.json. ERROR records carry an extra reason
// suffix (.api_fail, .parse_err, .status_missing). Records are written once
// and never mutated; their existence is the sole idempotence signal.
package results

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"skillscan/internal/logging"
)

// Category is the final classification bucket for an analyzed task.
type Category string

const (
	CategorySafe       Category = "SAFE"
	CategorySuspicious Category = "SUSPICIOUS"
	CategoryMalicious  Category = "MALICIOUS"
	CategoryError      Category = "ERROR"
)

// Categories lists all buckets in reporting order.
var Categories = []Category{CategorySafe, CategorySuspicious, CategoryMalicious, CategoryError}

// ResultSuffix is the common filename suffix for result records.
const ResultSuffix = "_audit.json"

// Reason codes appended to ERROR filenames.
const (
	ReasonToolFailure        = "TOOL_FAILURE"
	ReasonInvalidJSON        = "INVALID_JSON"
	ReasonStatusMissing      = "STATUS_MISSING"
	ReasonUnrecognizedStatus = "UNRECOGNIZED_STATUS"
)

// reasonSuffixes maps ERROR reasons to their filename suffixes, mirroring the
// extensions left behind by earlier tooling so old and new results index the
// same way.
var reasonSuffixes = map[string]string{
	ReasonToolFailure:        ".api_fail",
	ReasonInvalidJSON:        ".parse_err",
	ReasonStatusMissing:      ".status_missing",
	ReasonUnrecognizedStatus: ".bad_status",
}

// Store writes result records under a root directory.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// CategoryDir returns the directory for one category.
func (s *Store) CategoryDir(c Category) string {
	return filepath.Join(s.root, string(c))
}

// EnsureDirs creates every category directory.
func (s *Store) EnsureDirs() error {
	for _, c := range Categories {
		if err := os.MkdirAll(s.CategoryDir(c), 0755); err != nil {
			return fmt.Errorf("failed to create result directory %s: %w", c, err)
		}
	}
	return nil
}

// Path returns the record path for an identity in a category. For ERROR
// records the reason selects an extra suffix.
func (s *Store) Path(identity string, c Category, reason string) string {
	name := identity + ResultSuffix
	if c == CategoryError {
		if suffix, ok := reasonSuffixes[reason]; ok {
			name += suffix
		}
	}
	return filepath.Join(s.CategoryDir(c), name)
}

// Write persists a record. First writer wins: identities are unique within
// one queue run, so an existing record is left untouched.
func (s *Store) Write(identity string, c Category, reason string, payload []byte) error {
	path := s.Path(identity, c, reason)
	if _, err := os.Stat(path); err == nil {
		logging.Results("Record exists, keeping first writer: %s", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create result directory: %w", err)
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("failed to write result %s: %w", path, err)
	}
	logging.Results("Wrote %s record for %s", c, identity)
	return nil
}

// Exists reports whether identity already has a record in any category.
func (s *Store) Exists(identity string) bool {
	for _, c := range Categories {
		matches, _ := filepath.Glob(filepath.Join(s.CategoryDir(c), identity+ResultSuffix+"*"))
		if len(matches) > 0 {
			return true
		}
	}
	return false
}

// ClearAll removes every record in every category. Used by --force reruns.
func (s *Store) ClearAll() error {
	for _, c := range Categories {
		entries, err := os.ReadDir(s.CategoryDir(c))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to list %s: %w", c, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(s.CategoryDir(c), e.Name())); err != nil {
				return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
			}
		}
	}
	logging.Results("Cleared all result records under %s", s.root)
	return nil
}

// identityFromFilename strips the result suffix chain from a record filename.
// Returns "" for files that are not result records.
func identityFromFilename(name string) string {
	i := strings.Index(name, ResultSuffix)
	if i <= 0 {
		return ""
	}
	return name[:i]
}

// Index enumerates prior result records per category.
type Index struct {
	byCategory map[Category]map[string]bool
}

// BuildIndex scans every category directory under root. Missing directories
// are treated as empty, so a fresh workspace indexes cleanly.
func BuildIndex(root string) (*Index, error) {
	idx := &Index{byCategory: make(map[Category]map[string]bool)}
	for _, c := range Categories {
		idx.byCategory[c] = make(map[string]bool)
		dir := filepath.Join(root, string(c))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to scan result directory %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if id := identityFromFilename(e.Name()); id != "" {
				idx.byCategory[c][id] = true
			}
		}
	}
	logging.Queue("Result index: %d SAFE, %d SUSPICIOUS, %d MALICIOUS, %d ERROR",
		len(idx.byCategory[CategorySafe]), len(idx.byCategory[CategorySuspicious]),
		len(idx.byCategory[CategoryMalicious]), len(idx.byCategory[CategoryError]))
	return idx, nil
}

// Completed returns identities terminally resolved with a verdict. ERROR
// records are deliberately excluded so rerunning the stage retries them.
func (idx *Index) Completed() map[string]bool {
	done := make(map[string]bool)
	for _, c := range []Category{CategorySafe, CategorySuspicious, CategoryMalicious} {
		for id := range idx.byCategory[c] {
			done[id] = true
		}
	}
	return done
}

// InCategory returns the identities recorded under one category.
func (idx *Index) InCategory(c Category) []string {
	ids := make([]string, 0, len(idx.byCategory[c]))
	for id := range idx.byCategory[c] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns how many identities are recorded under one category.
func (idx *Index) Count(c Category) int {
	return len(idx.byCategory[c])
}
