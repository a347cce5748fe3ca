package sandbox

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FileStat is the per-file fingerprint used for change detection. Size and
// mtime together catch every modification the agent can make without also
// flagging unread files.
type FileStat struct {
	Size  int64  `json:"size"`
	Mode  uint32 `json:"mode"`
	MTime int64  `json:"mtime_ns"`
}

// Snapshot is a point-in-time fingerprint of a directory tree, keyed by
// path relative to the root.
type Snapshot map[string]FileStat

// TakeSnapshot walks the tree under root. Unreadable entries are skipped:
// a vanishing temp file must not fail the baseline.
func TakeSnapshot(root string) (Snapshot, error) {
	snap := make(Snapshot)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		snap[rel] = FileStat{
			Size:  info.Size(),
			Mode:  uint32(info.Mode()),
			MTime: info.ModTime().UnixNano(),
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return nil, fmt.Errorf("snapshot of %s failed: %w", root, err)
	}
	return snap, nil
}

// ChangedFile describes one created or modified path.
type ChangedFile struct {
	Path    string `json:"path"`
	OldSize int64  `json:"old_size,omitempty"`
	NewSize int64  `json:"new_size"`
}

// Diff buckets filesystem changes between a baseline and the current state.
type Diff struct {
	Created  []ChangedFile `json:"created"`
	Modified []ChangedFile `json:"modified"`
	Deleted  []string      `json:"deleted"`
}

// Empty reports whether the diff contains no changes.
func (d *Diff) Empty() bool {
	return len(d.Created) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// DiffSnapshots compares a baseline against the current state of root.
func DiffSnapshots(baseline Snapshot, root string) (*Diff, error) {
	current, err := TakeSnapshot(root)
	if err != nil {
		return nil, err
	}

	d := &Diff{
		Created:  []ChangedFile{},
		Modified: []ChangedFile{},
		Deleted:  []string{},
	}

	for path, cur := range current {
		old, existed := baseline[path]
		if !existed {
			d.Created = append(d.Created, ChangedFile{Path: path, NewSize: cur.Size})
			continue
		}
		if old.Size != cur.Size || old.MTime != cur.MTime {
			d.Modified = append(d.Modified, ChangedFile{Path: path, OldSize: old.Size, NewSize: cur.Size})
		}
	}
	for path := range baseline {
		if _, exists := current[path]; !exists {
			d.Deleted = append(d.Deleted, path)
		}
	}

	sort.Slice(d.Created, func(i, j int) bool { return d.Created[i].Path < d.Created[j].Path })
	sort.Slice(d.Modified, func(i, j int) bool { return d.Modified[i].Path < d.Modified[j].Path })
	sort.Strings(d.Deleted)
	return d, nil
}

// WriteReport persists the diff as filesystem_changes.json in dir.
func (d *Diff) WriteReport(dir string) (string, error) {
	path := filepath.Join(dir, "filesystem_changes.json")
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode filesystem diff: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write filesystem diff: %w", err)
	}
	return path, nil
}
