// Package task defines the audit task descriptor and the line-oriented queue
// format shared by the analysis and sandbox stages.
package task

import (
	"fmt"
	"strings"
)

// FieldSeparator delimits fields in a queue line.
const FieldSeparator = "|"

// Task is an immutable descriptor for one skill to audit.
// Identity (RepoID + Name) is globally unique within a pipeline stage and is
// used both as the dedup key and as the output filename stem.
type Task struct {
	Name      string // skill/identity name
	Path      string // target skill directory
	Prompt    string // analysis prompt for this skill
	RepoID    string // source repository identifier
	RiskLevel string // static-scan risk bucket (critical/high/medium/low/safe)
	TopLevel  string // whether the skill sits at the repo root
}

// Identity returns the unique key for this task.
func (t Task) Identity() string {
	return t.RepoID + "_" + t.Name
}

// Line serializes the task into queue-file form.
func (t Task) Line() string {
	return strings.Join([]string{t.Name, t.Path, t.Prompt, t.RepoID, t.RiskLevel, t.TopLevel}, FieldSeparator)
}

// ParseLine parses one queue line. Lines carry at least name, path and
// prompt; repo_id, risk_level and top_level default when absent so queues
// written by older tooling still load.
func ParseLine(line string) (Task, error) {
	parts := strings.Split(strings.TrimSpace(line), FieldSeparator)
	if len(parts) < 3 {
		return Task{}, fmt.Errorf("invalid task line (want >= 3 fields): %q", line)
	}

	t := Task{
		Name:      strings.TrimSpace(parts[0]),
		Path:      strings.TrimSpace(parts[1]),
		Prompt:    strings.TrimSpace(parts[2]),
		RepoID:    "unknown",
		RiskLevel: "unknown",
	}
	if t.Name == "" || t.Path == "" {
		return Task{}, fmt.Errorf("task line missing name or path: %q", line)
	}

	// Repo fields are optional one by one: a line carrying only some of
	// them keeps its present values, absent ones stay "unknown".
	if len(parts) >= 4 {
		if v := strings.TrimSpace(parts[3]); v != "" {
			t.RepoID = v
		}
	}
	if len(parts) >= 5 {
		if v := strings.TrimSpace(parts[4]); v != "" {
			t.RiskLevel = v
		}
	}
	if len(parts) >= 6 {
		t.TopLevel = strings.TrimSpace(parts[5])
	}
	return t, nil
}
