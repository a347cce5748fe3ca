package task

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"skillscan/internal/logging"
)

// LoadQueue reads a queue file. Blank lines are skipped; a malformed line
// aborts the load since a corrupt queue should be fixed, not silently
// truncated.
func LoadQueue(path string) ([]Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue %s: %w", path, err)
	}
	defer f.Close()

	var tasks []Task
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		t, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("queue %s line %d: %w", path, lineNo, err)
		}
		tasks = append(tasks, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue %s: %w", path, err)
	}

	logging.Queue("Loaded %d tasks from %s", len(tasks), path)
	return tasks, nil
}

// WriteQueue writes tasks to a queue file, one line per task, creating parent
// directories as needed.
func WriteQueue(path string, tasks []Task) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, t := range tasks {
		if _, err := fmt.Fprintln(w, t.Line()); err != nil {
			return fmt.Errorf("failed to write queue %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush queue %s: %w", path, err)
	}

	logging.Queue("Wrote %d tasks to %s", len(tasks), path)
	return nil
}

// BuildQueue filters raw tasks against the set of already-completed
// identities, preserving input order. Completed identities come from the
// result index; tasks whose prior outcome was ERROR are not in the set, so
// rerunning the stage retries them. This is the pipeline's only retry
// mechanism.
func BuildQueue(raw []Task, completed map[string]bool) []Task {
	todo := make([]Task, 0, len(raw))
	skipped := 0
	for _, t := range raw {
		if completed[t.Identity()] {
			skipped++
			continue
		}
		todo = append(todo, t)
	}
	logging.Queue("Queue build: %d raw, %d completed, %d todo", len(raw), skipped, len(todo))
	return todo
}
