package executor

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EvidenceWriter persists execution records under a single directory, one
// file per run. Files are written atomically so a crash mid-write never
// leaves a truncated record.
type EvidenceWriter struct {
	dir string
}

// NewEvidenceWriter creates a writer rooted at dir, creating it if needed.
func NewEvidenceWriter(dir string) (*EvidenceWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &EvidenceWriter{dir: dir}, nil
}

// Write serializes the record and returns the path it was written to.
// Records are named <task_id>-<finished_at>.yaml; the timestamp keeps
// repeated runs of the same task from clobbering each other.
func (w *EvidenceWriter) Write(record *ExecutionRecord) (string, error) {
	data, err := yaml.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}

	name := fmt.Sprintf("%s-%s.yaml", record.TaskID, record.FinishedAt.UTC().Format("20060102T150405.000Z"))
	path := filepath.Join(w.dir, name)

	tmp, err := os.CreateTemp(w.dir, ".record-*")
	if err != nil {
		return "", fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("finalize record: %w", err)
	}
	return path, nil
}

// List returns the evidence file paths for a task, or all records when
// taskID is empty, sorted by name (and therefore by finish time per task).
func (w *EvidenceWriter) List(taskID string) ([]string, error) {
	pattern := "*.yaml"
	if taskID != "" {
		pattern = taskID + "-*.yaml"
	}
	matches, err := filepath.Glob(filepath.Join(w.dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	return matches, nil
}
