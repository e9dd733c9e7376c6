package executor

import (
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/pact/internal/contract"
	"github.com/fyrsmithlabs/pact/internal/security"
)

// maxOutputSummary bounds the output carried into evidence records.
const maxOutputSummary = 4096

// Runner executes a single gate-validated step.
type Runner interface {
	Run(ctx context.Context, step *contract.Step) (string, error)
}

// OSRunner runs steps against the real filesystem and OS processes. All
// relative paths resolve under Root.
type OSRunner struct {
	// Root is the project root.
	Root string

	// Gate filters the environment handed to child processes.
	Gate *security.Gate
}

// Run implements Runner.
func (r *OSRunner) Run(ctx context.Context, step *contract.Step) (string, error) {
	switch step.Kind {
	case contract.StepExec:
		return r.runExec(ctx, step.Exec)
	case contract.StepWriteFile:
		return r.runWriteFile(step.WriteFile)
	case contract.StepReplace:
		return r.runReplace(step.Replace)
	case contract.StepInternal:
		return r.runInternal(ctx, step.Internal)
	default:
		return "", fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// runExec spawns the argument vector directly. No shell is ever involved.
func (r *OSRunner) runExec(ctx context.Context, payload *contract.ExecPayload) (string, error) {
	cmd := osexec.CommandContext(ctx, payload.Argv[0], payload.Argv[1:]...)

	cmd.Dir = r.Root
	if payload.Dir != "" {
		cmd.Dir = filepath.Join(r.Root, payload.Dir)
	}
	if r.Gate != nil {
		cmd.Env = r.Gate.FilterEnv(os.Environ())
	}

	output, err := cmd.CombinedOutput()
	summary := summarize(string(output))

	if ctx.Err() == context.DeadlineExceeded {
		return summary, context.DeadlineExceeded
	}
	if err != nil {
		return summary, fmt.Errorf("command %q: %w", payload.Argv[0], err)
	}
	return summary, nil
}

func (r *OSRunner) runWriteFile(payload *contract.WriteFilePayload) (string, error) {
	path := filepath.Join(r.Root, payload.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	if err := atomicWriteFile(path, []byte(payload.Content)); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(payload.Content), payload.Path), nil
}

func (r *OSRunner) runReplace(payload *contract.ReplacePayload) (string, error) {
	path := filepath.Join(r.Root, payload.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", payload.Path, err)
	}

	count := strings.Count(string(data), payload.Find)
	if count == 0 {
		return "", fmt.Errorf("replace: %q not found in %s", payload.Find, payload.Path)
	}

	replaced := strings.ReplaceAll(string(data), payload.Find, payload.Replace)
	if err := atomicWriteFile(path, []byte(replaced)); err != nil {
		return "", err
	}
	return fmt.Sprintf("replaced %d occurrence(s) in %s", count, payload.Path), nil
}

func (r *OSRunner) runInternal(ctx context.Context, payload *contract.InternalPayload) (string, error) {
	switch payload.Op {
	case "noop":
		return "noop", nil
	case "sleep":
		d, err := time.ParseDuration(payload.Args["duration"])
		if err != nil {
			return "", fmt.Errorf("sleep: %w", err)
		}
		select {
		case <-time.After(d):
			return fmt.Sprintf("slept %s", d), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	default:
		return "", fmt.Errorf("unknown internal op %q", payload.Op)
	}
}

// atomicWriteFile writes via temp-then-rename so readers never see a
// partial file.
func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// summarize trims output for evidence records.
func summarize(output string) string {
	output = strings.TrimSpace(output)
	if len(output) > maxOutputSummary {
		return output[:maxOutputSummary] + "... [truncated]"
	}
	return output
}
