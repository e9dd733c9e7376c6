// Package executor orchestrates contract execution: it takes a parsed
// contract through lock acquisition, gated step execution, cache
// consultation, and evidence recording, releasing every lock no matter how
// the run ends.
package executor

import (
	"fmt"
	"time"
)

// State is the executor's position in its lifecycle.
type State string

const (
	StateParsed     State = "parsed"
	StateLocking    State = "locking"
	StateExecuting  State = "executing"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ErrorKind categorizes step and run failures for evidence records and CLI
// exit codes.
type ErrorKind string

const (
	// ErrorKindParse marks a malformed contract. Nothing executes.
	ErrorKindParse ErrorKind = "parse_error"

	// ErrorKindSecurity marks a step rejected by the security gate. The
	// step is never attempted.
	ErrorKindSecurity ErrorKind = "security_violation"

	// ErrorKindLockConflict marks a resource held by another live agent.
	// Fatal for the whole contract; zero steps run.
	ErrorKindLockConflict ErrorKind = "lock_conflict"

	// ErrorKindTimeout marks a step that exceeded its execution budget.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindExecution marks a step whose operation returned a
	// non-success outcome.
	ErrorKindExecution ErrorKind = "execution_failure"

	// ErrorKindInternal marks an unexpected fault in the orchestrator
	// itself.
	ErrorKindInternal ErrorKind = "internal_error"
)

// OverallStatus summarizes a whole contract run.
type OverallStatus string

const (
	StatusSuccess        OverallStatus = "success"
	StatusPartialFailure OverallStatus = "partial_failure"
	StatusFatalFailure   OverallStatus = "fatal_failure"
)

// ExecutionResult is the outcome of one attempted step.
type ExecutionResult struct {
	StepIndex     int       `yaml:"step_index"`
	Kind          string    `yaml:"kind"`
	Succeeded     bool      `yaml:"succeeded"`
	DurationMS    int64     `yaml:"duration_ms"`
	OutputSummary string    `yaml:"output_summary,omitempty"`
	ErrorKind     ErrorKind `yaml:"error_kind,omitempty"`
	FromCache     bool      `yaml:"from_cache"`
	StartedAt     time.Time `yaml:"started_at,omitempty"`
	FinishedAt    time.Time `yaml:"finished_at,omitempty"`
}

// ExecutionRecord is the durable evidence of one contract run, written in
// the same structured format as the contract document for round-trip
// inspection.
type ExecutionRecord struct {
	TaskID  string   `yaml:"task_id"`
	Title   string   `yaml:"title,omitempty"`
	AgentID string   `yaml:"agent_id"`
	Gates   []string `yaml:"gates,omitempty"`

	// Plan marks a dry-run record: nothing executed, no resource mutated.
	Plan bool `yaml:"plan,omitempty"`

	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`

	Results       []ExecutionResult `yaml:"results"`
	OverallStatus OverallStatus     `yaml:"overall_status"`

	LocksAcquired        []string `yaml:"locks_acquired"`
	LocksReleasedCleanly bool     `yaml:"locks_released_cleanly"`

	Warnings []string `yaml:"warnings,omitempty"`
}

// LockConflictError reports an acquisition blocked by another live agent.
type LockConflictError struct {
	BlockingAgent    string
	BlockingResource string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock conflict: %s held by %s", e.BlockingResource, e.BlockingAgent)
}

// StepsFailedError reports a run in which one or more steps failed.
type StepsFailedError struct {
	Failed int
}

func (e *StepsFailedError) Error() string {
	return fmt.Sprintf("%d step(s) failed", e.Failed)
}
