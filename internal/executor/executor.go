package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pact/internal/cache"
	"github.com/fyrsmithlabs/pact/internal/contract"
	"github.com/fyrsmithlabs/pact/internal/lockd"
	"github.com/fyrsmithlabs/pact/internal/logging"
	"github.com/fyrsmithlabs/pact/internal/pool"
	"github.com/fyrsmithlabs/pact/internal/security"
)

// Executor drives one contract through the lifecycle
// Parsed -> Locking -> Executing -> Finalizing -> {Completed, Failed}.
// One executor instance owns one contract for the lifetime of a run.
type Executor struct {
	gate     *security.Gate
	locks    *lockd.Coordinator
	cache    *cache.Cache
	pool     *pool.Pool
	runner   Runner
	evidence *EvidenceWriter
	logger   *logging.Logger

	root        string
	lockTimeout time.Duration
}

// Params configures an Executor.
type Params struct {
	Gate     *security.Gate
	Locks    *lockd.Coordinator
	Cache    *cache.Cache
	Pool     *pool.Pool
	Evidence *EvidenceWriter
	Logger   *logging.Logger

	// Runner defaults to an OSRunner over Root.
	Runner Runner

	// Root is the project root step paths resolve against.
	Root string

	// LockTimeout bounds batch lock acquisition.
	LockTimeout time.Duration
}

// New creates an executor.
func New(p Params) *Executor {
	if p.Logger == nil {
		p.Logger = logging.NewNop()
	}
	if p.Runner == nil {
		p.Runner = &OSRunner{Root: p.Root, Gate: p.Gate}
	}
	return &Executor{
		gate:        p.Gate,
		locks:       p.Locks,
		cache:       p.Cache,
		pool:        p.Pool,
		runner:      p.Runner,
		evidence:    p.Evidence,
		logger:      p.Logger.Named("executor"),
		root:        p.Root,
		lockTimeout: p.LockTimeout,
	}
}

// Options configures one Execute call.
type Options struct {
	// AgentID identifies the executing actor in lock and evidence state.
	AgentID string

	// Plan validates and simulates lock acquisition without executing or
	// mutating anything.
	Plan bool
}

// Execute runs a parsed contract to completion and returns its execution
// record. The record is returned even on failure; the error classifies the
// failure for exit-code mapping. Locks are always released before return,
// however execution ends.
func (e *Executor) Execute(ctx context.Context, c *contract.TaskContract, opts Options) (*ExecutionRecord, error) {
	ctx = logging.WithTaskID(logging.WithAgentID(ctx, opts.AgentID), c.ID)

	record := &ExecutionRecord{
		TaskID:    c.ID,
		Title:     c.Title,
		AgentID:   opts.AgentID,
		Gates:     append([]string(nil), c.Gates...),
		Plan:      opts.Plan,
		StartedAt: time.Now(),
	}

	// Security pre-flight: every step clears the gate before any lock is
	// taken or any resource touched. A violation means zero steps are
	// ever attempted.
	for i := range c.Steps {
		if err := e.gate.Validate(&c.Steps[i]); err != nil {
			e.logger.Warn(ctx, "step rejected by security gate",
				zap.Int("step", i), zap.Error(err))
			record.OverallStatus = StatusFatalFailure
			record.FinishedAt = time.Now()
			if !opts.Plan {
				e.writeEvidence(ctx, record)
			}
			return record, fmt.Errorf("step %d: %w", i, err)
		}
	}

	if opts.Plan {
		return e.plan(ctx, c, record)
	}

	// Locking: the whole resource batch or nothing.
	acq, err := e.locks.Acquire(ctx, c.Resources, opts.AgentID, c.ID, e.lockTimeout)
	if err != nil {
		record.OverallStatus = StatusFatalFailure
		record.FinishedAt = time.Now()
		e.writeEvidence(ctx, record)
		return record, fmt.Errorf("lock acquisition: %w", err)
	}
	if !acq.Success {
		record.OverallStatus = StatusFatalFailure
		record.FinishedAt = time.Now()
		e.writeEvidence(ctx, record)
		return record, &LockConflictError{
			BlockingAgent:    acq.BlockingAgent,
			BlockingResource: acq.BlockingResource,
		}
	}
	record.LocksAcquired = acq.Acquired
	for _, path := range acq.Reclaimed {
		record.Warnings = append(record.Warnings,
			fmt.Sprintf("forcibly reclaimed stale lock on %s", path))
	}

	e.logger.Info(ctx, "locks acquired", zap.Strings("resources", acq.Acquired))

	// Executing: groups in barrier order, fail-soft within a group,
	// fail-fast between groups.
	failed := 0
	blocked := false
	for _, group := range c.Groups() {
		if blocked {
			break
		}
		results := e.runGroup(ctx, group)
		for i, res := range results {
			record.Results = append(record.Results, res)
			if !res.Succeeded {
				failed++
				if !group[i].BestEffort {
					blocked = true
				}
			}
		}
	}

	// Finalizing: release is always attempted, best effort. Staleness is
	// the designed backstop for a release that never lands.
	releaseErr := e.locks.Release(ctx, c.Resources, opts.AgentID)
	record.LocksReleasedCleanly = releaseErr == nil
	if releaseErr != nil {
		record.Warnings = append(record.Warnings,
			fmt.Sprintf("lock release failed: %v", releaseErr))
		e.logger.Error(ctx, "lock release failed", zap.Error(releaseErr))
	}

	if failed == 0 {
		record.OverallStatus = StatusSuccess
	} else {
		record.OverallStatus = StatusPartialFailure
	}
	record.FinishedAt = time.Now()

	evidencePath, evidenceErr := e.writeEvidence(ctx, record)
	if evidenceErr != nil {
		return record, fmt.Errorf("write evidence record: %w", evidenceErr)
	}
	e.logger.Info(ctx, "execution record written",
		zap.String("path", evidencePath),
		zap.String("status", string(record.OverallStatus)))

	if failed > 0 {
		return record, &StepsFailedError{Failed: failed}
	}
	return record, nil
}

// plan simulates lock acquisition and reports the would-be record skeleton
// without executing or mutating anything.
func (e *Executor) plan(ctx context.Context, c *contract.TaskContract, record *ExecutionRecord) (*ExecutionRecord, error) {
	check, err := e.locks.Check(ctx, c.Resources, record.AgentID)
	if err != nil {
		record.OverallStatus = StatusFatalFailure
		record.FinishedAt = time.Now()
		return record, fmt.Errorf("lock simulation: %w", err)
	}
	if !check.Success {
		record.OverallStatus = StatusFatalFailure
		record.FinishedAt = time.Now()
		return record, &LockConflictError{
			BlockingAgent:    check.BlockingAgent,
			BlockingResource: check.BlockingResource,
		}
	}

	record.LocksAcquired = check.Acquired
	record.LocksReleasedCleanly = true
	for _, path := range check.Reclaimed {
		record.Warnings = append(record.Warnings,
			fmt.Sprintf("would reclaim stale lock on %s", path))
	}

	for i := range c.Steps {
		step := &c.Steps[i]
		record.Results = append(record.Results, ExecutionResult{
			StepIndex:     step.Index,
			Kind:          string(step.Kind),
			Succeeded:     true,
			OutputSummary: "planned: " + describeStep(step),
		})
	}
	record.OverallStatus = StatusSuccess
	record.FinishedAt = time.Now()
	return record, nil
}

// runGroup executes one parallel group. A single step runs directly; larger
// groups fan out through the worker pool.
func (e *Executor) runGroup(ctx context.Context, group []contract.Step) []ExecutionResult {
	results := make([]ExecutionResult, len(group))
	units := make([]pool.Unit, 0, len(group))
	unitSteps := make([]*contract.Step, 0, len(group))
	hashes := make(map[int]string) // step index -> pre-run target hash

	for i := range group {
		step := &group[i]

		if step.Cacheable && e.cache != nil {
			if hash, entry, ok := e.cacheLookup(ctx, step); ok {
				e.logger.Debug(ctx, "cache hit",
					zap.Int("step", step.Index),
					zap.String("check_kind", step.CheckKind()))
				results[i] = ExecutionResult{
					StepIndex:     step.Index,
					Kind:          string(step.Kind),
					Succeeded:     true,
					OutputSummary: entry.Result,
					FromCache:     true,
					StartedAt:     time.Now(),
					FinishedAt:    time.Now(),
				}
				continue
			} else if hash != "" {
				hashes[step.Index] = hash
			}
		}

		units = append(units, pool.Unit{
			Index: i,
			Name:  fmt.Sprintf("step-%d", step.Index),
			Run: func(runCtx context.Context) (string, error) {
				return e.runner.Run(runCtx, step)
			},
		})
		unitSteps = append(unitSteps, step)
	}

	var unitResults []pool.UnitResult
	switch len(units) {
	case 0:
		// Whole group served from cache.
	case 1:
		unitResults = []pool.UnitResult{<-e.pool.Submit(ctx, units[0])}
	default:
		unitResults = e.pool.RunGroup(ctx, units)
	}

	for j, ur := range unitResults {
		step := unitSteps[j]
		res := ExecutionResult{
			StepIndex:     step.Index,
			Kind:          string(step.Kind),
			Succeeded:     ur.Err == nil,
			DurationMS:    ur.Duration().Milliseconds(),
			OutputSummary: ur.Output,
			StartedAt:     ur.StartedAt,
			FinishedAt:    ur.FinishedAt,
		}
		switch {
		case ur.TimedOut:
			res.ErrorKind = ErrorKindTimeout
			res.OutputSummary = ur.Err.Error()
		case ur.Err != nil:
			res.ErrorKind = ErrorKindExecution
			res.OutputSummary = strings.TrimSpace(ur.Err.Error() + "\n" + ur.Output)
		}
		results[ur.Index] = res

		// Populate the cache for successful cacheable checks, keyed by
		// the target's pre-run content hash.
		if res.Succeeded && step.Cacheable && e.cache != nil {
			if hash, ok := hashes[step.Index]; ok {
				if err := e.cache.Put(ctx, hash, step.CheckKind(), res.OutputSummary, 0); err != nil {
					e.logger.Warn(ctx, "cache write failed", zap.Error(err))
				}
			}
		}
	}

	return results
}

// cacheLookup hashes the step's target and consults the cache. A target
// that cannot be hashed (e.g. does not exist yet) is a miss.
func (e *Executor) cacheLookup(ctx context.Context, step *contract.Step) (hash string, entry cache.Entry, ok bool) {
	target := step.Target()
	if target == "" {
		return "", cache.Entry{}, false
	}
	hash, err := cache.HashFile(filepath.Join(e.root, target))
	if err != nil {
		return "", cache.Entry{}, false
	}
	entry, ok, err = e.cache.Get(ctx, hash, step.CheckKind())
	if err != nil {
		e.logger.Warn(ctx, "cache read failed", zap.Error(err))
		return hash, cache.Entry{}, false
	}
	return hash, entry, ok
}

// writeEvidence persists the record, logging rather than escalating when
// evidence cannot be written during a failure path.
func (e *Executor) writeEvidence(ctx context.Context, record *ExecutionRecord) (string, error) {
	if e.evidence == nil {
		return "", nil
	}
	path, err := e.evidence.Write(record)
	if err != nil {
		e.logger.Error(ctx, "failed to write execution record", zap.Error(err))
		return "", err
	}
	return path, nil
}

// describeStep renders a one-line plan summary of a step.
func describeStep(step *contract.Step) string {
	switch step.Kind {
	case contract.StepExec:
		return strings.Join(step.Exec.Argv, " ")
	case contract.StepWriteFile:
		return fmt.Sprintf("write %d bytes to %s", len(step.WriteFile.Content), step.WriteFile.Path)
	case contract.StepReplace:
		return fmt.Sprintf("replace %q in %s", step.Replace.Find, step.Replace.Path)
	case contract.StepInternal:
		return "internal: " + step.Internal.Op
	default:
		return string(step.Kind)
	}
}
