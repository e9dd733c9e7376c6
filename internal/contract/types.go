// Package contract defines the task contract model and its parser.
// A contract declares the steps one unit of work will run, the resources it
// will touch, and the named gates recorded alongside its evidence.
package contract

import (
	"fmt"
)

// StepKind identifies the operation a step performs.
type StepKind string

const (
	// StepExec runs an external command from an argument vector.
	StepExec StepKind = "exec"

	// StepWriteFile writes content to a file.
	StepWriteFile StepKind = "write_file"

	// StepReplace performs a literal find/replace in a file.
	StepReplace StepKind = "replace"

	// StepInternal runs a named built-in operation.
	StepInternal StepKind = "internal"
)

// KnownStepKinds returns all recognized step kinds.
func KnownStepKinds() []StepKind {
	return []StepKind{StepExec, StepWriteFile, StepReplace, StepInternal}
}

// TaskContract is the immutable, validated form of a contract document.
type TaskContract struct {
	// ID uniquely identifies the contract within a run. It contains no
	// path separators; evidence file names are derived from it.
	ID string

	// Title is a human-readable description.
	Title string

	// Resources are the file paths the contract will read or write,
	// acquired as an exclusive lock batch before any step runs.
	Resources []string

	// Gates are opaque named preconditions carried through to evidence
	// output. The engine does not interpret them.
	Gates []string

	// Steps run in declaration order, subject to parallel groups.
	Steps []Step
}

// Step is one operation of a contract.
type Step struct {
	// Index is the step's zero-based position in the contract.
	Index int

	// Kind selects the payload in use.
	Kind StepKind

	// ParallelGroup, when set, allows this step to run concurrently with
	// other steps sharing the group number. Groups form strict barriers:
	// a group starts only after all lower-numbered groups have resolved.
	ParallelGroup *int

	// Cacheable marks the step safe to memoize against its target's
	// content hash.
	Cacheable bool

	// BestEffort lets later groups proceed even if this step fails.
	BestEffort bool

	// Exactly one of the following payloads is non-nil, matching Kind.
	Exec      *ExecPayload
	WriteFile *WriteFilePayload
	Replace   *ReplacePayload
	Internal  *InternalPayload
}

// ExecPayload is the payload for exec steps. Commands are argument vectors,
// never shell strings; there is no field that accepts one.
type ExecPayload struct {
	// Argv is the command and its arguments. Argv[0] is the verb checked
	// against the security allow-list.
	Argv []string `yaml:"argv"`

	// Dir is the optional working directory.
	Dir string `yaml:"dir,omitempty"`

	// Target is the resource whose content hash keys the verification
	// cache. Required when the step is cacheable.
	Target string `yaml:"target,omitempty"`
}

// WriteFilePayload is the payload for write_file steps.
type WriteFilePayload struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

// ReplacePayload is the payload for replace steps.
type ReplacePayload struct {
	Path    string `yaml:"path"`
	Find    string `yaml:"find"`
	Replace string `yaml:"replace"`
}

// InternalPayload is the payload for internal steps.
type InternalPayload struct {
	// Op names the built-in operation ("noop", "sleep").
	Op string `yaml:"op"`

	// Args carries operation-specific parameters.
	Args map[string]string `yaml:"args,omitempty"`
}

// Target returns the path whose content hash keys the verification cache
// for this step, or "" when the step has none.
func (s *Step) Target() string {
	switch s.Kind {
	case StepExec:
		if s.Exec != nil {
			return s.Exec.Target
		}
	case StepWriteFile:
		if s.WriteFile != nil {
			return s.WriteFile.Path
		}
	case StepReplace:
		if s.Replace != nil {
			return s.Replace.Path
		}
	}
	return ""
}

// CheckKind returns the logical check identity used as the second half of a
// verification cache key. Distinct verbs on the same resource cache
// independently.
func (s *Step) CheckKind() string {
	if s.Kind == StepExec && s.Exec != nil && len(s.Exec.Argv) > 0 {
		return fmt.Sprintf("exec:%s", s.Exec.Argv[0])
	}
	return string(s.Kind)
}

// Groups partitions the contract's steps into ordered execution batches.
// Steps sharing an explicit parallel group number form one batch; steps
// without a group each form a singleton batch at their declaration position.
// The parser guarantees explicit group numbers are non-decreasing, so a
// single forward scan produces the batches in barrier order.
func (c *TaskContract) Groups() [][]Step {
	var groups [][]Step
	var current []Step
	var currentGroup *int

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
			currentGroup = nil
		}
	}

	for _, step := range c.Steps {
		if step.ParallelGroup == nil {
			flush()
			groups = append(groups, []Step{step})
			continue
		}
		if currentGroup != nil && *currentGroup == *step.ParallelGroup {
			current = append(current, step)
			continue
		}
		flush()
		g := *step.ParallelGroup
		currentGroup = &g
		current = []Step{step}
	}
	flush()

	return groups
}
