package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/pact/internal/contract"
	"github.com/fyrsmithlabs/pact/internal/executor"
	"github.com/fyrsmithlabs/pact/internal/pool"
)

var (
	planFlag    bool
	agentIDFlag string
	timeoutFlag time.Duration
)

var executeCmd = &cobra.Command{
	Use:   "execute <contract.yaml>",
	Short: "Execute a task contract",
	Long: `Execute a task contract against the current working directory.

The contract's resources are locked for the duration of the run; steps then
execute in declaration order, with steps sharing a parallel group running
concurrently. Pass "-" to read the contract from stdin.

Examples:
  # Execute a contract
  pact execute task.yaml

  # Validate and simulate without executing anything
  pact execute --plan task.yaml

  # Execute as a named agent, waiting up to 30s for contended locks
  pact execute --agent-id reviewer-1 --timeout 30s task.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func init() {
	executeCmd.Flags().BoolVar(&planFlag, "plan", false, "validate and simulate lock acquisition without executing")
	executeCmd.Flags().StringVar(&agentIDFlag, "agent-id", "", "agent identity recorded in locks and evidence (default derived from hostname)")
	executeCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "lock acquisition timeout (default from config)")
}

func runExecute(cmd *cobra.Command, args []string) error {
	data, err := readContract(args[0])
	if err != nil {
		return err
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	c, err := contract.NewParser(root).Parse(data)
	if err != nil {
		return err
	}

	evidence, err := executor.NewEvidenceWriter(app.cfg.EvidenceDir())
	if err != nil {
		return err
	}

	lockTimeout := app.cfg.Locks.AcquireTimeout.Duration()
	if timeoutFlag > 0 {
		lockTimeout = timeoutFlag
	}
	agentID := agentIDFlag
	if agentID == "" {
		agentID = defaultAgentID()
	}

	exec := executor.New(executor.Params{
		Gate:        app.gate,
		Locks:       app.locks,
		Cache:       app.cache,
		Pool:        pool.New(app.cfg.Executor.Workers, app.cfg.Executor.StepTimeout.Duration()),
		Evidence:    evidence,
		Logger:      app.logger,
		Root:        root,
		LockTimeout: lockTimeout,
	})

	record, execErr := exec.Execute(cmd.Context(), c, executor.Options{
		AgentID: agentID,
		Plan:    planFlag,
	})
	if record != nil {
		if planFlag && execErr == nil {
			out, err := yaml.Marshal(record)
			if err != nil {
				return fmt.Errorf("render plan: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
		} else {
			printSummary(cmd.OutOrStdout(), record)
		}
	}
	return execErr
}

func readContract(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read contract from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract: %w", err)
	}
	return data, nil
}

// defaultAgentID derives a stable-enough identity for ad hoc invocations.
// Long-running agents should pass --agent-id instead.
func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func printSummary(w io.Writer, record *executor.ExecutionRecord) {
	succeeded := 0
	for _, res := range record.Results {
		status := "ok"
		switch {
		case res.FromCache:
			status = "cached"
		case !res.Succeeded:
			status = "FAIL"
			if res.ErrorKind != "" {
				status = fmt.Sprintf("FAIL (%s)", res.ErrorKind)
			}
		}
		if res.Succeeded {
			succeeded++
		}
		fmt.Fprintf(w, "step %d  %-10s %-18s %dms\n", res.StepIndex, res.Kind, status, res.DurationMS)
	}
	for _, warning := range record.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	fmt.Fprintf(w, "%s: %d/%d steps succeeded\n", record.OverallStatus, succeeded, len(record.Results))
}
