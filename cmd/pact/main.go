// Package main implements the pact CLI: it executes task contracts against
// the local workspace and manages the advisory lock and verification cache
// state shared between agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pact/internal/contract"
	"github.com/fyrsmithlabs/pact/internal/executor"
	"github.com/fyrsmithlabs/pact/internal/security"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// version information
	version = "dev"
)

// Exit codes are part of the CLI contract: agent frontends branch on them.
const (
	exitOK           = 0
	exitParseError   = 1
	exitSecurity     = 2
	exitLockConflict = 3
	exitStepsFailed  = 4
	exitInternal     = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "pact:", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps a failure to its exit code. Anything unclassified is an
// internal fault.
func exitCode(err error) int {
	var (
		parseErr  *contract.ParseError
		violation *security.Violation
		conflict  *executor.LockConflictError
		failed    *executor.StepsFailedError
	)
	switch {
	case errors.As(err, &parseErr):
		return exitParseError
	case errors.As(err, &violation):
		return exitSecurity
	case errors.As(err, &conflict):
		return exitLockConflict
	case errors.As(err, &failed):
		return exitStepsFailed
	}
	return exitInternal
}

var rootCmd = &cobra.Command{
	Use:   "pact",
	Short: "Execute task contracts with advisory locking and gated commands",
	Long: `pact executes declarative task contracts: YAML documents that name the
resources a task will touch and the steps that operate on them. Resources are
locked across cooperating agents before any step runs, every command clears a
security gate, and each run leaves a durable execution record.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default .pact/config.yaml)")
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(cacheCmd)
}
