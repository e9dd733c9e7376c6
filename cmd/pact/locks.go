package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and manage advisory resource locks",
}

var locksListResource string

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently held locks",
	Long: `List the locks recorded in the shared lock state, including stale entries
that the next acquisition would forcibly reclaim.

Examples:
  # List every held lock
  pact locks list

  # Show who holds one resource
  pact locks list --resource src/parser.go`,
	Args: cobra.NoArgs,
	RunE: runLocksList,
}

var locksReleaseAgentID string

var locksReleaseCmd = &cobra.Command{
	Use:   "release <resource>...",
	Short: "Release locks held by an agent",
	Long: `Release the named resources if they are held by the given agent. Locks held
by other agents are left alone; releasing an unheld resource is a no-op.

Examples:
  # Release locks left behind by a crashed run
  pact locks release --agent-id reviewer-1 src/parser.go src/parser_test.go`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLocksRelease,
}

func init() {
	locksListCmd.Flags().StringVar(&locksListResource, "resource", "", "only show the lock on this resource")
	locksReleaseCmd.Flags().StringVar(&locksReleaseAgentID, "agent-id", "", "agent whose locks to release (required)")
	_ = locksReleaseCmd.MarkFlagRequired("agent-id")
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksReleaseCmd)
}

func runLocksList(cmd *cobra.Command, _ []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	records, err := app.locks.List(cmd.Context(), locksListResource)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no locks held")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-20s %-20s %-8s %s\n", "RESOURCE", "AGENT", "TASK", "AGE", "STATE")
	for _, record := range records {
		state := "live"
		if app.locks.IsStale(record) {
			state = "stale"
		}
		age := time.Since(record.AcquiredAt).Round(time.Second)
		fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-20s %-20s %-8s %s\n",
			record.ResourcePath, record.OwnerAgentID, record.TaskID, age, state)
	}
	return nil
}

func runLocksRelease(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.locks.Release(cmd.Context(), args, locksReleaseAgentID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %d resource(s) for %s\n", len(args), locksReleaseAgentID)
	return nil
}
