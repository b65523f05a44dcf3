package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	sessionID  string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nimbus",
		Short: "Nimbus - Conversational AWS Provisioning Engine",
		Long: `Nimbus provisions AWS resources from structured requests: ask for a
resource by type and purpose and nimbus resolves its dependencies, builds a
creation plan, checks it against guardrail policies and executes it.

Features:
  - Catalog-driven dependency resolution (companions created automatically)
  - Easy mode (purpose profiles) and customize mode (guided questions)
  - Idempotent execution with classified retries
  - Partial results or strict rollback-on-failure
  - Append-only session ledger with cleanup and cost queries
  - OPA guardrail policies with hot reload`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "conversation session ID")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newAnswerCommand())
	rootCmd.AddCommand(newLedgerCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newWhoamiCommand())

	return rootCmd
}
