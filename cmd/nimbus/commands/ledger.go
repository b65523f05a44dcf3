package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimbusinfra/nimbus/pkg/intent"
)

func newLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the session ledger",
		Long: `Query the append-only session ledger: what exists right now, the full
history of a session, unused resources, and rollbacks that left resources
behind.`,
	}

	cmd.AddCommand(newLedgerActiveCommand())
	cmd.AddCommand(newLedgerHistoryCommand())
	cmd.AddCommand(newLedgerUnusedCommand())
	cmd.AddCommand(newLedgerSuggestCommand())
	cmd.AddCommand(newLedgerRollbackFailuresCommand())

	return cmd
}

func newLedgerActiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List the session's live resources",
		Example: `  nimbus ledger active --session demo
  nimbus ledger active --session demo --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			resp, err := rt.prov.Handle(cmd.Context(), &intent.Intent{
				SessionID: session,
				Action:    intent.ActionListActive,
			})
			if err != nil {
				return err
			}
			return renderResponse(resp)
		},
	}
}

func newLedgerHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the session's full ledger history",
		Long: `Every entry ever recorded for the session, newest first: creations,
failures, skips, rollbacks and cleanups. History is append-only, so this
is a faithful replay of what happened.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			entries, err := rt.led.History(cmd.Context(), session, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return renderJSON(entries)
			}
			renderEntries(entries)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")

	return cmd
}

func newLedgerUnusedCommand() *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "unused",
		Short: "List resources created before an age threshold",
		Long: `List active resources created more than --older-than-days ago. Useful as
a cost audit before a cleanup pass.`,
		Example: `  nimbus ledger unused --older-than-days 30 --session demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			resp, err := rt.prov.Handle(cmd.Context(), &intent.Intent{
				SessionID:  session,
				Action:     intent.ActionFindUnused,
				FindUnused: &intent.FindUnused{OlderThanDays: olderThanDays},
			})
			if err != nil {
				return err
			}
			return renderResponse(resp)
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 30, "age threshold in days")

	return cmd
}

func newLedgerSuggestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <entry-id>",
		Short: "Show next-step suggestions for a ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			resp, err := rt.prov.Handle(cmd.Context(), &intent.Intent{
				SessionID: session,
				Action:    intent.ActionSuggest,
				Suggest:   &intent.Suggest{EntryID: args[0]},
			})
			if err != nil {
				return err
			}
			return renderResponse(resp)
		},
	}
}

func newLedgerRollbackFailuresCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback-failures",
		Short: "List resources a rollback could not delete",
		Long: `Resources left behind by failed strict-mode rollbacks, across all
sessions. Each one still exists at the provider and needs manual cleanup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			entries, err := rt.led.RollbackFailures(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return renderJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No rollback failures recorded")
				return nil
			}
			renderEntries(entries)
			return nil
		},
	}
}
