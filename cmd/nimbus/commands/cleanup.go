package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nimbusinfra/nimbus/pkg/intent"
)

func newCleanupCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cleanup [provider-id...]",
		Short: "Delete previously created resources",
		Long: `Delete resources this session created, by provider ID or all at once.
Deletions are recorded as new ledger entries; history is never rewritten.
Failures leave the resource active and are reported individually.`,
		Example: `  # Remove two specific resources
  nimbus cleanup i-0abc123 sg-0def456 --session demo

  # Remove everything the session still has
  nimbus cleanup --all --session demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("pass provider IDs or --all")
			}
			session, err := requireSession()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())
			rt.streamEvents(session)

			resp, err := rt.prov.Handle(cmd.Context(), &intent.Intent{
				SessionID: session,
				Action:    intent.ActionCleanup,
				Cleanup: &intent.Cleanup{
					ProviderIDs: args,
					All:         all,
				},
			})
			if err != nil {
				return err
			}
			return renderResponse(resp)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "delete every active resource in the session")

	return cmd
}
