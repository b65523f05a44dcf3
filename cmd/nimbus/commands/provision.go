package commands

import (
	"github.com/spf13/cobra"

	"github.com/nimbusinfra/nimbus/pkg/intent"
)

func newProvisionCommand() *cobra.Command {
	var (
		purpose   string
		customize bool
		strict    bool
	)

	cmd := &cobra.Command{
		Use:   "provision <resource-type>",
		Short: "Create a resource and its companions",
		Long: `Create a resource of the given catalog type together with the supporting
resources it depends on (IAM roles, security groups, log groups, ...).

Easy mode (the default) configures everything from the purpose profile.
With --customize nimbus returns the open questions instead of running;
answer them with the answer command.`,
		Example: `  # A web server with sensible defaults
  nimbus provision ec2-instance --purpose web_server --session demo

  # Ask the catalog's questions instead of using profile defaults
  nimbus provision ec2-instance --purpose web_server --customize --session demo

  # Roll everything back if any node fails
  nimbus provision rds-database --purpose ecommerce --strict --session demo`,
		Args: cobra.ExactArgs(1),
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
			rt.streamEvents(session)

			mode := "easy"
			if customize {
				mode = "customize"
			}
			resp, err := rt.prov.Handle(cmd.Context(), &intent.Intent{
				SessionID: session,
				Action:    intent.ActionProvision,
				Provision: &intent.Provision{
					ResourceType: args[0],
					Purpose:      purpose,
					Mode:         mode,
					Strict:       strict,
				},
			})
			if err != nil {
				return err
			}
			return renderResponse(resp)
		},
	}

	cmd.Flags().StringVarP(&purpose, "purpose", "p", "", "usage purpose (web_server, database, ...)")
	cmd.Flags().BoolVar(&customize, "customize", false, "answer the catalog's questions instead of using profile defaults")
	cmd.Flags().BoolVar(&strict, "strict", false, "roll back every created resource if any node fails")

	return cmd
}

func newAnswerCommand() *cobra.Command {
	var answers map[string]string

	cmd := &cobra.Command{
		Use:   "answer <plan-id>",
		Short: "Answer a pending plan's customize questions",
		Long: `Supply answers for a plan parked by provision --customize. Unanswered
questions keep the plan pending; once none remain the plan runs with the
catalog defaults filling any question you skipped with --answer.`,
		Example: `  nimbus answer 3f6c... --answer name=shop-frontend --answer instance_type=t3.large --session demo`,
		Args:    cobra.ExactArgs(1),
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
			rt.streamEvents(session)

			resp, err := rt.prov.Handle(cmd.Context(), &intent.Intent{
				SessionID: session,
				Action:    intent.ActionAnswer,
				Answer: &intent.Answer{
					PlanID:  args[0],
					Answers: answers,
				},
			})
			if err != nil {
				return err
			}
			return renderResponse(resp)
		},
	}

	cmd.Flags().StringToStringVarP(&answers, "answer", "a", nil, "answer as key=value (repeatable)")
	cmd.MarkFlagRequired("answer")

	return cmd
}
