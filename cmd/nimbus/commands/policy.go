package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nimbusinfra/nimbus/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage guardrail policies",
		Long: `Guardrail policies are Rego rules evaluated against every plan before it
runs. Built-in policies ship with nimbus; files loaded from disk override
builtins with the same name.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func policyLogger() zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if verbose {
		return logger.Level(zerolog.DebugLevel)
	}
	return logger.Level(zerolog.InfoLevel)
}

func newPolicyListCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List guardrail policies",
		Example: `  # Builtins only
  nimbus policy list

  # Builtins plus a policy directory
  nimbus policy list --path ./policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := policy.NewEngine(policyLogger())
			if err != nil {
				return err
			}
			if len(paths) > 0 {
				if err := engine.LoadPolicies(cmd.Context(), paths); err != nil {
					return err
				}
			}

			policies := engine.ListPolicies()
			if jsonOutput {
				return renderJSON(policies)
			}
			for _, p := range policies {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				fmt.Printf("%-28s %-8s %-9s %s\n", p.Name, p.Severity, state, p.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&paths, "path", nil, "policy file or directory (repeatable)")

	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "check <path>...",
		Short: "Compile policy files and report errors",
		Long: `Load and compile the given policy files or directories. With --watch the
command keeps running and recompiles on every change, which is the same
hot-reload path the provisioner uses.`,
		Example: `  nimbus policy check ./policies
  nimbus policy check ./policies --watch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := policyLogger()
			engine, err := policy.NewEngine(logger)
			if err != nil {
				return err
			}
			if err := engine.LoadPolicies(cmd.Context(), args); err != nil {
				return err
			}
			fmt.Printf("%d policies compiled\n", len(engine.ListPolicies()))

			if !watch {
				return nil
			}

			loader := policy.NewLoader(logger)
			if err := loader.Watch(cmd.Context(), args, engine.Replace); err != nil {
				return err
			}
			defer loader.StopWatching()

			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching and recompile on change")

	return cmd
}
