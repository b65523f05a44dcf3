package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nimbusinfra/nimbus/pkg/providers/aws"
)

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the AWS account and principal nimbus provisions as",
		Long: `Resolve the caller identity through the configured AWS credential
chain. Useful to verify credentials and the target account before
provisioning anything.`,
		Example: `  nimbus whoami
  nimbus whoami --config nimbus.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRuntimeConfig(configPath)
			if err != nil {
				return err
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

			provider, err := aws.New(cmd.Context(), aws.Options{Region: cfg.Region}, logger)
			if err != nil {
				return err
			}
			account, arn, err := provider.CallerIdentity(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]string{
					"account": account,
					"arn":     arn,
					"region":  cfg.Region,
				})
			}
			fmt.Printf("Account: %s\n", account)
			fmt.Printf("ARN:     %s\n", arn)
			fmt.Printf("Region:  %s\n", cfg.Region)
			return nil
		},
	}
}
