package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimbusinfra/nimbus/pkg/catalog"
	"github.com/nimbusinfra/nimbus/pkg/engine"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the resource catalog",
	}

	cmd.AddCommand(newCatalogListCommand())
	cmd.AddCommand(newCatalogShowCommand())

	return cmd
}

func newCatalogListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List supported resource types",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load()
			if err != nil {
				return err
			}

			type entry struct {
				Type       engine.ResourceType `json:"type"`
				Purposes   []string            `json:"purposes"`
				Companions []string            `json:"companions,omitempty"`
			}
			var out []entry
			for _, rt := range cat.Types() {
				companions, err := cat.Companions(rt)
				if err != nil {
					return err
				}
				e := entry{Type: rt, Purposes: cat.Purposes(rt)}
				for _, comp := range companions {
					e.Companions = append(e.Companions, string(comp.Type))
				}
				out = append(out, e)
			}

			if jsonOutput {
				return renderJSON(out)
			}
			for _, e := range out {
				fmt.Printf("%s\n", e.Type)
				fmt.Printf("  purposes:   %s\n", strings.Join(e.Purposes, ", "))
				if len(e.Companions) > 0 {
					fmt.Printf("  companions: %s\n", strings.Join(e.Companions, ", "))
				}
			}
			return nil
		},
	}
}

func newCatalogShowCommand() *cobra.Command {
	var purpose string

	cmd := &cobra.Command{
		Use:   "show <resource-type>",
		Short: "Show the resolved configuration for a type and purpose",
		Example: `  nimbus catalog show ec2-instance --purpose web_server
  nimbus catalog show rds-database`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load()
			if err != nil {
				return err
			}
			rt := engine.ResourceType(args[0])

			cfg, cost, err := cat.ResolveConfig(rt, purpose)
			if err != nil {
				return err
			}
			suggestions := cat.Suggestions(rt, purpose)
			questions := cat.Questions(rt)

			if jsonOutput {
				return renderJSON(map[string]interface{}{
					"type":                   rt,
					"purpose":                purpose,
					"config":                 cfg,
					"estimated_monthly_cost": cost,
					"suggestions":            suggestions,
					"questions":              questions,
				})
			}

			fmt.Printf("%s (purpose: %s)\n", rt, displayPurpose(purpose))
			keys := make([]string, 0, len(cfg))
			for k := range cfg {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s: %s\n", k, cfg[k])
			}
			fmt.Printf("Estimated monthly cost: $%.2f\n", cost)
			if len(questions) > 0 {
				fmt.Println("Customize questions:")
				for _, q := range questions {
					fmt.Printf("  %s: %s\n", q.Key, q.Prompt)
				}
			}
			if len(suggestions) > 0 {
				fmt.Println("After creation:")
				for _, s := range suggestions {
					fmt.Printf("  - %s\n", s)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&purpose, "purpose", "p", "", "usage purpose (empty means general)")

	return cmd
}

func displayPurpose(purpose string) string {
	if purpose == "" {
		return catalog.GeneralPurpose
	}
	return purpose
}
