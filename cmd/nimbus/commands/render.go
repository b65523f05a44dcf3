package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nimbusinfra/nimbus/pkg/ledger"
	"github.com/nimbusinfra/nimbus/pkg/provisioner"
)

// renderResponse prints an intent response, as indented JSON with --json or
// as a readable summary otherwise.
func renderResponse(resp *provisioner.Response) error {
	if jsonOutput {
		return renderJSON(resp)
	}

	if resp.Summary != nil {
		renderSummary(resp.Summary)
	}
	if len(resp.Questions) > 0 {
		fmt.Printf("Plan %s needs answers before it can run:\n", resp.PlanID)
		for _, q := range resp.Questions {
			if q.Default != "" {
				fmt.Printf("  %s: %s (default: %s)\n", q.Key, q.Prompt, q.Default)
			} else {
				fmt.Printf("  %s: %s\n", q.Key, q.Prompt)
			}
		}
		fmt.Printf("\nContinue with: nimbus answer %s --answer key=value ...\n", resp.PlanID)
	}
	if resp.Active != nil {
		renderEntries(resp.Active)
		fmt.Printf("Estimated monthly cost: $%.2f\n", resp.TotalMonthlyCost)
	}
	for _, step := range resp.NextSteps {
		fmt.Printf("  - %s\n", step)
	}
	if resp.CleanedUp != nil || resp.CleanupFailures != nil {
		fmt.Printf("Cleaned up %d resource(s)\n", len(resp.CleanedUp))
		for _, id := range resp.CleanedUp {
			fmt.Printf("  - %s\n", id)
		}
		for id, msg := range resp.CleanupFailures {
			fmt.Printf("  ! %s: %s\n", id, msg)
		}
	}
	return nil
}

func renderSummary(s *provisioner.Summary) {
	if s.Blocked {
		fmt.Printf("Plan %s blocked by guardrails:\n", s.PlanID)
		for _, v := range s.Violations {
			fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
		}
		return
	}

	fmt.Printf("Plan %s finished: %s\n", s.PlanID, s.Status)
	if s.RollbackFailed {
		fmt.Println("WARNING: rollback could not delete every resource, manual cleanup needed")
	}
	for _, v := range s.Violations {
		fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	renderResources("Created", s.Created)
	renderResources("Failed", s.Failed)
	renderResources("Skipped", s.Skipped)
	renderResources("Rolled back", s.RolledBack)
	if len(s.Created) > 0 {
		fmt.Printf("Estimated monthly cost: $%.2f\n", s.TotalMonthlyCost)
	}
	if len(s.NextSteps) > 0 {
		fmt.Println("Next steps:")
		for _, step := range s.NextSteps {
			fmt.Printf("  - %s\n", step)
		}
	}
}

func renderResources(label string, list []provisioner.ResourceSummary) {
	if len(list) == 0 {
		return
	}
	fmt.Printf("%s:\n", label)
	for _, r := range list {
		line := fmt.Sprintf("  - %s", r.NodeID)
		if r.ProviderID != "" {
			line += fmt.Sprintf(" (%s)", r.ProviderID)
		}
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Println(line)
	}
}

func renderEntries(entries []*ledger.Entry) {
	if len(entries) == 0 {
		fmt.Println("No resources found")
		return
	}
	for _, e := range entries {
		fmt.Printf("  %s  %-16s %-24s %s  $%.2f/mo  %s\n",
			e.ID, e.Kind, e.ResourceType, e.ProviderID,
			e.EstimatedMonthlyCost, e.CreatedAt.Format("2006-01-02 15:04"))
	}
}

func renderJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
