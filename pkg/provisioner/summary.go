package provisioner

import (
	"github.com/nimbusinfra/nimbus/pkg/catalog"
	"github.com/nimbusinfra/nimbus/pkg/engine"
	"github.com/nimbusinfra/nimbus/pkg/ledger"
	"github.com/nimbusinfra/nimbus/pkg/policy"
)

// Response is the outcome of handling one intent. Only the fields relevant
// to the intent's action are populated.
type Response struct {
	// Summary reports a plan execution (provision and answer actions).
	Summary *Summary `json:"summary,omitempty"`

	// PlanID identifies a pending customize-mode skeleton.
	PlanID string `json:"plan_id,omitempty"`

	// Questions are the unanswered customize-mode questions.
	Questions []catalog.Question `json:"questions,omitempty"`

	// Active lists the session's live resources (list_active, find_unused).
	Active []*ledger.Entry `json:"active,omitempty"`

	// NextSteps are suggested follow-ups (suggest action).
	NextSteps []string `json:"next_steps,omitempty"`

	// CleanedUp lists provider IDs removed by a cleanup.
	CleanedUp []string `json:"cleaned_up,omitempty"`

	// CleanupFailures maps provider IDs to the error that kept them alive.
	CleanupFailures map[string]string `json:"cleanup_failures,omitempty"`

	// TotalMonthlyCost is the summed estimate for the listed resources.
	TotalMonthlyCost float64 `json:"total_monthly_cost,omitempty"`
}

// Summary reports one plan execution back to the conversational surface.
type Summary struct {
	// PlanID is the executed plan.
	PlanID string `json:"plan_id"`

	// RunID is the execution, empty when the plan was blocked.
	RunID string `json:"run_id,omitempty"`

	// Status is the plan's terminal status.
	Status engine.PlanStatus `json:"status"`

	// Blocked is set when guardrails stopped the plan before execution.
	Blocked bool `json:"blocked,omitempty"`

	// RollbackFailed flags a strict-mode rollback that left resources
	// behind. These need manual attention.
	RollbackFailed bool `json:"rollback_failed,omitempty"`

	// Violations lists guardrail findings, warnings included.
	Violations []policy.Violation `json:"violations,omitempty"`

	// Created, Failed, Skipped, and RolledBack partition the plan's nodes
	// by outcome, in plan order.
	Created    []ResourceSummary `json:"created,omitempty"`
	Failed     []ResourceSummary `json:"failed,omitempty"`
	Skipped    []ResourceSummary `json:"skipped,omitempty"`
	RolledBack []ResourceSummary `json:"rolled_back,omitempty"`

	// NextSteps are catalog suggestions for the created target.
	NextSteps []string `json:"next_steps,omitempty"`

	// TotalMonthlyCost sums the created resources' estimates in USD.
	TotalMonthlyCost float64 `json:"total_monthly_cost"`
}

// ResourceSummary is one resource's outcome within a Summary.
type ResourceSummary struct {
	NodeID               string              `json:"node_id"`
	Type                 engine.ResourceType `json:"type"`
	Purpose              string              `json:"purpose"`
	ProviderID           string              `json:"provider_id,omitempty"`
	Config               map[string]string   `json:"config,omitempty"`
	EstimatedMonthlyCost float64             `json:"estimated_monthly_cost"`
	Error                string              `json:"error,omitempty"`
}

// buildSummary folds a run result into a Summary.
func buildSummary(plan *engine.CreationPlan, result *engine.RunResult, violations []policy.Violation, nextSteps []string) *Summary {
	s := &Summary{
		PlanID:         plan.ID,
		RunID:          result.RunID,
		Status:         result.Status,
		RollbackFailed: result.RollbackFailed,
		Violations:     violations,
	}

	for i := range plan.Nodes {
		node := &plan.Nodes[i]
		rs := ResourceSummary{
			NodeID:               node.ID,
			Type:                 node.Spec.Type,
			Purpose:              node.Spec.Purpose,
			Config:               node.Config,
			EstimatedMonthlyCost: node.EstimatedMonthlyCost,
		}
		if rec, ok := result.Records[node.ID]; ok {
			rs.ProviderID = rec.ProviderID
			if rec.Error != nil {
				rs.Error = rec.Error.Error()
			}
		}
		switch node.Status {
		case engine.NodeStatusCreated:
			s.TotalMonthlyCost += node.EstimatedMonthlyCost
			s.Created = append(s.Created, rs)
		case engine.NodeStatusFailed:
			s.Failed = append(s.Failed, rs)
		case engine.NodeStatusSkipped:
			s.Skipped = append(s.Skipped, rs)
		case engine.NodeStatusRolledBack:
			s.RolledBack = append(s.RolledBack, rs)
		}
	}

	// Next steps only make sense when the requested resource exists.
	if target := plan.Node(plan.Target.Key()); target != nil && target.Status == engine.NodeStatusCreated {
		s.NextSteps = nextSteps
	}
	return s
}
