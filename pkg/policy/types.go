package policy

import (
	"time"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// Severity grades a violation.
type Severity string

const (
	// SeverityWarning flags a violation that is reported but does not
	// block the plan.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plan.
	SeverityError Severity = "error"
)

// Policy is one guardrail rule with its Rego source.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source. It must define a deny rule in its
	// package; each deny result becomes a violation.
	Rego string `json:"rego"`

	// Severity is the default severity for the policy's violations.
	Severity Severity `json:"severity"`

	// Enabled gates evaluation.
	Enabled bool `json:"enabled"`
}

// Violation is one deny result.
type Violation struct {
	// Policy names the violated guardrail.
	Policy string `json:"policy"`

	// Node is the plan node the violation points at, when the policy
	// identifies one.
	Node string `json:"node,omitempty"`

	// Message is the human-readable violation text.
	Message string `json:"message"`

	// Severity is the graded severity.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating a plan against all guardrails.
type Result struct {
	// Allowed is false when any violation is error severity.
	Allowed bool `json:"allowed"`

	// Violations lists every deny result, warnings included.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedAt is when evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Input is the document handed to Rego evaluation.
type Input struct {
	// Plan is the creation plan under review.
	Plan *engine.CreationPlan `json:"plan"`

	// TotalMonthlyCost is the plan's summed cost estimate in USD.
	TotalMonthlyCost float64 `json:"total_monthly_cost"`

	// Timestamp is when evaluation started.
	Timestamp time.Time `json:"timestamp"`
}
