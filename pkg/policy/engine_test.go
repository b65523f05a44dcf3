package policy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func webServerPlan() *engine.CreationPlan {
	return &engine.CreationPlan{
		ID:        "plan-1",
		SessionID: "session-1",
		Mode:      engine.ModeEasy,
		Target:    engine.ResourceSpec{Type: engine.ResourceEC2Instance, Purpose: "web_server"},
		Nodes: []engine.PlanNode{
			{
				ID:     "iam-role/web_server",
				Spec:   engine.ResourceSpec{Type: engine.ResourceIAMRole, Purpose: "web_server"},
				Config: map[string]string{"service": "ec2.amazonaws.com"},
			},
			{
				ID:     "security-group/web_server",
				Spec:   engine.ResourceSpec{Type: engine.ResourceSecurityGroup, Purpose: "web_server"},
				Config: map[string]string{"ingress_ports": "80,443"},
			},
			{
				ID:     "log-group/web_server",
				Spec:   engine.ResourceSpec{Type: engine.ResourceLogGroup, Purpose: "web_server"},
				Config: map[string]string{"retention_days": "30"},
			},
			{
				ID:                   "ec2-instance/web_server",
				Spec:                 engine.ResourceSpec{Type: engine.ResourceEC2Instance, Purpose: "web_server"},
				Config:               map[string]string{"instance_type": "t3.medium"},
				DependsOn:            []string{"iam-role/web_server", "security-group/web_server", "log-group/web_server"},
				EstimatedMonthlyCost: 33.87,
			},
		},
		CreatedAt: time.Now(),
	}
}

func findViolation(violations []Violation, policy string) *Violation {
	for i := range violations {
		if violations[i].Policy == policy {
			return &violations[i]
		}
	}
	return nil
}

func TestEvaluatePlanAllowed(t *testing.T) {
	e := testEngine(t)

	result, err := e.EvaluatePlan(context.Background(), webServerPlan())
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected plan to be allowed, violations: %+v", result.Violations)
	}
	if len(result.Violations) != 0 {
		t.Errorf("expected no violations, got %d", len(result.Violations))
	}
}

func TestEvaluatePlanBlocksOversizedInstance(t *testing.T) {
	e := testEngine(t)

	plan := webServerPlan()
	plan.Nodes[3].Config["instance_type"] = "p3.16xlarge"

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected oversized instance plan to be blocked")
	}
	v := findViolation(result.Violations, "instance-size-limit")
	if v == nil {
		t.Fatalf("expected instance-size-limit violation, got %+v", result.Violations)
	}
	if v.Severity != SeverityError {
		t.Errorf("expected error severity, got %s", v.Severity)
	}
	if v.Node != "ec2-instance/web_server" {
		t.Errorf("expected violation on the instance node, got %q", v.Node)
	}
}

func TestEvaluatePlanBlocksOverBudget(t *testing.T) {
	e := testEngine(t)

	plan := webServerPlan()
	plan.Nodes[3].EstimatedMonthlyCost = 650

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected over-budget plan to be blocked")
	}
	if findViolation(result.Violations, "monthly-cost-limit") == nil {
		t.Fatalf("expected monthly-cost-limit violation, got %+v", result.Violations)
	}
}

func TestEvaluatePlanWarningDoesNotBlock(t *testing.T) {
	e := testEngine(t)

	plan := webServerPlan()
	plan.Nodes[1].Config["ingress_ports"] = "3306"

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("warnings must not block the plan, violations: %+v", result.Violations)
	}
	v := findViolation(result.Violations, "database-open-to-world")
	if v == nil {
		t.Fatalf("expected database-open-to-world violation, got %+v", result.Violations)
	}
	if v.Severity != SeverityWarning {
		t.Errorf("expected warning severity, got %s", v.Severity)
	}
}

func TestEvaluatePlanBlocksOversizedDatabase(t *testing.T) {
	e := testEngine(t)

	plan := webServerPlan()
	plan.Nodes = append(plan.Nodes, engine.PlanNode{
		ID:     "rds-database/analytics",
		Spec:   engine.ResourceSpec{Type: engine.ResourceRDSDatabase, Purpose: "analytics"},
		Config: map[string]string{"instance_class": "db.r5.4xlarge"},
	})

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected oversized database plan to be blocked")
	}
	if findViolation(result.Violations, "db-size-limit") == nil {
		t.Fatalf("expected db-size-limit violation, got %+v", result.Violations)
	}
}

func TestSetEnabledDisablesPolicy(t *testing.T) {
	e := testEngine(t)

	if err := e.SetEnabled("instance-size-limit", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}

	plan := webServerPlan()
	plan.Nodes[3].Config["instance_type"] = "p3.16xlarge"

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected disabled policy to be skipped, violations: %+v", result.Violations)
	}

	if err := e.SetEnabled("no-such-policy", false); err == nil {
		t.Error("expected error for unknown policy name")
	}
}

func TestReplaceRejectsInvalidRego(t *testing.T) {
	e := testEngine(t)

	err := e.Replace([]Policy{{
		Name:     "broken",
		Rego:     "this is not rego",
		Severity: SeverityError,
		Enabled:  true,
	}})
	if err == nil {
		t.Fatal("expected compile error for invalid rego")
	}

	// The previous policy set must survive a failed replace.
	if len(e.ListPolicies()) != len(BuiltinPolicies()) {
		t.Errorf("expected built-ins to remain after failed replace, got %d policies", len(e.ListPolicies()))
	}
}

func TestReplaceOverridesBuiltin(t *testing.T) {
	e := testEngine(t)

	err := e.Replace([]Policy{{
		Name:        "monthly-cost-limit",
		Description: "raised budget",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package nimbus.guardrails

import rego.v1

deny contains result if {
	input.total_monthly_cost > 1000
	result := {"message": "over the raised budget"}
}
`,
	}})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	plan := webServerPlan()
	plan.Nodes[3].EstimatedMonthlyCost = 650

	result, err := e.EvaluatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("EvaluatePlan failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected $650 plan to pass the raised budget, violations: %+v", result.Violations)
	}
}

func TestListPoliciesSorted(t *testing.T) {
	e := testEngine(t)

	policies := e.ListPolicies()
	if len(policies) != len(BuiltinPolicies()) {
		t.Fatalf("expected %d policies, got %d", len(BuiltinPolicies()), len(policies))
	}
	for i := 1; i < len(policies); i++ {
		if policies[i-1].Name > policies[i].Name {
			t.Errorf("policies not sorted: %s before %s", policies[i-1].Name, policies[i].Name)
		}
	}
}
