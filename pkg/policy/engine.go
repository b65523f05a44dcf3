// Package policy evaluates guardrails against creation plans before any
// provider call is made. Guardrails are Rego policies: the built-in set
// ships in the binary and operators can layer their own from disk, with
// hot reload on file change.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// Engine compiles and evaluates guardrail policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   *Policy
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in guardrails loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	builtin := BuiltinPolicies()
	for i := range builtin {
		if err := e.compileAndStore(&builtin[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(builtin)).Msg("built-in guardrails loaded")
	return e, nil
}

// EvaluatePlan runs every enabled guardrail against the plan. The plan is
// blocked when any error-severity violation fires.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.CreationPlan) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var total float64
	for i := range plan.Nodes {
		total += plan.Nodes[i].EstimatedMonthlyCost
	}
	input := &Input{
		Plan:             plan,
		TotalMonthlyCost: total,
		Timestamp:        time.Now().UTC(),
	}

	var violations []Violation
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		violations = append(violations, found...)
	}

	allowed := true
	for i := range violations {
		if violations[i].Severity == SeverityError {
			allowed = false
			break
		}
	}

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(violations)).
		Bool("allowed", allowed).
		Msg("plan guardrails evaluated")

	return &Result{
		Allowed:     allowed,
		Violations:  violations,
		EvaluatedAt: time.Now().UTC(),
	}, nil
}

// evaluatePolicy queries the policy package's deny rule.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(cp.policy.Rego))

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.violation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// violation converts one deny result into a Violation. Deny results are
// either plain strings or {node, message} objects.
func (e *Engine) violation(policy *Policy, result interface{}) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}
	switch val := result.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if node, ok := val["node"].(string); ok {
			v.Node = node
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

func (e *Engine) compileAndStore(policy *Policy) error {
	if _, err := ast.ParseModule(policy.Name, policy.Rego); err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		compiled: time.Now(),
	}
	return nil
}

// LoadPolicies adds file-based policies on top of the built-ins. A file
// policy with a built-in's name replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Replace(policies)
}

// Replace swaps in a new set of file-based policies, keeping built-ins
// that are not overridden. Used by the hot-reload watcher.
func (e *Engine) Replace(policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledPolicy)
	builtin := BuiltinPolicies()
	for i := range builtin {
		next[builtin[i].Name] = &compiledPolicy{policy: &builtin[i], compiled: time.Now()}
	}
	old := e.policies
	e.policies = next
	for i := range policies {
		if err := e.compileAndStore(&policies[i]); err != nil {
			e.policies = old
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(e.policies)).Msg("guardrails replaced")
	return nil
}

// ListPolicies returns every loaded policy sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, *cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetEnabled toggles a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	return nil
}

func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return strings.Fields(trimmed)[1]
		}
	}
	return "nimbus.guardrails"
}
