// Package resolver turns a single resource request into a complete,
// deterministic CreationPlan: it expands catalog companions transitively,
// deduplicates shared companions, resolves easy-mode configuration and
// emits nodes in a stable topological order.
package resolver

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbusinfra/nimbus/pkg/catalog"
	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// Request asks for one target resource.
type Request struct {
	// SessionID is the conversation this request belongs to.
	SessionID string `validate:"required"`

	// Type is the requested resource kind.
	Type engine.ResourceType `validate:"required"`

	// Purpose is the usage tag (web_server, api_endpoint, ...). Empty means
	// general.
	Purpose string
}

// Resolver builds creation plans from catalog data.
type Resolver struct {
	cat    *catalog.Catalog
	logger zerolog.Logger
}

// New creates a resolver backed by the given catalog.
func New(cat *catalog.Catalog, logger zerolog.Logger) *Resolver {
	return &Resolver{cat: cat, logger: logger.With().Str("component", "resolver").Logger()}
}

// BuildPlan expands the request into an easy-mode plan. The result is
// deterministic: the same request against the same catalog yields the same
// node set, the same dependency edges and the same node order.
func (r *Resolver) BuildPlan(req Request) (*engine.CreationPlan, error) {
	return r.build(req, engine.ModeEasy)
}

func (r *Resolver) build(req Request, mode engine.Mode) (*engine.CreationPlan, error) {
	if req.SessionID == "" {
		return nil, engine.NewPermanentError("request has no session ID", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if !r.cat.Has(req.Type) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown resource type %q", req.Type), nil).
			WithCode(engine.ErrCodeUnknownResourceType)
	}

	purpose := req.Purpose
	if purpose == "" {
		purpose = catalog.GeneralPurpose
	}
	target := engine.ResourceSpec{Type: req.Type, Purpose: purpose}

	x := &expansion{cat: r.cat, nodes: map[string]*engine.PlanNode{}}
	if _, err := x.visit(target); err != nil {
		return nil, err
	}

	plan := &engine.CreationPlan{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		Mode:      mode,
		Target:    target,
		Nodes:     x.ordered(),
		CreatedAt: time.Now().UTC(),
	}
	for i := range plan.Nodes {
		// Providers tag created resources with the owning session.
		plan.Nodes[i].Config["session"] = req.SessionID
		plan.Nodes[i].IdempotencyKey = engine.IdempotencyKey(plan.SessionID, plan.ID, plan.Nodes[i].ID)
	}

	r.logger.Debug().
		Str("plan_id", plan.ID).
		Str("target", target.Key()).
		Int("nodes", len(plan.Nodes)).
		Msg("plan built")
	return plan, nil
}

// expansion accumulates plan nodes during companion expansion.
type expansion struct {
	cat   *catalog.Catalog
	nodes map[string]*engine.PlanNode
}

// visit expands one spec and its companions. Companions are visited before
// the spec itself, so edges always point at already-expanded nodes. A spec
// whose key was already expanded is reused as-is, which is what collapses
// shared companions onto a single node.
func (x *expansion) visit(spec engine.ResourceSpec) (string, error) {
	id := spec.Key()
	if _, ok := x.nodes[id]; ok {
		return id, nil
	}

	companions, err := x.cat.Companions(spec.Type)
	if err != nil {
		return "", err
	}
	deps := make([]string, 0, len(companions))
	for _, comp := range companions {
		child := engine.ResourceSpec{Type: comp.Type, Purpose: spec.Purpose}
		if comp.Purpose != "" {
			child.Purpose = comp.Purpose
		}
		if comp.Scope == catalog.ScopeParent {
			child.Scope = id
		}
		childID, err := x.visit(child)
		if err != nil {
			return "", err
		}
		deps = append(deps, childID)
	}

	cfg, cost, err := x.cat.ResolveConfig(spec.Type, spec.Purpose)
	if err != nil {
		return "", err
	}
	x.nodes[id] = &engine.PlanNode{
		ID:                   id,
		Spec:                 spec,
		Config:               cfg,
		DependsOn:            deps,
		EstimatedMonthlyCost: cost,
		Status:               engine.NodeStatusPending,
	}
	return id, nil
}

// ordered emits the expanded nodes in a stable topological order: at each
// step the ready node whose type appears earliest in the catalog goes
// first, with the spec key breaking residual ties.
func (x *expansion) ordered() []engine.PlanNode {
	indegree := make(map[string]int, len(x.nodes))
	dependents := make(map[string][]string, len(x.nodes))
	for id, n := range x.nodes {
		indegree[id] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		oa, ob := x.cat.Order(x.nodes[a].Spec.Type), x.cat.Order(x.nodes[b].Spec.Type)
		if oa != ob {
			return oa < ob
		}
		return a < b
	}

	out := make([]engine.PlanNode, 0, len(x.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]
		out = append(out, *x.nodes[id])
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return out
}
