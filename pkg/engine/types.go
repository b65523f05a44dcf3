package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ResourceType identifies a provisionable resource kind.
type ResourceType string

const (
	ResourceEC2Instance    ResourceType = "ec2-instance"
	ResourceLambdaFunction ResourceType = "lambda-function"
	ResourceRDSDatabase    ResourceType = "rds-database"
	ResourceS3Bucket       ResourceType = "s3-bucket"
	ResourceIAMRole        ResourceType = "iam-role"
	ResourceSecurityGroup  ResourceType = "security-group"
	ResourceLogGroup       ResourceType = "log-group"
	ResourceDBSubnetGroup  ResourceType = "db-subnet-group"
)

// DepConfigPrefix prefixes config keys the orchestrator injects before a
// node executes: "dep:<type>" maps to the provider ID of the completed
// dependency of that type.
const DepConfigPrefix = "dep:"

// ResourceSpec identifies what the user (or a dependency template) asked for.
// It is immutable once a plan is built.
type ResourceSpec struct {
	// Type is the resource kind.
	Type ResourceType `json:"type"`

	// Purpose is the usage tag driving easy-mode configuration
	// (web_server, database, api_endpoint, ...).
	Purpose string `json:"purpose"`

	// Scope distinguishes otherwise-identical companions that must not be
	// shared (empty scope means session-wide sharing is allowed).
	Scope string `json:"scope,omitempty"`
}

// Key returns the stable logical identity used for deduplication within a
// plan. Companions requested by multiple parents collapse onto one node when
// their keys match.
func (s ResourceSpec) Key() string {
	if s.Scope == "" {
		return fmt.Sprintf("%s/%s", s.Type, s.Purpose)
	}
	return fmt.Sprintf("%s/%s/%s", s.Type, s.Purpose, s.Scope)
}

// PlanNode is one resource to be created.
type PlanNode struct {
	// ID is the node's logical key within the plan (ResourceSpec.Key()).
	ID string `json:"id"`

	// Spec identifies the resource being created.
	Spec ResourceSpec `json:"spec"`

	// Config is the resolved configuration for the provider call.
	Config map[string]string `json:"config"`

	// DependsOn lists node IDs that must be created before this node.
	// All referenced nodes appear strictly earlier in CreationPlan.Nodes.
	DependsOn []string `json:"depends_on,omitempty"`

	// IdempotencyKey makes repeated provider calls for this node safe.
	// Derived deterministically from (sessionID, planID, nodeID).
	IdempotencyKey string `json:"idempotency_key"`

	// EstimatedMonthlyCost is the catalog's recurring cost estimate in USD.
	EstimatedMonthlyCost float64 `json:"estimated_monthly_cost"`

	// Status is the node's current execution state. Mutated only by the
	// Orchestrator while it owns the plan.
	Status NodeStatus `json:"status"`
}

// CreationPlan is a topologically ordered sequence of plan nodes for one
// request. The Orchestrator owns it exclusively during execution; it is
// read-only once execution completes.
type CreationPlan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// SessionID is the conversation/session this plan belongs to.
	SessionID string `json:"session_id"`

	// Mode records how configuration was resolved.
	Mode Mode `json:"mode"`

	// Target is the spec the user originally requested; its node is always
	// last among the nodes it depends on.
	Target ResourceSpec `json:"target"`

	// Nodes are the plan nodes in execution order: every dependency
	// precedes its dependents.
	Nodes []PlanNode `json:"nodes"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`
}

// Node returns the plan node with the given ID, or nil.
func (p *CreationPlan) Node(id string) *PlanNode {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// IdempotencyKey derives the deterministic key for one node of one plan.
// Repeated calls with identical inputs produce identical keys, which is what
// makes executor retries safe.
func IdempotencyKey(sessionID, planID, nodeID string) string {
	sum := sha256.Sum256([]byte(sessionID + "|" + planID + "|" + nodeID))
	return hex.EncodeToString(sum[:8])
}

// ExecutionRecord is the outcome of running one plan node.
type ExecutionRecord struct {
	// NodeID is the plan node this record belongs to.
	NodeID string `json:"node_id"`

	// Type is the resource kind that was (or was not) created.
	Type ResourceType `json:"type"`

	// ProviderID is the provider-assigned identifier, if creation succeeded.
	ProviderID string `json:"provider_id,omitempty"`

	// IdempotencyKey is the key the executor used for this node.
	IdempotencyKey string `json:"idempotency_key"`

	// Config is the configuration that was applied.
	Config map[string]string `json:"config,omitempty"`

	// StartedAt is when the first attempt began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the final attempt finished.
	CompletedAt time.Time `json:"completed_at"`

	// Attempts is the number of provider calls made, including retries.
	Attempts int `json:"attempts"`

	// EstimatedMonthlyCost is the recurring cost estimate in USD.
	EstimatedMonthlyCost float64 `json:"estimated_monthly_cost"`

	// Error holds the failure detail for failed nodes.
	Error *EngineError `json:"error,omitempty"`
}

// RunResult is the outcome of executing a whole plan.
type RunResult struct {
	// RunID identifies this execution.
	RunID string `json:"run_id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// Status is the plan's terminal status.
	Status PlanStatus `json:"status"`

	// RollbackFailed is set when strict-mode rollback could not delete every
	// created resource. A plan in this state needs manual intervention and
	// is flagged prominently in the ledger.
	RollbackFailed bool `json:"rollback_failed,omitempty"`

	// Records maps node IDs to their execution outcomes. Nodes that were
	// skipped or never scheduled have a record with no provider ID.
	Records map[string]*ExecutionRecord `json:"records"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`
}

// Created returns the records of nodes that reached created and were not
// rolled back, in plan order.
func (r *RunResult) Created(plan *CreationPlan) []*ExecutionRecord {
	out := make([]*ExecutionRecord, 0, len(plan.Nodes))
	for _, n := range plan.Nodes {
		if n.Status == NodeStatusCreated {
			if rec, ok := r.Records[n.ID]; ok {
				out = append(out, rec)
			}
		}
	}
	return out
}
