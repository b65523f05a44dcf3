package ledger

import (
	"time"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// EntryKind says what happened to a resource.
type EntryKind string

const (
	// EntryCreated records a successfully provisioned resource.
	EntryCreated EntryKind = "created"

	// EntryFailed records a node whose provider calls were exhausted.
	EntryFailed EntryKind = "failed"

	// EntrySkipped records a node never attempted because a dependency
	// failed or the run was cancelled.
	EntrySkipped EntryKind = "skipped"

	// EntryRolledBack records a resource deleted by strict-mode rollback.
	EntryRolledBack EntryKind = "rolled_back"

	// EntryRollbackFailed records a resource rollback could not delete; it
	// still exists and needs manual attention.
	EntryRollbackFailed EntryKind = "rollback_failed"

	// EntryCleanedUp records a resource removed by user-driven cleanup.
	EntryCleanedUp EntryKind = "cleaned_up"
)

// Entry is one append-only ledger row. Entries are never updated or
// deleted; later kinds supersede earlier ones for the same provider ID.
type Entry struct {
	// ID is a ULID, so lexicographic order is insertion order.
	ID string `json:"id"`

	SessionID string `json:"session_id"`
	PlanID    string `json:"plan_id"`
	RunID     string `json:"run_id"`
	NodeID    string `json:"node_id"`

	Kind EntryKind `json:"kind"`

	ResourceType engine.ResourceType `json:"resource_type"`
	Purpose      string              `json:"purpose"`

	// ProviderID is set for created, rolled_back, rollback_failed and
	// cleaned_up entries.
	ProviderID string `json:"provider_id,omitempty"`

	ConfigJSON string `json:"config_json,omitempty"`

	EstimatedMonthlyCost float64 `json:"estimated_monthly_cost"`

	// ErrorMessage holds the failure detail for failed and skipped entries.
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
