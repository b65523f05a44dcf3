package engine

import (
	"encoding/json"
	"fmt"
)

// NodeStatus represents the execution state of a single plan node.
type NodeStatus string

const (
	// NodeStatusPending indicates the node is waiting for its dependencies.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusInProgress indicates the provider call for this node is in flight.
	NodeStatusInProgress NodeStatus = "in_progress"

	// NodeStatusCreated indicates the resource was created successfully.
	NodeStatusCreated NodeStatus = "created"

	// NodeStatusFailed indicates the provider call failed permanently.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusSkipped indicates the node was never attempted because a
	// dependency (direct or transitive) failed.
	NodeStatusSkipped NodeStatus = "skipped"

	// NodeStatusRolledBack indicates the created resource was deleted again
	// as part of a strict-mode rollback.
	NodeStatusRolledBack NodeStatus = "rolled_back"
)

// IsTerminal returns true if the node status represents a final state.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCreated || s == NodeStatusFailed ||
		s == NodeStatusSkipped || s == NodeStatusRolledBack
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusPending, NodeStatusInProgress, NodeStatusCreated,
		NodeStatusFailed, NodeStatusSkipped, NodeStatusRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// PlanStatus represents the terminal status of a whole plan execution.
type PlanStatus string

const (
	// PlanStatusPending indicates the plan has not started executing.
	PlanStatusPending PlanStatus = "pending"

	// PlanStatusRunning indicates the plan is currently executing.
	PlanStatusRunning PlanStatus = "running"

	// PlanStatusSucceeded indicates every node reached created.
	PlanStatusSucceeded PlanStatus = "succeeded"

	// PlanStatusPartial indicates some nodes were created while others
	// failed or were skipped (non-strict mode only).
	PlanStatusPartial PlanStatus = "partial"

	// PlanStatusFailed indicates the plan failed as a whole: strict mode
	// with rollback, or no node succeeded.
	PlanStatusFailed PlanStatus = "failed"

	// PlanStatusCancelled indicates the caller cancelled execution before
	// all nodes were attempted.
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsTerminal returns true if the plan status represents a final state.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusSucceeded || s == PlanStatusPartial ||
		s == PlanStatusFailed || s == PlanStatusCancelled
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusPending, PlanStatusRunning, PlanStatusSucceeded,
		PlanStatusPartial, PlanStatusFailed, PlanStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// Mode selects how a plan's configuration is resolved.
type Mode string

const (
	// ModeEasy resolves every configuration value from catalog purpose profiles.
	ModeEasy Mode = "easy"

	// ModeCustomize resolves configuration from user-supplied answers,
	// falling back to catalog defaults for unanswered questions.
	ModeCustomize Mode = "customize"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeEasy, ModeCustomize:
		return nil
	default:
		return fmt.Errorf("invalid mode: %s", m)
	}
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *PlanStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanStatus(str)
	return s.Validate()
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *NodeStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = NodeStatus(str)
	return s.Validate()
}
