// Package intent defines the structured requests the conversational surface
// hands to the provisioner. Natural-language parsing happens upstream; by
// the time an Intent exists it is a typed, validated command.
package intent

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// Action is the kind of request.
type Action string

const (
	// ActionProvision creates a resource and its companions.
	ActionProvision Action = "provision"

	// ActionAnswer supplies customize-mode answers for a pending skeleton.
	ActionAnswer Action = "answer"

	// ActionListActive lists the session's active resources.
	ActionListActive Action = "list_active"

	// ActionSuggest returns next-step suggestions for a ledger entry.
	ActionSuggest Action = "suggest"

	// ActionFindUnused lists resources idle past an age threshold.
	ActionFindUnused Action = "find_unused"

	// ActionCleanup deletes previously created resources.
	ActionCleanup Action = "cleanup"
)

// Intent is one structured request. Exactly one payload field matching the
// action must be set.
type Intent struct {
	SessionID string `json:"session_id" validate:"required"`
	Action    Action `json:"action" validate:"required,oneof=provision answer list_active suggest find_unused cleanup"`

	Provision  *Provision  `json:"provision,omitempty"`
	Answer     *Answer     `json:"answer,omitempty"`
	Suggest    *Suggest    `json:"suggest,omitempty"`
	FindUnused *FindUnused `json:"find_unused,omitempty"`
	Cleanup    *Cleanup    `json:"cleanup,omitempty"`
}

// Provision asks for a resource of a given type and purpose.
type Provision struct {
	// ResourceType is the catalog type to create.
	ResourceType string `json:"resource_type" validate:"required"`

	// Purpose selects the easy-mode profile. Empty means general.
	Purpose string `json:"purpose"`

	// Mode is easy or customize. Empty means easy.
	Mode string `json:"mode" validate:"omitempty,oneof=easy customize"`

	// Strict enables rollback-on-failure for the whole plan.
	Strict bool `json:"strict"`
}

// Answer carries customize-mode answers for a pending plan skeleton.
type Answer struct {
	// PlanID identifies the pending skeleton.
	PlanID string `json:"plan_id" validate:"required"`

	// Answers maps question keys to values.
	Answers map[string]string `json:"answers" validate:"required"`
}

// Suggest asks for next steps after a completed plan.
type Suggest struct {
	// EntryID is the ledger entry to suggest from.
	EntryID string `json:"entry_id" validate:"required"`
}

// FindUnused asks for resources created more than OlderThanDays ago.
type FindUnused struct {
	OlderThanDays int `json:"older_than_days" validate:"gte=0"`
}

// Cleanup asks for deletion of created resources.
type Cleanup struct {
	// ProviderIDs limits cleanup to specific resources. Empty with All set
	// cleans up everything active in the session.
	ProviderIDs []string `json:"provider_ids,omitempty"`

	// All cleans up every active resource in the session.
	All bool `json:"all"`
}

var validate = validator.New()

// Validate checks the intent's shape, including that the payload matches
// the action.
func (i *Intent) Validate() error {
	if err := validate.Struct(i); err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("invalid intent: %v", err), err).
			WithCode(engine.ErrCodeValidation)
	}

	var ok bool
	switch i.Action {
	case ActionProvision:
		ok = i.Provision != nil
	case ActionAnswer:
		ok = i.Answer != nil
	case ActionSuggest:
		ok = i.Suggest != nil
	case ActionFindUnused:
		ok = i.FindUnused != nil
	case ActionCleanup:
		ok = i.Cleanup != nil && (i.Cleanup.All || len(i.Cleanup.ProviderIDs) > 0)
	case ActionListActive:
		ok = true
	}
	if !ok {
		return engine.NewPermanentError(
			fmt.Sprintf("intent action %s is missing its payload", i.Action), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// Decode parses and validates an intent from JSON.
func Decode(data []byte) (*Intent, error) {
	var i Intent
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, engine.NewPermanentError("intent is not valid JSON", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := i.Validate(); err != nil {
		return nil, err
	}
	return &i, nil
}
