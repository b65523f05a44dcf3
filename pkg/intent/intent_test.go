package intent

import (
	"errors"
	"testing"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

func TestValidateProvision(t *testing.T) {
	i := &Intent{
		SessionID: "session-1",
		Action:    ActionProvision,
		Provision: &Provision{
			ResourceType: "ec2-instance",
			Purpose:      "web_server",
			Mode:         "easy",
		},
	}
	if err := i.Validate(); err != nil {
		t.Fatalf("expected valid intent, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		intent *Intent
	}{
		{"missing session", &Intent{Action: ActionProvision, Provision: &Provision{ResourceType: "s3-bucket"}}},
		{"unknown action", &Intent{SessionID: "s", Action: "destroy"}},
		{"provision without payload", &Intent{SessionID: "s", Action: ActionProvision}},
		{"provision without type", &Intent{SessionID: "s", Action: ActionProvision, Provision: &Provision{}}},
		{"bad mode", &Intent{SessionID: "s", Action: ActionProvision, Provision: &Provision{ResourceType: "s3-bucket", Mode: "wizard"}}},
		{"answer without plan", &Intent{SessionID: "s", Action: ActionAnswer, Answer: &Answer{Answers: map[string]string{"name": "x"}}}},
		{"cleanup with nothing selected", &Intent{SessionID: "s", Action: ActionCleanup, Cleanup: &Cleanup{}}},
		{"negative unused age", &Intent{SessionID: "s", Action: ActionFindUnused, FindUnused: &FindUnused{OlderThanDays: -1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.intent.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var engErr *engine.EngineError
			if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeValidation {
				t.Errorf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestValidateListActiveNeedsNoPayload(t *testing.T) {
	i := &Intent{SessionID: "session-1", Action: ActionListActive}
	if err := i.Validate(); err != nil {
		t.Fatalf("list_active should not need a payload: %v", err)
	}
}

func TestDecode(t *testing.T) {
	data := []byte(`{
		"session_id": "session-1",
		"action": "provision",
		"provision": {"resource_type": "rds-database", "purpose": "ecommerce", "strict": true}
	}`)
	i, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if i.Provision.ResourceType != "rds-database" || !i.Provision.Strict {
		t.Errorf("unexpected decoded intent: %+v", i.Provision)
	}

	if _, err := Decode([]byte("{not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := Decode([]byte(`{"action": "provision"}`)); err == nil {
		t.Error("expected validation error for incomplete intent")
	}
}
