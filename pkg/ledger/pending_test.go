package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

func testPendingPlan(sessionID string) *PendingPlan {
	plan := &engine.CreationPlan{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Mode:      engine.ModeCustomize,
		Target:    engine.ResourceSpec{Type: engine.ResourceEC2Instance, Purpose: "web_server"},
		CreatedAt: time.Now().UTC(),
		Nodes: []engine.PlanNode{{
			ID:     "ec2-instance/web_server",
			Spec:   engine.ResourceSpec{Type: engine.ResourceEC2Instance, Purpose: "web_server"},
			Config: map[string]string{"instance_type": "t3.medium"},
			Status: engine.NodeStatusPending,
		}},
	}
	return &PendingPlan{
		Plan:      plan,
		SessionID: sessionID,
		Strict:    true,
		Answers:   map[string]string{"instance_type": "t3.small"},
	}
}

func TestPendingPlanRoundTrip(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	p := testPendingPlan("session-1")

	if err := l.SavePendingPlan(ctx, p); err != nil {
		t.Fatalf("SavePendingPlan failed: %v", err)
	}

	got, err := l.LoadPendingPlan(ctx, p.Plan.ID)
	if err != nil {
		t.Fatalf("LoadPendingPlan failed: %v", err)
	}
	if got.SessionID != "session-1" || !got.Strict {
		t.Errorf("loaded plan = %+v, want session-1 strict", got)
	}
	if got.Plan.ID != p.Plan.ID || got.Plan.Mode != engine.ModeCustomize {
		t.Errorf("plan did not survive the round trip: %+v", got.Plan)
	}
	if len(got.Plan.Nodes) != 1 || got.Plan.Nodes[0].Config["instance_type"] != "t3.medium" {
		t.Errorf("node config lost: %+v", got.Plan.Nodes)
	}
	if got.Answers["instance_type"] != "t3.small" {
		t.Errorf("answers lost: %+v", got.Answers)
	}

	// Saving again with more answers updates in place.
	p.Answers["name"] = "shop"
	if err := l.SavePendingPlan(ctx, p); err != nil {
		t.Fatalf("second SavePendingPlan failed: %v", err)
	}
	got, err = l.LoadPendingPlan(ctx, p.Plan.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got.Answers["name"] != "shop" {
		t.Errorf("updated answers lost: %+v", got.Answers)
	}
}

func TestPendingPlanDelete(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()
	p := testPendingPlan("session-1")

	if err := l.SavePendingPlan(ctx, p); err != nil {
		t.Fatalf("SavePendingPlan failed: %v", err)
	}
	if err := l.DeletePendingPlan(ctx, p.Plan.ID); err != nil {
		t.Fatalf("DeletePendingPlan failed: %v", err)
	}

	_, err := l.LoadPendingPlan(ctx, p.Plan.ID)
	if err == nil {
		t.Fatal("expected the deleted plan to be gone")
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeNotFound {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}

	// Deleting a missing plan is not an error.
	if err := l.DeletePendingPlan(ctx, "missing"); err != nil {
		t.Errorf("DeletePendingPlan(missing) = %v", err)
	}
}
