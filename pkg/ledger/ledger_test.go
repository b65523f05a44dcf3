package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

func setupLedger(t *testing.T) *Ledger {
	t.Helper()

	l, err := New(Config{Path: filepath.Join(t.TempDir(), "ledger.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	if err := l.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// testRun fabricates a finished web-server run with the given node
// statuses.
func testRun(sessionID string, statuses map[string]engine.NodeStatus) (*engine.CreationPlan, *engine.RunResult) {
	plan := &engine.CreationPlan{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Mode:      engine.ModeEasy,
		Target:    engine.ResourceSpec{Type: engine.ResourceEC2Instance, Purpose: "web_server"},
		CreatedAt: time.Now().UTC(),
	}
	result := &engine.RunResult{
		RunID:   uuid.New().String(),
		PlanID:  plan.ID,
		Status:  engine.PlanStatusSucceeded,
		Records: map[string]*engine.ExecutionRecord{},
	}

	types := map[string]engine.ResourceType{
		"iam-role/web_server":       engine.ResourceIAMRole,
		"security-group/web_server": engine.ResourceSecurityGroup,
		"log-group/web_server":      engine.ResourceLogGroup,
		"ec2-instance/web_server":   engine.ResourceEC2Instance,
	}
	order := []string{
		"iam-role/web_server",
		"security-group/web_server",
		"log-group/web_server",
		"ec2-instance/web_server",
	}
	for _, id := range order {
		status := statuses[id]
		node := engine.PlanNode{
			ID:             id,
			Spec:           engine.ResourceSpec{Type: types[id], Purpose: "web_server"},
			Config:         map[string]string{"k": "v"},
			IdempotencyKey: engine.IdempotencyKey(sessionID, plan.ID, id),
			Status:         status,
		}
		plan.Nodes = append(plan.Nodes, node)

		rec := &engine.ExecutionRecord{
			NodeID:               id,
			Type:                 types[id],
			IdempotencyKey:       node.IdempotencyKey,
			Config:               node.Config,
			EstimatedMonthlyCost: 10,
			Attempts:             1,
		}
		if status == engine.NodeStatusCreated || status == engine.NodeStatusRolledBack {
			rec.ProviderID = "prov-" + id
		}
		if status == engine.NodeStatusFailed {
			rec.Error = engine.NewPermanentError("create failed", nil).
				WithCode(engine.ErrCodeExecutionFailed).WithNode(id)
		}
		if status == engine.NodeStatusSkipped {
			rec.Error = engine.NewPermanentError("dependency failed", nil).
				WithCode(engine.ErrCodeDependencyFailed).WithNode(id)
		}
		result.Records[id] = rec
	}
	return plan, result
}

func allCreated() map[string]engine.NodeStatus {
	return map[string]engine.NodeStatus{
		"iam-role/web_server":       engine.NodeStatusCreated,
		"security-group/web_server": engine.NodeStatusCreated,
		"log-group/web_server":      engine.NodeStatusCreated,
		"ec2-instance/web_server":   engine.NodeStatusCreated,
	}
}

func TestRecordRunAndActiveResources(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	plan, result := testRun("sess-1", allCreated())
	if err := l.RecordRun(ctx, plan, result); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	active, err := l.ActiveResources(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ActiveResources() error = %v", err)
	}
	if len(active) != 4 {
		t.Fatalf("active resources = %d, want 4", len(active))
	}
	for _, e := range active {
		if e.Kind != EntryCreated {
			t.Errorf("entry %s kind = %s, want created", e.NodeID, e.Kind)
		}
		if e.ProviderID == "" {
			t.Errorf("entry %s has no provider ID", e.NodeID)
		}
		if e.ConfigJSON == "" {
			t.Errorf("entry %s has no config", e.NodeID)
		}
	}

	// Another session sees nothing.
	other, err := l.ActiveResources(ctx, "sess-2")
	if err != nil {
		t.Fatalf("ActiveResources(other) error = %v", err)
	}
	if len(other) != 0 {
		t.Errorf("other session active = %d, want 0", len(other))
	}
}

func TestRecordRunMixedOutcome(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	statuses := allCreated()
	statuses["security-group/web_server"] = engine.NodeStatusFailed
	statuses["ec2-instance/web_server"] = engine.NodeStatusSkipped
	plan, result := testRun("sess-1", statuses)
	result.Status = engine.PlanStatusPartial

	if err := l.RecordRun(ctx, plan, result); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	history, err := l.History(ctx, "sess-1", 10, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history entries = %d, want 4", len(history))
	}
	kinds := map[EntryKind]int{}
	for _, e := range history {
		kinds[e.Kind]++
	}
	if kinds[EntryCreated] != 2 || kinds[EntryFailed] != 1 || kinds[EntrySkipped] != 1 {
		t.Errorf("kind counts = %v", kinds)
	}

	active, err := l.ActiveResources(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ActiveResources() error = %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active resources = %d, want 2", len(active))
	}
}

func TestCleanupSupersedesCreated(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	plan, result := testRun("sess-1", allCreated())
	if err := l.RecordRun(ctx, plan, result); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	entry, err := l.FindEntry(ctx, "sess-1", "prov-ec2-instance/web_server")
	if err != nil {
		t.Fatalf("FindEntry() error = %v", err)
	}
	if err := l.RecordCleanup(ctx, entry); err != nil {
		t.Fatalf("RecordCleanup() error = %v", err)
	}

	active, err := l.ActiveResources(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ActiveResources() error = %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("active after cleanup = %d, want 3", len(active))
	}
	for _, e := range active {
		if e.ResourceType == engine.ResourceEC2Instance {
			t.Error("cleaned-up instance still listed as active")
		}
	}

	// The created entry itself is still in history: the ledger never
	// rewrites.
	history, err := l.History(ctx, "sess-1", 10, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 5 {
		t.Errorf("history entries = %d, want 5", len(history))
	}
	if history[0].Kind != EntryCleanedUp {
		t.Errorf("newest entry kind = %s, want cleaned_up", history[0].Kind)
	}
}

func TestRolledBackNotActive(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	statuses := allCreated()
	statuses["iam-role/web_server"] = engine.NodeStatusRolledBack
	statuses["security-group/web_server"] = engine.NodeStatusRolledBack
	statuses["log-group/web_server"] = engine.NodeStatusRolledBack
	statuses["ec2-instance/web_server"] = engine.NodeStatusFailed
	plan, result := testRun("sess-1", statuses)
	result.Status = engine.PlanStatusFailed

	if err := l.RecordRun(ctx, plan, result); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	active, err := l.ActiveResources(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ActiveResources() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active after rollback = %d, want 0", len(active))
	}
}

func TestRollbackFailures(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	plan, result := testRun("sess-1", allCreated())
	// Rollback could not delete the security group.
	result.RollbackFailed = true
	rec := result.Records["security-group/web_server"]
	rec.Error = engine.NewPermanentError("rollback deletion failed", nil).
		WithCode(engine.ErrCodeRollbackFailed).WithNode(rec.NodeID)

	if err := l.RecordRun(ctx, plan, result); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	failures, err := l.RollbackFailures(ctx)
	if err != nil {
		t.Fatalf("RollbackFailures() error = %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("rollback failures = %d, want 1", len(failures))
	}
	if failures[0].ResourceType != engine.ResourceSecurityGroup {
		t.Errorf("failure type = %s, want security-group", failures[0].ResourceType)
	}
}

func TestSessionCost(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	plan, result := testRun("sess-1", allCreated())
	if err := l.RecordRun(ctx, plan, result); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	cost, err := l.SessionCost(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SessionCost() error = %v", err)
	}
	if cost != 40 {
		t.Errorf("session cost = %v, want 40", cost)
	}
}

func TestFindEntryNotFound(t *testing.T) {
	l := setupLedger(t)

	_, err := l.FindEntry(context.Background(), "sess-1", "nope")
	if err == nil {
		t.Fatal("FindEntry() should fail for unknown provider ID")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("not-found error should be permanent, got %v", err)
	}
}

func TestEntryByID(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	plan, result := testRun("sess-1", allCreated())
	if err := l.RecordRun(ctx, plan, result); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	entries, err := l.ActiveResources(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ActiveResources() error = %v", err)
	}

	got, err := l.EntryByID(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("EntryByID() error = %v", err)
	}
	if got.ProviderID != entries[0].ProviderID {
		t.Errorf("EntryByID() provider = %v, want %v", got.ProviderID, entries[0].ProviderID)
	}

	if _, err := l.EntryByID(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ"); err == nil {
		t.Error("EntryByID() should fail for unknown ID")
	}
}

func TestFindUnused(t *testing.T) {
	l := setupLedger(t)
	ctx := context.Background()

	plan, result := testRun("sess-1", allCreated())
	if err := l.RecordRun(ctx, plan, result); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	unused, err := l.FindUnused(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("FindUnused() error = %v", err)
	}
	if len(unused) != 4 {
		t.Errorf("FindUnused(0) = %d entries, want 4", len(unused))
	}

	unused, err = l.FindUnused(ctx, "sess-1", 24*time.Hour)
	if err != nil {
		t.Fatalf("FindUnused() error = %v", err)
	}
	if len(unused) != 0 {
		t.Errorf("FindUnused(24h) = %d entries, want 0", len(unused))
	}
}
