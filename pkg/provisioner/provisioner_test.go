package provisioner

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusinfra/nimbus/pkg/catalog"
	"github.com/nimbusinfra/nimbus/pkg/engine"
	"github.com/nimbusinfra/nimbus/pkg/executor"
	"github.com/nimbusinfra/nimbus/pkg/intent"
	"github.com/nimbusinfra/nimbus/pkg/ledger"
	"github.com/nimbusinfra/nimbus/pkg/policy"
	"github.com/nimbusinfra/nimbus/pkg/resolver"
	"github.com/nimbusinfra/nimbus/pkg/telemetry"
)

// fakeProvider provisions in memory. Failures are scripted per resource
// type.
type fakeProvider struct {
	mu      sync.Mutex
	fail    map[engine.ResourceType]error
	created map[string]engine.ResourceType
	deleted []string
	delErr  map[string]error
	serial  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		fail:    map[engine.ResourceType]error{},
		created: map[string]engine.ResourceType{},
		delErr:  map[string]error{},
	}
}

func (f *fakeProvider) Create(ctx context.Context, node *engine.PlanNode) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[node.Spec.Type]; ok {
		return "", err
	}
	f.serial++
	id := fmt.Sprintf("prov-%s-%d", node.Spec.Type, f.serial)
	f.created[id] = node.Spec.Type
	return id, nil
}

func (f *fakeProvider) Find(ctx context.Context, node *engine.PlanNode) (string, bool, error) {
	return "", false, nil
}

func (f *fakeProvider) Delete(ctx context.Context, rec *engine.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.delErr[rec.ProviderID]; ok {
		return err
	}
	delete(f.created, rec.ProviderID)
	f.deleted = append(f.deleted, rec.ProviderID)
	return nil
}

func newTestLedger(t *testing.T, path string) *ledger.Ledger {
	t.Helper()
	led, err := ledger.New(ledger.Config{Path: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	if err := led.Init(context.Background()); err != nil {
		t.Fatalf("failed to init ledger: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })
	return led
}

func newTestTelemetry(t *testing.T, eventsEnabled bool) *telemetry.Telemetry {
	t.Helper()
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "nimbus-test", "test", "test")
	if err != nil {
		t.Fatalf("failed to build tracer: %v", err)
	}
	return &telemetry.Telemetry{
		Logger:  zerolog.Nop(),
		Tracer:  tracer,
		Metrics: telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false}),
		Events:  telemetry.NewEvents(telemetry.EventsConfig{Enabled: eventsEnabled, BufferSize: 64}),
	}
}

func newProvisionerWith(t *testing.T, provider *fakeProvider, led *ledger.Ledger, tel *telemetry.Telemetry) *Provisioner {
	t.Helper()

	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	guard, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to build policy engine: %v", err)
	}
	exec := executor.New(provider, executor.Options{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, zerolog.Nop())

	return New(cat, resolver.New(cat, zerolog.Nop()), guard, exec, led, tel, Options{})
}

func newTestProvisioner(t *testing.T, provider *fakeProvider) *Provisioner {
	t.Helper()
	led := newTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
	return newProvisionerWith(t, provider, led, newTestTelemetry(t, false))
}

func provisionIntent(sessionID, resourceType, purpose string, strict bool) *intent.Intent {
	return &intent.Intent{
		SessionID: sessionID,
		Action:    intent.ActionProvision,
		Provision: &intent.Provision{
			ResourceType: resourceType,
			Purpose:      purpose,
			Strict:       strict,
		},
	}
}

func TestProvisionWebServerEasy(t *testing.T) {
	provider := newFakeProvider()
	p := newTestProvisioner(t, provider)

	resp, err := p.Handle(context.Background(), provisionIntent("session-1", "ec2-instance", "web_server", false))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	s := resp.Summary
	if s == nil {
		t.Fatalf("expected a summary, got %+v", resp)
	}
	if s.Status != engine.PlanStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", s.Status)
	}
	if len(s.Created) != 4 {
		t.Fatalf("expected 4 created resources, got %d", len(s.Created))
	}
	if last := s.Created[3]; last.Type != engine.ResourceEC2Instance {
		t.Errorf("expected the instance last, got %s", last.Type)
	}
	if s.Created[3].Config["instance_type"] != "t3.medium" {
		t.Errorf("expected web_server profile config, got %q", s.Created[3].Config["instance_type"])
	}
	if s.TotalMonthlyCost != 33.87 {
		t.Errorf("expected cost 33.87, got %.2f", s.TotalMonthlyCost)
	}

	wantStep := "Install a web server on the instance"
	found := false
	for _, step := range s.NextSteps {
		if step == wantStep {
			found = true
		}
	}
	if !found {
		t.Errorf("expected next step %q, got %v", wantStep, s.NextSteps)
	}

	active, err := p.ListActive(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active.Active) != 4 {
		t.Errorf("expected 4 active resources, got %d", len(active.Active))
	}
	if active.TotalMonthlyCost != 33.87 {
		t.Errorf("expected active cost 33.87, got %.2f", active.TotalMonthlyCost)
	}
}

func TestProvisionPartialFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.fail[engine.ResourceSecurityGroup] = engine.NewPermanentError("sg limit", nil).
		WithCode(engine.ErrCodeQuotaExceeded)
	p := newTestProvisioner(t, provider)

	resp, err := p.Handle(context.Background(), provisionIntent("session-1", "ec2-instance", "web_server", false))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	s := resp.Summary
	if s.Status != engine.PlanStatusPartial {
		t.Fatalf("expected partial, got %s", s.Status)
	}
	if len(s.Created) != 2 {
		t.Errorf("expected iam-role and log-group created, got %+v", s.Created)
	}
	if len(s.Failed) != 1 || s.Failed[0].Type != engine.ResourceSecurityGroup {
		t.Errorf("expected the security group failed, got %+v", s.Failed)
	}
	if len(s.Skipped) != 1 || s.Skipped[0].Type != engine.ResourceEC2Instance {
		t.Errorf("expected the instance skipped, got %+v", s.Skipped)
	}
	if len(s.NextSteps) != 0 {
		t.Errorf("expected no next steps without the target, got %v", s.NextSteps)
	}
}

func TestProvisionStrictRollsBack(t *testing.T) {
	provider := newFakeProvider()
	provider.fail[engine.ResourceSecurityGroup] = engine.NewPermanentError("sg limit", nil).
		WithCode(engine.ErrCodeQuotaExceeded)
	p := newTestProvisioner(t, provider)

	resp, err := p.Handle(context.Background(), provisionIntent("session-1", "ec2-instance", "web_server", true))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	s := resp.Summary
	if s.Status != engine.PlanStatusFailed {
		t.Fatalf("expected failed, got %s", s.Status)
	}
	if s.RollbackFailed {
		t.Error("rollback should have succeeded")
	}
	if len(s.Created) != 0 {
		t.Errorf("expected nothing left created, got %+v", s.Created)
	}
	if len(s.RolledBack) != 2 {
		t.Errorf("expected iam-role and log-group rolled back, got %+v", s.RolledBack)
	}

	active, err := p.ListActive(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active.Active) != 0 {
		t.Errorf("expected no active resources after rollback, got %d", len(active.Active))
	}
}

func TestCustomizeFlowAndGuardrails(t *testing.T) {
	provider := newFakeProvider()
	p := newTestProvisioner(t, provider)

	resp, err := p.Handle(context.Background(), &intent.Intent{
		SessionID: "session-1",
		Action:    intent.ActionProvision,
		Provision: &intent.Provision{ResourceType: "ec2-instance", Purpose: "web_server", Mode: "customize"},
	})
	if err != nil {
		t.Fatalf("customize provision failed: %v", err)
	}
	if resp.PlanID == "" || len(resp.Questions) != 3 {
		t.Fatalf("expected a parked plan with 3 questions, got %+v", resp)
	}

	// An oversized instance answer must be caught by guardrails.
	resp, err = p.Handle(context.Background(), &intent.Intent{
		SessionID: "session-1",
		Action:    intent.ActionAnswer,
		Answer: &intent.Answer{
			PlanID: resp.PlanID,
			Answers: map[string]string{
				"name":          "experiment",
				"instance_type": "p3.16xlarge",
			},
		},
	})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	s := resp.Summary
	if s == nil || !s.Blocked {
		t.Fatalf("expected the plan to be blocked, got %+v", resp)
	}
	if len(s.Violations) == 0 {
		t.Error("expected guardrail violations in the summary")
	}
	if len(provider.created) != 0 {
		t.Errorf("blocked plan must not create resources, got %v", provider.created)
	}
}

func TestAnswerAcrossInstances(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	provider := newFakeProvider()

	first := newProvisionerWith(t, provider, newTestLedger(t, dbPath), newTestTelemetry(t, false))
	resp, err := first.Handle(context.Background(), &intent.Intent{
		SessionID: "session-1",
		Action:    intent.ActionProvision,
		Provision: &intent.Provision{ResourceType: "ec2-instance", Purpose: "web_server", Mode: "customize"},
	})
	if err != nil {
		t.Fatalf("customize provision failed: %v", err)
	}
	planID := resp.PlanID
	if planID == "" {
		t.Fatalf("expected a parked plan, got %+v", resp)
	}

	// A second stack over the same database, as a new process would build.
	second := newProvisionerWith(t, provider, newTestLedger(t, dbPath), newTestTelemetry(t, false))
	resp, err = second.Handle(context.Background(), &intent.Intent{
		SessionID: "session-1",
		Action:    intent.ActionAnswer,
		Answer:    &intent.Answer{PlanID: planID, Answers: map[string]string{"instance_type": "t3.small"}},
	})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if len(resp.Questions) != 1 || resp.Questions[0].Key != "name" {
		t.Fatalf("expected the name question to remain, got %+v", resp)
	}

	// A third instance picks up the partially answered plan and runs it.
	third := newProvisionerWith(t, provider, newTestLedger(t, dbPath), newTestTelemetry(t, false))
	resp, err = third.Handle(context.Background(), &intent.Intent{
		SessionID: "session-1",
		Action:    intent.ActionAnswer,
		Answer:    &intent.Answer{PlanID: planID, Answers: map[string]string{"name": "rebuilt"}},
	})
	if err != nil {
		t.Fatalf("final answer failed: %v", err)
	}
	s := resp.Summary
	if s == nil || s.Status != engine.PlanStatusSucceeded {
		t.Fatalf("expected the plan to run, got %+v", resp)
	}
	target := s.Created[len(s.Created)-1]
	if target.Config["name"] != "rebuilt" || target.Config["instance_type"] != "t3.small" {
		t.Errorf("answers did not reach the target config: %+v", target.Config)
	}

	if _, err := third.Answer(context.Background(), "session-1", &intent.Answer{
		PlanID:  planID,
		Answers: map[string]string{"name": "again"},
	}); err == nil {
		t.Error("expected the executed plan to no longer be pending")
	}
}

func TestAnswerWrongSessionAcrossInstances(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	provider := newFakeProvider()

	first := newProvisionerWith(t, provider, newTestLedger(t, dbPath), newTestTelemetry(t, false))
	resp, err := first.Handle(context.Background(), &intent.Intent{
		SessionID: "session-1",
		Action:    intent.ActionProvision,
		Provision: &intent.Provision{ResourceType: "ec2-instance", Mode: "customize"},
	})
	if err != nil {
		t.Fatalf("customize provision failed: %v", err)
	}

	second := newProvisionerWith(t, provider, newTestLedger(t, dbPath), newTestTelemetry(t, false))
	if _, err := second.Answer(context.Background(), "session-2", &intent.Answer{
		PlanID:  resp.PlanID,
		Answers: map[string]string{"name": "intruder"},
	}); err == nil {
		t.Error("expected a cross-session answer to fail")
	}
}

func TestProvisionPublishesMilestones(t *testing.T) {
	provider := newFakeProvider()
	led := newTestLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
	tel := newTestTelemetry(t, true)
	t.Cleanup(func() { _ = tel.Events.Shutdown(context.Background()) })
	p := newProvisionerWith(t, provider, led, tel)

	var mu sync.Mutex
	seen := map[string]bool{}
	tel.Events.Subscribe(func(ev telemetry.Event) {
		mu.Lock()
		seen[ev.Type] = true
		mu.Unlock()
	}, telemetry.FilterBySession("session-1"))

	if _, err := p.Handle(context.Background(), provisionIntent("session-1", "s3-bucket", "", false)); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	want := []string{
		telemetry.EventTypePlanBuilt,
		telemetry.EventTypePlanStarted,
		telemetry.EventTypeNodeCreated,
		telemetry.EventTypePlanCompleted,
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		missing := ""
		for _, typ := range want {
			if !seen[typ] {
				missing = typ
			}
		}
		mu.Unlock()
		if missing == "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("event %s was never delivered", missing)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnswerUnknownPlan(t *testing.T) {
	p := newTestProvisioner(t, newFakeProvider())

	_, err := p.Answer(context.Background(), "session-1", &intent.Answer{
		PlanID:  "missing",
		Answers: map[string]string{"name": "x"},
	})
	if err == nil {
		t.Fatal("expected error for unknown pending plan")
	}
}

func TestCleanupAll(t *testing.T) {
	provider := newFakeProvider()
	p := newTestProvisioner(t, provider)

	if _, err := p.Handle(context.Background(), provisionIntent("session-1", "s3-bucket", "data_backup", false)); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	resp, err := p.Handle(context.Background(), &intent.Intent{
		SessionID: "session-1",
		Action:    intent.ActionCleanup,
		Cleanup:   &intent.Cleanup{All: true},
	})
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if len(resp.CleanedUp) != 1 || len(resp.CleanupFailures) != 0 {
		t.Fatalf("expected 1 cleaned resource, got %+v", resp)
	}

	active, err := p.ListActive(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active.Active) != 0 {
		t.Errorf("expected nothing active after cleanup, got %d", len(active.Active))
	}
}

func TestCleanupReportsFailures(t *testing.T) {
	provider := newFakeProvider()
	p := newTestProvisioner(t, provider)

	resp, err := p.Handle(context.Background(), provisionIntent("session-1", "ec2-instance", "web_server", false))
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	blocked := resp.Summary.Created[0].ProviderID
	provider.delErr[blocked] = engine.NewPermanentError("dependent objects", nil).
		WithCode(engine.ErrCodeExecutionFailed)

	resp, err = p.Handle(context.Background(), &intent.Intent{
		SessionID: "session-1",
		Action:    intent.ActionCleanup,
		Cleanup:   &intent.Cleanup{All: true},
	})
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if len(resp.CleanedUp) != 3 {
		t.Errorf("expected 3 cleaned resources, got %v", resp.CleanedUp)
	}
	if _, ok := resp.CleanupFailures[blocked]; !ok {
		t.Errorf("expected %s in cleanup failures, got %+v", blocked, resp.CleanupFailures)
	}

	active, err := p.ListActive(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active.Active) != 1 {
		t.Errorf("expected the failed resource to stay active, got %d", len(active.Active))
	}
}

func TestSuggestFromLedgerEntry(t *testing.T) {
	provider := newFakeProvider()
	p := newTestProvisioner(t, provider)

	if _, err := p.Handle(context.Background(), provisionIntent("session-1", "rds-database", "ecommerce", false)); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	active, err := p.ListActive(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}

	var entryID string
	for _, e := range active.Active {
		if e.ResourceType == engine.ResourceRDSDatabase {
			entryID = e.ID
		}
	}
	if entryID == "" {
		t.Fatal("no ledger entry for the database")
	}

	resp, err := p.Suggest(context.Background(), "session-1", entryID)
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(resp.NextSteps) == 0 {
		t.Error("expected next-step suggestions for the database")
	}

	if _, err := p.Suggest(context.Background(), "session-2", entryID); err == nil {
		t.Error("expected cross-session suggest to fail")
	}
}

func TestFindUnused(t *testing.T) {
	provider := newFakeProvider()
	p := newTestProvisioner(t, provider)

	if _, err := p.Handle(context.Background(), provisionIntent("session-1", "s3-bucket", "", false)); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	resp, err := p.FindUnused(context.Background(), "session-1", 0)
	if err != nil {
		t.Fatalf("FindUnused failed: %v", err)
	}
	if len(resp.Active) != 1 {
		t.Errorf("expected 1 unused resource at age 0, got %d", len(resp.Active))
	}

	resp, err = p.FindUnused(context.Background(), "session-1", 30)
	if err != nil {
		t.Fatalf("FindUnused failed: %v", err)
	}
	if len(resp.Active) != 0 {
		t.Errorf("expected nothing older than 30 days, got %d", len(resp.Active))
	}
}

func TestHandleRejectsInvalidIntent(t *testing.T) {
	p := newTestProvisioner(t, newFakeProvider())

	if _, err := p.Handle(context.Background(), &intent.Intent{Action: intent.ActionProvision}); err == nil {
		t.Fatal("expected validation error")
	}
}
