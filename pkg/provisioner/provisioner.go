// Package provisioner is the facade the conversational surface talks to.
// It turns validated intents into plans, runs them through guardrails and
// the orchestrator, and records every outcome in the session ledger.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nimbusinfra/nimbus/pkg/catalog"
	"github.com/nimbusinfra/nimbus/pkg/engine"
	"github.com/nimbusinfra/nimbus/pkg/intent"
	"github.com/nimbusinfra/nimbus/pkg/ledger"
	"github.com/nimbusinfra/nimbus/pkg/policy"
	"github.com/nimbusinfra/nimbus/pkg/resolver"
	"github.com/nimbusinfra/nimbus/pkg/telemetry"
)

// Options configures the provisioner.
type Options struct {
	// MaxParallel caps concurrent provider calls per plan.
	MaxParallel int

	// CleanupParallel caps concurrent deletes during cleanup.
	CleanupParallel int
}

// Provisioner wires the resolver, guardrails, orchestrator, and ledger
// behind a single intent-driven entry point. Runs within one session are
// strictly serialized.
type Provisioner struct {
	cat      *catalog.Catalog
	resolver *resolver.Resolver
	guard    *policy.Engine
	orch     *engine.Orchestrator
	executor engine.Executor
	ledger   *ledger.Ledger
	tel      *telemetry.Telemetry
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
	pending  map[string]*pendingSkeleton
}

// pendingSkeleton is a customize-mode plan waiting for answers.
type pendingSkeleton struct {
	sessionID string
	skeleton  *resolver.Skeleton
	strict    bool
}

// New builds the provisioner. The executor is shared between plan
// execution and cleanup deletes; the telemetry metrics double as the
// orchestrator's run observer.
func New(cat *catalog.Catalog, res *resolver.Resolver, guard *policy.Engine,
	exec engine.Executor, led *ledger.Ledger, tel *telemetry.Telemetry, opts Options) *Provisioner {
	if opts.CleanupParallel <= 0 {
		opts.CleanupParallel = 4
	}
	return &Provisioner{
		cat:      cat,
		resolver: res,
		guard:    guard,
		orch:     engine.NewOrchestrator(exec, tel.Logger, tel.Metrics),
		executor: exec,
		ledger:   led,
		tel:      tel,
		opts:     opts,
		logger:   tel.Logger.With().Str("component", "provisioner").Logger(),
		sessions: make(map[string]*sync.Mutex),
		pending:  make(map[string]*pendingSkeleton),
	}
}

// Handle validates and dispatches one intent.
func (p *Provisioner) Handle(ctx context.Context, it *intent.Intent) (*Response, error) {
	if err := it.Validate(); err != nil {
		return nil, err
	}
	switch it.Action {
	case intent.ActionProvision:
		return p.Provision(ctx, it.SessionID, it.Provision)
	case intent.ActionAnswer:
		return p.Answer(ctx, it.SessionID, it.Answer)
	case intent.ActionListActive:
		return p.ListActive(ctx, it.SessionID)
	case intent.ActionSuggest:
		return p.Suggest(ctx, it.SessionID, it.Suggest.EntryID)
	case intent.ActionFindUnused:
		return p.FindUnused(ctx, it.SessionID, it.FindUnused.OlderThanDays)
	case intent.ActionCleanup:
		return p.Cleanup(ctx, it.SessionID, it.Cleanup)
	}
	return nil, engine.NewPermanentError(
		fmt.Sprintf("unhandled intent action %q", it.Action), nil).
		WithCode(engine.ErrCodeValidation)
}

// sessionLock serializes plan execution and cleanup per session.
func (p *Provisioner) sessionLock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		p.sessions[sessionID] = lock
	}
	return lock
}

// Provision builds and executes a plan for the requested resource. In
// customize mode with open questions it parks a skeleton and returns the
// questions instead of running.
func (p *Provisioner) Provision(ctx context.Context, sessionID string, req *intent.Provision) (*Response, error) {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	rreq := resolver.Request{
		SessionID: sessionID,
		Type:      engine.ResourceType(req.ResourceType),
		Purpose:   req.Purpose,
	}

	var plan *engine.CreationPlan
	if req.Mode == string(engine.ModeCustomize) {
		skeleton, err := p.resolver.PlanSkeleton(rreq)
		if err != nil {
			return nil, err
		}
		if pending := skeleton.Pending(); len(pending) > 0 {
			if err := p.parkSkeleton(ctx, sessionID, skeleton, req.Strict); err != nil {
				return nil, err
			}
			p.logger.Info().
				Str("session_id", sessionID).
				Str("plan_id", skeleton.Plan.ID).
				Int("questions", len(pending)).
				Msg("plan parked awaiting answers")
			return &Response{PlanID: skeleton.Plan.ID, Questions: pending}, nil
		}
		plan, err = skeleton.Finalize()
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		plan, err = p.resolver.BuildPlan(rreq)
		if err != nil {
			return nil, err
		}
	}

	return p.runPlan(ctx, plan, req.Strict)
}

// parkSkeleton holds a skeleton in memory and persists it to the ledger,
// so a later Answer can resume it from a fresh process.
func (p *Provisioner) parkSkeleton(ctx context.Context, sessionID string, skeleton *resolver.Skeleton, strict bool) error {
	if err := p.ledger.SavePendingPlan(ctx, &ledger.PendingPlan{
		Plan:      skeleton.Plan,
		SessionID: sessionID,
		Strict:    strict,
		Answers:   skeleton.Answers(),
	}); err != nil {
		return fmt.Errorf("plan could not be parked: %w", err)
	}
	p.mu.Lock()
	p.pending[skeleton.Plan.ID] = &pendingSkeleton{
		sessionID: sessionID,
		skeleton:  skeleton,
		strict:    strict,
	}
	p.mu.Unlock()
	return nil
}

// loadParked finds a parked skeleton, first in memory, then in the ledger.
func (p *Provisioner) loadParked(ctx context.Context, sessionID, planID string) (*pendingSkeleton, error) {
	notFound := engine.NewPermanentError(
		fmt.Sprintf("no pending plan %q in this session", planID), nil).
		WithCode(engine.ErrCodeNotFound)

	p.mu.Lock()
	parked, ok := p.pending[planID]
	p.mu.Unlock()
	if ok {
		if parked.sessionID != sessionID {
			return nil, notFound
		}
		return parked, nil
	}

	stored, err := p.ledger.LoadPendingPlan(ctx, planID)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Code == engine.ErrCodeNotFound {
			return nil, notFound
		}
		return nil, err
	}
	if stored.SessionID != sessionID {
		return nil, notFound
	}
	return &pendingSkeleton{
		sessionID: sessionID,
		skeleton:  p.resolver.RestoreSkeleton(stored.Plan, stored.Answers),
		strict:    stored.Strict,
	}, nil
}

// Answer resumes a parked customize-mode plan. It runs the plan once every
// question has an answer or a default.
func (p *Provisioner) Answer(ctx context.Context, sessionID string, req *intent.Answer) (*Response, error) {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	parked, err := p.loadParked(ctx, sessionID, req.PlanID)
	if err != nil {
		return nil, err
	}

	if err := parked.skeleton.Apply(req.Answers); err != nil {
		return nil, err
	}
	if required := parked.skeleton.Required(); len(required) > 0 {
		if err := p.parkSkeleton(ctx, sessionID, parked.skeleton, parked.strict); err != nil {
			return nil, err
		}
		return &Response{PlanID: req.PlanID, Questions: required}, nil
	}

	plan, err := parked.skeleton.Finalize()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	delete(p.pending, req.PlanID)
	p.mu.Unlock()
	if err := p.ledger.DeletePendingPlan(ctx, req.PlanID); err != nil {
		p.logger.Warn().Err(err).Str("plan_id", req.PlanID).Msg("parked plan not cleared")
	}

	return p.runPlan(ctx, plan, parked.strict)
}

// runPlan evaluates guardrails, executes the plan, and records the result.
func (p *Provisioner) runPlan(ctx context.Context, plan *engine.CreationPlan, strict bool) (*Response, error) {
	ctx, span := p.tel.Tracer.StartProvisionSpan(ctx, plan.SessionID, string(plan.Target.Type), plan.Target.Purpose)
	defer span.End()

	p.publish(telemetry.Event{
		Type:      telemetry.EventTypePlanBuilt,
		SessionID: plan.SessionID,
		PlanID:    plan.ID,
		Message:   fmt.Sprintf("plan for %s has %d resources", plan.Target.Key(), len(plan.Nodes)),
	})

	verdict, err := p.guard.EvaluatePlan(ctx, plan)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("guardrail evaluation failed: %w", err)
	}
	for _, v := range verdict.Violations {
		p.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		p.publish(telemetry.Event{
			Type:      telemetry.EventTypePolicyViolation,
			SessionID: plan.SessionID,
			PlanID:    plan.ID,
			NodeID:    v.Node,
			Message:   fmt.Sprintf("%s: %s", v.Policy, v.Message),
			Level:     string(v.Severity),
		})
	}
	if !verdict.Allowed {
		p.logger.Warn().
			Str("plan_id", plan.ID).
			Int("violations", len(verdict.Violations)).
			Msg("plan blocked by guardrails")
		return &Response{Summary: &Summary{
			PlanID:     plan.ID,
			Status:     engine.PlanStatusPending,
			Blocked:    true,
			Violations: verdict.Violations,
		}}, nil
	}

	p.tel.Metrics.PlanStarted()
	p.publish(telemetry.Event{
		Type:      telemetry.EventTypePlanStarted,
		SessionID: plan.SessionID,
		PlanID:    plan.ID,
		Message:   fmt.Sprintf("creating %d resources for %s", len(plan.Nodes), plan.Target.Key()),
	})

	result, err := p.orch.Run(ctx, plan, engine.RunOptions{
		Strict:      strict,
		MaxParallel: p.opts.MaxParallel,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if err := p.ledger.RecordRun(ctx, plan, result); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("run executed but could not be recorded: %w", err)
	}

	p.publishRunEvents(plan, result)
	telemetry.RecordSuccess(span)

	nextSteps := p.cat.Suggestions(plan.Target.Type, plan.Target.Purpose)
	return &Response{Summary: buildSummary(plan, result, verdict.Violations, nextSteps)}, nil
}

// publishRunEvents emits per-node and plan-level milestones.
func (p *Provisioner) publishRunEvents(plan *engine.CreationPlan, result *engine.RunResult) {
	for i := range plan.Nodes {
		node := &plan.Nodes[i]
		ev := telemetry.Event{
			SessionID: plan.SessionID,
			PlanID:    plan.ID,
			NodeID:    node.ID,
		}
		switch node.Status {
		case engine.NodeStatusCreated:
			ev.Type = telemetry.EventTypeNodeCreated
			ev.Message = fmt.Sprintf("%s created", node.ID)
			if rec, ok := result.Records[node.ID]; ok {
				ev.Message = fmt.Sprintf("%s created as %s", node.ID, rec.ProviderID)
			}
		case engine.NodeStatusFailed:
			ev.Type = telemetry.EventTypeNodeFailed
			ev.Level = telemetry.EventLevelError
			ev.Message = fmt.Sprintf("%s failed", node.ID)
			if rec, ok := result.Records[node.ID]; ok && rec.Error != nil {
				p.tel.Metrics.RecordProviderError(rec.Error)
				ev.Message = fmt.Sprintf("%s failed: %s", node.ID, rec.Error.Message)
			}
		case engine.NodeStatusSkipped:
			ev.Type = telemetry.EventTypeNodeSkipped
			ev.Level = telemetry.EventLevelWarning
			ev.Message = fmt.Sprintf("%s skipped after a dependency failure", node.ID)
		case engine.NodeStatusRolledBack:
			ev.Type = telemetry.EventTypeRollback
			ev.Level = telemetry.EventLevelWarning
			ev.Message = fmt.Sprintf("%s rolled back", node.ID)
		default:
			continue
		}
		p.publish(ev)
	}

	level := telemetry.EventLevelInfo
	if result.Status == engine.PlanStatusFailed {
		level = telemetry.EventLevelError
	}
	p.publish(telemetry.Event{
		Type:      telemetry.EventTypePlanCompleted,
		SessionID: plan.SessionID,
		PlanID:    plan.ID,
		Message:   fmt.Sprintf("plan finished with status %s", result.Status),
		Level:     level,
	})
}

// ListActive returns the session's live resources and their summed cost.
func (p *Provisioner) ListActive(ctx context.Context, sessionID string) (*Response, error) {
	entries, err := p.ledger.ActiveResources(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, e := range entries {
		total += e.EstimatedMonthlyCost
	}
	return &Response{Active: entries, TotalMonthlyCost: total}, nil
}

// Suggest returns the catalog's next-step suggestions for a ledger entry.
func (p *Provisioner) Suggest(ctx context.Context, sessionID, entryID string) (*Response, error) {
	entry, err := p.ledger.EntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.SessionID != sessionID {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("entry %q belongs to another session", entryID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return &Response{NextSteps: p.cat.Suggestions(entry.ResourceType, entry.Purpose)}, nil
}

// FindUnused lists active resources older than the given number of days.
func (p *Provisioner) FindUnused(ctx context.Context, sessionID string, olderThanDays int) (*Response, error) {
	entries, err := p.ledger.FindUnused(ctx, sessionID, daysToDuration(olderThanDays))
	if err != nil {
		return nil, err
	}
	var total float64
	for _, e := range entries {
		total += e.EstimatedMonthlyCost
	}
	return &Response{Active: entries, TotalMonthlyCost: total}, nil
}

func (p *Provisioner) publish(ev telemetry.Event) {
	if err := p.tel.Events.Publish(ev); err != nil {
		p.logger.Warn().Err(err).Str("type", ev.Type).Msg("event dropped")
	}
}
