package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Executor runs a single plan node against the provider. Implementations
// must be idempotent per node: retrying a node whose idempotency key already
// produced a resource returns the existing resource's record.
type Executor interface {
	// Execute creates the node's resource and returns its execution record.
	// On failure it returns a record describing the attempts alongside the
	// classified error.
	Execute(ctx context.Context, node *PlanNode) (*ExecutionRecord, error)

	// Delete removes a previously created resource. Used for rollback and
	// user-driven cleanup.
	Delete(ctx context.Context, record *ExecutionRecord) error
}

// RunOptions controls plan execution.
type RunOptions struct {
	// Strict enables rollback-on-failure: any node failure deletes every
	// created node in reverse order and fails the plan as a whole.
	Strict bool

	// MaxParallel caps concurrently executing nodes. Zero means the default.
	MaxParallel int
}

// DefaultMaxParallel bounds concurrent provider calls per plan.
const DefaultMaxParallel = 4

// Orchestrator walks a CreationPlan in dependency order, invoking the
// Executor for each ready node. It is the only mutator of a plan's node
// statuses for the duration of a run.
type Orchestrator struct {
	executor Executor
	logger   zerolog.Logger
	observer RunObserver
}

// RunObserver receives execution milestones, typically for metrics.
// A nil observer is valid.
type RunObserver interface {
	NodeFinished(resourceType ResourceType, status NodeStatus, duration time.Duration)
	PlanFinished(status PlanStatus, duration time.Duration)
	RollbackAttempted(resourceType ResourceType, ok bool)
}

// NewOrchestrator creates an orchestrator backed by the given executor.
func NewOrchestrator(executor Executor, logger zerolog.Logger, observer RunObserver) *Orchestrator {
	return &Orchestrator{
		executor: executor,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		observer: observer,
	}
}

// outcome carries one node's result from its worker goroutine back to the
// dispatch loop.
type outcome struct {
	id     string
	record *ExecutionRecord
	err    error
}

// Run executes the plan to completion and returns the result. Node statuses
// are mutated in place; once Run returns the plan is read-only.
//
// Cancellation via ctx stops scheduling of new nodes immediately but lets
// in-flight provider calls finish, so no resource is left in an unknown
// state. Already-created nodes are then handled per the strict policy.
func (o *Orchestrator) Run(ctx context.Context, plan *CreationPlan, opts RunOptions) (*RunResult, error) {
	graph, err := buildPlanGraph(plan)
	if err != nil {
		return nil, err
	}

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	result := &RunResult{
		RunID:     uuid.New().String(),
		PlanID:    plan.ID,
		Status:    PlanStatusRunning,
		Records:   make(map[string]*ExecutionRecord, len(plan.Nodes)),
		StartedAt: time.Now(),
	}

	log := o.logger.With().
		Str("run_id", result.RunID).
		Str("plan_id", plan.ID).
		Str("session_id", plan.SessionID).
		Logger()
	log.Info().Int("nodes", len(plan.Nodes)).Bool("strict", opts.Strict).Msg("plan execution started")

	results := make(chan outcome)
	sem := make(chan struct{}, maxParallel)

	inFlight := 0
	cancelled := false
	anyFailed := false

	launch := func(id string) {
		node := plan.Node(id)
		// Dependencies have all completed by the time a node is ready, so
		// their provider IDs can be handed to the executor through config.
		for _, dep := range node.DependsOn {
			if rec, ok := result.Records[dep]; ok && rec.ProviderID != "" {
				node.Config[DepConfigPrefix+string(rec.Type)] = rec.ProviderID
			}
		}
		node.Status = NodeStatusInProgress
		inFlight++
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			rec, execErr := o.executor.Execute(ctx, node)
			results <- outcome{id: id, record: rec, err: execErr}
		}()
	}

	for _, id := range graph.ready() {
		launch(id)
	}

	for inFlight > 0 {
		var out outcome
		if cancelled {
			out = <-results
		} else {
			select {
			case <-ctx.Done():
				cancelled = true
				log.Warn().Msg("cancellation requested, draining in-flight nodes")
				continue
			case out = <-results:
			}
		}
		inFlight--

		node := plan.Node(out.id)
		started := time.Now()
		rec := out.record
		if rec == nil {
			rec = &ExecutionRecord{
				NodeID:         out.id,
				Type:           node.Spec.Type,
				IdempotencyKey: node.IdempotencyKey,
				StartedAt:      started,
				CompletedAt:    time.Now(),
			}
		}
		result.Records[out.id] = rec

		if out.err != nil {
			node.Status = NodeStatusFailed
			anyFailed = true
			if rec.Error == nil {
				rec.Error = asEngineError(out.err, out.id)
			}
			log.Error().Err(out.err).
				Str("node", out.id).
				Str("type", string(node.Spec.Type)).
				Msg("node failed")
			if doomed := graph.transitiveDependents(out.id); len(doomed) > 0 {
				log.Warn().Strs("nodes", doomed).Msg("dependents of failed node will be skipped")
			}
		} else {
			node.Status = NodeStatusCreated
			log.Info().
				Str("node", out.id).
				Str("type", string(node.Spec.Type)).
				Str("provider_id", rec.ProviderID).
				Msg("node created")
		}
		o.observeNode(node.Spec.Type, node.Status, rec.CompletedAt.Sub(rec.StartedAt))

		// Readiness is recomputed on each completion. A failed node never
		// releases its edges, so its dependents stay unscheduled and are
		// marked skipped after the drain. Independent branches keep going
		// in non-strict mode.
		schedule := out.err == nil && !cancelled && !(opts.Strict && anyFailed)
		if schedule {
			for _, ready := range graph.release(out.id) {
				launch(ready)
			}
		}
	}

	o.finalize(ctx, plan, result, opts, cancelled, anyFailed, log)
	result.CompletedAt = time.Now()
	if o.observer != nil {
		o.observer.PlanFinished(result.Status, result.CompletedAt.Sub(result.StartedAt))
	}
	log.Info().Str("status", string(result.Status)).Msg("plan execution finished")
	return result, nil
}

// finalize marks unattempted nodes, applies the rollback policy, and decides
// the plan's terminal status.
func (o *Orchestrator) finalize(
	ctx context.Context,
	plan *CreationPlan,
	result *RunResult,
	opts RunOptions,
	cancelled, anyFailed bool,
	log zerolog.Logger,
) {
	now := time.Now()
	for i := range plan.Nodes {
		node := &plan.Nodes[i]
		if node.Status != NodeStatusPending {
			continue
		}
		node.Status = NodeStatusSkipped
		code := ErrCodeDependencyFailed
		msg := "dependency failed, node never attempted"
		if cancelled && !anyFailed {
			code = ErrCodeCancelled
			msg = "execution cancelled before node was attempted"
		}
		result.Records[node.ID] = &ExecutionRecord{
			NodeID:         node.ID,
			Type:           node.Spec.Type,
			IdempotencyKey: node.IdempotencyKey,
			StartedAt:      now,
			CompletedAt:    now,
			Error:          NewPermanentError(msg, nil).WithCode(code).WithNode(node.ID),
		}
		o.observeNode(node.Spec.Type, NodeStatusSkipped, 0)
	}

	rollback := opts.Strict && (anyFailed || cancelled)
	if rollback {
		o.rollback(ctx, plan, result, log)
	}

	var created, failed, skipped, rolledBack int
	for i := range plan.Nodes {
		switch plan.Nodes[i].Status {
		case NodeStatusCreated:
			created++
		case NodeStatusFailed:
			failed++
		case NodeStatusSkipped:
			skipped++
		case NodeStatusRolledBack:
			rolledBack++
		}
	}

	switch {
	case cancelled:
		result.Status = PlanStatusCancelled
	case rollback:
		result.Status = PlanStatusFailed
	case failed == 0 && skipped == 0:
		result.Status = PlanStatusSucceeded
	case created > 0:
		result.Status = PlanStatusPartial
	default:
		result.Status = PlanStatusFailed
	}
}

// rollback deletes created nodes in reverse plan order. Each deletion is
// attempted once; a failure flags the run RollbackFailed and leaves the node
// created so the ledger shows exactly what still exists.
func (o *Orchestrator) rollback(ctx context.Context, plan *CreationPlan, result *RunResult, log zerolog.Logger) {
	for i := len(plan.Nodes) - 1; i >= 0; i-- {
		node := &plan.Nodes[i]
		if node.Status != NodeStatusCreated {
			continue
		}
		rec := result.Records[node.ID]
		if rec == nil {
			continue
		}
		if err := o.executor.Delete(ctx, rec); err != nil {
			result.RollbackFailed = true
			rec.Error = NewPermanentError("rollback deletion failed", err).
				WithCode(ErrCodeRollbackFailed).
				WithNode(node.ID).
				WithOperation("delete")
			log.Error().Err(err).Str("node", node.ID).Msg("rollback failed, resource left in place")
			if o.observer != nil {
				o.observer.RollbackAttempted(node.Spec.Type, false)
			}
			continue
		}
		node.Status = NodeStatusRolledBack
		log.Info().Str("node", node.ID).Msg("node rolled back")
		if o.observer != nil {
			o.observer.RollbackAttempted(node.Spec.Type, true)
		}
	}
}

func (o *Orchestrator) observeNode(t ResourceType, s NodeStatus, d time.Duration) {
	if o.observer != nil {
		o.observer.NodeFinished(t, s, d)
	}
}

// asEngineError normalizes arbitrary executor errors into classified ones.
func asEngineError(err error, nodeID string) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError(fmt.Sprintf("execution failed: %v", err), err).
		WithCode(ErrCodeExecutionFailed).
		WithNode(nodeID)
}
