// Package executor runs individual plan nodes against a provider with
// idempotent, classified retries. It sits between the orchestrator, which
// decides when a node runs, and the provider, which makes the actual API
// calls.
package executor

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusinfra/nimbus/pkg/engine"
)

// Provider creates, finds and deletes concrete resources. Implementations
// must classify failures as *engine.EngineError; anything else is treated
// as permanent.
type Provider interface {
	// Create provisions the resource a node describes and returns the
	// provider-assigned identifier.
	Create(ctx context.Context, node *engine.PlanNode) (string, error)

	// Find looks up a resource previously created under the node's
	// idempotency key. It returns found=false when no such resource exists.
	Find(ctx context.Context, node *engine.PlanNode) (id string, found bool, err error)

	// Delete removes a resource created earlier in this run.
	Delete(ctx context.Context, rec *engine.ExecutionRecord) error
}

// Options tunes retry behavior.
type Options struct {
	// MaxAttempts is the total number of provider calls per node, the
	// first attempt included. Zero means DefaultMaxAttempts.
	MaxAttempts int

	// BaseDelay is the first retry delay for transient errors. Throttled
	// errors wait five times longer. Zero means DefaultBaseDelay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Zero means DefaultMaxDelay.
	MaxDelay time.Duration
}

const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = time.Minute
)

// Executor is a retrying, idempotent engine.Executor backed by a Provider.
type Executor struct {
	provider Provider
	opts     Options
	logger   zerolog.Logger
}

// New creates an executor around the given provider.
func New(provider Provider, opts Options, logger zerolog.Logger) *Executor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	return &Executor{
		provider: provider,
		opts:     opts,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// Execute creates the node's resource. A resource already present under
// the node's idempotency key is adopted instead of recreated, so re-running
// a plan after a crash never double-provisions.
func (e *Executor) Execute(ctx context.Context, node *engine.PlanNode) (*engine.ExecutionRecord, error) {
	rec := &engine.ExecutionRecord{
		NodeID:               node.ID,
		Type:                 node.Spec.Type,
		IdempotencyKey:       node.IdempotencyKey,
		Config:               node.Config,
		EstimatedMonthlyCost: node.EstimatedMonthlyCost,
		StartedAt:            time.Now().UTC(),
	}

	if id, found, err := e.provider.Find(ctx, node); err == nil && found {
		rec.ProviderID = id
		rec.CompletedAt = time.Now().UTC()
		e.logger.Info().Str("node", node.ID).Str("provider_id", id).
			Msg("adopted existing resource")
		return rec, nil
	} else if err != nil {
		// Lookup failures are not fatal; creation below still carries the
		// idempotency key.
		e.logger.Warn().Err(err).Str("node", node.ID).Msg("idempotency lookup failed")
	}

	var lastErr error
	for attempt := 0; attempt < e.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.backoff(attempt-1, lastErr)):
			case <-ctx.Done():
				return e.fail(rec, node, e.cancelled(ctx, node))
			}
		}

		rec.Attempts++
		id, err := e.provider.Create(ctx, node)
		if err == nil {
			rec.ProviderID = id
			rec.CompletedAt = time.Now().UTC()
			return rec, nil
		}
		lastErr = classify(err)
		e.logger.Warn().Err(lastErr).Str("node", node.ID).Int("attempt", rec.Attempts).
			Msg("create attempt failed")

		if !engine.IsRetryable(lastErr) {
			break
		}
		if ctx.Err() != nil {
			lastErr = e.cancelled(ctx, node)
			break
		}
	}
	return e.fail(rec, node, lastErr)
}

// Delete removes a created resource, classifying the failure if any.
func (e *Executor) Delete(ctx context.Context, rec *engine.ExecutionRecord) error {
	if err := e.provider.Delete(ctx, rec); err != nil {
		return classify(err).WithNode(rec.NodeID).WithOperation("delete")
	}
	return nil
}

func (e *Executor) fail(rec *engine.ExecutionRecord, node *engine.PlanNode, err error) (*engine.ExecutionRecord, error) {
	ee := classify(err).WithNode(node.ID).WithOperation("create")
	rec.Error = ee
	rec.CompletedAt = time.Now().UTC()
	return rec, ee
}

func (e *Executor) cancelled(ctx context.Context, node *engine.PlanNode) error {
	return engine.NewPermanentError("execution cancelled", ctx.Err()).
		WithCode(engine.ErrCodeCancelled).WithNode(node.ID)
}

// backoff returns the delay before retry number attempt+1. Throttled
// errors start from a longer base than plain transient failures.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	base := e.opts.BaseDelay
	if engine.IsThrottled(err) {
		base = 5 * e.opts.BaseDelay
	}
	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > e.opts.MaxDelay {
		delay = e.opts.MaxDelay
	}
	return delay
}

// classify normalizes an error into an *engine.EngineError. Unclassified
// errors are treated as permanent.
func classify(err error) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return engine.NewPermanentError("execution failed", err).
		WithCode(engine.ErrCodeExecutionFailed)
}
