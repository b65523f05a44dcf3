package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nimbusinfra/nimbus/pkg/engine"
	"github.com/nimbusinfra/nimbus/pkg/intent"
	"github.com/nimbusinfra/nimbus/pkg/ledger"
	"github.com/nimbusinfra/nimbus/pkg/telemetry"
)

// Cleanup deletes previously created resources and appends cleaned_up
// entries to the ledger. Failures leave the resource active; the response
// carries them so the user can retry or intervene.
func (p *Provisioner) Cleanup(ctx context.Context, sessionID string, req *intent.Cleanup) (*Response, error) {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := p.tel.Tracer.StartCleanupSpan(ctx, sessionID, len(req.ProviderIDs))
	defer span.End()

	var targets []*ledger.Entry
	if req.All {
		entries, err := p.ledger.ActiveResources(ctx, sessionID)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		targets = entries
	} else {
		for _, providerID := range req.ProviderIDs {
			entry, err := p.ledger.FindEntry(ctx, sessionID, providerID)
			if err != nil {
				telemetry.RecordError(span, err)
				return nil, err
			}
			targets = append(targets, entry)
		}
	}

	var (
		mu       sync.Mutex
		cleaned  []string
		failures = map[string]string{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.CleanupParallel)
	for _, entry := range targets {
		g.Go(func() error {
			if err := p.deleteEntry(gctx, entry); err != nil {
				mu.Lock()
				failures[entry.ProviderID] = err.Error()
				mu.Unlock()
				return nil
			}
			mu.Lock()
			cleaned = append(cleaned, entry.ProviderID)
			mu.Unlock()
			return nil
		})
	}
	// Workers report per-resource failures through the map, so Wait only
	// surfaces context cancellation.
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	sort.Strings(cleaned)

	p.logger.Info().
		Str("session_id", sessionID).
		Int("cleaned", len(cleaned)).
		Int("failed", len(failures)).
		Msg("cleanup finished")
	p.publish(telemetry.Event{
		Type:      telemetry.EventTypeCleanup,
		SessionID: sessionID,
		Message:   fmt.Sprintf("cleaned up %d of %d resources", len(cleaned), len(targets)),
	})
	telemetry.RecordSuccess(span)

	return &Response{CleanedUp: cleaned, CleanupFailures: failures}, nil
}

// deleteEntry removes one resource and records the cleanup.
func (p *Provisioner) deleteEntry(ctx context.Context, entry *ledger.Entry) error {
	rec := &engine.ExecutionRecord{
		NodeID:     entry.NodeID,
		Type:       entry.ResourceType,
		ProviderID: entry.ProviderID,
	}
	if entry.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(entry.ConfigJSON), &rec.Config); err != nil {
			p.logger.Warn().Err(err).Str("entry", entry.ID).Msg("entry config unreadable, deleting without it")
		}
	}

	if err := p.executor.Delete(ctx, rec); err != nil {
		p.logger.Error().Err(err).
			Str("provider_id", entry.ProviderID).
			Str("type", string(entry.ResourceType)).
			Msg("cleanup delete failed")
		return err
	}
	return p.ledger.RecordCleanup(ctx, entry)
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
