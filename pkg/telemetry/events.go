package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one provisioning milestone, suitable for streaming back to the
// conversational surface.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// SessionID is the session the event belongs to.
	SessionID string `json:"session_id,omitempty"`

	// PlanID is the associated plan, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// NodeID is the associated plan node, if applicable.
	NodeID string `json:"node_id,omitempty"`

	// Message is the human-readable event text.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`
}

// Event types.
const (
	EventTypePlanBuilt       = "plan.built"
	EventTypePlanStarted     = "plan.started"
	EventTypePlanCompleted   = "plan.completed"
	EventTypeNodeCreated     = "node.created"
	EventTypeNodeFailed      = "node.failed"
	EventTypeNodeSkipped     = "node.skipped"
	EventTypeRollback        = "plan.rolled_back"
	EventTypeCleanup         = "cleanup.completed"
	EventTypePolicyViolation = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles published events. Delivery order matches publish
// order within one publisher.
type EventSubscriber func(event Event)

// EventFilter decides whether a subscriber receives an event.
type EventFilter func(event Event) bool

// Events publishes provisioning milestones to subscribers. Delivery runs on
// a single goroutine so subscribers see events in order.
type Events struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	cancel      context.CancelFunc
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEvents creates an event publisher. When disabled Publish is a no-op.
func NewEvents(cfg EventsConfig) *Events {
	if !cfg.Enabled {
		return &Events{config: cfg}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Events{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.deliver(ctx)
	return e
}

// Publish queues an event for delivery. A full buffer drops the event and
// reports an error rather than blocking the provisioning path.
func (e *Events) Publish(event Event) error {
	if !e.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	select {
	case e.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// Subscribe registers a subscriber with an optional filter.
func (e *Events) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (e *Events) deliver(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case event := <-e.buffer:
			e.mu.RLock()
			for _, entry := range e.subscribers {
				if entry.filter != nil && !entry.filter(event) {
					continue
				}
				entry.subscriber(event)
			}
			e.mu.RUnlock()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops delivery. Queued events may be dropped.
func (e *Events) Shutdown(ctx context.Context) error {
	if !e.config.Enabled {
		return nil
	}
	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterBySession passes only events for one session.
func FilterBySession(sessionID string) EventFilter {
	return func(event Event) bool {
		return event.SessionID == sessionID
	}
}

// FilterByLevel passes only events at or above the given level.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	min := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= min
	}
}
