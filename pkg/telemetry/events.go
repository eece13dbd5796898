package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the deployment engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// DeploymentID is the associated deployment, if applicable.
	DeploymentID string `json:"deployment_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for deployment lifecycle events.
const (
	EventTypeDeploymentCreated   = "deployment.created"
	EventTypeDeploymentStarted   = "deployment.started"
	EventTypeDeploymentPhase     = "deployment.phase"
	EventTypeDeploymentLog       = "deployment.log"
	EventTypeDeploymentCompleted = "deployment.completed"
	EventTypeDeploymentFailed    = "deployment.failed"
	EventTypeDestroyStarted      = "destroy.started"
	EventTypeDestroyCompleted    = "destroy.completed"
	EventTypeDestroyFailed       = "destroy.failed"
	EventTypeCredentialWarning   = "credential.unavailable"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishDeploymentStarted publishes a provisioning-run started event.
func (ep *EventPublisher) PublishDeploymentStarted(deploymentID string) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentStarted,
		Source:       "engine",
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Deployment %s provisioning started", deploymentID),
		Level:        EventLevelInfo,
	})
}

// PublishDeploymentPhase publishes a status transition event.
func (ep *EventPublisher) PublishDeploymentPhase(deploymentID, from, to string) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentPhase,
		Source:       "engine",
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Deployment %s: %s -> %s", deploymentID, from, to),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishDeploymentLog publishes one appended deployment log line.
func (ep *EventPublisher) PublishDeploymentLog(deploymentID, line string) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentLog,
		Source:       "engine",
		DeploymentID: deploymentID,
		Message:      line,
		Level:        EventLevelInfo,
	})
}

// PublishDeploymentCompleted publishes a deployment completed event.
func (ep *EventPublisher) PublishDeploymentCompleted(deploymentID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentCompleted,
		Source:       "engine",
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Deployment %s completed", deploymentID),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishDeploymentFailed publishes a deployment failed event.
func (ep *EventPublisher) PublishDeploymentFailed(deploymentID, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentFailed,
		Source:       "engine",
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Deployment %s failed: %s", deploymentID, reason),
		Level:        EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishCredentialWarning publishes a non-fatal credential fetch warning.
func (ep *EventPublisher) PublishCredentialWarning(deploymentID, kind, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeCredentialWarning,
		Source:       "engine",
		DeploymentID: deploymentID,
		Message:      fmt.Sprintf("Deployment %s: %s credential unavailable: %s", deploymentID, kind, reason),
		Level:        EventLevelWarning,
		Data: map[string]interface{}{
			"kind":   kind,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter receives all events.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain whatever is buffered before shutting down
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByDeploymentID creates a filter that only allows events for a
// specific deployment.
func FilterByDeploymentID(deploymentID string) EventFilter {
	return func(event Event) bool {
		return event.DeploymentID == deploymentID
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
