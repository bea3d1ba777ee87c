package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/storage"
)

const (
	eventStreamName   = "EVENTS"
	eventSubjects     = "event.>"
	deadLetterSubject = "event.deadletter"

	// WildcardName subscribes a listener to every event.
	WildcardName = "*"

	defaultMaxAttempts = 5
	retryBaseDelay     = 5 * time.Second
	retryMaxDelay      = 10 * time.Minute
)

// Listener receives a delivered event. Errors from sync listeners are
// collected and surfaced to the publisher; errors from queued delivery
// count against the event's retry budget.
type Listener func(ctx context.Context, evt *model.Event) error

// Bus publishes events to in-process listeners, persists queued events
// for retried delivery, and mirrors everything to JetStream for external
// consumers when connected.
type Bus struct {
	logger    *zap.Logger
	store     *storage.EventStore
	js        nats.JetStreamContext
	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewBus creates an event bus. js may be nil for a local-only bus.
func NewBus(store *storage.EventStore, js nats.JetStreamContext, logger *zap.Logger) *Bus {
	return &Bus{
		logger:    logger.Named("event-bus"),
		store:     store,
		js:        js,
		listeners: make(map[string][]Listener),
	}
}

// SetupStreams creates the JetStream event stream if it doesn't exist.
// No-op on a local-only bus.
func (b *Bus) SetupStreams() error {
	if b.js == nil {
		return nil
	}

	_, err := b.js.StreamInfo(eventStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:     eventStreamName,
			Subjects: []string{eventSubjects},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  -1,
		})
		if err != nil {
			return fmt.Errorf("failed to create event stream: %w", err)
		}
		b.logger.Info("Created event stream", zap.String("name", eventStreamName))
	}
	return nil
}

// Subscribe registers a listener for an event name. WildcardName receives
// every event. Listeners are invoked in registration order.
func (b *Bus) Subscribe(name string, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[name] = append(b.listeners[name], fn)
}

// Option adjusts how an event is published.
type Option func(*model.Event)

// WithAsync enqueues the event durably instead of delivering inline.
func WithAsync() Option {
	return func(evt *model.Event) { evt.Mode = model.DeliveryAsync }
}

// WithPriority sets the queue priority of the event.
func WithPriority(p model.EventPriority) Option {
	return func(evt *model.Event) { evt.Priority = p }
}

// Publish raises an event. Sync events are delivered to every listener
// before returning; delivery is best-effort and listener errors are
// aggregated rather than short-circuiting. Async events are persisted and
// picked up by ProcessQueue.
func (b *Bus) Publish(ctx context.Context, name string, payload interface{}, opts ...Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	evt := &model.Event{
		ID:          uuid.New().String(),
		Name:        name,
		Payload:     data,
		Mode:        model.DeliverySync,
		Priority:    model.EventPriorityNormal,
		Status:      model.EventStatusPending,
		MaxAttempts: defaultMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(evt)
	}
	evt.NextAttempt = evt.CreatedAt

	b.mirror(evt)

	if evt.Mode == model.DeliveryAsync {
		if err := b.store.Enqueue(ctx, evt); err != nil {
			return err
		}
		b.logger.Debug("Event enqueued",
			zap.String("event", name),
			zap.Int("priority", int(evt.Priority)))
		return nil
	}

	return b.deliver(ctx, evt)
}

// ProcessQueue claims up to limit due events and delivers them. Failed
// deliveries are rescheduled with exponential backoff until the attempt
// budget is exhausted, then dead-lettered.
func (b *Bus) ProcessQueue(ctx context.Context, limit int) (delivered, failed int, err error) {
	now := time.Now().UTC()
	events, err := b.store.Claim(ctx, limit, now)
	if err != nil {
		return 0, 0, err
	}

	for _, evt := range events {
		deliverErr := b.deliver(ctx, evt)
		if deliverErr == nil {
			if err := b.store.MarkDelivered(ctx, evt.ID, time.Now().UTC()); err != nil {
				b.logger.Error("Failed to mark event delivered",
					zap.String("event_id", evt.ID), zap.Error(err))
			}
			delivered++
			continue
		}

		failed++
		attempts := evt.Attempts + 1
		b.logger.Warn("Event delivery failed",
			zap.String("event", evt.Name),
			zap.String("event_id", evt.ID),
			zap.Int("attempt", attempts),
			zap.Error(deliverErr))

		if attempts >= evt.MaxAttempts {
			if err := b.store.DeadLetter(ctx, evt.ID, attempts); err != nil {
				b.logger.Error("Failed to dead-letter event",
					zap.String("event_id", evt.ID), zap.Error(err))
			}
			b.publishDeadLetter(evt, deliverErr)
			continue
		}

		next := time.Now().UTC().Add(backoff(attempts))
		if err := b.store.Reschedule(ctx, evt.ID, attempts, next); err != nil {
			b.logger.Error("Failed to reschedule event",
				zap.String("event_id", evt.ID), zap.Error(err))
		}
	}

	return delivered, failed, nil
}

// QueueDepth returns the number of undelivered queued events.
func (b *Bus) QueueDepth(ctx context.Context) (int, error) {
	return b.store.PendingDepth(ctx)
}

// DeadLetters returns parked events awaiting operator intervention,
// oldest first.
func (b *Bus) DeadLetters(ctx context.Context, limit int) ([]*model.Event, error) {
	return b.store.DeadLetters(ctx, limit)
}

// deliver invokes all listeners for the event name plus wildcard
// listeners, running every one of them and aggregating errors.
func (b *Bus) deliver(ctx context.Context, evt *model.Event) error {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners[evt.Name])+len(b.listeners[WildcardName]))
	listeners = append(listeners, b.listeners[evt.Name]...)
	listeners = append(listeners, b.listeners[WildcardName]...)
	b.mu.RUnlock()

	var errs error
	for _, fn := range listeners {
		if err := b.invoke(ctx, fn, evt); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return fmt.Errorf("event %s: %w", evt.Name, errs)
	}
	return nil
}

func (b *Bus) invoke(ctx context.Context, fn Listener, evt *model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx, evt)
}

func (b *Bus) mirror(evt *model.Event) {
	if b.js == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("Failed to marshal event for mirror", zap.Error(err))
		return
	}
	if _, err := b.js.Publish("event."+evt.Name, data); err != nil {
		b.logger.Warn("Failed to mirror event",
			zap.String("event", evt.Name), zap.Error(err))
	}
}

func (b *Bus) publishDeadLetter(evt *model.Event, cause error) {
	if b.js == nil {
		return
	}
	deadLetter := struct {
		Event *model.Event `json:"event"`
		Error string       `json:"error"`
	}{
		Event: evt,
		Error: cause.Error(),
	}
	data, err := json.Marshal(deadLetter)
	if err != nil {
		b.logger.Error("Failed to marshal dead letter", zap.Error(err))
		return
	}
	if _, err := b.js.Publish(deadLetterSubject, data); err != nil {
		b.logger.Error("Failed to publish dead letter", zap.Error(err))
	}
}

func backoff(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}
