package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

// Sink delivers one encoded event to the client socket.
type Sink interface {
	SendEvent(event *models.Event) error
}

// EventRouter serializes an agent's events: a single consumer pops the
// queue, persists each event best-effort, and forwards it to the bound
// socket. The queue is unbounded so the turn loop never blocks on a
// slow client; send failures clear the socket reference but never stop
// persistence.
type EventRouter struct {
	sessionID string
	store     store.Store
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*models.Event
	sink   Sink
	closed bool

	done chan struct{}
}

// NewEventRouter starts the router's consumer goroutine.
func NewEventRouter(sessionID string, st store.Store, sink Sink, logger *slog.Logger, m *metrics.Metrics) *EventRouter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &EventRouter{
		sessionID: sessionID,
		store:     st,
		logger:    logger,
		metrics:   m,
		sink:      sink,
		done:      make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.consume()
	return r
}

// Emit enqueues one event. The payload is marshaled immediately so the
// caller can mutate its value afterwards.
func (r *EventRouter) Emit(eventType models.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("failed to marshal event payload", "event_type", eventType, "error", err)
		return
	}
	event := &models.Event{
		ID:        uuid.NewString(),
		SessionID: r.sessionID,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Payload:   data,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.queue = append(r.queue, event)
	r.cond.Signal()
}

// SetSink rebinds the socket, e.g. when a client reconnects.
func (r *EventRouter) SetSink(sink Sink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

// ClearSink detaches the socket; events keep persisting.
func (r *EventRouter) ClearSink() {
	r.SetSink(nil)
}

// Close stops the consumer after the queue drains.
func (r *EventRouter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.cond.Signal()
	r.mu.Unlock()
	<-r.done
}

func (r *EventRouter) consume() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 && r.closed {
			r.mu.Unlock()
			return
		}
		event := r.queue[0]
		r.queue = r.queue[1:]
		sink := r.sink
		r.mu.Unlock()

		r.dispatch(event, sink)
	}
}

func (r *EventRouter) dispatch(event *models.Event, sink Sink) {
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := r.store.SaveEvent(ctx, r.sessionID, event.Type, event.Payload)
		cancel()
		if err != nil {
			r.logger.Warn("failed to persist event",
				"session_id", r.sessionID, "event_type", event.Type, "error", err)
		} else if r.metrics != nil {
			r.metrics.EventsPersisted.WithLabelValues(string(event.Type)).Inc()
		}
	}

	// User messages are echoes of client input; never sent back.
	if event.Type == models.EventUserMessage || sink == nil {
		return
	}
	if err := sink.SendEvent(event); err != nil {
		r.logger.Warn("failed to forward event to client, detaching socket",
			"session_id", r.sessionID, "event_type", event.Type, "error", err)
		r.mu.Lock()
		if r.sink == sink {
			r.sink = nil
		}
		r.mu.Unlock()
	}
}
