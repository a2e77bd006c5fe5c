package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/models"
)

// captureSink records forwarded events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []*models.Event
}

func (s *captureSink) SendEvent(event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) snapshot() []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Event(nil), s.events...)
}

func (s *captureSink) types() []models.EventType {
	var out []models.EventType
	for _, e := range s.snapshot() {
		out = append(out, e.Type)
	}
	return out
}

// failingSink rejects every send and counts the attempts.
type failingSink struct {
	mu       sync.Mutex
	attempts int
}

func (s *failingSink) SendEvent(*models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return errors.New("socket closed")
}

func (s *failingSink) sendAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// recordingStore is a store.Store that only tracks SaveEvent calls.
type recordingStore struct {
	mu      sync.Mutex
	saved   []models.EventType
	failing bool
}

func (s *recordingStore) CreateSession(_ context.Context, id, _, _ string) (string, error) {
	return id, nil
}

func (s *recordingStore) GetSession(context.Context, string) (*models.Session, error) {
	return nil, nil
}

func (s *recordingStore) UpdateSessionSummary(context.Context, string, string) error { return nil }

func (s *recordingStore) DeleteSession(context.Context, string) error { return nil }

func (s *recordingStore) SaveEvent(_ context.Context, _ string, eventType models.EventType, _ json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return "", errors.New("disk full")
	}
	s.saved = append(s.saved, eventType)
	return "event-id", nil
}

func (s *recordingStore) ListEvents(context.Context, string) ([]*models.Event, error) {
	return nil, nil
}

func (s *recordingStore) ListSessionsByDevice(context.Context, string, int) ([]*models.Session, error) {
	return nil, nil
}

func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) savedTypes() []models.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EventType(nil), s.saved...)
}

func TestEventRouterPersistsAndForwardsInOrder(t *testing.T) {
	st := &recordingStore{}
	sink := &captureSink{}
	router := NewEventRouter("s1", st, sink, discardLogger(), nil)

	emitted := []models.EventType{
		models.EventUserMessage,
		models.EventProcessing,
		models.EventAgentThinking,
		models.EventAgentResponse,
		models.EventStreamComplete,
	}
	for _, et := range emitted {
		router.Emit(et, map[string]any{"n": 1})
	}
	router.Close()

	assert.Equal(t, emitted, st.savedTypes(), "every event is persisted in emit order")
	assert.Equal(t, []models.EventType{
		models.EventProcessing,
		models.EventAgentThinking,
		models.EventAgentResponse,
		models.EventStreamComplete,
	}, sink.types(), "user messages are never echoed to the client")
}

func TestEventRouterPersistFailureStillForwards(t *testing.T) {
	st := &recordingStore{failing: true}
	sink := &captureSink{}
	router := NewEventRouter("s1", st, sink, discardLogger(), nil)

	router.Emit(models.EventAgentResponse, map[string]any{"text": "hi"})
	router.Close()

	require.Len(t, sink.snapshot(), 1, "persistence is best-effort")
}

func TestEventRouterSendFailureDetachesSink(t *testing.T) {
	st := &recordingStore{}
	sink := &failingSink{}
	router := NewEventRouter("s1", st, sink, discardLogger(), nil)

	router.Emit(models.EventAgentResponse, map[string]any{"text": "one"})
	router.Emit(models.EventAgentResponse, map[string]any{"text": "two"})
	router.Close()

	assert.Equal(t, 1, sink.sendAttempts(), "failed sink is detached after the first error")
	assert.Len(t, st.savedTypes(), 2, "detaching the socket never stops persistence")
}

func TestEventRouterSetSinkRebinds(t *testing.T) {
	st := &recordingStore{}
	router := NewEventRouter("s1", st, nil, discardLogger(), nil)

	router.Emit(models.EventAgentResponse, map[string]any{"text": "before"})
	require.Eventually(t, func() bool {
		return len(st.savedTypes()) == 1
	}, time.Second, 5*time.Millisecond)

	sink := &captureSink{}
	router.SetSink(sink)
	router.Emit(models.EventAgentResponse, map[string]any{"text": "after"})
	router.Close()

	events := sink.snapshot()
	require.Len(t, events, 1, "only events after the rebind reach the new socket")
	assert.Contains(t, string(events[0].Payload), "after")
}

func TestEventRouterEmitAfterCloseIsDropped(t *testing.T) {
	sink := &captureSink{}
	router := NewEventRouter("s1", nil, sink, discardLogger(), nil)
	router.Close()

	router.Emit(models.EventAgentResponse, map[string]any{"text": "late"})
	assert.Empty(t, sink.snapshot())
}
