// Package store implements the append-only event store and session
// registry on SQLite.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// Store is the interface for session and event persistence.
type Store interface {
	// CreateSession records a session. Idempotent on workspace path: if a
	// session with the same workspace directory exists, its id is
	// returned and a notice is logged.
	CreateSession(ctx context.Context, id, workspaceDir, deviceID string) (string, error)

	// GetSession returns a session by id.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// UpdateSessionSummary sets the human-readable summary.
	UpdateSessionSummary(ctx context.Context, id, summary string) error

	// DeleteSession removes a session and, via cascade, its events.
	DeleteSession(ctx context.Context, id string) error

	// SaveEvent appends a typed event to a session's stream and returns
	// the event id.
	SaveEvent(ctx context.Context, sessionID string, eventType models.EventType, payload json.RawMessage) (string, error)

	// ListEvents returns all events of a session in ascending timestamp
	// order.
	ListEvents(ctx context.Context, sessionID string) ([]*models.Event, error)

	// ListSessionsByDevice returns sessions for a device, newest first,
	// each augmented with the text of its earliest user_message event.
	ListSessionsByDevice(ctx context.Context, deviceID string, limit int) ([]*models.Session, error)

	// Close releases the underlying database handle.
	Close() error
}

// ProUsageRecord mirrors one row of the pro_usage table.
type ProUsageRecord struct {
	ID          string
	ProKey      string
	MonthYear   string
	CreditsUsed int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProUsageStore is the transactional credit counter interface consumed
// by the credit ledger.
type ProUsageStore interface {
	// AddProCredits atomically reads the (proKey, monthYear) record,
	// creating it if absent, and adds cost to the counter unless doing
	// so would exceed limit. Returns the record as of after the call and
	// whether the increment was applied.
	AddProCredits(ctx context.Context, proKey, monthYear string, cost, limit int) (ProUsageRecord, bool, error)

	// GetProUsage returns the record for (proKey, monthYear), or a zero
	// record when none exists.
	GetProUsage(ctx context.Context, proKey, monthYear string) (ProUsageRecord, error)
}
