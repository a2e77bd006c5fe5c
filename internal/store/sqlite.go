package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore implements Store and ProUsageStore on a single-file
// SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS session (
	id            CHAR(36) PRIMARY KEY,
	workspace_dir TEXT UNIQUE NOT NULL,
	created_at    DATETIME NOT NULL,
	device_id     TEXT,
	summary       TEXT
);

CREATE TABLE IF NOT EXISTS event (
	id            CHAR(36) PRIMARY KEY,
	session_id    CHAR(36) NOT NULL REFERENCES session(id) ON DELETE CASCADE,
	timestamp     DATETIME NOT NULL,
	event_type    TEXT NOT NULL,
	event_payload JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_session ON event(session_id, timestamp);

CREATE TABLE IF NOT EXISTS pro_usage (
	id              CHAR(36) PRIMARY KEY,
	pro_key         CHAR(8) NOT NULL,
	month_year      CHAR(7) NOT NULL,
	sonnet_requests INT NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pro_usage_key ON pro_usage(pro_key);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pro_usage_key_month ON pro_usage(pro_key, month_year);
`

// NewSQLiteStore opens (creating if needed) the database at path and
// bootstraps the schema.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize writers; SQLite holds a single write lock.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// newStoreWithDB wires a store around an existing handle. Used by tests.
func newStoreWithDB(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger}
}

// DB exposes the underlying database connection for related stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// CreateSession records a session, idempotent on workspace directory.
func (s *SQLiteStore) CreateSession(ctx context.Context, id, workspaceDir, deviceID string) (string, error) {
	var resultID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM session WHERE workspace_dir = ?`, workspaceDir,
		).Scan(&existing)
		switch {
		case err == nil:
			s.logger.Info("session already exists for workspace, reusing",
				"session_id", existing, "workspace_dir", workspaceDir)
			resultID = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to look up session: %w", err)
		}

		if id == "" {
			id = uuid.NewString()
		}
		var device sql.NullString
		if deviceID != "" {
			device = sql.NullString{String: deviceID, Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session (id, workspace_dir, created_at, device_id) VALUES (?, ?, ?, ?)`,
			id, workspaceDir, time.Now().UTC().Format(time.RFC3339Nano), device,
		)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		resultID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return resultID, nil
}

// GetSession returns a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_dir, created_at, device_id, summary FROM session WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateSessionSummary sets the human-readable summary of a session.
func (s *SQLiteStore) UpdateSessionSummary(ctx context.Context, id, summary string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE session SET summary = ? WHERE id = ?`, summary, id)
		if err != nil {
			return fmt.Errorf("failed to update summary: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("session not found: %s", id)
		}
		return nil
	})
}

// DeleteSession removes a session and cascades to its events.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
}

// SaveEvent appends a typed event to the session's stream.
func (s *SQLiteStore) SaveEvent(ctx context.Context, sessionID string, eventType models.EventType, payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	id := uuid.NewString()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO event (id, session_id, timestamp, event_type, event_payload) VALUES (?, ?, ?, ?, ?)`,
			id, sessionID, time.Now().UTC().Format(time.RFC3339Nano), string(eventType), string(payload),
		)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListEvents returns a session's events in ascending timestamp order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, timestamp, event_type, event_payload
		 FROM event WHERE session_id = ? ORDER BY timestamp ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var (
			ev      models.Event
			ts      string
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ts, &ev.Type, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// ListSessionsByDevice returns sessions for a device, newest first, each
// augmented with the earliest user_message text. First messages are
// fetched with one windowed bulk query; a per-session fallback runs only
// if the bulk query fails, and is logged.
func (s *SQLiteStore) ListSessionsByDevice(ctx context.Context, deviceID string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_dir, created_at, device_id, summary
		 FROM session WHERE device_id = ? ORDER BY created_at DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	firsts, err := s.firstUserMessages(ctx, out)
	if err != nil {
		s.logger.Warn("bulk first-message query failed, falling back to per-session lookup", "error", err)
		firsts = s.firstUserMessagesFallback(ctx, out)
	}
	for _, sess := range out {
		sess.FirstMessage = firsts[sess.ID]
	}
	return out, nil
}

// firstUserMessages resolves each session's earliest user_message text
// with a single windowed-minimum query.
func (s *SQLiteStore) firstUserMessages(ctx context.Context, sessions []*models.Session) (map[string]string, error) {
	args := make([]any, 0, len(sessions))
	placeholders := ""
	for i, sess := range sessions {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, sess.ID)
	}

	query := `
		SELECT session_id, event_payload FROM (
			SELECT session_id, event_payload,
			       ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY timestamp ASC, rowid ASC) AS rn
			FROM event
			WHERE event_type = 'user_message' AND session_id IN (` + placeholders + `)
		) WHERE rn = 1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	firsts := make(map[string]string, len(sessions))
	for rows.Next() {
		var sessionID, payload string
		if err := rows.Scan(&sessionID, &payload); err != nil {
			return nil, err
		}
		firsts[sessionID] = extractMessageText(json.RawMessage(payload))
	}
	return firsts, rows.Err()
}

func (s *SQLiteStore) firstUserMessagesFallback(ctx context.Context, sessions []*models.Session) map[string]string {
	firsts := make(map[string]string, len(sessions))
	for _, sess := range sessions {
		var payload string
		err := s.db.QueryRowContext(ctx,
			`SELECT event_payload FROM event
			 WHERE session_id = ? AND event_type = 'user_message'
			 ORDER BY timestamp ASC, rowid ASC LIMIT 1`, sess.ID,
		).Scan(&payload)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				s.logger.Warn("first-message lookup failed", "session_id", sess.ID, "error", err)
			}
			continue
		}
		firsts[sess.ID] = extractMessageText(json.RawMessage(payload))
	}
	return firsts
}

// extractMessageText pulls content.text out of a user_message payload.
func extractMessageText(payload json.RawMessage) string {
	var body struct {
		Content struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.Content.Text
}

// AddProCredits atomically increments the monthly counter unless the
// increment would exceed limit.
func (s *SQLiteStore) AddProCredits(ctx context.Context, proKey, monthYear string, cost, limit int) (ProUsageRecord, bool, error) {
	var (
		rec     ProUsageRecord
		allowed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var createdAt, updatedAt string
		err := tx.QueryRowContext(ctx,
			`SELECT id, pro_key, month_year, sonnet_requests, created_at, updated_at
			 FROM pro_usage WHERE pro_key = ? AND month_year = ?`, proKey, monthYear,
		).Scan(&rec.ID, &rec.ProKey, &rec.MonthYear, &rec.CreditsUsed, &createdAt, &updatedAt)

		now := time.Now().UTC()
		switch {
		case errors.Is(err, sql.ErrNoRows):
			rec = ProUsageRecord{
				ID:        uuid.NewString(),
				ProKey:    proKey,
				MonthYear: monthYear,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pro_usage (id, pro_key, month_year, sonnet_requests, created_at, updated_at)
				 VALUES (?, ?, ?, 0, ?, ?)`,
				rec.ID, proKey, monthYear,
				now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
			); err != nil {
				return fmt.Errorf("failed to create pro usage record: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to read pro usage record: %w", err)
		default:
			rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
			rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		}

		if rec.CreditsUsed+cost > limit {
			allowed = false
			return nil
		}

		rec.CreditsUsed += cost
		rec.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE pro_usage SET sonnet_requests = ?, updated_at = ? WHERE id = ?`,
			rec.CreditsUsed, now.Format(time.RFC3339Nano), rec.ID,
		); err != nil {
			return fmt.Errorf("failed to update pro usage record: %w", err)
		}
		allowed = true
		return nil
	})
	if err != nil {
		return ProUsageRecord{}, false, err
	}
	return rec, allowed, nil
}

// GetProUsage returns the record for (proKey, monthYear); a zero record
// when none exists.
func (s *SQLiteStore) GetProUsage(ctx context.Context, proKey, monthYear string) (ProUsageRecord, error) {
	var (
		rec                  ProUsageRecord
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pro_key, month_year, sonnet_requests, created_at, updated_at
		 FROM pro_usage WHERE pro_key = ? AND month_year = ?`, proKey, monthYear,
	).Scan(&rec.ID, &rec.ProKey, &rec.MonthYear, &rec.CreditsUsed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProUsageRecord{ProKey: proKey, MonthYear: monthYear}, nil
	}
	if err != nil {
		return ProUsageRecord{}, fmt.Errorf("failed to read pro usage record: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var (
		sess            models.Session
		createdAt       string
		device, summary sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.WorkspaceDir, &createdAt, &device, &summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session not found")
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.DeviceID = device.String
	sess.Summary = summary.String
	return &sess, nil
}

func scanSessionRows(rows *sql.Rows) (*models.Session, error) {
	var (
		sess            models.Session
		createdAt       string
		device, summary sql.NullString
	)
	if err := rows.Scan(&sess.ID, &sess.WorkspaceDir, &createdAt, &device, &summary); err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.DeviceID = device.String
	sess.Summary = summary.String
	return &sess, nil
}
