package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"framegeist/internal/models"
)

// SessionRepository keeps stream session history in Postgres. It is an
// events.Publisher: every transition is appended to stream_session_events
// and folded into the stream_sessions row.
type SessionRepository struct {
	db     *sql.DB
	schema string
}

func NewSessionRepository(db *sql.DB, schema string) *SessionRepository {
	return &SessionRepository{db: db, schema: schema}
}

func (r *SessionRepository) Name() string {
	return "postgres"
}

// Publish records one transition. Redelivered events are ignored.
func (r *SessionRepository) Publish(ctx context.Context, event models.SessionEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertEvent := fmt.Sprintf(`
		INSERT INTO %s.stream_session_events (event_id, session_id, status, previous, reason, frames, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, r.schema)
	res, err := tx.ExecContext(
		ctx,
		insertEvent,
		event.EventID,
		event.SessionID,
		event.Status,
		event.Previous,
		event.Reason,
		event.Frames,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	// The placeholder gives FOR UPDATE a row to lock, so concurrent first
	// events for one stream serialize instead of both starting empty.
	placeholder := fmt.Sprintf(`
		INSERT INTO %s.stream_sessions (id, status, transitions, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, r.schema)
	if _, err := tx.ExecContext(ctx, placeholder, event.SessionID, event.Status, event.OccurredAt); err != nil {
		return fmt.Errorf("failed to reserve session row: %w", err)
	}

	record, err := r.getSession(ctx, tx, event.SessionID, true)
	if err != nil {
		return err
	}
	record = foldEvent(record, event)

	update := fmt.Sprintf(`
		UPDATE %s.stream_sessions SET
			status = $2,
			reason = $3,
			filename = $4,
			file_size = $5,
			frames = $6,
			transitions = $7,
			created_at = $8,
			updated_at = $9
		WHERE id = $1
	`, r.schema)
	_, err = tx.ExecContext(
		ctx,
		update,
		record.SessionID,
		record.Status,
		record.Reason,
		record.Filename,
		record.Size,
		record.Frames,
		record.Transitions,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session event: %w", err)
	}
	return nil
}

// foldEvent applies event to the stored row. A row that has seen no
// transition yet is only a reservation and starts from scratch.
func foldEvent(stored *models.SessionRecord, event models.SessionEvent) *models.SessionRecord {
	record := stored
	if record == nil || record.Transitions == 0 {
		record = &models.SessionRecord{}
	}
	record.Apply(event)
	return record
}

// GetSession retrieves the latest recorded state of a stream
func (r *SessionRepository) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	return r.getSession(ctx, r.db, id, false)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SessionRepository) getSession(ctx context.Context, q queryer, id string, forUpdate bool) (*models.SessionRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, status, reason, filename, file_size, frames, transitions, created_at, updated_at
		FROM %s.stream_sessions
		WHERE id = $1
	`, r.schema)
	if forUpdate {
		query += " FOR UPDATE"
	}

	var record models.SessionRecord
	err := q.QueryRowContext(ctx, query, id).Scan(
		&record.SessionID,
		&record.Status,
		&record.Reason,
		&record.Filename,
		&record.Size,
		&record.Frames,
		&record.Transitions,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &record, nil
}

// ListEvents returns every recorded transition of a stream, oldest first
func (r *SessionRepository) ListEvents(ctx context.Context, id string) ([]models.SessionEvent, error) {
	query := fmt.Sprintf(`
		SELECT event_id, session_id, status, previous, reason, frames, occurred_at
		FROM %s.stream_session_events
		WHERE session_id = $1
		ORDER BY occurred_at ASC
	`, r.schema)
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		err := rows.Scan(
			&ev.EventID,
			&ev.SessionID,
			&ev.Status,
			&ev.Previous,
			&ev.Reason,
			&ev.Frames,
			&ev.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	return events, nil
}

// Close closes the underlying pool
func (r *SessionRepository) Close() error {
	return r.db.Close()
}
