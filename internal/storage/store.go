package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aggregator-io/aggregator/internal/ingestion"
)

const statsRowID = 1

// Store provides the SQL operations the dedup processor and query surface
// compose into their own transaction boundaries. It holds no transaction
// state itself — every method that mutates data takes the *sql.Tx the
// caller is already inside.
type Store struct {
	conn *Connection
}

// NewStore wraps a Connection with the processed_events/event_stats/
// audit_logs operations.
func NewStore(conn *Connection) *Store {
	return &Store{conn: conn}
}

// Conn returns the underlying Connection, for callers that need
// BeginEventTx or HealthCheck directly.
func (s *Store) Conn() *Connection {
	return s.conn
}

// InsertProcessedEvent inserts a row for the given wire event inside tx.
// It flushes immediately (no deferred constraint checking), so a unique
// violation on (topic, event_id) surfaces here, before commit. Callers
// detect duplicates with isUniqueViolation / ErrDuplicateEvent.
func (s *Store) InsertProcessedEvent(ctx context.Context, tx *sql.Tx, event *ingestion.Event) (*ProcessedEvent, error) {
	const query = `
		INSERT INTO processed_events (topic, event_id, timestamp, source, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, processed_at
	`

	payload := event.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	row := &ProcessedEvent{
		Topic:     event.Topic,
		EventID:   event.EventID,
		Timestamp: event.Timestamp,
		Source:    event.Source,
		Payload:   payload,
	}

	err := tx.QueryRowContext(ctx, query, event.Topic, event.EventID, event.Timestamp, event.Source, []byte(payload)).
		Scan(&row.ID, &row.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/%s: %w", ErrDuplicateEvent, event.Topic, event.EventID, err)
		}

		return nil, fmt.Errorf("storage: insert processed event: %w", err)
	}

	return row, nil
}

// LockStats locks the singleton event_stats row (id = 1) with SELECT ...
// FOR UPDATE within tx. The lock is held until tx commits or rolls back and
// is the only cross-worker serialization point besides the unique index.
func (s *Store) LockStats(ctx context.Context, tx *sql.Tx) (*EventStats, error) {
	const query = `
		SELECT id, received, unique_processed, duplicate_dropped, errored, last_updated
		FROM event_stats
		WHERE id = $1
		FOR UPDATE
	`

	stats := &EventStats{}

	err := tx.QueryRowContext(ctx, query, statsRowID).Scan(
		&stats.ID, &stats.Received, &stats.UniqueProcessed, &stats.DuplicateDropped, &stats.Errored, &stats.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStatsRowMissing
		}

		return nil, fmt.Errorf("storage: lock event_stats: %w", err)
	}

	return stats, nil
}

// IncrementStats applies deltas to the locked event_stats row. Call this
// only after LockStats has taken the row lock within the same tx.
func (s *Store) IncrementStats(ctx context.Context, tx *sql.Tx, received, unique, duplicate, errored int64) error {
	const query = `
		UPDATE event_stats
		SET received = received + $1,
		    unique_processed = unique_processed + $2,
		    duplicate_dropped = duplicate_dropped + $3,
		    errored = errored + $4,
		    last_updated = now()
		WHERE id = $5
	`

	_, err := tx.ExecContext(ctx, query, received, unique, duplicate, errored, statsRowID)
	if err != nil {
		return fmt.Errorf("storage: increment event_stats: %w", err)
	}

	return nil
}

// InsertAuditLog appends an audit_logs row describing the outcome of
// processing a single event. details may be nil.
func (s *Store) InsertAuditLog(ctx context.Context, tx *sql.Tx, topic, eventID, action string, details json.RawMessage) error {
	const query = `
		INSERT INTO audit_logs (event_topic, event_id, action, details)
		VALUES ($1, $2, $3, $4)
	`

	var detailsArg any
	if details != nil {
		detailsArg = []byte(details)
	}

	_, err := tx.ExecContext(ctx, query, topic, eventID, action, detailsArg)
	if err != nil {
		return fmt.Errorf("storage: insert audit log: %w", err)
	}

	return nil
}

// ListProcessedEvents returns processed events for topic (or all topics if
// topic is empty), newest first, for the query surface. No row lock is
// taken — this is a plain read.
func (s *Store) ListProcessedEvents(ctx context.Context, topic string, limit, offset int) ([]*ProcessedEvent, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if topic == "" {
		const query = `
			SELECT id, topic, event_id, timestamp, source, payload, processed_at
			FROM processed_events
			ORDER BY processed_at DESC
			LIMIT $1 OFFSET $2
		`

		rows, err = s.conn.QueryContext(ctx, query, limit, offset)
	} else {
		const query = `
			SELECT id, topic, event_id, timestamp, source, payload, processed_at
			FROM processed_events
			WHERE topic = $1
			ORDER BY processed_at DESC
			LIMIT $2 OFFSET $3
		`

		rows, err = s.conn.QueryContext(ctx, query, topic, limit, offset)
	}

	if err != nil {
		return nil, fmt.Errorf("storage: list processed events: %w", err)
	}

	defer func() { _ = rows.Close() }()

	events := make([]*ProcessedEvent, 0, limit)

	for rows.Next() {
		event := &ProcessedEvent{}

		var payload []byte

		if err := rows.Scan(&event.ID, &event.Topic, &event.EventID, &event.Timestamp, &event.Source, &payload, &event.ProcessedAt); err != nil {
			return nil, fmt.Errorf("storage: scan processed event: %w", err)
		}

		event.Payload = payload
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list processed events: %w", err)
	}

	return events, nil
}

// Stats returns the current counters without taking the row lock.
func (s *Store) Stats(ctx context.Context) (*EventStats, error) {
	const query = `
		SELECT id, received, unique_processed, duplicate_dropped, errored, last_updated
		FROM event_stats
		WHERE id = $1
	`

	stats := &EventStats{}

	err := s.conn.QueryRowContext(ctx, query, statsRowID).Scan(
		&stats.ID, &stats.Received, &stats.UniqueProcessed, &stats.DuplicateDropped, &stats.Errored, &stats.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStatsRowMissing
		}

		return nil, fmt.Errorf("storage: read event_stats: %w", err)
	}

	return stats, nil
}

// Topics returns the distinct topics seen in processed_events.
func (s *Store) Topics(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT topic FROM processed_events ORDER BY topic`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: list topics: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var topics []string

	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("storage: scan topic: %w", err)
		}

		topics = append(topics, topic)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list topics: %w", err)
	}

	return topics, nil
}

// TopicCount returns the number of distinct topics, used by the stats
// response's "topics" field.
func (s *Store) TopicCount(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(DISTINCT topic) FROM processed_events`

	var count int

	if err := s.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count topics: %w", err)
	}

	return count, nil
}
