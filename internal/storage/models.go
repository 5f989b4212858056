package storage

import (
	"encoding/json"
	"time"
)

// ProcessedEvent is the durable record of a single ingested event, keyed by
// the (topic, event_id) pair that makes the insert idempotent.
type ProcessedEvent struct {
	ID          int64
	Topic       string
	EventID     string
	Timestamp   time.Time
	Source      string
	Payload     json.RawMessage
	ProcessedAt time.Time
}

// EventStats is the singleton counter row (id = 1). received counts every
// event that reaches the dedup protocol regardless of outcome, so
// received = uniqueProcessed + duplicateDropped + errored holds at every
// committed boundary.
type EventStats struct {
	ID               int
	Received         int64
	UniqueProcessed  int64
	DuplicateDropped int64
	Errored          int64
	LastUpdated      time.Time
}

// Audit actions recorded on audit_logs.action.
const (
	AuditActionProcessed = "processed"
	AuditActionDuplicate = "duplicate"
	AuditActionError     = "error"
)

// AuditLog is an append-only trail row describing the outcome of processing
// a single event.
type AuditLog struct {
	ID         int64
	EventTopic string
	EventID    string
	Action     string
	Details    json.RawMessage
	CreatedAt  time.Time
}
