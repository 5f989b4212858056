// Package dedup implements the idempotent consumer pipeline: insert the
// event, let the (topic, event_id) unique index be the sole arbiter of
// duplication, and keep the singleton counters and audit trail consistent
// with whichever path the insert took.
package dedup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aggregator-io/aggregator/internal/ingestion"
	"github.com/aggregator-io/aggregator/internal/storage"
)

// Outcome describes how Process disposed of an event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// txOpener begins a fresh transaction at the configured isolation level.
// Satisfied by *storage.Connection; narrowed to an interface so Processor
// can be tested against a fake.
type txOpener interface {
	BeginEventTx(ctx context.Context) (*sql.Tx, error)
}

// Processor runs the dedup algorithm against a *storage.Store. It holds no
// per-event state and is safe for concurrent use by multiple consumer
// workers, each supplying its own transaction.
type Processor struct {
	store *storage.Store
	conn  txOpener
	log   *slog.Logger
}

// NewProcessor builds a Processor over store, using conn to open the
// fresh transactions the duplicate and error paths need once the caller's
// transaction has rolled back.
func NewProcessor(store *storage.Store, conn txOpener, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}

	return &Processor{store: store, conn: conn, log: log}
}

// Process runs the dedup algorithm for event inside tx, the caller's
// transaction. On OutcomeProcessed, the caller must commit tx — Process
// does not commit it. On OutcomeDuplicate or OutcomeError, tx has already
// been rolled back and the stats/audit update (if any) has already been
// committed in a fresh transaction of Process's own.
func (p *Processor) Process(ctx context.Context, tx *sql.Tx, event *ingestion.Event) (ok bool, outcome Outcome, err error) {
	_, insertErr := p.store.InsertProcessedEvent(ctx, tx, event)
	if insertErr == nil {
		return p.commitProcessed(ctx, tx, event)
	}

	if errors.Is(insertErr, storage.ErrDuplicateEvent) {
		_ = tx.Rollback()

		p.recordDuplicate(ctx, event)

		p.log.InfoContext(ctx, "duplicate event detected (idempotent)",
			"topic", event.Topic, "event_id", event.EventID)

		return true, OutcomeDuplicate, nil
	}

	_ = tx.Rollback()

	p.recordError(ctx, event, insertErr)

	p.log.ErrorContext(ctx, "error processing event",
		"topic", event.Topic, "event_id", event.EventID, "error", insertErr)

	return false, OutcomeError, fmt.Errorf("dedup: process event: %w", insertErr)
}

// commitProcessed locks the stats row, increments received/unique_processed,
// and writes the processed audit row, all within the caller's still-open tx.
func (p *Processor) commitProcessed(ctx context.Context, tx *sql.Tx, event *ingestion.Event) (bool, Outcome, error) {
	if _, err := p.store.LockStats(ctx, tx); err != nil {
		_ = tx.Rollback()

		p.recordError(ctx, event, err)

		return false, OutcomeError, fmt.Errorf("dedup: lock stats: %w", err)
	}

	if err := p.store.IncrementStats(ctx, tx, 1, 1, 0, 0); err != nil {
		_ = tx.Rollback()

		p.recordError(ctx, event, err)

		return false, OutcomeError, fmt.Errorf("dedup: increment stats: %w", err)
	}

	details, _ := json.Marshal(map[string]string{"source": event.Source})

	if err := p.store.InsertAuditLog(ctx, tx, event.Topic, event.EventID, storage.AuditActionProcessed, details); err != nil {
		_ = tx.Rollback()

		p.recordError(ctx, event, err)

		return false, OutcomeError, fmt.Errorf("dedup: insert audit log: %w", err)
	}

	p.log.InfoContext(ctx, "processed new event", "topic", event.Topic, "event_id", event.EventID)

	return true, OutcomeProcessed, nil
}

// recordDuplicate updates the counters and writes the duplicate audit row
// in a fresh transaction, matching the original source's
// _update_stats_duplicate behavior: the duplicate path commits
// independently of the failed insert's transaction.
func (p *Processor) recordDuplicate(ctx context.Context, event *ingestion.Event) {
	tx, err := p.conn.BeginEventTx(ctx)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to open duplicate-path transaction", "error", err)

		return
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := p.store.LockStats(ctx, tx); err != nil {
		p.log.ErrorContext(ctx, "failed to lock stats for duplicate path", "error", err)

		return
	}

	if err := p.store.IncrementStats(ctx, tx, 1, 0, 1, 0); err != nil {
		p.log.ErrorContext(ctx, "failed to increment duplicate stats", "error", err)

		return
	}

	details, _ := json.Marshal(map[string]string{"reason": "unique_constraint_violation"})

	if err := p.store.InsertAuditLog(ctx, tx, event.Topic, event.EventID, storage.AuditActionDuplicate, details); err != nil {
		p.log.ErrorContext(ctx, "failed to write duplicate audit log", "error", err)

		return
	}

	if err := tx.Commit(); err != nil {
		p.log.ErrorContext(ctx, "failed to commit duplicate-path transaction", "error", err)
	}
}

// recordError makes a best-effort attempt, in a fresh transaction, to
// update received/errored and write an error audit row. Failures here are
// swallowed: the original failure is already being returned to the caller
// and a failure recording it must not mask that.
func (p *Processor) recordError(ctx context.Context, event *ingestion.Event, cause error) {
	tx, err := p.conn.BeginEventTx(ctx)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to open error-path transaction", "error", err)

		return
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := p.store.LockStats(ctx, tx); err != nil {
		p.log.ErrorContext(ctx, "failed to lock stats for error path", "error", err)

		return
	}

	if err := p.store.IncrementStats(ctx, tx, 1, 0, 0, 1); err != nil {
		p.log.ErrorContext(ctx, "failed to increment error stats", "error", err)

		return
	}

	details, _ := json.Marshal(map[string]string{"error": cause.Error()})

	if err := p.store.InsertAuditLog(ctx, tx, event.Topic, event.EventID, storage.AuditActionError, details); err != nil {
		p.log.ErrorContext(ctx, "failed to write error audit log", "error", err)

		return
	}

	if err := tx.Commit(); err != nil {
		p.log.ErrorContext(ctx, "failed to commit error-path transaction", "error", err)
	}
}
