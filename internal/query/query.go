// Package query provides the read-only projections the HTTP façade serves:
// processed events, aggregate counters, and the distinct topic list. None
// of these take the stats row lock — they read with plain SELECTs and
// never participate in the dedup transaction boundary.
package query

import (
	"context"
	"time"

	"github.com/aggregator-io/aggregator/internal/storage"
)

const (
	// DefaultLimit bounds an unpaginated /events request.
	DefaultLimit = 100
	// MaxLimit is the largest page size /events will honor regardless of
	// what the caller asks for.
	MaxLimit = 1000
)

// Surface serves the read-only query operations over a *storage.Store.
type Surface struct {
	store     *storage.Store
	startedAt time.Time
}

// New builds a Surface. startedAt is recorded once at process start and
// used to compute Stats' uptime_seconds.
func New(store *storage.Store, startedAt time.Time) *Surface {
	return &Surface{store: store, startedAt: startedAt}
}

// ProcessedEvent is the query-side projection of a stored event.
type ProcessedEvent = storage.ProcessedEvent

// Stats is the aggregate counters response, including the computed
// uptime and distinct topic count the raw storage.EventStats row doesn't
// carry.
type Stats struct {
	Received         int64     `json:"received"`
	UniqueProcessed  int64     `json:"unique_processed"`  //nolint:tagliatelle
	DuplicateDropped int64     `json:"duplicate_dropped"` //nolint:tagliatelle
	Errored          int64     `json:"errored"`
	Topics           int       `json:"topics"`
	UptimeSeconds    float64   `json:"uptime_seconds"` //nolint:tagliatelle
	LastUpdated      time.Time `json:"last_updated"`   //nolint:tagliatelle
}

// clampLimit applies ListEvents' page-size rule: a non-positive limit
// becomes DefaultLimit and anything above MaxLimit becomes MaxLimit.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}

	if limit > MaxLimit {
		return MaxLimit
	}

	return limit
}

// ListEvents returns processed events for topic (all topics if empty),
// newest first, clamping limit into (0, MaxLimit].
func (s *Surface) ListEvents(ctx context.Context, topic string, limit, offset int) ([]*ProcessedEvent, error) {
	limit = clampLimit(limit)

	if offset < 0 {
		offset = 0
	}

	return s.store.ListProcessedEvents(ctx, topic, limit, offset)
}

// Stats returns the current counters, distinct topic count, and uptime.
func (s *Surface) Stats(ctx context.Context) (*Stats, error) {
	raw, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	topicCount, err := s.store.TopicCount(ctx)
	if err != nil {
		return nil, err
	}

	return &Stats{
		Received:         raw.Received,
		UniqueProcessed:  raw.UniqueProcessed,
		DuplicateDropped: raw.DuplicateDropped,
		Errored:          raw.Errored,
		Topics:           topicCount,
		UptimeSeconds:    time.Since(s.startedAt).Seconds(),
		LastUpdated:      raw.LastUpdated,
	}, nil
}

// Topics returns the distinct topics seen across processed events.
func (s *Surface) Topics(ctx context.Context) ([]string, error) {
	return s.store.Topics(ctx)
}
