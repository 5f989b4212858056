package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

// ErrDuplicateEvent is returned by InsertProcessedEvent when the (topic, event_id) pair
// already exists. It wraps the underlying unique-violation error and is the
// sentinel the dedup processor inspects with errors.Is to decide whether a
// failed insert is a duplicate rather than an infrastructure problem.
var ErrDuplicateEvent = errors.New("storage: duplicate event")

// ErrStatsRowMissing is returned if the singleton event_stats row (id = 1)
// does not exist. Migrations seed this row; its absence means the schema
// was not bootstrapped correctly.
var ErrStatsRowMissing = errors.New("storage: event_stats row missing")

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505), the sole arbiter of duplicate detection.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolationCode
	}

	return false
}

// isConnectionError reports whether err indicates the database connection
// itself is unusable, as opposed to a query-level failure. PostgreSQL Class
// 08 (Connection Exception) codes and database/sql's own sentinel errors
// both qualify.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
