package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Ledger reports how many successful calls each route served.
type Ledger interface {
	// SuccessCounts returns the successful call count per route id since
	// the given instant. Ids with no calls may be absent from the map.
	SuccessCounts(ctx context.Context, ids []string, since time.Time) (map[string]int64, error)
}

// healthCheckKey marks the routing layer's own probe traffic, which does not
// count against quotas.
const healthCheckKey = "litellm-internal-health-check"

const successCountsQuery = `SELECT model_id, COUNT(*) AS n
FROM "LiteLLM_SpendLogs"
WHERE status = 'success'
  AND api_key != ?
  AND "startTime" >= ?
  AND model_id IN (?)
GROUP BY model_id`

// PGLedger reads the LiteLLM spend log table in Postgres.
type PGLedger struct {
	db *sqlx.DB
}

// OpenPGLedger connects to the routing layer database.
func OpenPGLedger(dsn string) (*PGLedger, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGLedger{db: db}, nil
}

// NewPGLedger wraps an existing connection.
func NewPGLedger(db *sqlx.DB) *PGLedger { return &PGLedger{db: db} }

func (l *PGLedger) Close() error { return l.db.Close() }

func (l *PGLedger) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }

type countRow struct {
	ModelID string `db:"model_id"`
	N       int64  `db:"n"`
}

func (l *PGLedger) SuccessCounts(ctx context.Context, ids []string, since time.Time) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	// startTime is stored as UTC without zone.
	q, args, err := sqlx.In(successCountsQuery, healthCheckKey, since.UTC(), ids)
	if err != nil {
		return nil, fmt.Errorf("build ledger query: %w", err)
	}
	var rows []countRow
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	for _, r := range rows {
		out[r.ModelID] = r.N
	}
	return out, nil
}

// DayStart returns midnight of the day containing now in loc.
func DayStart(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
