package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/firewatch/firewatch/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id                 TEXT PRIMARY KEY,
	kind               TEXT NOT NULL,
	severity           TEXT NOT NULL,
	source_id          TEXT NOT NULL,
	location           TEXT NOT NULL,
	description        TEXT NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL,
	state              TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	last_reaffirmed_at TIMESTAMPTZ NOT NULL,
	acknowledged_at    TIMESTAMPTZ,
	dismissed_at       TIMESTAMPTZ,
	dismiss_reason     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS alert_transitions (
	id         BIGSERIAL PRIMARY KEY,
	alert_id   TEXT NOT NULL REFERENCES alerts(id),
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alert_transitions_alert_id ON alert_transitions (alert_id, id);
`

// Open connects to Postgres using the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return db, nil
}

// Repository is the Postgres audit log.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps db.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("history: nil db")
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("history: ensure schema: %w", err)
	}
	return nil
}

// Record stores the post-transition alert and appends the transition.
func (r *Repository) Record(ctx context.Context, tr types.Transition) error {
	if r == nil || r.db == nil {
		return errors.New("history: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	a := tr.Alert
	_, err = tx.ExecContext(ctx, `
INSERT INTO alerts (
	id, kind, severity, source_id, location, description, confidence, state,
	created_at, last_reaffirmed_at, acknowledged_at, dismissed_at, dismiss_reason
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
	severity = EXCLUDED.severity,
	description = EXCLUDED.description,
	confidence = EXCLUDED.confidence,
	state = EXCLUDED.state,
	last_reaffirmed_at = EXCLUDED.last_reaffirmed_at,
	acknowledged_at = EXCLUDED.acknowledged_at,
	dismissed_at = EXCLUDED.dismissed_at,
	dismiss_reason = EXCLUDED.dismiss_reason`,
		a.ID, string(a.Kind), string(a.Severity), a.SourceID, a.Location, a.Description,
		a.Confidence, string(a.State), a.CreatedAt, a.LastReaffirmedAt,
		nullableTime(a.AcknowledgedAt), nullableTime(a.DismissedAt), a.DismissReason,
	)
	if err != nil {
		return fmt.Errorf("history: upsert alert %s: %w", a.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO alert_transitions (alert_id, from_state, to_state, reason, at)
VALUES ($1, $2, $3, $4, $5)`,
		tr.AlertID, string(tr.From), string(tr.To), tr.Reason, tr.At,
	)
	if err != nil {
		return fmt.Errorf("history: insert transition %s: %w", tr.AlertID, err)
	}
	return tx.Commit()
}

// Transitions returns the recorded transitions of one alert, oldest first.
func (r *Repository) Transitions(ctx context.Context, alertID string) ([]types.Transition, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("history: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT alert_id, from_state, to_state, reason, at
FROM alert_transitions
WHERE alert_id = $1
ORDER BY id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("history: query transitions: %w", err)
	}
	defer rows.Close()

	var out []types.Transition
	for rows.Next() {
		var (
			tr       types.Transition
			from, to string
		)
		if err := rows.Scan(&tr.AlertID, &from, &to, &tr.Reason, &tr.At); err != nil {
			return nil, fmt.Errorf("history: scan transition: %w", err)
		}
		tr.From = types.AlertState(from)
		tr.To = types.AlertState(to)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
