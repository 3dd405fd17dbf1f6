package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/carevue/sessionhub/pkg/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	provider_id      TEXT NOT NULL,
	patient_id       TEXT NOT NULL,
	scheduled_at     INTEGER NOT NULL,
	duration_minutes INTEGER NOT NULL,
	status           TEXT NOT NULL,
	last_update      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_provider_status
	ON sessions(provider_id, status, scheduled_at);

CREATE TABLE IF NOT EXISTS status_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT NOT NULL REFERENCES sessions(id),
	status          TEXT NOT NULL,
	previous_status TEXT NOT NULL,
	actor           TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	changed_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_session ON status_history(session_id, changed_at);
`

var terminalStatuses = []any{
	string(session.StatusCompleted),
	string(session.StatusCancelled),
	string(session.StatusNoShow),
}

// StatusChange is one audit row recorded per successful transition.
type StatusChange struct {
	Status         session.Status
	PreviousStatus session.Status
	Actor          string
	Reason         string
	ChangedAt      time.Time
}

// Store is the booking system of record. The live cache is derived from it
// and can always be rebuilt via LiveSessions.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the sqlite database at path and applies the
// schema. WAL mode plus a busy timeout lets concurrent HTTP handlers read
// while the single writer commits.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "booking_store")),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, provider_id, patient_id, scheduled_at, duration_minutes, status, last_update)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProviderID, sess.PatientID,
		sess.ScheduledAt.Unix(), sess.DurationMinutes,
		string(sess.Status), sess.LastUpdate.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider_id, patient_id, scheduled_at, duration_minutes, status, last_update
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateStatus conditionally moves the session from prev to next. The WHERE
// clause on the previous status makes the write a compare-and-swap: if the
// status already moved on, no row is updated and ErrIllegalTransition is
// returned rather than silently overwriting.
func (s *Store) UpdateStatus(ctx context.Context, id string, prev, next session.Status, actor, reason string) (*session.Session, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, last_update = ? WHERE id = ? AND status = ?`,
		string(next), now.Unix(), id, string(prev),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Distinguish a missing session from a lost race on status.
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, session.ErrNotFound
		}
		return nil, session.ErrIllegalTransition
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO status_history (session_id, status, previous_status, actor, reason, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(next), string(prev), actor, reason, now.Unix(),
	); err != nil {
		return nil, fmt.Errorf("failed to record status history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}

	return s.GetSession(ctx, id)
}

// FindOverlapping returns the provider's non-terminal sessions whose own
// buffered occupancy windows intersect [windowStart, windowEnd). The caller
// passes the candidate window already buffered; the same buffer is applied
// to the stored sessions inside the query.
func (s *Store) FindOverlapping(ctx context.Context, providerID string, windowStart, windowEnd time.Time, buffer time.Duration) ([]session.Session, error) {
	bufSecs := int64(buffer / time.Second)

	args := []any{providerID}
	args = append(args, terminalStatuses...)
	args = append(args, bufSecs, windowEnd.Unix(), bufSecs, windowStart.Unix())

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider_id, patient_id, scheduled_at, duration_minutes, status, last_update
		 FROM sessions
		 WHERE provider_id = ?
		   AND status NOT IN (?, ?, ?)
		   AND scheduled_at - ? < ?
		   AND scheduled_at + duration_minutes * 60 + ? > ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// LiveSessions returns every non-terminal session, used to rebuild the live
// cache at startup.
func (s *Store) LiveSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider_id, patient_id, scheduled_at, duration_minutes, status, last_update
		 FROM sessions
		 WHERE status NOT IN (?, ?, ?)
		 ORDER BY scheduled_at`,
		terminalStatuses...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query live sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// StatusHistory returns the audit trail for a session, oldest first.
func (s *Store) StatusHistory(ctx context.Context, id string) ([]StatusChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, previous_status, actor, reason, changed_at
		 FROM status_history WHERE session_id = ? ORDER BY changed_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	var changes []StatusChange
	for rows.Next() {
		var c StatusChange
		var status, prev string
		var changedAt int64
		if err := rows.Scan(&status, &prev, &c.Actor, &c.Reason, &changedAt); err != nil {
			return nil, err
		}
		c.Status = session.Status(status)
		c.PreviousStatus = session.Status(prev)
		c.ChangedAt = time.Unix(changedAt, 0)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var scheduledAt, lastUpdate int64
	var status string
	err := row.Scan(&sess.ID, &sess.ProviderID, &sess.PatientID,
		&scheduledAt, &sess.DurationMinutes, &status, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.ScheduledAt = time.Unix(scheduledAt, 0)
	sess.LastUpdate = time.Unix(lastUpdate, 0)
	sess.Status = session.Status(status)
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]session.Session, error) {
	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}
