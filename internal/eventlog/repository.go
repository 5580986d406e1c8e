package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/teleop-core/internal/events"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Record is one persisted event.
type Record struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	EntityID   string          `json:"entity_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Filter selects records. Records come back oldest first, after AfterSeq.
type Filter struct {
	Kind     string
	EntityID string
	Name     string
	AfterSeq int64
	Limit    int // default 50, max 500
}

// SessionSummary is a finished session as kept in the ledger table.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	DeviceID   string    `json:"device_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	Currency   string    `json:"currency"`
	TotalCost  float64   `json:"total_cost"`
	Commands   int       `json:"commands"`
	PaymentRef string    `json:"payment_ref,omitempty"`
	EndReason  string    `json:"end_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	EndedAt    time.Time `json:"ended_at"`
}

// Repository stores and queries the event log.
type Repository interface {
	Append(ctx context.Context, e events.Event) error
	List(ctx context.Context, filter Filter) ([]Record, error)
	SaveSession(ctx context.Context, s SessionSummary) error
	ListSessions(ctx context.Context, userID, deviceID string, limit int) ([]SessionSummary, error)
}

// SQLiteRepository is the SQLite Repository.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Append inserts an event. Re-appending an event ID is a no-op.
func (r *SQLiteRepository) Append(ctx context.Context, e events.Event) error {
	var payload any
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshalling event payload: %w", err)
		}
		payload = string(b)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_log (id, name, kind, entity_id, occurred_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Name), string(e.Kind), e.EntityID,
		e.Timestamp.UTC().Format(time.RFC3339Nano), payload,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// List returns events matching filter in sequence order.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Record, error) {
	conditions := []string{"seq > ?"}
	args := []any{filter.AfterSeq}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Name != "" {
		conditions = append(conditions, "name = ?")
		args = append(args, filter.Name)
	}
	args = append(args, clampLimit(filter.Limit))

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT seq, id, name, kind, entity_id, occurred_at, payload FROM event_log WHERE %s ORDER BY seq LIMIT ?",
		strings.Join(conditions, " AND "),
	)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			rec        Record
			occurredAt string
			payload    sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Name, &rec.Kind, &rec.EntityID, &occurredAt, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if rec.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
			return nil, fmt.Errorf("parsing event timestamp %q: %w", occurredAt, err)
		}
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

// SaveSession upserts a finished session.
func (r *SQLiteRepository) SaveSession(ctx context.Context, s SessionSummary) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_ledger
		   (session_id, device_id, user_id, status, currency, total_cost, commands, payment_ref, end_reason, error, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   status = excluded.status, total_cost = excluded.total_cost, commands = excluded.commands,
		   payment_ref = excluded.payment_ref, error = excluded.error, ended_at = excluded.ended_at`,
		s.SessionID, s.DeviceID, s.UserID, s.Status, s.Currency, s.TotalCost, s.Commands,
		nullableString(s.PaymentRef), nullableString(s.EndReason), nullableString(s.Error),
		s.EndedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// ListSessions returns finished sessions, most recent first. Empty ids
// match everything.
func (r *SQLiteRepository) ListSessions(ctx context.Context, userID, deviceID string, limit int) ([]SessionSummary, error) {
	var (
		conditions []string
		args       []any
	)
	if userID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, userID)
	}
	if deviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, deviceID)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, clampLimit(limit))

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT session_id, device_id, user_id, status, currency, total_cost, commands,
		        payment_ref, end_reason, error, ended_at
		 FROM session_ledger %s ORDER BY ended_at DESC LIMIT ?`, where)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionSummary{}
	for rows.Next() {
		var (
			s                   SessionSummary
			ref, reason, errCol sql.NullString
			endedAt             string
		)
		if err := rows.Scan(&s.SessionID, &s.DeviceID, &s.UserID, &s.Status, &s.Currency, &s.TotalCost,
			&s.Commands, &ref, &reason, &errCol, &endedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.PaymentRef, s.EndReason, s.Error = ref.String, reason.String, errCol.String
		if s.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt); err != nil {
			return nil, fmt.Errorf("parsing session timestamp %q: %w", endedAt, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	default:
		return n
	}
}

// nullableString maps "" to NULL for nullable TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
