package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"roadwatch/core/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when an optimistic version check matches no row.
var ErrConflict = errors.New("conflict")

// ErrDuplicateEvent is returned when a timeline insert loses the race on the
// unique event_key index. Callers treat it as "already processed".
var ErrDuplicateEvent = errors.New("duplicate event key")

type Incident struct {
	ID         int64      `json:"id"`
	Type       string     `json:"type"`
	Level      string     `json:"level"`
	Location   string     `json:"location"`
	Status     string     `json:"status"`
	OccurredAt time.Time  `json:"occurred_at"`
	Source     string     `json:"source,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Version    int        `json:"version"`
}

// TimelineRecord is one row of the append-only audit timeline. Rows are
// written in the same transaction as the incident change they record and are
// never rewritten; only the published flag flips after a successful bus send.
type TimelineRecord struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	Event      string    `json:"event"`
	EventKey   string    `json:"event_key"`
	EventAt    time.Time `json:"event_at"`
	Payload    string    `json:"payload"`
	TraceID    string    `json:"trace_id,omitempty"`
	Published  bool      `json:"published"`
	CreatedAt  time.Time `json:"created_at"`
}

type IncidentFilter struct {
	Status string
	Level  string
	Source string
	Limit  int
	Offset int
}

type IncidentsStore interface {
	FindTimelineByEventKey(ctx context.Context, key string) (*TimelineRecord, error)
	CreateIncident(ctx context.Context, inc *Incident, rec *TimelineRecord) (*Incident, bool, error)
	UpdateIncidentStatus(ctx context.Context, inc *Incident, expectedVersion int, rec *TimelineRecord) error
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	ListTimeline(ctx context.Context, incidentID int64) ([]TimelineRecord, error)
	MarkTimelinePublished(ctx context.Context, id int64) error
	ListUnpublishedTimeline(ctx context.Context, olderThan time.Time, limit int) ([]TimelineRecord, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Incident, error)
}

type incidentsStore struct {
	db *DB
}

func NewIncidentsStore(db *DB) IncidentsStore {
	return &incidentsStore{db: db}
}

func (s *incidentsStore) FindTimelineByEventKey(ctx context.Context, key string) (*TimelineRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, incident_id, event, event_key, event_at, payload, trace_id, published, created_at
		FROM incident_timeline WHERE event_key=?`, key)
	return scanTimeline(row)
}

// CreateIncident inserts the incident and its CREATED timeline row in one
// transaction. When a concurrent identical request wins the race on the
// unique event_key, the loser's transaction is rolled back and the winner's
// incident is returned with created=false.
func (s *incidentsStore) CreateIncident(ctx context.Context, inc *Incident, rec *TimelineRecord) (*Incident, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	now := utils.NowUTC()
	if inc.Version <= 0 {
		inc.Version = 1
	}
	if strings.TrimSpace(inc.Status) == "" {
		inc.Status = "pending"
	}
	inc.CreatedAt = now
	inc.UpdatedAt = now
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO incidents(type, level, location, status, occurred_at, source, resolved_at, created_at, updated_at, version)
		VALUES(?,?,?,?,?,?,?,?,?,?) RETURNING id`,
		inc.Type, inc.Level, inc.Location, inc.Status, inc.OccurredAt.UTC(), strings.TrimSpace(inc.Source), nullableTime(inc.ResolvedAt), now, now, inc.Version).Scan(&inc.ID); err != nil {
		tx.Rollback()
		return nil, false, err
	}
	rec.IncidentID = inc.ID
	if err := s.insertTimelineTx(ctx, tx, rec, now); err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			winner, ferr := s.incidentByEventKey(ctx, rec.EventKey)
			if ferr != nil {
				return nil, false, ferr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return inc, true, nil
}

// UpdateIncidentStatus applies a validated status change guarded by the
// optimistic version column and appends the timeline row in the same
// transaction. Zero rows affected means the stored version moved on and the
// caller must re-read.
func (s *incidentsStore) UpdateIncidentStatus(ctx context.Context, inc *Incident, expectedVersion int, rec *TimelineRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := utils.NowUTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE incidents SET status=?, resolved_at=?, updated_at=?, version=version+1
		WHERE id=? AND version=?`,
		inc.Status, nullableTime(inc.ResolvedAt), now, inc.ID, expectedVersion)
	if err != nil {
		tx.Rollback()
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return ErrConflict
	}
	rec.IncidentID = inc.ID
	if err := s.insertTimelineTx(ctx, tx, rec, now); err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	inc.Version = expectedVersion + 1
	inc.UpdatedAt = now
	return nil
}

func (s *incidentsStore) insertTimelineTx(ctx context.Context, tx *Tx, rec *TimelineRecord, now time.Time) error {
	if rec.EventAt.IsZero() {
		rec.EventAt = now
	} else {
		rec.EventAt = rec.EventAt.UTC()
	}
	if strings.TrimSpace(rec.Payload) == "" {
		rec.Payload = "{}"
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO incident_timeline(incident_id, event, event_key, event_at, payload, trace_id, published, created_at)
		VALUES(?,?,?,?,?,?,0,?) RETURNING id`,
		rec.IncidentID, strings.TrimSpace(rec.Event), rec.EventKey, rec.EventAt, rec.Payload, rec.TraceID, now).Scan(&rec.ID); err != nil {
		return err
	}
	rec.CreatedAt = now
	return nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, level, location, status, occurred_at, source, resolved_at, created_at, updated_at, version
		FROM incidents WHERE id=?`, id)
	return scanIncident(row)
}

func (s *incidentsStore) incidentByEventKey(ctx context.Context, key string) (*Incident, error) {
	rec, err := s.FindTimelineByEventKey(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	return s.GetIncident(ctx, rec.IncidentID)
}

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, filter.Status)
	}
	if filter.Level != "" {
		clauses = append(clauses, "level=?")
		args = append(args, filter.Level)
	}
	if filter.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, filter.Source)
	}
	query := `SELECT id, type, level, location, status, occurred_at, source, resolved_at, created_at, updated_at, version FROM incidents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

func (s *incidentsStore) ListTimeline(ctx context.Context, incidentID int64) ([]TimelineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, event, event_key, event_at, payload, trace_id, published, created_at
		FROM incident_timeline WHERE incident_id=? ORDER BY created_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTimeline(rows)
}

func (s *incidentsStore) MarkTimelinePublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE incident_timeline SET published=1 WHERE id=?`, id)
	return err
}

func (s *incidentsStore) ListUnpublishedTimeline(ctx context.Context, olderThan time.Time, limit int) ([]TimelineRecord, error) {
	query := `
		SELECT id, incident_id, event, event_key, event_at, payload, trace_id, published, created_at
		FROM incident_timeline WHERE published=0 AND created_at<? ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, olderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTimeline(rows)
}

func (s *incidentsStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Incident, error) {
	query := `
		SELECT id, type, level, location, status, occurred_at, source, resolved_at, created_at, updated_at, version
		FROM incidents WHERE status='pending' AND created_at<? ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, before.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

func scanIncident(row *sql.Row) (*Incident, error) {
	var inc Incident
	var resolved sql.NullTime
	if err := row.Scan(&inc.ID, &inc.Type, &inc.Level, &inc.Location, &inc.Status, &inc.OccurredAt, &inc.Source, &resolved, &inc.CreatedAt, &inc.UpdatedAt, &inc.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if resolved.Valid {
		t := resolved.Time
		inc.ResolvedAt = &t
	}
	return &inc, nil
}

func scanIncidentRow(rows *sql.Rows) (Incident, error) {
	var inc Incident
	var resolved sql.NullTime
	if err := rows.Scan(&inc.ID, &inc.Type, &inc.Level, &inc.Location, &inc.Status, &inc.OccurredAt, &inc.Source, &resolved, &inc.CreatedAt, &inc.UpdatedAt, &inc.Version); err != nil {
		return inc, err
	}
	if resolved.Valid {
		t := resolved.Time
		inc.ResolvedAt = &t
	}
	return inc, nil
}

func scanTimeline(row *sql.Row) (*TimelineRecord, error) {
	var rec TimelineRecord
	var published int
	if err := row.Scan(&rec.ID, &rec.IncidentID, &rec.Event, &rec.EventKey, &rec.EventAt, &rec.Payload, &rec.TraceID, &published, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Published = published == 1
	return &rec, nil
}

func collectTimeline(rows *sql.Rows) ([]TimelineRecord, error) {
	var res []TimelineRecord
	for rows.Next() {
		var rec TimelineRecord
		var published int
		if err := rows.Scan(&rec.ID, &rec.IncidentID, &rec.Event, &rec.EventKey, &rec.EventAt, &rec.Payload, &rec.TraceID, &published, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Published = published == 1
		res = append(res, rec)
	}
	return res, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
