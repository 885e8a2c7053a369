// Package history persists black start events and alerts in sqlite and prunes
// them on a schedule.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/port"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var ErrEventNotFound = errors.New("event not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS blackstart_events (
		id           TEXT PRIMARY KEY,
		site_id      TEXT NOT NULL,
		start_time   INTEGER NOT NULL,
		end_time     INTEGER,
		state        TEXT NOT NULL,
		triggered_by TEXT NOT NULL,
		cause        TEXT NOT NULL,
		loads_shed   TEXT NOT NULL,
		peak_power   REAL NOT NULL,
		total_energy REAL NOT NULL,
		success      INTEGER NOT NULL,
		notes        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blackstart_events_site ON blackstart_events (site_id, start_time)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		site_id   TEXT NOT NULL,
		severity  TEXT NOT NULL,
		title     TEXT NOT NULL,
		message   TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_site ON alerts (site_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS site_status (
		site_id    TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// Store is an EventRecorder backed by a sqlite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ port.EventRecorder = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	for _, stmt := range schema {
		if _, err = db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("history schema: %w", err)
		}
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "history"))}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateEvent(ctx context.Context, event domain.BlackStartEvent) error {
	loadsShed, err := json.Marshal(nonNil(event.LoadsShed))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO blackstart_events "+
			"(id, site_id, start_time, end_time, state, triggered_by, cause, loads_shed, peak_power, total_energy, success, notes) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		event.Id,
		event.SiteId,
		event.StartTime.UnixMilli(),
		millisOrNil(event.EndTime),
		string(event.State),
		string(event.TriggeredBy),
		event.Cause,
		string(loadsShed),
		event.PeakPower,
		event.TotalEnergy,
		event.Success,
		event.Notes,
	)
	return err
}

func (s *Store) UpdateEvent(ctx context.Context, id string, patch domain.EventPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ev, err := scanEvent(tx.QueryRowContext(ctx, selectEvents+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", id, ErrEventNotFound)
		}
		return err
	}
	patch.Apply(&ev)

	loadsShed, err := json.Marshal(nonNil(ev.LoadsShed))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE blackstart_events SET end_time = ?, state = ?, loads_shed = ?, peak_power = ?, "+
			"total_energy = ?, success = ?, notes = ? WHERE id = ?",
		millisOrNil(ev.EndTime),
		string(ev.State),
		string(loadsShed),
		ev.PeakPower,
		ev.TotalEnergy,
		ev.Success,
		ev.Notes,
		id,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AppendAlert(ctx context.Context, siteId string, severity domain.Severity, title, message string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO alerts (site_id, severity, title, message, timestamp) VALUES (?, ?, ?, ?, ?)",
		siteId, string(severity), title, message, time.Now().UnixMilli(),
	)
	return err
}

// BroadcastStatus keeps the latest status per site.
func (s *Store) BroadcastStatus(ctx context.Context, siteId string, status domain.IslandStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO site_status (site_id, status, updated_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(site_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at",
		siteId, string(payload), time.Now().UnixMilli(),
	)
	return err
}

const selectEvents = "SELECT id, site_id, start_time, end_time, state, triggered_by, cause, loads_shed, " +
	"peak_power, total_energy, success, notes FROM blackstart_events"

func (s *Store) Event(ctx context.Context, id string) (domain.BlackStartEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, selectEvents+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return ev, fmt.Errorf("%s: %w", id, ErrEventNotFound)
	}
	return ev, err
}

// Events returns the most recent events of a site, newest first.
func (s *Store) Events(ctx context.Context, siteId string, limit int) ([]domain.BlackStartEvent, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+" WHERE site_id = ? ORDER BY start_time DESC LIMIT ?", siteId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.BlackStartEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Alerts returns the most recent alerts of a site, newest first.
func (s *Store) Alerts(ctx context.Context, siteId string, limit int) ([]domain.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT site_id, severity, title, message, timestamp FROM alerts WHERE site_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?",
		siteId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []domain.Alert{}
	for rows.Next() {
		var (
			a        domain.Alert
			severity string
			ts       int64
		)
		if err := rows.Scan(&a.SiteId, &severity, &a.Title, &a.Message, &ts); err != nil {
			return nil, err
		}
		a.Severity = domain.Severity(severity)
		a.Timestamp = time.UnixMilli(ts)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// LastStatus returns the latest broadcast status of a site, or nil if none was stored.
func (s *Store) LastStatus(ctx context.Context, siteId string) (*domain.IslandStatus, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM site_status WHERE site_id = ?", siteId).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var status domain.IslandStatus
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Prune deletes closed events and alerts older than before. Open events are kept.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM blackstart_events WHERE end_time IS NOT NULL AND end_time < ?", cutoff)
	if err != nil {
		return 0, err
	}
	events, _ := res.RowsAffected()
	res, err = s.db.ExecContext(ctx, "DELETE FROM alerts WHERE timestamp < ?", cutoff)
	if err != nil {
		return events, err
	}
	alerts, _ := res.RowsAffected()
	return events + alerts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.BlackStartEvent, error) {
	var (
		ev          domain.BlackStartEvent
		start       int64
		end         sql.NullInt64
		state       string
		triggeredBy string
		loadsShed   string
		notes       sql.NullString
	)
	err := row.Scan(&ev.Id, &ev.SiteId, &start, &end, &state, &triggeredBy, &ev.Cause, &loadsShed,
		&ev.PeakPower, &ev.TotalEnergy, &ev.Success, &notes)
	if err != nil {
		return ev, err
	}
	ev.StartTime = time.UnixMilli(start)
	if end.Valid {
		t := time.UnixMilli(end.Int64)
		ev.EndTime = &t
	}
	ev.State = domain.IslandState(state)
	ev.TriggeredBy = domain.TriggeredBy(triggeredBy)
	if notes.Valid {
		ev.Notes = &notes.String
	}
	if err := json.Unmarshal([]byte(loadsShed), &ev.LoadsShed); err != nil {
		return ev, fmt.Errorf("loads_shed of %s: %w", ev.Id, err)
	}
	return ev, nil
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
