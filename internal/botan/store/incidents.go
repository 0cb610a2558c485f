package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Severity grades how serious an incident is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Action records what the supervisor did about an incident.
type Action string

const (
	// ActionNone means the incident was observed but no remediation ran,
	// either because it was the first sighting or because backoff applied.
	ActionNone Action = "none"
	// ActionRestarted means the supervisor restarted the bot.
	ActionRestarted Action = "restarted"
	// ActionMarkedFailed means the restart budget ran out and the bot was
	// given up on.
	ActionMarkedFailed Action = "marked-failed"
)

// Incident is one row of the append-only incident journal.
type Incident struct {
	ID        int64
	BotID     string
	Timestamp time.Time
	Severity  Severity
	Message   string
	Action    Action
	TraceID   string
}

// IncidentFilter selects journal rows in GetIncidents.  Zero-value fields
// match everything.
type IncidentFilter struct {
	// BotID restricts results to a single bot.
	BotID string
	// Since restricts results to incidents at or after this time.
	Since time.Time
	// Limit caps the number of rows returned; 0 means no cap.
	Limit int
}

func validSeverity(s Severity) bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

func validAction(a Action) bool {
	return a == ActionNone || a == ActionRestarted || a == ActionMarkedFailed
}

// AppendIncident writes one journal row.  The timestamp defaults to now and
// the assigned row ID is written back into inc.
func (s *Store) AppendIncident(ctx context.Context, inc *Incident) error {
	if inc == nil {
		return fmt.Errorf("store: incident must not be nil")
	}
	if inc.BotID == "" {
		return fmt.Errorf("store: incident has no bot_id")
	}
	if inc.Message == "" {
		return fmt.Errorf("store: incident has no message")
	}
	if !validSeverity(inc.Severity) {
		return fmt.Errorf("store: unknown incident severity %q", inc.Severity)
	}
	if !validAction(inc.Action) {
		return fmt.Errorf("store: unknown incident action %q", inc.Action)
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = time.Now().UTC()
	}

	var traceNull sql.NullString
	if inc.TraceID != "" {
		traceNull = sql.NullString{String: inc.TraceID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (bot_id, ts, severity, message, action, trace_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, inc.BotID, inc.Timestamp, string(inc.Severity), inc.Message, string(inc.Action), traceNull)
	if err != nil {
		return fmt.Errorf("store: append incident: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		inc.ID = id
	}
	return nil
}

// GetIncidents returns journal rows matching the filter in chronological
// order (oldest first, row ID as tie-breaker).
func (s *Store) GetIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, error) {
	query := `SELECT id, bot_id, ts, severity, message, action, trace_id FROM incidents`
	var conds []string
	var args []any
	if f.BotID != "" {
		conds = append(conds, "bot_id = ?")
		args = append(args, f.BotID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query incidents: %w", err)
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		inc := &Incident{}
		var severity, action string
		var traceNull sql.NullString
		if err := rows.Scan(&inc.ID, &inc.BotID, &inc.Timestamp, &severity, &inc.Message, &action, &traceNull); err != nil {
			return nil, fmt.Errorf("store: scan incident: %w", err)
		}
		inc.Severity = Severity(severity)
		inc.Action = Action(action)
		inc.TraceID = traceNull.String
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate incidents: %w", err)
	}
	return out, nil
}

// IncidentCount returns the total number of journal rows for a bot, or for
// the whole fleet when botID is empty.
func (s *Store) IncidentCount(ctx context.Context, botID string) (int, error) {
	var count int
	var err error
	if botID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE bot_id = ?`, botID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("store: count incidents: %w", err)
	}
	return count, nil
}
