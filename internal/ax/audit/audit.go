// Package audit persists the append-only policy/action log (spec 7
// "Propagation") backing every component that records a decision.
//
// Grounded on the teacher's internal/ruriko/store table-backed persistence
// idiom; args are serialised with encoding/json the same way the teacher's
// store package serialises structured columns.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Entry is one row of the audit log.
type Entry struct {
	ID        int64
	Action    string
	SessionID string
	Args      map[string]any
	Result    string
	CreatedAt time.Time
}

// Log writes audit entries to the shared database. Implements the
// router package's Auditor interface.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// New returns a Log backed by db. logger may be nil.
func New(db *sql.DB, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{db: db, logger: logger}
}

// Audit records one decision. Failures to write are logged, never
// returned or panicked: the calling security check has already happened
// and must not be undone by a storage hiccup.
func (l *Log) Audit(action, sessionID string, args map[string]any, result string) {
	var argsJSON sql.NullString
	if len(args) > 0 {
		b, err := json.Marshal(args)
		if err != nil {
			l.logger.Error("audit: marshal args", "action", action, "error", err)
		} else {
			argsJSON = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := l.db.Exec(
		`INSERT INTO audit_log (action, session_id, args, result, created_at) VALUES (?, ?, ?, ?, ?)`,
		action, nullIfEmpty(sessionID), argsJSON, result, time.Now().UTC(),
	)
	if err != nil {
		l.logger.Error("audit: write entry", "action", action, "error", err)
	}
}

// Recent returns the most recent limit entries for session, newest first.
func (l *Log) Recent(session string, limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, action, session_id, args, result, created_at FROM audit_log
		 WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, session, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var sid, argsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &sid, &argsJSON, &e.Result, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.SessionID = sid.String
		if argsJSON.Valid {
			if err := json.Unmarshal([]byte(argsJSON.String), &e.Args); err != nil {
				return nil, fmt.Errorf("audit: unmarshal args: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
