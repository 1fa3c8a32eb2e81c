// Package conversation implements the append-only per-session turn log
// with count/prune/load (C6).
//
// Grounded on the teacher's internal/ruriko/memory.Conversation and
// store.Store persistence idiom; estimateTokens is carried over from
// memory/conversation.go's ~4-chars-per-token heuristic (also the
// estimator spec 4.6's compactor and spec 4.4's taint budget call
// "deterministic and acceptable").
package conversation

import (
	"database/sql"
	"fmt"
	"time"
)

// Role is a conversation turn's speaker (spec 3 "Conversation turn").
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in a session's append-only turn log.
type Turn struct {
	SessionID string
	Role      Role
	Content   string
	Sender    string
	Timestamp time.Time
}

// Store wraps the shared database connection.
type Store struct {
	db *sql.DB
}

// New returns a Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append adds a turn to session's log.
func (s *Store) Append(session string, role Role, content, sender string) error {
	_, err := s.db.Exec(
		`INSERT INTO conversation_turns (session_id, role, content, sender, created_at) VALUES (?, ?, ?, ?, ?)`,
		session, role, content, nullIfEmpty(sender), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Load returns the most recent limit turns for session, oldest first.
func (s *Store) Load(session string, limit int) ([]Turn, error) {
	rows, err := s.db.Query(
		`SELECT session_id, role, content, sender, created_at FROM (
			SELECT * FROM conversation_turns WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, session, limit)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var sender sql.NullString
		if err := rows.Scan(&t.SessionID, &t.Role, &t.Content, &sender, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Sender = sender.String
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Count returns the number of turns stored for session.
func (s *Store) Count(session string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conversation_turns WHERE session_id = ?`, session).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

// Prune deletes all but the most recent keep turns for session.
func (s *Store) Prune(session string, keep int) error {
	_, err := s.db.Exec(`
		DELETE FROM conversation_turns
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM conversation_turns WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		)`, session, session, keep)
	if err != nil {
		return fmt.Errorf("prune turns: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// perMessageOverhead accounts for role/formatting tokens not present in
// the raw content string, matching the teacher's estimator.
const perMessageOverhead = 4

// EstimateTokens estimates the token count of a turn using the ~4
// chars-per-token heuristic plus a small per-message overhead.
func EstimateTokens(content string) int {
	return (len(content)+3)/4 + perMessageOverhead
}
