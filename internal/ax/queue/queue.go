// Package queue implements the durable at-least-once FIFO of inbound
// messages with per-ID dequeue (C5).
//
// Grounded on the teacher's internal/ruriko/store package's table-backed
// persistence idiom (one sql.DB, transactional status transitions).
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the queue-row state (spec 3 "Queued message").
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Complete   Status = "complete"
	Failed     Status = "failed"
)

// Message is a queued inbound message.
type Message struct {
	ID         string
	SessionID  string
	Channel    string
	Sender     string
	Content    string
	Status     Status
	EnqueuedAt time.Time
}

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("queue: message not found")

// Queue wraps the shared database connection.
type Queue struct {
	db *sql.DB
}

// New returns a Queue backed by db (the store package's shared connection).
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts msg as pending and returns its generated id.
func (q *Queue) Enqueue(sessionID, channel, sender, content string) (string, error) {
	id := uuid.NewString()
	_, err := q.db.Exec(
		`INSERT INTO queue (id, session_id, channel, sender, content, status, enqueued_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, channel, sender, content, Pending, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Dequeue atomically transitions the oldest pending message to processing
// and returns it. Returns (nil, nil) when the queue is empty.
func (q *Queue) Dequeue() (*Message, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("dequeue: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, session_id, channel, sender, content, status, enqueued_at
		 FROM queue WHERE status = ? ORDER BY enqueued_at ASC LIMIT 1`, Pending)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: scan: %w", err)
	}

	if _, err := tx.Exec(`UPDATE queue SET status = ? WHERE id = ?`, Processing, msg.ID); err != nil {
		return nil, fmt.Errorf("dequeue: mark processing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue: commit: %w", err)
	}
	msg.Status = Processing
	return msg, nil
}

// DequeueByID atomically transitions the message with id id from pending
// to processing and returns it. Used by the completion pipeline so
// concurrent completions cannot cross-steal another session's message
// (spec 4.13 step 2).
func (q *Queue) DequeueByID(id string) (*Message, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("dequeueById: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, session_id, channel, sender, content, status, enqueued_at
		 FROM queue WHERE id = ? AND status = ?`, id, Pending)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueById: scan: %w", err)
	}

	if _, err := tx.Exec(`UPDATE queue SET status = ? WHERE id = ?`, Processing, msg.ID); err != nil {
		return nil, fmt.Errorf("dequeueById: mark processing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeueById: commit: %w", err)
	}
	msg.Status = Processing
	return msg, nil
}

// Complete transitions id to the terminal complete state.
func (q *Queue) Complete(id string) error {
	return q.transition(id, Complete)
}

// Fail transitions id to the terminal failed state.
func (q *Queue) Fail(id string) error {
	return q.transition(id, Failed)
}

func (q *Queue) transition(id string, to Status) error {
	res, err := q.db.Exec(`UPDATE queue SET status = ? WHERE id = ?`, to, id)
	if err != nil {
		return fmt.Errorf("transition %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition %s to %s: %w", id, to, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var enqueuedAt time.Time
	if err := row.Scan(&m.ID, &m.SessionID, &m.Channel, &m.Sender, &m.Content, &m.Status, &enqueuedAt); err != nil {
		return nil, err
	}
	m.EnqueuedAt = enqueuedAt
	return &m, nil
}
