// Package registry persists the agent registry (spec 3 "Agent registry
// entry"): the set of agents AX knows about, their lifecycle status, and
// capability set, backing the agent_registry_{list,get} IPC actions.
//
// Grounded on the teacher's internal/ruriko/approvals.Store persistence
// idiom (same shared *sql.DB, status column with a CHECK constraint
// enforced in the migration, JSON-encoded slice column for capabilities).
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is an agent's lifecycle state (spec 3 "Lifecycles").
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusArchived  Status = "archived"
)

// Entry mirrors spec 3's Agent registry entry record.
type Entry struct {
	ID           string
	Name         string
	Status       Status
	ParentID     string
	AgentType    string
	Capabilities []string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ErrNotFound is returned when an agent id does not exist.
var ErrNotFound = errors.New("registry: not found")

// Store wraps the shared database connection.
type Store struct {
	db *sql.DB
}

// New returns a Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register inserts a new registry entry, defaulting to StatusActive.
func (s *Store) Register(id, name, agentType, parentID, createdBy string, capabilities []string) (*Entry, error) {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal capabilities: %w", err)
	}
	now := time.Now().UTC()
	e := &Entry{
		ID: id, Name: name, Status: StatusActive, ParentID: parentID, AgentType: agentType,
		Capabilities: capabilities, CreatedBy: createdBy, CreatedAt: now, UpdatedAt: now,
	}
	_, err = s.db.Exec(
		`INSERT INTO agent_registry (id, name, status, parent_id, agent_type, capabilities, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Status, nullIfEmpty(e.ParentID), e.AgentType, string(capsJSON), nullIfEmpty(e.CreatedBy), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: register: %w", err)
	}
	return e, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (*Entry, error) {
	row := s.db.QueryRow(
		`SELECT id, name, status, parent_id, agent_type, capabilities, created_by, created_at, updated_at
		 FROM agent_registry WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get: %w", err)
	}
	return e, nil
}

// List returns every registered agent, newest first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, name, status, parent_id, agent_type, capabilities, created_by, created_at, updated_at
		 FROM agent_registry ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// SetStatus transitions id to status.
func (s *Store) SetStatus(id string, status Status) error {
	res, err := s.db.Exec(`UPDATE agent_registry SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("registry: set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: set status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var parentID, createdBy, capsJSON sql.NullString
	if err := row.Scan(&e.ID, &e.Name, &e.Status, &parentID, &e.AgentType, &capsJSON, &createdBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.ParentID, e.CreatedBy = parentID.String, createdBy.String
	if capsJSON.Valid && capsJSON.String != "" {
		if err := json.Unmarshal([]byte(capsJSON.String), &e.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	return &e, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
