// Package proposal persists identity and skill change proposals awaiting
// human review (spec 3 "Proposal").
//
// Grounded on the teacher's internal/ruriko/approvals.Store: status
// transitions are guarded by a `WHERE status = 'pending'` clause so a
// double-resolve race loses cleanly instead of silently overwriting a
// decision.
package proposal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// File is the file a proposal targets: an identity file or a SkillFile
// value.
type File string

const (
	FileSoul     File = "SOUL.md"
	FileIdentity File = "IDENTITY.md"
)

// SkillFile builds the File value a skill_propose action targets. Stored
// distinctly from the identity files (see 0003_proposals_skill_files.sql)
// so skill_list/skill_read never confuse a pending proposal for a
// refreshed skill already on disk.
func SkillFile(name string) File {
	return File("skill:" + name)
}

// SkillName extracts the skill name back out of a SkillFile value. Ok is
// false if f does not name a skill proposal.
func SkillName(f File) (name string, ok bool) {
	const prefix = "skill:"
	if len(f) <= len(prefix) || string(f[:len(prefix)]) != prefix {
		return "", false
	}
	return string(f[len(prefix):]), true
}

// Origin is who initiated a proposal.
type Origin string

const (
	OriginUserRequest    Origin = "user_request"
	OriginAgentInitiated Origin = "agent_initiated"
)

// Status is a proposal's review state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Proposal mirrors spec 3's Proposal record.
type Proposal struct {
	ID        string
	File      File
	Content   string
	Reason    string
	Origin    Origin
	Status    Status
	CreatedBy string
	CreatedAt time.Time
}

// ErrNotPending is returned when a proposal has already been resolved.
var ErrNotPending = errors.New("proposal: not pending")

// ErrNotFound is returned when a proposal id does not exist.
var ErrNotFound = errors.New("proposal: not found")

// Store persists proposals.
type Store struct {
	db *sql.DB
}

// New returns a Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new pending proposal and returns it.
func (s *Store) Create(file File, content, reason string, origin Origin, createdBy string) (*Proposal, error) {
	p := &Proposal{
		ID:        uuid.NewString(),
		File:      file,
		Content:   content,
		Reason:    reason,
		Origin:    origin,
		Status:    StatusPending,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO proposals (id, file, content, reason, origin, status, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.File, p.Content, nullIfEmpty(p.Reason), p.Origin, p.Status, nullIfEmpty(p.CreatedBy), p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}
	return p, nil
}

// Get returns the proposal with the given id.
func (s *Store) Get(id string) (*Proposal, error) {
	var p Proposal
	var reason, createdBy sql.NullString
	err := s.db.QueryRow(
		`SELECT id, file, content, reason, origin, status, created_by, created_at FROM proposals WHERE id = ?`, id,
	).Scan(&p.ID, &p.File, &p.Content, &reason, &p.Origin, &p.Status, &createdBy, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	p.Reason, p.CreatedBy = reason.String, createdBy.String
	return &p, nil
}

// List returns proposals, optionally filtered by status (empty = all),
// newest first.
func (s *Store) List(status Status) ([]Proposal, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(`SELECT id, file, content, reason, origin, status, created_by, created_at FROM proposals ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.Query(`SELECT id, file, content, reason, origin, status, created_by, created_at FROM proposals WHERE status = ? ORDER BY created_at DESC`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		var p Proposal
		var reason, createdBy sql.NullString
		if err := rows.Scan(&p.ID, &p.File, &p.Content, &reason, &p.Origin, &p.Status, &createdBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		p.Reason, p.CreatedBy = reason.String, createdBy.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// Resolve transitions id from pending to the given terminal status. It
// fails with ErrNotPending if the proposal was already resolved.
func (s *Store) Resolve(id string, status Status) error {
	res, err := s.db.Exec(`UPDATE proposals SET status = ? WHERE id = ? AND status = ?`, status, id, StatusPending)
	if err != nil {
		return fmt.Errorf("resolve proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve proposal: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
