package proposal_test

import (
	"os"
	"testing"

	"github.com/ax-host/ax/internal/ax/proposal"
	"github.com/ax-host/ax/internal/ax/store"
)

func newTestStore(t *testing.T) *proposal.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ax-proposal-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name(), nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return proposal.New(s.DB())
}

func TestCreateGetList(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create(proposal.FileSoul, "new soul content", "reflecting on feedback", proposal.OriginAgentInitiated, "agent-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Status != proposal.StatusPending {
		t.Fatalf("Status = %v, want pending", p.Status)
	}

	got, err := s.Get(p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "new soul content" {
		t.Fatalf("Content = %q", got.Content)
	}

	list, err := s.List(proposal.StatusPending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List len = %d, want 1", len(list))
	}
}

func TestResolve_RejectsDoubleResolve(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create(proposal.FileIdentity, "x", "", proposal.OriginUserRequest, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Resolve(p.ID, proposal.StatusApproved); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	err = s.Resolve(p.ID, proposal.StatusRejected)
	if err != proposal.ErrNotPending {
		t.Fatalf("second Resolve err = %v, want ErrNotPending", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("does-not-exist")
	if err != proposal.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
