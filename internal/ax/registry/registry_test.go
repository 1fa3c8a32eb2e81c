package registry_test

import (
	"os"
	"testing"

	"github.com/ax-host/ax/internal/ax/registry"
	"github.com/ax-host/ax/internal/ax/store"
)

func newTestStore(t *testing.T) *registry.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ax-registry-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name(), nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return registry.New(s.DB())
}

func TestRegisterGetList(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Register("agent-1", "Primary", "claude-agent", "", "operator", []string{"memory", "web"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if e.Status != registry.StatusActive {
		t.Fatalf("Status = %v, want active", e.Status)
	}

	got, err := s.Get("agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Primary" || len(got.Capabilities) != 2 {
		t.Fatalf("Get = %+v", got)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List len = %d, want 1", len(list))
	}
}

func TestSetStatus(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Register("agent-1", "Primary", "claude-agent", "", "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.SetStatus("agent-1", registry.StatusSuspended); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, err := s.Get("agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != registry.StatusSuspended {
		t.Fatalf("Status = %v, want suspended", got.Status)
	}
}

func TestSetStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.SetStatus("missing", registry.StatusArchived)
	if err != registry.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("missing")
	if err != registry.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
