package workspace_test

import (
	"path/filepath"
	"testing"

	"github.com/ax-host/ax/internal/ax/workspace"
)

func newTestStore(t *testing.T, agentWritable bool) *workspace.Store {
	t.Helper()
	root := t.TempDir()
	return workspace.New(
		filepath.Join(root, "agent"),
		filepath.Join(root, "user"),
		filepath.Join(root, "scratch"),
		agentWritable,
	)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t, false)
	if err := s.Write(workspace.TierScratch, "notes/todo.txt", "buy milk"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(workspace.TierScratch, "notes/todo.txt", "")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "buy milk" {
		t.Fatalf("Read = %q, want %q", got, "buy milk")
	}
}

func TestWrite_AgentTierReadOnlyByDefault(t *testing.T) {
	s := newTestStore(t, false)
	err := s.Write(workspace.TierAgent, "SOUL.md", "x")
	if err != workspace.ErrAgentReadOnly {
		t.Fatalf("err = %v, want ErrAgentReadOnly", err)
	}
}

func TestWrite_AgentTierWritableWhenFlagged(t *testing.T) {
	s := newTestStore(t, true)
	if err := s.Write(workspace.TierAgent, "SOUL.md", "x"); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestRead_JSONFieldExtraction(t *testing.T) {
	s := newTestStore(t, false)
	if err := s.Write(workspace.TierUser, "prefs.json", `{"theme":{"mode":"dark"}}`); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(workspace.TierUser, "prefs.json", "theme.mode")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "dark" {
		t.Fatalf("Read jsonField = %q, want %q", got, "dark")
	}
}

func TestResolve_RejectsPathEscape(t *testing.T) {
	s := newTestStore(t, false)
	_, err := s.Read(workspace.TierScratch, "../../etc/passwd", "")
	if err != workspace.ErrPathTraversal {
		t.Fatalf("err = %v, want ErrPathTraversal", err)
	}
}

func TestList_NonRecursive(t *testing.T) {
	s := newTestStore(t, false)
	if err := s.Write(workspace.TierScratch, "a.txt", "1"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(workspace.TierScratch, "sub/b.txt", "2"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := s.List(workspace.TierScratch, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
}
