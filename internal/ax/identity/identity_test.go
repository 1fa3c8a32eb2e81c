package identity_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ax-host/ax/internal/ax/identity"
	"github.com/ax-host/ax/internal/ax/taint"
)

func TestDecide_Paranoid_AlwaysQueues(t *testing.T) {
	d := identity.Decide(taint.Paranoid, taint.CheckResult{TaintRatio: 0, Threshold: 0.10}, false)
	if d != identity.DecisionQueue {
		t.Fatalf("Decide = %v, want queued", d)
	}
}

func TestDecide_Yolo_AlwaysApplies(t *testing.T) {
	d := identity.Decide(taint.Yolo, taint.CheckResult{TaintRatio: 0.99, Threshold: 0.10}, false)
	if d != identity.DecisionApply {
		t.Fatalf("Decide = %v, want applied", d)
	}
}

func TestDecide_Balanced_FollowsTaintRatio(t *testing.T) {
	applied := identity.Decide(taint.Balanced, taint.CheckResult{TaintRatio: 0.10, Threshold: 0.30}, false)
	queued := identity.Decide(taint.Balanced, taint.CheckResult{TaintRatio: 0.80, Threshold: 0.30}, false)
	if applied != identity.DecisionApply {
		t.Fatalf("within threshold Decide = %v, want applied", applied)
	}
	if queued != identity.DecisionQueue {
		t.Fatalf("over threshold Decide = %v, want queued", queued)
	}
}

func TestDecide_Balanced_ProposeAlwaysQueues(t *testing.T) {
	d := identity.Decide(taint.Balanced, taint.CheckResult{TaintRatio: 0, Threshold: 0.30}, true)
	if d != identity.DecisionQueue {
		t.Fatalf("Decide(propose, balanced) = %v, want queued even within threshold", d)
	}
}

func TestDecide_Balanced_HonoursOverride(t *testing.T) {
	d := identity.Decide(taint.Balanced, taint.CheckResult{Reason: "user override", TaintRatio: 0.95, Threshold: 0.30}, false)
	if d != identity.DecisionApply {
		t.Fatalf("Decide with override = %v, want applied despite ratio over threshold", d)
	}
}

func TestApply_SoulDeletesBootstrap(t *testing.T) {
	dir := t.TempDir()
	s := identity.New(dir)

	bootstrap := filepath.Join(dir, "BOOTSTRAP.md")
	if err := os.WriteFile(bootstrap, []byte("hello"), 0o600); err != nil {
		t.Fatalf("seed bootstrap: %v", err)
	}

	if err := s.Apply(identity.FileSoul, "new soul"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := os.Stat(bootstrap); !os.IsNotExist(err) {
		t.Fatal("expected BOOTSTRAP.md to be deleted after applying SOUL.md")
	}

	got, err := os.ReadFile(filepath.Join(dir, "SOUL.md"))
	if err != nil {
		t.Fatalf("read SOUL.md: %v", err)
	}
	if string(got) != "new soul" {
		t.Fatalf("SOUL.md content = %q", got)
	}
}

func TestApply_IdentityDoesNotTouchBootstrap(t *testing.T) {
	dir := t.TempDir()
	s := identity.New(dir)
	bootstrap := filepath.Join(dir, "BOOTSTRAP.md")
	if err := os.WriteFile(bootstrap, []byte("hello"), 0o600); err != nil {
		t.Fatalf("seed bootstrap: %v", err)
	}
	if err := s.Apply(identity.FileIdentity, "new identity"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := os.Stat(bootstrap); err != nil {
		t.Fatal("BOOTSTRAP.md should survive an IDENTITY.md apply")
	}
}

func TestNormaliseFile(t *testing.T) {
	cases := map[string]identity.File{
		"soul":        identity.FileSoul,
		"SOUL.MD":     identity.FileSoul,
		"identity.md": identity.FileIdentity,
		"user":        identity.FileUser,
	}
	for in, want := range cases {
		if got := identity.NormaliseFile(in); got != want {
			t.Errorf("NormaliseFile(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToProposalFile_RejectsUser(t *testing.T) {
	if _, err := identity.ToProposalFile(identity.FileUser); err == nil {
		t.Fatal("expected error converting USER.md to a proposal file")
	}
}
