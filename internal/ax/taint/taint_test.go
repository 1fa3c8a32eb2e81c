package taint_test

import "testing"

import "github.com/ax-host/ax/internal/ax/taint"

func TestCheckAction_NonSensitiveAlwaysAllowed(t *testing.T) {
	b := taint.New(taint.Paranoid)
	b.RecordContent("s1", string(make([]byte, 10000)), true)
	r := b.CheckAction("s1", "memory_read")
	if !r.Allowed {
		t.Fatal("non-sensitive action must always be allowed")
	}
}

func TestCheckAction_GatesOnTaintRatio(t *testing.T) {
	b := taint.New(taint.Balanced) // threshold 0.30
	b.RecordContent("s1", mkstr(200), false)
	b.RecordContent("s1", mkstr(800), true)

	r := b.CheckAction("s1", "skill_propose")
	if r.Allowed {
		t.Fatalf("expected skill_propose to be denied at taint ratio %.2f > %.2f", r.TaintRatio, r.Threshold)
	}

	b.AddUserOverride("s1", "skill_propose")
	r = b.CheckAction("s1", "skill_propose")
	if !r.Allowed {
		t.Fatal("expected skill_propose to be allowed after user override")
	}
}

func TestEndSession_ClearsCountersAndOverrides(t *testing.T) {
	b := taint.New(taint.Balanced)
	b.RecordContent("s1", mkstr(1000), true)
	b.AddUserOverride("s1", "skill_propose")
	b.EndSession("s1")

	r := b.CheckAction("s1", "skill_propose")
	if !r.Allowed {
		t.Fatal("fresh session state should start with zero taint ratio (allowed)")
	}
	if r.Reason == "user override" {
		t.Fatal("override should not have survived EndSession")
	}
}

func TestTaintedNeverExceedsTotal(t *testing.T) {
	b := taint.New(taint.Balanced)
	b.RecordContent("s1", mkstr(100), true)
	b.RecordContent("s1", mkstr(50), false)
	r := b.CheckAction("s1", "identity_propose")
	if r.TaintRatio > 1.0 {
		t.Fatalf("taint ratio %.4f must never exceed 1.0", r.TaintRatio)
	}
}

func mkstr(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
