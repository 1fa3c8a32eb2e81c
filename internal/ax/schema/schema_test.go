package schema_test

import (
	"strings"
	"testing"

	"github.com/ax-host/ax/internal/ax/schema"
)

func mustRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestValidate_UnknownAction(t *testing.T) {
	reg := mustRegistry(t)
	_, _, err := reg.Validate([]byte(`{"action":"nonexistent"}`))
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestValidate_LLMCall_OK(t *testing.T) {
	reg := mustRegistry(t)
	body := []byte(`{"action":"llm_call","messages":[{"role":"user","content":"hi"}]}`)
	env, action, err := reg.Validate(body)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if action != "llm_call" {
		t.Errorf("action = %q, want llm_call", action)
	}
	if env["action"] != "llm_call" {
		t.Errorf("decoded envelope missing action field")
	}
}

func TestValidate_RejectsExtraTopLevelKey(t *testing.T) {
	reg := mustRegistry(t)
	body := []byte(`{"action":"llm_call","messages":[{"role":"user","content":"hi"}],"extra":true}`)
	if _, _, err := reg.Validate(body); err == nil {
		t.Fatal("expected validation error for unknown top-level field")
	}
}

func TestValidate_RejectsEmptyMessages(t *testing.T) {
	reg := mustRegistry(t)
	body := []byte(`{"action":"llm_call","messages":[]}`)
	if _, _, err := reg.Validate(body); err == nil {
		t.Fatal("expected validation error for empty messages array")
	}
}

func TestValidate_RejectsNullByte(t *testing.T) {
	reg := mustRegistry(t)
	body := []byte(`{"action":"memory_write","scope":"notes","key":"a\u0000b","value":"x"}`)
	_, _, err := reg.Validate(body)
	if err == nil {
		t.Fatal("expected validation error for null byte in field")
	}
	if !strings.Contains(err.Error(), "null byte") {
		t.Errorf("error = %v, want mention of null byte", err)
	}
}

func TestValidate_RejectsPathTraversalInScope(t *testing.T) {
	reg := mustRegistry(t)
	body := []byte(`{"action":"memory_write","scope":"../../etc","key":"k","value":"v"}`)
	if _, _, err := reg.Validate(body); err == nil {
		t.Fatal("expected validation error for \"..\" in scope")
	}
}

func TestValidate_RejectsScopeStartingNonAlphanumeric(t *testing.T) {
	reg := mustRegistry(t)
	body := []byte(`{"action":"memory_write","scope":"_hidden","key":"k","value":"v"}`)
	if _, _, err := reg.Validate(body); err == nil {
		t.Fatal("expected validation error for scope not starting alphanumeric")
	}
}

func TestValidate_RejectsInvalidJSON(t *testing.T) {
	reg := mustRegistry(t)
	_, _, err := reg.Validate([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestNormalizeOrigin(t *testing.T) {
	cases := map[string]string{
		"User Request":    "user_request",
		"AGENT-INITIATED": "agent_initiated",
		"agent_initiated": "agent_initiated",
		"garbage":         "user_request",
		"":                "user_request",
	}
	for in, want := range cases {
		if got := schema.NormalizeOrigin(in); got != want {
			t.Errorf("NormalizeOrigin(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeIdentityFile(t *testing.T) {
	cases := map[string]string{
		"soul":         "SOUL.md",
		"SOUL.MD":      "SOUL.md",
		"identity":     "IDENTITY.md",
		"Identity.md":  "IDENTITY.md",
		"USER.md":      "USER.md",
	}
	for in, want := range cases {
		if got := schema.NormalizeIdentityFile(in); got != want {
			t.Errorf("NormalizeIdentityFile(%q) = %q, want %q", in, got, want)
		}
	}
}
