// Package schema implements the strict JSON-envelope validator (C1).
//
// Every request that crosses the IPC boundary is a JSON object carrying an
// "action" field. A registry of compiled JSON Schemas, one per action, is
// paired with a handful of Go-level checks the schema language expresses
// awkwardly (UUID parsing, absolute-URL parsing, path-traversal rejection) —
// the same split the teacher's Gosuto config uses between yaml.Unmarshal
// into a typed struct and per-field Go validators.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownAction is returned when an envelope's action is not registered.
// Its message carries spec 4.1's literal "Unknown action: …" prefix.
var ErrUnknownAction = fmt.Errorf("Unknown action")

// ErrValidation wraps any schema or Go-level validation failure. Its
// message carries spec 4.1's literal "Validation failed: …" prefix.
type ErrValidation struct {
	Action string
	Reason string
}

func (e *ErrValidation) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("Validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("Validation failed: action %q: %s", e.Action, e.Reason)
}

// Registry compiles and holds one jsonschema.Schema per known action.
type Registry struct {
	compiler *jsonschema.Compiler
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry compiles the built-in action catalogue (spec 4.1) and returns
// a ready-to-use Registry. Compilation happens once at startup; schema
// sources are Go string literals, never read from agent-writable disk.
func NewRegistry() (*Registry, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	reg := &Registry{compiler: c, schemas: make(map[string]*jsonschema.Schema, len(actionSchemas))}
	for action, src := range actionSchemas {
		resource := "mem://ax/" + action + ".json"
		if err := c.AddResource(resource, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("compile schema for action %q: %w", action, err)
		}
		sch, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("compile schema for action %q: %w", action, err)
		}
		reg.schemas[action] = sch
	}
	return reg, nil
}

// Actions returns the sorted-by-insertion set of registered action names.
// Exposed so C2's provider allowlist and C9's dispatch table can assert
// they cover exactly this set.
func (r *Registry) Actions() []string {
	out := make([]string, 0, len(actionOrder))
	out = append(out, actionOrder...)
	return out
}

// Validate parses raw as a JSON object, looks up its "action" field, and
// validates the object against the compiled schema plus the Go-level
// checks in checkValue. It returns the decoded envelope as a map on
// success.
func (r *Registry) Validate(raw []byte) (map[string]any, string, error) {
	var envelope map[string]any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&envelope); err != nil {
		return nil, "", &ErrValidation{Reason: "invalid JSON: " + err.Error()}
	}

	actionRaw, ok := envelope["action"]
	if !ok {
		return nil, "", &ErrValidation{Reason: "missing required field \"action\""}
	}
	action, ok := actionRaw.(string)
	if !ok {
		return nil, "", &ErrValidation{Reason: "\"action\" must be a string"}
	}

	sch, ok := r.schemas[action]
	if !ok {
		return nil, action, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	// jsonschema validates against the generic decoded-JSON shape produced
	// by encoding/json (map[string]any, []any, float64, ...).
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, action, &ErrValidation{Action: action, Reason: "invalid JSON: " + err.Error()}
	}
	if err := sch.Validate(generic); err != nil {
		return nil, action, &ErrValidation{Action: action, Reason: err.Error()}
	}

	if err := checkValue(envelope); err != nil {
		return nil, action, &ErrValidation{Action: action, Reason: err.Error()}
	}

	return envelope, action, nil
}

// checkValue walks a decoded envelope recursively and rejects any string
// containing U+0000. It also applies the identifier/UUID/URL rules to the
// well-known field names those rules apply to (spec 4.1): "scope",
// "name", "skill", "skillName", "sessionId" and "memoryScope" are
// identifier-like; "proposalId", "messageId" and "agentId" must be
// canonical UUIDs; a field named "url" must contain "://".
func checkValue(v any) error {
	return checkField("", v)
}

func checkField(key string, v any) error {
	switch val := v.(type) {
	case string:
		if strings.ContainsRune(val, 0) {
			return fmt.Errorf("field %q contains a null byte", key)
		}
		if !utf8.ValidString(val) {
			return fmt.Errorf("field %q is not valid UTF-8", key)
		}
		if isIdentifierField(key) {
			if err := checkIdentifier(val); err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
		}
		if isUUIDField(key) {
			if _, err := uuid.Parse(val); err != nil {
				return fmt.Errorf("field %q is not a canonical UUID: %w", key, err)
			}
		}
		if isURLField(key) {
			if err := checkAbsoluteURL(val); err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
		}
		return nil
	case map[string]any:
		for k, child := range val {
			if err := checkField(k, child); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range val {
			if err := checkField(fmt.Sprintf("%s[%d]", key, i), child); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func isIdentifierField(key string) bool {
	switch key {
	case "scope", "name", "skill", "skillName", "sessionId", "memoryScope":
		return true
	}
	return false
}

func isUUIDField(key string) bool {
	switch key {
	case "proposalId", "messageId", "agentId":
		return true
	}
	return false
}

func isURLField(key string) bool {
	return key == "url"
}

func checkIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("must not be empty")
	}
	if strings.Contains(s, "..") {
		return fmt.Errorf("must not contain \"..\"")
	}
	r := []rune(s)[0]
	if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
		return fmt.Errorf("must start with an alphanumeric character")
	}
	return nil
}

func checkAbsoluteURL(s string) error {
	if !strings.Contains(s, "://") {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

// DispatchContext is the context record handlers receive (spec 4.8 step 3).
type DispatchContext struct {
	context.Context
	SessionID string
	AgentID   string
	UserID    string
}
