package providers_test

import (
	"errors"
	"testing"

	"github.com/ax-host/ax/internal/ax/providers"
)

func TestResolve_Known(t *testing.T) {
	id, err := providers.Resolve("memory", "sqlite")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "providers/memory/sqlite" {
		t.Errorf("id = %q, want providers/memory/sqlite", id)
	}
}

func TestResolve_UnknownKind(t *testing.T) {
	_, err := providers.Resolve("../../etc/passwd", "x")
	if !errors.Is(err, providers.ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestResolve_UnknownName(t *testing.T) {
	_, err := providers.Resolve("memory", "../../etc/passwd")
	if !errors.Is(err, providers.ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}
