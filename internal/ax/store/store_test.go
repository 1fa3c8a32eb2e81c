package store_test

import (
	"os"
	"testing"

	"github.com/ax-host/ax/internal/ax/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ax-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name(), nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_RunsMigrationsOnce(t *testing.T) {
	s := newTestStore(t)
	var version int
	if err := s.DB().QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("query schema version: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestNew_SingleConnection(t *testing.T) {
	s := newTestStore(t)
	if s.DB().Stats().MaxOpenConnections != 1 {
		t.Errorf("MaxOpenConnections = %d, want 1", s.DB().Stats().MaxOpenConnections)
	}
}
