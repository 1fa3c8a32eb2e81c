package compactor_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ax-host/ax/internal/ax/compactor"
)

func estimate(s string) int { return (len(s) + 3) / 4 }

func TestCompact_ShortHistoryUnchanged(t *testing.T) {
	history := make([]compactor.Entry, 3)
	out := compactor.Compact(context.Background(), history, nil, estimate, 100000)
	if len(out) != len(history) {
		t.Fatalf("expected unchanged history, got len %d", len(out))
	}
}

func TestCompact_BelowThresholdUnchanged(t *testing.T) {
	history := make([]compactor.Entry, 10)
	for i := range history {
		history[i] = compactor.Entry{Role: "user", Content: "short"}
	}
	out := compactor.Compact(context.Background(), history, nil, estimate, 1_000_000)
	if len(out) != len(history) {
		t.Fatalf("expected unchanged history under threshold, got len %d", len(out))
	}
}

func TestCompact_SummarisesOlderTurns(t *testing.T) {
	history := make([]compactor.Entry, 20)
	for i := range history {
		history[i] = compactor.Entry{Role: "user", Content: strings.Repeat("x", 500)}
	}

	called := false
	llmCall := func(ctx context.Context, systemPrompt, transcript string) (string, error) {
		called = true
		return "summary text", nil
	}

	out := compactor.Compact(context.Background(), history, llmCall, estimate, 100)
	if !called {
		t.Fatal("expected llmCall to be invoked")
	}
	if len(out) < compactor.KeepRecentTurns+2 {
		t.Fatalf("output len %d, want >= %d", len(out), compactor.KeepRecentTurns+2)
	}
	want := "Conversation summary of 14 earlier messages"
	if !strings.Contains(out[0].Content, want) {
		t.Errorf("first turn = %q, want to contain %q", out[0].Content, want)
	}
}

func TestCompact_FallsBackOnSummariserFailure(t *testing.T) {
	history := make([]compactor.Entry, 20)
	for i := range history {
		history[i] = compactor.Entry{Role: "user", Content: strings.Repeat("x", 500)}
	}
	llmCall := func(ctx context.Context, systemPrompt, transcript string) (string, error) {
		return "", errors.New("upstream unavailable")
	}

	out := compactor.Compact(context.Background(), history, llmCall, estimate, 100)
	if len(out) != compactor.KeepRecentTurns {
		t.Fatalf("expected fallback to recent-only slice of %d, got %d", compactor.KeepRecentTurns, len(out))
	}
}
