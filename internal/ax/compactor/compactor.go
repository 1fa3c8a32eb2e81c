// Package compactor implements the history compactor (C7): when estimated
// history tokens exceed a fraction of the context window, summarise the
// older turns via an LLM call and splice in a synthetic summary turn.
//
// Grounded on the teacher's internal/ruriko/memory.LLMSummariser (fixed
// summarisation system prompt, OpenAI-compatible call shape) and
// memory.estimateTokens, generalised so the "LLM call" is an injected
// function routed back through the IPC llm_call action (C9) rather than a
// direct HTTP call, per SPEC_FULL.md's note on spec 4.13 step 6.
package compactor

import (
	"context"
	"fmt"
	"strings"
)

const (
	// KeepRecentTurns is the number of most recent turns never summarised.
	KeepRecentTurns = 6

	// CompactionThreshold is the fraction of the context window at which
	// compaction triggers.
	CompactionThreshold = 0.75

	summarySystemPrompt = "Summarise this conversation in 2-3 sentences, " +
		"focusing on decisions made and actions taken. Preserve key facts, " +
		"decisions, and code references."
)

// Entry mirrors the sandbox stdin history shape {role, content, sender?}
// (spec 6 "Sandbox stdin payload").
type Entry struct {
	Role    string
	Content string
	Sender  string
}

// LLMCall sends a transcript to the host LLM (via IPC llm_call) and
// returns the model's reply text.
type LLMCall func(ctx context.Context, systemPrompt, transcript string) (string, error)

// EstimateTokens is injected so the compactor uses the caller's
// deterministic estimator (spec 4.6); the pipeline passes
// conversation.EstimateTokens. The taint budget uses its own
// taint.EstimateTokens.
type EstimateTokens func(content string) int

// Compact implements spec 4.6. If history is short or under threshold it
// is returned unchanged (same slice, not a copy, so callers can compare by
// identity in tests). Otherwise the older slice is summarised and
// replaced by two synthetic turns ahead of the kept recent slice.
func Compact(ctx context.Context, history []Entry, llmCall LLMCall, estimate EstimateTokens, contextWindow int) []Entry {
	if len(history) <= KeepRecentTurns {
		return history
	}

	total := 0
	for _, e := range history {
		total += estimate(e.Content)
	}
	if float64(total) <= CompactionThreshold*float64(contextWindow) {
		return history
	}

	splitAt := len(history) - KeepRecentTurns
	older, recent := history[:splitAt], history[splitAt:]

	summary, err := summarise(ctx, older, llmCall)
	if err != nil || strings.TrimSpace(summary) == "" {
		// Fallback: drop everything but the recent slice.
		return recent
	}

	out := make([]Entry, 0, len(recent)+2)
	out = append(out,
		Entry{Role: "user", Content: fmt.Sprintf(
			"[Conversation summary of %d earlier messages]\n\n%s", len(older), summary)},
		Entry{Role: "assistant", Content: "I understand. I'll keep that context in mind going forward."},
	)
	out = append(out, recent...)
	return out
}

func summarise(ctx context.Context, older []Entry, llmCall LLMCall) (string, error) {
	if llmCall == nil {
		return "", fmt.Errorf("compactor: no llmCall configured")
	}
	return llmCall(ctx, summarySystemPrompt, formatTranscript(older))
}

func formatTranscript(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", e.Role, e.Content)
	}
	return b.String()
}
