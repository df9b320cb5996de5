// Package compaction implements the token-estimator-driven summarizer (spec
// §4.8): when a thread's estimated token count crosses a configured
// fraction of the model's context window, an old prefix of the thread is
// replaced by a single synthetic summary message. It is grounded on the
// teacher's Compress history policy (runtime/agent/runtime/history.go),
// generalized from the teacher's turn-counting trigger to the spec's
// token-estimator trigger and forced-progress floor.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentfabric/mesh/config"
	"github.com/agentfabric/mesh/history"
	"github.com/agentfabric/mesh/model"
	"github.com/agentfabric/mesh/state"
)

// defaultSummaryPrompt asks the model to preserve decisions, facts, open
// tasks, and topic when condensing an old prefix of a thread.
const defaultSummaryPrompt = `Summarize the conversation below, preserving:
- decisions that were made and why
- facts established that later turns depend on
- open tasks or unresolved questions
- the overall topic and goal

Write a dense paragraph, not a transcript. Do not invent anything not present below.

CONVERSATION:
%s`

// Result reports what a Run call did, for logging and metrics.
type Result struct {
	WasCompacted           bool
	OriginalMessageCount   int
	CompactedMessageCount  int
	EstimatedTokensBefore  int
	EstimatedTokensAfter   int
}

// Run applies the compaction algorithm to one thread. On any failure it
// logs are the caller's responsibility; Run itself returns the error and a
// zero-value (no-op) Result, since callers are expected to fall back to
// the uncompacted thread rather than fail the turn.
func Run(ctx context.Context, provider *history.Provider, threadID string, cfg config.PlannerOptions, client model.Client) (Result, error) {
	if !cfg.CompactionEnabled || cfg.CompactionMaxContextTokens <= 0 {
		return Result{}, nil
	}
	if err := provider.FlushAsync(ctx); err != nil {
		return Result{}, fmt.Errorf("compaction: flush: %w", err)
	}

	messages, err := loadStored(ctx, provider)
	if err != nil {
		return Result{}, err
	}
	total := len(messages)
	if total == 0 {
		return Result{}, nil
	}

	before := estimateTokens(messages)
	threshold := float64(cfg.CompactionMaxContextTokens) * cfg.CompactionThreshold
	if float64(before) <= threshold {
		return Result{}, nil
	}

	keep := cfg.CompactionKeepLastN
	if keep > total {
		keep = total
	}
	split := total - keep
	if split == 0 && total > 2 {
		keep = max(2, total/2)
		split = total - keep
	}
	split = skipLeadingToolMessages(messages, split)
	if split <= 0 {
		return Result{}, nil
	}

	toSummarize := messages[:split]
	kept := messages[split:]

	summary, err := summarize(ctx, client, toSummarize)
	if err != nil {
		return Result{}, fmt.Errorf("compaction: summarize: %w", err)
	}

	summaryMsg := state.StoredChatMessage{
		Role:       "system",
		AuthorName: "compaction",
		ContentsJSON: "[Compacted History]\n" + summary,
	}
	newThread := make([]state.StoredChatMessage, 0, 1+len(kept))
	newThread = append(newThread, summaryMsg)
	newThread = append(newThread, kept...)

	if err := provider.ReplaceAndResetCacheAsync(ctx, newThread); err != nil {
		return Result{}, fmt.Errorf("compaction: replace: %w", err)
	}

	return Result{
		WasCompacted:          true,
		OriginalMessageCount:  total,
		CompactedMessageCount: len(newThread),
		EstimatedTokensBefore: before,
		EstimatedTokensAfter:  estimateTokens(newThread),
	}, nil
}

// skipLeadingToolMessages advances split forward past any contiguous
// prefix of tool-role messages at messages[split], since a tool message
// must follow an assistant message declaring the tool call it answers —
// splitting between them would orphan the tool result.
func skipLeadingToolMessages(messages []state.StoredChatMessage, split int) int {
	for split < len(messages) && messages[split].Role == "tool" {
		split++
	}
	return split
}

func estimateTokens(messages []state.StoredChatMessage) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Role) + len(m.AuthorName) + len(m.ContentsJSON)) / 4
	}
	return total
}

func loadStored(ctx context.Context, provider *history.Provider) ([]state.StoredChatMessage, error) {
	msgs, err := provider.InvokingAsync(ctx)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	out := make([]state.StoredChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, state.StoredChatMessage{Role: string(m.Role), ContentsJSON: m.Text})
	}
	return out, nil
}

func summarize(ctx context.Context, client model.Client, messages []state.StoredChatMessage) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.ContentsJSON)
		sb.WriteString("\n")
	}

	req := &model.Request{
		ModelClass: model.ModelClassSmall,
		Messages: []model.Message{
			{Role: model.RoleUser, Text: fmt.Sprintf(defaultSummaryPrompt, sb.String())},
		},
	}
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
