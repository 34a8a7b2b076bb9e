package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/chatrelay/internal/inference"
	"github.com/ent0n29/chatrelay/internal/memory"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/session"
)

const (
	DefaultCompactTrigger = 60
	DefaultCompactKeep    = 40

	SummarySeparator = "\n---\n"

	summarizeInstruction = "Summarize the dialogue into concise bullet points with key facts, names, decisions, and tasks. Keep it under 150 words."
)

var errEmptySummary = errors.New("model returned an empty summary")

// Compactor folds the oldest turns of a long history into the session's rolling summary.
// It only grows the summary; the actor's history cap is what bounds storage.
type Compactor struct {
	actor   session.Actor
	adapter inference.Adapter
	model   string
	trigger int
	keep    int
	logger  *slog.Logger
	metrics *observability.Metrics

	group singleflight.Group
}

func NewCompactor(actor session.Actor, adapter inference.Adapter, model string, trigger, keep int, logger *slog.Logger, metrics *observability.Metrics) *Compactor {
	if trigger <= 0 {
		trigger = DefaultCompactTrigger
	}
	if keep <= 0 || keep >= trigger {
		keep = DefaultCompactKeep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		actor:   actor,
		adapter: adapter,
		model:   model,
		trigger: trigger,
		keep:    keep,
		logger:  logger,
		metrics: metrics,
	}
}

// MaybeCompact compacts when rec holds more than the trigger number of turns and returns
// the record to build the prompt from. Failures are logged and rec is returned unchanged.
func (c *Compactor) MaybeCompact(ctx context.Context, sessionID string, rec memory.Record) memory.Record {
	if len(rec.History) <= c.trigger {
		return rec
	}

	v, err, shared := c.group.Do(sessionID, func() (any, error) {
		return c.compact(ctx, sessionID)
	})
	if err != nil {
		c.metrics.ObserveCompaction("failed")
		c.logger.WarnContext(ctx, "compaction abandoned", "session_id", sessionID, "error", err)
		return rec
	}
	if shared {
		c.metrics.ObserveCompaction("shared")
	}
	return v.(memory.Record)
}

func (c *Compactor) compact(ctx context.Context, sessionID string) (memory.Record, error) {
	rec, err := c.actor.Read(ctx, sessionID)
	if err != nil {
		return memory.Record{}, fmt.Errorf("reload session: %w", err)
	}
	if len(rec.History) <= c.trigger {
		return rec, nil
	}

	oldest := rec.History[:len(rec.History)-c.keep]
	res, err := c.adapter.Complete(ctx, inference.Request{
		Model: c.model,
		Messages: []memory.Turn{
			{Role: memory.RoleSystem, Content: summarizeInstruction},
			{Role: memory.RoleUser, Content: RenderTranscript(oldest)},
		},
	})
	if err != nil {
		return memory.Record{}, fmt.Errorf("summarize: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return memory.Record{}, errEmptySummary
	}

	if err := c.actor.SetSummary(ctx, sessionID, AccumulateSummary(rec.Summary, text)); err != nil {
		return memory.Record{}, fmt.Errorf("store summary: %w", err)
	}
	c.metrics.ObserveCompaction("ok")
	c.logger.InfoContext(ctx, "history compacted", "session_id", sessionID, "summarized_turns", len(oldest))

	updated, err := c.actor.Read(ctx, sessionID)
	if err != nil {
		return memory.Record{}, fmt.Errorf("reload session: %w", err)
	}
	return updated, nil
}

// RenderTranscript renders turns as "ROLE: content" lines.
func RenderTranscript(turns []memory.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.ToUpper(string(t.Role)))
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}

// AccumulateSummary appends next after prev; prev is never rewritten.
func AccumulateSummary(prev, next string) string {
	if prev == "" {
		return next
	}
	return prev + SummarySeparator + next
}
