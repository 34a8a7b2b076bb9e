package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ent0n29/chatrelay/internal/memory"
	"github.com/ent0n29/chatrelay/internal/session"
)

func TestRenderTranscript(t *testing.T) {
	got := RenderTranscript([]memory.Turn{
		{Role: memory.RoleUser, Content: "hi"},
		{Role: memory.RoleAssistant, Content: "hello"},
	})
	if got != "USER: hi\nASSISTANT: hello" {
		t.Fatalf("RenderTranscript() = %q", got)
	}
}

func TestAccumulateSummary(t *testing.T) {
	if got := AccumulateSummary("", "A"); got != "A" {
		t.Fatalf("first summary = %q", got)
	}
	if got := AccumulateSummary("A", "B"); got != "A\n---\nB" {
		t.Fatalf("second summary = %q", got)
	}
}

func newTestCompactor(adapter *scriptedAdapter) (*Compactor, *session.Manager) {
	m := session.NewManager(memory.NewInMemoryStore(), 80, 0)
	return NewCompactor(m, adapter, "", 0, 0, nil, nil), m
}

func TestMaybeCompactBelowTriggerDoesNothing(t *testing.T) {
	adapter := &scriptedAdapter{}
	c, m := newTestCompactor(adapter)
	seedHistory(m, "s1", 60)

	rec, _ := m.Read(context.Background(), "s1")
	got := c.MaybeCompact(context.Background(), "s1", rec)
	if got.Summary != "" || adapter.summaryCalls() != 0 {
		t.Fatalf("compacted at 60 turns: summary=%q calls=%d", got.Summary, adapter.summaryCalls())
	}
}

func TestMaybeCompactSummarizesOldestTurns(t *testing.T) {
	adapter := &scriptedAdapter{summaries: []string{"A", "B"}}
	c, m := newTestCompactor(adapter)
	seedHistory(m, "s1", 61)
	ctx := context.Background()

	rec, _ := m.Read(ctx, "s1")
	rec = c.MaybeCompact(ctx, "s1", rec)
	if rec.Summary != "A" {
		t.Fatalf("summary = %q, want A", rec.Summary)
	}
	if len(rec.History) != 61 {
		t.Fatalf("history len = %d, want 61", len(rec.History))
	}

	adapter.mu.Lock()
	req := adapter.requests[0]
	adapter.mu.Unlock()
	if req.Messages[0].Role != memory.RoleSystem {
		t.Fatalf("instruction role = %q", req.Messages[0].Role)
	}
	if lines := strings.Count(req.Messages[1].Content, "\n") + 1; lines != 21 {
		t.Fatalf("transcript lines = %d, want 21", lines)
	}

	rec = c.MaybeCompact(ctx, "s1", rec)
	if rec.Summary != "A\n---\nB" {
		t.Fatalf("accumulated summary = %q", rec.Summary)
	}
}

func TestMaybeCompactFailureLeavesRecord(t *testing.T) {
	adapter := &scriptedAdapter{summaryErr: errors.New("model down")}
	c, m := newTestCompactor(adapter)
	seedHistory(m, "s1", 61)
	ctx := context.Background()

	rec, _ := m.Read(ctx, "s1")
	got := c.MaybeCompact(ctx, "s1", rec)
	if got.Summary != "" || len(got.History) != 61 {
		t.Fatalf("record changed on failure: %+v", got)
	}
	stored, _ := m.Read(ctx, "s1")
	if stored.Summary != "" {
		t.Fatalf("stored summary = %q", stored.Summary)
	}
}

func TestMaybeCompactEmptySummaryIsIgnored(t *testing.T) {
	adapter := &scriptedAdapter{summaries: []string{"   "}}
	c, m := newTestCompactor(adapter)
	seedHistory(m, "s1", 61)
	ctx := context.Background()

	rec, _ := m.Read(ctx, "s1")
	if got := c.MaybeCompact(ctx, "s1", rec); got.Summary != "" {
		t.Fatalf("summary = %q, want empty", got.Summary)
	}
}

func TestMaybeCompactConcurrentCallsShareOneSummary(t *testing.T) {
	adapter := &scriptedAdapter{summaries: []string{"A", "B", "C", "D"}}
	c, m := newTestCompactor(adapter)
	seedHistory(m, "s1", 61)
	ctx := context.Background()
	rec, _ := m.Read(ctx, "s1")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.MaybeCompact(ctx, "s1", rec)
		}()
	}
	wg.Wait()

	stored, _ := m.Read(ctx, "s1")
	// Calls that overlap collapse into one; later ones each append exactly one entry.
	if n := strings.Count(stored.Summary, SummarySeparator) + 1; n != adapter.summaryCalls() {
		t.Fatalf("summary entries = %d, summary calls = %d", n, adapter.summaryCalls())
	}
}
