package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ent0n29/chatrelay/internal/inference"
	"github.com/ent0n29/chatrelay/internal/memory"
	"github.com/ent0n29/chatrelay/internal/session"
)

// scriptedAdapter records every request and answers from canned values.
type scriptedAdapter struct {
	mu         sync.Mutex
	requests   []inference.Request
	reply      string
	summaries  []string
	err        error
	summaryErr error
	stream     func() inference.Stream
}

func (a *scriptedAdapter) Complete(_ context.Context, req inference.Request) (inference.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if isSummaryRequest(req) {
		if a.summaryErr != nil {
			return inference.Result{}, a.summaryErr
		}
		if len(a.summaries) == 0 {
			return inference.Result{Text: "summary"}, nil
		}
		next := a.summaries[0]
		a.summaries = a.summaries[1:]
		return inference.Result{Text: next}, nil
	}
	if a.err != nil {
		return inference.Result{}, a.err
	}
	return inference.Result{Text: a.reply}, nil
}

func (a *scriptedAdapter) Stream(_ context.Context, req inference.Request) (inference.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if a.err != nil {
		return nil, a.err
	}
	if a.stream != nil {
		return a.stream(), nil
	}
	return inference.NewSliceStream(a.reply), nil
}

func (a *scriptedAdapter) chatRequests() []inference.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []inference.Request
	for _, r := range a.requests {
		if !isSummaryRequest(r) {
			out = append(out, r)
		}
	}
	return out
}

func (a *scriptedAdapter) summaryCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.requests {
		if isSummaryRequest(r) {
			n++
		}
	}
	return n
}

func isSummaryRequest(req inference.Request) bool {
	return len(req.Messages) > 0 && req.Messages[0].Content == summarizeInstruction
}

// chanStream is an upstream driven by the test.
type chanStream struct {
	chunks chan string
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newChanStream() *chanStream {
	return &chanStream{
		chunks: make(chan string),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *chanStream) Recv() (string, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return "", io.EOF
		}
		return c, nil
	case err := <-s.errs:
		return "", err
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func newTestRelay(adapter inference.Adapter, opts Options) (*Relay, *session.Manager) {
	m := session.NewManager(memory.NewInMemoryStore(), 80, time.Minute)
	return New(m, adapter, opts), m
}

func waitBackground(r *Relay) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		return errors.New("background persistence did not finish")
	}
	return nil
}

func seedHistory(m *session.Manager, sessionID string, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		_ = m.Append(ctx, sessionID, memory.Turn{Role: role, Content: "turn"})
	}
}
