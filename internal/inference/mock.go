package inference

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ent0n29/chatrelay/internal/memory"
)

// MockAdapter provides deterministic local replies when no model endpoint is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Complete(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Text: buildMockReply(req.Messages)}, nil
}

func (a *MockAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewSliceStream(splitWords(buildMockReply(req.Messages))...), nil
}

const mockEchoRunes = 200

func buildMockReply(messages []memory.Turn) string {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == memory.RoleUser {
			last = strings.TrimSpace(messages[i].Content)
			break
		}
	}
	if last == "" {
		return "I am listening."
	}
	if first := strings.SplitN(last, "\n", 2)[0]; utf8.RuneCountInString(first) > mockEchoRunes {
		last = string([]rune(first)[:mockEchoRunes])
	}
	return fmt.Sprintf("I heard you: %s", last)
}

// splitWords cuts text after each space, keeping the separators.
func splitWords(text string) []string {
	var out []string
	for text != "" {
		i := strings.IndexByte(text, ' ')
		if i < 0 {
			out = append(out, text)
			break
		}
		out = append(out, text[:i+1])
		text = text[i+1:]
	}
	return out
}

// SliceStream replays fixed chunks, then io.EOF.
type SliceStream struct {
	mu     sync.Mutex
	chunks []string
	closed bool
}

func NewSliceStream(chunks ...string) *SliceStream {
	return &SliceStream{chunks: chunks}
}

func (s *SliceStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.chunks) > 0 && !s.closed {
		next := s.chunks[0]
		s.chunks = s.chunks[1:]
		if next != "" {
			return next, nil
		}
	}
	return "", io.EOF
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
