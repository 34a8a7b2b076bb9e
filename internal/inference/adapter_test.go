package inference

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ent0n29/chatrelay/internal/memory"
)

func TestNewAdapterAutoWithoutURLIsMock(t *testing.T) {
	a, err := NewAdapter(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	res, err := a.Complete(context.Background(), Request{
		Messages: []memory.Turn{{Role: memory.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !strings.Contains(res.Text, "I heard you: hello") {
		t.Fatalf("unexpected response text: %q", res.Text)
	}
}

func TestNewAdapterModes(t *testing.T) {
	if _, err := NewAdapter(Config{Mode: "http"}); err == nil {
		t.Fatalf("http mode without url should fail")
	}
	if _, err := NewAdapter(Config{Mode: "carrier-pigeon"}); err == nil {
		t.Fatalf("unknown mode should fail")
	}
	a, err := NewAdapter(Config{Mode: "http", URL: "http://a.test", FallbackURL: "http://b.test"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if _, ok := a.(*FallbackAdapter); !ok {
		t.Fatalf("adapter = %T, want *FallbackAdapter", a)
	}
}

func TestMockStreamConcatenatesToReply(t *testing.T) {
	a := NewMockAdapter()
	req := Request{Messages: []memory.Turn{{Role: memory.RoleUser, Content: "tell me more"}}}
	st, err := a.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	got, err := drain(t, st)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	want, _ := a.Complete(context.Background(), req)
	if got != want.Text {
		t.Fatalf("stream = %q, complete = %q", got, want.Text)
	}
}

func TestMockReplyTruncatesByRune(t *testing.T) {
	a := NewMockAdapter()
	req := Request{Messages: []memory.Turn{{Role: memory.RoleUser, Content: "a" + strings.Repeat("é", 300)}}}
	res, err := a.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !utf8.ValidString(res.Text) {
		t.Fatalf("reply is not valid UTF-8: %q", res.Text)
	}
	echo := strings.TrimPrefix(res.Text, "I heard you: ")
	if n := utf8.RuneCountInString(echo); n != mockEchoRunes {
		t.Fatalf("echo runes = %d, want %d", n, mockEchoRunes)
	}
}

func TestFallbackAdapterUsesFallback(t *testing.T) {
	a := NewFallbackAdapter(errAdapter{}, okAdapter{text: "fallback"})
	res, err := a.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if res.Text != "fallback" {
		t.Fatalf("Text = %q, want fallback", res.Text)
	}

	st, err := a.Stream(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if got, _ := drain(t, st); got != "fallback" {
		t.Fatalf("stream = %q, want fallback", got)
	}
}

func TestFallbackAdapterSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(cancelAdapter{}, fb)
	_, err := a.Complete(context.Background(), Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestFallbackAdapterReportsBothErrors(t *testing.T) {
	a := NewFallbackAdapter(errAdapter{}, errAdapter{})
	_, err := a.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}
	if !strings.Contains(err.Error(), "fallback adapter error") {
		t.Fatalf("error = %v", err)
	}
}

type errAdapter struct{}

func (errAdapter) Complete(context.Context, Request) (Result, error) {
	return Result{}, ErrUpstream
}

func (errAdapter) Stream(context.Context, Request) (Stream, error) {
	return nil, ErrUpstream
}

type okAdapter struct {
	text string
}

func (a okAdapter) Complete(context.Context, Request) (Result, error) {
	return Result{Text: a.text}, nil
}

func (a okAdapter) Stream(context.Context, Request) (Stream, error) {
	return NewSliceStream(a.text), nil
}

type cancelAdapter struct{}

func (cancelAdapter) Complete(context.Context, Request) (Result, error) {
	return Result{}, context.Canceled
}

func (cancelAdapter) Stream(context.Context, Request) (Stream, error) {
	return nil, context.Canceled
}

type countingAdapter struct {
	text  string
	calls int
}

func (a *countingAdapter) Complete(context.Context, Request) (Result, error) {
	a.calls++
	return Result{Text: a.text}, nil
}

func (a *countingAdapter) Stream(context.Context, Request) (Stream, error) {
	a.calls++
	return NewSliceStream(a.text), nil
}
