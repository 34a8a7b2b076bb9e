// Package relay builds prompts from session memory, invokes the model, and persists
// each completed exchange, either buffered or streamed.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chatrelay/internal/inference"
	"github.com/ent0n29/chatrelay/internal/memory"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/session"
)

// ErrInvalidRequest rejects a request before any model call or state change.
var ErrInvalidRequest = errors.New("invalid request")

// DefaultStreamBufferBytes bounds the client branch backlog of one streamed reply.
const DefaultStreamBufferBytes = 4 << 20

// ChatRequest is the client contract shared by the buffered and streaming paths.
type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// ChatReply is the buffered result.
type ChatReply struct {
	ExchangeID    string `json:"-"`
	AssistantText string `json:"assistantText"`
}

// StreamReply hands the client branch of a streamed reply to the transport. The
// accumulating branch is owned by the relay and persists on its own.
type StreamReply struct {
	ExchangeID string
	*Branch
}

// Options tunes a Relay. Zero values fall back to defaults, except CompactOnStream.
type Options struct {
	MaxMessageChars   int
	CompactTrigger    int
	CompactKeep       int
	CompactOnStream   bool
	SummaryModel      string
	StreamBufferBytes int
	PersistTimeout    time.Duration
	PersistAttempts   int
	Logger            *slog.Logger
	Metrics           *observability.Metrics
	Tokens            observability.TokenCounter
}

// Relay is the per-request state machine:
// load state, maybe compact, build prompt, invoke model, reply, persist turns.
type Relay struct {
	actor     session.Actor
	adapter   inference.Adapter
	compactor *Compactor
	persister *Persister

	maxMessageChars   int
	compactOnStream   bool
	streamBufferBytes int
	logger            *slog.Logger
	metrics           *observability.Metrics
	tokens            observability.TokenCounter

	background sync.WaitGroup
}

func New(actor session.Actor, adapter inference.Adapter, opts Options) *Relay {
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = DefaultMaxMessageChars
	}
	if opts.StreamBufferBytes <= 0 {
		opts.StreamBufferBytes = DefaultStreamBufferBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		actor:             actor,
		adapter:           adapter,
		compactor:         NewCompactor(actor, adapter, opts.SummaryModel, opts.CompactTrigger, opts.CompactKeep, opts.Logger, opts.Metrics),
		persister:         NewPersister(actor, opts.PersistTimeout, opts.PersistAttempts, opts.Logger, opts.Metrics),
		maxMessageChars:   opts.MaxMessageChars,
		compactOnStream:   opts.CompactOnStream,
		streamBufferBytes: opts.StreamBufferBytes,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		tokens:            opts.Tokens,
	}
}

// Chat answers with one complete reply. The exchange is persisted before returning;
// a model failure persists nothing.
func (r *Relay) Chat(ctx context.Context, req ChatRequest) (ChatReply, error) {
	message, err := r.validate(req)
	if err != nil {
		r.metrics.ObserveChat("buffered", "invalid")
		return ChatReply{}, err
	}
	exchangeID := uuid.NewString()

	prompt, err := r.prepare(ctx, req.SessionID, message, true)
	if err != nil {
		r.metrics.ObserveChat("buffered", "state_error")
		return ChatReply{}, err
	}

	started := time.Now()
	res, err := r.adapter.Complete(ctx, inference.Request{ExchangeID: exchangeID, Messages: prompt})
	if err != nil {
		r.metrics.ObserveChat("buffered", "upstream_error")
		r.logger.ErrorContext(ctx, "model call failed", "session_id", req.SessionID, "exchange_id", exchangeID, "error", err)
		return ChatReply{}, err
	}
	r.metrics.ObserveUpstreamLatency("buffered", time.Since(started))

	// A reply the model already produced is committed even if the client has gone away.
	if err := r.persister.Persist(context.WithoutCancel(ctx), req.SessionID, exchangeID, message, res.Text); err != nil {
		r.metrics.ObservePersist("buffered", "failed")
		r.metrics.ObserveChat("buffered", "persist_error")
		return ChatReply{}, fmt.Errorf("persist turns: %w", err)
	}
	r.metrics.ObservePersist("buffered", "ok")
	r.metrics.ObserveChat("buffered", "ok")
	return ChatReply{ExchangeID: exchangeID, AssistantText: res.Text}, nil
}

// Stream opens a streamed reply. The returned branch delivers chunks as they arrive;
// a second branch accumulates the full text in the background and persists it once
// the upstream ends, whether or not the client keeps reading.
func (r *Relay) Stream(ctx context.Context, req ChatRequest) (*StreamReply, error) {
	message, err := r.validate(req)
	if err != nil {
		r.metrics.ObserveChat("stream", "invalid")
		return nil, err
	}
	exchangeID := uuid.NewString()

	prompt, err := r.prepare(ctx, req.SessionID, message, r.compactOnStream)
	if err != nil {
		r.metrics.ObserveChat("stream", "state_error")
		return nil, err
	}

	// The upstream read and persistence must survive the client disconnecting.
	detached := context.WithoutCancel(ctx)

	started := time.Now()
	upstream, err := r.adapter.Stream(detached, inference.Request{ExchangeID: exchangeID, Messages: prompt})
	if err != nil {
		r.metrics.ObserveChat("stream", "upstream_error")
		r.logger.ErrorContext(ctx, "model stream failed to open", "session_id", req.SessionID, "exchange_id", exchangeID, "error", err)
		return nil, err
	}
	r.metrics.ObserveUpstreamLatency("stream", time.Since(started))

	tee := NewTee(upstream)
	client := tee.Branch("client", r.streamBufferBytes)
	acc := tee.Branch("accumulator", 0)

	r.background.Add(1)
	r.metrics.BackgroundPersistStarted()
	go r.accumulate(detached, req.SessionID, exchangeID, message, acc)

	tee.Start()
	r.metrics.ObserveChat("stream", "ok")
	return &StreamReply{ExchangeID: exchangeID, Branch: client}, nil
}

func (r *Relay) accumulate(ctx context.Context, sessionID, exchangeID, userText string, acc *Branch) {
	defer r.background.Done()
	defer r.metrics.BackgroundPersistDone()

	var (
		full      strings.Builder
		streamErr error
	)
	for {
		chunk, err := acc.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}
		full.WriteString(chunk)
		r.metrics.ObserveStreamChunk(acc.Name())
	}

	text := full.String()
	if streamErr != nil {
		r.logger.WarnContext(ctx, "model stream interrupted", "session_id", sessionID, "exchange_id", exchangeID, "partial_chars", len(text), "error", streamErr)
		if text == "" {
			r.metrics.ObservePersist("stream", "skipped")
			return
		}
	}

	if err := r.persister.PersistWithRetry(ctx, sessionID, exchangeID, userText, text); err != nil {
		r.metrics.ObservePersist("stream", "failed")
		r.logger.ErrorContext(ctx, "streamed exchange not persisted", "session_id", sessionID, "exchange_id", exchangeID, "error", err)
		return
	}
	outcome := "ok"
	if streamErr != nil {
		outcome = "partial"
	}
	r.metrics.ObservePersist("stream", outcome)
}

// Reset clears the session's history and summary.
func (r *Relay) Reset(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: sessionId required", ErrInvalidRequest)
	}
	return r.actor.Reset(ctx, sessionID)
}

// Snapshot returns the session's current record.
func (r *Relay) Snapshot(ctx context.Context, sessionID string) (memory.Record, error) {
	if strings.TrimSpace(sessionID) == "" {
		return memory.Record{}, fmt.Errorf("%w: sessionId required", ErrInvalidRequest)
	}
	return r.actor.Read(ctx, sessionID)
}

// Wait blocks until every background persistence has finished or ctx ends.
func (r *Relay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) validate(req ChatRequest) (string, error) {
	message := CleanMessage(req.Message, r.maxMessageChars)
	if strings.TrimSpace(req.SessionID) == "" || message == "" {
		return "", fmt.Errorf("%w: sessionId and message required", ErrInvalidRequest)
	}
	return message, nil
}

func (r *Relay) prepare(ctx context.Context, sessionID, message string, compact bool) ([]memory.Turn, error) {
	rec, err := r.actor.Read(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if compact {
		rec = r.compactor.MaybeCompact(ctx, sessionID, rec)
	}
	prompt := BuildPrompt(rec, message)
	if r.tokens != nil {
		total := 0
		for _, t := range prompt {
			total += r.tokens.Count(t.Content)
		}
		r.metrics.ObservePromptTokens(total)
	}
	return prompt, nil
}
