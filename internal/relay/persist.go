package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ent0n29/chatrelay/internal/memory"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/reliability"
	"github.com/ent0n29/chatrelay/internal/session"
)

// Persister commits one exchange: the user turn, then the assistant turn.
type Persister struct {
	actor       session.Actor
	timeout     time.Duration
	attempts    int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
}

func NewPersister(actor session.Actor, timeout time.Duration, attempts int, logger *slog.Logger, metrics *observability.Metrics) *Persister {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if attempts <= 0 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		actor:       actor,
		timeout:     timeout,
		attempts:    attempts,
		backoffBase: 100 * time.Millisecond,
		backoffCap:  2 * time.Second,
		logger:      logger,
		metrics:     metrics,
	}
}

// Persist appends both turns in one actor call so concurrent exchanges never interleave.
// exchangeID keys the append, so repeating a call whose outcome was unknown cannot
// store the exchange twice.
func (p *Persister) Persist(ctx context.Context, sessionID, exchangeID, userText, assistantText string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.actor.AppendOnce(ctx, sessionID, exchangeID,
		memory.Turn{Role: memory.RoleUser, Content: userText},
		memory.Turn{Role: memory.RoleAssistant, Content: assistantText},
	)
}

// PersistWithRetry retries transient failures with capped exponential backoff. It is used
// where no caller is left to see the error.
func (p *Persister) PersistWithRetry(ctx context.Context, sessionID, exchangeID, userText, assistantText string) error {
	return reliability.Do(ctx, reliability.Policy{
		Attempts:  p.attempts,
		Base:      p.backoffBase,
		Cap:       p.backoffCap,
		Retryable: func(err error) bool { return errors.Is(err, session.ErrTransient) },
		OnRetry: func(attempt int, err error) {
			p.logger.WarnContext(ctx, "persist attempt failed", "session_id", sessionID, "attempt", attempt, "error", err)
		},
	}, func(ctx context.Context) error {
		return p.Persist(ctx, sessionID, exchangeID, userText, assistantText)
	})
}
