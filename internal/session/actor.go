// Package session owns the per-session serialization boundary in front of the store.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/chatrelay/internal/memory"
)

var (
	ErrInvalidSessionID = errors.New("session id is required")
	ErrInvalidTurn      = errors.New("invalid turn")
	// ErrTransient marks storage or transport faults. The operation did not apply and may be retried.
	ErrTransient = errors.New("session actor unavailable")
)

// Actor is the contract of a session actor. Every operation on one session id is
// atomic with respect to every other operation on the same id.
type Actor interface {
	Read(ctx context.Context, sessionID string) (memory.Record, error)
	// Append adds turns in order, trimming history to the newest cap turns after each one.
	// All turns of one call land contiguously.
	Append(ctx context.Context, sessionID string, turns ...memory.Turn) error
	// AppendOnce is Append keyed for idempotency: a key that already landed on this
	// session is acknowledged without appending again. An empty key never deduplicates.
	AppendOnce(ctx context.Context, sessionID, key string, turns ...memory.Turn) error
	// SetSummary replaces the stored summary verbatim.
	SetSummary(ctx context.Context, sessionID, summary string) error
	Reset(ctx context.Context, sessionID string) error
}

var (
	_ Actor = (*Manager)(nil)
	_ Actor = (*Client)(nil)
)

func validateTurns(turns []memory.Turn) error {
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, t.Role)
		}
	}
	return nil
}

// appendCapped appends t and keeps only the newest maxTurns entries.
func appendCapped(history []memory.Turn, t memory.Turn, maxTurns int) []memory.Turn {
	history = append(history, t)
	if maxTurns > 0 && len(history) > maxTurns {
		trimmed := make([]memory.Turn, maxTurns)
		copy(trimmed, history[len(history)-maxTurns:])
		history = trimmed
	}
	return history
}
