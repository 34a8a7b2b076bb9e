package memory

import (
	"context"
	"errors"
)

// Role tags a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Turn is one role-tagged message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// MaxAppliedKeys bounds how many recent append keys a record remembers.
const MaxAppliedKeys = 64

// Record is the durable per-session state: chronological history plus a rolling summary.
// AppliedKeys lists the most recent idempotency keys whose appends already landed; it is
// internal bookkeeping and never part of a snapshot.
type Record struct {
	History     []Turn   `json:"history"`
	Summary     string   `json:"summary"`
	AppliedKeys []string `json:"-"`
}

// Clone returns a copy that shares no backing array with r.
func (r Record) Clone() Record {
	out := Record{Summary: r.Summary, History: make([]Turn, len(r.History))}
	copy(out.History, r.History)
	if len(r.AppliedKeys) > 0 {
		out.AppliedKeys = append([]string(nil), r.AppliedKeys...)
	}
	return out
}

// HasApplied reports whether key was recorded by MarkApplied.
func (r Record) HasApplied(key string) bool {
	for _, k := range r.AppliedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// MarkApplied remembers key, forgetting the oldest once MaxAppliedKeys is exceeded.
func (r *Record) MarkApplied(key string) {
	r.AppliedKeys = append(r.AppliedKeys, key)
	if n := len(r.AppliedKeys); n > MaxAppliedKeys {
		r.AppliedKeys = append([]string(nil), r.AppliedKeys[n-MaxAppliedKeys:]...)
	}
}

// ErrUnavailable marks a storage I/O fault. Callers may retry.
var ErrUnavailable = errors.New("session store unavailable")

// Store persists one Record per session identifier.
//
// Load of an unknown session returns an empty Record, not an error. Stores do not
// serialize writers themselves; the session actor owns that.
type Store interface {
	Load(ctx context.Context, sessionID string) (Record, error)
	Save(ctx context.Context, sessionID string, record Record) error
	Close() error
}
