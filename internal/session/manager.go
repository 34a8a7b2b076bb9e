package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/chatrelay/internal/memory"
)

// DefaultMaxTurns is the history window kept per session.
const DefaultMaxTurns = 80

type actorState struct {
	mu             sync.Mutex
	refs           int
	lastActivityAt time.Time
}

// Manager is the in-process session actor. It keeps one lock per active session id,
// so operations on one session never interleave while different sessions proceed
// independently.
type Manager struct {
	store       memory.Store
	maxTurns    int
	idleTimeout time.Duration

	mu       sync.Mutex
	actors   map[string]*actorState
	onCreate func(sessionID string)
	onEvict  func(sessionID string)
}

func NewManager(store memory.Store, maxTurns int, idleTimeout time.Duration) *Manager {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Manager{
		store:       store,
		maxTurns:    maxTurns,
		idleTimeout: idleTimeout,
		actors:      make(map[string]*actorState),
	}
}

// SetCreateHook registers a callback invoked when a session gets a resident actor.
func (m *Manager) SetCreateHook(hook func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreate = hook
}

// SetEvictHook registers a callback invoked after an idle actor is dropped.
func (m *Manager) SetEvictHook(hook func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = hook
}

// MaxTurns returns the history cap.
func (m *Manager) MaxTurns() int { return m.maxTurns }

func (m *Manager) Read(ctx context.Context, sessionID string) (memory.Record, error) {
	return m.do(ctx, sessionID, func(*memory.Record) bool { return false })
}

func (m *Manager) Append(ctx context.Context, sessionID string, turns ...memory.Turn) error {
	return m.AppendOnce(ctx, sessionID, "", turns...)
}

func (m *Manager) AppendOnce(ctx context.Context, sessionID, key string, turns ...memory.Turn) error {
	if err := validateTurns(turns); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}
	_, err := m.do(ctx, sessionID, func(rec *memory.Record) bool {
		if key != "" {
			if rec.HasApplied(key) {
				return false
			}
			rec.MarkApplied(key)
		}
		for _, t := range turns {
			rec.History = appendCapped(rec.History, t, m.maxTurns)
		}
		return true
	})
	return err
}

func (m *Manager) SetSummary(ctx context.Context, sessionID, summary string) error {
	_, err := m.do(ctx, sessionID, func(rec *memory.Record) bool {
		rec.Summary = summary
		return true
	})
	return err
}

func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	_, err := m.do(ctx, sessionID, func(rec *memory.Record) bool {
		rec.History = []memory.Turn{}
		rec.Summary = ""
		return true
	})
	return err
}

// do runs one read-modify-write against the store while holding the session lock.
func (m *Manager) do(ctx context.Context, sessionID string, mutate func(*memory.Record) bool) (memory.Record, error) {
	if strings.TrimSpace(sessionID) == "" {
		return memory.Record{}, ErrInvalidSessionID
	}

	a := m.acquire(sessionID)
	defer m.release(a)

	if err := ctx.Err(); err != nil {
		return memory.Record{}, err
	}

	rec, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return memory.Record{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if rec.History == nil {
		rec.History = []memory.Turn{}
	}
	if mutate(&rec) {
		if err := m.store.Save(ctx, sessionID, rec); err != nil {
			return memory.Record{}, fmt.Errorf("%w: %w", ErrTransient, err)
		}
	}
	return rec.Clone(), nil
}

func (m *Manager) acquire(sessionID string) *actorState {
	m.mu.Lock()
	a, ok := m.actors[sessionID]
	if !ok {
		a = &actorState{}
		m.actors[sessionID] = a
	}
	a.refs++
	onCreate := m.onCreate
	m.mu.Unlock()
	if !ok && onCreate != nil {
		onCreate(sessionID)
	}

	a.mu.Lock()
	return a
}

func (m *Manager) release(a *actorState) {
	a.mu.Unlock()

	m.mu.Lock()
	a.refs--
	a.lastActivityAt = time.Now().UTC()
	m.mu.Unlock()
}

// ActiveCount returns the number of actors currently resident in memory.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// StartJanitor drops idle actors from memory. Their records stay in the store.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle()
			}
		}
	}()
}

func (m *Manager) evictIdle() {
	now := time.Now().UTC()
	var evicted []string

	m.mu.Lock()
	for id, a := range m.actors {
		if a.refs > 0 {
			continue
		}
		if now.Sub(a.lastActivityAt) < m.idleTimeout {
			continue
		}
		delete(m.actors, id)
		evicted = append(evicted, id)
	}
	hook := m.onEvict
	m.mu.Unlock()

	if hook != nil {
		for _, id := range evicted {
			hook(id)
		}
	}
}
