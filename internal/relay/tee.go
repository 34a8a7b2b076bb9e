package relay

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ent0n29/chatrelay/internal/inference"
)

var (
	// ErrSlowConsumer ends a branch whose unread backlog exceeded its limit.
	ErrSlowConsumer = errors.New("stream consumer fell too far behind")
	// ErrDetached is returned to a branch after its consumer detached.
	ErrDetached = errors.New("stream consumer detached")
)

// Tee reads an upstream stream exactly once and fans each chunk out to independent
// branches. Pushing never blocks: every branch queues what its consumer has not read yet,
// so a stalled branch cannot hold back the others.
type Tee struct {
	src      inference.Stream
	branches []*Branch
	once     sync.Once
}

func NewTee(src inference.Stream) *Tee {
	return &Tee{src: src}
}

// Branch registers a consumer. limit caps the unread backlog in bytes (0 = unbounded).
// Branches must be registered before Start.
func (t *Tee) Branch(name string, limit int) *Branch {
	b := &Branch{name: name, limit: limit, notify: make(chan struct{}, 1)}
	t.branches = append(t.branches, b)
	return b
}

// Start begins pumping the upstream in its own goroutine.
func (t *Tee) Start() {
	t.once.Do(func() { go t.pump() })
}

func (t *Tee) pump() {
	defer t.src.Close()
	for {
		chunk, err := t.src.Recv()
		if err != nil {
			for _, b := range t.branches {
				b.finish(err)
			}
			return
		}
		if chunk == "" {
			continue
		}
		for _, b := range t.branches {
			b.push(chunk)
		}
	}
}

// Branch is one consumer's view of a teed stream.
type Branch struct {
	name   string
	limit  int
	notify chan struct{}

	mu       sync.Mutex
	queue    []string
	pending  int
	done     bool
	err      error
	detached bool
}

// Name returns the label the branch was registered with.
func (b *Branch) Name() string { return b.name }

// Recv returns the next chunk, io.EOF after a clean end, or the upstream error. Chunks
// queued before the end are always delivered first.
func (b *Branch) Recv(ctx context.Context) (string, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			chunk := b.queue[0]
			b.queue[0] = ""
			b.queue = b.queue[1:]
			b.pending -= len(chunk)
			b.mu.Unlock()
			return chunk, nil
		}
		if b.done {
			err := b.err
			b.mu.Unlock()
			return "", err
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.notify:
		}
	}
}

// Detach drops the branch: queued and future chunks are discarded.
func (b *Branch) Detach() {
	b.mu.Lock()
	b.detached = true
	b.queue = nil
	b.pending = 0
	if !b.done {
		b.done = true
		b.err = ErrDetached
	}
	b.mu.Unlock()
	b.signal()
}

func (b *Branch) push(chunk string) {
	b.mu.Lock()
	if b.detached || b.done {
		b.mu.Unlock()
		return
	}
	if b.limit > 0 && b.pending+len(chunk) > b.limit {
		b.detached = true
		b.queue = nil
		b.pending = 0
		b.done = true
		b.err = ErrSlowConsumer
		b.mu.Unlock()
		b.signal()
		return
	}
	b.queue = append(b.queue, chunk)
	b.pending += len(chunk)
	b.mu.Unlock()
	b.signal()
}

func (b *Branch) finish(err error) {
	if errors.Is(err, io.EOF) {
		err = io.EOF
	}
	b.mu.Lock()
	if !b.done {
		b.done = true
		b.err = err
	}
	b.mu.Unlock()
	b.signal()
}

func (b *Branch) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
