// Package inference talks to the hosted language model.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/chatrelay/internal/memory"
)

// ErrUpstream wraps every failure reported by, or while reaching, the model service.
var ErrUpstream = errors.New("inference upstream error")

// Request is the ordered message list sent to the model.
type Request struct {
	ExchangeID string
	// Model overrides the adapter's default model when set.
	Model    string
	Messages []memory.Turn
}

// Result is a complete, non-incremental reply.
type Result struct {
	Text string
}

// Stream yields incremental reply text. Recv returns io.EOF once the end sentinel is
// seen or the upstream body closes cleanly.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Adapter invokes the model either for one complete reply or an incremental stream.
type Adapter interface {
	Complete(ctx context.Context, req Request) (Result, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Config controls adapter construction.
type Config struct {
	Mode        string
	URL         string
	FallbackURL string
	APIToken    string
	Model       string
	Timeout     time.Duration
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) == "" {
			return NewMockAdapter(), nil
		}
		return newHTTPWithFallback(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("inference url is required for http mode")
		}
		return newHTTPWithFallback(cfg), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported inference mode %q", cfg.Mode)
	}
}

func newHTTPWithFallback(cfg Config) Adapter {
	primary := NewHTTPAdapter(HTTPOptions{
		URL:      cfg.URL,
		APIToken: cfg.APIToken,
		Model:    cfg.Model,
		Timeout:  cfg.Timeout,
	})
	if strings.TrimSpace(cfg.FallbackURL) == "" {
		return primary
	}
	secondary := NewHTTPAdapter(HTTPOptions{
		URL:      cfg.FallbackURL,
		APIToken: cfg.APIToken,
		Model:    cfg.Model,
		Timeout:  cfg.Timeout,
	})
	return NewFallbackAdapter(primary, secondary)
}
