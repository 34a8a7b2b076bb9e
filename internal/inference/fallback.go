package inference

import (
	"context"
	"errors"
	"fmt"
)

// FallbackAdapter attempts a primary adapter first and falls back on error.
// Once a stream is open, mid-stream failures are not retried elsewhere.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary Adapter, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{
		primary:  primary,
		fallback: fallback,
	}
}

func (a *FallbackAdapter) Complete(ctx context.Context, req Request) (Result, error) {
	if a.primary == nil {
		return a.secondary().Complete(ctx, req)
	}
	res, err := a.primary.Complete(ctx, req)
	if err == nil || !a.shouldFallback(err) {
		return res, err
	}
	fallbackRes, fallbackErr := a.fallback.Complete(ctx, req)
	if fallbackErr != nil {
		return Result{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackRes, nil
}

func (a *FallbackAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	if a.primary == nil {
		return a.secondary().Stream(ctx, req)
	}
	st, err := a.primary.Stream(ctx, req)
	if err == nil || !a.shouldFallback(err) {
		return st, err
	}
	fallbackSt, fallbackErr := a.fallback.Stream(ctx, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fallbackErr)
	}
	return fallbackSt, nil
}

func (a *FallbackAdapter) shouldFallback(err error) bool {
	if a.fallback == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (a *FallbackAdapter) secondary() Adapter {
	if a.fallback == nil {
		return misconfigured{}
	}
	return a.fallback
}

type misconfigured struct{}

func (misconfigured) Complete(context.Context, Request) (Result, error) {
	return Result{}, fmt.Errorf("%w: fallback adapter misconfigured", ErrUpstream)
}

func (misconfigured) Stream(context.Context, Request) (Stream, error) {
	return nil, fmt.Errorf("%w: fallback adapter misconfigured", ErrUpstream)
}
