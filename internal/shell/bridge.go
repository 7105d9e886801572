package shell

import (
	"context"
	"sync"
)

// StreamFunc produces a response stream for one request. It must respect
// ctx cancellation and return once the response terminates.
type StreamFunc func(ctx context.Context, req *Request, emit EmitFunc) error

// Bridge runs a shell implementation in-process. It tracks active requests
// by id so Cancel can abort them without a network round trip.
type Bridge struct {
	fn     StreamFunc
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewBridge wraps an in-process stream implementation.
func NewBridge(fn StreamFunc) *Bridge {
	return &Bridge{fn: fn, active: make(map[string]context.CancelFunc)}
}

// Stream runs the implementation under a cancellable context registered by
// request id.
func (b *Bridge) Stream(ctx context.Context, req *Request, emit EmitFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.active[req.RequestID] = cancel
	b.mu.Unlock()
	defer func() {
		cancel()
		b.mu.Lock()
		delete(b.active, req.RequestID)
		b.mu.Unlock()
	}()

	err := b.fn(ctx, req, emit)
	if err == nil && ctx.Err() != nil {
		return ErrCancelled
	}
	return err
}

// Cancel aborts the request's context. Unknown ids are a no-op.
func (b *Bridge) Cancel(_ context.Context, requestID string) error {
	b.mu.Lock()
	cancel, ok := b.active[requestID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
