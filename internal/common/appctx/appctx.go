// Package appctx provides context utilities for request metadata and
// background operations.
package appctx

import (
	"context"
	"time"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userIDKey    contextKey = "user_id"
	userNameKey  contextKey = "user_name"
	taskIDKey    contextKey = "task_id"
	subtaskIDKey contextKey = "subtask_id"
)

// WithRequestID returns a context carrying the per-event request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID carried by the context, or "".
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithUser returns a context carrying the authenticated user identity.
func WithUser(ctx context.Context, userID int64, userName string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, userNameKey, userName)
}

// UserID returns the user ID carried by the context, or 0.
func UserID(ctx context.Context) int64 {
	v, _ := ctx.Value(userIDKey).(int64)
	return v
}

// UserName returns the user name carried by the context, or "".
func UserName(ctx context.Context) string {
	v, _ := ctx.Value(userNameKey).(string)
	return v
}

// WithTask returns a context carrying task/subtask identifiers.
func WithTask(ctx context.Context, taskID, subtaskID int64) context.Context {
	ctx = context.WithValue(ctx, taskIDKey, taskID)
	return context.WithValue(ctx, subtaskIDKey, subtaskID)
}

// TaskID returns the task ID carried by the context, or 0.
func TaskID(ctx context.Context) int64 {
	v, _ := ctx.Value(taskIDKey).(int64)
	return v
}

// SubtaskID returns the subtask ID carried by the context, or 0.
func SubtaskID(ctx context.Context) int64 {
	v, _ := ctx.Value(subtaskIDKey).(int64)
	return v
}

// Detached returns a new context that is not tied to the parent's cancellation
// but inherits its request/user/task values. Use this for operations that must
// outlive the request (background streams started from a WS handler).
// The returned context is cancelled when the stop channel is closed or the
// timeout expires.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	for _, key := range []contextKey{requestIDKey, userIDKey, userNameKey, taskIDKey, subtaskIDKey} {
		if v := parent.Value(key); v != nil {
			ctx = context.WithValue(ctx, key, v)
		}
	}

	// Propagate cancellation from stopCh
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
