// Package dispatch selects pending work for executor-backed shells and
// pushes it to the executor service. Chat-type shells never pass through
// here; they stream in-process via the streaming engine.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/logger"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// ExecutorClient talks to the executor service over HTTP.
type ExecutorClient struct {
	baseURL string
	client  *http.Client
	logger  *logger.Logger
}

// NewExecutorClient creates a client for the given executor base URL.
// timeout bounds each request end to end.
func NewExecutorClient(baseURL string, timeout time.Duration, log *logger.Logger) *ExecutorClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecutorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  log.WithFields(zap.String("component", "executor-client")),
	}
}

// Dispatch pushes a batch of units to the executor in one request.
func (c *ExecutorClient) Dispatch(ctx context.Context, units []v1.DispatchUnit) error {
	if len(units) == 0 {
		return nil
	}
	return c.post(ctx, "/dispatch", units)
}

// Cancel asks the executor to terminate the job bound to a task. The
// executor treats it as idempotent.
func (c *ExecutorClient) Cancel(ctx context.Context, taskID int64) error {
	return c.post(ctx, "/cancel", &v1.CancelRequest{TaskID: taskID})
}

// Delete tears down executor resources by name, best effort.
func (c *ExecutorClient) Delete(ctx context.Context, name, namespace string) error {
	return c.post(ctx, "/delete", &v1.DeleteRequest{ExecutorName: name, ExecutorNamespace: namespace})
}

func (c *ExecutorClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal executor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("executor %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
