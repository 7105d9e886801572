package shell

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/logger"
)

// HTTPShell streams responses from an external chat-shell service over SSE.
type HTTPShell struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logger.Logger
}

// NewHTTPShell creates a shell client for the given base URL. The client
// has no overall timeout; streams are bounded by the caller's context.
func NewHTTPShell(baseURL, token string, log *logger.Logger) *HTTPShell {
	return &HTTPShell{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		logger:  log.WithFields(zap.String("component", "chat-shell-client")),
	}
}

// Stream POSTs the request and reads the SSE response, invoking emit for
// each named event until response.done, response.cancelled or error.
func (s *HTTPShell) Stream(ctx context.Context, req *Request, emit EmitFunc) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal shell request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/response", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("chat-shell request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("chat-shell returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := s.readEvents(resp.Body, req.RequestID, emit); err != nil {
		if errors.Is(err, ErrCancelled) {
			// Tell the upstream to stop generating; the local stream is
			// already abandoned.
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if cerr := s.Cancel(cancelCtx, req.RequestID); cerr != nil {
				s.logger.WithError(cerr).Warn("failed to cancel upstream response",
					zap.String("request_id", req.RequestID))
			}
		}
		return err
	}
	return nil
}

// readEvents parses the SSE body. Each event is an "event:" name followed
// by one or more "data:" lines and a blank separator.
func (s *HTTPShell) readEvents(body io.Reader, requestID string, emit EmitFunc) error {
	scanner := bufio.NewScanner(body)
	// Large tool outputs can exceed the default token size.
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var eventName string
	var data strings.Builder
	terminated := false

	flush := func() error {
		if eventName == "" && data.Len() == 0 {
			return nil
		}
		ev, err := decodeEvent(eventName, data.String())
		eventName = ""
		data.Reset()
		if err != nil {
			s.logger.WithError(err).Warn("skipping malformed SSE event",
				zap.String("request_id", requestID))
			return nil
		}
		if ev == nil {
			return nil
		}
		switch ev.Type {
		case EventDone, EventCancelled:
			terminated = true
		case EventError:
			terminated = true
			if err := emit(ev); err != nil {
				return err
			}
			if ev.Error == "" {
				ev.Error = "chat-shell reported an error"
			}
			return errors.New(ev.Error)
		}
		return emit(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
			if terminated {
				return nil
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("chat-shell stream read: %w", err)
	}
	if !terminated {
		return errors.New("chat-shell stream ended without a terminal event")
	}
	return nil
}

// decodeEvent builds an Event from an SSE event name and JSON data.
func decodeEvent(name, data string) (*Event, error) {
	if name == "" {
		return nil, nil
	}
	ev := &Event{Type: EventType(name)}
	switch ev.Type {
	case EventStart, EventContentDelta, EventReasoningDelta, EventToolStart,
		EventToolDone, EventDone, EventCancelled, EventError:
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", name, err)
		}
		ev.Type = EventType(name) // the data body must not override the name
	}
	return ev, nil
}

// Cancel aborts an in-flight response by request id.
func (s *HTTPShell) Cancel(ctx context.Context, requestID string) error {
	body, _ := json.Marshal(map[string]string{"request_id": requestID})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/response/cancel", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat-shell cancel returned %d", resp.StatusCode)
	}
	return nil
}
