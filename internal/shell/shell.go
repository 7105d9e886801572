// Package shell abstracts the agent backend that turns a chat request into
// an ordered stream of response events. The http backend consumes SSE from
// an external chat-shell service; the bridge backend runs an in-process
// implementation behind the same interface.
package shell

import (
	"context"
	"errors"

	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// EventType names match the chat-shell SSE event names on the wire.
type EventType string

const (
	EventStart          EventType = "response.start"
	EventContentDelta   EventType = "content.delta"
	EventReasoningDelta EventType = "reasoning.delta"
	EventToolStart      EventType = "tool.start"
	EventToolDone       EventType = "tool.done"
	EventDone           EventType = "response.done"
	EventCancelled      EventType = "response.cancelled"
	EventError          EventType = "error"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrCancelled is returned from an emit callback to stop the stream; the
// backend aborts the response and propagates it back to the caller.
var ErrCancelled = errors.New("stream cancelled")

// Message is one turn of conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Model carries the resolved model binding. APIKey is already decrypted;
// it must not be logged or persisted.
type Model struct {
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`
	APIKey    string `json:"api_key,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
}

// Tool describes one tool the agent may call. Server is set for tools
// discovered from an MCP server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Server      string         `json:"server,omitempty"`
}

// MCPServer is a connection the shell establishes itself. Header values
// have already had user variables substituted.
type MCPServer struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Request is one agent invocation.
type Request struct {
	RequestID    string      `json:"request_id"`
	TaskID       int64       `json:"task_id"`
	SubtaskID    int64       `json:"subtask_id"`
	MessageID    int64       `json:"message_id"`
	UserID       int64       `json:"user_id"`
	UserName     string      `json:"user_name,omitempty"`
	ShellType    string      `json:"shell_type"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	History      []Message   `json:"history,omitempty"`
	Prompt       string      `json:"prompt"`
	Model        *Model      `json:"model,omitempty"`
	Tools        []Tool      `json:"tools,omitempty"`
	MCPServers   []MCPServer `json:"mcp_servers,omitempty"`
	Skills       []string    `json:"skills,omitempty"`
	MaxToolCalls int         `json:"max_tool_calls,omitempty"`
}

// ToolEvent carries a tool lifecycle update. Sources is populated by
// knowledge-base style tools on completion.
type ToolEvent struct {
	RunID   string         `json:"run_id"`
	Name    string         `json:"name"`
	Input   map[string]any `json:"input,omitempty"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Sources []v1.Source    `json:"sources,omitempty"`
}

// Event is one streamed element of a response.
type Event struct {
	Type             EventType  `json:"type"`
	Delta            string     `json:"delta,omitempty"`
	Value            string     `json:"value,omitempty"`
	Tool             *ToolEvent `json:"tool,omitempty"`
	Error            string     `json:"error,omitempty"`
	SilentExit       bool       `json:"silent_exit,omitempty"`
	SilentExitReason string     `json:"silent_exit_reason,omitempty"`
}

// EmitFunc receives events in stream order. Returning an error stops the
// stream; ErrCancelled marks a clean client-side cancel.
type EmitFunc func(ev *Event) error

// Shell streams agent responses. Stream blocks until the response
// terminates; Cancel aborts an in-flight request by id and is idempotent.
type Shell interface {
	Stream(ctx context.Context, req *Request, emit EmitFunc) error
	Cancel(ctx context.Context, requestID string) error
}
