package streaming

import (
	"encoding/json"
	"sync"

	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

// Registration is the value stored at task.streaming.<task_id> while a
// stream is live; task:join uses it to hand reconnecting clients a
// resumable snapshot.
type Registration struct {
	SubtaskID int64  `json:"subtask_id"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
}

// stream is the in-process state of one live response.
type stream struct {
	taskID    int64
	subtaskID int64
	messageID int64
	userID    int64
	userName  string
	shellType string
	requestID string

	mu               sync.Mutex
	full             string
	thinking         []v1.ThinkingStep
	sources          []v1.Source
	sourceSeen       map[string]bool
	toolCalls        int
	cancelled        bool
	silentExit       bool
	silentExitReason string
}

// streamTable indexes live streams by subtask id.
type streamTable struct {
	mu      sync.RWMutex
	streams map[int64]*stream
}

func newStreamTable() *streamTable {
	return &streamTable{streams: make(map[int64]*stream)}
}

func (t *streamTable) put(st *stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[st.subtaskID] = st
}

func (t *streamTable) get(subtaskID int64) (*stream, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.streams[subtaskID]
	return st, ok
}

func (t *streamTable) remove(subtaskID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, subtaskID)
}

// appendContent adds a delta and returns the offset the chunk starts at
// plus the new total length.
func (st *stream) appendContent(delta string) (offset, total int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	offset = len(st.full)
	st.full += delta
	return offset, len(st.full)
}

// content returns the accumulated text.
func (st *stream) content() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.full
}

// setContent replaces the accumulated text (used when response.done carries
// a final value and no deltas were streamed).
func (st *stream) setContent(value string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.full = value
}

// markCancelled flips the local cancel signal.
func (st *stream) markCancelled() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cancelled = true
}

// isCancelled reports the local cancel signal.
func (st *stream) isCancelled() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancelled
}

// startToolStep appends a started thinking step and returns the tool-call
// count including this one.
func (st *stream) startToolStep(runID, name string, input map[string]any) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.toolCalls++
	st.thinking = append(st.thinking, v1.ThinkingStep{
		Title: name,
		RunID: runID,
		Details: v1.ThinkingDetails{
			Type:     "tool",
			ToolName: name,
			Status:   "started",
			Input:    marshalToolInput(input),
		},
	})
	return st.toolCalls
}

// marshalToolInput renders tool arguments as the JSON string the thinking
// document carries on the wire. Empty input stays empty.
func marshalToolInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}

// finishToolStep settles the matching started step. Unknown run ids append
// a standalone completed step so no tool activity is lost.
func (st *stream) finishToolStep(runID, name, output, errMsg string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	status := "completed"
	if errMsg != "" {
		status = "failed"
	}
	for i := len(st.thinking) - 1; i >= 0; i-- {
		step := &st.thinking[i]
		if step.RunID == runID && step.Details.Status == "started" {
			step.Details.Status = status
			step.Details.Output = output
			step.Details.Error = errMsg
			return
		}
	}
	st.thinking = append(st.thinking, v1.ThinkingStep{
		Title: name,
		RunID: runID,
		Details: v1.ThinkingDetails{
			Type:     "tool",
			ToolName: name,
			Status:   status,
			Output:   output,
			Error:    errMsg,
		},
	})
}

// addSources merges sources, deduplicating by (kb_id, title).
func (st *stream) addSources(sources []v1.Source) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sourceSeen == nil {
		st.sourceSeen = make(map[string]bool)
	}
	for _, src := range sources {
		key := src.KBID + "\x00" + src.Title
		if st.sourceSeen[key] {
			continue
		}
		st.sourceSeen[key] = true
		st.sources = append(st.sources, src)
	}
}

// snapshot copies the thinking and sources lists for a result payload.
func (st *stream) snapshot() (thinking []v1.ThinkingStep, sources []v1.Source) {
	st.mu.Lock()
	defer st.mu.Unlock()
	thinking = append([]v1.ThinkingStep(nil), st.thinking...)
	sources = append([]v1.Source(nil), st.sources...)
	return thinking, sources
}

// slimThinking strips tool inputs and outputs so chunk payloads stay small;
// the full form ships once in the terminal result.
func slimThinking(steps []v1.ThinkingStep) []v1.ThinkingStep {
	slim := make([]v1.ThinkingStep, len(steps))
	for i, step := range steps {
		slim[i] = v1.ThinkingStep{
			Title: step.Title,
			RunID: step.RunID,
			Details: v1.ThinkingDetails{
				Type:     step.Details.Type,
				ToolName: step.Details.ToolName,
				Status:   step.Details.Status,
				Error:    step.Details.Error,
			},
		}
	}
	return slim
}
