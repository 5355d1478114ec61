// Package events carries execution output to clients: it defines the AG-UI
// wire events, a bounded per-execution replay buffer, and the SSE and
// WebSocket transports that fan events out.
package events

import (
	"time"

	"github.com/sudocode-ai/sudocode/internal/normalize"
)

// EventType is the AG-UI event discriminator.
type EventType string

const (
	EventRunStarted    EventType = "RUN_STARTED"
	EventRunFinished   EventType = "RUN_FINISHED"
	EventRunError      EventType = "RUN_ERROR"
	EventStepStarted   EventType = "STEP_STARTED"
	EventStepFinished  EventType = "STEP_FINISHED"
	EventStateSnapshot EventType = "STATE_SNAPSHOT"

	EventTextMessage   EventType = "TEXT_MESSAGE_CONTENT"
	EventThinking      EventType = "THINKING_CONTENT"
	EventToolCallStart EventType = "TOOL_CALL_START"
	EventToolCallEnd   EventType = "TOOL_CALL_END"
	EventSystemMessage EventType = "SYSTEM_MESSAGE"
	EventErrorMessage  EventType = "ERROR_MESSAGE"

	EventHeartbeat EventType = "HEARTBEAT"
	EventConnected EventType = "connected"

	// Workflow-scoped events, keyed by workflow id instead of execution id.
	EventWorkflowStatus        EventType = "workflow_status"
	EventWorkflowStepStarted   EventType = "step_started"
	EventWorkflowStepCompleted EventType = "step_completed"
	EventWorkflowStepFailed    EventType = "step_failed"
	EventWorkflowStepSkipped   EventType = "step_skipped"
)

// AgUiEvent is one wire-level event. Seq is assigned by the buffer when the
// event is recorded; events broadcast without a buffer carry Seq 0.
type AgUiEvent struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"runId,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ EventType, runID string, data map[string]any) AgUiEvent {
	return AgUiEvent{
		Type:      typ,
		RunID:     runID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// FromEntry lifts a normalized entry into its AG-UI representation.
func FromEntry(runID string, e normalize.Entry) AgUiEvent {
	data := map[string]any{"index": e.Index}
	var typ EventType
	switch e.Kind {
	case normalize.EntryAssistantMessage, normalize.EntryUserMessage:
		typ = EventTextMessage
		data["role"] = string(e.Kind)
		data["text"] = e.Text
		if e.Model != "" {
			data["model"] = e.Model
		}
	case normalize.EntryThinking:
		typ = EventThinking
		data["text"] = e.Text
	case normalize.EntryToolUse:
		typ = EventToolCallStart
		data["toolCallId"] = e.ToolUseID
		data["toolName"] = e.ToolName
		if e.ToolInput != nil {
			data["input"] = e.ToolInput
		}
	case normalize.EntryToolResult:
		typ = EventToolCallEnd
		data["toolCallId"] = e.ToolUseID
		data["content"] = e.Content
		data["isError"] = e.IsError
	case normalize.EntrySystem:
		typ = EventSystemMessage
		data["text"] = e.Text
	default:
		typ = EventErrorMessage
		data["text"] = e.Text
		if e.Line > 0 {
			data["line"] = e.Line
		}
	}
	ev := NewEvent(typ, runID, data)
	if !e.Timestamp.IsZero() {
		ev.Timestamp = e.Timestamp.UnixMilli()
	}
	return ev
}
