// Package normalize converts agent-specific output streams into a uniform
// sequence of NormalizedEntry values and aggregates tool-call and file-change
// telemetry from them.
package normalize

import "time"

// EntryKind tags one record of agent output.
type EntryKind string

const (
	EntryAssistantMessage EntryKind = "assistant_message"
	EntryUserMessage      EntryKind = "user_message"
	EntryToolUse          EntryKind = "tool_use"
	EntryToolResult       EntryKind = "tool_result"
	EntryThinking         EntryKind = "thinking"
	EntrySystem           EntryKind = "system"
	EntryError            EntryKind = "error"
)

// Entry is a single normalized record of agent output. Immutable once
// appended; Index is monotonically increasing within its execution.
type Entry struct {
	Index     int       `json:"index"`
	Kind      EntryKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Text is the message body for assistant/user/thinking/system/error kinds.
	Text string `json:"text,omitempty"`

	// Model that produced the message, when the agent reports one.
	Model string `json:"model,omitempty"`

	// tool_use fields.
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// tool_result fields.
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// Line is the 1-based input line number for parse-error entries.
	Line int `json:"line,omitempty"`

	// Usage is attached to the first entry expanded from an assistant
	// message that reports token counts.
	Usage *TokenUsage `json:"usage,omitempty"`
}

// TokenUsage is the per-message token report from the agent.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ToolStatus is the lifecycle state of an aggregated tool call.
type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// ToolCall aggregates a tool_use entry with its later tool_result.
type ToolCall struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Input       map[string]any `json:"input,omitempty"`
	Status      ToolStatus     `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// FileOp classifies a file-touching tool call.
type FileOp string

const (
	FileRead  FileOp = "read"
	FileWrite FileOp = "write"
	FileEdit  FileOp = "edit"
)

// fileOpTools maps tool names to the file operation they perform. Tool calls
// with other names never produce FileChanges.
var fileOpTools = map[string]FileOp{
	"Read":      FileRead,
	"Write":     FileWrite,
	"Edit":      FileEdit,
	"MultiEdit": FileEdit,
}

// FileChange is derived from a file-operation tool call.
type FileChange struct {
	Path       string    `json:"path"`
	Operation  FileOp    `json:"operation"`
	ToolCallID string    `json:"tool_call_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Usage accumulates token counts and the running cost estimate.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
