package normalize

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Normalizer is the per-agent parsing strategy. Run reads the agent's stdout
// byte stream and calls emit for every normalized entry, in order. The entry
// sequence is finite and non-restartable; Run returns when r is exhausted or
// ctx is cancelled. Emit errors are the caller's concern and never abort the
// stream.
type Normalizer interface {
	Run(ctx context.Context, r io.Reader, emit func(Entry))
}

// streamEvent is one NDJSON line in the claude-style stream-json format.
type streamEvent struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Message *streamMessage `json:"message,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// streamMessage is the "message" field of an assistant or user event.
type streamMessage struct {
	Model   string         `json:"model,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
	Usage   *usageBlock    `json:"usage,omitempty"`
}

// contentBlock is a single entry in message.content[].
type contentBlock struct {
	Type string `json:"type"`

	// text / thinking block
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"-"` // handled manually; can be string or array
	IsError   bool   `json:"is_error,omitempty"`
}

type usageBlock struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (u *usageBlock) toTokenUsage() *TokenUsage {
	if u == nil {
		return nil
	}
	return &TokenUsage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

// StreamJSON parses newline-delimited JSON in the claude-style stream-json
// shape: one object per line, with assistant/user messages carrying content
// blocks of kind text, thinking, tool_use and tool_result.
type StreamJSON struct {
	// Now supplies entry timestamps. Defaults to time.Now; tests inject a
	// fixed clock for byte-identical output.
	Now func() time.Time
}

var _ Normalizer = (*StreamJSON)(nil)

func (n *StreamJSON) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now().UTC()
}

// Run implements Normalizer. Blank lines are skipped; malformed lines become
// error entries carrying the offending line number and parsing continues.
func (n *StreamJSON) Run(ctx context.Context, r io.Reader, emit func(Entry)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	index := 0
	lineNo := 0
	send := func(e Entry) {
		e.Index = index
		e.Timestamp = n.now()
		index++
		emit(e)
	}
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			send(Entry{
				Kind: EntryError,
				Text: fmt.Sprintf("parse error: %v", err),
				Line: lineNo,
			})
			continue
		}
		// tool_result content can be a string or a structured array; the
		// typed decode above drops it, so recover it from the raw line.
		if ev.Message != nil {
			fillToolResultContent(line, ev.Message)
		}
		for _, e := range expandEvent(&ev) {
			send(e)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(Entry{
			Kind: EntryError,
			Text: fmt.Sprintf("read error: %v", err),
			Line: lineNo,
		})
	}
}

// expandEvent maps one stream event to zero or more entries, one per
// content part for assistant/user messages.
func expandEvent(ev *streamEvent) []Entry {
	switch ev.Type {
	case "system":
		text := ev.Subtype
		if text == "" {
			text = "system"
		}
		return []Entry{{Kind: EntrySystem, Text: text}}
	case "result":
		if ev.IsError {
			return []Entry{{Kind: EntryError, Text: ev.Result}}
		}
		return nil
	case "assistant", "user":
		if ev.Message == nil {
			return nil
		}
		out := expandMessage(ev.Type, ev.Message)
		if ev.Type == "assistant" && len(out) > 0 {
			out[0].Usage = ev.Message.Usage.toTokenUsage()
		}
		return out
	default:
		return nil
	}
}

func expandMessage(role string, msg *streamMessage) []Entry {
	var out []Entry
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			kind := EntryAssistantMessage
			if role == "user" {
				kind = EntryUserMessage
			}
			if block.Text == "" {
				continue
			}
			out = append(out, Entry{Kind: kind, Text: block.Text, Model: msg.Model})
		case "thinking":
			text := block.Thinking
			if text == "" {
				text = block.Text
			}
			if text == "" {
				continue
			}
			out = append(out, Entry{Kind: EntryThinking, Text: text, Model: msg.Model})
		case "tool_use":
			out = append(out, Entry{
				Kind:      EntryToolUse,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
				Model:     msg.Model,
			})
		case "tool_result":
			out = append(out, Entry{
				Kind:      EntryToolResult,
				ToolUseID: block.ToolUseID,
				Content:   block.Content,
				IsError:   block.IsError,
			})
		}
	}
	return out
}

// fillToolResultContent re-parses the raw line to normalize tool_result
// content, which the wire format emits as either a plain string or a
// structured array.
func fillToolResultContent(raw []byte, msg *streamMessage) {
	var envelope struct {
		Message struct {
			Content []json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	for i, rawBlock := range envelope.Message.Content {
		if i >= len(msg.Content) {
			break
		}
		if msg.Content[i].Type != "tool_result" {
			continue
		}
		var block struct {
			Content any `json:"content"`
		}
		if err := json.Unmarshal(rawBlock, &block); err != nil {
			continue
		}
		switch v := block.Content.(type) {
		case string:
			msg.Content[i].Content = v
		case nil:
		default:
			b, _ := json.Marshal(v)
			msg.Content[i].Content = string(b)
		}
	}
}
