package normalize

import (
	"context"
	"strings"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	return func() time.Time {
		t := base.Add(time.Duration(n) * time.Second)
		n++
		return t
	}
}

func parseAll(t *testing.T, input string) []Entry {
	t.Helper()
	n := &StreamJSON{Now: fixedClock()}
	var out []Entry
	n.Run(context.Background(), strings.NewReader(input), func(e Entry) {
		out = append(out, e)
	})
	return out
}

func TestRun_AssistantText(t *testing.T) {
	input := `{"type":"assistant","message":{"model":"claude-sonnet-4","content":[{"type":"text","text":"hi"}]}}` + "\n"
	entries := parseAll(t, input)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Kind != EntryAssistantMessage || e.Text != "hi" || e.Model != "claude-sonnet-4" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Index != 0 {
		t.Fatalf("expected index 0, got %d", e.Index)
	}
}

func TestRun_SkipsBlankLines(t *testing.T) {
	input := "\n\n" + `{"type":"system","subtype":"init"}` + "\n\n"
	entries := parseAll(t, input)
	if len(entries) != 1 || entries[0].Kind != EntrySystem || entries[0].Text != "init" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestRun_ParseErrorContinues(t *testing.T) {
	input := "{not json}\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}` + "\n"
	entries := parseAll(t, input)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != EntryError || entries[0].Line != 1 {
		t.Fatalf("expected error entry for line 1, got %+v", entries[0])
	}
	if entries[1].Kind != EntryAssistantMessage || entries[1].Text != "ok" {
		t.Fatalf("expected parsing to continue, got %+v", entries[1])
	}
}

func TestRun_ToolUseAndResult(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"a.ts"}}]}}` + "\n" +
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"x","is_error":false}]}}` + "\n"
	entries := parseAll(t, input)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	use := entries[0]
	if use.Kind != EntryToolUse || use.ToolUseID != "t1" || use.ToolName != "Read" {
		t.Fatalf("unexpected tool_use: %+v", use)
	}
	if use.ToolInput["file_path"] != "a.ts" {
		t.Fatalf("unexpected input: %+v", use.ToolInput)
	}
	res := entries[1]
	if res.Kind != EntryToolResult || res.ToolUseID != "t1" || res.Content != "x" || res.IsError {
		t.Fatalf("unexpected tool_result: %+v", res)
	}
}

func TestRun_ToolResultArrayContent(t *testing.T) {
	input := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"multi"}]}]}}` + "\n"
	entries := parseAll(t, input)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !strings.Contains(entries[0].Content, "multi") {
		t.Fatalf("expected structured content serialized, got %q", entries[0].Content)
	}
}

func TestRun_ThinkingAndResultError(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"hmm"}]}}` + "\n" +
		`{"type":"result","is_error":true,"result":"boom"}` + "\n"
	entries := parseAll(t, input)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != EntryThinking || entries[0].Text != "hmm" {
		t.Fatalf("unexpected thinking entry: %+v", entries[0])
	}
	if entries[1].Kind != EntryError || entries[1].Text != "boom" {
		t.Fatalf("unexpected error entry: %+v", entries[1])
	}
}

func TestRun_UsageAttached(t *testing.T) {
	input := `{"type":"assistant","message":{"model":"claude-sonnet-4","usage":{"input_tokens":100,"output_tokens":50},"content":[{"type":"text","text":"hi"}]}}` + "\n"
	entries := parseAll(t, input)
	if len(entries) != 1 || entries[0].Usage == nil {
		t.Fatalf("expected usage on entry, got %+v", entries)
	}
	if entries[0].Usage.InputTokens != 100 || entries[0].Usage.OutputTokens != 50 {
		t.Fatalf("unexpected usage: %+v", entries[0].Usage)
	}
}

func TestRun_Deterministic(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[{"type":"text","text":"a"}]}}` + "\n" +
		`{"type":"system","subtype":"init"}` + "\n"
	a := parseAll(t, input)
	b := parseAll(t, input)
	if len(a) != len(b) {
		t.Fatalf("entry counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Index != b[i].Index || a[i].Kind != b[i].Kind || a[i].Text != b[i].Text {
			t.Fatalf("entry %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}
