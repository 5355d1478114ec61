package entity

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestUnmarshal_PreservesUnknownFields(t *testing.T) {
	line := `{"uuid":"u1","id":"i-1","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","priority":3,"custom":{"x":1}}`
	var e Entity
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		t.Fatal(err)
	}
	if len(e.Extensions) != 2 {
		t.Fatalf("expected 2 extension fields, got %v", e.Extensions)
	}
	out, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"priority":3`) || !strings.Contains(string(out), `"custom":{"x":1}`) {
		t.Fatalf("extensions lost on round-trip: %s", out)
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	e := Entity{
		UUID: "u1", ID: "i-1",
		CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
		Extensions: map[string]json.RawMessage{
			"zeta":  json.RawMessage(`1`),
			"alpha": json.RawMessage(`2`),
		},
	}
	a, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("non-deterministic marshal:\n%s\n%s", a, b)
	}
}

func TestNormalizeMetadata(t *testing.T) {
	e := Entity{
		Relationships: []Relationship{
			{Type: "blocks", ToID: "i-2", ToType: "issue"},
			{Type: "blocks", ToID: "i-1", ToType: "issue"},
			{Type: "child", ToID: "i-1", ToType: "issue"},
		},
		Tags:     []string{"b", "a"},
		Feedback: []Feedback{{ID: "f2"}, {ID: "f1"}},
	}
	e.NormalizeMetadata()
	if e.Relationships[0].ToID != "i-1" || e.Relationships[0].Type != "blocks" {
		t.Fatalf("relationships out of order: %+v", e.Relationships)
	}
	if e.Tags[0] != "a" || e.Feedback[0].ID != "f1" {
		t.Fatalf("tags/feedback out of order: %+v %+v", e.Tags, e.Feedback)
	}
}

func TestJSONL_RoundTrip(t *testing.T) {
	input := `{"uuid":"u2","id":"i-2","created_at":"2026-01-02T00:00:00Z","updated_at":"2026-01-02T00:00:00Z","tags":["z","a"]}
{"uuid":"u1","id":"i-1","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}
`
	entities, err := ReadJSONL(strings.NewReader(input), KindIssue)
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 2 || entities[0].Kind != KindIssue {
		t.Fatalf("unexpected entities: %+v", entities)
	}
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, entities); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	// Sorted by created_at: u1 first; tags normalized.
	if !strings.Contains(lines[0], `"id":"i-1"`) {
		t.Fatalf("expected i-1 first, got %s", lines[0])
	}
	if !strings.Contains(lines[1], `["a","z"]`) {
		t.Fatalf("expected sorted tags, got %s", lines[1])
	}
}

func TestReadJSONL_BadLine(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader("{bad}\n"), KindSpec)
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected line-numbered error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	e := Entity{UUID: "u", ID: "i", CreatedAt: "t", UpdatedAt: "t"}
	if err := e.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := (&Entity{ID: "i"}).Validate(); err == nil {
		t.Fatal("expected error for missing uuid")
	}
}
