// Package entity models the JSONL-persisted records (issues and specs)
// shared by the store and the merge engine. Unknown fields round-trip
// through the Extensions map so foreign producers never lose data.
package entity

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind discriminates the entity union.
type Kind string

const (
	KindIssue Kind = "issue"
	KindSpec  Kind = "spec"
)

// Relationship links two entities, e.g. an issue blocking another.
type Relationship struct {
	Type   string `json:"type"`
	ToID   string `json:"to_id"`
	ToType string `json:"to_type,omitempty"`
}

// Feedback is one review note attached to an entity.
type Feedback struct {
	ID        string `json:"id"`
	Author    string `json:"author,omitempty"`
	Content   string `json:"content,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Entity is one JSONL record. UUID is stable across renames; ID is the
// human-readable hash id and may collide across UUIDs (the merge engine
// disambiguates). Timestamps stay as RFC3339 strings so comparisons and
// re-serialization are exact.
type Entity struct {
	UUID      string `json:"uuid"`
	ID        string `json:"id"`
	Kind      Kind   `json:"-"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`

	Relationships []Relationship `json:"relationships,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Feedback      []Feedback     `json:"feedback,omitempty"`
	Archived      bool           `json:"archived,omitempty"`

	// Extensions holds fields this model does not know about.
	Extensions map[string]json.RawMessage `json:"-"`
}

// knownFields are the JSON keys handled by the typed fields above.
var knownFields = map[string]bool{
	"uuid": true, "id": true, "title": true, "content": true,
	"status": true, "created_at": true, "updated_at": true,
	"relationships": true, "tags": true, "feedback": true, "archived": true,
}

// UnmarshalJSON decodes the typed fields and captures everything else
// into Extensions.
func (e *Entity) UnmarshalJSON(data []byte) error {
	type plain Entity
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownFields[k] {
			delete(raw, k)
		}
	}
	*e = Entity(p)
	if len(raw) > 0 {
		e.Extensions = raw
	}
	return nil
}

// MarshalJSON re-serializes typed fields and extensions together. Output
// key order is deterministic (encoding/json sorts map keys).
func (e Entity) MarshalJSON() ([]byte, error) {
	type plain Entity
	base, err := json.Marshal(plain(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extensions) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extensions {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Validate checks the required JSONL fields.
func (e *Entity) Validate() error {
	if e.UUID == "" {
		return fmt.Errorf("entity missing uuid")
	}
	if e.ID == "" {
		return fmt.Errorf("entity %s missing id", e.UUID)
	}
	if e.CreatedAt == "" || e.UpdatedAt == "" {
		return fmt.Errorf("entity %s missing timestamps", e.ID)
	}
	return nil
}

// Clone deep-copies the entity.
func (e Entity) Clone() Entity {
	out := e
	out.Relationships = append([]Relationship(nil), e.Relationships...)
	out.Tags = append([]string(nil), e.Tags...)
	out.Feedback = append([]Feedback(nil), e.Feedback...)
	if e.Extensions != nil {
		out.Extensions = make(map[string]json.RawMessage, len(e.Extensions))
		for k, v := range e.Extensions {
			out.Extensions[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// NormalizeMetadata sorts relationships by (to_id, to_type, type), tags
// lexicographically and feedback by id, in place. Export and merge both
// rely on this ordering for determinism.
func (e *Entity) NormalizeMetadata() {
	sort.Slice(e.Relationships, func(i, j int) bool {
		a, b := e.Relationships[i], e.Relationships[j]
		if a.ToID != b.ToID {
			return a.ToID < b.ToID
		}
		if a.ToType != b.ToType {
			return a.ToType < b.ToType
		}
		return a.Type < b.Type
	})
	sort.Strings(e.Tags)
	sort.Slice(e.Feedback, func(i, j int) bool {
		return e.Feedback[i].ID < e.Feedback[j].ID
	})
}

// Sort orders entities by created_at ascending, then id.
func Sort(entities []Entity) {
	sort.Slice(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}
