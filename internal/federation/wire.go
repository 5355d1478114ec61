// Package federation implements the cross-repository layer: the remote
// peer registry, the mutation request state machine with trust-based
// auto-approval, the subscription bus, and the audit/metrics surface.
package federation

import "encoding/json"

// Capabilities is the payload of GET /federation/info.
type Capabilities struct {
	Protocols   []string `json:"protocols"`
	Operations  []string `json:"operations"`
	EntityTypes []string `json:"entity_types"`
}

// MutateMetadata travels alongside a mutation message.
type MutateMetadata struct {
	RequestID string `json:"request_id,omitempty"`
	Requester string `json:"requester,omitempty"`
}

// MutateMessage is the body of POST /federation/mutate.
type MutateMessage struct {
	Type      string          `json:"type"` // always "mutate"
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp int64           `json:"timestamp"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  MutateMetadata  `json:"metadata"`
}

// MutateReply is the peer's answer to a mutation.
type MutateReply struct {
	Status  string          `json:"status"` // pending_approval | rejected | completed
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// QuerySpec selects entities on the peer.
type QuerySpec struct {
	Entity  string         `json:"entity"`
	Filters map[string]any `json:"filters,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

// QueryMessage is the body of POST /federation/query.
type QueryMessage struct {
	Type      string    `json:"type"` // always "query"
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp int64     `json:"timestamp"`
	Query     QuerySpec `json:"query"`
}

// QueryReply carries the peer's matching entities.
type QueryReply struct {
	Results []json.RawMessage `json:"results"`
}

const (
	ReplyPendingApproval = "pending_approval"
	ReplyRejected        = "rejected"
	ReplyCompleted       = "completed"
)
