package normalize

import (
	"sync"
	"time"
)

// Processor consumes the normalized entry stream of one execution and
// maintains the aggregate views: tool calls, file changes and usage.
// Safe for concurrent feed/query.
type Processor struct {
	mu sync.Mutex

	entries     []Entry
	toolCalls   []*ToolCall
	toolByID    map[string]*ToolCall
	fileChanges []FileChange
	usage       Usage

	startedAt time.Time
	lastAt    time.Time
}

// NewProcessor returns an empty Processor.
func NewProcessor() *Processor {
	return &Processor{toolByID: map[string]*ToolCall{}}
}

// Feed ingests one entry. Entries must arrive in stream order.
func (p *Processor) Feed(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = append(p.entries, e)
	if p.startedAt.IsZero() {
		p.startedAt = e.Timestamp
	}
	p.lastAt = e.Timestamp

	if e.Usage != nil {
		p.usage.InputTokens += e.Usage.InputTokens
		p.usage.OutputTokens += e.Usage.OutputTokens
		p.usage.CostUSD += tokenCost(e.Model, e.Usage)
	}

	switch e.Kind {
	case EntryToolUse:
		tc := &ToolCall{
			ID:        e.ToolUseID,
			Name:      e.ToolName,
			Input:     e.ToolInput,
			Status:    ToolPending,
			StartedAt: e.Timestamp,
		}
		p.toolCalls = append(p.toolCalls, tc)
		if tc.ID != "" {
			p.toolByID[tc.ID] = tc
		}
		if op, ok := fileOpTools[tc.Name]; ok {
			if path, ok := tc.Input["file_path"].(string); ok && path != "" {
				p.fileChanges = append(p.fileChanges, FileChange{
					Path:       path,
					Operation:  op,
					ToolCallID: tc.ID,
					Timestamp:  e.Timestamp,
				})
			}
		}
	case EntryToolResult:
		tc, ok := p.toolByID[e.ToolUseID]
		if !ok || tc.Status != ToolPending {
			return
		}
		done := e.Timestamp
		tc.CompletedAt = &done
		if e.IsError {
			tc.Status = ToolError
			tc.Error = e.Content
		} else {
			tc.Status = ToolSuccess
			tc.Result = e.Content
		}
	}
}

// Entries returns a copy of the entry log.
func (p *Processor) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// ToolCalls returns all tool calls in stream order. Optional filters narrow
// by name and status; empty values match everything.
func (p *Processor) ToolCalls(name string, status ToolStatus) []ToolCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ToolCall
	for _, tc := range p.toolCalls {
		if name != "" && tc.Name != name {
			continue
		}
		if status != "" && tc.Status != status {
			continue
		}
		out = append(out, *tc)
	}
	return out
}

// FileChanges returns file changes in stream order, optionally filtered by
// path and operation.
func (p *Processor) FileChanges(path string, op FileOp) []FileChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []FileChange
	for _, fc := range p.fileChanges {
		if path != "" && fc.Path != path {
			continue
		}
		if op != "" && fc.Operation != op {
			continue
		}
		out = append(out, fc)
	}
	return out
}

// CurrentUsage returns the accumulated token and cost totals.
func (p *Processor) CurrentUsage() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// Summary is a point-in-time rollup of one execution's output.
type Summary struct {
	TotalMessages int            `json:"total_messages"`
	ToolCounts    map[string]int `json:"tool_counts"`
	SuccessRate   float64        `json:"success_rate"`
	InputTokens   int64          `json:"input_tokens"`
	OutputTokens  int64          `json:"output_tokens"`
	CostUSD       float64        `json:"cost_usd"`
	Duration      time.Duration  `json:"duration"`
}

// Summarize computes the execution summary. SuccessRate counts completed
// tool calls only; an execution with no completed calls reports 1.0.
func (p *Processor) Summarize() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Summary{ToolCounts: map[string]int{}}
	for _, e := range p.entries {
		if e.Kind == EntryAssistantMessage || e.Kind == EntryUserMessage {
			s.TotalMessages++
		}
	}
	var done, succeeded int
	for _, tc := range p.toolCalls {
		s.ToolCounts[tc.Name]++
		switch tc.Status {
		case ToolSuccess:
			done++
			succeeded++
		case ToolError:
			done++
		}
	}
	if done == 0 {
		s.SuccessRate = 1.0
	} else {
		s.SuccessRate = float64(succeeded) / float64(done)
	}
	s.InputTokens = p.usage.InputTokens
	s.OutputTokens = p.usage.OutputTokens
	s.CostUSD = p.usage.CostUSD
	if !p.startedAt.IsZero() {
		s.Duration = p.lastAt.Sub(p.startedAt)
	}
	return s
}
