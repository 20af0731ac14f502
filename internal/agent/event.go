// Package agent defines agent records, the subprocess event protocol, and the
// in-memory registry that tracks live agents.
package agent

import (
	"encoding/json"
	"time"
)

// Event type constants for the agent subprocess protocol.
const (
	EventMessageUpdate     = "message_update"
	EventMessageEnd        = "message_end"
	EventAutoCompactionEnd = "auto_compaction_end"
	EventAgentEnd          = "agent_end"
	EventRPCExit           = "rpc_exit"
)

// Event is a single entry in an agent subprocess event stream.
//
// The agent binary emits one JSON object per line; every event carries a
// type, with type-specific fields populated as documented on each field.
type Event struct {
	Type string `json:"type"`

	// Message is set on message_end (and carries streamed deltas on
	// message_update).
	Message *Message `json:"message,omitempty"`

	// auto_compaction_end fields. Result is kept raw; a compaction counts
	// only when it was not aborted and produced a truthy result.
	Aborted bool            `json:"aborted,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	// rpc_exit fields.
	ExitCode int    `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`

	Timestamp time.Time       `json:"-"`
	Raw       json.RawMessage `json:"-"`
}

// HasAssistantUsage reports whether this event carries assistant usage that
// should be folded into the agent's accounting.
func (e *Event) HasAssistantUsage() bool {
	return e.Type == EventMessageEnd &&
		e.Message != nil &&
		e.Message.Role == "assistant" &&
		e.Message.Usage != nil &&
		!e.Message.Usage.IsZero()
}

// IsCompaction reports whether this event records a completed context
// compaction.
func (e *Event) IsCompaction() bool {
	return e.Type == EventAutoCompactionEnd && !e.Aborted && isTruthy(e.Result)
}

// isTruthy mirrors the agent binary's loose result check: null, false, 0,
// empty string and empty payloads all count as falsy.
func isTruthy(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "false", "0", `""`:
		return false
	default:
		return true
	}
}

// Message holds a message payload from the event stream.
type Message struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *UsageInfo     `json:"usage,omitempty"`
}

// Text returns the concatenated text content from all text blocks.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, block := range m.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// ContentBlock is a single content item in a message.
// Type is one of "text", "tool_use", or "tool_result".
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// UsageInfo is per-turn token usage reported on message_end.
type UsageInfo struct {
	Input       int64    `json:"input"`
	Output      int64    `json:"output"`
	CacheRead   int64    `json:"cacheRead"`
	CacheWrite  int64    `json:"cacheWrite"`
	TotalTokens int64    `json:"totalTokens"`
	Cost        CostInfo `json:"cost"`
}

// IsZero reports whether the usage carries no token counts at all.
func (u *UsageInfo) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.CacheRead == 0 &&
		u.CacheWrite == 0 && u.TotalTokens == 0
}

// Total returns the reported total, falling back to the channel sum when the
// agent binary omitted totalTokens.
func (u *UsageInfo) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.Input + u.Output + u.CacheRead + u.CacheWrite
}

// CostInfo is the per-turn cost breakdown nested in usage.
type CostInfo struct {
	Input      float64 `json:"input,omitempty"`
	Output     float64 `json:"output,omitempty"`
	CacheRead  float64 `json:"cacheRead,omitempty"`
	CacheWrite float64 `json:"cacheWrite,omitempty"`
}

// Sum returns the total cost across all channels.
func (c CostInfo) Sum() float64 {
	return c.Input + c.Output + c.CacheRead + c.CacheWrite
}

// UsageDelta is the per-event accounting delta derived from assistant usage.
type UsageDelta struct {
	Input       int64
	Output      int64
	CacheRead   int64
	CacheWrite  int64
	TotalTokens int64
	CostUSD     float64
}

// DeltaFromUsage builds the accounting delta for one assistant turn.
func DeltaFromUsage(u *UsageInfo) UsageDelta {
	if u == nil {
		return UsageDelta{}
	}
	return UsageDelta{
		Input:       u.Input,
		Output:      u.Output,
		CacheRead:   u.CacheRead,
		CacheWrite:  u.CacheWrite,
		TotalTokens: u.Total(),
		CostUSD:     u.Cost.Sum(),
	}
}

// ParseEvent decodes a single event line, preserving the raw payload.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, err
	}
	ev.Timestamp = time.Now()
	ev.Raw = append(json.RawMessage(nil), line...)
	return ev, nil
}
