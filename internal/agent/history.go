package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zjrosen/foreman/internal/log"
)

// DefaultHistoryLimit bounds how many messages a history read returns when
// the caller does not specify one.
const DefaultHistoryLimit = 50

// ToolCall pairs a tool_use block with its tool_result, matched by the
// tool_use id. Result fields are zero when the result has not arrived yet.
type ToolCall struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// History is the readable transcript view of one agent. Agent is nil when no
// registry record exists for the id, serializing as null.
type History struct {
	Agent     *Summary          `json:"agent"`
	Live      bool              `json:"live"`
	Messages  []json.RawMessage `json:"messages"`
	ToolCalls []ToolCall        `json:"toolCalls,omitempty"`
}

// ReadMessageHistory resolves an agent by local id, persisted store id, or
// colon-suffixed variant and returns its transcript. Live agents read from
// the in-memory ring; otherwise the persisted transcript in the task store is
// the fallback. limit <= 0 uses DefaultHistoryLimit.
func (r *Registry) ReadMessageHistory(ctx context.Context, id string, limit int) (*History, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rec := r.resolve(id)
	if rec != nil && !rec.Status.IsTerminal() {
		return r.liveHistory(rec, limit), nil
	}

	// Not live (or terminal): fall back to the persisted transcript.
	storeID := id
	if rec != nil && rec.TasksAgentID != "" {
		storeID = rec.TasksAgentID
	}
	raw, err := r.store.ReadAgentMessages(ctx, storeID, limit)
	if err != nil {
		if rec != nil {
			// Terminal but still in the registry: the ring is all we have.
			log.Debug(log.CatRegistry, "persisted transcript unavailable, using ring", "id", id, "error", err)
			return r.liveHistory(rec, limit), nil
		}
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}

	h := &History{Messages: raw}
	if rec != nil {
		r.mu.RLock()
		s := rec.summary()
		r.mu.RUnlock()
		h.Agent = &s
	}
	return h, nil
}

func (r *Registry) liveHistory(rec *Record, limit int) *History {
	r.mu.RLock()
	events := rec.events.Tail(limit)
	summary := rec.summary()
	r.mu.RUnlock()

	h := &History{
		Agent: &summary,
		Live:  !summary.Status.IsTerminal(),
	}
	calls := make(map[string]int) // tool_use id -> index in h.ToolCalls
	for _, ev := range events {
		if len(ev.Raw) > 0 {
			h.Messages = append(h.Messages, ev.Raw)
		}
		if ev.Message == nil {
			continue
		}
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "tool_use":
				calls[block.ID] = len(h.ToolCalls)
				h.ToolCalls = append(h.ToolCalls, ToolCall{
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				})
			case "tool_result":
				if i, ok := calls[block.ToolUseID]; ok {
					h.ToolCalls[i].Result = block.Content
					h.ToolCalls[i].IsError = block.IsError
				}
			}
		}
	}
	return h
}

// VerifyTaskBinding checks that the agent identified by id is bound to
// taskID. Live agents are checked against the registry; otherwise the
// persisted agent record's hook task in the store decides. Callers use this
// to reject cross-task transcript reads.
func (r *Registry) VerifyTaskBinding(ctx context.Context, id, taskID string) error {
	if taskID == "" {
		return nil
	}
	if rec := r.resolve(id); rec != nil {
		if rec.TaskID != taskID {
			return fmt.Errorf("agent %s is bound to task %s, not %s", id, rec.TaskID, taskID)
		}
		return nil
	}
	issue, err := r.store.Show(ctx, id)
	if err != nil {
		return fmt.Errorf("agent %s: %w", id, err)
	}
	if issue.HookTask != taskID {
		return fmt.Errorf("agent %s is bound to task %s, not %s", id, issue.HookTask, taskID)
	}
	return nil
}
