// Package ipc implements the control socket: a line-framed JSON protocol
// the coordinator agent uses to drive the orchestrator.
package ipc

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Message type constants.
const (
	TypeWake               = "wake"
	TypeStartTasks         = "start_tasks"
	TypeTasksRequest       = "tasks_request"
	TypeAdvanceLifecycle   = "advance_lifecycle"
	TypeBroadcast          = "broadcast"
	TypeInterruptAgent     = "interrupt_agent"
	TypeSteerAgent         = "steer_agent"
	TypeReplaceAgent       = "replace_agent"
	TypeStopAgentsForTask  = "stop_agents_for_task"
	TypeComplain           = "complain"
	TypeRevokeComplaint    = "revoke_complaint"
	TypeWaitForAgent       = "wait_for_agent"
	TypeListActiveAgents   = "list_active_agents"
	TypeListTaskAgents     = "list_task_agents"
	TypeReadMessageHistory = "read_message_history"
)

// DefaultWaitTimeoutMs and MinWaitTimeoutMs bound wait_for_agent.
const (
	DefaultWaitTimeoutMs = 60000
	MinWaitTimeoutMs     = 1000
)

// knownTypes lists every accepted message type, sorted, for error messages.
var knownTypes = func() []string {
	types := []string{
		TypeWake, TypeStartTasks, TypeTasksRequest, TypeAdvanceLifecycle,
		TypeBroadcast, TypeInterruptAgent, TypeSteerAgent, TypeReplaceAgent,
		TypeStopAgentsForTask, TypeComplain, TypeRevokeComplaint,
		TypeWaitForAgent, TypeListActiveAgents, TypeListTaskAgents,
		TypeReadMessageHistory,
	}
	sort.Strings(types)
	return types
}()

// advanceTargets are the roles a verifier may advance to.
var advanceTargets = map[string]bool{"worker": true, "implementer": true, "scout": true}

// Message is a parsed, validated, and normalized IPC request. Only the
// fields relevant to Type are populated.
type Message struct {
	Type string

	// start_tasks
	Count int

	// tasks_request
	Action        string
	Params        map[string]any
	DefaultTaskID string

	// advance_lifecycle
	AgentType       string
	LifecycleAction string
	Target          string

	// shared: advance_lifecycle, interrupt/steer/stop/replace/list/history
	TaskID string

	// broadcast / interrupt / steer / advance
	Text string

	Reason  string
	AgentID string

	// replace_agent
	Role    string
	Context string

	// stop_agents_for_task
	IncludeVerifier   bool
	WaitForCompletion bool

	// complain / revoke_complaint
	Files       []string
	Complainant string

	// wait_for_agent
	TimeoutMs int

	// read_message_history
	Limit int
}

// rawMessage is the wire shape before validation.
type rawMessage struct {
	Type any `json:"type"`

	Count any `json:"count"`

	Action        string          `json:"action"`
	Params        map[string]any  `json:"params"`
	DefaultTaskID string          `json:"defaultTaskId"`
	AgentType     string          `json:"agentType"`
	TaskID        string          `json:"taskId"`
	Target        string          `json:"target"`
	Message       string          `json:"message"`
	Reason        string          `json:"reason"`
	AgentID       string          `json:"agentId"`
	Role          string          `json:"role"`
	Context       string          `json:"context"`
	IncludeVerif  bool            `json:"includeVerifier"`
	WaitForCompl  bool            `json:"waitForCompletion"`
	Files         []string        `json:"files"`
	Complainant   string          `json:"complainant"`
	TimeoutMs     json.RawMessage `json:"timeoutMs"`
	Limit         int             `json:"limit"`
}

// Parse decodes one request line. Non-JSON input and envelopes without a
// string type degrade to wake; unknown types and invalid payloads return an
// error whose text is the IPC response error.
func Parse(line []byte) (*Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return &Message{Type: TypeWake}, nil
	}
	typ, ok := raw.Type.(string)
	if !ok || typ == "" {
		return &Message{Type: TypeWake}, nil
	}

	switch typ {
	case TypeWake, TypeListActiveAgents:
		return &Message{Type: typ}, nil

	case TypeStartTasks:
		count, err := normalizeCount(raw.Count)
		if err != nil {
			return nil, fmt.Errorf("start_tasks: %v", err)
		}
		return &Message{Type: typ, Count: count}, nil

	case TypeTasksRequest:
		if raw.Action == "" {
			return nil, fmt.Errorf("tasks_request: action is required")
		}
		return &Message{
			Type:          typ,
			Action:        raw.Action,
			Params:        raw.Params,
			DefaultTaskID: raw.DefaultTaskID,
		}, nil

	case TypeAdvanceLifecycle:
		return parseAdvanceLifecycle(&raw)

	case TypeBroadcast:
		text := strings.TrimSpace(raw.Message)
		if text == "" {
			return nil, fmt.Errorf("broadcast: message is required")
		}
		return &Message{Type: typ, Text: text}, nil

	case TypeInterruptAgent:
		if raw.TaskID == "" {
			return nil, fmt.Errorf("interrupt_agent: taskId is required")
		}
		if strings.TrimSpace(raw.Message) == "" {
			return nil, fmt.Errorf("interrupt_agent: message is required")
		}
		return &Message{Type: typ, TaskID: raw.TaskID, Text: strings.TrimSpace(raw.Message)}, nil

	case TypeSteerAgent:
		if strings.TrimSpace(raw.TaskID) == "" {
			return nil, fmt.Errorf("steer_agent: taskId is required")
		}
		if strings.TrimSpace(raw.Message) == "" {
			return nil, fmt.Errorf("steer_agent: message is required")
		}
		return &Message{Type: typ, TaskID: strings.TrimSpace(raw.TaskID), Text: strings.TrimSpace(raw.Message)}, nil

	case TypeReplaceAgent:
		if raw.Role == "" || raw.TaskID == "" {
			return nil, fmt.Errorf("replace_agent: role and taskId are required")
		}
		return &Message{Type: typ, Role: raw.Role, TaskID: raw.TaskID, Context: raw.Context}, nil

	case TypeStopAgentsForTask:
		if raw.TaskID == "" {
			return nil, fmt.Errorf("stop_agents_for_task: taskId is required")
		}
		return &Message{
			Type:              typ,
			TaskID:            raw.TaskID,
			IncludeVerifier:   raw.IncludeVerif,
			WaitForCompletion: raw.WaitForCompl,
		}, nil

	case TypeComplain, TypeRevokeComplaint:
		files := trimAll(raw.Files)
		complainant := strings.TrimSpace(raw.Complainant)
		if complainant == "" {
			return nil, fmt.Errorf("%s: complainant is required", typ)
		}
		if typ == TypeComplain && len(files) == 0 {
			return nil, fmt.Errorf("complain: files is required")
		}
		return &Message{
			Type:        typ,
			Files:       files,
			Reason:      strings.TrimSpace(raw.Reason),
			Complainant: complainant,
		}, nil

	case TypeWaitForAgent:
		if raw.AgentID == "" {
			return nil, fmt.Errorf("wait_for_agent: agentId is required")
		}
		return &Message{Type: typ, AgentID: raw.AgentID, TimeoutMs: normalizeTimeout(raw.TimeoutMs)}, nil

	case TypeListTaskAgents:
		if strings.TrimSpace(raw.TaskID) == "" {
			return nil, fmt.Errorf("list_task_agents: taskId is required")
		}
		return &Message{Type: typ, TaskID: strings.TrimSpace(raw.TaskID)}, nil

	case TypeReadMessageHistory:
		if raw.AgentID == "" {
			return nil, fmt.Errorf("read_message_history: agentId is required")
		}
		return &Message{Type: typ, AgentID: raw.AgentID, TaskID: raw.TaskID, Limit: raw.Limit}, nil

	default:
		return nil, fmt.Errorf("Unknown IPC message type %q. Expected one of: %s",
			typ, strings.Join(knownTypes, ", "))
	}
}

func parseAdvanceLifecycle(raw *rawMessage) (*Message, error) {
	if raw.AgentType == "" {
		return nil, fmt.Errorf("advance_lifecycle: agentType is required")
	}
	if raw.TaskID == "" {
		return nil, fmt.Errorf("advance_lifecycle: taskId is required")
	}
	switch raw.Action {
	case "close", "block":
	case "advance":
		if raw.Target == "" {
			return nil, fmt.Errorf("advance_lifecycle: target is required for action advance")
		}
		if !advanceTargets[raw.Target] {
			return nil, fmt.Errorf("advance_lifecycle: target %q is not an allowed advance target", raw.Target)
		}
	default:
		return nil, fmt.Errorf("advance_lifecycle: action must be one of close, block, advance")
	}
	return &Message{
		Type:            TypeAdvanceLifecycle,
		AgentType:       raw.AgentType,
		TaskID:          raw.TaskID,
		LifecycleAction: raw.Action,
		Target:          raw.Target,
		Text:            raw.Message,
		Reason:          raw.Reason,
		AgentID:         raw.AgentID,
	}, nil
}

// normalizeCount accepts any finite JSON number, truncates to int, and
// clamps below at 0. Absent means 0 (caller applies its default).
func normalizeCount(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("count must be a finite number")
		}
		count := int(n)
		if count < 0 {
			count = 0
		}
		return count, nil
	default:
		return 0, fmt.Errorf("count must be a number")
	}
}

// normalizeTimeout applies the wait_for_agent default and minimum clamp.
func normalizeTimeout(raw json.RawMessage) int {
	if len(raw) == 0 {
		return DefaultWaitTimeoutMs
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return DefaultWaitTimeoutMs
	}
	ms := int(n)
	if ms < MinWaitTimeoutMs {
		ms = MinWaitTimeoutMs
	}
	return ms
}

func trimAll(items []string) []string {
	var out []string
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
