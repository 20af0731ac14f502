package ipc

import (
	"context"
	"sort"
	"time"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/orchestrator"
	"github.com/zjrosen/foreman/internal/tasks"
)

// Handler routes parsed IPC messages to the loop, registry, and task store.
type Handler struct {
	loop     *orchestrator.Loop
	registry *agent.Registry
	store    tasks.Client
}

// NewHandler wires the IPC handler.
func NewHandler(loop *orchestrator.Loop, registry *agent.Registry, store tasks.Client) *Handler {
	return &Handler{loop: loop, registry: registry, store: store}
}

// Response helpers. A nil response serializes to the literal "ok".

func ok(fields map[string]any) map[string]any {
	resp := map[string]any{"ok": true}
	for k, v := range fields {
		resp[k] = v
	}
	return resp
}

func fail(message string) map[string]any {
	return map[string]any{"ok": false, "error": message}
}

// Handle executes one validated message and returns its response value. Any
// error from an action becomes {ok:false, error} rather than a server
// failure.
func (h *Handler) Handle(ctx context.Context, msg *Message) any {
	switch msg.Type {
	case TypeWake:
		h.loop.Wake()
		return nil

	case TypeStartTasks:
		count := msg.Count
		if count <= 0 {
			count = 1
		}
		started, err := h.loop.StartTasks(ctx, count)
		if err != nil {
			return fail("start_tasks: " + err.Error())
		}
		return ok(map[string]any{"started": started})

	case TypeTasksRequest:
		return h.handleTasksRequest(ctx, msg)

	case TypeAdvanceLifecycle:
		return h.handleAdvanceLifecycle(msg)

	case TypeBroadcast:
		delivered := h.loop.BroadcastToWorkers(ctx, msg.Text)
		return ok(map[string]any{"delivered": delivered})

	case TypeInterruptAgent:
		if err := h.loop.InterruptAgent(ctx, msg.TaskID, msg.Text); err != nil {
			return fail(err.Error())
		}
		return ok(nil)

	case TypeSteerAgent:
		if err := h.loop.SteerAgent(ctx, msg.TaskID, msg.Text); err != nil {
			return fail(err.Error())
		}
		return ok(nil)

	case TypeReplaceAgent:
		if err := h.loop.ReplaceAgent(ctx, msg.Role, msg.TaskID, msg.Context); err != nil {
			return fail(err.Error())
		}
		return ok(nil)

	case TypeStopAgentsForTask:
		stopped := h.loop.StopAgentsForTask(ctx, msg.TaskID, msg.IncludeVerifier, msg.WaitForCompletion)
		return ok(map[string]any{"stopped": stopped})

	case TypeComplain:
		if !h.loop.Complain(msg.Complainant, msg.Reason, msg.Files) {
			return fail("complain: nothing to register")
		}
		return ok(nil)

	case TypeRevokeComplaint:
		revoked := h.loop.RevokeComplaint(msg.Complainant, msg.Files)
		return ok(map[string]any{"revoked": revoked})

	case TypeWaitForAgent:
		status, done := h.loop.WaitForAgent(ctx, msg.AgentID, time.Duration(msg.TimeoutMs)*time.Millisecond)
		if !done {
			return map[string]any{"ok": false, "timeout": true}
		}
		return ok(map[string]any{"status": status})

	case TypeListActiveAgents:
		return ok(map[string]any{"agents": h.registry.ListActiveSummaries()})

	case TypeListTaskAgents:
		return h.handleListTaskAgents(ctx, msg.TaskID)

	case TypeReadMessageHistory:
		if msg.TaskID != "" {
			if err := h.registry.VerifyTaskBinding(ctx, msg.AgentID, msg.TaskID); err != nil {
				return fail(err.Error())
			}
		}
		history, err := h.registry.ReadMessageHistory(ctx, msg.AgentID, msg.Limit)
		if err != nil {
			return fail(err.Error())
		}
		return ok(map[string]any{"agent": history.Agent, "messages": history.Messages, "toolCalls": history.ToolCalls})

	default:
		// Parse guarantees a known type; this is a programmer error.
		return fail("unhandled message type " + msg.Type)
	}
}

// handleAdvanceLifecycle posts the requested signal to the per-task slot.
func (h *Handler) handleAdvanceLifecycle(msg *Message) any {
	switch msg.LifecycleAction {
	case "close":
		h.loop.Signals().PostClose(msg.TaskID, orchestrator.CloseSignal{
			Reason:  msg.Reason,
			AgentID: msg.AgentID,
		})
	case "block":
		h.loop.Signals().PostAdvance(msg.TaskID, orchestrator.AdvanceSignal{
			Action:  orchestrator.AdvanceDefer,
			Message: msg.Text,
			Reason:  msg.Reason,
			AgentID: msg.AgentID,
		})
	case "advance":
		action := orchestrator.AdvanceWorker
		if msg.Target == "scout" {
			action = orchestrator.AdvanceScout
		}
		h.loop.Signals().PostAdvance(msg.TaskID, orchestrator.AdvanceSignal{
			Action:  action,
			Message: msg.Text,
			Reason:  msg.Reason,
			AgentID: msg.AgentID,
		})
	}
	log.Info(log.CatIPC, "lifecycle signal posted",
		"task", msg.TaskID, "action", msg.LifecycleAction, "target", msg.Target, "agent", msg.AgentID)
	return ok(nil)
}

// taskAgent is one row in a list_task_agents response.
type taskAgent struct {
	ID           string    `json:"id"`
	TasksAgentID string    `json:"tasksAgentId,omitempty"`
	Role         string    `json:"role,omitempty"`
	Status       string    `json:"status"`
	Live         bool      `json:"live"`
	LastActivity time.Time `json:"lastActivity"`
}

// handleListTaskAgents merges live registry agents with persisted agent
// records bound to the task, deduplicated by both id spaces and sorted by
// last activity, newest first.
func (h *Handler) handleListTaskAgents(ctx context.Context, taskID string) any {
	var merged []taskAgent
	seenLocal := make(map[string]bool)
	seenStore := make(map[string]bool)

	for _, rec := range h.registry.GetByTask(taskID) {
		summary := h.registry.Summarize(rec.ID)
		if summary == nil {
			continue
		}
		merged = append(merged, taskAgent{
			ID:           summary.ID,
			TasksAgentID: summary.TasksAgentID,
			Role:         string(summary.Role),
			Status:       string(summary.Status),
			Live:         !summary.Status.IsTerminal(),
			LastActivity: summary.LastActivity,
		})
		seenLocal[summary.ID] = true
		if summary.TasksAgentID != "" {
			seenStore[summary.TasksAgentID] = true
		}
	}

	persisted, err := h.store.List(ctx, []string{"--type", string(tasks.TypeAgent), "--all"})
	if err != nil {
		log.Warn(log.CatIPC, "persisted agent listing failed", "task", taskID, "error", err)
	}
	for _, issue := range persisted {
		if issue.HookTask != taskID || seenLocal[issue.ID] || seenStore[issue.ID] {
			continue
		}
		merged = append(merged, taskAgent{
			ID:           issue.ID,
			Status:       string(issue.Status),
			LastActivity: issue.UpdatedAt,
		})
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].LastActivity.After(merged[j].LastActivity)
	})
	return ok(map[string]any{"agents": merged})
}
