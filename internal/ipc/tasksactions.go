package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/tasks"
)

// auditReasonLimit truncates close reasons in audit events.
const auditReasonLimit = 140

// terminalListStatuses are hidden from default list visibility. blocked is
// deliberately kept visible.
var terminalListStatuses = map[tasks.Status]bool{
	tasks.StatusClosed:  true,
	tasks.StatusDone:    true,
	tasks.StatusDead:    true,
	tasks.StatusFailed:  true,
	"aborted":           true,
	"stopped":           true,
}

// handleTasksRequest dispatches a tasks_request action against the store.
func (h *Handler) handleTasksRequest(ctx context.Context, msg *Message) any {
	p := params(msg.Params)

	switch msg.Action {
	case "ready":
		issues, err := h.store.Ready(ctx)
		if err != nil {
			return fail("ready: " + err.Error())
		}
		return ok(map[string]any{"tasks": projectIssues(issues)})

	case "list":
		return h.actionList(ctx, p)

	case "show":
		id := p.str("id")
		if id == "" {
			id = msg.DefaultTaskID
		}
		if id == "" {
			return fail("show: id is required")
		}
		issue, err := h.store.Show(ctx, id)
		if err != nil {
			return fail("show: " + err.Error())
		}
		return ok(map[string]any{"task": issue})

	case "create":
		return h.actionCreate(ctx, p)

	case "update":
		return h.actionUpdate(ctx, p)

	case "close":
		return h.actionClose(ctx, msg, p)

	case "comment_add":
		id := p.str("id")
		text := p.str("text")
		if id == "" || text == "" {
			return fail("comment_add: id and text are required")
		}
		if err := h.store.Comment(ctx, id, text, p.str("actor")); err != nil {
			return fail("comment_add: " + err.Error())
		}
		h.audit("comment_add", p.str("actor"), id, map[string]any{"commentLength": len(text)})
		return ok(nil)

	case "comments":
		id := p.str("id")
		if id == "" {
			return fail("comments: id is required")
		}
		comments, err := h.store.Comments(ctx, id)
		if err != nil {
			return fail("comments: " + err.Error())
		}
		return ok(map[string]any{"comments": comments})

	case "search":
		query := p.str("query")
		if query == "" {
			return fail("search: query is required")
		}
		issues, err := h.store.Search(ctx, query, tasks.SearchOpts{
			Status: tasks.Status(p.str("status")),
			Type:   tasks.IssueType(p.str("type")),
			Limit:  p.num("limit"),
		})
		if err != nil {
			return fail("search: " + err.Error())
		}
		return ok(map[string]any{"tasks": projectIssues(issues)})

	case "query":
		expr := p.str("expr")
		if expr == "" {
			return fail("query: expr is required")
		}
		raw, err := h.store.Query(ctx, expr, p.strs("args"))
		if err != nil {
			return fail("query: " + err.Error())
		}
		return ok(map[string]any{"result": json.RawMessage(raw)})

	case "dep_tree":
		id := p.str("id")
		if id == "" {
			return fail("dep_tree: id is required")
		}
		raw, err := h.store.DepTree(ctx, id, tasks.DepTreeOpts{
			Depth:   p.num("depth"),
			Reverse: p.boolean("reverse"),
		})
		if err != nil {
			return fail("dep_tree: " + err.Error())
		}
		return ok(map[string]any{"tree": json.RawMessage(raw)})

	case "activity":
		raw, err := h.store.Activity(ctx, tasks.ActivityOpts{
			Since: p.str("since"),
			Limit: p.num("limit"),
		})
		if err != nil {
			return fail("activity: " + err.Error())
		}
		return ok(map[string]any{"activity": json.RawMessage(raw)})

	case "types":
		types, err := h.store.Types(ctx)
		if err != nil {
			return fail("types: " + err.Error())
		}
		return ok(map[string]any{"types": types})

	case "delete":
		id := p.str("id")
		if id == "" {
			return fail("delete: id is required")
		}
		if err := h.store.Delete(ctx, id); err != nil {
			return fail("delete: " + err.Error())
		}
		h.audit("delete", p.str("actor"), id, nil)
		return ok(nil)

	default:
		return fail(fmt.Sprintf("tasks_request: unknown action %q", msg.Action))
	}
}

// actionList applies the default visibility rules: terminal statuses hidden
// (blocked kept), type defaulting to task, filtering before limiting, sorted
// by updated_at descending with zero timestamps last.
func (h *Handler) actionList(ctx context.Context, p params) any {
	includeClosed := p.boolean("includeClosed")
	status := p.str("status")
	issueType := p.str("type")
	limit := p.num("limit")

	// A raw flag tuple may ride along instead of discrete params.
	for _, flag := range p.strs("flags") {
		switch {
		case flag == "--all":
			includeClosed = true
		case strings.HasPrefix(flag, "--status="):
			status = strings.TrimPrefix(flag, "--status=")
		case strings.HasPrefix(flag, "--type="):
			issueType = strings.TrimPrefix(flag, "--type=")
		case strings.HasPrefix(flag, "--limit="):
			if n, err := strconv.Atoi(strings.TrimPrefix(flag, "--limit=")); err == nil {
				limit = n
			}
		}
	}

	if issueType == "" && !includeClosed {
		issueType = string(tasks.TypeTask)
	}

	var flags []string
	if includeClosed || status != "" {
		flags = append(flags, "--all")
	}
	if status != "" {
		flags = append(flags, "--status", status)
	}
	if issueType != "" {
		flags = append(flags, "--type", issueType)
	}

	issues, err := h.store.List(ctx, flags)
	if err != nil {
		return fail("list: " + err.Error())
	}

	// Filter before limiting so visible items are never starved by a batch
	// of terminal ones.
	if !includeClosed && status == "" {
		var visible []tasks.Issue
		for _, issue := range issues {
			if !terminalListStatuses[issue.Status] {
				visible = append(visible, issue)
			}
		}
		issues = visible
	}

	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].UpdatedAt.After(issues[j].UpdatedAt)
	})
	if limit > 0 && len(issues) > limit {
		issues = issues[:limit]
	}
	return ok(map[string]any{"tasks": projectIssues(issues)})
}

func (h *Handler) actionCreate(ctx context.Context, p params) any {
	title := p.str("title")
	if title == "" {
		return fail("create: title is required")
	}
	var priority *tasks.Priority
	if n, found := p.numOk("priority"); found {
		pr := tasks.Priority(n)
		priority = &pr
	}
	issue, err := h.store.Create(ctx, title, p.str("description"), priority, tasks.CreateOpts{
		Type:         tasks.IssueType(p.str("type")),
		Labels:       p.strs("labels"),
		DependsOnIDs: p.strs("dependsOn"),
		Assignee:     p.str("assignee"),
	})
	if err != nil {
		return fail("create: " + err.Error())
	}
	h.audit("create", p.str("actor"), issue.ID, map[string]any{"title": title})
	return ok(map[string]any{"task": issue})
}

func (h *Handler) actionUpdate(ctx context.Context, p params) any {
	id := p.str("id")
	if id == "" {
		return fail("update: id is required")
	}
	var patch tasks.UpdatePatch
	fields := map[string]any{}
	if v := p.str("title"); v != "" {
		patch.Title = &v
		fields["title"] = v
	}
	if v := p.str("description"); v != "" {
		patch.Description = &v
	}
	if v := p.str("status"); v != "" {
		status := tasks.Status(v)
		patch.Status = &status
		fields["status"] = v
	}
	if n, found := p.numOk("priority"); found {
		pr := tasks.Priority(n)
		patch.Priority = &pr
		fields["priority"] = n
	}
	if v := p.str("assignee"); v != "" {
		patch.Assignee = &v
	}
	if labels := p.strs("labels"); labels != nil {
		patch.Labels = labels
	}
	if err := h.store.Update(ctx, id, patch); err != nil {
		return fail("update: " + err.Error())
	}
	h.audit("update", p.str("actor"), id, fields)
	return ok(nil)
}

func (h *Handler) actionClose(ctx context.Context, msg *Message, p params) any {
	id := p.str("id")
	if id == "" {
		id = msg.DefaultTaskID
	}
	if id == "" {
		return fail("close: id is required")
	}
	reason := p.str("reason")
	if err := h.store.Close(ctx, id, reason); err != nil {
		return fail("close: " + err.Error())
	}
	// Clear any in-flight lifecycle state for the closed task and surface
	// newly unblocked work.
	h.loop.HandleTaskClosed(ctx, id)

	if len(reason) > auditReasonLimit {
		reason = reason[:auditReasonLimit]
	}
	h.audit("close", p.str("actor"), id, map[string]any{"reason": reason})
	return ok(nil)
}

// audit emits a compact mutation event into the system agent's stream.
func (h *Handler) audit(action, actor, issueID string, fields map[string]any) {
	payload := map[string]any{
		"type":    "audit",
		"action":  action,
		"actor":   actor,
		"issueId": issueID,
	}
	for k, v := range fields {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Debug(log.CatIPC, "audit event not serialized", "action", action, "error", err)
		return
	}
	h.registry.PushSystemEvent(agent.Event{
		Type:      "audit",
		Timestamp: time.Now(),
		Raw:       raw,
	})
}

// compactIssue is the 8-field projection returned by list-shaped actions.
// The labels field is kept for older readers of the wire shape.
type compactIssue struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Status          string   `json:"status"`
	Priority        *int     `json:"priority"`
	Assignee        string   `json:"assignee"`
	DependencyCount int      `json:"dependency_count"`
	IssueType       string   `json:"issue_type"`
	Labels          []string `json:"labels"`
}

func projectIssues(issues []tasks.Issue) []compactIssue {
	out := make([]compactIssue, 0, len(issues))
	for _, issue := range issues {
		var priority *int
		if issue.Priority != nil {
			n := int(*issue.Priority)
			priority = &n
		}
		out = append(out, compactIssue{
			ID:              issue.ID,
			Title:           issue.Title,
			Status:          string(issue.Status),
			Priority:        priority,
			Assignee:        issue.Assignee,
			DependencyCount: len(issue.DependsOnIDs),
			IssueType:       string(issue.Type),
			Labels:          issue.Labels,
		})
	}
	return out
}

// params is a loosely-typed parameter bag from the wire.
type params map[string]any

func (p params) str(key string) string {
	if v, ok := p[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func (p params) num(key string) int {
	n, _ := p.numOk(key)
	return n
}

func (p params) numOk(key string) (int, bool) {
	switch v := p[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

func (p params) boolean(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func (p params) strs(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
