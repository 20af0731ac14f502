package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/foreman/internal/tasks"
)

// Compile-time check.
var _ tasks.Client = (*FakeStore)(nil)

// FakeStore is an in-memory tasks.Client for tests. All fields guarded by mu;
// error-injection maps let tests force specific failures per issue id.
type FakeStore struct {
	mu sync.Mutex

	issues   map[string]*tasks.Issue
	agentSeq int
	taskSeq  int

	// AgentStates holds the last state written per persisted agent id.
	AgentStates map[string]string
	// Slots holds slot values per agent id.
	Slots map[string]map[string]string

	agentMessages map[string][]json.RawMessage
	agentEvents   map[string][]json.RawMessage
	agentUsage    map[string]tasks.UsageSnapshot

	// ClaimErr forces Claim(id) to fail with the given error.
	ClaimErr map[string]error
	// ShowErr forces Show(id) to fail with the given error.
	ShowErr map[string]error

	// CommentLog records every Comment call as "id|actor|text" in order.
	CommentLog []string
}

// NewFakeStore creates an empty fake store.
func NewFakeStore(issues ...tasks.Issue) *FakeStore {
	s := &FakeStore{
		issues:        make(map[string]*tasks.Issue),
		AgentStates:   make(map[string]string),
		Slots:         make(map[string]map[string]string),
		agentMessages: make(map[string][]json.RawMessage),
		agentEvents:   make(map[string][]json.RawMessage),
		agentUsage:    make(map[string]tasks.UsageSnapshot),
		ClaimErr:      make(map[string]error),
		ShowErr:       make(map[string]error),
	}
	for _, issue := range issues {
		s.Put(issue)
	}
	return s
}

// Put inserts or replaces an issue.
func (s *FakeStore) Put(issue tasks.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := issue
	s.issues[issue.ID] = &copied
}

// Get returns a copy of the stored issue, or nil.
func (s *FakeStore) Get(id string) *tasks.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return nil
	}
	copied := *issue
	return &copied
}

// SetAgentMessages seeds the persisted transcript for an agent id.
func (s *FakeStore) SetAgentMessages(agentID string, messages []json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentMessages[agentID] = messages
}

func (s *FakeStore) Ready(ctx context.Context) ([]tasks.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tasks.Issue
	for _, issue := range s.issues {
		if issue.Type == tasks.TypeAgent {
			continue
		}
		ready := issue.Status == tasks.StatusOpen ||
			(issue.Status == tasks.StatusInProgress && issue.Assignee == "")
		if !ready {
			continue
		}
		if !s.depsClosedLocked(issue) {
			continue
		}
		out = append(out, *issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) depsClosedLocked(issue *tasks.Issue) bool {
	for _, dep := range issue.DependsOnIDs {
		d, ok := s.issues[dep]
		if ok && d.Status != tasks.StatusClosed {
			return false
		}
	}
	return true
}

func (s *FakeStore) List(ctx context.Context, flags []string) ([]tasks.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := false
	var status, issueType string
	for i := 0; i < len(flags); i++ {
		switch flags[i] {
		case "--all":
			all = true
		case "--status":
			if i+1 < len(flags) {
				i++
				status = flags[i]
			}
		case "--type":
			if i+1 < len(flags) {
				i++
				issueType = flags[i]
			}
		}
	}

	var out []tasks.Issue
	for _, issue := range s.issues {
		if status != "" && string(issue.Status) != status {
			continue
		}
		if status == "" && !all && issue.Status == tasks.StatusClosed {
			continue
		}
		if issueType != "" && string(issue.Type) != issueType {
			continue
		}
		out = append(out, *issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) Show(ctx context.Context, id string) (*tasks.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ShowErr[id]; err != nil {
		return nil, err
	}
	issue, ok := s.issues[id]
	if !ok {
		return nil, fmt.Errorf("show %s: %w", id, tasks.ErrNotFound)
	}
	copied := *issue
	return &copied, nil
}

func (s *FakeStore) Create(ctx context.Context, title, description string, priority *tasks.Priority, opts tasks.CreateOpts) (*tasks.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskSeq++
	issueType := opts.Type
	if issueType == "" {
		issueType = tasks.TypeTask
	}
	issue := &tasks.Issue{
		ID:           fmt.Sprintf("task-%d", s.taskSeq),
		Title:        title,
		Description:  description,
		Status:       tasks.StatusOpen,
		Priority:     priority,
		Type:         issueType,
		Labels:       opts.Labels,
		DependsOnIDs: opts.DependsOnIDs,
		Assignee:     opts.Assignee,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	s.issues[issue.ID] = issue
	copied := *issue
	return &copied, nil
}

func (s *FakeStore) Update(ctx context.Context, id string, patch tasks.UpdatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, tasks.ErrNotFound)
	}
	if patch.Title != nil {
		issue.Title = *patch.Title
	}
	if patch.Description != nil {
		issue.Description = *patch.Description
	}
	if patch.Status != nil {
		issue.Status = *patch.Status
	}
	if patch.Priority != nil {
		issue.Priority = patch.Priority
	}
	if patch.Assignee != nil {
		issue.Assignee = *patch.Assignee
	}
	if patch.Labels != nil {
		issue.Labels = patch.Labels
	}
	issue.UpdatedAt = time.Now()
	return nil
}

func (s *FakeStore) Close(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("close %s: %w", id, tasks.ErrNotFound)
	}
	issue.Status = tasks.StatusClosed
	issue.UpdatedAt = time.Now()
	if reason != "" {
		issue.Comments = append(issue.Comments, tasks.Comment{Author: "foreman", Text: reason, CreatedAt: time.Now()})
	}
	return nil
}

func (s *FakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.issues[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, tasks.ErrNotFound)
	}
	delete(s.issues, id)
	return nil
}

func (s *FakeStore) Search(ctx context.Context, query string, opts tasks.SearchOpts) ([]tasks.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tasks.Issue
	for _, issue := range s.issues {
		if !strings.Contains(strings.ToLower(issue.Title), strings.ToLower(query)) {
			continue
		}
		if opts.Status != "" && issue.Status != opts.Status {
			continue
		}
		if opts.Type != "" && issue.Type != opts.Type {
			continue
		}
		out = append(out, *issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *FakeStore) Query(ctx context.Context, expr string, args []string) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (s *FakeStore) DepTree(ctx context.Context, id string, opts tasks.DepTreeOpts) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (s *FakeStore) DepAdd(ctx context.Context, id, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("dep add %s: %w", id, tasks.ErrNotFound)
	}
	issue.DependsOnIDs = append(issue.DependsOnIDs, dependsOn)
	return nil
}

func (s *FakeStore) Types(ctx context.Context) ([]string, error) {
	return []string{string(tasks.TypeTask), string(tasks.TypeAgent)}, nil
}

func (s *FakeStore) Activity(ctx context.Context, opts tasks.ActivityOpts) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (s *FakeStore) Claim(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ClaimErr[id]; err != nil {
		return err
	}
	issue, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("claim %s: %w", id, tasks.ErrNotFound)
	}
	if issue.Assignee != "" {
		return fmt.Errorf("claim %s: %w", id, tasks.ErrAlreadyClaimed)
	}
	issue.Assignee = "foreman"
	issue.Status = tasks.StatusInProgress
	issue.UpdatedAt = time.Now()
	return nil
}

func (s *FakeStore) UpdateStatus(ctx context.Context, id string, status tasks.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("update status %s: %w", id, tasks.ErrNotFound)
	}
	issue.Status = status
	issue.UpdatedAt = time.Now()
	return nil
}

func (s *FakeStore) AddLabel(ctx context.Context, id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("add label %s: %w", id, tasks.ErrNotFound)
	}
	issue.Labels = append(issue.Labels, label)
	return nil
}

func (s *FakeStore) Comment(ctx context.Context, id, text, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("comment %s: %w", id, tasks.ErrNotFound)
	}
	issue.Comments = append(issue.Comments, tasks.Comment{Author: actor, Text: text, CreatedAt: time.Now()})
	issue.UpdatedAt = time.Now()
	s.CommentLog = append(s.CommentLog, id+"|"+actor+"|"+text)
	return nil
}

func (s *FakeStore) Comments(ctx context.Context, id string) ([]tasks.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return nil, fmt.Errorf("comments %s: %w", id, tasks.ErrNotFound)
	}
	return append([]tasks.Comment(nil), issue.Comments...), nil
}

func (s *FakeStore) CreateAgent(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentSeq++
	id := fmt.Sprintf("agent-%d", s.agentSeq)
	s.issues[id] = &tasks.Issue{
		ID:        id,
		Title:     name,
		Status:    tasks.StatusOpen,
		Type:      tasks.TypeAgent,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return id, nil
}

func (s *FakeStore) SetAgentState(ctx context.Context, id, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AgentStates[id] = state
	if issue, ok := s.issues[id]; ok {
		issue.Status = tasks.Status(state)
		issue.UpdatedAt = time.Now()
	}
	return nil
}

func (s *FakeStore) Heartbeat(ctx context.Context, id string) error { return nil }

func (s *FakeStore) SetSlot(ctx context.Context, id, slot, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Slots[id] == nil {
		s.Slots[id] = make(map[string]string)
	}
	s.Slots[id][slot] = value
	if slot == "hook" {
		if issue, ok := s.issues[id]; ok {
			issue.HookTask = value
		}
	}
	return nil
}

func (s *FakeStore) ClearSlot(ctx context.Context, id, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Slots[id], slot)
	if slot == "hook" {
		if issue, ok := s.issues[id]; ok {
			issue.HookTask = ""
		}
	}
	return nil
}

func (s *FakeStore) ReadAgentMessages(ctx context.Context, agentID string, limit int) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages, ok := s.agentMessages[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, tasks.ErrNotFound)
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]json.RawMessage(nil), messages...), nil
}

func (s *FakeStore) RecordAgentEvent(ctx context.Context, agentID string, event json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentEvents[agentID] = append(s.agentEvents[agentID], event)
	return nil
}

func (s *FakeStore) RecordAgentUsage(ctx context.Context, agentID string, usage tasks.UsageSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentUsage[agentID] = usage
	return nil
}
