package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/foreman/internal/log"
)

// Compile-time check that CLIClient implements Client.
var _ Client = (*CLIClient)(nil)

// CLIClient implements Client by executing the bd task store CLI.
type CLIClient struct {
	workDir string
}

// NewCLIClient creates a CLI-backed client rooted at workDir.
func NewCLIClient(workDir string) *CLIClient {
	return &CLIClient{workDir: workDir}
}

// run executes a bd subcommand and returns stdout. Stderr text is folded into
// the returned error and classified into the typed sentinels.
func (c *CLIClient) run(ctx context.Context, args ...string) ([]byte, error) {
	start := time.Now()
	defer func() {
		log.Debug(log.CatTasks, "bd command completed", "args", strings.Join(args, " "), "duration", time.Since(start))
	}()

	//nolint:gosec // G204: args are built from store ids and enum values, not user input
	cmd := exec.CommandContext(ctx, "bd", args...)
	if c.workDir != "" {
		cmd.Dir = c.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			err = fmt.Errorf("bd %s failed: %s", args[0], strings.TrimSpace(stderr.String()))
		} else {
			err = fmt.Errorf("bd %s failed: %w", args[0], err)
		}
		err = classifyError(err)
		log.ErrorErr(log.CatTasks, "bd command failed", err, "args", strings.Join(args, " "))
		return nil, err
	}
	return stdout.Bytes(), nil
}

// runIssues executes a bd subcommand whose output is a JSON issue array.
func (c *CLIClient) runIssues(ctx context.Context, args ...string) ([]Issue, error) {
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var issues []Issue
	if len(bytes.TrimSpace(out)) == 0 {
		return issues, nil
	}
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("failed to parse bd %s output: %w", args[0], err)
	}
	return issues, nil
}

// Ready returns the store's ready view.
func (c *CLIClient) Ready(ctx context.Context) ([]Issue, error) {
	return c.runIssues(ctx, "ready", "--json")
}

// List runs bd list with raw flags.
func (c *CLIClient) List(ctx context.Context, flags []string) ([]Issue, error) {
	args := append([]string{"list"}, flags...)
	args = append(args, "--json")
	return c.runIssues(ctx, args...)
}

// Show fetches full issue details. bd show emits a JSON array.
func (c *CLIClient) Show(ctx context.Context, id string) (*Issue, error) {
	issues, err := c.runIssues(ctx, "show", id, "--json")
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return &issues[0], nil
}

// Create creates a new issue and returns it.
func (c *CLIClient) Create(ctx context.Context, title, description string, priority *Priority, opts CreateOpts) (*Issue, error) {
	args := []string{"create", title}
	if description != "" {
		args = append(args, "--description", description)
	}
	if priority != nil {
		args = append(args, "--priority", strconv.Itoa(int(*priority)))
	}
	if opts.Type != "" {
		args = append(args, "--type", string(opts.Type))
	}
	if len(opts.Labels) > 0 {
		args = append(args, "--labels", strings.Join(opts.Labels, ","))
	}
	for _, dep := range opts.DependsOnIDs {
		args = append(args, "--depends-on", dep)
	}
	if opts.Assignee != "" {
		args = append(args, "--assignee", opts.Assignee)
	}
	args = append(args, "--json")

	issues, err := c.runIssues(ctx, args...)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, fmt.Errorf("bd create returned no issue")
	}
	return &issues[0], nil
}

// Update applies a partial patch via bd update.
func (c *CLIClient) Update(ctx context.Context, id string, patch UpdatePatch) error {
	args := []string{"update", id}
	if patch.Title != nil {
		args = append(args, "--title", *patch.Title)
	}
	if patch.Description != nil {
		args = append(args, "--description", *patch.Description)
	}
	if patch.Status != nil {
		args = append(args, "--status", string(*patch.Status))
	}
	if patch.Priority != nil {
		args = append(args, "--priority", strconv.Itoa(int(*patch.Priority)))
	}
	if patch.Assignee != nil {
		args = append(args, "--assignee", *patch.Assignee)
	}
	if patch.Labels != nil {
		args = append(args, "--set-labels", strings.Join(patch.Labels, ","))
	}
	args = append(args, "--json")
	_, err := c.run(ctx, args...)
	return err
}

// Close marks an issue as closed with a reason.
func (c *CLIClient) Close(ctx context.Context, id, reason string) error {
	args := []string{"close", id, "--json"}
	if reason != "" {
		args = []string{"close", id, "--reason", reason, "--json"}
	}
	_, err := c.run(ctx, args...)
	return err
}

// Delete removes an issue.
func (c *CLIClient) Delete(ctx context.Context, id string) error {
	_, err := c.run(ctx, "delete", id, "--force", "--json")
	return err
}

// Search runs a text search.
func (c *CLIClient) Search(ctx context.Context, query string, opts SearchOpts) ([]Issue, error) {
	args := []string{"search", query}
	if opts.Status != "" {
		args = append(args, "--status", string(opts.Status))
	}
	if opts.Type != "" {
		args = append(args, "--type", string(opts.Type))
	}
	if opts.Limit > 0 {
		args = append(args, "--limit", strconv.Itoa(opts.Limit))
	}
	args = append(args, "--json")
	return c.runIssues(ctx, args...)
}

// Query passes a raw query expression through to the store.
func (c *CLIClient) Query(ctx context.Context, expr string, args []string) (json.RawMessage, error) {
	cmdArgs := append([]string{"query", expr}, args...)
	cmdArgs = append(cmdArgs, "--json")
	return c.run(ctx, cmdArgs...)
}

// DepTree returns the dependency tree for an issue.
func (c *CLIClient) DepTree(ctx context.Context, id string, opts DepTreeOpts) (json.RawMessage, error) {
	args := []string{"dep", "tree", id}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	if opts.Reverse {
		args = append(args, "--reverse")
	}
	args = append(args, "--json")
	return c.run(ctx, args...)
}

// DepAdd records that id depends on dependsOn.
func (c *CLIClient) DepAdd(ctx context.Context, id, dependsOn string) error {
	_, err := c.run(ctx, "dep", "add", id, dependsOn, "--json")
	return err
}

// Types lists the issue types the store knows about.
func (c *CLIClient) Types(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "types", "--json")
	if err != nil {
		return nil, err
	}
	var types []string
	if err := json.Unmarshal(out, &types); err != nil {
		return nil, fmt.Errorf("failed to parse bd types output: %w", err)
	}
	return types, nil
}

// Activity returns the store activity feed.
func (c *CLIClient) Activity(ctx context.Context, opts ActivityOpts) (json.RawMessage, error) {
	args := []string{"activity"}
	if opts.Since != "" {
		args = append(args, "--since", opts.Since)
	}
	if opts.Limit > 0 {
		args = append(args, "--limit", strconv.Itoa(opts.Limit))
	}
	args = append(args, "--json")
	return c.run(ctx, args...)
}

// Claim atomically assigns the task. Claim races surface as ErrAlreadyClaimed.
func (c *CLIClient) Claim(ctx context.Context, id string) error {
	_, err := c.run(ctx, "claim", id, "--json")
	return err
}

// UpdateStatus changes an issue's status.
func (c *CLIClient) UpdateStatus(ctx context.Context, id string, status Status) error {
	_, err := c.run(ctx, "update", id, "--status", string(status), "--json")
	return err
}

// AddLabel adds a label to an issue.
func (c *CLIClient) AddLabel(ctx context.Context, id, label string) error {
	_, err := c.run(ctx, "label", "add", id, label, "--json")
	return err
}

// Comment adds a comment, optionally with an author.
func (c *CLIClient) Comment(ctx context.Context, id, text, actor string) error {
	args := []string{"comment", id}
	if actor != "" {
		args = append(args, "--author", actor)
	}
	args = append(args, "--", text)
	_, err := c.run(ctx, args...)
	return err
}

// Comments fetches an issue's comments in creation order.
func (c *CLIClient) Comments(ctx context.Context, id string) ([]Comment, error) {
	out, err := c.run(ctx, "comments", id, "--json")
	if err != nil {
		return nil, err
	}
	var comments []Comment
	if len(bytes.TrimSpace(out)) == 0 {
		return comments, nil
	}
	if err := json.Unmarshal(out, &comments); err != nil {
		return nil, fmt.Errorf("failed to parse bd comments output: %w", err)
	}
	return comments, nil
}

// CreateAgent persists a new agent record and returns its store id.
func (c *CLIClient) CreateAgent(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "agent", "create", name, "--json")
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return "", fmt.Errorf("failed to parse bd agent create output: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("bd agent create returned no id")
	}
	return created.ID, nil
}

// SetAgentState updates a persisted agent record's state.
func (c *CLIClient) SetAgentState(ctx context.Context, id, state string) error {
	_, err := c.run(ctx, "agent", "state", id, state, "--json")
	return err
}

// Heartbeat bumps a persisted agent record's liveness timestamp.
func (c *CLIClient) Heartbeat(ctx context.Context, id string) error {
	_, err := c.run(ctx, "agent", "heartbeat", id, "--json")
	return err
}

// SetSlot sets a named slot (e.g. hook) on a persisted agent record.
func (c *CLIClient) SetSlot(ctx context.Context, id, slot, value string) error {
	_, err := c.run(ctx, "slot", "set", id, slot, value, "--json")
	return err
}

// ClearSlot clears a named slot on a persisted agent record.
func (c *CLIClient) ClearSlot(ctx context.Context, id, slot string) error {
	_, err := c.run(ctx, "slot", "clear", id, slot, "--json")
	return err
}

// ReadAgentMessages returns up to limit persisted transcript messages.
func (c *CLIClient) ReadAgentMessages(ctx context.Context, agentID string, limit int) ([]json.RawMessage, error) {
	args := []string{"agent", "messages", agentID}
	if limit > 0 {
		args = append(args, "--limit", strconv.Itoa(limit))
	}
	args = append(args, "--json")
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var messages []json.RawMessage
	if len(bytes.TrimSpace(out)) == 0 {
		return messages, nil
	}
	if err := json.Unmarshal(out, &messages); err != nil {
		return nil, fmt.Errorf("failed to parse bd agent messages output: %w", err)
	}
	return messages, nil
}

// RecordAgentEvent appends a transcript event to a persisted agent record.
func (c *CLIClient) RecordAgentEvent(ctx context.Context, agentID string, event json.RawMessage) error {
	_, err := c.run(ctx, "agent", "event", agentID, string(event), "--json")
	return err
}

// RecordAgentUsage snapshots cumulative usage onto a persisted agent record.
func (c *CLIClient) RecordAgentUsage(ctx context.Context, agentID string, usage UsageSnapshot) error {
	payload, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "agent", "usage", agentID, string(payload), "--json")
	return err
}
