package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baiirun/piteams/internal/mailbox"
	"github.com/baiirun/piteams/internal/protocol"
	"github.com/baiirun/piteams/internal/tasks"
	"github.com/baiirun/piteams/internal/teamcfg"
)

// Action is one operation of the teams tool.
type Action string

const (
	ActionDelegate         Action = "delegate"
	ActionTaskAssign       Action = "task_assign"
	ActionTaskUnassign     Action = "task_unassign"
	ActionTaskSetStatus    Action = "task_set_status"
	ActionTaskDepAdd       Action = "task_dep_add"
	ActionTaskDepRm        Action = "task_dep_rm"
	ActionTaskDepLs        Action = "task_dep_ls"
	ActionMessageDM        Action = "message_dm"
	ActionMessageBroadcast Action = "message_broadcast"
	ActionMessageSteer     Action = "message_steer"
	ActionMemberSpawn      Action = "member_spawn"
	ActionMemberShutdown   Action = "member_shutdown"
	ActionMemberKill       Action = "member_kill"
	ActionMemberPrune      Action = "member_prune"
	ActionPlanApprove      Action = "plan_approve"
	ActionPlanReject       Action = "plan_reject"
	ActionHooksPolicyGet   Action = "hooks_policy_get"
	ActionHooksPolicySet   Action = "hooks_policy_set"
)

// DelegateItem is one unit of work handed to delegate.
type DelegateItem struct {
	Text     string `json:"text"`
	Assignee string `json:"assignee,omitempty"`
}

// ToolRequest carries the parameters of one tool invocation. Which fields
// matter depends on Action. The JSON shape is the `piteams tool` stdin
// contract.
type ToolRequest struct {
	Action Action `json:"action"`

	Items     []DelegateItem `json:"items,omitempty"`     // delegate
	Teammates []string       `json:"teammates,omitempty"` // delegate: preferred worker pool

	TaskID   string `json:"taskId,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Status   string `json:"status,omitempty"`
	DepID    string `json:"depId,omitempty"`

	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`

	Name  string       `json:"name,omitempty"`
	All   bool         `json:"all,omitempty"`
	Spawn SpawnOptions `json:"spawn,omitempty"` // member_spawn

	Feedback string `json:"feedback,omitempty"` // plan_reject

	Policy *teamcfg.HooksPolicy `json:"policy,omitempty"` // hooks_policy_set
	Reset  bool                 `json:"reset,omitempty"`
}

// ToolResult is the structured outcome of a tool invocation. A false OK is
// a domain outcome, not a transport failure.
type ToolResult struct {
	OK      bool           `json:"ok"`
	Content string         `json:"content,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func toolOK(content string, details map[string]any) ToolResult {
	return ToolResult{OK: true, Content: content, Details: details}
}

func toolErr(format string, args ...any) ToolResult {
	return ToolResult{Error: fmt.Sprintf(format, args...)}
}

// Invoke dispatches one teams-tool action. A detached coordinator refuses
// every mutation.
func (c *Coordinator) Invoke(ctx context.Context, req ToolRequest) ToolResult {
	if c.Detached() {
		return toolErr("coordinator is detached (attach claim lost); re-attach to continue")
	}

	switch req.Action {
	case ActionDelegate:
		return c.delegate(ctx, req)
	case ActionTaskAssign:
		return c.taskAssign(req)
	case ActionTaskUnassign:
		return c.taskUnassign(req)
	case ActionTaskSetStatus:
		return c.taskSetStatus(req)
	case ActionTaskDepAdd:
		return c.taskDep(req, true)
	case ActionTaskDepRm:
		return c.taskDep(req, false)
	case ActionTaskDepLs:
		return c.taskDepLs(req)
	case ActionMessageDM:
		return c.messageDM(req)
	case ActionMessageBroadcast:
		return c.messageBroadcast(req)
	case ActionMessageSteer:
		return c.messageSteer(ctx, req)
	case ActionMemberSpawn:
		return c.memberSpawn(ctx, req)
	case ActionMemberShutdown:
		return c.memberShutdown(req)
	case ActionMemberKill:
		return c.memberKill(ctx, req)
	case ActionMemberPrune:
		return c.memberPrune(req)
	case ActionPlanApprove:
		return c.planDecide(req, true)
	case ActionPlanReject:
		return c.planDecide(req, false)
	case ActionHooksPolicyGet:
		return c.hooksPolicyGet()
	case ActionHooksPolicySet:
		return c.hooksPolicySet(req)
	}
	return toolErr("unknown action %q", req.Action)
}

// delegate spawns enough workers for the given items, creates one task per
// item, and assigns round-robin. The ctx abort signal is honored between
// spawns and between tasks.
func (c *Coordinator) delegate(ctx context.Context, req ToolRequest) ToolResult {
	if len(req.Items) == 0 {
		return toolErr("delegate requires at least one task")
	}

	pool := c.delegatePool(ctx, req)
	if len(pool) == 0 {
		return toolErr("no workers available and none could be spawned")
	}

	var createdIDs []string
	next := 0
	for _, item := range req.Items {
		if ctx.Err() != nil {
			return toolErr("delegate aborted after %d task(s)", len(createdIDs))
		}
		assignee := protocol.SanitizeName(item.Assignee)
		if assignee == "" {
			assignee = pool[next%len(pool)]
			next++
		}
		task, err := c.store.CreateTask(tasks.CreateSpec{
			Description: item.Text,
			Owner:       assignee,
		})
		if err != nil {
			return toolErr("creating task: %v", err)
		}
		createdIDs = append(createdIDs, task.ID)
		c.sendEnvelope(assignee, &protocol.TaskAssignment{
			TaskID:      task.ID,
			Subject:     task.Subject,
			Description: task.Description,
			AssignedBy:  c.cfg.LeadName,
		})
	}

	return toolOK(
		fmt.Sprintf("delegated %d task(s) to %d worker(s)", len(createdIDs), len(pool)),
		map[string]any{"taskIds": createdIDs, "workers": pool},
	)
}

// delegatePool returns the ordered worker pool for delegation, spawning
// missing workers up to min(maxTeammates, item count).
func (c *Coordinator) delegatePool(ctx context.Context, req ToolRequest) []string {
	var pool []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && name != c.cfg.LeadName && !seen[name] {
			seen[name] = true
			pool = append(pool, name)
		}
	}

	for _, name := range req.Teammates {
		add(protocol.SanitizeName(name))
	}
	live := c.LiveTeammates()
	sort.Slice(live, func(i, j int) bool { return live[i].Name < live[j].Name })
	for _, w := range live {
		add(w.Name)
	}

	want := len(req.Items)
	if want > c.cfg.MaxTeammates {
		want = c.cfg.MaxTeammates
	}

	for _, name := range pool {
		if ctx.Err() != nil {
			return pool
		}
		if _, running := c.Teammate(name); running {
			continue
		}
		res := c.SpawnTeammate(ctx, SpawnOptions{Name: name})
		if !res.OK {
			c.log.Warn("delegate spawn failed", "name", name, "error", res.Error)
		}
	}
	for len(pool) < want {
		if ctx.Err() != nil {
			break
		}
		res := c.SpawnTeammate(ctx, SpawnOptions{})
		if !res.OK {
			c.log.Warn("delegate spawn failed", "error", res.Error)
			break
		}
		add(res.Name)
	}
	return pool
}

func (c *Coordinator) taskAssign(req ToolRequest) ToolResult {
	if req.TaskID == "" || req.Assignee == "" {
		return toolErr("task_assign requires taskId and assignee")
	}
	assignee := protocol.SanitizeName(req.Assignee)
	task, err := c.store.Assign(req.TaskID, assignee, c.cfg.LeadName)
	if err != nil {
		return toolErr("assigning task #%s: %v", req.TaskID, err)
	}
	c.sendEnvelope(assignee, &protocol.TaskAssignment{
		TaskID:      task.ID,
		Subject:     task.Subject,
		Description: task.Description,
		AssignedBy:  c.cfg.LeadName,
	})
	return toolOK(
		fmt.Sprintf("task #%s assigned to %s", task.ID, assignee),
		map[string]any{"taskId": task.ID, "owner": assignee},
	)
}

func (c *Coordinator) taskUnassign(req ToolRequest) ToolResult {
	if req.TaskID == "" {
		return toolErr("task_unassign requires taskId")
	}
	now := c.timestamp()
	task, err := c.store.UpdateTask(req.TaskID, func(t tasks.Task) (tasks.Task, error) {
		if t.Owner == "" {
			return t, nil
		}
		t.Owner = ""
		if t.Status != tasks.StatusCompleted {
			t.Status = tasks.StatusPending
		}
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata[tasks.MetaUnassignedAt] = now
		t.Metadata[tasks.MetaUnassignedBy] = c.cfg.LeadName
		return t, nil
	})
	if err != nil {
		return toolErr("unassigning task #%s: %v", req.TaskID, err)
	}
	return toolOK(
		fmt.Sprintf("task #%s unassigned", task.ID),
		map[string]any{"taskId": task.ID},
	)
}

func (c *Coordinator) taskSetStatus(req ToolRequest) ToolResult {
	if req.TaskID == "" {
		return toolErr("task_set_status requires taskId")
	}
	status := tasks.Status(req.Status)
	if !status.Valid() {
		return toolErr("invalid status %q (want pending, in_progress, or completed)", req.Status)
	}
	task, err := c.store.SetStatus(req.TaskID, status)
	if err != nil {
		return toolErr("setting status of task #%s: %v", req.TaskID, err)
	}
	return toolOK(
		fmt.Sprintf("task #%s is now %s", task.ID, task.Status),
		map[string]any{"taskId": task.ID, "status": string(task.Status)},
	)
}

func (c *Coordinator) taskDep(req ToolRequest, add bool) ToolResult {
	if req.TaskID == "" || req.DepID == "" {
		return toolErr("dependency actions require taskId and depId")
	}
	if add {
		if err := c.store.AddDependency(req.TaskID, req.DepID); err != nil {
			return toolErr("adding dependency: %v", err)
		}
		return toolOK(
			fmt.Sprintf("task #%s is now blocked by #%s", req.TaskID, req.DepID),
			map[string]any{"taskId": req.TaskID, "depId": req.DepID},
		)
	}
	if err := c.store.RemoveDependency(req.TaskID, req.DepID); err != nil {
		return toolErr("removing dependency: %v", err)
	}
	return toolOK(
		fmt.Sprintf("task #%s no longer blocked by #%s", req.TaskID, req.DepID),
		map[string]any{"taskId": req.TaskID, "depId": req.DepID},
	)
}

func (c *Coordinator) taskDepLs(req ToolRequest) ToolResult {
	if req.TaskID == "" {
		return toolErr("task_dep_ls requires taskId")
	}
	task, err := c.store.GetTask(req.TaskID)
	if err != nil {
		return toolErr("reading task #%s: %v", req.TaskID, err)
	}
	blocked, err := c.store.IsBlocked(task.ID)
	if err != nil {
		return toolErr("computing blocked state: %v", err)
	}

	label := "unblocked"
	if blocked {
		label = "blocked"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "task #%s (%s) is %s\n", task.ID, task.Subject, label)
	fmt.Fprintf(&b, "  blocked by: %s\n", idList(task.BlockedBy))
	fmt.Fprintf(&b, "  blocks:     %s", idList(task.Blocks))
	return toolOK(b.String(), map[string]any{
		"taskId":    task.ID,
		"blocked":   blocked,
		"blockedBy": task.BlockedBy,
		"blocks":    task.Blocks,
	})
}

func idList(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return "#" + strings.Join(ids, ", #")
}

func (c *Coordinator) messageDM(req ToolRequest) ToolResult {
	if req.To == "" || req.Text == "" {
		return toolErr("message_dm requires to and text")
	}
	to := protocol.SanitizeName(req.To)
	c.sendText(to, req.Text)
	return toolOK(fmt.Sprintf("message sent to %s", to), map[string]any{"to": to})
}

// messageBroadcast writes the same text to every known worker: the union of
// config members, live teammates, and current task owners, minus the lead.
// All copies share one timestamp so ordering is comparable across inboxes.
func (c *Coordinator) messageBroadcast(req ToolRequest) ToolResult {
	if req.Text == "" {
		return toolErr("message_broadcast requires text")
	}

	seen := make(map[string]bool)
	var recipients []string
	add := func(name string) {
		if name != "" && name != c.cfg.LeadName && !seen[name] {
			seen[name] = true
			recipients = append(recipients, name)
		}
	}

	if tc, ok, _ := teamcfg.Load(c.teamDir); ok {
		for _, name := range tc.Workers() {
			add(name)
		}
	}
	for _, w := range c.LiveTeammates() {
		add(w.Name)
	}
	if taskList, err := c.store.ListTasks(); err == nil {
		for _, t := range taskList {
			add(t.Owner)
		}
	}
	sort.Strings(recipients)

	ts := c.timestamp()
	for _, name := range recipients {
		err := mailbox.Write(c.teamDir, c.cfg.TaskListID, name, mailbox.Message{
			From:      c.cfg.LeadName,
			Text:      req.Text,
			Timestamp: ts,
		})
		if err != nil {
			c.log.Warn("broadcast write failed", "recipient", name, "error", err)
		}
	}
	return toolOK(
		fmt.Sprintf("broadcast sent to %d worker(s)", len(recipients)),
		map[string]any{"recipients": recipients},
	)
}

// messageSteer injects text into a running worker's current turn.
func (c *Coordinator) messageSteer(ctx context.Context, req ToolRequest) ToolResult {
	if req.To == "" || req.Text == "" {
		return toolErr("message_steer requires to and text")
	}
	name := protocol.SanitizeName(req.To)
	tm, ok := c.Teammate(name)
	if !ok {
		return toolErr("worker %q is not running; use message_dm for offline workers", name)
	}
	resp, err := tm.Steer(ctx, req.Text)
	if err != nil {
		return toolErr("steering %s: %v", name, err)
	}
	if !resp.Success {
		return toolErr("steering %s rejected: %s", name, resp.Error)
	}
	return toolOK(fmt.Sprintf("steered %s", name), map[string]any{"to": name})
}

func (c *Coordinator) memberSpawn(ctx context.Context, req ToolRequest) ToolResult {
	opts := req.Spawn
	if opts.Name == "" {
		opts.Name = req.Name
	}
	res := c.SpawnTeammate(ctx, opts)
	if !res.OK {
		return toolErr("%s", res.Error)
	}
	content := fmt.Sprintf("spawned %s (%s, %s)", res.Name, res.Mode, res.WorkspaceMode)
	if res.Note != "" {
		content += " — " + res.Note
	}
	return toolOK(content, map[string]any{
		"name":          res.Name,
		"mode":          res.Mode,
		"workspaceMode": res.WorkspaceMode,
		"warnings":      res.Warnings,
	})
}

// memberShutdown asks one worker (or all online workers) to wind down.
func (c *Coordinator) memberShutdown(req ToolRequest) ToolResult {
	var targets []string
	if req.All {
		tc, ok, err := teamcfg.Load(c.teamDir)
		if err != nil || !ok {
			return toolErr("reading team config: %v", err)
		}
		for _, m := range tc.Members {
			if m.Role == teamcfg.RoleWorker && m.Status == teamcfg.StatusOnline {
				targets = append(targets, m.Name)
			}
		}
	} else {
		if req.Name == "" {
			return toolErr("member_shutdown requires a worker name (or all)")
		}
		targets = []string{protocol.SanitizeName(req.Name)}
	}
	if len(targets) == 0 {
		return toolOK("no online workers to shut down", nil)
	}

	now := c.timestamp()
	for _, name := range targets {
		c.sendEnvelope(name, &protocol.ShutdownRequest{
			RequestID: uuid.NewString(),
			From:      c.cfg.LeadName,
			Reason:    req.Text,
		})
		err := teamcfg.SetMemberStatus(c.teamDir, name, teamcfg.StatusOnline, map[string]string{
			teamcfg.MetaShutdownRequestedAt: now,
		})
		if err != nil {
			c.log.Warn("recording shutdown request", "name", name, "error", err)
		}
	}
	return toolOK(
		fmt.Sprintf("shutdown requested for %d worker(s)", len(targets)),
		map[string]any{"workers": targets},
	)
}

// memberKill force-stops a worker and releases everything it held.
func (c *Coordinator) memberKill(ctx context.Context, req ToolRequest) ToolResult {
	if req.Name == "" {
		return toolErr("member_kill requires a worker name")
	}
	name := protocol.SanitizeName(req.Name)
	if tm, ok := c.Teammate(name); ok {
		tm.Stop(ctx)
	}
	c.removeWorker(name, "killed by lead")
	err := teamcfg.SetMemberStatus(c.teamDir, name, teamcfg.StatusOffline, map[string]string{
		teamcfg.MetaKilledAt: c.timestamp(),
	})
	if err != nil {
		c.log.Warn("recording kill", "name", name, "error", err)
	}
	return toolOK(fmt.Sprintf("killed %s", name), map[string]any{"name": name})
}

// memberPrune marks stale offline-but-listed workers offline. Running
// workers and owners of in-progress tasks are never pruned; without
// all=true, only workers unseen for over an hour are.
func (c *Coordinator) memberPrune(req ToolRequest) ToolResult {
	tc, ok, err := teamcfg.Load(c.teamDir)
	if err != nil || !ok {
		return toolErr("reading team config: %v", err)
	}

	busy := make(map[string]bool)
	if taskList, err := c.store.ListTasks(); err == nil {
		for _, t := range taskList {
			if t.Status == tasks.StatusInProgress && t.Owner != "" {
				busy[t.Owner] = true
			}
		}
	}

	cutoff := c.now().Add(-pruneCutoff)
	var pruned []string
	for _, m := range tc.Members {
		if m.Role != teamcfg.RoleWorker {
			continue
		}
		if _, running := c.Teammate(m.Name); running {
			continue
		}
		if busy[m.Name] {
			continue
		}
		if !req.All {
			// Only a lastSeenAt provably older than the cutoff qualifies.
			// A missing or unparseable stamp (e.g. a member registered but
			// never heartbeated) is not evidence of staleness.
			seen, err := time.Parse(time.RFC3339, m.LastSeenAt)
			if err != nil || seen.After(cutoff) {
				continue
			}
		}
		err := teamcfg.SetMemberStatus(c.teamDir, m.Name, teamcfg.StatusOffline, map[string]string{
			teamcfg.MetaPrunedAt: c.timestamp(),
			teamcfg.MetaPrunedBy: "teams-tool",
		})
		if err != nil {
			c.log.Warn("pruning member", "name", m.Name, "error", err)
			continue
		}
		pruned = append(pruned, m.Name)
	}
	return toolOK(
		fmt.Sprintf("pruned %d worker(s)", len(pruned)),
		map[string]any{"pruned": pruned},
	)
}

// planDecide consumes a pending plan approval for a worker and sends the
// decision.
func (c *Coordinator) planDecide(req ToolRequest, approve bool) ToolResult {
	if req.Name == "" {
		return toolErr("plan decisions require a worker name")
	}
	name := protocol.SanitizeName(req.Name)

	c.mu.Lock()
	pending, ok := c.pendingPlans[name]
	if ok {
		delete(c.pendingPlans, name)
	}
	c.mu.Unlock()
	if !ok {
		return toolErr("no pending plan approval for %q", name)
	}

	kind := protocol.KindPlanApproved
	verb := "approved"
	if !approve {
		kind = protocol.KindPlanRejected
		verb = "rejected"
	}
	c.sendEnvelope(name, &protocol.PlanDecision{
		Type:      kind,
		RequestID: pending.RequestID,
		From:      c.cfg.LeadName,
		Feedback:  req.Feedback,
	})
	return toolOK(
		fmt.Sprintf("plan %s for %s", verb, name),
		map[string]any{"name": name, "requestId": pending.RequestID},
	)
}

func (c *Coordinator) hooksPolicyGet() ToolResult {
	policy := c.resolvePolicy()
	return toolOK(
		fmt.Sprintf("failureAction=%s maxReopensPerTask=%d followupOwner=%s",
			policy.FailureAction, policy.MaxReopensPerTask, policy.FollowupOwner),
		map[string]any{
			"failureAction":     string(policy.FailureAction),
			"maxReopensPerTask": policy.MaxReopensPerTask,
			"followupOwner":     string(policy.FollowupOwner),
		},
	)
}

// hooksPolicySet applies a partial policy update, or clears the team
// override entirely when reset is set.
func (c *Coordinator) hooksPolicySet(req ToolRequest) ToolResult {
	if !req.Reset && req.Policy == nil {
		return toolErr("hooks_policy_set requires a policy or reset")
	}
	updated, err := teamcfg.UpdateHooksPolicy(c.teamDir, func(p *teamcfg.HooksPolicy) {
		if req.Reset {
			*p = teamcfg.HooksPolicy{}
			return
		}
		if req.Policy.FailureAction != "" {
			p.FailureAction = req.Policy.FailureAction
		}
		if req.Policy.MaxReopensPerTask != nil {
			p.MaxReopensPerTask = req.Policy.MaxReopensPerTask
		}
		if req.Policy.FollowupOwner != "" {
			p.FollowupOwner = req.Policy.FollowupOwner
		}
	})
	if err != nil {
		return toolErr("updating hooks policy: %v", err)
	}
	resolved := updated.Resolve(c.cfg.HookDefaults())
	return toolOK(
		fmt.Sprintf("hooks policy updated: failureAction=%s maxReopensPerTask=%d followupOwner=%s",
			resolved.FailureAction, resolved.MaxReopensPerTask, resolved.FollowupOwner),
		map[string]any{
			"failureAction":     string(resolved.FailureAction),
			"maxReopensPerTask": resolved.MaxReopensPerTask,
			"followupOwner":     string(resolved.FollowupOwner),
		},
	)
}
