// Package coordinator is the leader core: it owns the running teammates,
// the pending plan approvals, the activity tracker, and the quality-gate
// remediation loop, and exposes the teams tool.
//
// All coordinator-owned maps are guarded by one mutex. Per-worker event
// streams run in parallel; every durable mutation goes through the file
// locks of the task store, the team config, and the mailboxes, which
// serialize cross-worker interference. The mutex is never held across a
// filesystem lock acquisition or an RPC round-trip.
package coordinator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/baiirun/piteams/internal/claim"
	"github.com/baiirun/piteams/internal/config"
	"github.com/baiirun/piteams/internal/hooks"
	"github.com/baiirun/piteams/internal/mailbox"
	"github.com/baiirun/piteams/internal/protocol"
	"github.com/baiirun/piteams/internal/rpc"
	"github.com/baiirun/piteams/internal/tasks"
	"github.com/baiirun/piteams/internal/teamcfg"
)

const (
	inboxPollInterval = 500 * time.Millisecond
	sweepInterval     = 30 * time.Second

	// pruneCutoff is how stale a worker's lastSeenAt must be before
	// member_prune marks it offline without all=true.
	pruneCutoff = time.Hour

	// recentHandledKeys bounds the duplicate-delivery memory.
	recentHandledKeys = 512

	// remediationNudge is appended to follow-up assignments so the worker
	// acts on the quality-gate failure instead of surfacing it.
	remediationNudge = "Please remediate automatically and continue without waiting for user intervention."
)

// Coordinator is the leader-side kernel for one team.
type Coordinator struct {
	cfg       config.Config
	teamDir   string
	sessionID string
	store     *tasks.Store
	log       *slog.Logger

	mu           sync.Mutex
	teammates    map[string]*rpc.Teammate
	pendingPlans map[string]*protocol.PlanApprovalRequest // keyed by worker name
	detached     bool

	// handledMsgs remembers recently dispatched envelope keys so retried
	// at-least-once deliveries are not dispatched twice; handledOrder
	// bounds it FIFO.
	handledMsgs  map[string]bool
	handledOrder []string

	activity *Tracker
	names    *protocol.NameGenerator

	// Seams, overridden in tests.
	starter  rpc.Starter
	runGit   func(ctx context.Context, dir string, args ...string) error
	pidAlive func(int) bool
	now      func() time.Time
	hookRun  func(ctx context.Context, summary hooks.TaskSummary) ([]hooks.Result, bool)

	// notify surfaces human-readable events to the UI layer.
	notify func(text string)

	heartbeat *claim.Runner
}

// New builds a coordinator for the configured team. sessionID identifies
// this leader process in the attach claim.
func New(cfg config.Config, sessionID string) *Coordinator {
	teamDir := cfg.TeamDir(cfg.TeamID)
	c := &Coordinator{
		cfg:          cfg,
		teamDir:      teamDir,
		sessionID:    sessionID,
		store:        tasks.NewStore(teamDir, cfg.TaskListID),
		log:          cfg.Logger,
		teammates:    make(map[string]*rpc.Teammate),
		pendingPlans: make(map[string]*protocol.PlanApprovalRequest),
		handledMsgs:  make(map[string]bool),
		activity:     NewTracker(),
		names:        protocol.NewNameGenerator(protocol.Style(cfg.Style)),
		pidAlive:     defaultPIDAlive,
		now:          time.Now,
		notify:       func(string) {},
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	runner := &hooks.Runner{
		TeamDir:  teamDir,
		Commands: cfg.HookCommands,
		Timeout:  cfg.HookTimeout,
		Log:      c.log,
	}
	c.hookRun = runner.Run
	c.runGit = execGit
	return c
}

// SetNotify installs the UI notification hook.
func (c *Coordinator) SetNotify(fn func(text string)) {
	if fn != nil {
		c.notify = fn
	}
}

// TeamDir returns the coordinator's team directory.
func (c *Coordinator) TeamDir() string { return c.teamDir }

// Store returns the coordinator's task store.
func (c *Coordinator) Store() *tasks.Store { return c.store }

// Start ensures the team exists on disk, takes the attach claim, and runs
// the inbox pump and dead-worker sweep until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	if _, err := teamcfg.Ensure(c.teamDir, teamcfg.TeamConfig{
		TeamID:     c.cfg.TeamID,
		TaskListID: c.cfg.TaskListID,
		LeadName:   c.cfg.LeadName,
		Style:      c.cfg.Style,
		Members: []teamcfg.Member{
			{Name: c.cfg.LeadName, Role: teamcfg.RoleLead, Status: teamcfg.StatusOnline},
		},
	}); err != nil {
		return fmt.Errorf("ensuring team config: %w", err)
	}

	res, err := claim.Acquire(c.teamDir, c.sessionID, claim.AcquireOptions{Force: c.cfg.AutoClaim})
	if err != nil {
		return fmt.Errorf("acquiring attach claim: %w", err)
	}
	if res.Replaced != nil {
		c.log.Info("took over attach claim", "previousHolder", res.Replaced.HolderSessionID)
	}

	c.heartbeat = &claim.Runner{
		TeamDir:   c.teamDir,
		SessionID: c.sessionID,
		Log:       c.log,
		OnLost:    c.markDetached,
	}
	go c.heartbeat.Run(ctx)

	go c.pump(ctx)
	return nil
}

// Close stops every running teammate and releases the attach claim. Called
// when the leader session ends; workers get the rpc.Stop grace period.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	tms := make([]*rpc.Teammate, 0, len(c.teammates))
	for _, tm := range c.teammates {
		tms = append(tms, tm)
	}
	c.mu.Unlock()
	for _, tm := range tms {
		tm.Stop(ctx)
	}
	if _, err := claim.Release(c.teamDir, c.sessionID, false); err != nil {
		c.log.Warn("releasing attach claim", "error", err)
	}
}

// Detached reports whether this leader lost its attach claim.
func (c *Coordinator) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

// markDetached flips the coordinator into the read-only detached state.
// Workers keep running; only this leader stops mutating the team.
func (c *Coordinator) markDetached(reason string) {
	c.mu.Lock()
	already := c.detached
	c.detached = true
	c.mu.Unlock()
	if !already {
		c.log.Warn("attach claim lost, coordinator detached", "reason", reason)
		c.notify("attach claim lost: another session may have taken over this team")
	}
}

// pump polls the lead's mailboxes for envelopes and sweeps dead workers.
func (c *Coordinator) pump(ctx context.Context) {
	inboxTicker := time.NewTicker(inboxPollInterval)
	defer inboxTicker.Stop()
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-inboxTicker.C:
			c.ProcessInbox(ctx)
		case <-sweepTicker.C:
			c.sweepDead()
		}
	}
}

// ProcessInbox drains unread envelopes addressed to the lead, in both the
// team namespace and the task-list namespace. Plain prose stays unread for
// the human to see. Delivery is at-least-once: a writer that crashes after
// appending may retry, so a message whose (from, timestamp, text) was
// already handled is marked read without being dispatched again.
func (c *Coordinator) ProcessInbox(ctx context.Context) {
	if c.Detached() {
		return
	}
	for _, ns := range []string{mailbox.NamespaceTeam, c.cfg.TaskListID} {
		msgs := mailbox.ReadInbox(c.teamDir, ns, c.cfg.LeadName, mailbox.ReadOptions{UnreadOnly: true})
		handled := make(map[string]bool)
		for _, msg := range msgs {
			env := msg.Envelope()
			if env == nil {
				continue
			}
			handled[msg.Timestamp+"\x00"+msg.Text] = true
			if c.markHandled(dedupKey(msg.From, msg.Timestamp, msg.Text)) {
				c.log.Debug("dropping duplicate envelope",
					"from", msg.From, "timestamp", msg.Timestamp, "kind", env.EnvelopeKind())
				continue
			}
			c.handleEnvelope(ctx, msg.From, env)
		}
		if len(handled) > 0 {
			_, err := mailbox.MarkRead(c.teamDir, ns, c.cfg.LeadName, func(m mailbox.Message) bool {
				return handled[m.Timestamp+"\x00"+m.Text]
			})
			if err != nil {
				c.log.Warn("marking inbox read", "namespace", ns, "error", err)
			}
		}
	}
}

// dedupKey identifies one delivered message: sender, timestamp, and a hash
// of the text.
func dedupKey(from, timestamp, text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return from + "\x00" + timestamp + "\x00" + strconv.FormatUint(h.Sum64(), 16)
}

// markHandled records a message key and reports whether it had already been
// handled. Keys are remembered across polls, bounded FIFO.
func (c *Coordinator) markHandled(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handledMsgs[key] {
		return true
	}
	c.handledMsgs[key] = true
	c.handledOrder = append(c.handledOrder, key)
	if len(c.handledOrder) > recentHandledKeys {
		delete(c.handledMsgs, c.handledOrder[0])
		c.handledOrder = c.handledOrder[1:]
	}
	return false
}

// handleEnvelope dispatches one inbound envelope. Envelopes from a single
// worker are handled serially (the pump is single-threaded); remediation
// for distinct workers may interleave at the task-store lock.
func (c *Coordinator) handleEnvelope(ctx context.Context, from string, env protocol.Envelope) {
	switch e := env.(type) {
	case *protocol.IdleNotification:
		c.handleIdle(ctx, e)
	case *protocol.PlanApprovalRequest:
		c.mu.Lock()
		c.pendingPlans[e.From] = e
		c.mu.Unlock()
		c.notify(fmt.Sprintf("%s requests plan approval: %s", e.From, firstLine(e.Plan)))
	case *protocol.ShutdownReply:
		if e.Type == protocol.KindShutdownApproved {
			c.log.Info("shutdown approved", "from", from, "requestId", e.RequestID)
		} else {
			c.notify(fmt.Sprintf("%s rejected shutdown: %s", from, e.Reason))
		}
	case *protocol.PeerDMSent:
		c.log.Debug("peer dm", "from", e.From, "to", e.To, "summary", e.Summary)
	default:
		c.log.Debug("unhandled envelope", "kind", env.EnvelopeKind(), "from", from)
	}
}

// handleIdle runs the quality gate for a completed task and applies the
// configured remediation.
func (c *Coordinator) handleIdle(ctx context.Context, idle *protocol.IdleNotification) {
	if idle.CompletedStatus != "completed" || idle.CompletedTaskID == "" {
		return
	}
	if !c.cfg.HooksEnabled || len(c.cfg.HookCommands) == 0 {
		return
	}

	task, err := c.store.GetTask(idle.CompletedTaskID)
	if err != nil {
		c.log.Warn("idle notification for unknown task", "taskId", idle.CompletedTaskID, "error", err)
		return
	}

	results, ok := c.hookRun(ctx, hooks.TaskSummary{
		TaskID:     task.ID,
		Subject:    task.Subject,
		Status:     string(task.Status),
		Owner:      task.Owner,
		TeamID:     c.cfg.TeamID,
		TaskListID: c.cfg.TaskListID,
		Worker:     idle.From,
	})
	if ok {
		return
	}

	diagnostic := ""
	for _, r := range results {
		if !r.OK {
			diagnostic = r.Stderr
			break
		}
	}
	c.remediate(task, idle.From, diagnostic)
}

// remediate applies the team's failure action to a task that failed its
// quality gate.
func (c *Coordinator) remediate(task tasks.Task, worker, diagnostic string) {
	policy := c.resolvePolicy()

	switch policy.FailureAction {
	case teamcfg.FailureWarn:
		c.warnQualityGate(task.ID, diagnostic)
	case teamcfg.FailureFollowup:
		c.createFollowup(task, worker, policy.FollowupOwner)
	case teamcfg.FailureReopen:
		if !c.reopen(task, policy.MaxReopensPerTask) {
			c.warnQualityGate(task.ID, diagnostic)
		}
	case teamcfg.FailureReopenFollowup:
		if !c.reopen(task, policy.MaxReopensPerTask) {
			c.warnQualityGate(task.ID, diagnostic)
		}
		c.createFollowup(task, worker, policy.FollowupOwner)
	}
}

func (c *Coordinator) resolvePolicy() teamcfg.ResolvedHooksPolicy {
	defaults := c.cfg.HookDefaults()
	tc, ok, err := teamcfg.Load(c.teamDir)
	if err != nil || !ok {
		return defaults
	}
	return tc.Hooks.Resolve(defaults)
}

// warnQualityGate marks the task failed without changing its status.
func (c *Coordinator) warnQualityGate(taskID, diagnostic string) {
	_, err := c.store.UpdateTask(taskID, func(t tasks.Task) (tasks.Task, error) {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata[tasks.MetaQualityGate] = "failed"
		return t, nil
	})
	if err != nil {
		c.log.Warn("marking quality gate failed", "taskId", taskID, "error", err)
		return
	}
	msg := fmt.Sprintf("quality gate failed for task #%s", taskID)
	if diagnostic != "" {
		msg += ": " + firstLine(diagnostic)
	}
	c.notify(msg)
}

// reopen moves a completed task back to pending if its reopen budget
// allows. Returns false when the budget is exhausted.
func (c *Coordinator) reopen(task tasks.Task, maxReopens int) bool {
	if task.ReopenCount() >= maxReopens {
		c.log.Info("reopen budget exhausted", "taskId", task.ID, "count", task.ReopenCount())
		return false
	}
	now := c.timestamp()
	_, err := c.store.UpdateTask(task.ID, func(t tasks.Task) (tasks.Task, error) {
		t.Status = tasks.StatusPending
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata[tasks.MetaReopenedAt] = now
		t.Metadata[tasks.MetaReopenCount] = t.ReopenCount() + 1
		t.Metadata[tasks.MetaQualityGate] = "failed"
		return t, nil
	})
	if err != nil {
		c.log.Warn("reopening task", "taskId", task.ID, "error", err)
		return false
	}
	c.notify(fmt.Sprintf("task #%s reopened by quality gate", task.ID))
	return true
}

// createFollowup files a remediation task blocked on the original and
// assigns it per the followup-owner policy.
func (c *Coordinator) createFollowup(task tasks.Task, worker string, owner teamcfg.FollowupOwner) {
	subject := fmt.Sprintf("Quality gate failed: %s (task #%s)", truncate(task.Subject, 80), task.ID)

	assignee := ""
	switch owner {
	case teamcfg.FollowupMember:
		assignee = task.Owner
		if assignee == "" {
			assignee = worker
		}
	case teamcfg.FollowupLead:
		assignee = c.cfg.LeadName
	case teamcfg.FollowupNone:
	}

	followup, err := c.store.CreateTask(tasks.CreateSpec{
		Subject:     subject,
		Description: fmt.Sprintf("The quality gate rejected task #%s (%s). Investigate the failure and fix it.", task.ID, task.Subject),
		Owner:       assignee,
	})
	if err != nil {
		c.log.Warn("creating follow-up task", "taskId", task.ID, "error", err)
		return
	}
	if err := c.store.AddDependency(followup.ID, task.ID); err != nil {
		c.log.Warn("blocking follow-up on original", "taskId", followup.ID, "error", err)
	}

	if assignee != "" && assignee != c.cfg.LeadName {
		c.sendEnvelope(assignee, &protocol.TaskAssignment{
			TaskID:     followup.ID,
			Subject:    followup.Subject,
			AssignedBy: c.cfg.LeadName,
		})
		c.sendText(assignee, fmt.Sprintf(
			"Task #%s failed its quality gate. A follow-up task #%s is assigned to you. %s",
			task.ID, followup.ID, remediationNudge))
	}
	c.notify(fmt.Sprintf("follow-up task #%s filed for quality-gate failure of #%s", followup.ID, task.ID))
}

// sendEnvelope drops a protocol envelope into a worker's task-list mailbox.
func (c *Coordinator) sendEnvelope(recipient string, env protocol.Envelope) {
	text := protocol.Encode(env)
	if text == "" {
		return
	}
	c.writeMailbox(recipient, text)
}

// sendText drops plain prose into a worker's task-list mailbox.
func (c *Coordinator) sendText(recipient, text string) {
	c.writeMailbox(recipient, text)
}

func (c *Coordinator) writeMailbox(recipient, text string) {
	err := mailbox.Write(c.teamDir, c.cfg.TaskListID, recipient, mailbox.Message{
		From:      c.cfg.LeadName,
		Text:      text,
		Timestamp: c.timestamp(),
	})
	if err != nil {
		c.log.Warn("writing mailbox", "recipient", recipient, "error", err)
	}
}

// Teammate returns the live RPC handle for a worker, if any.
func (c *Coordinator) Teammate(name string) (*rpc.Teammate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm, ok := c.teammates[name]
	return tm, ok
}

// LiveTeammates snapshots the running teammate names and states.
func (c *Coordinator) LiveTeammates() []WidgetWorker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WidgetWorker, 0, len(c.teammates))
	for name, tm := range c.teammates {
		out = append(out, WidgetWorker{Name: name, State: tm.State()})
	}
	return out
}

// Widget projects the current team state onto display lines.
func (c *Coordinator) Widget(delegateMode bool) []string {
	taskList, err := c.store.ListTasks()
	if err != nil {
		taskList = nil
	}
	tc, _, _ := teamcfg.Load(c.teamDir)
	return WidgetLines(c.LiveTeammates(), taskList, tc, delegateMode)
}

// sweepDead removes teammates whose process is gone but whose close
// callback never fired, unassigning their tasks. Safety net for hung
// Wait() calls on session leaders.
func (c *Coordinator) sweepDead() {
	c.mu.Lock()
	var dead []string
	for name, tm := range c.teammates {
		state := tm.State()
		if state == rpc.StateStopped || state == rpc.StateError {
			dead = append(dead, name)
			continue
		}
		if pid := tm.PID(); pid > 0 && !c.pidAlive(pid) {
			dead = append(dead, name)
		}
	}
	for _, name := range dead {
		delete(c.teammates, name)
	}
	c.mu.Unlock()

	for _, name := range dead {
		c.log.Warn("sweep: removing dead worker", "name", name)
		c.removeWorker(name, "worker process died")
	}
}

// removeWorker clears all leader-side state for a gone worker.
func (c *Coordinator) removeWorker(name, reason string) {
	c.mu.Lock()
	delete(c.teammates, name)
	delete(c.pendingPlans, name)
	c.mu.Unlock()
	c.activity.Reset(name)
	c.names.Release(name)

	if _, err := c.store.UnassignForAgent(name, c.cfg.LeadName, reason); err != nil {
		c.log.Warn("unassigning tasks", "name", name, "error", err)
	}
	if err := teamcfg.SetMemberStatus(c.teamDir, name, teamcfg.StatusOffline, nil); err != nil {
		c.log.Warn("marking member offline", "name", name, "error", err)
	}
}

func (c *Coordinator) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func defaultPIDAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}

func execGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
