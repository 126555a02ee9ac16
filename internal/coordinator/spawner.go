package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/baiirun/piteams/internal/protocol"
	"github.com/baiirun/piteams/internal/rpc"
	"github.com/baiirun/piteams/internal/spawnpolicy"
	"github.com/baiirun/piteams/internal/teamcfg"
)

// Context-initialization modes for a spawned worker.
const (
	ModeFresh  = "fresh"  // clean session
	ModeBranch = "branch" // session branched from the leader's context
)

// Workspace modes.
const (
	WorkspaceShared   = "shared"
	WorkspaceWorktree = "worktree"
)

// SpawnOptions describes one worker to launch.
type SpawnOptions struct {
	Name          string `json:"name,omitempty"`
	Mode          string `json:"mode,omitempty"`          // fresh | branch; empty means fresh
	WorkspaceMode string `json:"workspaceMode,omitempty"` // shared | worktree; empty means shared
	PlanRequired  bool   `json:"planRequired,omitempty"`
	Model         string `json:"model,omitempty"` // model policy override, "provider/model" or bare id
	Thinking      string `json:"thinking,omitempty"`
	Cwd           string `json:"cwd,omitempty"` // leader's working directory for shared mode
}

// SpawnResult reports a launch outcome. On failure OK is false and Error
// carries the reason; this is data, not a transport error.
type SpawnResult struct {
	OK            bool     `json:"ok"`
	Name          string   `json:"name,omitempty"`
	Mode          string   `json:"mode,omitempty"`
	WorkspaceMode string   `json:"workspaceMode,omitempty"`
	Note          string   `json:"note,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// SpawnTeammate validates, resolves the model policy, prepares the
// workspace, launches the worker RPC, and registers it with the team.
func (c *Coordinator) SpawnTeammate(ctx context.Context, opts SpawnOptions) SpawnResult {
	name := protocol.SanitizeName(opts.Name)
	if name == c.cfg.LeadName {
		return SpawnResult{Error: fmt.Sprintf("name %q is the lead's name", name)}
	}
	if name == "" {
		name = c.names.Generate()
	} else {
		c.names.Reserve(name)
	}

	c.mu.Lock()
	_, running := c.teammates[name]
	c.mu.Unlock()
	if running {
		return SpawnResult{Error: fmt.Sprintf("worker %q is already running", name)}
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeFresh
	}
	if mode != ModeFresh && mode != ModeBranch {
		c.names.Release(name)
		return SpawnResult{Error: fmt.Sprintf("invalid mode %q (want fresh or branch)", opts.Mode)}
	}
	workspaceMode := opts.WorkspaceMode
	if workspaceMode == "" {
		workspaceMode = WorkspaceShared
	}
	if workspaceMode != WorkspaceShared && workspaceMode != WorkspaceWorktree {
		c.names.Release(name)
		return SpawnResult{Error: fmt.Sprintf("invalid workspace mode %q (want shared or worktree)", opts.WorkspaceMode)}
	}

	resolved, err := spawnpolicy.Resolve(spawnpolicy.Input{
		ModelOverride:  opts.Model,
		LeaderProvider: leaderProvider(),
		LeaderModelID:  leaderModelID(),
	})
	if err != nil {
		c.names.Release(name)
		return SpawnResult{Error: err.Error()}
	}

	result := SpawnResult{
		Name:          name,
		Mode:          mode,
		WorkspaceMode: workspaceMode,
		Warnings:      resolved.Warnings,
	}

	cwd := opts.Cwd
	if workspaceMode == WorkspaceWorktree {
		worktree, err := c.prepareWorktree(ctx, name, opts.Cwd)
		if err != nil {
			// Fall back to the shared directory rather than failing the spawn.
			result.WorkspaceMode = WorkspaceShared
			result.Note = fmt.Sprintf("worktree setup failed, sharing leader cwd: %v", err)
			c.log.Warn("worktree fallback", "name", name, "error", err)
		} else {
			cwd = worktree
		}
	}

	env := []string{
		"PI_TEAMS_WORKER=1",
		"PI_TEAMS_ROOT_DIR=" + c.cfg.RootDir,
		"PI_TEAMS_TEAM_ID=" + c.cfg.TeamID,
		"PI_TEAMS_TASK_LIST_ID=" + c.cfg.TaskListID,
		"PI_TEAMS_AGENT_NAME=" + name,
		"PI_TEAMS_LEAD_NAME=" + c.cfg.LeadName,
	}
	args := spawnArgs(c.cfg.SpawnCmd, mode, opts.PlanRequired, resolved, opts.Thinking)

	tm := rpc.New(name, c.log)
	startOpts := rpc.StartOptions{Cwd: cwd, Env: env, Args: args[1:]}
	if err := tm.Start(ctx, args[0], startOpts, c.starter); err != nil {
		c.names.Release(name)
		return SpawnResult{Error: fmt.Sprintf("launching worker %q: %v", name, err)}
	}

	c.mu.Lock()
	c.teammates[name] = tm
	c.mu.Unlock()

	tm.OnEvent(func(ev rpc.Event) { c.activity.Observe(name, ev) })
	tm.OnClose(func() { c.removeWorker(name, "worker process exited") })

	meta := map[string]string{
		teamcfg.MetaSpawnedAt:     c.timestamp(),
		teamcfg.MetaMode:          mode,
		teamcfg.MetaWorkspaceMode: result.WorkspaceMode,
		teamcfg.MetaPID:           strconv.Itoa(tm.PID()),
	}
	if resolved.ModelID != "" {
		meta[teamcfg.MetaModel] = resolved.ModelID
	}
	if opts.Thinking != "" {
		meta[teamcfg.MetaThinkingLevel] = opts.Thinking
	}
	if err := teamcfg.UpsertMember(c.teamDir, teamcfg.Member{
		Name:   name,
		Role:   teamcfg.RoleWorker,
		Status: teamcfg.StatusOnline,
		Meta:   meta,
	}); err != nil {
		c.log.Warn("registering member", "name", name, "error", err)
	}

	c.log.Info("worker spawned",
		"name", name,
		"mode", mode,
		"workspaceMode", result.WorkspaceMode,
		"modelSource", resolved.Source,
		"pid", tm.PID())

	result.OK = true
	return result
}

// prepareWorktree creates an isolated working directory for a worker via
// git worktree, rooted under the team directory.
func (c *Coordinator) prepareWorktree(ctx context.Context, name, repoDir string) (string, error) {
	if repoDir == "" {
		var err error
		repoDir, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	dir := filepath.Join(c.teamDir, "worktrees", name)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	if err := c.runGit(ctx, repoDir, "worktree", "add", "--detach", dir); err != nil {
		return "", err
	}
	return dir, nil
}

// spawnArgs splits the configured spawn command and appends per-worker
// flags.
func spawnArgs(spawnCmd, mode string, planRequired bool, model spawnpolicy.Resolution, thinking string) []string {
	args := strings.Fields(spawnCmd)
	if len(args) == 0 {
		args = []string{"pi", "--worker"}
	}
	if mode == ModeBranch {
		args = append(args, "--branch-context")
	}
	if planRequired {
		args = append(args, "--plan-required")
	}
	if model.Source != spawnpolicy.SourceDefault && model.ModelID != "" {
		spec := model.ModelID
		if model.Provider != "" {
			spec = model.Provider + "/" + model.ModelID
		}
		args = append(args, "--model", spec)
	}
	if thinking != "" {
		args = append(args, "--thinking", thinking)
	}
	return args
}

// leaderProvider and leaderModelID report the leader's own model, when the
// runtime exposes it. They come from the single-agent runtime's environment
// rather than team state.
func leaderProvider() string { return os.Getenv("PI_PROVIDER") }
func leaderModelID() string  { return os.Getenv("PI_MODEL_ID") }
