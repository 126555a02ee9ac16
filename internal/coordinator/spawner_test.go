package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/baiirun/piteams/internal/teamcfg"
)

func TestSpawnTeammate_RegistersAndRecordsMeta(t *testing.T) {
	c := newTestCoordinator(t)

	res := c.SpawnTeammate(context.Background(), SpawnOptions{
		Name:     "agent one", // sanitized
		Mode:     ModeBranch,
		Thinking: "high",
	})
	if !res.OK {
		t.Fatalf("spawn: %s", res.Error)
	}
	if res.Name != "agent-one" {
		t.Errorf("name = %q", res.Name)
	}
	if res.Mode != ModeBranch || res.WorkspaceMode != WorkspaceShared {
		t.Errorf("res = %+v", res)
	}
	if _, ok := c.Teammate("agent-one"); !ok {
		t.Error("teammate not registered")
	}

	tc, _, _ := teamcfg.Load(c.teamDir)
	m := tc.FindMember("agent-one")
	if m == nil || m.Role != teamcfg.RoleWorker || m.Status != teamcfg.StatusOnline {
		t.Fatalf("member = %+v", m)
	}
	if m.Meta[teamcfg.MetaSpawnedAt] == "" || m.Meta[teamcfg.MetaMode] != ModeBranch {
		t.Errorf("meta = %v", m.Meta)
	}
	if m.Meta[teamcfg.MetaThinkingLevel] != "high" {
		t.Errorf("thinking = %q", m.Meta[teamcfg.MetaThinkingLevel])
	}
}

func TestSpawnTeammate_RefusesRunningWorker(t *testing.T) {
	c := newTestCoordinator(t)
	if res := c.SpawnTeammate(context.Background(), SpawnOptions{Name: "agent1"}); !res.OK {
		t.Fatal(res.Error)
	}
	res := c.SpawnTeammate(context.Background(), SpawnOptions{Name: "agent1"})
	if res.OK || !strings.Contains(res.Error, "already running") {
		t.Errorf("res = %+v", res)
	}
}

func TestSpawnTeammate_RefusesLeadName(t *testing.T) {
	c := newTestCoordinator(t)
	res := c.SpawnTeammate(context.Background(), SpawnOptions{Name: c.cfg.LeadName})
	if res.OK {
		t.Error("spawn with lead name accepted")
	}
}

func TestSpawnTeammate_InvalidModelOverride(t *testing.T) {
	c := newTestCoordinator(t)
	res := c.SpawnTeammate(context.Background(), SpawnOptions{Name: "agent1", Model: "openai-codex/"})
	if res.OK || !strings.Contains(res.Error, "provider/model") {
		t.Errorf("res = %+v", res)
	}
	// The name reservation is rolled back; the next spawn may reuse it.
	if res := c.SpawnTeammate(context.Background(), SpawnOptions{Name: "agent1"}); !res.OK {
		t.Errorf("respawn after policy failure: %s", res.Error)
	}
}

func TestSpawnTeammate_InvalidEnums(t *testing.T) {
	c := newTestCoordinator(t)
	if res := c.SpawnTeammate(context.Background(), SpawnOptions{Name: "a", Mode: "hot"}); res.OK {
		t.Error("invalid mode accepted")
	}
	if res := c.SpawnTeammate(context.Background(), SpawnOptions{Name: "a", WorkspaceMode: "nfs"}); res.OK {
		t.Error("invalid workspace mode accepted")
	}
}

func TestSpawnTeammate_WorktreeFallsBackToShared(t *testing.T) {
	c := newTestCoordinator(t)
	c.runGit = func(ctx context.Context, dir string, args ...string) error {
		return errors.New("not a git repository")
	}

	res := c.SpawnTeammate(context.Background(), SpawnOptions{
		Name:          "agent1",
		WorkspaceMode: WorkspaceWorktree,
		Cwd:           t.TempDir(),
	})
	if !res.OK {
		t.Fatalf("spawn: %s", res.Error)
	}
	if res.WorkspaceMode != WorkspaceShared {
		t.Errorf("workspaceMode = %q, want shared fallback", res.WorkspaceMode)
	}
	if !strings.Contains(res.Note, "worktree setup failed") {
		t.Errorf("note = %q", res.Note)
	}
}

func TestSpawnTeammate_AutoName(t *testing.T) {
	c := newTestCoordinator(t)
	res := c.SpawnTeammate(context.Background(), SpawnOptions{})
	if !res.OK {
		t.Fatalf("spawn: %s", res.Error)
	}
	if res.Name == "" {
		t.Error("no name generated")
	}
}

func TestSpawnArgs(t *testing.T) {
	c := newTestCoordinator(t)
	res := c.SpawnTeammate(context.Background(), SpawnOptions{
		Name:         "agent1",
		Mode:         ModeBranch,
		PlanRequired: true,
		Model:        "openai-codex/codex-mini",
	})
	if !res.OK {
		t.Fatalf("spawn: %s", res.Error)
	}
	tc, _, _ := teamcfg.Load(c.teamDir)
	m := tc.FindMember("agent1")
	if m.Meta[teamcfg.MetaModel] != "codex-mini" {
		t.Errorf("model meta = %q", m.Meta[teamcfg.MetaModel])
	}
}
