package coordinator

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/baiirun/piteams/internal/config"
	"github.com/baiirun/piteams/internal/rpc"
	"github.com/baiirun/piteams/internal/tasks"
	"github.com/baiirun/piteams/internal/teamcfg"
)

func taskSpec(text, owner string) tasks.CreateSpec {
	return tasks.CreateSpec{Description: text, Owner: owner}
}

// stubHandle is a worker process that never does anything and exits on the
// first signal.
type stubHandle struct {
	exited chan struct{}
	stdout *io.PipeWriter
	once   sync.Once
}

func (h *stubHandle) Stdin() io.Writer { return io.Discard }

func (h *stubHandle) Wait() error {
	<-h.exited
	return nil
}

func (h *stubHandle) Signal(os.Signal) error {
	h.exit()
	return nil
}

func (h *stubHandle) Kill() error {
	h.exit()
	return nil
}

func (h *stubHandle) PID() int { return 4242 }

func (h *stubHandle) exit() {
	h.once.Do(func() {
		h.stdout.Close()
		close(h.exited)
	})
}

func stubStarter(ctx context.Context, command string, opts rpc.StartOptions) (rpc.Handle, io.ReadCloser, error) {
	r, w := io.Pipe()
	return &stubHandle{exited: make(chan struct{}), stdout: w}, r, nil
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := config.Config{
		RootDir:        t.TempDir(),
		TeamID:         "t1",
		HookMaxReopens: -1,
	}
	cfg.ApplyDefaults()

	c := New(cfg, "session-1")
	c.starter = stubStarter
	c.pidAlive = func(int) bool { return true }

	_, err := teamcfg.Ensure(c.teamDir, teamcfg.TeamConfig{
		TeamID:     cfg.TeamID,
		TaskListID: cfg.TaskListID,
		LeadName:   cfg.LeadName,
		Members: []teamcfg.Member{
			{Name: cfg.LeadName, Role: teamcfg.RoleLead, Status: teamcfg.StatusOnline},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		for _, w := range c.LiveTeammates() {
			if tm, ok := c.Teammate(w.Name); ok {
				tm.Stop(context.Background())
			}
		}
	})
	return c
}

func TestInvoke_DetachedRefusesMutations(t *testing.T) {
	c := newTestCoordinator(t)
	c.markDetached("claim lost")

	res := c.Invoke(context.Background(), ToolRequest{
		Action: ActionTaskSetStatus,
		TaskID: "1",
		Status: "completed",
	})
	if res.OK || res.Error == "" {
		t.Errorf("detached Invoke = %+v, want refusal", res)
	}
}

func TestMarkDetached_NotifiesOnce(t *testing.T) {
	c := newTestCoordinator(t)
	var notices []string
	c.SetNotify(func(text string) { notices = append(notices, text) })

	c.markDetached("heartbeat failed")
	c.markDetached("heartbeat failed")
	if len(notices) != 1 {
		t.Errorf("notices = %v, want exactly one", notices)
	}
	if !c.Detached() {
		t.Error("Detached() = false")
	}
}

func TestSweepDead_RemovesGoneWorkers(t *testing.T) {
	c := newTestCoordinator(t)
	res := c.SpawnTeammate(context.Background(), SpawnOptions{Name: "agent1"})
	if !res.OK {
		t.Fatalf("spawn: %s", res.Error)
	}
	if _, err := c.store.CreateTask(taskSpec("fix the build", "agent1")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.store.SetStatus("1", "in_progress"); err != nil {
		t.Fatal(err)
	}

	c.pidAlive = func(int) bool { return false }
	c.sweepDead()

	if _, ok := c.Teammate("agent1"); ok {
		t.Error("dead worker still registered")
	}
	task, err := c.store.GetTask("1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Owner != "" || task.Status != "pending" {
		t.Errorf("task after sweep = %+v, want unassigned pending", task)
	}
	tc, _, _ := teamcfg.Load(c.teamDir)
	if m := tc.FindMember("agent1"); m == nil || m.Status != teamcfg.StatusOffline {
		t.Errorf("member after sweep = %+v, want offline", m)
	}
}
