package tasks

import (
	"errors"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(t.TempDir(), "main")
	s.now = func() time.Time { return time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestCreateTask(t *testing.T) {
	s := newTestStore(t)

	t1, err := s.CreateTask(CreateSpec{Description: "Fix the login flow\nDetails here"})
	if err != nil {
		t.Fatalf("CreateTask error = %v", err)
	}
	if t1.ID != "1" {
		t.Errorf("first id = %q, want 1", t1.ID)
	}
	if t1.Subject != "Fix the login flow" {
		t.Errorf("subject = %q", t1.Subject)
	}
	if t1.Status != StatusPending {
		t.Errorf("status = %q, want pending", t1.Status)
	}

	t2, err := s.CreateTask(CreateSpec{Subject: "Second", Description: "Second", Owner: "agent1"})
	if err != nil {
		t.Fatalf("CreateTask error = %v", err)
	}
	if t2.ID != "2" {
		t.Errorf("second id = %q, want 2", t2.ID)
	}
	if t2.Owner != "agent1" {
		t.Errorf("owner = %q", t2.Owner)
	}
}

func TestSubjectFrom_Truncates(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "x"
	}
	if got := SubjectFrom(long); len([]rune(got)) != MaxSubjectLen {
		t.Errorf("subject length = %d, want %d", len([]rune(got)), MaxSubjectLen)
	}
}

func TestListTasks_InsertionOrder(t *testing.T) {
	s := newTestStore(t)
	for _, d := range []string{"A", "B", "C"} {
		if _, err := s.CreateTask(CreateSpec{Description: d}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.ListTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d", len(list))
	}
	for i, want := range []string{"A", "B", "C"} {
		if list[i].Subject != want {
			t.Errorf("list[%d].Subject = %q, want %q", i, list[i].Subject, want)
		}
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetTask("99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(99) error = %v, want ErrNotFound", err)
	}
}

func TestAssign(t *testing.T) {
	s := newTestStore(t)
	task, _ := s.CreateTask(CreateSpec{Description: "A"})

	got, err := s.Assign(task.ID, "agent1", "lead")
	if err != nil {
		t.Fatalf("Assign error = %v", err)
	}
	if got.Owner != "agent1" || got.Status != StatusPending {
		t.Errorf("after assign: %+v", got)
	}
	// First assignment of an unowned task carries no reassignment stamps.
	if _, ok := got.Metadata[MetaReassignedTo]; ok {
		t.Error("fresh assign stamped reassignment metadata")
	}

	got, err = s.Assign(task.ID, "agent2", "lead")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata[MetaReassignedTo] != "agent2" || got.Metadata[MetaReassignedBy] != "lead" {
		t.Errorf("reassignment metadata = %+v", got.Metadata)
	}
}

func TestAssign_CompletedKeepsStatus(t *testing.T) {
	s := newTestStore(t)
	task, _ := s.CreateTask(CreateSpec{Description: "A", Owner: "agent1"})
	if _, err := s.SetStatus(task.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}
	got, err := s.Assign(task.ID, "agent2", "lead")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want completed after reassigning a completed task", got.Status)
	}
}

// Idempotent set-status: a repeated call leaves the file byte-identical.
func TestSetStatus_Idempotent(t *testing.T) {
	s := newTestStore(t)
	task, _ := s.CreateTask(CreateSpec{Description: "A"})

	if _, err := s.SetStatus(task.ID, StatusInProgress); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetStatus(task.ID, StatusInProgress); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("repeated SetStatus changed bytes on disk")
	}
}

func TestSetStatus_Stamps(t *testing.T) {
	s := newTestStore(t)
	task, _ := s.CreateTask(CreateSpec{Description: "A"})

	got, err := s.SetStatus(task.ID, StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata[MetaCompletedAt] != "2026-01-01T10:00:00Z" {
		t.Errorf("completedAt = %v", got.Metadata[MetaCompletedAt])
	}

	got, err = s.SetStatus(task.ID, StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata[MetaReopenedAt] != "2026-01-01T10:00:00Z" {
		t.Errorf("reopenedAt = %v", got.Metadata[MetaReopenedAt])
	}
}

func TestSetStatus_Invalid(t *testing.T) {
	s := newTestStore(t)
	task, _ := s.CreateTask(CreateSpec{Description: "A"})
	if _, err := s.SetStatus(task.ID, Status("done")); err == nil {
		t.Error("SetStatus(done) succeeded, want error")
	}
}

func TestDependencies_Symmetric(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask(CreateSpec{Description: "A"})
	t2, _ := s.CreateTask(CreateSpec{Description: "B"})

	if err := s.AddDependency(t1.ID, t2.ID); err != nil {
		t.Fatalf("AddDependency error = %v", err)
	}

	a, _ := s.GetTask(t1.ID)
	b, _ := s.GetTask(t2.ID)
	if !contains(a.BlockedBy, t2.ID) {
		t.Errorf("t1.BlockedBy = %v, want to contain %s", a.BlockedBy, t2.ID)
	}
	if !contains(b.Blocks, t1.ID) {
		t.Errorf("t2.Blocks = %v, want to contain %s", b.Blocks, t1.ID)
	}

	if err := s.RemoveDependency(t1.ID, t2.ID); err != nil {
		t.Fatalf("RemoveDependency error = %v", err)
	}
	a, _ = s.GetTask(t1.ID)
	b, _ = s.GetTask(t2.ID)
	if len(a.BlockedBy) != 0 || len(b.Blocks) != 0 {
		t.Errorf("edges remain after removal: %v / %v", a.BlockedBy, b.Blocks)
	}
}

// Dependency cycle rejection: T1->T2 then T2->T1 must fail and leave the
// store unchanged.
func TestAddDependency_RejectsCycle(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask(CreateSpec{Description: "A"})
	t2, _ := s.CreateTask(CreateSpec{Description: "B"})

	if err := s.AddDependency(t1.ID, t2.ID); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(s.Path())

	err := s.AddDependency(t2.ID, t1.ID)
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("cycle AddDependency error = %v, want ErrCycle", err)
	}

	after, _ := os.ReadFile(s.Path())
	if string(before) != string(after) {
		t.Error("store changed after rejected cycle")
	}
}

func TestAddDependency_SelfCycle(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask(CreateSpec{Description: "A"})
	if err := s.AddDependency(t1.ID, t1.ID); !errors.Is(err, ErrCycle) {
		t.Errorf("self-dep error = %v, want ErrCycle", err)
	}
}

func TestAddDependency_TransitiveCycle(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask(CreateSpec{Description: "A"})
	t2, _ := s.CreateTask(CreateSpec{Description: "B"})
	t3, _ := s.CreateTask(CreateSpec{Description: "C"})

	if err := s.AddDependency(t1.ID, t2.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDependency(t2.ID, t3.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDependency(t3.ID, t1.ID); !errors.Is(err, ErrCycle) {
		t.Errorf("transitive cycle error = %v, want ErrCycle", err)
	}
}

func TestAddDependency_MissingIDs(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask(CreateSpec{Description: "A"})
	if err := s.AddDependency(t1.ID, "99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing dep error = %v, want ErrNotFound", err)
	}
	if err := s.AddDependency("99", t1.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task error = %v, want ErrNotFound", err)
	}
}

func TestIsBlocked_TransitiveClosure(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask(CreateSpec{Description: "A"})
	t2, _ := s.CreateTask(CreateSpec{Description: "B"})
	t3, _ := s.CreateTask(CreateSpec{Description: "C"})

	// t1 blockedBy t2, t2 blockedBy t3.
	if err := s.AddDependency(t1.ID, t2.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDependency(t2.ID, t3.ID); err != nil {
		t.Fatal(err)
	}

	if b, _ := s.IsBlocked(t1.ID); !b {
		t.Error("t1 not blocked with incomplete deps")
	}

	// Completing only the direct dep is not enough while its own dep is open.
	if _, err := s.SetStatus(t2.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if b, _ := s.IsBlocked(t1.ID); !b {
		t.Error("t1 unblocked while transitive dep t3 is open")
	}

	if _, err := s.SetStatus(t3.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if b, _ := s.IsBlocked(t1.ID); b {
		t.Error("t1 blocked after all deps completed")
	}
}

func TestUnassignForAgent(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask(CreateSpec{Description: "A", Owner: "agent1"})
	t2, _ := s.CreateTask(CreateSpec{Description: "B", Owner: "agent1"})
	t3, _ := s.CreateTask(CreateSpec{Description: "C", Owner: "agent2"})
	if _, err := s.SetStatus(t2.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}

	touched, err := s.UnassignForAgent("agent1", "teams-tool", "worker killed")
	if err != nil {
		t.Fatalf("UnassignForAgent error = %v", err)
	}
	if len(touched) != 1 || touched[0] != t1.ID {
		t.Errorf("touched = %v, want [%s]", touched, t1.ID)
	}

	a, _ := s.GetTask(t1.ID)
	if a.Owner != "" || a.Status != StatusPending {
		t.Errorf("t1 after unassign: %+v", a)
	}
	if a.Metadata[MetaUnassignedBy] != "teams-tool" || a.Metadata[MetaUnassignedReason] != "worker killed" {
		t.Errorf("unassign metadata = %+v", a.Metadata)
	}

	// Completed task keeps its owner; other agents untouched.
	b, _ := s.GetTask(t2.ID)
	if b.Owner != "agent1" {
		t.Errorf("completed task owner = %q, want agent1", b.Owner)
	}
	c, _ := s.GetTask(t3.ID)
	if c.Owner != "agent2" {
		t.Errorf("agent2 task owner = %q", c.Owner)
	}
}

func TestUpdateTask_RejectsGraphCorruption(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask(CreateSpec{Description: "A"})
	t2, _ := s.CreateTask(CreateSpec{Description: "B"})
	if err := s.AddDependency(t1.ID, t2.ID); err != nil {
		t.Fatal(err)
	}

	// A transform that drops one half of the edge is asymmetric.
	_, err := s.UpdateTask(t1.ID, func(task Task) (Task, error) {
		task.BlockedBy = nil
		return task, nil
	})
	if err == nil {
		t.Fatal("asymmetric transform accepted")
	}

	// Store unchanged.
	a, _ := s.GetTask(t1.ID)
	if !contains(a.BlockedBy, t2.ID) {
		t.Error("edge lost after rejected transform")
	}
}

func TestUpdateTask_CannotChangeID(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.CreateTask(CreateSpec{Description: "A"})
	_, err := s.UpdateTask(t1.ID, func(task Task) (Task, error) {
		task.ID = "77"
		return task, nil
	})
	if err == nil {
		t.Error("id-changing transform accepted")
	}
}

// Round-trip: replaying the same operations on a fresh store yields the
// same list.
func TestRoundTrip_Replay(t *testing.T) {
	run := func(s *Store) []Task {
		t1, _ := s.CreateTask(CreateSpec{Description: "A"})
		t2, _ := s.CreateTask(CreateSpec{Description: "B", Owner: "agent1"})
		_, _ = s.Assign(t1.ID, "agent2", "lead")
		_ = s.AddDependency(t2.ID, t1.ID)
		_, _ = s.SetStatus(t1.ID, StatusInProgress)
		_, _ = s.SetStatus(t1.ID, StatusCompleted)
		list, _ := s.ListTasks()
		return list
	}

	a := run(newTestStore(t))
	b := run(newTestStore(t))

	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Status != b[i].Status || a[i].Owner != b[i].Owner {
			t.Errorf("replay diverged at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}
