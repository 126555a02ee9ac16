package tasks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/baiirun/piteams/internal/flock"
)

var (
	// ErrNotFound means the task id is not in this list.
	ErrNotFound = errors.New("task not found")

	// ErrCycle means a mutation would make the dependency graph cyclic.
	ErrCycle = errors.New("dependency cycle")
)

// GraphError describes an invariant violation in the dependency graph.
type GraphError struct {
	Kind   string // "cycle", "asymmetric", "missing_dep"
	TaskID string
	DepID  string
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case "cycle":
		return fmt.Sprintf("dependency cycle involving task %s", e.TaskID)
	case "asymmetric":
		return fmt.Sprintf("asymmetric dependency between %s and %s", e.TaskID, e.DepID)
	default:
		return fmt.Sprintf("task %s depends on unknown task %s", e.TaskID, e.DepID)
	}
}

func (e *GraphError) Unwrap() error {
	if e.Kind == "cycle" {
		return ErrCycle
	}
	return nil
}

// listState is the on-disk shape of one task list.
type listState struct {
	Tasks []Task `json:"tasks"`
}

// Store persists the task list for one (teamDir, taskListID).
type Store struct {
	teamDir    string
	taskListID string
	now        func() time.Time // test clock
}

// NewStore binds a store to a team directory and task list id.
func NewStore(teamDir, taskListID string) *Store {
	return &Store{teamDir: teamDir, taskListID: taskListID, now: time.Now}
}

// Path returns the task list file.
func (s *Store) Path() string {
	return filepath.Join(s.teamDir, "tasklists", s.taskListID+".json")
}

func (s *Store) lockPath() string { return s.Path() + ".lock" }

// CreateSpec is the input to CreateTask.
type CreateSpec struct {
	Subject     string
	Description string
	Owner       string
}

// CreateTask appends a new pending task with a fresh id.
// An empty Subject is derived from the description's first line.
func (s *Store) CreateTask(spec CreateSpec) (Task, error) {
	var created Task
	err := s.mutate(func(state *listState) error {
		subject := spec.Subject
		if subject == "" {
			subject = SubjectFrom(spec.Description)
		}
		created = Task{
			ID:          nextID(state.Tasks),
			Subject:     SubjectFrom(subject),
			Description: spec.Description,
			Status:      StatusPending,
			Owner:       spec.Owner,
			BlockedBy:   []string{},
			Blocks:      []string{},
		}
		state.Tasks = append(state.Tasks, created)
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return created, nil
}

// nextID returns one past the highest numeric id in the list.
func nextID(list []Task) string {
	max := 0
	for _, t := range list {
		if n, err := strconv.Atoi(t.ID); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}

// GetTask returns one task by id.
func (s *Store) GetTask(id string) (Task, error) {
	state, err := s.read()
	if err != nil {
		return Task{}, err
	}
	for _, t := range state.Tasks {
		if t.ID == id {
			return t.clone(), nil
		}
	}
	return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

// ListTasks returns all tasks in insertion order.
func (s *Store) ListTasks() ([]Task, error) {
	state, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]Task, len(state.Tasks))
	for i, t := range state.Tasks {
		out[i] = t.clone()
	}
	return out, nil
}

// UpdateTask applies a caller-supplied pure transform to one task under the
// list lock. The transform may not change the task id. Transforms that would
// corrupt the dependency graph are rejected and nothing is written.
func (s *Store) UpdateTask(id string, f func(Task) (Task, error)) (Task, error) {
	var updated Task
	err := s.mutate(func(state *listState) error {
		for i := range state.Tasks {
			if state.Tasks[i].ID != id {
				continue
			}
			next, err := f(state.Tasks[i].clone())
			if err != nil {
				return err
			}
			if next.ID != id {
				return fmt.Errorf("transform changed task id %s to %s", id, next.ID)
			}
			prev := state.Tasks[i]
			state.Tasks[i] = next
			if err := validateGraph(state.Tasks); err != nil {
				state.Tasks[i] = prev
				return err
			}
			updated = next.clone()
			return nil
		}
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

// Assign sets the task's owner. Unless the task is completed, its status
// returns to pending (a reassignment restarts the work). Assigning the
// current owner is a no-op with identical bytes on disk.
func (s *Store) Assign(id, owner, by string) (Task, error) {
	return s.UpdateTask(id, func(t Task) (Task, error) {
		if t.Owner == owner {
			return t, nil
		}
		if t.Owner != "" {
			t.setMeta(MetaReassignedAt, s.timestamp())
			t.setMeta(MetaReassignedTo, owner)
			if by != "" {
				t.setMeta(MetaReassignedBy, by)
			}
		}
		t.Owner = owner
		if t.Status != StatusCompleted {
			t.Status = StatusPending
		}
		return t, nil
	})
}

// SetStatus moves the task through the status state machine and stamps the
// transition metadata. Setting the current status is a no-op.
func (s *Store) SetStatus(id string, status Status) (Task, error) {
	if !status.Valid() {
		return Task{}, fmt.Errorf("invalid status %q", status)
	}
	return s.UpdateTask(id, func(t Task) (Task, error) {
		if t.Status == status {
			return t, nil
		}
		prev := t.Status
		t.Status = status
		switch {
		case status == StatusCompleted:
			t.setMeta(MetaCompletedAt, s.timestamp())
		case prev == StatusCompleted && status == StatusPending:
			t.setMeta(MetaReopenedAt, s.timestamp())
		}
		return t, nil
	})
}

// AddDependency records that task taskID is blocked by depID, maintaining
// the symmetric blocks edge in the same write. Fails when either id is
// missing or the edge would close a cycle.
func (s *Store) AddDependency(taskID, depID string) error {
	return s.mutate(func(state *listState) error {
		byID := index(state.Tasks)
		t, ok := byID[taskID]
		if !ok {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		d, ok := byID[depID]
		if !ok {
			return fmt.Errorf("task %s: %w", depID, ErrNotFound)
		}
		if contains(t.BlockedBy, depID) {
			return nil
		}
		if wouldCreateCycle(byID, taskID, depID) {
			return &GraphError{Kind: "cycle", TaskID: taskID, DepID: depID}
		}
		t.BlockedBy = append(t.BlockedBy, depID)
		d.Blocks = append(d.Blocks, taskID)
		return nil
	})
}

// RemoveDependency removes both halves of the edge. Removing an absent edge
// is a no-op.
func (s *Store) RemoveDependency(taskID, depID string) error {
	return s.mutate(func(state *listState) error {
		byID := index(state.Tasks)
		t, ok := byID[taskID]
		if !ok {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		d, ok := byID[depID]
		if !ok {
			return fmt.Errorf("task %s: %w", depID, ErrNotFound)
		}
		t.BlockedBy = remove(t.BlockedBy, depID)
		d.Blocks = remove(d.Blocks, taskID)
		return nil
	})
}

// IsBlocked reports whether any transitive blockedBy dependency of the task
// is not completed.
func (s *Store) IsBlocked(id string) (bool, error) {
	state, err := s.read()
	if err != nil {
		return false, err
	}
	byID := index(state.Tasks)
	t, ok := byID[id]
	if !ok {
		return false, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return blocked(byID, *t), nil
}

// UnassignForAgent clears ownership of every non-completed task owned by
// agentName, returning them to pending with unassignment metadata. Returns
// the ids of the tasks touched.
func (s *Store) UnassignForAgent(agentName, by, reason string) ([]string, error) {
	var touched []string
	err := s.mutate(func(state *listState) error {
		for i := range state.Tasks {
			t := &state.Tasks[i]
			if t.Owner != agentName || t.Status == StatusCompleted {
				continue
			}
			t.Owner = ""
			t.Status = StatusPending
			t.setMeta(MetaUnassignedAt, s.timestamp())
			if by != "" {
				t.setMeta(MetaUnassignedBy, by)
			}
			if reason != "" {
				t.setMeta(MetaUnassignedReason, reason)
			}
			touched = append(touched, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

func index(list []Task) map[string]*Task {
	byID := make(map[string]*Task, len(list))
	for i := range list {
		byID[list[i].ID] = &list[i]
	}
	return byID
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// mutate runs a read-modify-write cycle under the list lock. When the
// transform leaves the canonical encoding unchanged, the file is not
// rewritten — idempotent operations leave identical bytes on disk.
func (s *Store) mutate(f func(*listState) error) error {
	path := s.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating tasklists dir: %w", err)
	}

	return flock.WithLock(s.lockPath(), flock.Options{}, func() error {
		state, before, err := s.readRaw()
		if err != nil {
			return err
		}
		if err := f(&state); err != nil {
			return err
		}
		after, err := encode(state)
		if err != nil {
			return err
		}
		if bytes.Equal(before, after) {
			return nil
		}
		return writeAtomic(path, after)
	})
}

func (s *Store) read() (listState, error) {
	state, _, err := s.readRaw()
	return state, err
}

// readRaw loads the list plus its canonical encoding for no-op detection.
// A missing file is an empty list; a torn file reads as the prior version's
// absence (atomic rename writes make that the only failure mode).
func (s *Store) readRaw() (listState, []byte, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			state := listState{Tasks: []Task{}}
			canonical, _ := encode(state)
			return state, canonical, nil
		}
		return listState{}, nil, fmt.Errorf("reading task list: %w", err)
	}
	var state listState
	if err := json.Unmarshal(data, &state); err != nil {
		state = listState{Tasks: []Task{}}
		canonical, _ := encode(state)
		return state, canonical, nil
	}
	if state.Tasks == nil {
		state.Tasks = []Task{}
	}
	canonical, err := encode(state)
	if err != nil {
		return listState{}, nil, err
	}
	return state, canonical, nil
}

func encode(state listState) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling task list: %w", err)
	}
	return data, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tasklist-*.json")
	if err != nil {
		return fmt.Errorf("creating temp task list: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp task list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp task list: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming task list: %w", err)
	}
	return nil
}
