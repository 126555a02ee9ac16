package coordinator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/baiirun/piteams/internal/rpc"
	"github.com/baiirun/piteams/internal/tasks"
	"github.com/baiirun/piteams/internal/teamcfg"
)

// WidgetWorker is the live-teammate input to the widget projection.
type WidgetWorker struct {
	Name  string
	State rpc.State
}

// WidgetLines projects team state onto display lines. It is a pure function
// of its inputs so rendering is testable without a coordinator.
//
// The widget hides itself (returns nil) when there is nothing live: no
// running teammates, no tasks, and no online workers in the config.
func WidgetLines(workers []WidgetWorker, taskList []tasks.Task, cfg teamcfg.TeamConfig, delegateMode bool) []string {
	online := 0
	for _, m := range cfg.Members {
		if m.Role == teamcfg.RoleWorker && m.Status == teamcfg.StatusOnline {
			online++
		}
	}
	if len(workers) == 0 && len(taskList) == 0 && online == 0 {
		return nil
	}

	owns := make(map[string]tasks.Status)
	var pending, inProgress, completed int
	for _, task := range taskList {
		switch task.Status {
		case tasks.StatusPending:
			pending++
		case tasks.StatusInProgress:
			inProgress++
		case tasks.StatusCompleted:
			completed++
		}
		if task.Owner != "" && task.Status == tasks.StatusInProgress {
			owns[task.Owner] = task.Status
		}
	}

	var lines []string
	header := fmt.Sprintf("team %s — %d task(s): %d pending, %d in progress, %d done",
		cfg.TeamID, len(taskList), pending, inProgress, completed)
	if delegateMode {
		header += " [delegating]"
	}
	lines = append(lines, header)

	sorted := append([]WidgetWorker(nil), workers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, w := range sorted {
		lines = append(lines, fmt.Sprintf("  %s: %s", w.Name, displayState(w, owns)))
	}
	return lines
}

// displayState maps RPC state to the user-facing label. An idle RPC whose
// worker still owns an in_progress task reads as working: the worker is
// between turns, not done.
func displayState(w WidgetWorker, owns map[string]tasks.Status) string {
	switch w.State {
	case rpc.StateIdle:
		if _, busy := owns[w.Name]; busy {
			return "working"
		}
		return "idle"
	case rpc.StateStreaming:
		return "working"
	case rpc.StateStarting:
		return "starting"
	case rpc.StateStopped:
		return "stopped"
	case rpc.StateError:
		return "error"
	}
	return strings.ToLower(string(w.State))
}
