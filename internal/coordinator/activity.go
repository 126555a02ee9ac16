package coordinator

import (
	"sync"

	"github.com/baiirun/piteams/internal/rpc"
)

// activityRingSize is how many recent events are kept per worker.
const activityRingSize = 10

// Activity is the per-worker counters surfaced in the widget and the
// attach view.
type Activity struct {
	ToolUseCount    int
	CurrentToolName string
	LastToolName    string
	TurnCount       int
	TotalTokens     int
	Recent          []rpc.Event // oldest first, at most activityRingSize
}

// Tracker accumulates activity per worker name from RPC events.
type Tracker struct {
	mu     sync.Mutex
	byName map[string]*Activity
}

func NewTracker() *Tracker {
	return &Tracker{byName: make(map[string]*Activity)}
}

// Observe advances the counters for one worker event.
func (t *Tracker) Observe(name string, ev rpc.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.byName[name]
	if a == nil {
		a = &Activity{}
		t.byName[name] = a
	}

	switch ev.Type {
	case rpc.EventToolExecutionStart:
		a.ToolUseCount++
		if tool, ok := ev.Raw["name"].(string); ok {
			a.CurrentToolName = tool
		}
	case rpc.EventToolExecutionEnd:
		if a.CurrentToolName != "" {
			a.LastToolName = a.CurrentToolName
			a.CurrentToolName = ""
		}
	case rpc.EventAgentEnd:
		a.TurnCount++
		a.CurrentToolName = ""
	}
	if tokens, ok := ev.Raw["tokens"].(float64); ok {
		a.TotalTokens += int(tokens)
	}

	a.Recent = append(a.Recent, ev)
	if len(a.Recent) > activityRingSize {
		a.Recent = a.Recent[len(a.Recent)-activityRingSize:]
	}
}

// Snapshot returns a copy of one worker's activity.
func (t *Tracker) Snapshot(name string) (Activity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byName[name]
	if !ok {
		return Activity{}, false
	}
	out := *a
	out.Recent = append([]rpc.Event(nil), a.Recent...)
	return out, true
}

// Reset drops a worker's activity on removal.
func (t *Tracker) Reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byName, name)
}
