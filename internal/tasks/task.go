// Package tasks implements the persistent task list for one team.
//
// The list lives in a single JSON file under the team directory and every
// mutation is a read-modify-write under the list's file lock, so updates to
// a single task are linearizable. The dependency graph is stored as
// adjacency lists keyed by task id and kept acyclic and symmetric by
// construction.
package tasks

import (
	"strings"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Metadata keys stamped by the store and the coordinator.
const (
	MetaCompletedAt      = "completedAt"
	MetaReopenedAt       = "reopenedAt"
	MetaReassignedAt     = "reassignedAt"
	MetaReassignedTo     = "reassignedTo"
	MetaReassignedBy     = "reassignedBy"
	MetaUnassignedAt     = "unassignedAt"
	MetaUnassignedBy     = "unassignedBy"
	MetaUnassignedReason = "unassignedReason"
	MetaReopenCount      = "reopenedByQualityGateCount"
	MetaQualityGate      = "qualityGateStatus"
)

// MaxSubjectLen bounds the stored subject line.
const MaxSubjectLen = 120

// Task is one unit of delegated work.
type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Status      Status         `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	BlockedBy   []string       `json:"blockedBy"`
	Blocks      []string       `json:"blocks"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SubjectFrom derives a subject from a description: the first line,
// truncated to MaxSubjectLen runes.
func SubjectFrom(description string) string {
	line := description
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > MaxSubjectLen {
		return string(runes[:MaxSubjectLen])
	}
	return line
}

// clone deep-copies a task so transforms can't alias store state.
func (t Task) clone() Task {
	cp := t
	cp.BlockedBy = append([]string(nil), t.BlockedBy...)
	cp.Blocks = append([]string(nil), t.Blocks...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

func (t *Task) setMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// ReopenCount reads the quality-gate reopen counter, tolerating the
// float64 that JSON round-trips produce.
func (t Task) ReopenCount() int {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata[MetaReopenCount].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func contains(list []string, id string) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, x := range list {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
