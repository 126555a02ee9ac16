// Package protocol defines the structured envelopes exchanged through team
// mailboxes, plus worker naming.
//
// Envelopes travel as the text of ordinary mailbox messages. Parsing is
// total: prose, malformed JSON, unknown types, and envelopes missing
// required fields all come back as nil, never an error or a panic. A
// consumer that gets nil treats the message as plain text.
package protocol

import "encoding/json"

// Kind discriminates envelope types on the wire.
type Kind string

const (
	KindTaskAssignment      Kind = "task_assignment"
	KindShutdownRequest     Kind = "shutdown_request"
	KindShutdownApproved    Kind = "shutdown_approved"
	KindShutdownRejected    Kind = "shutdown_rejected"
	KindPlanApprovalRequest Kind = "plan_approval_request"
	KindPlanApproved        Kind = "plan_approved"
	KindPlanRejected        Kind = "plan_rejected"
	KindAbortRequest        Kind = "abort_request"
	KindSetSessionName      Kind = "set_session_name"
	KindIdleNotification    Kind = "idle_notification"
	KindPeerDMSent          Kind = "peer_dm_sent"
)

// Envelope is any structured mailbox payload.
type Envelope interface {
	EnvelopeKind() Kind
}

// TaskAssignment tells a worker it owns a task.
type TaskAssignment struct {
	Type        Kind   `json:"type"`
	TaskID      string `json:"taskId"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
	AssignedBy  string `json:"assignedBy,omitempty"`
}

func (e *TaskAssignment) EnvelopeKind() Kind { return KindTaskAssignment }

// ShutdownRequest asks a worker to wind down gracefully.
type ShutdownRequest struct {
	Type      Kind   `json:"type"`
	RequestID string `json:"requestId"`
	From      string `json:"from,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (e *ShutdownRequest) EnvelopeKind() Kind { return KindShutdownRequest }

// ShutdownReply is the worker's answer to a ShutdownRequest. Type is one of
// KindShutdownApproved or KindShutdownRejected.
type ShutdownReply struct {
	Type      Kind   `json:"type"`
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

func (e *ShutdownReply) EnvelopeKind() Kind { return e.Type }

// PlanApprovalRequest is a worker asking the lead to approve its plan.
type PlanApprovalRequest struct {
	Type      Kind   `json:"type"`
	RequestID string `json:"requestId"`
	From      string `json:"from"`
	Plan      string `json:"plan"`
	TaskID    string `json:"taskId,omitempty"`
}

func (e *PlanApprovalRequest) EnvelopeKind() Kind { return KindPlanApprovalRequest }

// PlanDecision resolves a PlanApprovalRequest. Type is one of
// KindPlanApproved or KindPlanRejected; Feedback accompanies rejections.
type PlanDecision struct {
	Type      Kind   `json:"type"`
	RequestID string `json:"requestId"`
	From      string `json:"from"`
	Feedback  string `json:"feedback,omitempty"`
}

func (e *PlanDecision) EnvelopeKind() Kind { return e.Type }

// AbortRequest tells a worker to stop what it is doing.
type AbortRequest struct {
	Type      Kind   `json:"type"`
	RequestID string `json:"requestId"`
	TaskID    string `json:"taskId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (e *AbortRequest) EnvelopeKind() Kind { return KindAbortRequest }

// SetSessionName renames the worker's underlying session.
type SetSessionName struct {
	Type Kind   `json:"type"`
	Name string `json:"name"`
}

func (e *SetSessionName) EnvelopeKind() Kind { return KindSetSessionName }

// IdleNotification is posted by a worker when it finishes its turn.
// CompletedTaskID and CompletedStatus are set when the idle follows a task
// completion; they drive the quality-gate loop.
type IdleNotification struct {
	Type            Kind   `json:"type"`
	From            string `json:"from"`
	CompletedTaskID string `json:"completedTaskId,omitempty"`
	CompletedStatus string `json:"completedStatus,omitempty"`
	Summary         string `json:"summary,omitempty"`
}

func (e *IdleNotification) EnvelopeKind() Kind { return KindIdleNotification }

// PeerDMSent informs the lead that one worker messaged another directly.
type PeerDMSent struct {
	Type    Kind   `json:"type"`
	From    string `json:"from"`
	To      string `json:"to"`
	Summary string `json:"summary"`
}

func (e *PeerDMSent) EnvelopeKind() Kind { return KindPeerDMSent }

// Parse decodes text as an envelope. Returns nil for anything that is not a
// well-formed envelope with its required fields present.
func Parse(text string) Envelope {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return nil
	}

	data := []byte(text)
	switch probe.Type {
	case KindTaskAssignment:
		var e TaskAssignment
		if json.Unmarshal(data, &e) == nil && e.TaskID != "" {
			return &e
		}
	case KindShutdownRequest:
		var e ShutdownRequest
		if json.Unmarshal(data, &e) == nil && e.RequestID != "" {
			return &e
		}
	case KindShutdownApproved, KindShutdownRejected:
		var e ShutdownReply
		if json.Unmarshal(data, &e) == nil && e.RequestID != "" {
			return &e
		}
	case KindPlanApprovalRequest:
		var e PlanApprovalRequest
		if json.Unmarshal(data, &e) == nil && e.RequestID != "" && e.From != "" && e.Plan != "" {
			return &e
		}
	case KindPlanApproved, KindPlanRejected:
		var e PlanDecision
		if json.Unmarshal(data, &e) == nil && e.RequestID != "" && e.From != "" {
			return &e
		}
	case KindAbortRequest:
		var e AbortRequest
		if json.Unmarshal(data, &e) == nil && e.RequestID != "" {
			return &e
		}
	case KindSetSessionName:
		var e SetSessionName
		if json.Unmarshal(data, &e) == nil && e.Name != "" {
			return &e
		}
	case KindIdleNotification:
		var e IdleNotification
		if json.Unmarshal(data, &e) == nil && e.From != "" {
			return &e
		}
	case KindPeerDMSent:
		var e PeerDMSent
		if json.Unmarshal(data, &e) == nil && e.From != "" && e.To != "" && e.Summary != "" {
			return &e
		}
	}
	return nil
}

// Encode renders an envelope as message text, stamping the type
// discriminator so a zero Type field cannot produce an untyped envelope.
// Returns "" only when marshaling fails, which no well-formed envelope does.
func Encode(e Envelope) string {
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	// Re-stamp type: the struct's Type field may be zero.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	kind, err := json.Marshal(e.EnvelopeKind())
	if err != nil {
		return ""
	}
	m["type"] = kind
	out, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(out)
}
