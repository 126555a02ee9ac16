package teamcfg

import "fmt"

// FailureAction is what the remediation loop does when a post-completion
// hook fails.
type FailureAction string

const (
	FailureWarn           FailureAction = "warn"
	FailureFollowup       FailureAction = "followup"
	FailureReopen         FailureAction = "reopen"
	FailureReopenFollowup FailureAction = "reopen_followup"
)

// FollowupOwner selects who owns a remediation follow-up task.
type FollowupOwner string

const (
	FollowupMember FollowupOwner = "member"
	FollowupLead   FollowupOwner = "lead"
	FollowupNone   FollowupOwner = "none"
)

// HooksPolicy configures quality-gate remediation. Fields may be left unset;
// Resolve fills gaps from environment-supplied defaults.
type HooksPolicy struct {
	FailureAction     FailureAction `json:"failureAction,omitempty"`
	MaxReopensPerTask *int          `json:"maxReopensPerTask,omitempty"`
	FollowupOwner     FollowupOwner `json:"followupOwner,omitempty"`
}

// ResolvedHooksPolicy is a fully specified policy.
type ResolvedHooksPolicy struct {
	FailureAction     FailureAction
	MaxReopensPerTask int
	FollowupOwner     FollowupOwner
}

// DefaultHooksPolicy is the fallback when neither team config nor
// environment specify a field.
var DefaultHooksPolicy = ResolvedHooksPolicy{
	FailureAction:     FailureWarn,
	MaxReopensPerTask: 2,
	FollowupOwner:     FollowupMember,
}

// IsZero reports whether no field is configured.
func (p HooksPolicy) IsZero() bool {
	return p.FailureAction == "" && p.MaxReopensPerTask == nil && p.FollowupOwner == ""
}

// Validate rejects unknown enum values and negative reopen budgets.
func (p HooksPolicy) Validate() error {
	switch p.FailureAction {
	case "", FailureWarn, FailureFollowup, FailureReopen, FailureReopenFollowup:
	default:
		return fmt.Errorf("invalid failureAction %q", p.FailureAction)
	}
	switch p.FollowupOwner {
	case "", FollowupMember, FollowupLead, FollowupNone:
	default:
		return fmt.Errorf("invalid followupOwner %q", p.FollowupOwner)
	}
	if p.MaxReopensPerTask != nil && *p.MaxReopensPerTask < 0 {
		return fmt.Errorf("maxReopensPerTask must be non-negative, got %d", *p.MaxReopensPerTask)
	}
	return nil
}

// Resolve overlays the partial policy on the given defaults.
func (p *HooksPolicy) Resolve(defaults ResolvedHooksPolicy) ResolvedHooksPolicy {
	out := defaults
	if p == nil {
		return out
	}
	if p.FailureAction != "" {
		out.FailureAction = p.FailureAction
	}
	if p.MaxReopensPerTask != nil {
		out.MaxReopensPerTask = *p.MaxReopensPerTask
	}
	if p.FollowupOwner != "" {
		out.FollowupOwner = p.FollowupOwner
	}
	return out
}
