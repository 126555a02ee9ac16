// Package spawnpolicy resolves which model a new worker runs with.
//
// Resolution is a pure function of the requested override and the leader's
// own model, so the full behavior is testable without spawning anything.
package spawnpolicy

import (
	"fmt"
	"strings"
)

// Source says where the resolved model came from.
type Source string

const (
	SourceOverride      Source = "override"
	SourceInheritLeader Source = "inherit_leader"
	SourceDefault       Source = "default"
)

// Reason classifies a resolution failure.
type Reason string

const (
	ReasonInvalidOverride    Reason = "invalid_override"
	ReasonDeprecatedOverride Reason = "deprecated_override"
)

// Input is what the resolver needs: the explicit override (possibly empty)
// and the leader's provider/model, either of which may be unknown.
type Input struct {
	ModelOverride  string
	LeaderProvider string
	LeaderModelID  string
}

// Resolution is a successful outcome. Provider and ModelID are empty when
// Source is default: the runtime picks its own concrete default.
type Resolution struct {
	Source   Source
	Provider string
	ModelID  string
	Warnings []string
}

// Error is a resolution failure with a machine-readable reason.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string { return e.Message }

// deprecatedMarkers lists model-id substrings that are retired, each with
// the suffixes that exempt a newer generation sharing the prefix.
var deprecatedMarkers = []struct {
	marker  string
	allowed []string
}{
	{"claude-sonnet-4", []string{"-5", ".5"}},
	{"claude-opus-4", []string{"-5", ".5"}},
	{"gpt-4-turbo", nil},
}

// IsDeprecated reports whether a model id matches a deprecation marker. The
// match is case-insensitive, and a marker followed immediately by an
// allow-listed suffix does not count.
func IsDeprecated(modelID string) bool {
	id := strings.ToLower(modelID)
	for _, d := range deprecatedMarkers {
		idx := 0
		for {
			at := strings.Index(id[idx:], d.marker)
			if at < 0 {
				break
			}
			pos := idx + at
			rest := id[pos+len(d.marker):]
			exempt := false
			for _, suffix := range d.allowed {
				if strings.HasPrefix(rest, suffix) {
					exempt = true
					break
				}
			}
			if !exempt {
				return true
			}
			idx = pos + len(d.marker)
		}
	}
	return false
}

// Resolve maps an override and the leader's model to a worker model.
//
// An override of the form "provider/model" pins both halves. A bare override
// pins the model id and inherits the leader's provider, with a warning when
// the leader provider is unknown. Without an override the worker inherits
// the leader's model, or falls back to the runtime default.
func Resolve(in Input) (Resolution, error) {
	override := strings.TrimSpace(in.ModelOverride)

	if override != "" {
		if strings.Contains(override, "/") {
			provider, modelID, _ := strings.Cut(override, "/")
			if provider == "" || modelID == "" {
				return Resolution{}, &Error{
					Reason:  ReasonInvalidOverride,
					Message: fmt.Sprintf("model override %q must be provider/model with both parts non-empty", override),
				}
			}
			if IsDeprecated(modelID) {
				return Resolution{}, &Error{
					Reason:  ReasonDeprecatedOverride,
					Message: fmt.Sprintf("model %q is deprecated", modelID),
				}
			}
			return Resolution{Source: SourceOverride, Provider: provider, ModelID: modelID}, nil
		}

		if IsDeprecated(override) {
			return Resolution{}, &Error{
				Reason:  ReasonDeprecatedOverride,
				Message: fmt.Sprintf("model %q is deprecated", override),
			}
		}
		res := Resolution{Source: SourceOverride, ModelID: override}
		if in.LeaderProvider == "" {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("leader provider unknown; model %q may not resolve", override))
		} else {
			res.Provider = in.LeaderProvider
		}
		return res, nil
	}

	if in.LeaderModelID != "" && !IsDeprecated(in.LeaderModelID) {
		return Resolution{
			Source:   SourceInheritLeader,
			Provider: in.LeaderProvider,
			ModelID:  in.LeaderModelID,
		}, nil
	}

	return Resolution{Source: SourceDefault}, nil
}
