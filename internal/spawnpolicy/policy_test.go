package spawnpolicy

import (
	"errors"
	"testing"
)

func TestResolve_OverrideWithProvider(t *testing.T) {
	res, err := Resolve(Input{ModelOverride: "openai-codex/codex-large"})
	if err != nil {
		t.Fatalf("Resolve error = %v", err)
	}
	if res.Source != SourceOverride || res.Provider != "openai-codex" || res.ModelID != "codex-large" {
		t.Errorf("res = %+v", res)
	}
}

func TestResolve_BareOverrideInheritsLeaderProvider(t *testing.T) {
	res, err := Resolve(Input{
		ModelOverride:  "codex-mini",
		LeaderProvider: "openai-codex",
		LeaderModelID:  "codex-mini",
	})
	if err != nil {
		t.Fatalf("Resolve error = %v", err)
	}
	if res.Source != SourceOverride || res.Provider != "openai-codex" || res.ModelID != "codex-mini" {
		t.Errorf("res = %+v", res)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", res.Warnings)
	}
}

func TestResolve_BareOverrideUnknownLeaderWarns(t *testing.T) {
	res, err := Resolve(Input{ModelOverride: "codex-mini"})
	if err != nil {
		t.Fatalf("Resolve error = %v", err)
	}
	if res.Provider != "" || len(res.Warnings) != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestResolve_InvalidOverride(t *testing.T) {
	for _, override := range []string{"openai-codex/", "/codex-mini"} {
		_, err := Resolve(Input{ModelOverride: override})
		var perr *Error
		if !errors.As(err, &perr) || perr.Reason != ReasonInvalidOverride {
			t.Errorf("Resolve(%q) error = %v, want invalid_override", override, err)
		}
	}
}

func TestResolve_DeprecatedOverride(t *testing.T) {
	for _, override := range []string{"claude-sonnet-4", "anthropic/Claude-Sonnet-4-20250514"} {
		_, err := Resolve(Input{ModelOverride: override})
		var perr *Error
		if !errors.As(err, &perr) || perr.Reason != ReasonDeprecatedOverride {
			t.Errorf("Resolve(%q) error = %v, want deprecated_override", override, err)
		}
	}
}

func TestResolve_InheritLeader(t *testing.T) {
	res, err := Resolve(Input{LeaderProvider: "anthropic", LeaderModelID: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("Resolve error = %v", err)
	}
	if res.Source != SourceInheritLeader || res.ModelID != "claude-sonnet-4-5" {
		t.Errorf("res = %+v", res)
	}
}

func TestResolve_DeprecatedLeaderFallsToDefault(t *testing.T) {
	res, err := Resolve(Input{LeaderProvider: "anthropic", LeaderModelID: "claude-sonnet-4-20250514"})
	if err != nil {
		t.Fatalf("Resolve error = %v", err)
	}
	if res.Source != SourceDefault || res.Provider != "" || res.ModelID != "" {
		t.Errorf("res = %+v", res)
	}
}

func TestResolve_NoInputsIsDefault(t *testing.T) {
	res, err := Resolve(Input{})
	if err != nil {
		t.Fatalf("Resolve error = %v", err)
	}
	if res.Source != SourceDefault {
		t.Errorf("source = %s", res.Source)
	}
}

func TestIsDeprecated(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"claude-sonnet-4", true},
		{"claude-sonnet-4-20250514", true},
		{"claude-sonnet-4-5", false},
		{"claude-sonnet-4.5", false},
		{"CLAUDE-SONNET-4", true},
		{"codex-mini", false},
		{"gpt-4-turbo-preview", true},
	}
	for _, tt := range tests {
		if got := IsDeprecated(tt.id); got != tt.want {
			t.Errorf("IsDeprecated(%q) = %t, want %t", tt.id, got, tt.want)
		}
	}
}
