package protocol

import (
	"regexp"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"agent1", "agent1"},
		{"Worker_2", "Worker_2"},
		{"a-b-c", "a-b-c"},
		{"a b", "a-b"},
		{"../../etc/passwd", "-------etc-passwd"},
		{"naïve", "na-ve"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNameGenerator_Default(t *testing.T) {
	g := NewNameGenerator(StyleDefault)
	if got := g.Generate(); got != "agent1" {
		t.Errorf("first name = %q, want agent1", got)
	}
	if got := g.Generate(); got != "agent2" {
		t.Errorf("second name = %q, want agent2", got)
	}

	g.Release("agent1")
	if got := g.Generate(); got != "agent3" {
		// Counter keeps moving forward; released names are not recycled
		// until the counter wraps past them.
		t.Errorf("third name = %q, want agent3", got)
	}
}

func TestNameGenerator_UnknownStyleFallsBack(t *testing.T) {
	g := NewNameGenerator(Style("pirates"))
	if got := g.Generate(); got != "agent1" {
		t.Errorf("unknown style first name = %q, want agent1", got)
	}
}

func TestNameGenerator_Callsign(t *testing.T) {
	g := NewNameGenerator(StyleCallsign)
	pattern := regexp.MustCompile(`^[a-z]+_[a-z]+$`)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		name := g.Generate()
		if !pattern.MatchString(name) {
			t.Fatalf("callsign %q does not match adjective_noun", name)
		}
		if seen[name] {
			t.Fatalf("duplicate callsign %q", name)
		}
		seen[name] = true
	}
}

func TestNameGenerator_Reserve(t *testing.T) {
	g := NewNameGenerator(StyleDefault)
	g.Reserve("agent1")
	if got := g.Generate(); got != "agent2" {
		t.Errorf("Generate after Reserve(agent1) = %q, want agent2", got)
	}
	if !g.IsUsed("agent1") {
		t.Error("IsUsed(agent1) = false after Reserve")
	}
}
