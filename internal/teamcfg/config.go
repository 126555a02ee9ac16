// Package teamcfg persists team membership and policy in the team
// directory's config.json. Writes go through the config lock with
// write-to-temp-then-rename; readers tolerate a missing file.
package teamcfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/baiirun/piteams/internal/flock"
	"github.com/baiirun/piteams/internal/protocol"
)

const FileName = "config.json"

// ErrMemberNotFound means no member with that name exists in the config.
var ErrMemberNotFound = errors.New("member not found")

// Role distinguishes the leader from workers.
type Role string

const (
	RoleLead   Role = "lead"
	RoleWorker Role = "worker"
)

// MemberStatus is the liveness state recorded for a member.
type MemberStatus string

const (
	StatusOnline  MemberStatus = "online"
	StatusOffline MemberStatus = "offline"
)

// Member meta keys written by the coordinator.
const (
	MetaModel               = "model"
	MetaPID                 = "pid"
	MetaThinkingLevel       = "thinkingLevel"
	MetaSpawnedAt           = "spawnedAt"
	MetaMode                = "mode"
	MetaWorkspaceMode       = "workspaceMode"
	MetaShutdownRequestedAt = "shutdownRequestedAt"
	MetaKilledAt            = "killedAt"
	MetaPrunedAt            = "prunedAt"
	MetaPrunedBy            = "prunedBy"
)

// Member is one agent in the team. Name is the primary key.
type Member struct {
	Name       string            `json:"name"`
	Role       Role              `json:"role"`
	Status     MemberStatus      `json:"status"`
	LastSeenAt string            `json:"lastSeenAt,omitempty"` // RFC 3339 UTC
	Meta       map[string]string `json:"meta,omitempty"`
}

// TeamConfig is the on-disk team record.
type TeamConfig struct {
	TeamID     string       `json:"teamId"`
	TaskListID string       `json:"taskListId"`
	LeadName   string       `json:"leadName"`
	Style      string       `json:"style,omitempty"`
	Hooks      *HooksPolicy `json:"hooks,omitempty"`
	Members    []Member     `json:"members"`
	CreatedAt  string       `json:"createdAt"`
	UpdatedAt  string       `json:"updatedAt"`
}

// FindMember returns a pointer into Members, or nil.
func (c *TeamConfig) FindMember(name string) *Member {
	for i := range c.Members {
		if c.Members[i].Name == name {
			return &c.Members[i]
		}
	}
	return nil
}

// Workers returns the names of all members with the worker role.
func (c *TeamConfig) Workers() []string {
	var names []string
	for _, m := range c.Members {
		if m.Role == RoleWorker {
			names = append(names, m.Name)
		}
	}
	return names
}

func configPath(teamDir string) string { return filepath.Join(teamDir, FileName) }
func lockPath(teamDir string) string   { return configPath(teamDir) + ".lock" }

// Load reads the team config. A missing file returns (zero, false, nil).
func Load(teamDir string) (TeamConfig, bool, error) {
	data, err := os.ReadFile(configPath(teamDir))
	if err != nil {
		if os.IsNotExist(err) {
			return TeamConfig{}, false, nil
		}
		return TeamConfig{}, false, fmt.Errorf("reading team config: %w", err)
	}
	var cfg TeamConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		// Torn or corrupt config reads as missing; the next Ensure rebuilds it.
		return TeamConfig{}, false, nil
	}
	return cfg, true, nil
}

// Ensure creates the config from defaults on first access, or upserts an
// existing one: updatedAt is refreshed, missing leadName/style/members are
// filled from defaults, and everything already present is preserved.
func Ensure(teamDir string, defaults TeamConfig) (TeamConfig, error) {
	var result TeamConfig
	err := mutate(teamDir, func(cfg *TeamConfig, exists bool) error {
		now := time.Now().UTC().Format(time.RFC3339)
		if !exists {
			*cfg = defaults
			for i := range cfg.Members {
				cfg.Members[i].Name = protocol.SanitizeName(cfg.Members[i].Name)
			}
			if cfg.CreatedAt == "" {
				cfg.CreatedAt = now
			}
			cfg.UpdatedAt = now
			result = *cfg
			return nil
		}
		if cfg.LeadName == "" {
			cfg.LeadName = defaults.LeadName
		}
		if cfg.Style == "" {
			cfg.Style = defaults.Style
		}
		if cfg.TaskListID == "" {
			cfg.TaskListID = defaults.TaskListID
		}
		for _, dm := range defaults.Members {
			if cfg.FindMember(protocol.SanitizeName(dm.Name)) == nil {
				dm.Name = protocol.SanitizeName(dm.Name)
				cfg.Members = append(cfg.Members, dm)
			}
		}
		cfg.UpdatedAt = now
		result = *cfg
		return nil
	})
	if err != nil {
		return TeamConfig{}, err
	}
	return result, nil
}

// UpsertMember adds or replaces a member record by sanitized name.
func UpsertMember(teamDir string, member Member) error {
	member.Name = protocol.SanitizeName(member.Name)
	return mutate(teamDir, func(cfg *TeamConfig, exists bool) error {
		if !exists {
			return fmt.Errorf("team config missing at %s", teamDir)
		}
		if existing := cfg.FindMember(member.Name); existing != nil {
			*existing = member
		} else {
			cfg.Members = append(cfg.Members, member)
		}
		cfg.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return nil
	})
}

// SetMemberStatus updates one member's status, stamps lastSeenAt, and merges
// meta entries (existing keys not named in meta are preserved).
func SetMemberStatus(teamDir, name string, status MemberStatus, meta map[string]string) error {
	name = protocol.SanitizeName(name)
	return mutate(teamDir, func(cfg *TeamConfig, exists bool) error {
		if !exists {
			return fmt.Errorf("team config missing at %s", teamDir)
		}
		m := cfg.FindMember(name)
		if m == nil {
			return fmt.Errorf("%s: %w", name, ErrMemberNotFound)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		m.Status = status
		m.LastSeenAt = now
		if len(meta) > 0 {
			if m.Meta == nil {
				m.Meta = make(map[string]string, len(meta))
			}
			for k, v := range meta {
				m.Meta[k] = v
			}
		}
		cfg.UpdatedAt = now
		return nil
	})
}

// UpdateHooksPolicy applies a transform to the team's hook policy.
func UpdateHooksPolicy(teamDir string, f func(*HooksPolicy)) (HooksPolicy, error) {
	var result HooksPolicy
	err := mutate(teamDir, func(cfg *TeamConfig, exists bool) error {
		if !exists {
			return fmt.Errorf("team config missing at %s", teamDir)
		}
		if cfg.Hooks == nil {
			cfg.Hooks = &HooksPolicy{}
		}
		f(cfg.Hooks)
		if err := cfg.Hooks.Validate(); err != nil {
			return err
		}
		if cfg.Hooks.IsZero() {
			cfg.Hooks = nil
			result = HooksPolicy{}
		} else {
			result = *cfg.Hooks
		}
		cfg.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		return nil
	})
	if err != nil {
		return HooksPolicy{}, err
	}
	return result, nil
}

// mutate runs a read-modify-write on config.json under the config lock.
func mutate(teamDir string, f func(cfg *TeamConfig, exists bool) error) error {
	if err := os.MkdirAll(teamDir, 0o755); err != nil {
		return fmt.Errorf("creating team dir: %w", err)
	}
	return flock.WithLock(lockPath(teamDir), flock.Options{}, func() error {
		cfg, exists, err := Load(teamDir)
		if err != nil {
			return err
		}
		if err := f(&cfg, exists); err != nil {
			return err
		}
		return write(teamDir, cfg)
	})
}

func write(teamDir string, cfg TeamConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling team config: %w", err)
	}
	tmp, err := os.CreateTemp(teamDir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmpPath, configPath(teamDir)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming config: %w", err)
	}
	return nil
}
