// Package config assembles the leader's configuration.
//
// Configuration is assembled from three sources in priority order:
//  1. CLI flags (highest priority)
//  2. Environment (PI_TEAMS_*), snapshotted once at startup
//  3. Config file (.piteams.yaml)
//  4. Defaults (lowest priority)
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/baiirun/piteams/internal/teamcfg"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLeadName     = "lead"
	DefaultMaxTeammates = 4
	DefaultHookTimeout  = 60 * time.Second
	DefaultSpawnCmd     = "pi --worker"
)

// Config holds the leader process configuration.
type Config struct {
	// RootDir is the teams root directory (PI_TEAMS_ROOT_DIR).
	RootDir string `yaml:"root_dir"`

	// Worker marks this process as a worker child (PI_TEAMS_WORKER).
	Worker bool `yaml:"-"`

	// TeamID selects the team directory (PI_TEAMS_TEAM_ID).
	TeamID string `yaml:"team_id"`

	// AgentName is this process's member name (PI_TEAMS_AGENT_NAME).
	// For the leader it defaults to LeadName.
	AgentName string `yaml:"-"`

	// TaskListID defaults to the team id (PI_TEAMS_TASK_LIST_ID).
	TaskListID string `yaml:"task_list_id"`

	// LeadName is the leader's member name (PI_TEAMS_LEAD_NAME).
	LeadName string `yaml:"lead_name"`

	// AutoClaim attaches with a claim without asking (PI_TEAMS_AUTO_CLAIM).
	AutoClaim bool `yaml:"auto_claim"`

	// Style selects the worker naming pool.
	Style string `yaml:"style"`

	// MaxTeammates caps auto-spawned workers in delegate.
	MaxTeammates int `yaml:"max_teammates"`

	// SpawnCmd is the command used to launch worker processes.
	SpawnCmd string `yaml:"spawn_cmd"`

	// HooksEnabled turns the quality-gate loop on (PI_TEAMS_HOOKS_ENABLED).
	HooksEnabled bool `yaml:"hooks_enabled"`

	// HookCommands are the post-completion hook command lines.
	HookCommands []string `yaml:"hook_commands"`

	// HookTimeout bounds one hook run (PI_TEAMS_HOOK_TIMEOUT_MS).
	HookTimeout time.Duration `yaml:"hook_timeout"`

	// Hook policy defaults; team config overrides these per team.
	HookFailureAction string `yaml:"hook_failure_action"`
	HookFollowupOwner string `yaml:"hook_followup_owner"`
	HookMaxReopens    int    `yaml:"hook_max_reopens"`

	// Logger is the structured logger. Not configurable via file/flags.
	Logger *slog.Logger `yaml:"-"`
}

// FromEnv snapshots the PI_TEAMS_* environment into a Config. Called once at
// startup; nothing else reads the environment.
func FromEnv() Config {
	c := Config{
		RootDir:           os.Getenv("PI_TEAMS_ROOT_DIR"),
		Worker:            envBool("PI_TEAMS_WORKER"),
		TeamID:            os.Getenv("PI_TEAMS_TEAM_ID"),
		AgentName:         os.Getenv("PI_TEAMS_AGENT_NAME"),
		TaskListID:        os.Getenv("PI_TEAMS_TASK_LIST_ID"),
		LeadName:          os.Getenv("PI_TEAMS_LEAD_NAME"),
		AutoClaim:         envBool("PI_TEAMS_AUTO_CLAIM"),
		HooksEnabled:      envBool("PI_TEAMS_HOOKS_ENABLED"),
		HookFailureAction: os.Getenv("PI_TEAMS_HOOK_FAILURE_ACTION"),
		HookFollowupOwner: os.Getenv("PI_TEAMS_HOOK_FOLLOWUP_OWNER"),
	}
	if ms, err := strconv.Atoi(os.Getenv("PI_TEAMS_HOOK_TIMEOUT_MS")); err == nil && ms > 0 {
		c.HookTimeout = time.Duration(ms) * time.Millisecond
	}
	if n, err := strconv.Atoi(os.Getenv("PI_TEAMS_HOOK_MAX_REOPENS")); err == nil && n >= 0 {
		c.HookMaxReopens = n
	} else {
		c.HookMaxReopens = -1 // unset marker; ApplyDefaults fills it
	}
	return c
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.RootDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.RootDir = filepath.Join(home, ".pi", "teams")
		} else {
			c.RootDir = ".pi-teams"
		}
	}
	if c.LeadName == "" {
		c.LeadName = DefaultLeadName
	}
	if c.AgentName == "" {
		c.AgentName = c.LeadName
	}
	if c.TaskListID == "" {
		c.TaskListID = c.TeamID
	}
	if c.MaxTeammates == 0 {
		c.MaxTeammates = DefaultMaxTeammates
	}
	if c.SpawnCmd == "" {
		c.SpawnCmd = DefaultSpawnCmd
	}
	if c.HookTimeout == 0 {
		c.HookTimeout = DefaultHookTimeout
	}
	if c.HookFailureAction == "" {
		c.HookFailureAction = string(teamcfg.DefaultHooksPolicy.FailureAction)
	}
	if c.HookFollowupOwner == "" {
		c.HookFollowupOwner = string(teamcfg.DefaultHooksPolicy.FollowupOwner)
	}
	if c.HookMaxReopens < 0 {
		c.HookMaxReopens = teamcfg.DefaultHooksPolicy.MaxReopensPerTask
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks configuration values. Call after ApplyDefaults.
func (c *Config) Validate() error {
	if c.MaxTeammates <= 0 {
		return fmt.Errorf("max-teammates must be positive, got %d", c.MaxTeammates)
	}
	if c.HookTimeout <= 0 {
		return fmt.Errorf("hook-timeout must be positive, got %v", c.HookTimeout)
	}
	switch teamcfg.FailureAction(c.HookFailureAction) {
	case teamcfg.FailureWarn, teamcfg.FailureFollowup, teamcfg.FailureReopen, teamcfg.FailureReopenFollowup:
	default:
		return fmt.Errorf("invalid hook failure action %q", c.HookFailureAction)
	}
	switch teamcfg.FollowupOwner(c.HookFollowupOwner) {
	case teamcfg.FollowupMember, teamcfg.FollowupLead, teamcfg.FollowupNone:
	default:
		return fmt.Errorf("invalid hook followup owner %q", c.HookFollowupOwner)
	}
	if !filepath.IsAbs(c.RootDir) {
		abs, err := filepath.Abs(c.RootDir)
		if err != nil {
			return fmt.Errorf("resolving root dir %q: %w", c.RootDir, err)
		}
		c.RootDir = abs
	}
	return nil
}

// HookDefaults returns the environment-supplied fallback hook policy.
func (c *Config) HookDefaults() teamcfg.ResolvedHooksPolicy {
	return teamcfg.ResolvedHooksPolicy{
		FailureAction:     teamcfg.FailureAction(c.HookFailureAction),
		MaxReopensPerTask: c.HookMaxReopens,
		FollowupOwner:     teamcfg.FollowupOwner(c.HookFollowupOwner),
	}
}

// TeamDir returns the directory for a team id under the root.
func (c *Config) TeamDir(teamID string) string {
	return filepath.Join(c.RootDir, teamID)
}

// LoadConfigFile reads a YAML config file and merges it into the config.
// Only zero-valued fields are overwritten — flags and env take precedence.
// Returns nil if the file does not exist.
func LoadConfigFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	mergeConfig(&file, into)
	return nil
}

// mergeConfig copies non-zero fields from src into dst where dst has the
// zero value.
func mergeConfig(src, dst *Config) {
	if dst.RootDir == "" {
		dst.RootDir = src.RootDir
	}
	if dst.TeamID == "" {
		dst.TeamID = src.TeamID
	}
	if dst.TaskListID == "" {
		dst.TaskListID = src.TaskListID
	}
	if dst.LeadName == "" {
		dst.LeadName = src.LeadName
	}
	if dst.Style == "" {
		dst.Style = src.Style
	}
	if dst.MaxTeammates == 0 {
		dst.MaxTeammates = src.MaxTeammates
	}
	if dst.SpawnCmd == "" {
		dst.SpawnCmd = src.SpawnCmd
	}
	if len(dst.HookCommands) == 0 {
		dst.HookCommands = src.HookCommands
	}
	if dst.HookTimeout == 0 {
		dst.HookTimeout = src.HookTimeout
	}
	if dst.HookFailureAction == "" {
		dst.HookFailureAction = src.HookFailureAction
	}
	if dst.HookFollowupOwner == "" {
		dst.HookFollowupOwner = src.HookFollowupOwner
	}
	if src.AutoClaim && !dst.AutoClaim {
		dst.AutoClaim = true
	}
	if src.HooksEnabled && !dst.HooksEnabled {
		dst.HooksEnabled = true
	}
}
