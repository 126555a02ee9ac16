package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/baiirun/piteams/internal/claim"
	"github.com/baiirun/piteams/internal/coordinator"
	"github.com/baiirun/piteams/internal/teamcfg"
	"github.com/baiirun/piteams/internal/tui"
)

var attachCmd = &cobra.Command{
	Use:   "attach [list | <teamId>]",
	Short: "Attach to a team as its leader",
	Long: `Attach takes the team's attach claim, runs the coordinator (inbox
pump, heartbeat, dead-worker sweep), and opens the team dashboard.

"attach list" lists known teams instead of attaching. Pass --claim to
take over a claim held by another session.`,
	// Flags are parsed by hand so an unsupported flag names itself in the
	// error instead of surfacing a generic parse failure.
	DisableFlagParsing: true,
	Run:                runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) {
	var teamID string
	var takeClaim bool
	for _, arg := range args {
		switch {
		case arg == "--claim":
			takeClaim = true
		case strings.HasPrefix(arg, "--"):
			Fatal("unknown flag %q for attach (supported: --claim)", arg)
		case teamID == "":
			teamID = arg
		default:
			Fatal("attach takes at most one team id, got %q and %q", teamID, arg)
		}
	}

	if teamID == "list" {
		runTeams(cmd, nil)
		return
	}

	cfg := loadConfig(cmd)
	if teamID != "" {
		cfg.TeamID = teamID
		if cfg.TaskListID == "" || cfg.TaskListID == teamID {
			cfg.TaskListID = teamID
		}
	}
	requireTeam(cfg)
	cfg.AutoClaim = cfg.AutoClaim || takeClaim

	// An existing team carries its own task list id and lead name.
	teamDir := cfg.TeamDir(cfg.TeamID)
	if tc, ok, _ := teamcfg.Load(teamDir); ok {
		if tc.TaskListID != "" {
			cfg.TaskListID = tc.TaskListID
		}
		if tc.LeadName != "" {
			cfg.LeadName = tc.LeadName
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord := coordinator.New(cfg, sessionID())
	if err := coord.Start(ctx); err != nil {
		if errors.Is(err, claim.ErrClaimedByOther) {
			Fatal("team %s is attached by another session (retry with --claim to take over)", cfg.TeamID)
		}
		Fatal("%v", err)
	}
	defer coord.Close(context.Background())

	err := tui.Run(tui.Config{
		TeamDir:    teamDir,
		TeamID:     cfg.TeamID,
		TaskListID: cfg.TaskListID,
		LeadName:   cfg.LeadName,
	})
	if err != nil {
		Fatal("dashboard: %v", err)
	}
	fmt.Println("detached from", cfg.TeamID)
}

var detachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Release a team's attach claim",
	Long: `Detach releases the attach claim so another session can lead the
team. Without --force only this session's own claim is released.`,
	Args: cobra.NoArgs,
	Run:  runDetach,
}

func init() {
	rootCmd.AddCommand(detachCmd)
	detachCmd.Flags().Bool("force", false, "release even if another session holds the claim")
}

func runDetach(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	requireTeam(cfg)
	force, _ := cmd.Flags().GetBool("force")

	status, err := claim.Release(cfg.TeamDir(cfg.TeamID), sessionID(), force)
	if err != nil {
		Fatal("releasing claim: %v", err)
	}
	fmt.Printf("claim %s: %s\n", cfg.TeamID, status)
}
