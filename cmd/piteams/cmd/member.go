package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/baiirun/piteams/internal/claim"
	"github.com/baiirun/piteams/internal/coordinator"
	"github.com/baiirun/piteams/internal/mailbox"
	"github.com/baiirun/piteams/internal/protocol"
	"github.com/baiirun/piteams/internal/tasks"
	"github.com/baiirun/piteams/internal/teamcfg"
	"github.com/baiirun/piteams/internal/term"
)

var spawnCmd = &cobra.Command{
	Use:   "spawn [name]",
	Short: "Spawn a worker and lead it until interrupted",
	Long: `Spawn launches a worker session and stays attached as its leader:
the coordinator pumps the inbox, runs quality-gate hooks, and sweeps
dead workers until the process is interrupted.

Without a name the worker gets one from the team's naming pool.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runSpawnWorker,
}

func init() {
	rootCmd.AddCommand(spawnCmd)

	f := spawnCmd.Flags()
	f.String("mode", "", "context mode: fresh or branch (default fresh)")
	f.String("workspace", "", "workspace mode: shared or worktree (default shared)")
	f.Bool("plan-required", false, "worker must get its plan approved before acting")
	f.String("model", "", "model override, provider/model or bare model id")
	f.String("thinking", "", "thinking level passed to the worker")
	f.Bool("claim", false, "take over the attach claim if another session holds it")
}

func runSpawnWorker(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	requireTeam(cfg)
	if takeClaim, _ := cmd.Flags().GetBool("claim"); takeClaim {
		cfg.AutoClaim = true
	}

	var name string
	if len(args) == 1 {
		name = args[0]
	}
	mode, _ := cmd.Flags().GetString("mode")
	workspace, _ := cmd.Flags().GetString("workspace")
	planRequired, _ := cmd.Flags().GetBool("plan-required")
	model, _ := cmd.Flags().GetString("model")
	thinking, _ := cmd.Flags().GetString("thinking")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord := coordinator.New(cfg, sessionID())
	coord.SetNotify(func(text string) { fmt.Println(term.Yellow("• " + text)) })
	if err := coord.Start(ctx); err != nil {
		if errors.Is(err, claim.ErrClaimedByOther) {
			Fatal("team %s is attached by another session (retry with --claim to take over)", cfg.TeamID)
		}
		Fatal("%v", err)
	}
	defer coord.Close(context.Background())

	cwd, _ := os.Getwd()
	res := coord.SpawnTeammate(ctx, coordinator.SpawnOptions{
		Name:          name,
		Mode:          mode,
		WorkspaceMode: workspace,
		PlanRequired:  planRequired,
		Model:         model,
		Thinking:      thinking,
		Cwd:           cwd,
	})
	if !res.OK {
		Fatal("%s", res.Error)
	}
	for _, warning := range res.Warnings {
		fmt.Println(term.Yellow("warning: " + warning))
	}
	if res.Note != "" {
		fmt.Println(term.Dim(res.Note))
	}
	fmt.Printf("spawned %s (%s, %s) — leading until interrupted\n",
		term.Cyan(res.Name), res.Mode, res.WorkspaceMode)

	<-ctx.Done()
	fmt.Println("\nstopping workers...")
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown [name|all]",
	Short: "Request a graceful worker shutdown",
	Long: `Shutdown sends a shutdown_request envelope; the worker finishes its
current turn, approves or rejects, and exits on approval. With "all",
or no argument, every online worker is asked.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runShutdown,
}

func init() {
	rootCmd.AddCommand(shutdownCmd)
	shutdownCmd.Flags().String("reason", "", "reason forwarded to the worker")
}

func runShutdown(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	requireTeam(cfg)
	reason, _ := cmd.Flags().GetString("reason")
	teamDir := cfg.TeamDir(cfg.TeamID)

	tc, ok, err := teamcfg.Load(teamDir)
	if err != nil || !ok {
		Fatal("team %s has no readable config", cfg.TeamID)
	}

	var targets []string
	if len(args) == 0 || args[0] == "all" {
		for _, m := range tc.Members {
			if m.Role == teamcfg.RoleWorker && m.Status == teamcfg.StatusOnline {
				targets = append(targets, m.Name)
			}
		}
		if len(targets) == 0 {
			fmt.Println(term.Dim("no online workers"))
			return
		}
	} else {
		name := protocol.SanitizeName(args[0])
		if tc.FindMember(name) == nil {
			Fatal("no member %q in team %s", name, cfg.TeamID)
		}
		targets = []string{name}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, name := range targets {
		text := protocol.Encode(&protocol.ShutdownRequest{
			RequestID: uuid.NewString(),
			From:      cfg.LeadName,
			Reason:    reason,
		})
		if text == "" {
			Fatal("encoding shutdown request for %s", name)
		}
		err := mailbox.Write(teamDir, cfg.TaskListID, name, mailbox.Message{
			From:      cfg.LeadName,
			Text:      text,
			Timestamp: now,
		})
		if err != nil {
			Fatal("writing mailbox for %s: %v", name, err)
		}
		_ = teamcfg.SetMemberStatus(teamDir, name, teamcfg.StatusOnline, map[string]string{
			teamcfg.MetaShutdownRequestedAt: now,
		})
	}
	fmt.Printf("shutdown requested for %d worker(s)\n", len(targets))
}

var killCmd = &cobra.Command{
	Use:   "kill <name>",
	Short: "Force-stop a worker",
	Long: `Kill signals the worker's process group, unassigns its tasks, and
marks it offline. Prefer shutdown for a graceful exit.`,
	Args: cobra.ExactArgs(1),
	Run:  runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
}

func runKill(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	requireTeam(cfg)
	name := protocol.SanitizeName(args[0])
	teamDir := cfg.TeamDir(cfg.TeamID)

	tc, ok, err := teamcfg.Load(teamDir)
	if err != nil || !ok {
		Fatal("team %s has no readable config", cfg.TeamID)
	}
	member := tc.FindMember(name)
	if member == nil {
		Fatal("no member %q in team %s", name, cfg.TeamID)
	}

	if pid, err := strconv.Atoi(member.Meta[teamcfg.MetaPID]); err == nil && pid > 0 {
		// Workers run with setsid; the negative pid reaches the whole group.
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}

	store := tasks.NewStore(teamDir, cfg.TaskListID)
	if _, err := store.UnassignForAgent(name, cfg.LeadName, "killed by lead"); err != nil {
		Fatal("unassigning tasks for %s: %v", name, err)
	}
	err = teamcfg.SetMemberStatus(teamDir, name, teamcfg.StatusOffline, map[string]string{
		teamcfg.MetaKilledAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		Fatal("marking %s offline: %v", name, err)
	}
	fmt.Printf("killed %s\n", term.Cyan(name))
}
