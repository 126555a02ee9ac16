package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/baiirun/piteams/internal/claim"
	"github.com/baiirun/piteams/internal/coordinator"
)

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Run one teams-tool action from JSON on stdin",
	Long: `Tool is the programmatic entry point for the host agent runtime:
it reads one JSON tool request from stdin, runs it against the team,
and writes the JSON result to stdout.

Example:
  echo '{"action":"task_assign","taskId":"3","assignee":"agent1"}' | piteams tool`,
	Args: cobra.NoArgs,
	Run:  runTool,
}

func init() {
	rootCmd.AddCommand(toolCmd)
	toolCmd.Flags().Bool("claim", false, "take over the attach claim if another session holds it")
}

func runTool(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	requireTeam(cfg)
	if takeClaim, _ := cmd.Flags().GetBool("claim"); takeClaim {
		cfg.AutoClaim = true
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		Fatal("reading stdin: %v", err)
	}
	var req coordinator.ToolRequest
	if err := json.Unmarshal(data, &req); err != nil {
		Fatal("parsing tool request: %v", err)
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

	res := coord.Invoke(ctx, req)
	out, err := json.Marshal(res)
	if err != nil {
		Fatal("encoding result: %v", err)
	}
	fmt.Println(string(out))
	if !res.OK {
		os.Exit(1)
	}
}
