package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/baiirun/piteams/internal/config"
	"github.com/baiirun/piteams/internal/term"
)

var rootCmd = &cobra.Command{
	Use:   "piteams",
	Short: "piteams - leader-side coordination for teams of coding agents",
	Long: `piteams coordinates a team of autonomous coding agents from the
leader's side: a shared team directory holds the task list, member
registry, and mailboxes, and the leader spawns, messages, and
supervises worker sessions over it.

One leader session holds the attach claim for a team at a time.
Attach to a team to run the coordinator and its dashboard; the other
commands operate on the team directory from any terminal.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file (default is .piteams.yaml)")
	pf.String("root", "", "teams root directory (default is $PI_TEAMS_ROOT_DIR or ~/.pi/teams)")
	pf.StringP("team", "t", "", "team id (default is $PI_TEAMS_TEAM_ID)")
	pf.Bool("no-color", false, "disable colored output")
}

// Fatal prints an error and exits.
func Fatal(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}

// loadConfig assembles the effective configuration: flags over environment
// over config file over defaults.
func loadConfig(cmd *cobra.Command) config.Config {
	cfg := config.FromEnv()

	if root, _ := cmd.Flags().GetString("root"); root != "" {
		cfg.RootDir = root
	}
	if team, _ := cmd.Flags().GetString("team"); team != "" {
		cfg.TeamID = team
	}

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = ".piteams.yaml"
	}
	if err := config.LoadConfigFile(configPath, &cfg); err != nil {
		Fatal("%v", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		Fatal("%v", err)
	}

	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		term.Disable(true)
	}
	return cfg
}

// requireTeam exits unless a team id is configured.
func requireTeam(cfg config.Config) {
	if cfg.TeamID == "" {
		Fatal("no team selected (use --team or set PI_TEAMS_TEAM_ID)")
	}
}

// sessionID identifies this leader process in the attach claim. The host
// runtime passes a stable id; standalone invocations get a fresh one.
func sessionID() string {
	if id := os.Getenv("PI_TEAMS_SESSION_ID"); id != "" {
		return id
	}
	return uuid.NewString()
}
