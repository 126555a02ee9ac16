package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/baiirun/piteams/internal/config"
	"github.com/baiirun/piteams/internal/mailbox"
	"github.com/baiirun/piteams/internal/protocol"
	"github.com/baiirun/piteams/internal/teamcfg"
	"github.com/baiirun/piteams/internal/term"
)

var dmCmd = &cobra.Command{
	Use:   "dm <name> <message...>",
	Short: "Send a direct message to a teammate",
	Long: `Send a message into a teammate's task-list mailbox. The worker
reads it at its next turn boundary.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		requireTeam(cfg)
		name := protocol.SanitizeName(args[0])
		deliver(cfg, cfg.TaskListID, []string{name}, strings.Join(args[1:], " "))
		fmt.Printf("sent to %s\n", term.Cyan(name))
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <name> <message...>",
	Short: "Send a team-scoped message to a member",
	Long: `Like dm, but delivered in the team namespace rather than the task
list, so it survives task-list rotation.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		requireTeam(cfg)
		name := protocol.SanitizeName(args[0])
		deliver(cfg, mailbox.NamespaceTeam, []string{name}, strings.Join(args[1:], " "))
		fmt.Printf("sent to %s\n", term.Cyan(name))
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <message...>",
	Short: "Send a message to every worker",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		requireTeam(cfg)

		tc, ok, err := teamcfg.Load(cfg.TeamDir(cfg.TeamID))
		if err != nil || !ok {
			Fatal("team %s has no readable config", cfg.TeamID)
		}
		recipients := tc.Workers()
		sort.Strings(recipients)
		if len(recipients) == 0 {
			Fatal("team %s has no workers", cfg.TeamID)
		}

		deliver(cfg, cfg.TaskListID, recipients, strings.Join(args, " "))
		fmt.Printf("broadcast to %d worker(s)\n", len(recipients))
	},
}

var steerCmd = &cobra.Command{
	Use:   "steer <name> <message...>",
	Short: "Redirect a working teammate",
	Long: `Queue a steering message for a teammate. When issued inside the
leader session the message interrupts the worker's current turn; from a
separate terminal it is delivered at the next turn boundary.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		requireTeam(cfg)
		name := protocol.SanitizeName(args[0])

		tc, ok, _ := teamcfg.Load(cfg.TeamDir(cfg.TeamID))
		if !ok || tc.FindMember(name) == nil {
			Fatal("no member %q in team %s", name, cfg.TeamID)
		}
		deliver(cfg, cfg.TaskListID, []string{name}, strings.Join(args[1:], " "))
		fmt.Printf("steering %s\n", term.Cyan(name))
	},
}

func init() {
	rootCmd.AddCommand(dmCmd, sendCmd, broadcastCmd, steerCmd)
}

// deliver writes one message to each recipient with a shared timestamp.
func deliver(cfg config.Config, namespace string, recipients []string, text string) {
	teamDir := cfg.TeamDir(cfg.TeamID)
	ts := time.Now().UTC().Format(time.RFC3339)
	for _, name := range recipients {
		err := mailbox.Write(teamDir, namespace, name, mailbox.Message{
			From:      cfg.LeadName,
			Text:      text,
			Timestamp: ts,
		})
		if err != nil {
			Fatal("writing mailbox for %s: %v", name, err)
		}
	}
}
