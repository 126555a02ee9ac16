package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baiirun/piteams/internal/discovery"
	"github.com/baiirun/piteams/internal/teamcfg"
	"github.com/baiirun/piteams/internal/term"
)

var teamsCmd = &cobra.Command{
	Use:   "teams",
	Short: "List teams under the teams root",
	Args:  cobra.NoArgs,
	Run:   runTeams,
}

func init() {
	rootCmd.AddCommand(teamsCmd)
}

func runTeams(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	teams, err := discovery.List(cfg.RootDir)
	if err != nil {
		Fatal("listing teams: %v", err)
	}
	if len(teams) == 0 {
		fmt.Println(term.Dim("no teams under " + cfg.RootDir))
		return
	}

	fmt.Printf("%s%s%s\n",
		term.Pad("TEAM", 20, term.Bold),
		term.Pad("WORKERS", 10, term.Bold),
		term.Bold("CLAIM"))
	for _, team := range teams {
		online, workers := 0, 0
		for _, m := range team.Config.Members {
			if m.Role != teamcfg.RoleWorker {
				continue
			}
			workers++
			if m.Status == teamcfg.StatusOnline {
				online++
			}
		}

		claimLabel := term.Dim("unclaimed")
		if team.Claim != nil {
			switch {
			case team.IsStale:
				claimLabel = term.Yellow("stale (" + team.Claim.HolderSessionID + ")")
			default:
				claimLabel = term.Green("attached (" + team.Claim.HolderSessionID + ")")
			}
		}

		fmt.Printf("%s%s%s\n",
			term.Pad(team.TeamID, 20, term.Cyan),
			term.Pad(fmt.Sprintf("%d/%d", online, workers), 10, func(s string) string { return s }),
			claimLabel,
		)
	}
}
