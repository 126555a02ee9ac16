// Package discovery enumerates team directories under the teams root.
package discovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/baiirun/piteams/internal/claim"
	"github.com/baiirun/piteams/internal/teamcfg"
)

// Team is one discovered team with its claim snapshot.
type Team struct {
	TeamID  string
	Dir     string
	Config  teamcfg.TeamConfig
	Claim   *claim.Claim
	IsStale bool // meaningless when Claim is nil
}

// List enumerates teams under root, newest updatedAt first. Directories
// starting with '_' are skipped, as are directories without a readable
// config.json. A missing root is an empty list.
func List(root string) ([]Team, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now()
	var teams []Team
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		cfg, ok, err := teamcfg.Load(dir)
		if err != nil || !ok {
			continue
		}

		team := Team{TeamID: cfg.TeamID, Dir: dir, Config: cfg}
		if team.TeamID == "" {
			team.TeamID = entry.Name()
		}
		if c, ok := claim.Load(dir); ok {
			cc := c
			team.Claim = &cc
			team.IsStale = claim.Assess(c, now, claim.DefaultStale).IsStale
		}
		teams = append(teams, team)
	}

	sort.SliceStable(teams, func(i, j int) bool {
		return teams[i].Config.UpdatedAt > teams[j].Config.UpdatedAt
	})
	return teams, nil
}
