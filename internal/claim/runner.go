package claim

import (
	"context"
	"log/slog"
	"time"
)

// Runner refreshes a held claim in the background. When the claim is lost —
// another session took it over, the file vanished, or heartbeats keep
// failing — onLost fires once and the runner stops.
type Runner struct {
	TeamDir  string
	SessionID string
	Interval time.Duration // zero uses DefaultStale / 3
	Log      *slog.Logger
	OnLost   func(reason string)
}

const heartbeatFailureBudget = 3

// Run blocks until ctx is cancelled or the claim is lost.
func (r *Runner) Run(ctx context.Context) {
	interval := r.Interval
	if interval == 0 {
		interval = DefaultStale / 3
	}
	log := r.Log
	if log == nil {
		log = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := Heartbeat(r.TeamDir, r.SessionID)
		if err != nil {
			failures++
			log.Warn("claim heartbeat failed",
				"team_dir", r.TeamDir,
				"failures", failures,
				"error", err,
			)
			if failures >= heartbeatFailureBudget {
				r.lost("heartbeat_errors")
				return
			}
			continue
		}
		failures = 0

		switch status {
		case HeartbeatUpdated:
		case HeartbeatNotOwner:
			log.Warn("claim taken by another session", "team_dir", r.TeamDir)
			r.lost("not_owner")
			return
		case HeartbeatMissing:
			log.Warn("claim file missing", "team_dir", r.TeamDir)
			r.lost("missing")
			return
		}
	}
}

func (r *Runner) lost(reason string) {
	if r.OnLost != nil {
		r.OnLost(reason)
	}
}
