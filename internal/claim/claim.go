// Package claim implements the attach claim: a heartbeated exclusive lease
// on a team directory. At most one leader session owns a team directory at a
// time; a claim whose heartbeat has gone quiet is stale and may be taken over.
package claim

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/baiirun/piteams/internal/flock"
)

const (
	FileName = ".attach-claim.json"

	// DefaultStale is how long a claim survives without a heartbeat.
	DefaultStale = 30 * time.Second
)

// ErrClaimedByOther is returned by Acquire when a live claim belongs to a
// different session and force was not requested.
var ErrClaimedByOther = errors.New("claimed by other session")

// Claim is the on-disk lease record.
type Claim struct {
	HolderSessionID string `json:"holderSessionId"`
	ClaimedAt       string `json:"claimedAt"`   // RFC 3339 UTC
	HeartbeatAt     string `json:"heartbeatAt"` // RFC 3339 UTC
	PID             int    `json:"pid"`
}

// Freshness is the result of assessing a claim against a clock.
type Freshness struct {
	IsStale bool
	AgeMs   int64
}

// Assess reports whether a claim is stale at the given instant. A claim with
// an unparseable heartbeat is stale — a lease we cannot date cannot be trusted
// to be live.
func Assess(c Claim, now time.Time, stale time.Duration) Freshness {
	hb, err := time.Parse(time.RFC3339, c.HeartbeatAt)
	if err != nil {
		return Freshness{IsStale: true, AgeMs: -1}
	}
	age := now.Sub(hb)
	return Freshness{IsStale: age > stale, AgeMs: age.Milliseconds()}
}

// AcquireOptions configures Acquire.
type AcquireOptions struct {
	// Force takes the claim even from a live holder.
	Force bool

	// Stale overrides DefaultStale.
	Stale time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// AcquireResult reports the outcome of an Acquire.
type AcquireResult struct {
	OK       bool
	Claim    Claim
	Replaced *Claim // previous holder, when a stale or forced takeover happened
}

func (o *AcquireOptions) applyDefaults() {
	if o.Stale == 0 {
		o.Stale = DefaultStale
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func claimPath(teamDir string) string { return filepath.Join(teamDir, FileName) }
func lockPath(teamDir string) string  { return claimPath(teamDir) + ".lock" }

// Acquire takes or refreshes the claim on teamDir for holderSessionID.
//
// No current claim: a new one is written. Same holder: the heartbeat is
// refreshed and claimedAt retained. Stale or forced: the claim is overwritten
// and the displaced holder reported in Replaced. Otherwise ErrClaimedByOther
// is returned with the blocking claim in the result.
func Acquire(teamDir, holderSessionID string, opts AcquireOptions) (AcquireResult, error) {
	opts.applyDefaults()

	var res AcquireResult
	err := flock.WithLock(lockPath(teamDir), flock.Options{}, func() error {
		now := opts.Now().UTC()
		current, ok, err := read(teamDir)
		if err != nil {
			return err
		}

		if ok && current.HolderSessionID == holderSessionID {
			current.HeartbeatAt = now.Format(time.RFC3339)
			current.PID = os.Getpid()
			if err := write(teamDir, current); err != nil {
				return err
			}
			res = AcquireResult{OK: true, Claim: current}
			return nil
		}

		if ok && !opts.Force {
			if fresh := Assess(current, now, opts.Stale); !fresh.IsStale {
				res = AcquireResult{OK: false, Claim: current}
				return fmt.Errorf("%w: %s", ErrClaimedByOther, current.HolderSessionID)
			}
		}

		next := Claim{
			HolderSessionID: holderSessionID,
			ClaimedAt:       now.Format(time.RFC3339),
			HeartbeatAt:     now.Format(time.RFC3339),
			PID:             os.Getpid(),
		}
		if err := write(teamDir, next); err != nil {
			return err
		}
		res = AcquireResult{OK: true, Claim: next}
		if ok {
			prev := current
			res.Replaced = &prev
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrClaimedByOther) {
		return AcquireResult{}, err
	}
	return res, err
}

// HeartbeatStatus is the outcome of a Heartbeat call.
type HeartbeatStatus string

const (
	HeartbeatUpdated  HeartbeatStatus = "updated"
	HeartbeatNotOwner HeartbeatStatus = "not_owner"
	HeartbeatMissing  HeartbeatStatus = "missing"
)

// Heartbeat refreshes the heartbeat timestamp if holderSessionID owns the claim.
func Heartbeat(teamDir, holderSessionID string) (HeartbeatStatus, error) {
	status := HeartbeatMissing
	err := flock.WithLock(lockPath(teamDir), flock.Options{}, func() error {
		current, ok, err := read(teamDir)
		if err != nil {
			return err
		}
		if !ok {
			status = HeartbeatMissing
			return nil
		}
		if current.HolderSessionID != holderSessionID {
			status = HeartbeatNotOwner
			return nil
		}
		current.HeartbeatAt = time.Now().UTC().Format(time.RFC3339)
		if err := write(teamDir, current); err != nil {
			return err
		}
		status = HeartbeatUpdated
		return nil
	})
	return status, err
}

// ReleaseStatus is the outcome of a Release call.
type ReleaseStatus string

const (
	Released        ReleaseStatus = "released"
	ReleaseNotOwner ReleaseStatus = "not_owner"
	ReleaseNone     ReleaseStatus = "none"
)

// Release removes the claim if holderSessionID owns it (or force is set).
// A missing claim file is tolerated and reported as ReleaseNone.
func Release(teamDir, holderSessionID string, force bool) (ReleaseStatus, error) {
	status := ReleaseNone
	err := flock.WithLock(lockPath(teamDir), flock.Options{}, func() error {
		current, ok, err := read(teamDir)
		if err != nil {
			return err
		}
		if !ok {
			status = ReleaseNone
			return nil
		}
		if current.HolderSessionID != holderSessionID && !force {
			status = ReleaseNotOwner
			return nil
		}
		if err := os.Remove(claimPath(teamDir)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing claim: %w", err)
		}
		status = Released
		return nil
	})
	return status, err
}

// Load reads the current claim without taking the lock. Readers tolerate a
// missing or torn file by reporting no claim.
func Load(teamDir string) (Claim, bool) {
	c, ok, err := read(teamDir)
	if err != nil {
		return Claim{}, false
	}
	return c, ok
}

func read(teamDir string) (Claim, bool, error) {
	data, err := os.ReadFile(claimPath(teamDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Claim{}, false, nil
		}
		return Claim{}, false, fmt.Errorf("reading claim: %w", err)
	}
	var c Claim
	if err := json.Unmarshal(data, &c); err != nil {
		// A corrupt claim cannot name a live holder. Treat as absent so the
		// next Acquire can rewrite it.
		return Claim{}, false, nil
	}
	return c, true, nil
}

// write persists the claim with write-to-temp-then-rename so readers never
// observe a partial file.
func write(teamDir string, c Claim) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling claim: %w", err)
	}

	tmp, err := os.CreateTemp(teamDir, ".attach-claim-*.json")
	if err != nil {
		return fmt.Errorf("creating temp claim file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp claim file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp claim file: %w", err)
	}
	if err := os.Rename(tmpPath, claimPath(teamDir)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming claim file: %w", err)
	}
	return nil
}
