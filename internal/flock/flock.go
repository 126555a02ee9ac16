// Package flock implements a cross-process file lock.
//
// A lock is an exclusively-created file next to the resource it guards. The
// file records the holder's PID and acquire time so a crashed holder can be
// detected and displaced instead of deadlocking every other process on the
// same team directory.
package flock

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"
)

var (
	// ErrLockHeld is returned when the lock is held by a live holder and the
	// retry budget is exhausted.
	ErrLockHeld = errors.New("lock held")
)

// holderInfo is the JSON payload written into the lock file.
type holderInfo struct {
	PID        int   `json:"pid"`
	AcquiredAt int64 `json:"acquired_at"` // Unix millis
}

// Options configures lock acquisition.
type Options struct {
	// Retries is the number of acquisition attempts before giving up.
	Retries int

	// RetryDelay is the base backoff between attempts. Each attempt doubles
	// the delay up to MaxRetryDelay, with a small jitter.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// StaleAfter is how old a held lock may be before it is broken.
	// Zero uses DefaultStaleAfter.
	StaleAfter time.Duration

	// now is the clock, overridable in tests.
	now func() time.Time
}

const (
	DefaultRetries       = 50
	DefaultRetryDelay    = 10 * time.Millisecond
	DefaultMaxRetryDelay = 200 * time.Millisecond
	DefaultStaleAfter    = 10 * time.Second
)

func (o *Options) applyDefaults() {
	if o.Retries == 0 {
		o.Retries = DefaultRetries
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if o.StaleAfter == 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.now == nil {
		o.now = time.Now
	}
}

// WithLock runs fn while holding the lock at lockPath. The lock is released
// on every exit path, including when fn returns an error or panics.
func WithLock(lockPath string, opts Options, fn func() error) error {
	opts.applyDefaults()

	if err := acquire(lockPath, opts); err != nil {
		return err
	}
	defer release(lockPath)

	return fn()
}

// acquire creates the lock file exclusively, retrying with bounded
// exponential backoff. A lock whose recorded acquire time is older than
// StaleAfter is assumed to belong to a crashed holder and is broken.
func acquire(lockPath string, opts Options) error {
	delay := opts.RetryDelay

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		ok, err := tryCreate(lockPath, opts.now())
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if breakIfStale(lockPath, opts) {
			// Lock removed; contend for it on the next iteration without
			// burning the backoff delay.
			continue
		}

		if attempt == opts.Retries {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
		time.Sleep(delay + jitter)
		delay *= 2
		if delay > opts.MaxRetryDelay {
			delay = opts.MaxRetryDelay
		}
	}

	return fmt.Errorf("acquiring %s after %d attempts: %w", lockPath, opts.Retries+1, ErrLockHeld)
}

// tryCreate attempts one exclusive create. Returns (false, nil) on contention.
func tryCreate(lockPath string, now time.Time) (bool, error) {
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("creating lock file %s: %w", lockPath, err)
	}

	info := holderInfo{PID: os.Getpid(), AcquiredAt: now.UnixMilli()}
	data, _ := json.Marshal(info)
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return false, fmt.Errorf("writing lock file %s: %w", lockPath, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(lockPath)
		return false, fmt.Errorf("closing lock file %s: %w", lockPath, err)
	}
	return true, nil
}

// breakIfStale removes the lock file when its holder info is older than
// StaleAfter or unreadable garbage. Returns true if the lock was removed.
//
// An unreadable file is treated as in-flight (another process may be mid
// write), not stale — staleness requires a parseable, old timestamp. A file
// that stays unparseable past StaleAfter (by mtime) is broken too, so a
// crash between create and write cannot wedge the lock forever.
func breakIfStale(lockPath string, opts Options) bool {
	now := opts.now()

	data, err := os.ReadFile(lockPath)
	if err != nil {
		// Raced with a release. Let the caller retry the create.
		return os.IsNotExist(err)
	}

	var info holderInfo
	if err := json.Unmarshal(data, &info); err == nil && info.AcquiredAt > 0 {
		age := now.Sub(time.UnixMilli(info.AcquiredAt))
		if age <= opts.StaleAfter {
			return false
		}
	} else {
		st, statErr := os.Stat(lockPath)
		if statErr != nil || now.Sub(st.ModTime()) <= opts.StaleAfter {
			return false
		}
	}

	return os.Remove(lockPath) == nil
}

func release(lockPath string) {
	_ = os.Remove(lockPath)
}
