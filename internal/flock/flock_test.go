package flock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWithLock_RunsAndReleases(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "x.lock")

	ran := false
	err := WithLock(lockPath, Options{}, func() error {
		ran = true
		if _, err := os.Stat(lockPath); err != nil {
			t.Errorf("lock file missing inside critical section: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock error = %v", err)
	}
	if !ran {
		t.Fatal("critical section did not run")
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file still present after release: err = %v", err)
	}
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "x.lock")
	boom := errors.New("boom")

	err := WithLock(lockPath, Options{}, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("WithLock error = %v, want %v", err, boom)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("lock file still present after failed section: err = %v", err)
	}
}

func TestWithLock_MutualExclusion(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "x.lock")

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(lockPath, Options{Retries: 500}, func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithLock error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestWithLock_ContendedGivesUp(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "x.lock")

	// Simulate a live holder: fresh timestamp, so no stale break.
	hold := func() error {
		return WithLock(lockPath, Options{Retries: 2, RetryDelay: time.Millisecond}, func() error {
			return nil
		})
	}
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- WithLock(lockPath, Options{}, func() error {
			<-release
			return nil
		})
	}()

	// Wait for the holder to be inside.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(lockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("holder never acquired the lock")
		}
		time.Sleep(time.Millisecond)
	}

	if err := hold(); !errors.Is(err, ErrLockHeld) {
		t.Errorf("contended acquire error = %v, want ErrLockHeld", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder WithLock error = %v", err)
	}
}

func TestWithLock_BreaksStaleLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "x.lock")

	// Plant a lock whose acquire time is far in the past.
	old := time.Now().Add(-time.Minute)
	if ok, err := tryCreate(lockPath, old); err != nil || !ok {
		t.Fatalf("planting stale lock: ok=%v err=%v", ok, err)
	}

	err := WithLock(lockPath, Options{Retries: 3, RetryDelay: time.Millisecond, StaleAfter: time.Second}, func() error {
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock over stale lock error = %v", err)
	}
}

func TestBreakIfStale_FreshLockSurvives(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "x.lock")
	if ok, err := tryCreate(lockPath, time.Now()); err != nil || !ok {
		t.Fatalf("creating lock: ok=%v err=%v", ok, err)
	}

	opts := Options{}
	opts.applyDefaults()
	if broke := breakIfStale(lockPath, opts); broke {
		t.Error("breakIfStale removed a fresh lock")
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("fresh lock file missing: %v", err)
	}
}
