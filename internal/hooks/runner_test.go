package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRun_NoHooksIsOK(t *testing.T) {
	r := &Runner{TeamDir: t.TempDir()}
	results, ok := r.Run(context.Background(), TaskSummary{TaskID: "1"})
	if !ok || results != nil {
		t.Errorf("Run = %v, %t", results, ok)
	}
}

func TestRun_PassingHook(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{TeamDir: dir, Commands: []string{"true"}}

	results, ok := r.Run(context.Background(), TaskSummary{TaskID: "7", Subject: "ship it"})
	if !ok {
		t.Fatalf("results = %+v", results)
	}
	if len(results) != 1 || !results[0].OK || results[0].ExitCode != 0 {
		t.Errorf("results = %+v", results)
	}
}

func TestRun_FailingHookCapturesStderr(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{
		TeamDir:  dir,
		Commands: []string{`echo "lint: 3 issues" >&2; exit 1`},
	}

	results, ok := r.Run(context.Background(), TaskSummary{TaskID: "7"})
	if ok {
		t.Fatal("failing hook reported ok")
	}
	res := results[0]
	if res.OK || res.ExitCode != 1 {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Stderr, "lint: 3 issues") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.LogPath == "" {
		t.Fatal("no log path")
	}
	data, err := os.ReadFile(res.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "lint: 3 issues") {
		t.Errorf("log = %q", data)
	}
	if filepath.Dir(res.LogPath) != filepath.Join(dir, LogDirName) {
		t.Errorf("log path = %q, want under %s/", res.LogPath, LogDirName)
	}
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "second-ran")
	r := &Runner{
		TeamDir:  dir,
		Commands: []string{"exit 2", "touch " + marker},
	}

	results, ok := r.Run(context.Background(), TaskSummary{TaskID: "3"})
	if ok || len(results) != 1 {
		t.Errorf("results = %+v, ok = %t", results, ok)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("second hook ran after first failed")
	}
}

func TestRun_StdinCarriesTaskSummary(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "stdin.json")
	r := &Runner{TeamDir: dir, Commands: []string{"cat > " + out}}

	summary := TaskSummary{TaskID: "9", Subject: "wire the parser", Status: "completed", Owner: "agent1", TeamID: "t1", TaskListID: "t1"}
	if _, ok := r.Run(context.Background(), summary); !ok {
		t.Fatal("hook failed")
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"taskId":"9"`, `"owner":"agent1"`, `"subject":"wire the parser"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("stdin %q missing %s", data, want)
		}
	}
}

func TestRun_CwdIsTeamDir(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{TeamDir: dir, Commands: []string{"pwd > cwd.txt"}}

	if _, ok := r.Run(context.Background(), TaskSummary{TaskID: "1"}); !ok {
		t.Fatal("hook failed")
	}
	data, err := os.ReadFile(filepath.Join(dir, "cwd.txt"))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(data)))
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("cwd = %q, want %q", got, want)
	}
}

func TestRun_Timeout(t *testing.T) {
	r := &Runner{
		TeamDir:  t.TempDir(),
		Commands: []string{"sleep 5"},
		Timeout:  50 * time.Millisecond,
	}

	start := time.Now()
	results, ok := r.Run(context.Background(), TaskSummary{TaskID: "1"})
	if ok {
		t.Fatal("timed-out hook reported ok")
	}
	if !results[0].TimedOut {
		t.Errorf("result = %+v, want TimedOut", results[0])
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout not enforced")
	}
}
