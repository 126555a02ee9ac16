// Package hooks runs post-completion quality-gate commands.
//
// The contract with a hook is deliberately thin: it runs in the team
// directory, receives a JSON summary of the completed task on stdin, and a
// non-zero exit code means failure with stderr as the diagnostic. Combined
// output is captured under hook-logs/ for later inspection.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// LogDirName is the capture directory inside the team directory.
const LogDirName = "hook-logs"

// stderrTailLimit caps the diagnostic carried back in a Result.
const stderrTailLimit = 4 * 1024

// TaskSummary is what a hook reads on stdin.
type TaskSummary struct {
	TaskID     string `json:"taskId"`
	Subject    string `json:"subject"`
	Status     string `json:"status"`
	Owner      string `json:"owner,omitempty"`
	TeamID     string `json:"teamId"`
	TaskListID string `json:"taskListId"`
	Worker     string `json:"worker,omitempty"`
}

// Result is the outcome of one hook command.
type Result struct {
	Command  string
	OK       bool
	ExitCode int
	Stderr   string // tail of stderr, the hook's diagnostic
	LogPath  string
	TimedOut bool
}

// Runner executes the configured hook commands for completed tasks.
type Runner struct {
	TeamDir  string
	Commands []string
	Timeout  time.Duration // per hook; zero means no deadline
	Env      []string      // extra environment entries, KEY=VALUE
	Log      *slog.Logger

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, cmdline string) *exec.Cmd
}

// Run executes every configured hook in order, stopping at the first
// failure. The second return is true when all hooks passed (vacuously true
// with no hooks configured).
func (r *Runner) Run(ctx context.Context, summary TaskSummary) ([]Result, bool) {
	if len(r.Commands) == 0 {
		return nil, true
	}
	log := r.Log
	if log == nil {
		log = slog.Default()
	}

	stdin, err := json.Marshal(summary)
	if err != nil {
		log.Error("marshaling hook summary", "taskId", summary.TaskID, "error", err)
		return nil, false
	}

	results := make([]Result, 0, len(r.Commands))
	for _, cmdline := range r.Commands {
		res := r.runOne(ctx, cmdline, summary.TaskID, stdin)
		results = append(results, res)
		if !res.OK {
			log.Warn("hook failed",
				"taskId", summary.TaskID,
				"command", cmdline,
				"exitCode", res.ExitCode,
				"timedOut", res.TimedOut,
				"log", res.LogPath)
			return results, false
		}
		log.Debug("hook passed", "taskId", summary.TaskID, "command", cmdline)
	}
	return results, true
}

func (r *Runner) runOne(ctx context.Context, cmdline, taskID string, stdin []byte) Result {
	res := Result{Command: cmdline}

	hookCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		hookCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	run := r.runCommand
	if run == nil {
		run = func(ctx context.Context, cmdline string) *exec.Cmd {
			return exec.CommandContext(ctx, "sh", "-c", cmdline)
		}
	}
	cmd := run(hookCtx, cmdline)
	cmd.Dir = r.TeamDir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdin = bytes.NewReader(stdin)

	logFile, logPath := r.openLog(taskID)
	if logFile != nil {
		defer logFile.Close()
		res.LogPath = logPath
	}

	var stderr bytes.Buffer
	cmd.Stdout = orDiscard(logFile)
	if logFile != nil {
		cmd.Stderr = io.MultiWriter(logFile, &stderr)
	} else {
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	res.Stderr = tail(stderr.Bytes(), stderrTailLimit)
	if err == nil {
		res.OK = true
		return res
	}

	res.TimedOut = hookCtx.Err() == context.DeadlineExceeded
	if exit, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exit.ExitCode()
	} else {
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}
	return res
}

// openLog creates hook-logs/<taskId>-<ts>.log. Capture failures don't block
// the hook itself.
func (r *Runner) openLog(taskID string) (*os.File, string) {
	dir := filepath.Join(r.TeamDir, LogDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ""
	}
	name := fmt.Sprintf("%s-%d.log", taskID, time.Now().UnixMilli())
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, ""
	}
	return f, path
}

func orDiscard(f *os.File) io.Writer {
	if f == nil {
		return io.Discard
	}
	return f
}

func tail(b []byte, limit int) string {
	if len(b) > limit {
		b = b[len(b)-limit:]
	}
	return string(bytes.TrimSpace(b))
}
