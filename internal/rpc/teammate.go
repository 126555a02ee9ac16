// Package rpc supervises one worker child process over a newline-delimited
// JSON duplex on stdio.
//
// Requests carry a monotonically increasing id and block until the matching
// response arrives. Anything the child prints that is not structurally a
// response is tentatively treated as an event; unparseable lines are
// discarded silently. A worker may emit events at any time between
// responses.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State is the teammate lifecycle state. Stopped and Error are sinks.
type State string

const (
	StateStarting  State = "starting"
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

var (
	// ErrTimeout means the worker did not answer within the request deadline.
	// The worker is not assumed dead — only a pipe close means that.
	ErrTimeout = errors.New("rpc request timed out")

	// ErrProcessExit means the worker terminated before responding.
	ErrProcessExit = errors.New("worker process exited")

	// ErrStopped means the teammate is in a terminal state.
	ErrStopped = errors.New("teammate stopped")
)

const (
	// DefaultRequestTimeout bounds one round-trip.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultBootDelay lets the child settle before the first request.
	DefaultBootDelay = 120 * time.Millisecond

	// killGrace is how long stop waits after SIGTERM before SIGKILL.
	killGrace = time.Second
)

// Request is one command sent to the worker.
type Request struct {
	ID   int64          `json:"id"`
	Type string         `json:"type"`
	Args map[string]any `json:"-"`
}

// Response is the worker's answer to one request.
type Response struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"` // always "response"
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Event is an asynchronous notification from the worker.
type Event struct {
	Type string
	Raw  map[string]any
}

// Well-known event types.
const (
	EventAgentStart         = "agent_start"
	EventAgentEnd           = "agent_end"
	EventMessageUpdate      = "message_update"
	EventMessageEnd         = "message_end"
	EventToolExecutionStart = "tool_execution_start"
	EventToolExecutionEnd   = "tool_execution_end"
)

// Handle abstracts the spawned OS process. It is the seam for testing —
// swap with a fake wired to in-memory pipes.
type Handle interface {
	Stdin() io.Writer
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
	PID() int
}

// StartOptions configures the spawned child.
type StartOptions struct {
	Cwd  string
	Env  []string // appended to the parent environment
	Args []string

	// BootDelay overrides DefaultBootDelay (set to >0; tests use 1ns).
	BootDelay time.Duration

	// RequestTimeout overrides DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Starter spawns a worker and returns its handle plus a stdout reader.
type Starter func(ctx context.Context, command string, opts StartOptions) (Handle, io.ReadCloser, error)

// execHandle wraps *exec.Cmd.
type execHandle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (h *execHandle) Stdin() io.Writer            { return h.stdin }
func (h *execHandle) Wait() error                 { return h.cmd.Wait() }
func (h *execHandle) Signal(sig os.Signal) error  { return h.cmd.Process.Signal(sig) }
func (h *execHandle) Kill() error                 { return h.cmd.Process.Kill() }
func (h *execHandle) PID() int                    { return h.cmd.Process.Pid }

// ExecStarter spawns a real OS process in its own process group so terminal
// signals don't propagate from the leader.
func ExecStarter(ctx context.Context, command string, opts StartOptions) (Handle, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %q: %w", command, err)
	}
	return &execHandle{cmd: cmd, stdin: stdin}, stdout, nil
}

// Teammate is the RPC endpoint for one worker child.
type Teammate struct {
	Name string

	mu                sync.Mutex
	state             State
	lastAssistantText string
	lastError         string
	pending           map[int64]chan Response
	eventSubs         map[int]func(Event)
	closeSubs         map[int]func()
	nextSub           int
	handle            Handle
	stopped           bool

	nextID         atomic.Int64
	requestTimeout time.Duration
	log            *slog.Logger
	closeOnce      sync.Once
}

// New creates a teammate in the starting state.
func New(name string, log *slog.Logger) *Teammate {
	if log == nil {
		log = slog.Default()
	}
	return &Teammate{
		Name:      name,
		state:     StateStarting,
		pending:   make(map[int64]chan Response),
		eventSubs: make(map[int]func(Event)),
		closeSubs: make(map[int]func()),
		log:       log,
	}
}

// Start spawns the child and settles into idle after the boot delay.
func (t *Teammate) Start(ctx context.Context, command string, opts StartOptions, starter Starter) error {
	if starter == nil {
		starter = ExecStarter
	}
	if opts.BootDelay == 0 {
		opts.BootDelay = DefaultBootDelay
	}
	t.requestTimeout = opts.RequestTimeout
	if t.requestTimeout == 0 {
		t.requestTimeout = DefaultRequestTimeout
	}

	handle, stdout, err := starter(ctx, command, opts)
	if err != nil {
		t.mu.Lock()
		t.state = StateError
		t.lastError = err.Error()
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.handle = handle
	t.mu.Unlock()

	go t.readLoop(stdout)
	go t.waitLoop(handle)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(opts.BootDelay):
	}

	t.mu.Lock()
	if t.state == StateStarting {
		t.state = StateIdle
	}
	t.mu.Unlock()

	t.log.Debug("teammate started", "name", t.Name, "pid", handle.PID())
	return nil
}

// State returns the current lifecycle state.
func (t *Teammate) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastAssistantText returns the text accumulated since the last agent_start.
func (t *Teammate) LastAssistantText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAssistantText
}

// LastError returns the terminal error, if any.
func (t *Teammate) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

// PID returns the child's process id, or 0 before start.
func (t *Teammate) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle == nil {
		return 0
	}
	return t.handle.PID()
}

// Send writes one request line and blocks until the matching response, the
// request timeout, or process exit.
func (t *Teammate) Send(ctx context.Context, reqType string, args map[string]any) (Response, error) {
	t.mu.Lock()
	if t.stopped || t.handle == nil {
		t.mu.Unlock()
		return Response{}, ErrStopped
	}
	id := t.nextID.Add(1)
	ch := make(chan Response, 1)
	t.pending[id] = ch

	line := make(map[string]any, len(args)+2)
	for k, v := range args {
		line[k] = v
	}
	line["id"] = id
	line["type"] = reqType
	data, err := json.Marshal(line)
	if err != nil {
		delete(t.pending, id)
		t.mu.Unlock()
		return Response{}, fmt.Errorf("marshaling request: %w", err)
	}
	stdin := t.handle.Stdin()
	t.mu.Unlock()

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		t.dropPending(id)
		return Response{}, fmt.Errorf("writing request: %w", err)
	}

	timer := time.NewTimer(t.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.ID == -1 {
			return Response{}, ErrProcessExit
		}
		return resp, nil
	case <-timer.C:
		t.dropPending(id)
		return Response{}, fmt.Errorf("%s request %d: %w", reqType, id, ErrTimeout)
	case <-ctx.Done():
		t.dropPending(id)
		return Response{}, ctx.Err()
	}
}

// Prompt, Steer, FollowUp, Abort, GetState and SetSessionName are the
// request vocabulary the worker understands.

func (t *Teammate) Prompt(ctx context.Context, text string) (Response, error) {
	return t.Send(ctx, "prompt", map[string]any{"text": text})
}

func (t *Teammate) Steer(ctx context.Context, text string) (Response, error) {
	return t.Send(ctx, "steer", map[string]any{"text": text})
}

func (t *Teammate) FollowUp(ctx context.Context, text string) (Response, error) {
	return t.Send(ctx, "follow_up", map[string]any{"text": text})
}

func (t *Teammate) Abort(ctx context.Context) (Response, error) {
	return t.Send(ctx, "abort", nil)
}

func (t *Teammate) GetState(ctx context.Context) (Response, error) {
	return t.Send(ctx, "get_state", nil)
}

func (t *Teammate) SetSessionName(ctx context.Context, name string) (Response, error) {
	return t.Send(ctx, "set_session_name", map[string]any{"name": name})
}

// OnEvent registers a listener for asynchronous events. The returned func
// unsubscribes.
func (t *Teammate) OnEvent(fn func(Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.eventSubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.eventSubs, id)
	}
}

// OnClose registers a listener fired once when the child exits.
func (t *Teammate) OnClose(fn func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.closeSubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.closeSubs, id)
	}
}

// Stop winds the worker down: best-effort abort, SIGTERM, SIGKILL after a
// grace period. Pending requests are rejected with ErrProcessExit.
// Idempotent.
func (t *Teammate) Stop(ctx context.Context) {
	t.mu.Lock()
	if t.stopped || t.handle == nil {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	handle := t.handle
	t.mu.Unlock()

	abortCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, _ = t.sendRaw(abortCtx, handle, "abort")
	cancel()

	_ = handle.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		// waitLoop owns Wait; poll the state instead of double-waiting.
		for {
			t.mu.Lock()
			s := t.state
			t.mu.Unlock()
			if s == StateStopped || s == StateError {
				close(done)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(killGrace):
		_ = handle.Kill()
		<-done
	}
}

// sendRaw writes a fire-and-forget request during shutdown, bypassing the
// pending map (the response, if any, resolves nothing).
func (t *Teammate) sendRaw(ctx context.Context, handle Handle, reqType string) (int64, error) {
	id := t.nextID.Add(1)
	data, err := json.Marshal(map[string]any{"id": id, "type": reqType})
	if err != nil {
		return 0, err
	}
	_, err = handle.Stdin().Write(append(data, '\n'))
	return id, err
}

func (t *Teammate) dropPending(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// readLoop parses child stdout line by line.
func (t *Teammate) readLoop(stdout io.ReadCloser) {
	defer stdout.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		t.handleLine(scanner.Bytes())
	}
}

// handleLine classifies one stdout line: response, event, or noise.
func (t *Teammate) handleLine(line []byte) {
	var probe struct {
		ID   *int64 `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil || probe.Type == "" {
		return
	}

	if probe.Type == "response" && probe.ID != nil {
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return
	}
	t.dispatchEvent(Event{Type: probe.Type, Raw: raw})
}

// dispatchEvent advances the state machine and fans out to listeners.
func (t *Teammate) dispatchEvent(ev Event) {
	t.mu.Lock()
	switch ev.Type {
	case EventAgentStart:
		if t.state == StateIdle || t.state == StateStarting {
			t.state = StateStreaming
		}
		t.lastAssistantText = ""
	case EventAgentEnd:
		if t.state == StateStreaming {
			t.state = StateIdle
		}
	case EventMessageUpdate:
		if delta := textDelta(ev.Raw); delta != "" {
			t.lastAssistantText += delta
		}
	}
	subs := make([]func(Event), 0, len(t.eventSubs))
	for _, fn := range t.eventSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// textDelta digs the incremental assistant text out of a message_update.
func textDelta(raw map[string]any) string {
	if s, ok := raw["delta"].(string); ok {
		return s
	}
	if d, ok := raw["delta"].(map[string]any); ok {
		if s, ok := d["text"].(string); ok {
			return s
		}
	}
	if s, ok := raw["text"].(string); ok {
		return s
	}
	return ""
}

// waitLoop reaps the child and settles the terminal state.
func (t *Teammate) waitLoop(handle Handle) {
	err := handle.Wait()

	t.mu.Lock()
	if err == nil {
		t.state = StateStopped
	} else {
		t.state = StateError
		t.lastError = err.Error()
	}
	// Reject all in-flight requests.
	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- Response{ID: -1}
	}
	closeSubs := make([]func(), 0, len(t.closeSubs))
	for _, fn := range t.closeSubs {
		closeSubs = append(closeSubs, fn)
	}
	t.mu.Unlock()

	t.closeOnce.Do(func() {
		for _, fn := range closeSubs {
			fn()
		}
	})

	if err != nil {
		t.log.Warn("teammate exited with error", "name", t.Name, "error", err)
	} else {
		t.log.Debug("teammate exited cleanly", "name", t.Name)
	}
}
