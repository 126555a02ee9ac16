package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeHandle is an in-memory worker: requests written to stdin are parsed
// and answered by respond, events are injected with emit.
type fakeHandle struct {
	stdin  *io.PipeWriter // teammate writes requests here
	stdout *io.PipeWriter // fake writes responses/events here

	exited   chan struct{}
	exitErr  error
	exitOnce sync.Once

	killed   atomic.Bool
	sigterms atomic.Int64
}

func newFake() (*fakeHandle, io.ReadCloser, <-chan map[string]any) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	f := &fakeHandle{
		stdin:  stdinW,
		stdout: stdoutW,
		exited: make(chan struct{}),
	}

	requests := make(chan map[string]any, 16)
	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var req map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &req); err == nil {
				requests <- req
			}
		}
		close(requests)
	}()
	return f, stdoutR, requests
}

func (f *fakeHandle) Stdin() io.Writer { return f.stdin }

func (f *fakeHandle) Wait() error {
	<-f.exited
	return f.exitErr
}

func (f *fakeHandle) Signal(sig os.Signal) error {
	f.sigterms.Add(1)
	return nil
}

func (f *fakeHandle) Kill() error {
	f.killed.Store(true)
	f.exit(errors.New("killed"))
	return nil
}

func (f *fakeHandle) PID() int { return 4242 }

func (f *fakeHandle) exit(err error) {
	f.exitOnce.Do(func() {
		f.exitErr = err
		f.stdout.Close()
		close(f.exited)
	})
}

// emit writes one raw line to the worker's stdout.
func (f *fakeHandle) emit(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintln(f.stdout, line); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func (f *fakeHandle) respond(t *testing.T, id int64, command string, success bool) {
	t.Helper()
	f.emit(t, fmt.Sprintf(`{"id":%d,"type":"response","command":%q,"success":%t}`, id, command, success))
}

func startFake(t *testing.T) (*Teammate, *fakeHandle, <-chan map[string]any) {
	t.Helper()
	f, stdout, requests := newFake()
	tm := New("agent1", nil)
	starter := func(ctx context.Context, command string, opts StartOptions) (Handle, io.ReadCloser, error) {
		return f, stdout, nil
	}
	opts := StartOptions{BootDelay: time.Nanosecond, RequestTimeout: 2 * time.Second}
	if err := tm.Start(context.Background(), "fake-worker", opts, starter); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	return tm, f, requests
}

func reqID(t *testing.T, req map[string]any) int64 {
	t.Helper()
	id, ok := req["id"].(float64)
	if !ok {
		t.Fatalf("request without numeric id: %v", req)
	}
	return int64(id)
}

func TestSend_RoundTrip(t *testing.T) {
	tm, f, requests := startFake(t)
	defer f.exit(nil)

	if tm.State() != StateIdle {
		t.Fatalf("state after boot = %s, want idle", tm.State())
	}

	done := make(chan Response, 1)
	go func() {
		resp, err := tm.Prompt(context.Background(), "do the thing")
		if err != nil {
			t.Errorf("Prompt error = %v", err)
		}
		done <- resp
	}()

	req := <-requests
	if req["type"] != "prompt" || req["text"] != "do the thing" {
		t.Errorf("request = %v", req)
	}
	f.respond(t, reqID(t, req), "prompt", true)

	resp := <-done
	if !resp.Success || resp.Command != "prompt" {
		t.Errorf("response = %+v", resp)
	}
}

func TestSend_MonotonicIDs(t *testing.T) {
	tm, f, requests := startFake(t)
	defer f.exit(nil)

	var ids []int64
	for i := 0; i < 3; i++ {
		go func() {
			_, _ = tm.GetState(context.Background())
		}()
		req := <-requests
		id := reqID(t, req)
		ids = append(ids, id)
		f.respond(t, id, "get_state", true)
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		t.Errorf("ids not increasing: %v", ids)
	}
}

func TestSend_RejectedOnExit(t *testing.T) {
	tm, f, requests := startFake(t)

	errc := make(chan error, 1)
	go func() {
		_, err := tm.Prompt(context.Background(), "hello")
		errc <- err
	}()
	<-requests

	f.exit(errors.New("exit status 1"))

	select {
	case err := <-errc:
		if !errors.Is(err, ErrProcessExit) {
			t.Errorf("error = %v, want ErrProcessExit", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on exit")
	}
}

func TestEvents_DriveStateMachine(t *testing.T) {
	tm, f, _ := startFake(t)
	defer f.exit(nil)

	var mu sync.Mutex
	var seen []string
	unsub := tm.OnEvent(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	f.emit(t, `{"type":"agent_start"}`)
	waitState(t, tm, StateStreaming)

	f.emit(t, `{"type":"message_update","delta":"Hello"}`)
	f.emit(t, `{"type":"message_update","delta":", world"}`)
	waitFor(t, func() bool { return tm.LastAssistantText() == "Hello, world" })

	f.emit(t, `{"type":"agent_end"}`)
	waitState(t, tm, StateIdle)

	// agent_start clears accumulated text.
	f.emit(t, `{"type":"agent_start"}`)
	waitFor(t, func() bool { return tm.LastAssistantText() == "" })

	unsub()
	f.emit(t, `{"type":"agent_end"}`)
	waitState(t, tm, StateIdle)

	mu.Lock()
	defer mu.Unlock()
	for _, typ := range seen {
		if typ == "" {
			t.Error("event with empty type delivered")
		}
	}
	if len(seen) < 4 {
		t.Errorf("seen = %v, want at least 4 events", seen)
	}
}

func TestReadLoop_DiscardsNoise(t *testing.T) {
	tm, f, _ := startFake(t)
	defer f.exit(nil)

	calls := atomic.Int64{}
	tm.OnEvent(func(Event) { calls.Add(1) })

	f.emit(t, `not json at all`)
	f.emit(t, `{"no":"type field"}`)
	f.emit(t, `{"type":"custom_event","x":1}`)
	waitFor(t, func() bool { return calls.Load() == 1 })

	if tm.State() != StateIdle {
		t.Errorf("state = %s after noise", tm.State())
	}
}

func TestClose_ExitZeroIsStopped(t *testing.T) {
	tm, f, _ := startFake(t)

	closed := make(chan struct{})
	tm.OnClose(func() { close(closed) })

	f.exit(nil)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not fired")
	}
	waitState(t, tm, StateStopped)
	if tm.LastError() != "" {
		t.Errorf("LastError = %q on clean exit", tm.LastError())
	}
}

func TestClose_NonZeroIsError(t *testing.T) {
	tm, f, _ := startFake(t)

	f.exit(errors.New("exit status 2"))
	waitState(t, tm, StateError)
	if tm.LastError() == "" {
		t.Error("LastError empty after failed exit")
	}
}

func TestStop_EscalatesToKill(t *testing.T) {
	tm, f, requests := startFake(t)

	// The fake never answers the abort and never exits on SIGTERM, so stop
	// must escalate to Kill.
	go func() {
		for range requests {
		}
	}()

	done := make(chan struct{})
	go func() {
		tm.Stop(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if f.sigterms.Load() == 0 {
		t.Error("SIGTERM never sent")
	}
	if !f.killed.Load() {
		t.Error("Kill never called")
	}

	// Second stop is a no-op.
	tm.Stop(context.Background())

	if _, err := tm.GetState(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Send after Stop error = %v, want ErrStopped", err)
	}
}

func TestStop_GracefulExit(t *testing.T) {
	tm, f, requests := startFake(t)

	// Exit as soon as the abort request arrives.
	go func() {
		<-requests
		f.exit(nil)
	}()

	tm.Stop(context.Background())
	if f.killed.Load() {
		t.Error("Kill called despite graceful exit")
	}
	waitState(t, tm, StateStopped)
}

func waitState(t *testing.T, tm *Teammate, want State) {
	t.Helper()
	waitFor(t, func() bool { return tm.State() == want })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
