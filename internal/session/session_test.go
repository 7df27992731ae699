package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"devlink/internal/bus"
	"devlink/internal/events"
	"devlink/internal/transport"
	"devlink/internal/wire"
)

type fakeTransport struct {
	mu           sync.Mutex
	inbound      chan []byte
	closedCh     chan struct{}
	closedOnce   bool
	written      [][]byte
	connectCalls int
	connectErrs  []error
	blockConnect bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16)}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) StatusTarget() string { return "fake:0" }

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	block := f.blockConnect
	if err == nil && !block {
		f.closedCh = make(chan struct{})
		f.closedOnce = false
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closedCh != nil && !f.closedOnce {
		close(f.closedCh)
		f.closedOnce = true
	}
	return nil
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	closed := f.closedCh
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closed:
		return nil, io.EOF
	case msg := <-f.inbound:
		if msg == nil {
			return nil, errors.New("stream reset")
		}
		return msg, nil
	}
}

func (f *fakeTransport) WriteFrame(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, payload)
	return nil
}

func (f *fakeTransport) writtenRequests(t *testing.T) []wire.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Request, 0, len(f.written))
	for _, raw := range f.written {
		var req struct {
			RequestID wire.RequestID `json:"requestId"`
			Cmd       string         `json:"cmd"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("decode written request: %v", err)
		}
		out = append(out, wire.Request{RequestID: req.RequestID, Cmd: req.Cmd})
	}
	return out
}

func (f *fakeTransport) waitWritten(t *testing.T, n int) []wire.Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reqs := f.writtenRequests(t)
		if len(reqs) >= n {
			return reqs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d written requests", n)
	return nil
}

func (f *fakeTransport) respond(id wire.RequestID, status string, result any) {
	raw, _ := json.Marshal(map[string]any{"requestId": uint64(id), "status": status, "result": result})
	f.inbound <- raw
}

func (f *fakeTransport) pushEvent(name string, data any) {
	raw, _ := json.Marshal(map[string]any{"event": name, "data": data})
	f.inbound <- raw
}

type fakeInstallerTransport struct {
	*fakeTransport
	installCalls   int
	uninstallCalls int
	installErr     error
}

func (f *fakeInstallerTransport) RunInstall(context.Context) error {
	f.installCalls++
	return f.installErr
}

func (f *fakeInstallerTransport) RunUninstall(context.Context) error {
	f.uninstallCalls++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, tr transport.Transport, policy ReconnectPolicy) (*Session, *bus.PubSubBus) {
	t.Helper()
	b := bus.New(testLogger())
	t.Cleanup(b.Close)
	s := New(Config{
		DeviceID:  "dev-1",
		Logger:    testLogger(),
		Bus:       b,
		Transport: tr,
		Reconnect: policy,
	})
	return s, b
}

func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func TestRequestFailsWhenNotConnected(t *testing.T) {
	s, _ := newTestSession(t, newFakeTransport(), ReconnectPolicy{})
	_, err := s.Request(context.Background(), wire.CmdVersion, map[string]any{}, time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRequestResolvesOutOfOrderResponses(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestSession(t, tr, ReconnectPolicy{})
	if err := s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Disconnect(context.Background()) }()

	type result struct {
		cmd  string
		resp wire.Response
		err  error
	}
	results := make(chan result, 2)
	for _, cmd := range []string{"first", "second"} {
		go func(cmd string) {
			resp, err := s.Request(context.Background(), cmd, map[string]any{}, 2*time.Second)
			results <- result{cmd: cmd, resp: resp, err: err}
		}(cmd)
	}

	reqs := tr.waitWritten(t, 2)
	// Respond in reverse send order; matching must rely on ids only.
	for i := len(reqs) - 1; i >= 0; i-- {
		tr.respond(reqs[i].RequestID, wire.StatusOK, reqs[i].Cmd+"-result")
	}

	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("request %q: %v", res.cmd, res.err)
		}
		var got string
		if err := json.Unmarshal(res.resp.Result, &got); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if got != res.cmd+"-result" {
			t.Fatalf("request %q got response %q", res.cmd, got)
		}
	}
}

func TestRequestTimeoutRemovesPendingAndDropsLateResponse(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestSession(t, tr, ReconnectPolicy{})
	if err := s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Disconnect(context.Background()) }()

	_, err := s.Request(context.Background(), "slow", map[string]any{}, 30*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if n := s.pendingCount(); n != 0 {
		t.Fatalf("pending set should be empty after timeout, has %d", n)
	}

	// A second request must be unaffected by the late response for the first.
	done := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "fresh", map[string]any{}, 2*time.Second)
		done <- err
	}()
	reqs := tr.waitWritten(t, 2)
	tr.respond(reqs[0].RequestID, wire.StatusOK, "late") // timed-out id, dropped
	tr.respond(reqs[1].RequestID, wire.StatusOK, "fine")
	if err := <-done; err != nil {
		t.Fatalf("second request: %v", err)
	}
}

func TestDisconnectDrainsOutstandingRequests(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestSession(t, tr, ReconnectPolicy{})
	if err := s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Request(context.Background(), "pending", map[string]any{}, 10*time.Second)
			errs <- err
		}()
	}
	tr.waitWritten(t, n)

	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrDisconnected) {
				t.Fatalf("expected ErrDisconnected, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("request %d still pending after disconnect", i)
		}
	}
	if n := s.pendingCount(); n != 0 {
		t.Fatalf("pending set should be empty after disconnect, has %d", n)
	}
	if s.State() != events.ConnectionStateDisconnected {
		t.Fatalf("state should be disconnected, is %s", s.State())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestSession(t, tr, ReconnectPolicy{})
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect on fresh session: %v", err)
	}
	if err := s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Disconnect(context.Background()); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
	}
}

func TestConnectTimeoutLeavesCleanState(t *testing.T) {
	tr := newFakeTransport()
	tr.blockConnect = true
	s, _ := newTestSession(t, tr, ReconnectPolicy{})

	start := time.Now()
	err := s.Connect(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("connect timeout took too long: %s", elapsed)
	}
	if st := s.State(); st != events.ConnectionStateError && st != events.ConnectionStateDisconnected {
		t.Fatalf("state stuck in %s after connect timeout", st)
	}
}

func TestConnectInstallsSubsystemExactlyOnce(t *testing.T) {
	tr := &fakeInstallerTransport{fakeTransport: newFakeTransport()}
	tr.connectErrs = []error{fmt.Errorf("subsystem request: %w", transport.ErrSubsystemMissing)}
	s, _ := newTestSession(t, tr, ReconnectPolicy{})

	if err := s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect with install cycle: %v", err)
	}
	if tr.installCalls != 1 {
		t.Fatalf("install should run exactly once, ran %d times", tr.installCalls)
	}
	if tr.connectCalls != 2 {
		t.Fatalf("expected one reconnect after install, saw %d connects", tr.connectCalls)
	}
	_ = s.Disconnect(context.Background())
}

func TestConnectSurfacesInstallFailureWithoutLooping(t *testing.T) {
	tr := &fakeInstallerTransport{
		fakeTransport: newFakeTransport(),
		installErr:    &transport.InstallError{ExitCode: 3, Output: "mount failed"},
	}
	tr.connectErrs = []error{transport.ErrSubsystemMissing}
	s, _ := newTestSession(t, tr, ReconnectPolicy{})

	err := s.Connect(context.Background(), time.Second)
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if tr.installCalls != 1 {
		t.Fatalf("install should run exactly once, ran %d times", tr.installCalls)
	}
}

func TestSubsystemRetryFailureIsTerminal(t *testing.T) {
	tr := &fakeInstallerTransport{fakeTransport: newFakeTransport()}
	tr.connectErrs = []error{transport.ErrSubsystemMissing, transport.ErrSubsystemMissing}
	s, _ := newTestSession(t, tr, ReconnectPolicy{})

	if err := s.Connect(context.Background(), time.Second); err == nil {
		t.Fatalf("expected terminal error when retry also fails")
	}
	if tr.installCalls != 1 {
		t.Fatalf("install must not loop, ran %d times", tr.installCalls)
	}
	if tr.connectCalls != 2 {
		t.Fatalf("expected exactly one retry, saw %d connects", tr.connectCalls)
	}
}

func TestUnexpectedCloseRejectsPendingAndPublishesError(t *testing.T) {
	tr := newFakeTransport()
	s, b := newTestSession(t, tr, ReconnectPolicy{})
	statusSub := b.Subscribe(events.TopicConnStatus)
	defer b.Unsubscribe(statusSub, events.TopicConnStatus)

	if err := s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "doomed", map[string]any{}, 10*time.Second)
		done <- err
	}()
	tr.waitWritten(t, 1)

	tr.inbound <- nil // forces a read error
	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending request not rejected after transport failure")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-statusSub:
			status, ok := msg.(events.ConnectionStatus)
			if ok && status.State == events.ConnectionStateError {
				if status.Err == "" {
					t.Fatalf("error status should carry a reason")
				}
				return
			}
		case <-deadline:
			t.Fatalf("no error status published")
		}
	}
}

func TestEventsAreDispatchedToBus(t *testing.T) {
	tr := newFakeTransport()
	s, b := newTestSession(t, tr, ReconnectPolicy{})
	sub := b.Subscribe(events.TopicDeviceEvent)
	defer b.Unsubscribe(sub, events.TopicDeviceEvent)

	if err := s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Disconnect(context.Background()) }()

	tr.pushEvent(wire.EventTelemetry, map[string]any{"uptime": "5 seconds"})

	select {
	case msg := <-sub:
		ev, ok := msg.(events.DeviceEvent)
		if !ok {
			t.Fatalf("unexpected bus payload %T", msg)
		}
		if ev.DeviceID != "dev-1" || ev.Name != wire.EventTelemetry {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not dispatched")
	}
}

func TestMalformedFramesDoNotKillSession(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestSession(t, tr, ReconnectPolicy{})
	if err := s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Disconnect(context.Background()) }()

	tr.inbound <- []byte("not json at all")
	tr.inbound <- []byte(`{"neither":"response","nor":"event"}`)

	done := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), wire.CmdVersion, map[string]any{}, 2*time.Second)
		done <- err
	}()
	reqs := tr.waitWritten(t, 1)
	tr.respond(reqs[0].RequestID, wire.StatusOK, "ack")
	if err := <-done; err != nil {
		t.Fatalf("session should survive protocol noise: %v", err)
	}
}

func TestDisconnectCancelsScheduledReconnect(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestSession(t, tr, ReconnectPolicy{
		Enabled:     true,
		MaxAttempts: 3,
		BaseDelay:   60 * time.Millisecond,
		MaxDelay:    60 * time.Millisecond,
	})
	if err := s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tr.inbound <- nil // unexpected close

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == events.ConnectionStateError {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != events.ConnectionStateError {
		t.Fatalf("session should be in error with a reconnect pending, is %s", s.State())
	}
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	// Wait out the backoff delay; the cancelled timer must not reconnect.
	time.Sleep(200 * time.Millisecond)
	tr.mu.Lock()
	calls := tr.connectCalls
	tr.mu.Unlock()
	if calls != 1 {
		t.Fatalf("reconnect fired after disconnect, saw %d connect calls", calls)
	}
	if s.State() != events.ConnectionStateDisconnected {
		t.Fatalf("session should stay disconnected, is %s", s.State())
	}
}

func TestReconnectPolicyIsBounded(t *testing.T) {
	tr := newFakeTransport()
	s, _ := newTestSession(t, tr, ReconnectPolicy{
		Enabled:     true,
		MaxAttempts: 2,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	})
	if err := s.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// All reconnect attempts will fail.
	tr.mu.Lock()
	tr.connectErrs = []error{errors.New("refused"), errors.New("refused"), errors.New("refused")}
	tr.mu.Unlock()
	tr.inbound <- nil // unexpected close

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == events.ConnectionStateDisconnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != events.ConnectionStateDisconnected {
		t.Fatalf("session should settle disconnected after exhausting attempts, is %s", s.State())
	}

	tr.mu.Lock()
	calls := tr.connectCalls
	tr.mu.Unlock()
	// Initial connect plus exactly MaxAttempts retries.
	if calls != 3 {
		t.Fatalf("expected 3 connect calls, saw %d", calls)
	}
}
