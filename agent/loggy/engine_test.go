package loggy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"

	"github.com/loggysh/loggy-go/agent/internal/collectortest"
	"github.com/loggysh/loggy-go/agent/internal/crash"
	"github.com/loggysh/loggy-go/agent/internal/transport"
	"github.com/loggysh/loggy-go/pkg/types"
)

func testOptions(t *testing.T, dir string) Options {
	t.Helper()
	return Options{
		DataDir:        dir,
		AppName:        "sample",
		AppVersion:     "1.0.0",
		HealthInterval: 20 * time.Millisecond,
		SettleDelay:    10 * time.Millisecond,
		ConnectTimeout: 300 * time.Millisecond,
		Backoff:        Backoff{Policy: "linear", Step: 20 * time.Millisecond, Max: 100 * time.Millisecond},
		DialOptions: []grpc.DialOption{
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff:           backoff.Config{BaseDelay: 20 * time.Millisecond, Multiplier: 1.2, MaxDelay: 100 * time.Millisecond},
				MinConnectTimeout: 200 * time.Millisecond,
			}),
		},
		chain: &crash.Chain{},
	}
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })
	return e
}

func waitState(t *testing.T, e *Engine, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state: got %v, want %v after %v", e.State(), want, timeout)
}

func waitPending(t *testing.T, e *Engine, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.Pending() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pending: got %d, want %d after %v", e.Pending(), want, timeout)
}

func deadAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	return addr
}

func bodies(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestNew_RequiresDataDir(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without a data dir")
	}
}

func TestSetup_OfflineThenDrainInOrder(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{FirstSessionID: 42})
	srv.Stop()

	e := newTestEngine(t, testOptions(t, t.TempDir()))
	if err := e.Setup(context.Background(), srv.Addr(), "key"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	for _, text := range []string{"x1", "x2", "x3"} {
		e.Log(LevelInfo, "", text, nil)
	}

	if got := e.Pending(); got != 3 {
		t.Fatalf("Pending while offline: got %d, want 3", got)
	}
	if got := len(srv.Messages()); got != 0 {
		t.Fatalf("collector received %d messages while offline", got)
	}
	if e.State() == types.StateConnected {
		t.Fatal("connected to a stopped collector")
	}

	if err := srv.Restart(); err != nil {
		t.Skipf("cannot restart collector on the same port: %v", err)
	}
	msgs := srv.WaitMessages(3, 15*time.Second)
	if len(msgs) != 3 {
		t.Fatalf("delivered: got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"x1", "x2", "x3"} {
		if msgs[i].Text != want {
			t.Errorf("message %d: got %q, want %q (order %v)", i, msgs[i].Text, want, bodies(msgs))
		}
		if msgs[i].SessionID != 42 {
			t.Errorf("message %d: session %d, want 42", i, msgs[i].SessionID)
		}
	}
	waitPending(t, e, 0, 5*time.Second)
}

func TestLog_BeforeSetupDeliveredWithRemoteID(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{FirstSessionID: 42})
	e := newTestEngine(t, testOptions(t, t.TempDir()))

	e.Log(LevelDebug, "boot", "early-1", nil)
	e.Log(LevelWarn, "boot", "early-2", errors.New("disk low"))

	if err := e.Setup(context.Background(), srv.Addr(), "key"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	waitState(t, e, types.StateConnected, 10*time.Second)
	e.Log(LevelInfo, "", "live", nil)

	msgs := srv.WaitMessages(3, 10*time.Second)
	want := []string{"boot\nearly-1", "boot\nearly-2\ndisk low", "live"}
	if len(msgs) != len(want) {
		t.Fatalf("delivered: got %v, want %v", bodies(msgs), want)
	}
	for i := range want {
		if msgs[i].Text != want[i] {
			t.Errorf("message %d: got %q, want %q", i, msgs[i].Text, want[i])
		}
		if msgs[i].SessionID != 42 {
			t.Errorf("message %d: session %d, want 42", i, msgs[i].SessionID)
		}
	}
	if msgs[1].Level != types.LevelWarn {
		t.Errorf("level: got %v, want warn", msgs[1].Level)
	}

	local, remote := e.SessionIDs()
	if local >= 0 || remote != 42 {
		t.Errorf("SessionIDs: got (%d, %d), want (<0, 42)", local, remote)
	}
	if live := srv.LiveSessions(); len(live) != 1 || live[0] != 42 {
		t.Errorf("live sessions: got %v, want [42]", live)
	}
}

func TestSetup_BacklogFromPreviousRunAdoptsNewSession(t *testing.T) {
	dir := t.TempDir()

	first, err := New(testOptions(t, dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Setup(context.Background(), deadAddr(t), "key"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	first.Log(LevelInfo, "", "old-1", nil)
	first.Log(LevelInfo, "", "old-2", nil)
	if err := first.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	srv := collectortest.Start(t, collectortest.Options{FirstSessionID: 7})
	second := newTestEngine(t, testOptions(t, dir))
	if got := second.Pending(); got != 2 {
		t.Fatalf("Pending after restart: got %d, want 2", got)
	}
	if err := second.Setup(context.Background(), srv.Addr(), "key"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	msgs := srv.WaitMessages(2, 10*time.Second)
	if len(msgs) != 2 || msgs[0].Text != "old-1" || msgs[1].Text != "old-2" {
		t.Fatalf("delivered: got %v", bodies(msgs))
	}
	for _, m := range msgs {
		if m.SessionID != 7 {
			t.Errorf("%q: session %d, want 7", m.Text, m.SessionID)
		}
	}
}

func TestSetup_InvalidHost(t *testing.T) {
	var logs bytes.Buffer
	opts := testOptions(t, t.TempDir())
	opts.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := newTestEngine(t, opts)

	err := e.Setup(context.Background(), "ftp://nowhere", "key")
	if !errors.Is(err, transport.ErrInvalidEndpoint) {
		t.Fatalf("Setup: got %v, want ErrInvalidEndpoint", err)
	}
	if e.State() != types.StateInvalidHost {
		t.Errorf("state: got %v, want invalid_host", e.State())
	}
	if !strings.Contains(logs.String(), "state=invalid_host") {
		t.Errorf("state change not logged:\n%s", logs.String())
	}
	if local, _ := e.SessionIDs(); local != 0 {
		t.Errorf("local session minted for an invalid host: %d", local)
	}
	if n := e.chain.Len(); n != 0 {
		t.Errorf("crash handlers installed: got %d, want 0", n)
	}
	st, err := e.settings.Load(context.Background())
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if st.APIKey != "" {
		t.Errorf("api key persisted for an invalid host: %q", st.APIKey)
	}

	e.Log(LevelError, "", "still queued", nil)
	if e.Pending() != 1 {
		t.Errorf("Pending: got %d, want 1", e.Pending())
	}
}

func TestSetup_SendsIdentityAndHeaders(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{APIKey: "secret"})
	e := newTestEngine(t, testOptions(t, t.TempDir()))

	user, email := "u-1", "a@example.com"
	if err := e.SetIdentity(context.Background(), &user, &email, nil); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	if err := e.Setup(context.Background(), srv.Addr(), "secret"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	waitState(t, e, types.StateConnected, 10*time.Second)

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions: got %d, want 1", len(sessions))
	}
	if sessions[0].UserID != user || sessions[0].Email != email || sessions[0].UserName != "" {
		t.Errorf("identity: got %+v", sessions[0])
	}
	for _, c := range srv.Clients() {
		if c != "go" {
			t.Errorf("client header: got %q, want go", c)
		}
	}

	hash := e.DeviceHash(context.Background())
	if parts := strings.Split(hash, "/"); len(parts) != 2 || len(parts[0]) != 8 || len(parts[1]) != 8 {
		t.Errorf("DeviceHash: got %q", hash)
	}
}

func TestSetup_WrongAPIKeyNeverConnects(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{APIKey: "secret"})
	e := newTestEngine(t, testOptions(t, t.TempDir()))

	if err := e.Setup(context.Background(), srv.Addr(), "wrong"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if e.State() == types.StateConnected {
		t.Fatal("connected with a rejected api key")
	}
	if len(srv.Sessions()) != 0 {
		t.Error("session created with a rejected api key")
	}
	if e.Metrics().Reconnects == 0 {
		t.Error("rejected registration was not retried")
	}
}

func TestSetup_ReconnectsAfterOutage(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{FirstSessionID: 42})
	e := newTestEngine(t, testOptions(t, t.TempDir()))

	if err := e.Setup(context.Background(), srv.Addr(), "key"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	waitState(t, e, types.StateConnected, 10*time.Second)
	e.Log(LevelInfo, "", "before", nil)
	srv.WaitMessages(1, 5*time.Second)

	srv.Stop()
	deadline := time.Now().Add(5 * time.Second)
	for e.State() == types.StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	e.Log(LevelInfo, "", "during", nil)

	if err := srv.Restart(); err != nil {
		t.Skipf("cannot restart collector on the same port: %v", err)
	}
	msgs := srv.WaitMessages(2, 15*time.Second)
	if len(msgs) < 2 || msgs[len(msgs)-1].Text != "during" {
		t.Fatalf("delivered: got %v", bodies(msgs))
	}
	if msgs[len(msgs)-1].SessionID <= 0 {
		t.Errorf("session after reconnect: got %d", msgs[len(msgs)-1].SessionID)
	}
}

func TestClose_TwiceIsNoop(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{})
	opts := testOptions(t, t.TempDir())
	e := newTestEngine(t, opts)

	if err := e.Setup(context.Background(), srv.Addr(), "key"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	waitState(t, e, types.StateConnected, 10*time.Second)
	if opts.chain.Len() != 1 {
		t.Fatalf("crash chain: got %d entries, want 1", opts.chain.Len())
	}

	e.Close()
	e.Close()
	if e.State() != types.StateInitial {
		t.Errorf("state after Close: %v", e.State())
	}
	if opts.chain.Len() != 0 {
		t.Errorf("crash chain after Close: got %d entries, want 0", opts.chain.Len())
	}

	e.Log(LevelInfo, "", "after close", nil)
	if e.Pending() != 1 {
		t.Errorf("Pending after Close: got %d, want 1", e.Pending())
	}

	if err := e.Setup(context.Background(), srv.Addr(), "key"); err != nil {
		t.Fatalf("re-Setup: %v", err)
	}
	waitState(t, e, types.StateConnected, 10*time.Second)
	waitPending(t, e, 0, 5*time.Second)
	if n := len(srv.Sessions()); n != 2 {
		t.Errorf("sessions: got %d, want 2 (one per Setup)", n)
	}
}

func TestShutdown(t *testing.T) {
	e, err := New(testOptions(t, t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if err := e.Setup(context.Background(), "127.0.0.1:1", "key"); !errors.Is(err, ErrClosed) {
		t.Errorf("Setup after Shutdown: got %v, want ErrClosed", err)
	}
	e.Log(LevelInfo, "", "dropped", nil)
	if e.Metrics().Logged != 0 {
		t.Error("Log after Shutdown was counted")
	}
}

func TestStatus_ReportsTransitions(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{})
	e := newTestEngine(t, testOptions(t, t.TempDir()))

	ch, cancel := e.Status()
	defer cancel()
	if first := <-ch; first != types.StateInitial {
		t.Fatalf("first state: got %v, want initial", first)
	}

	if err := e.Setup(context.Background(), srv.Addr(), "key"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	timeout := time.After(10 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == types.StateConnected {
				return
			}
		case <-timeout:
			t.Fatal("never observed connected")
		}
	}
}

func TestRecover_RecordsCrash(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	e := newTestEngine(t, opts)
	if err := e.Setup(context.Background(), deadAddr(t), "key"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	var seen CrashReport
	if !e.InterceptUncaughtException(func(r CrashReport) bool {
		seen = r
		return true
	}) {
		t.Fatal("InterceptUncaughtException: handler not installed")
	}

	func() {
		defer e.Recover()
		panic("kaboom")
	}()

	if seen.Value != "kaboom" {
		t.Errorf("handler saw %v", seen.Value)
	}
	if e.Pending() != 1 {
		t.Fatalf("Pending: got %d, want the crash message", e.Pending())
	}
	if e.Metrics().Logged != 1 {
		t.Errorf("Logged: got %d, want 1", e.Metrics().Logged)
	}
}

func TestRecover_RepanicsUnlessSuppressed(t *testing.T) {
	e := newTestEngine(t, testOptions(t, t.TempDir()))
	if err := e.Setup(context.Background(), deadAddr(t), "key"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	defer func() {
		if v := recover(); v != "again" {
			t.Errorf("re-panic value: got %v, want again", v)
		}
		if e.Pending() != 1 {
			t.Errorf("Pending: got %d, want 1", e.Pending())
		}
	}()
	func() {
		defer e.Recover()
		panic("again")
	}()
	t.Error("panic was swallowed")
}

func TestInterceptUncaughtException_Replace(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	e := newTestEngine(t, opts)

	e.InterceptUncaughtException(func(CrashReport) bool { return false })
	e.InterceptUncaughtException(func(CrashReport) bool { return true })
	if opts.chain.Len() != 1 {
		t.Errorf("chain: got %d entries, want 1", opts.chain.Len())
	}
	if e.InterceptUncaughtException(nil) {
		t.Error("nil handler reported as installed")
	}
	if opts.chain.Len() != 0 {
		t.Errorf("chain after removal: got %d entries", opts.chain.Len())
	}
}

func TestFormatText(t *testing.T) {
	tests := []struct {
		tag, msg string
		err      error
		want     string
	}{
		{"", "plain", nil, "plain"},
		{"net", "dial", nil, "net\ndial"},
		{"net", "dial", errors.New("refused"), "net\ndial\nrefused"},
		{"", "dial", errors.New("refused"), "dial\nrefused"},
	}
	for _, tc := range tests {
		if got := formatText(tc.tag, tc.msg, tc.err); got != tc.want {
			t.Errorf("formatText(%q, %q, %v): got %q, want %q", tc.tag, tc.msg, tc.err, got, tc.want)
		}
	}
}
