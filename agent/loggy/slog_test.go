package loggy

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/loggysh/loggy-go/agent/internal/shipper"
	"github.com/loggysh/loggy-go/pkg/types"
)

// queued decodes every record waiting in e's durable queue, oldest first.
func queued(t *testing.T, e *Engine) []types.Message {
	t.Helper()
	var out []types.Message
	for !e.queue.IsEmpty() {
		rec, ok, err := e.queue.PeekOldest(t.Context())
		if err != nil || !ok {
			t.Fatalf("PeekOldest: ok=%v err=%v", ok, err)
		}
		m, err := shipper.DecodeRecord(rec)
		if err != nil {
			t.Fatalf("DecodeRecord: %v", err)
		}
		out = append(out, m)
		if err := e.queue.RemoveOldest(t.Context()); err != nil {
			t.Fatalf("RemoveOldest: %v", err)
		}
	}
	return out
}

func TestHandler_ForwardsRecords(t *testing.T) {
	e := newTestEngine(t, testOptions(t, t.TempDir()))
	logger := slog.New(NewHandler(e, &HandlerOptions{Level: slog.LevelDebug, Tag: "app"}))

	logger.Debug("starting", "port", 8080)
	logger.With("tag", "db").Error("query failed", "err", errors.New("timeout"), "table", "users")
	logger.WithGroup("req").Warn("slow", "path", "/a b")

	msgs := queued(t, e)
	if len(msgs) != 3 {
		t.Fatalf("queued: got %d, want 3", len(msgs))
	}

	tests := []struct {
		level types.Level
		text  string
	}{
		{types.LevelDebug, "app\nstarting port=8080"},
		{types.LevelError, "db\nquery failed table=users\ntimeout"},
		{types.LevelWarn, "app\nslow req.path=\"/a b\""},
	}
	for i, tc := range tests {
		if msgs[i].Level != tc.level {
			t.Errorf("message %d level: got %v, want %v", i, msgs[i].Level, tc.level)
		}
		if msgs[i].Text != tc.text {
			t.Errorf("message %d text: got %q, want %q", i, msgs[i].Text, tc.text)
		}
		if msgs[i].SessionID != 0 {
			t.Errorf("message %d session before Setup: got %d, want 0", i, msgs[i].SessionID)
		}
	}
}

func TestHandler_Enabled(t *testing.T) {
	e := newTestEngine(t, testOptions(t, t.TempDir()))
	logger := slog.New(NewHandler(e, nil))

	logger.Debug("hidden")
	logger.Info("shown")

	msgs := queued(t, e)
	if len(msgs) != 1 || !strings.HasSuffix(msgs[0].Text, "shown") {
		t.Errorf("queued: got %+v", msgs)
	}
}

func TestLevelFromSlog(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want Level
	}{
		{slog.LevelDebug - 4, LevelDebug},
		{slog.LevelDebug, LevelDebug},
		{slog.LevelInfo, LevelInfo},
		{slog.LevelInfo + 2, LevelInfo},
		{slog.LevelWarn, LevelWarn},
		{slog.LevelError, LevelError},
		{slog.LevelError + 8, LevelError},
	}
	for _, tc := range tests {
		if got := levelFromSlog(tc.in); got != tc.want {
			t.Errorf("levelFromSlog(%v): got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDefault(t *testing.T) {
	t.Cleanup(func() { SetDefault(nil) })

	Log(LevelInfo, "", "no engine", nil)

	e := newTestEngine(t, testOptions(t, t.TempDir()))
	SetDefault(e)
	if Default() != e {
		t.Fatal("Default did not return the engine set")
	}
	Log(LevelInfo, "", "via default", nil)
	if e.Pending() != 1 {
		t.Errorf("Pending: got %d, want 1", e.Pending())
	}
}

func TestNew_DefaultLoggerRoutedToEngine(t *testing.T) {
	sink := newTestEngine(t, testOptions(t, t.TempDir()))
	prev := slog.Default()
	slog.SetDefault(slog.New(NewHandler(sink, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	e := newTestEngine(t, testOptions(t, t.TempDir()))
	if _, ok := e.logger.Handler().(*Handler); ok {
		t.Fatal("engine logs through a loggy handler")
	}

	// Diagnostics from a full session must not land in the other engine.
	e.Log(LevelInfo, "", "queued", nil)
	if err := e.Setup(t.Context(), "ftp://nowhere", "key"); err == nil {
		t.Fatal("Setup: want an error for an invalid endpoint")
	}
	if sink.Pending() != 0 {
		t.Errorf("sink Pending: got %d, want 0", sink.Pending())
	}
}

func TestNew_ExplicitLoggerKept(t *testing.T) {
	opts := testOptions(t, t.TempDir())
	opts.Logger = slog.New(slog.DiscardHandler)
	e := newTestEngine(t, opts)
	if e.logger != opts.Logger {
		t.Error("explicit logger replaced")
	}
}
