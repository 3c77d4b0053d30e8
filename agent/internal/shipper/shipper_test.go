package shipper

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/loggysh/loggy-go/agent/internal/collectortest"
	"github.com/loggysh/loggy-go/agent/internal/metrics"
	"github.com/loggysh/loggy-go/agent/internal/storage"
	"github.com/loggysh/loggy-go/pkg/types"
	"github.com/loggysh/loggy-go/pkg/wire"
)

// mapSessions is a fixed local→remote table.
type mapSessions map[int32]int32

func (m mapSessions) RemoteID(_ context.Context, local int32) int32 { return m[local] }

type fixture struct {
	streamer  *Streamer
	queue     *storage.Queue
	metrics   *metrics.Engine
	connected atomic.Bool
	failures  chan error
}

func newFixture(t *testing.T, sessions Sessions) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "loggy.db")})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q, err := storage.NewQueue(context.Background(), db)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	f := &fixture{queue: q, metrics: &metrics.Engine{}, failures: make(chan error, 4)}
	f.connected.Store(true)
	f.streamer = New(Options{
		Queue:     q,
		Sessions:  sessions,
		Connected: f.connected.Load,
		OnFailure: func(err error) { f.failures <- err },
		Metrics:   f.metrics,
	})
	t.Cleanup(f.streamer.Deactivate)
	return f
}

func dialCollector(t *testing.T, srv *collectortest.Server) wire.LoggyServiceClient {
	t.Helper()
	conn, err := grpc.Dial(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials())) //nolint:staticcheck
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return wire.NewLoggyServiceClient(conn)
}

func msg(text string, session int32) types.Message {
	return types.NewMessage(types.LevelInfo, text, session, time.Now())
}

func waitEmpty(t *testing.T, q *storage.Queue) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !q.IsEmpty() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !q.IsEmpty() {
		t.Fatalf("queue not drained, %d left", q.Count())
	}
}

func TestSend_QueuesWhenInactive(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{})
	f := newFixture(t, mapSessions{})
	f.connected.Store(false)

	for i := 0; i < 3; i++ {
		f.streamer.Send(msg("x", -1))
	}

	if got := f.queue.Count(); got != 3 {
		t.Errorf("queue count: got %d, want 3", got)
	}
	if got := f.metrics.Queued.Load(); got != 3 {
		t.Errorf("queued metric: got %d, want 3", got)
	}
	if len(srv.Messages()) != 0 {
		t.Error("messages transmitted while inactive")
	}
}

func TestActivate_DrainsBacklogWithResolvedID(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{})
	f := newFixture(t, mapSessions{-1: 42})

	for _, text := range []string{"a", "b", "c"} {
		f.streamer.Send(msg(text, -1))
	}
	if f.queue.Count() != 3 {
		t.Fatalf("backlog: got %d, want 3", f.queue.Count())
	}

	if err := f.streamer.Activate(context.Background(), dialCollector(t, srv), -1, 42); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitEmpty(t, f.queue)

	got := srv.WaitMessages(3, 5*time.Second)
	if len(got) != 3 {
		t.Fatalf("received %d messages, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Text != want || got[i].SessionID != 42 {
			t.Errorf("message %d: got {%q, session %d}, want {%q, 42}", i, got[i].Text, got[i].SessionID, want)
		}
	}
	if d := f.metrics.Drained.Load(); d != 3 {
		t.Errorf("drained metric: got %d, want 3", d)
	}
}

func TestDrain_SkipsCorruptRecord(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{})
	f := newFixture(t, mapSessions{-1: 42})
	ctx := context.Background()

	good1, _ := EncodeRecord(msg("first", -1))
	good2, _ := EncodeRecord(msg("second", -1))
	f.queue.Append(ctx, good1)
	f.queue.Append(ctx, []byte{0xff, 0x00, 0xde, 0xad})
	f.queue.Append(ctx, good2)

	if err := f.streamer.Activate(ctx, dialCollector(t, srv), -1, 42); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitEmpty(t, f.queue)

	got := srv.WaitMessages(2, 5*time.Second)
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("received: %+v", got)
	}
	if c := f.metrics.Corrupt.Load(); c != 1 {
		t.Errorf("corrupt metric: got %d, want 1", c)
	}
}

func TestSend_OrderAcrossBacklogAndLive(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{})
	f := newFixture(t, mapSessions{-1: 42})

	const backlog, live = 15, 40
	for i := 0; i < backlog; i++ {
		f.streamer.Send(msg(fmt.Sprintf("m%03d", i), -1))
	}
	if err := f.streamer.Activate(context.Background(), dialCollector(t, srv), -1, 42); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	for i := backlog; i < backlog+live; i++ {
		f.streamer.Send(msg(fmt.Sprintf("m%03d", i), -1))
	}

	got := srv.WaitMessages(backlog+live, 10*time.Second)
	if len(got) != backlog+live {
		t.Fatalf("received %d messages, want %d", len(got), backlog+live)
	}
	for i, m := range got {
		if want := fmt.Sprintf("m%03d", i); m.Text != want {
			t.Fatalf("message %d: got %q, want %q", i, m.Text, want)
		}
	}
}

func TestSend_ConcurrentProducers(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{})
	f := newFixture(t, mapSessions{-1: 42})
	if err := f.streamer.Activate(context.Background(), dialCollector(t, srv), -1, 42); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	const producers, each = 4, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				f.streamer.Send(msg(fmt.Sprintf("p%d-%02d", p, i), -1))
			}
		}(p)
	}
	wg.Wait()

	got := srv.WaitMessages(producers*each, 10*time.Second)
	if len(got) != producers*each {
		t.Fatalf("received %d, want %d", len(got), producers*each)
	}
	// Per-producer order is preserved.
	last := make(map[byte]string)
	for _, m := range got {
		p := m.Text[1]
		if prev, ok := last[p]; ok && prev >= m.Text {
			t.Errorf("producer %c out of order: %q after %q", p, m.Text, prev)
		}
		last[p] = m.Text
	}
}

func TestRewrite(t *testing.T) {
	f := newFixture(t, mapSessions{-1: 9})
	r := &run{local: -2, remote: 42}

	tests := []struct {
		name   string
		in     int32
		want   int32
		wantOK bool
	}{
		{"remote passes through", 7, 7, true},
		{"pre-setup adopts current", 0, 42, true},
		{"resolved local maps", -1, 9, true},
		{"orphaned local adopts current", -5, 42, true},
		{"current local unresolved is withheld", -2, -2, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, ok := f.streamer.rewrite(context.Background(), r, msg("x", tc.in))
			if ok != tc.wantOK || out.SessionID != tc.want {
				t.Errorf("rewrite(%d): got (%d, %v), want (%d, %v)", tc.in, out.SessionID, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestWithheld_RequeuedAndReported(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{})
	f := newFixture(t, mapSessions{})

	if err := f.streamer.Activate(context.Background(), dialCollector(t, srv), -3, 42); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	f.streamer.Send(msg("held", -3))

	select {
	case <-f.failures:
	case <-time.After(5 * time.Second):
		t.Fatal("OnFailure not called for withheld message")
	}
	if f.streamer.Active() {
		t.Error("stream still active after withholding")
	}
	if f.queue.Count() != 1 {
		t.Errorf("queue count: got %d, want 1", f.queue.Count())
	}
	if len(srv.Messages()) != 0 {
		t.Error("withheld message was transmitted")
	}
	if f.metrics.Withheld.Load() != 1 {
		t.Errorf("withheld metric: got %d", f.metrics.Withheld.Load())
	}
}

func TestDeactivate_RequeuesAndIsIdempotent(t *testing.T) {
	srv := collectortest.Start(t, collectortest.Options{})
	f := newFixture(t, mapSessions{-1: 42})
	if err := f.streamer.Activate(context.Background(), dialCollector(t, srv), -1, 42); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	f.streamer.Deactivate()
	f.streamer.Deactivate()
	if f.streamer.Active() {
		t.Fatal("still active after Deactivate")
	}

	f.streamer.Send(msg("after", -1))
	if f.queue.Count() != 1 {
		t.Errorf("message after Deactivate not queued: count %d", f.queue.Count())
	}
}

func TestDecodeRecord_RejectsBadLevel(t *testing.T) {
	rec, _ := wire.Marshal(types.Message{Level: 99, Text: "x"})
	if _, err := DecodeRecord(rec); err == nil {
		t.Error("expected error for invalid level")
	}
}
