package status

import (
	"sync"
	"testing"
	"time"

	"github.com/loggysh/loggy-go/pkg/types"
)

func recv(t *testing.T, ch <-chan types.ConnectionState) types.ConnectionState {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state")
		return 0
	}
}

func TestSubscribe_YieldsCurrent(t *testing.T) {
	f := NewFeed(nil)
	f.Set(types.StateConnecting)

	ch, cancel := f.Subscribe()
	defer cancel()
	if got := recv(t, ch); got != types.StateConnecting {
		t.Errorf("first value: got %v, want connecting", got)
	}
}

func TestSet_SlowReaderSeesLatest(t *testing.T) {
	f := NewFeed(nil)
	ch, cancel := f.Subscribe()
	defer cancel()

	f.Set(types.StateSetup)
	f.Set(types.StateConnecting)
	f.Set(types.StateConnected)

	if got := recv(t, ch); got != types.StateConnected {
		t.Errorf("got %v, want connected", got)
	}
	select {
	case s := <-ch:
		t.Errorf("unexpected extra state %v", s)
	default:
	}
}

func TestSet_SameStateIsNoop(t *testing.T) {
	var mu sync.Mutex
	var calls int
	f := NewFeed(func(types.ConnectionState) { mu.Lock(); calls++; mu.Unlock() })

	f.Set(types.StateFailed)
	f.Set(types.StateFailed)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("onSet calls: got %d, want 1", calls)
	}
	if f.Current() != types.StateFailed {
		t.Errorf("Current: got %v", f.Current())
	}
}

func TestCancel_ClosesAndIsIdempotent(t *testing.T) {
	f := NewFeed(nil)
	ch, cancel := f.Subscribe()
	<-ch
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	f.Set(types.StateConnected) // must not panic on a closed subscriber
}
