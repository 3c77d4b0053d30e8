// Package status publishes the engine's ConnectionState to any number of
// observers. Publishing never blocks: each subscriber has a one-slot
// buffer that always holds the latest state, so a slow reader skips
// intermediate states but never misses the final one.
package status

import (
	"sync"

	"github.com/loggysh/loggy-go/pkg/types"
)

// Feed is a latest-value broadcast of ConnectionState.
type Feed struct {
	mu      sync.Mutex
	current types.ConnectionState
	subs    map[int]chan types.ConnectionState
	nextID  int
	onSet   func(types.ConnectionState)
}

// NewFeed returns a Feed in StateInitial. onSet, if non-nil, is called
// after every change.
func NewFeed(onSet func(types.ConnectionState)) *Feed {
	return &Feed{
		current: types.StateInitial,
		subs:    make(map[int]chan types.ConnectionState),
		onSet:   onSet,
	}
}

// Set publishes s. Setting the current state again does nothing.
func (f *Feed) Set(s types.ConnectionState) {
	f.mu.Lock()
	if f.current == s {
		f.mu.Unlock()
		return
	}
	f.current = s
	for _, ch := range f.subs {
		offer(ch, s)
	}
	onSet := f.onSet
	f.mu.Unlock()

	if onSet != nil {
		onSet(s)
	}
}

// Current returns the latest published state.
func (f *Feed) Current() types.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Subscribe returns a channel that immediately yields the current state and
// then every later one (coalesced to the latest for slow readers). cancel
// closes the channel; it is safe to call more than once.
func (f *Feed) Subscribe() (<-chan types.ConnectionState, func()) {
	ch := make(chan types.ConnectionState, 1)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	ch <- f.current
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// offer replaces any unread value in ch with s.
func offer(ch chan types.ConnectionState, s types.ConnectionState) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
