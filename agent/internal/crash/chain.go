// Package crash turns recovered panics into reports and passes them through
// an ordered chain of handlers.
//
// Go has no process-wide uncaught-panic hook, so interception is opt-in per
// goroutine: the host defers the engine's Recover at the top of each
// goroutine it wants covered, and that calls Handle. The chain itself is data: entries are
// installed with an ID and removed by that ID, so an owner can take back
// exactly what it put in.
package crash

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Report describes one recovered panic.
type Report struct {
	Value any
	Stack []byte
	Time  time.Time
}

// Text renders the report as a single log message body.
func (r Report) Text() string {
	return fmt.Sprintf("panic: %v\n\n%s", r.Value, r.Stack)
}

// Handler observes a crash. Returning true suppresses the re-panic.
type Handler interface {
	HandleCrash(Report) (suppress bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Report) bool

// HandleCrash calls f(r).
func (f HandlerFunc) HandleCrash(r Report) bool { return f(r) }

// ID identifies an installed entry.
type ID uint64

type entry struct {
	id ID
	h  Handler
}

// Chain is an ordered list of handlers. Safe for concurrent use.
type Chain struct {
	mu      sync.Mutex
	entries []entry
	nextID  ID
}

// Default is the process-wide chain used by engines.
var Default = &Chain{}

// Install appends h and returns its ID.
func (c *Chain) Install(h Handler) ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.entries = append(c.entries, entry{id: c.nextID, h: h})
	return c.nextID
}

// Remove deletes the entry with the given id. Removing an unknown id
// reports false.
func (c *Chain) Remove(id ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.id == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of installed handlers.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Dispatch runs every handler in install order and reports whether any of
// them asked to suppress. A handler that itself panics is skipped.
func (c *Chain) Dispatch(r Report) (suppressed bool) {
	c.mu.Lock()
	entries := append([]entry(nil), c.entries...)
	c.mu.Unlock()

	for _, e := range entries {
		if safeHandle(e.h, r) {
			suppressed = true
		}
	}
	return suppressed
}

func safeHandle(h Handler, r Report) (suppress bool) {
	defer func() {
		if recover() != nil {
			suppress = false
		}
	}()
	return h.HandleCrash(r)
}

// Handle builds a Report for v and dispatches it.
func (c *Chain) Handle(v any) (suppressed bool) {
	return c.Dispatch(Report{Value: v, Stack: debug.Stack(), Time: time.Now()})
}
