package session

import (
	"errors"
	"sync"

	"otterchat.org/internal/event"
)

// ErrConnClosed is returned by RecordingConn after Close or when failing.
var ErrConnClosed = errors.New("session: connection closed")

// RecordingConn is an in-memory Conn that records every event it receives.
// It backs the tests of packages that route through the registry.
type RecordingConn struct {
	mu     sync.Mutex
	events []event.Outbound
	closed bool
	fail   bool
}

func NewRecordingConn() *RecordingConn { return &RecordingConn{} }

func (c *RecordingConn) Send(ev event.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.fail {
		return ErrConnClosed
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *RecordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailSends makes every later Send fail without closing the connection.
func (c *RecordingConn) FailSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = true
}

func (c *RecordingConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of the received events.
func (c *RecordingConn) Events() []event.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Outbound, len(c.events))
	copy(out, c.events)
	return out
}

// OfType returns the received events with the given type.
func (c *RecordingConn) OfType(typ string) []event.Outbound {
	var out []event.Outbound
	for _, ev := range c.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Last returns the most recent event.
func (c *RecordingConn) Last() (event.Outbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return event.Outbound{}, false
	}
	return c.events[len(c.events)-1], true
}

// Reset drops recorded events.
func (c *RecordingConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
