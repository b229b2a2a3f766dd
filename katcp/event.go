package katcp

import (
	"sync"
	"time"
)

// NoTimeout, passed to any Wait-style method in this package, means "wait
// indefinitely" -- the Go equivalent of the source's timeout=None.
const NoTimeout time.Duration = -1

// event is a resettable, latching signal -- the Go equivalent of
// threading.Event in original_source/katcp/client.py (self._connected,
// self._received_protocol_info, self._request_end all are one of these).
type event struct {
	mu sync.Mutex
	ch chan struct{}
}

func newEvent() *event {
	return &event{ch: make(chan struct{})}
}

// Set latches the event. Idempotent.
func (e *event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
	default:
		close(e.ch)
	}
}

// Clear unlatches the event so a future Wait blocks again.
func (e *event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.ch:
		e.ch = make(chan struct{})
	default:
	}
}

// IsSet reports whether the event is currently latched.
func (e *event) IsSet() bool {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the event is set or timeout elapses, returning
// whether it was set. timeout == 0 polls without blocking; timeout < 0
// (NoTimeout) waits indefinitely.
func (e *event) Wait(timeout time.Duration) bool {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	if timeout < 0 {
		<-ch
		return true
	}
	if timeout == 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return e.IsSet()
	}
}
