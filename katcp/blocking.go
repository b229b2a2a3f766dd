package katcp

import (
	"context"
	"sync"
	"time"
)

// currentRequest tracks the single in-flight request a BlockingClient
// allows at a time: the request name (for legacy, MID-less matching), the
// MID (when the server supports message IDs), and the accumulated
// replies/informs.
type currentRequest struct {
	name    string
	mid     string
	replies []Message
	informs []Message
	done    *event
}

// BlockingClient is the simplest of the two correlator models (C6): only
// one request may be outstanding at a time, and BlockingRequest blocks the
// calling goroutine until a matching Reply arrives or the timeout
// elapses. This mirrors original_source/katcp/client.py's
// DeviceClient.blocking_request.
type BlockingClient struct {
	conn   *Conn
	logger Logger

	mu  sync.Mutex
	cur *currentRequest
}

// NewBlockingClient wires a BlockingClient on top of conn via a
// Dispatcher. The caller is responsible for starting/stopping conn.
func NewBlockingClient(conn *Conn, logger Logger) *BlockingClient {
	if logger == nil {
		logger = nopLogger{}
	}
	bc := &BlockingClient{conn: conn, logger: logger}
	NewDispatcher(conn, logger, bc.onReply, bc.onInform)
	return bc
}

func (bc *BlockingClient) matches(msg Message) bool {
	if msg.MID != "" {
		return msg.MID == bc.cur.mid
	}
	return bc.cur.mid == "" && msg.Name == bc.cur.name
}

func (bc *BlockingClient) onReply(msg Message) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.cur == nil || !bc.matches(msg) {
		return
	}
	bc.cur.replies = append(bc.cur.replies, msg)
	bc.cur.done.Set()
}

func (bc *BlockingClient) onInform(msg Message) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.cur == nil || !bc.matches(msg) {
		return
	}
	bc.cur.informs = append(bc.cur.informs, msg)
}

// BlockingRequest sends req and blocks until a matching Reply arrives or
// timeout elapses, returning the reply and every Inform that arrived
// alongside it. If keepalive is true, a timeout that occurred after at
// least one new Inform arrived since the previous wait restarts the wait
// rather than failing -- the dispatcher is still alive, it is simply a
// slow request. useMID governs whether the request carries a message
// identifier (spec.md section 4.6); UseMIDAlways fails fast with
// VersionError against a server that hasn't advertised support. Only one
// BlockingRequest may be in flight at a time.
func (bc *BlockingClient) BlockingRequest(ctx context.Context, req Message, timeout time.Duration, keepalive bool, useMID UseMID) (Message, []Message, error) {
	wantMID, err := resolveMID(bc.conn, useMID)
	if err != nil {
		return Message{}, nil, err
	}

	bc.mu.Lock()
	if wantMID {
		req = req.WithMID(nextMID())
	}
	cr := &currentRequest{name: req.Name, mid: req.MID, done: newEvent()}
	bc.cur = cr
	bc.mu.Unlock()

	defer func() {
		bc.mu.Lock()
		if bc.cur == cr {
			bc.cur = nil
		}
		bc.mu.Unlock()
	}()

	if err := bc.conn.Send(req); err != nil {
		return Message{}, nil, err
	}

	lastInformCount := 0
	for {
		if waitWithContext(ctx, cr.done, timeout) {
			break
		}

		bc.mu.Lock()
		informCount := len(cr.informs)
		bc.mu.Unlock()

		if keepalive && informCount > lastInformCount {
			lastInformCount = informCount
			continue
		}
		return Message{}, nil, ErrTimeout
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(cr.replies) == 0 {
		return Message{}, nil, ErrTimeout
	}
	return cr.replies[len(cr.replies)-1], cr.informs, nil
}

// waitWithContext waits on ev up to timeout, additionally unblocking early
// if ctx is canceled.
func waitWithContext(ctx context.Context, ev *event, timeout time.Duration) bool {
	if ctx == nil || ctx.Done() == nil {
		return ev.Wait(timeout)
	}

	done := make(chan bool, 1)
	go func() {
		done <- ev.Wait(timeout)
	}()
	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	}
}
