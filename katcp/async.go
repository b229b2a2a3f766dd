package katcp

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReplyCallback receives the terminal Reply (or a synthesized failure
// Reply, see below) and every Inform observed for one asynchronous
// request.
type ReplyCallback func(reply Message, informs []Message)

// pendingRequest is one outstanding asynchronous request.
type pendingRequest struct {
	name    string
	mid     string
	cb      ReplyCallback
	informs []Message
	timer   *TimerHandle
	timeout time.Duration
	done    bool
}

// AsyncClient is the callback-driven correlator model (C7): any number of
// requests may be outstanding concurrently, matched either by MID (when
// the server advertises support) or, for legacy servers, by a FIFO stack
// of in-flight names -- mirroring
// original_source/katcp/client.py:AsyncClient's self._async_queue.
type AsyncClient struct {
	conn      *Conn
	logger    Logger
	scheduler *Scheduler

	reqCh chan asyncOp

	eg     *errgroup.Group
	cancel context.CancelFunc

	pending   map[string]*pendingRequest
	nameStack []*pendingRequest
}

type asyncOpKind int

const (
	opReply asyncOpKind = iota
	opInform
	opTimeout
	opSend
)

type asyncOp struct {
	kind   asyncOpKind
	msg    Message
	pr     *pendingRequest
	useMID UseMID
	errCh  chan error
}

// NewAsyncClient wires an AsyncClient on top of conn. Call Start before
// issuing requests.
func NewAsyncClient(conn *Conn, logger Logger) *AsyncClient {
	if logger == nil {
		logger = nopLogger{}
	}
	ac := &AsyncClient{
		conn:      conn,
		logger:    logger,
		scheduler: NewScheduler(),
		reqCh:     make(chan asyncOp, 64),
		pending:   make(map[string]*pendingRequest),
	}
	NewDispatcher(conn, logger, ac.onReply, ac.onInform)
	return ac
}

// Start launches the serializing request-handling goroutine and the
// timer scheduler, both joined together by Join.
func (ac *AsyncClient) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	ac.cancel = cancel
	eg, egCtx := errgroup.WithContext(runCtx)
	ac.eg = eg

	eg.Go(func() error {
		ac.run(egCtx)
		return nil
	})
	eg.Go(func() error {
		return ac.scheduler.Run(egCtx)
	})
	return nil
}

// Stop cancels the background goroutines and waits for them to exit,
// failing every still-outstanding request with ErrStopped.
func (ac *AsyncClient) Stop(timeout time.Duration) error {
	if ac.cancel != nil {
		ac.cancel()
	}
	return ac.Join(timeout)
}

// Join waits for the request loop and scheduler to exit.
func (ac *AsyncClient) Join(timeout time.Duration) error {
	if ac.eg == nil {
		return ErrNotStarted
	}
	done := make(chan struct{})
	go func() {
		ac.eg.Wait()
		close(done)
	}()
	if !waitChan(done, timeout) {
		return ErrJoinTimeout
	}
	return nil
}

// run is the single goroutine that owns ac.pending/ac.nameStack, avoiding
// locking by serializing every mutation through reqCh -- the same
// single-owner-goroutine shape as the teacher's handleReqs/handleResps
// pair in broker.go.
func (ac *AsyncClient) run(ctx context.Context) {
	defer ac.drain()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-ac.reqCh:
			ac.handle(op)
		}
	}
}

func (ac *AsyncClient) handle(op asyncOp) {
	switch op.kind {
	case opSend:
		ac.handleSend(op)
	case opReply:
		ac.handleReply(op.msg)
	case opInform:
		ac.handleInform(op.msg)
	case opTimeout:
		ac.handleTimeout(op.pr)
	}
}

func (ac *AsyncClient) handleSend(op asyncOp) {
	msg := op.msg
	wantMID, err := resolveMID(ac.conn, op.useMID)
	if err != nil {
		if op.errCh != nil {
			op.errCh <- err
		}
		return
	}
	if wantMID {
		msg = msg.WithMID(nextMID())
	}
	pr := op.pr
	pr.name = msg.Name
	pr.mid = msg.MID

	if msg.MID != "" {
		ac.pending[msg.MID] = pr
	} else {
		ac.nameStack = append(ac.nameStack, pr)
	}

	if err := ac.conn.Send(msg); err != nil {
		// The source constructs an error Message.request(...) here;
		// that is a bug (see DESIGN.md) -- the correlator must
		// synthesize a Reply so callback matching and argument
		// shape stay consistent with every other failure path.
		ac.completeLocked(pr, ReplyMsg(pr.name, Args(StatusFail, err.Error())...), nil)
		if op.errCh != nil {
			op.errCh <- err
		}
		return
	}
	if op.errCh != nil {
		op.errCh <- nil
	}
}

func (ac *AsyncClient) handleReply(msg Message) {
	pr := ac.takePending(msg)
	if pr == nil {
		return
	}
	if pr.timer != nil {
		pr.timer.Cancel()
	}
	ac.completeLocked(pr, msg, pr.informs)
}

func (ac *AsyncClient) handleInform(msg Message) {
	pr := ac.peekPending(msg)
	if pr == nil {
		return
	}
	pr.informs = append(pr.informs, msg)
}

func (ac *AsyncClient) handleTimeout(pr *pendingRequest) {
	if pr.done {
		return
	}
	ac.forgetPending(pr)
	reason := fmt.Sprintf("Timed out after %g seconds", pr.timeout.Seconds())
	ac.completeLocked(pr, ReplyMsg(pr.name, Args(StatusFail, reason)...), pr.informs)
}

func (ac *AsyncClient) completeLocked(pr *pendingRequest, reply Message, informs []Message) {
	if pr.done {
		return
	}
	pr.done = true
	if pr.cb != nil {
		ac.safeCallback(pr, reply, informs)
	}
}

func (ac *AsyncClient) safeCallback(pr *pendingRequest, reply Message, informs []Message) {
	defer func() {
		if r := recover(); r != nil {
			ac.logger.Log(LevelError, "reply callback panicked", "name", pr.name, "err", r)
		}
	}()
	pr.cb(reply, informs)
}

// takePending removes and returns the pendingRequest matching msg (by
// MID, or by popping the oldest same-named entry off nameStack for
// legacy servers), or nil if nothing matches.
func (ac *AsyncClient) takePending(msg Message) *pendingRequest {
	if msg.MID != "" {
		pr, ok := ac.pending[msg.MID]
		if !ok {
			return nil
		}
		delete(ac.pending, msg.MID)
		return pr
	}
	for i, pr := range ac.nameStack {
		if pr.name == msg.Name {
			ac.nameStack = append(ac.nameStack[:i], ac.nameStack[i+1:]...)
			return pr
		}
	}
	return nil
}

func (ac *AsyncClient) peekPending(msg Message) *pendingRequest {
	if msg.MID != "" {
		return ac.pending[msg.MID]
	}
	for _, pr := range ac.nameStack {
		if pr.name == msg.Name {
			return pr
		}
	}
	return nil
}

func (ac *AsyncClient) forgetPending(pr *pendingRequest) {
	if pr.mid != "" {
		delete(ac.pending, pr.mid)
		return
	}
	for i, p := range ac.nameStack {
		if p == pr {
			ac.nameStack = append(ac.nameStack[:i], ac.nameStack[i+1:]...)
			return
		}
	}
}

// drain fails every request still outstanding when the client stops,
// mirroring spec.md section 4.5's shutdown-drain requirement.
func (ac *AsyncClient) drain() {
	for _, pr := range ac.pending {
		if !pr.done {
			ac.completeLocked(pr, ReplyMsg(pr.name, Args(StatusFail, ErrStopped.Error())...), pr.informs)
		}
	}
	for _, pr := range ac.nameStack {
		if !pr.done {
			ac.completeLocked(pr, ReplyMsg(pr.name, Args(StatusFail, ErrStopped.Error())...), pr.informs)
		}
	}
}

// onReply/onInform are the Dispatcher callbacks, invoked on the
// connection's read goroutine; they hand off to run's single owner
// goroutine via reqCh.
func (ac *AsyncClient) onReply(msg Message) {
	ac.reqCh <- asyncOp{kind: opReply, msg: msg}
}

func (ac *AsyncClient) onInform(msg Message) {
	ac.reqCh <- asyncOp{kind: opInform, msg: msg}
}

// Request issues msg asynchronously. cb is invoked exactly once, either
// with the server's reply or a synthesized failure reply (send error,
// timeout, or client shutdown). A zero timeout means no timer is armed.
// useMID governs whether the request carries a message identifier
// (spec.md section 4.6); UseMIDAlways fails fast with VersionError
// against a server that hasn't advertised support.
func (ac *AsyncClient) Request(msg Message, timeout time.Duration, useMID UseMID, cb ReplyCallback) error {
	errCh := make(chan error, 1)
	op := asyncOp{kind: opSend, msg: msg, useMID: useMID, errCh: errCh}
	op.pr = &pendingRequest{cb: cb, timeout: timeout}
	ac.reqCh <- op
	if err := <-errCh; err != nil {
		return err
	}

	if timeout > 0 {
		pr := op.pr
		pr.timer = ac.scheduler.Schedule(timeout, func() {
			ac.reqCh <- asyncOp{kind: opTimeout, pr: pr}
		})
	}
	return nil
}

// BlockingRequest issues msg and blocks the calling goroutine until the
// reply (real or synthesized) arrives, adapting the callback model to a
// synchronous call for callers that don't need concurrency.
func (ac *AsyncClient) BlockingRequest(ctx context.Context, msg Message, timeout time.Duration, useMID UseMID) (Message, []Message, error) {
	resultCh := make(chan struct {
		reply   Message
		informs []Message
	}, 1)

	err := ac.Request(msg, timeout, useMID, func(reply Message, informs []Message) {
		resultCh <- struct {
			reply   Message
			informs []Message
		}{reply, informs}
	})
	if err != nil {
		return Message{}, nil, err
	}

	select {
	case r := <-resultCh:
		return r.reply, r.informs, nil
	case <-ctx.Done():
		return Message{}, nil, ctx.Err()
	}
}
