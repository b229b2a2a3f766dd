package katcp

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// state is the connection engine's lifecycle state (spec.md section 4.2).
type state int32

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

// DialFunc opens the underlying transport. Overridable via WithDialFunc so
// tests can substitute net.Pipe or an in-memory listener, mirroring the
// teacher's cfg.dialFn seam (broker.go: b.cl.cfg.dialFn).
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// OnConnectedFunc is the upcall invoked whenever the connection transitions
// to or from Connected. It must not block -- see spec.md section 4.6's
// notify_connected docstring.
type OnConnectedFunc func(connected bool)

// Option configures a Conn at construction time.
type Option func(*connConfig)

type connConfig struct {
	autoReconnect  bool
	reconnectWait  time.Duration
	readBufferSize int
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	logger         Logger
	dial           DialFunc
	onConnected    OnConnectedFunc
}

func defaultConnConfig() connConfig {
	return connConfig{
		autoReconnect:  true,
		reconnectWait:  500 * time.Millisecond,
		readBufferSize: 4096,
		dialTimeout:    10 * time.Second,
		writeTimeout:   5 * time.Second,
		logger:         nopLogger{},
		dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(true)
			}
			return conn, nil
		},
		onConnected: func(bool) {},
	}
}

// WithLogger injects a Logger; nil is ignored.
func WithLogger(l Logger) Option {
	return func(c *connConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAutoReconnect toggles the Disconnecting -> Connecting auto-transition.
func WithAutoReconnect(enabled bool) Option {
	return func(c *connConfig) { c.autoReconnect = enabled }
}

// WithReconnectWait overrides the fixed reconnect retry interval (default
// 500ms per spec.md section 4.2).
func WithReconnectWait(d time.Duration) Option {
	return func(c *connConfig) { c.reconnectWait = d }
}

// WithDialFunc overrides how the underlying transport is opened.
func WithDialFunc(d DialFunc) Option {
	return func(c *connConfig) { c.dial = d }
}

// WithOnConnected installs the connected/disconnected upcall.
func WithOnConnected(fn OnConnectedFunc) Option {
	return func(c *connConfig) {
		if fn != nil {
			c.onConnected = fn
		}
	}
}

// WithReadBufferSize overrides the per-read chunk size (default 4KiB per
// spec.md section 4.2).
func WithReadBufferSize(n int) Option {
	return func(c *connConfig) {
		if n > 0 {
			c.readBufferSize = n
		}
	}
}

// Conn is the connection engine (C4): a single long-lived TCP client with
// auto-reconnect, non-blocking reads, ordered writes, and lifecycle
// signalling. It exclusively owns the socket and the carry-over read
// buffer -- see spec.md section 3, "Ownership".
type Conn struct {
	host string
	port int
	cfg  connConfig

	onMessage func(Message)

	mu    sync.RWMutex
	sock  net.Conn
	st    state
	carry []byte

	writeMu sync.Mutex

	connectedSig *event
	protocolSig  *event

	protoMu sync.Mutex
	proto   ProtocolInfo

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	eg          *errgroup.Group
}

// NewConn creates a connection engine targeting (host, port). It does not
// connect until Start is called.
func NewConn(host string, port int, opts ...Option) *Conn {
	cfg := defaultConnConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Conn{
		host:         host,
		port:         port,
		cfg:          cfg,
		connectedSig: newEvent(),
		protocolSig:  newEvent(),
	}
}

func (c *Conn) addr() string {
	return fmt.Sprintf("%s:%d", c.host, c.port)
}

// SetMessageHandler installs the callback invoked for every parsed inbound
// message. Intended to be wired once, by a Dispatcher, at construction
// time.
func (c *Conn) SetMessageHandler(fn func(Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// MarkProtocolReceived latches the protocol handshake result. Called by
// the dispatcher upon observing #version-connect katcp-protocol.
func (c *Conn) MarkProtocolReceived(info ProtocolInfo) {
	c.protoMu.Lock()
	c.proto = info
	c.protoMu.Unlock()
	c.protocolSig.Set()
}

// Protocol returns the most recently latched ProtocolInfo. The zero value
// means no handshake has been observed on the current connection.
func (c *Conn) Protocol() ProtocolInfo {
	c.protoMu.Lock()
	defer c.protoMu.Unlock()
	return c.proto
}

// IsConnected reports whether the engine is currently in the Connected
// state.
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st == stateConnected
}

// WaitConnected blocks until Connected or timeout elapses.
func (c *Conn) WaitConnected(timeout time.Duration) bool {
	return c.connectedSig.Wait(timeout)
}

// WaitProtocol blocks until the version-connect handshake has been
// observed, or timeout elapses.
func (c *Conn) WaitProtocol(timeout time.Duration) bool {
	return c.protocolSig.Wait(timeout)
}

// Start launches the I/O loop in the background and returns immediately.
// Call WaitConnected afterwards to block for the first successful
// connection.
func (c *Conn) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	if c.started {
		c.lifecycleMu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	eg, egCtx := errgroup.WithContext(runCtx)
	c.eg = eg
	c.lifecycleMu.Unlock()

	eg.Go(func() error {
		c.ioLoop(egCtx)
		return nil
	})
	return nil
}

// Stop signals the I/O loop to exit and waits up to timeout for it to do
// so.
func (c *Conn) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	if !c.started {
		c.lifecycleMu.Unlock()
		return ErrNotStarted
	}
	cancel := c.cancel
	c.lifecycleMu.Unlock()

	cancel()
	return c.Join(timeout)
}

// Join waits for the I/O loop goroutine to exit.
func (c *Conn) Join(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	eg := c.eg
	c.lifecycleMu.Unlock()
	if eg == nil {
		return ErrNotStarted
	}

	done := make(chan struct{})
	go func() {
		eg.Wait()
		close(done)
	}()

	if !waitChan(done, timeout) {
		return ErrJoinTimeout
	}

	c.lifecycleMu.Lock()
	c.started = false
	c.lifecycleMu.Unlock()
	return nil
}

func waitChan(done <-chan struct{}, timeout time.Duration) bool {
	if timeout < 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Send serializes and writes msg under the write-lock so that a single
// message is fully written before another begins -- see spec.md section
// 4.2, "Send ordering".
func (c *Conn) Send(msg Message) error {
	c.mu.RLock()
	sock := c.sock
	connected := c.st == stateConnected
	c.mu.RUnlock()

	if !connected || sock == nil {
		return ErrNotConnected
	}

	data := msg.Encode()
	c.cfg.logger.Log(LevelDebug, "send", "msg", msg.String())

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	total := 0
	for total < len(data) {
		c.mu.RLock()
		cur := c.sock
		c.mu.RUnlock()
		if cur != sock {
			// The socket was swapped out from under us by a
			// concurrent reconnect; abandon this write.
			return ErrNotConnected
		}

		sock.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
		n, err := sock.Write(data[total:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.cfg.logger.Log(LevelError, "send failed", "err", err)
			c.forceDisconnect(sock)
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		if n == 0 {
			c.forceDisconnect(sock)
			return ErrSendFailed
		}
		total += n
	}
	return nil
}

// forceDisconnect closes sock, which unblocks the I/O loop's pending Read
// and drives it into its disconnect/reconnect path.
func (c *Conn) forceDisconnect(sock net.Conn) {
	sock.Close()
}

// ioLoop implements the Idle -> Connecting -> Connected -> Disconnecting
// state machine, looping back to Connecting when auto-reconnect is
// enabled. See spec.md section 4.2.
func (c *Conn) ioLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.st = stateConnecting
		c.mu.Unlock()

		sock, err := c.connectWithRetry(ctx)
		if err != nil || sock == nil {
			return
		}

		c.runConnected(ctx, sock)

		if !c.cfg.autoReconnect {
			return
		}
	}
}

func (c *Conn) connectOnce(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.dialTimeout)
	defer cancel()
	return c.cfg.dial(dialCtx, "tcp", c.addr())
}

// connectWithRetry dials, retrying on a fixed interval while auto-reconnect
// is enabled. It logs a warning every 5th consecutive failure and debug
// otherwise (spec.md section 4.2).
func (c *Conn) connectWithRetry(ctx context.Context) (net.Conn, error) {
	if !c.cfg.autoReconnect {
		sock, err := c.connectOnce(ctx)
		if err != nil {
			c.cfg.logger.Log(LevelWarn, "failed to connect", "addr", c.addr(), "err", err)
			return nil, err
		}
		return sock, nil
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.reconnectWait), ctx)
	var sock net.Conn
	failures := 0

	op := func() error {
		s, err := c.connectOnce(ctx)
		if err != nil {
			failures++
			if failures%5 == 0 {
				c.cfg.logger.Log(LevelWarn, "failed to connect", "addr", c.addr(), "attempt", failures, "err", err)
			} else {
				c.cfg.logger.Log(LevelDebug, "failed to connect", "addr", c.addr(), "attempt", failures, "err", err)
			}
			return err
		}
		sock = s
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return sock, nil
}

// runConnected owns sock for the duration of one connected session: it
// marks the engine Connected, reads until EOF/error/ctx-cancel, and tears
// down on return.
func (c *Conn) runConnected(ctx context.Context, sock net.Conn) {
	c.mu.Lock()
	c.sock = sock
	c.st = stateConnected
	c.carry = c.carry[:0]
	c.mu.Unlock()

	c.connectedSig.Set()
	c.safeOnConnected(true)

	defer func() {
		c.mu.Lock()
		c.st = stateDisconnecting
		if c.sock == sock {
			c.sock = nil
		}
		c.mu.Unlock()

		c.connectedSig.Clear()
		c.protocolSig.Clear()
		c.protoMu.Lock()
		c.proto = ProtocolInfo{}
		c.protoMu.Unlock()

		sock.Close()
		c.safeOnConnected(false)

		c.mu.Lock()
		c.st = stateIdle
		c.mu.Unlock()
	}()

	buf := make([]byte, c.cfg.readBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		sock.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := sock.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if n == 0 {
			return
		}
		c.feed(buf[:n])
	}
}

// feed appends newly read bytes to the carry-over buffer and dispatches
// every complete line, splitting on LF or CR (spec.md section 4.2).
func (c *Conn) feed(data []byte) {
	c.carry = append(c.carry, data...)
	start := 0
	buf := c.carry
	for {
		idx := bytes.IndexAny(buf[start:], "\n\r")
		if idx < 0 {
			break
		}
		line := buf[start : start+idx]
		start += idx + 1
		if len(line) == 0 {
			continue
		}
		c.parseAndDispatch(line)
	}
	c.carry = append([]byte(nil), buf[start:]...)
}

func (c *Conn) parseAndDispatch(line []byte) {
	msg, err := Parse(line)
	if err != nil {
		c.cfg.logger.Log(LevelError, "bad command", "line", string(line), "err", err)
		return
	}
	c.cfg.logger.Log(LevelDebug, "received", "msg", msg.String())

	c.mu.RLock()
	handler := c.onMessage
	c.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// safeOnConnected invokes the user upcall, recovering a panic so the I/O
// loop survives it. A panicking "connected" upcall additionally forces a
// disconnect, per spec.md section 7's CallbackError row.
func (c *Conn) safeOnConnected(connected bool) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.logger.Log(LevelError, "on-connected upcall panicked", "connected", connected, "err", r)
			if connected {
				c.mu.RLock()
				sock := c.sock
				c.mu.RUnlock()
				if sock != nil {
					sock.Close()
				}
			}
		}
	}()
	c.cfg.onConnected(connected)
}
