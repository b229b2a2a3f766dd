package katcp

import (
	"runtime"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// ReplyHandler receives every Reply message (after handshake
// interception). InformHandler receives every Inform. Both are invoked on
// the connection engine's read goroutine and must not block.
type ReplyHandler func(Message)
type InformHandler func(Message)

// RequestHandler answers a server-sent request (rare, but in scope: a
// KATCP server may itself issue requests to a connected client). It must
// return a Reply with the same name as the incoming request.
type RequestHandler func(Message) Message

// Dispatcher sits between a Conn and the correlators (BlockingClient /
// AsyncClient): it intercepts the #version-connect handshake inform and
// otherwise fans every inbound message out to the registered handlers,
// recovering panics the way the teacher's broker goroutines recover a
// panicking response handler so one bad callback cannot take down the
// read loop.
type Dispatcher struct {
	conn      *Conn
	logger    Logger
	onReply   ReplyHandler
	onInform  InformHandler
	onRequest RequestHandler
}

// NewDispatcher wires a Dispatcher to conn, installing itself as the
// connection's message handler. onReply/onInform may be nil.
func NewDispatcher(conn *Conn, logger Logger, onReply ReplyHandler, onInform InformHandler) *Dispatcher {
	if logger == nil {
		logger = nopLogger{}
	}
	d := &Dispatcher{conn: conn, logger: logger, onReply: onReply, onInform: onInform}
	conn.SetMessageHandler(d.dispatch)
	return d
}

// SetRequestHandler installs the callback invoked for server-sent
// requests. Unset by default, in which case such requests are logged and
// dropped.
func (d *Dispatcher) SetRequestHandler(fn RequestHandler) {
	d.onRequest = fn
}

const versionConnectInformName = "version-connect"
const versionConnectProtocolArg = "katcp-protocol"

// dispatch routes one parsed inbound message. It never propagates a panic
// from a handler; instead it logs a CallbackError with a bounded
// traceback-style dump of the offending message, following spec.md
// section 7's "callback panics are logged, not fatal" rule.
func (d *Dispatcher) dispatch(msg Message) {
	defer d.recoverHandler(msg)

	if msg.Type == Inform && msg.Name == versionConnectInformName && len(msg.Arguments) == 2 {
		if strings.EqualFold(string(msg.Arguments[0]), versionConnectProtocolArg) {
			info, err := ParseProtocolVersion(string(msg.Arguments[1]))
			if err != nil {
				d.logger.Log(LevelWarn, "malformed version-connect", "err", err)
			} else {
				d.conn.MarkProtocolReceived(info)
				d.logger.Log(LevelInfo, "protocol handshake complete", "major", info.Major, "minor", info.Minor)
			}
		}
	}

	switch msg.Type {
	case Reply:
		if d.onReply != nil {
			d.onReply(msg)
		}
	case Inform:
		if d.onInform != nil {
			d.onInform(msg)
		}
	case Request:
		d.handleRequest(msg)
	}
}

// handleRequest answers a server-sent request. Per spec.md section 4.3,
// the handler's returned message is required to be a Reply with the same
// name as the incoming request; the incoming MID is attached before
// sending.
func (d *Dispatcher) handleRequest(msg Message) {
	if d.onRequest == nil {
		d.logger.Log(LevelDebug, "ignoring unsolicited request", "name", msg.Name)
		return
	}

	reply := d.onRequest(msg)
	if reply.Type != Reply || reply.Name != msg.Name {
		d.logger.Log(LevelError, "request handler returned malformed reply", "name", msg.Name)
		return
	}
	if msg.MID != "" {
		reply = reply.WithMID(msg.MID)
	}

	d.logger.Log(LevelInfo, msg.Name+" OK")
	if err := d.conn.Send(reply); err != nil {
		d.logger.Log(LevelError, "failed to send request reply", "name", msg.Name, "err", err)
	}
}

// stackTraceLimit bounds the captured stack trace buffer, per spec.md
// section 4.3's "tb_limit frames" requirement.
const stackTraceLimit = 4096

func (d *Dispatcher) recoverHandler(msg Message) {
	if r := recover(); r != nil {
		buf := make([]byte, stackTraceLimit)
		n := runtime.Stack(buf, false)
		cerr := &CallbackError{
			Handler: "dispatch",
			Message: msg,
			Cause:   r,
			Stack:   buf[:n],
		}
		d.logger.Log(LevelError, "handler panicked", "err", cerr.Error(), "stack", string(cerr.Stack), "dump", spew.Sdump(msg))
	}
}
