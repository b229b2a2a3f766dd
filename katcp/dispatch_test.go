package katcp

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcher_InterceptsVersionConnect(t *testing.T) {
	t.Parallel()

	conn := NewConn("ignored", 0, WithDialFunc(pipeDialer(func(server net.Conn) {
		server.Write([]byte("#version-connect katcp-protocol 5.1-M\n"))
	})))

	var informs []Message
	NewDispatcher(conn, nil, nil, func(m Message) { informs = append(informs, m) })

	require.NoError(t, conn.Start(context.Background()))
	t.Cleanup(func() { conn.Stop(time.Second) })
	require.True(t, conn.WaitConnected(time.Second))
	require.True(t, conn.WaitProtocol(time.Second))

	require.True(t, conn.Protocol().Supports(FlagMessageIDs))
	require.Len(t, informs, 1)
}

func TestDispatcher_RoutesRepliesAndInforms(t *testing.T) {
	t.Parallel()

	conn := NewConn("ignored", 0, WithDialFunc(pipeDialer(func(server net.Conn) {
		server.Write([]byte("#log info katcp hello\n"))
		server.Write([]byte("!watchdog ok\n"))
	})))

	replies := make(chan Message, 1)
	informs := make(chan Message, 1)
	NewDispatcher(conn, nil, func(m Message) { replies <- m }, func(m Message) { informs <- m })

	require.NoError(t, conn.Start(context.Background()))
	t.Cleanup(func() { conn.Stop(time.Second) })
	require.True(t, conn.WaitConnected(time.Second))

	select {
	case m := <-informs:
		require.Equal(t, "log", m.Name)
	case <-time.After(time.Second):
		t.Fatal("inform not delivered")
	}
	select {
	case m := <-replies:
		require.Equal(t, "watchdog", m.Name)
	case <-time.After(time.Second):
		t.Fatal("reply not delivered")
	}
}

func TestDispatcher_AnswersServerSentRequest(t *testing.T) {
	t.Parallel()

	replyLine := make(chan string, 1)
	conn := NewConn("ignored", 0, WithDialFunc(pipeDialer(func(server net.Conn) {
		server.Write([]byte("?halt[9]\n"))
		r := bufio.NewReader(server)
		line, _ := r.ReadString('\n')
		replyLine <- line
	})))

	d := NewDispatcher(conn, nil, nil, nil)
	d.SetRequestHandler(func(req Message) Message {
		require.Equal(t, "halt", req.Name)
		return ReplyMsg("halt", Args(StatusOK)...)
	})

	require.NoError(t, conn.Start(context.Background()))
	t.Cleanup(func() { conn.Stop(time.Second) })
	require.True(t, conn.WaitConnected(time.Second))

	select {
	case line := <-replyLine:
		require.Equal(t, "!halt[9] ok\n", line)
	case <-time.After(time.Second):
		t.Fatal("no reply sent for server-initiated request")
	}
}

func TestDispatcher_RecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	conn := NewConn("ignored", 0, WithDialFunc(pipeDialer(func(server net.Conn) {
		server.Write([]byte("!watchdog ok\n"))
		server.Write([]byte("!watchdog ok\n"))
	})))

	calls := make(chan struct{}, 2)
	NewDispatcher(conn, nil, func(m Message) {
		calls <- struct{}{}
		panic("boom")
	}, nil)

	require.NoError(t, conn.Start(context.Background()))
	t.Cleanup(func() { conn.Stop(time.Second) })
	require.True(t, conn.WaitConnected(time.Second))

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("handler not invoked after a prior panic")
		}
	}
}
