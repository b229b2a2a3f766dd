package katcp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startAsyncClient(t *testing.T, handleServer func(net.Conn)) (*Conn, *AsyncClient) {
	t.Helper()
	conn := NewConn("ignored", 0, WithDialFunc(pipeDialer(handleServer)))
	ac := NewAsyncClient(conn, nil)
	require.NoError(t, conn.Start(context.Background()))
	require.NoError(t, ac.Start(context.Background()))
	t.Cleanup(func() {
		ac.Stop(time.Second)
		conn.Stop(time.Second)
	})
	require.True(t, conn.WaitConnected(time.Second))
	return conn, ac
}

func TestAsyncClient_CallbackReceivesReply(t *testing.T) {
	t.Parallel()

	_, ac := startAsyncClient(t, func(server net.Conn) {
		r := bufio.NewReader(server)
		_, _ = r.ReadString('\n')
		server.Write([]byte("!watchdog ok\n"))
	})

	done := make(chan Message, 1)
	require.NoError(t, ac.Request(RequestMsg("watchdog"), time.Second, UseMIDDefault, func(reply Message, informs []Message) {
		done <- reply
	}))

	select {
	case reply := <-done:
		s, ok := reply.Status()
		require.True(t, ok)
		require.Equal(t, StatusOK, s)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestAsyncClient_TimeoutSynthesizesFailureReply(t *testing.T) {
	t.Parallel()

	_, ac := startAsyncClient(t, func(server net.Conn) {
		_, _ = bufio.NewReader(server).ReadString('\n')
	})

	done := make(chan Message, 1)
	require.NoError(t, ac.Request(RequestMsg("watchdog"), 50*time.Millisecond, UseMIDDefault, func(reply Message, informs []Message) {
		done <- reply
	}))

	select {
	case reply := <-done:
		s, ok := reply.Status()
		require.True(t, ok)
		require.Equal(t, StatusFail, s)
		require.Equal(t, "Timed out after 0.05 seconds", string(reply.Arguments[1]))
	case <-time.After(time.Second):
		t.Fatal("callback never fired on timeout")
	}
}

func TestAsyncClient_ConcurrentRequestsCorrelateByMID(t *testing.T) {
	t.Parallel()

	conn, ac := startAsyncClient(t, func(server net.Conn) {
		server.Write([]byte("#version-connect katcp-protocol 5.1-M\n"))
		r := bufio.NewReader(server)
		for i := 0; i < 2; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			sent, err := Parse([]byte(line[:len(line)-1]))
			if err != nil {
				continue
			}
			server.Write(ReplyMsg(sent.Name, Args(StatusOK, sent.MID)...).WithMID(sent.MID).Encode())
		}
	})

	require.True(t, conn.WaitProtocol(time.Second))

	var mu sync.Mutex
	results := make(map[string]string)
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		require.NoError(t, ac.Request(RequestMsg("echo"), time.Second, UseMIDDefault, func(reply Message, informs []Message) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			results[reply.MID] = string(reply.Arguments[1])
		}))
	}

	waitGroupDone := make(chan struct{})
	go func() { wg.Wait(); close(waitGroupDone) }()
	select {
	case <-waitGroupDone:
	case <-time.After(time.Second):
		t.Fatal("not all callbacks fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	for mid, echoedMID := range results {
		require.Equal(t, mid, echoedMID)
	}
}

func TestAsyncClient_StopDrainsOutstandingRequests(t *testing.T) {
	t.Parallel()

	conn, ac := startAsyncClient(t, func(server net.Conn) {
		_, _ = bufio.NewReader(server).ReadString('\n')
	})

	done := make(chan Message, 1)
	require.NoError(t, ac.Request(RequestMsg("watchdog"), 0, UseMIDDefault, func(reply Message, informs []Message) {
		done <- reply
	}))

	require.NoError(t, ac.Stop(time.Second))
	conn.Stop(time.Second)

	select {
	case reply := <-done:
		s, ok := reply.Status()
		require.True(t, ok)
		require.Equal(t, StatusFail, s)
	case <-time.After(time.Second):
		t.Fatal("stop did not drain outstanding request")
	}
}

func TestAsyncClient_BlockingRequestAdaptsCallback(t *testing.T) {
	t.Parallel()

	_, ac := startAsyncClient(t, func(server net.Conn) {
		r := bufio.NewReader(server)
		_, _ = r.ReadString('\n')
		server.Write([]byte("!watchdog ok\n"))
	})

	reply, _, err := ac.BlockingRequest(context.Background(), RequestMsg("watchdog"), time.Second, UseMIDDefault)
	require.NoError(t, err)
	s, ok := reply.Status()
	require.True(t, ok)
	require.Equal(t, StatusOK, s)
}

func TestAsyncClient_ForcedMIDFailsAgainstLegacyServer(t *testing.T) {
	t.Parallel()

	_, ac := startAsyncClient(t, func(server net.Conn) {})

	err := ac.Request(RequestMsg("watchdog"), time.Second, UseMIDAlways, func(Message, []Message) {
		t.Fatal("callback should not fire when the request was rejected before sending")
	})
	var verErr *VersionError
	require.ErrorAs(t, err, &verErr)
}
