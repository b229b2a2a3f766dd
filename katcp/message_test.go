package katcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessage_ConstructorsCopyArguments(t *testing.T) {
	t.Parallel()
	args := Args("a", "b")
	m := RequestMsg("halt", args...)
	args[0] = []byte("mutated")

	require.Equal(t, "a", string(m.Arguments[0]))
	require.Equal(t, Request, m.Type)
	require.Equal(t, "halt", m.Name)
}

func TestMessage_WithMIDIsImmutable(t *testing.T) {
	t.Parallel()
	base := RequestMsg("watchdog")
	withMID := base.WithMID("7")

	require.Empty(t, base.MID)
	require.Equal(t, "7", withMID.MID)
}

func TestMessage_Status(t *testing.T) {
	t.Parallel()

	ok := ReplyMsg("watchdog", Args(StatusOK)...)
	s, valid := ok.Status()
	require.True(t, valid)
	require.Equal(t, StatusOK, s)

	notReply := RequestMsg("watchdog", Args(StatusOK)...)
	_, valid = notReply.Status()
	require.False(t, valid)

	empty := ReplyMsg("watchdog")
	_, valid = empty.Status()
	require.False(t, valid)

	garbage := ReplyMsg("watchdog", Args("weird")...)
	s, valid = garbage.Status()
	require.False(t, valid)
	require.Equal(t, "weird", s)
}

func TestMessage_StringRoundTrips(t *testing.T) {
	t.Parallel()
	m := RequestMsg("configure", Args("antenna", "m000")...).WithMID("3")
	require.Equal(t, `?configure[3] antenna m000`, m.String())
}

func TestType_SymbolAndString(t *testing.T) {
	t.Parallel()
	require.Equal(t, byte('?'), Request.Symbol())
	require.Equal(t, byte('!'), Reply.Symbol())
	require.Equal(t, byte('#'), Inform.Symbol())
	require.Equal(t, "REQUEST", Request.String())
	require.Equal(t, "REPLY", Reply.String())
	require.Equal(t, "INFORM", Inform.String())
}
