package katcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProtocolVersion_ExplicitFlag(t *testing.T) {
	t.Parallel()

	info, err := ParseProtocolVersion("5.1-M")
	require.NoError(t, err)
	require.Equal(t, 5, info.Major)
	require.Equal(t, 1, info.Minor)
	require.True(t, info.Supports(FlagMessageIDs))
}

func TestParseProtocolVersion_ImpliedByMajorVersion(t *testing.T) {
	t.Parallel()

	info, err := ParseProtocolVersion("5.0")
	require.NoError(t, err)
	require.True(t, info.Supports(FlagMessageIDs))
}

func TestParseProtocolVersion_LegacyNoMessageIDs(t *testing.T) {
	t.Parallel()

	info, err := ParseProtocolVersion("4.2")
	require.NoError(t, err)
	require.False(t, info.Supports(FlagMessageIDs))
}

func TestParseProtocolVersion_MultipleFlagTokens(t *testing.T) {
	t.Parallel()

	info, err := ParseProtocolVersion("5.0-M,Q")
	require.NoError(t, err)
	require.True(t, info.Supports(FlagMessageIDs))
}

func TestParseProtocolVersion_Malformed(t *testing.T) {
	t.Parallel()

	_, err := ParseProtocolVersion("not-a-version")
	require.Error(t, err)

	_, err = ParseProtocolVersion("5")
	require.Error(t, err)

	_, err = ParseProtocolVersion("a.b")
	require.Error(t, err)
}

func TestProtocolInfo_ZeroValueSupportsNothing(t *testing.T) {
	t.Parallel()
	var info ProtocolInfo
	require.False(t, info.Supports(FlagMessageIDs))
}
