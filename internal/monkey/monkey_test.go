package monkey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapStripRoundTrip(t *testing.T) {
	code := "def perform(a, b):\n    return a + b\n"
	wrapped := Wrap(code)

	require.True(t, strings.HasPrefix(wrapped, StartSentinel))
	require.Contains(t, wrapped, EndSentinel)

	require.Equal(t, code, Strip(wrapped))
}

func TestStrip_PassesThroughUnwrappedCode(t *testing.T) {
	code := "def perform(): pass\n"
	require.Equal(t, code, Strip(code))
}

func TestHeader_RebindsDangerousBuiltins(t *testing.T) {
	for _, name := range []string{"file", "type", "eval", "execfile", "exit", "quit", "getattr", "globals", "locals", "help", "input", "raw_input", "vars", "compile"} {
		require.Contains(t, Header, name+" = lambda")
	}
	require.Contains(t, Header, "open = monkey.monkey_open")
}
