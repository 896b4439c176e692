package rpcgateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/madsdk/python-execution-environment/internal/config"
	"github.com/madsdk/python-execution-environment/internal/datastore"
	"github.com/madsdk/python-execution-environment/internal/ipc"
	"github.com/madsdk/python-execution-environment/internal/jailor"
	"github.com/madsdk/python-execution-environment/internal/registry"
	"github.com/madsdk/python-execution-environment/internal/surrogate"
	"github.com/madsdk/python-execution-environment/pkg/protocol"
)

func dialTestGateway(t *testing.T) *websocket.Conn {
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	jail, err := jailor.New(reg, 1)
	require.NoError(t, err)

	store, err := datastore.Open(filepath.Join(t.TempDir(), "data.sqlite"), 3600)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Static.Name = "test-node"

	surrEnd, jailEnd := ipc.NewPair("surrogate", "jailor")
	jail.Bind(jailEnd)
	surr := surrogate.New(cfg, surrEnd, store)

	srv := NewServer(cfg, surr)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))

	t.Cleanup(func() {
		ts.Close()
		surr.Stop()
		jail.Stop(context.Background())
		surrEnd.Close()
		jailEnd.Close()
		store.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req protocol.Request) protocol.Response {
	require.NoError(t, conn.WriteJSON(req))
	var resp protocol.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, req.ID, resp.ID)
	return resp
}

func TestGateway_Ping(t *testing.T) {
	conn := dialTestGateway(t)

	resp := roundTrip(t, conn, protocol.Request{
		ID:     1,
		Method: protocol.MethodPing,
		Args:   []interface{}{"hello"},
	})
	require.Empty(t, resp.Error)
	require.Equal(t, "hello", resp.Result)
}

func TestGateway_InstallThenPerform(t *testing.T) {
	conn := dialTestGateway(t)

	resp := roundTrip(t, conn, protocol.Request{
		ID:     1,
		Method: protocol.MethodInstallTask,
		Args:   []interface{}{"demo.math.add", "def perform(a, b):\n    return a + b\n"},
	})
	require.Empty(t, resp.Error)

	resp = roundTrip(t, conn, protocol.Request{
		ID:     2,
		Method: protocol.MethodHasTask,
		Args:   []interface{}{"demo.math.add"},
	})
	require.Empty(t, resp.Error)
	require.Equal(t, true, resp.Result)

	resp = roundTrip(t, conn, protocol.Request{
		ID:     3,
		Method: protocol.MethodPerformTask,
		Args:   []interface{}{"demo.math.add", map[string]interface{}{"a": float64(2), "b": float64(3)}},
	})
	require.Empty(t, resp.Error)
	require.EqualValues(t, 5, resp.Result)
}

func TestGateway_InstallRejectsBadCode(t *testing.T) {
	conn := dialTestGateway(t)

	resp := roundTrip(t, conn, protocol.Request{
		ID:     1,
		Method: protocol.MethodInstallTask,
		Args:   []interface{}{"bad.one.x", "import os\n"},
	})
	require.Contains(t, resp.Error, "os")
}

func TestGateway_UnknownMethod(t *testing.T) {
	conn := dialTestGateway(t)

	resp := roundTrip(t, conn, protocol.Request{ID: 1, Method: "no_such_method"})
	require.NotEmpty(t, resp.Error)
}
