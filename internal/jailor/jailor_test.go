package jailor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/madsdk/python-execution-environment/internal/ipc"
	"github.com/madsdk/python-execution-environment/internal/pyruntime"
	"github.com/madsdk/python-execution-environment/internal/registry"
	"github.com/madsdk/python-execution-environment/internal/taskerr"
	"github.com/madsdk/python-execution-environment/pkg/protocol"
)

func newTestJailor(t *testing.T) (*Jailor, chan protocol.CallbackFrame) {
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	jail, err := New(reg, 2)
	require.NoError(t, err)
	t.Cleanup(func() { jail.Stop(context.Background()) })

	frames := make(chan protocol.CallbackFrame, 16)
	jail.SetResultHandler(func(f protocol.CallbackFrame) { frames <- f })
	return jail, frames
}

func TestInstallTask_RejectsInvalidName(t *testing.T) {
	jail, _ := newTestJailor(t)
	err := jail.InstallTask("not-valid", "def perform(): pass\n")
	var nerr *taskerr.NamingError
	require.ErrorAs(t, err, &nerr)
}

func TestInstallTask_RejectsInvalidCode(t *testing.T) {
	jail, _ := newTestJailor(t)
	err := jail.InstallTask("bad.one.x", "import os\n")
	var verr *taskerr.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestInstallTask_ThenPerform(t *testing.T) {
	jail, frames := newTestJailor(t)

	require.NoError(t, jail.InstallTask("demo.math.add", "def perform(a, b):\n    return a + b\n"))
	require.True(t, jail.TaskExists("demo.math.add"))

	execid, err := jail.PerformTask("demo.math.add", pyruntime.KwargsInput(map[string]interface{}{"a": 2, "b": 3}))
	require.NoError(t, err)

	select {
	case f := <-frames:
		require.Equal(t, execid, f.ExecID)
		require.Equal(t, protocol.StatusResult, f.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("missing callback")
	}
}

func TestPerformTask_UnknownName(t *testing.T) {
	jail, _ := newTestJailor(t)
	_, err := jail.PerformTask("no.such.task", pyruntime.ArgsInput(nil))
	var nerr *taskerr.NotInstalledError
	require.ErrorAs(t, err, &nerr)
}

func TestBind_ServesSurfaceOverChannel(t *testing.T) {
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	jail, err := New(reg, 1)
	require.NoError(t, err)
	t.Cleanup(func() { jail.Stop(context.Background()) })

	surrEnd, jailEnd := ipc.NewPair("surrogate", "jailor")
	t.Cleanup(func() {
		surrEnd.Close()
		jailEnd.Close()
	})
	jail.Bind(jailEnd)

	frames := make(chan protocol.CallbackFrame, 16)
	surrEnd.RegisterNotify("task_callback", func(args ...interface{}) {
		frames <- args[0].(protocol.CallbackFrame)
	})

	ctx := context.Background()
	_, err = surrEnd.Call(ctx, "install_task", "demo.math.add", "def perform(a, b):\n    return a + b\n")
	require.NoError(t, err)

	exists, err := surrEnd.Call(ctx, "task_exists", "demo.math.add")
	require.NoError(t, err)
	require.Equal(t, true, exists)

	v, err := surrEnd.Call(ctx, "perform_task", "demo.math.add",
		pyruntime.KwargsInput(map[string]interface{}{"a": 2, "b": 3}))
	require.NoError(t, err)
	execid := v.(int64)

	select {
	case f := <-frames:
		require.Equal(t, execid, f.ExecID)
		require.Equal(t, protocol.StatusResult, f.Status)
		require.EqualValues(t, 5, f.Output)
	case <-time.After(2 * time.Second):
		t.Fatal("missing task_callback")
	}
}
