package corescheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/madsdk/python-execution-environment/internal/ipc"
	"github.com/madsdk/python-execution-environment/internal/monkey"
	"github.com/madsdk/python-execution-environment/internal/pyruntime"
	"github.com/madsdk/python-execution-environment/internal/registry"
)

type result struct {
	execid int64
	status string
	output interface{}
}

func newTestCore(t *testing.T) (*ipc.Channel, chan result) {
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	dispEnd, coreEnd := ipc.NewPair("test-dispatch", "core0")
	results := make(chan result, 16)
	dispEnd.RegisterNotify("callback", func(args ...interface{}) {
		results <- result{args[0].(int64), args[1].(string), args[2]}
	})

	core := New(0, reg, coreEnd)
	t.Cleanup(func() {
		core.Stop()
		dispEnd.Close()
	})

	require.NoError(t, reg.InstallTask("demo.math.add", monkey.Wrap("def perform(a, b):\n    return a + b\n")))
	require.NoError(t, reg.InstallTask("demo.fail.bang", monkey.Wrap("def perform():\n    raise ValueError('boom')\n")))
	require.NoError(t, reg.InstallTask("demo.loop.spin", monkey.Wrap("def perform():\n    while True:\n        pass\n")))

	return dispEnd, results
}

func TestCore_RunsTaskToCompletion(t *testing.T) {
	dispEnd, results := newTestCore(t)

	dispEnd.Notify("perform_task", "demo.math.add",
		pyruntime.KwargsInput(map[string]interface{}{"a": 2, "b": 3}), int64(1))

	select {
	case r := <-results:
		require.Equal(t, int64(1), r.execid)
		require.Equal(t, "DONE", r.status)
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
	}
}

func TestCore_TaskExceptionBecomesError(t *testing.T) {
	dispEnd, results := newTestCore(t)

	dispEnd.Notify("perform_task", "demo.fail.bang", pyruntime.ArgsInput(nil), int64(2))

	select {
	case r := <-results:
		require.Equal(t, "ERROR", r.status)
	case <-time.After(2 * time.Second):
		t.Fatal("task never reported error")
	}
}

func TestCore_RunawayTaskEventuallyKilled(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the full kill escalation, which takes tens of seconds by design")
	}
	dispEnd, results := newTestCore(t)

	dispEnd.Notify("perform_task", "demo.loop.spin", pyruntime.ArgsInput(nil), int64(3))

	select {
	case r := <-results:
		require.Equal(t, "ERROR", r.status)
		require.Contains(t, r.output, "killed")
	case <-time.After(MaxSins*StepSlice + 5*time.Second):
		t.Fatal("runaway task was never abandoned")
	}
}
