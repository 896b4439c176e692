package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/madsdk/python-execution-environment/internal/monkey"
	"github.com/madsdk/python-execution-environment/internal/pyruntime"
	"github.com/madsdk/python-execution-environment/internal/registry"
)

func TestNew_RejectsNonPositiveCores(t *testing.T) {
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	_, err = New(0, reg, func(int64, string, interface{}) {})
	require.Error(t, err)
}

func TestSchedule_RoundRobinsAcrossCores(t *testing.T) {
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, reg.InstallTask("demo.math.add", monkey.Wrap("def perform(a, b):\n    return a + b\n")))

	results := make(chan int64, 8)
	sched, err := New(2, reg, func(execid int64, status string, output interface{}) {
		results <- execid
	})
	require.NoError(t, err)
	t.Cleanup(func() { sched.Stop(context.Background()) })

	ids := make(map[int64]bool)
	for i := 0; i < 4; i++ {
		execid := sched.Schedule("demo.math.add", pyruntime.KwargsInput(map[string]interface{}{"a": 1, "b": 1}))
		require.False(t, ids[execid], "execid must be unique")
		ids[execid] = true
	}

	for i := 0; i < 4; i++ {
		select {
		case <-results:
		case <-time.After(2 * time.Second):
			t.Fatal("missing callback")
		}
	}
}

func TestStop_CompletesWithinDeadline(t *testing.T) {
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	sched, err := New(3, reg, func(int64, string, interface{}) {})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, sched.Stop(ctx))
}
