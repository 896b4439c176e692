package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCall_RequestResponse(t *testing.T) {
	a, b := NewPair("a", "b")
	defer a.Close()
	defer b.Close()

	b.RegisterFunction("add", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		x := args[0].(int)
		y := args[1].(int)
		return x + y, nil
	})

	result, err := a.Call(context.Background(), "add", 2, 3)
	require.NoError(t, err)
	require.Equal(t, 5, result)
}

func TestCall_UnknownMethod(t *testing.T) {
	a, b := NewPair("a", "b")
	defer a.Close()
	defer b.Close()

	_, err := a.Call(context.Background(), "nope")
	require.Error(t, err)
}

func TestCall_ContextTimeout(t *testing.T) {
	a, b := NewPair("a", "b")
	defer a.Close()
	defer b.Close()

	b.RegisterFunction("slow", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := a.Call(ctx, "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotify_FireAndForget(t *testing.T) {
	a, b := NewPair("a", "b")
	defer a.Close()
	defer b.Close()

	received := make(chan int64, 1)
	b.RegisterNotify("callback", func(args ...interface{}) {
		received <- args[0].(int64)
	})

	a.Notify("callback", int64(42))

	select {
	case v := <-received:
		require.Equal(t, int64(42), v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notify")
	}
}

func TestNotify_UnknownMethodDropped(t *testing.T) {
	a, b := NewPair("a", "b")
	defer a.Close()
	defer b.Close()

	a.Notify("does-not-exist")
	time.Sleep(10 * time.Millisecond)
}
