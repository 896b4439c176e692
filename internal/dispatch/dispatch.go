// Package dispatch implements the dispatching front-end of the
// scheduler: it owns the pool of core workers, assigns execution ids
// round-robin, and demultiplexes their callbacks back to the Jailor.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/madsdk/python-execution-environment/internal/corescheduler"
	"github.com/madsdk/python-execution-environment/internal/ipc"
	"github.com/madsdk/python-execution-environment/internal/pyruntime"
	"github.com/madsdk/python-execution-environment/internal/registry"
)

// CoreCallback is invoked once per completed or killed execution,
// forwarded verbatim to whatever the Scheduler's owner wired in (the
// Jailor's task_callback in this system).
type CoreCallback func(execid int64, status string, output interface{})

// Scheduler owns `cores` independent corescheduler.Core workers, each
// paired with its own ipc.Channel.
type Scheduler struct {
	log   *slog.Logger
	cores []*corescheduler.Core
	chans []*ipc.Channel

	mu       sync.Mutex
	nextExec int64
	nextCore int
}

// New constructs a Scheduler with the given number of cores, each
// backed by reg for task source lookups and forwarding callbacks to cb.
func New(cores int, reg *registry.Registry, cb CoreCallback) (*Scheduler, error) {
	if cores <= 0 {
		return nil, fmt.Errorf("invalid number of cores (%d)", cores)
	}

	s := &Scheduler{
		log:   slog.Default().With("component", "dispatch"),
		cores: make([]*corescheduler.Core, cores),
		chans: make([]*ipc.Channel, cores),
	}
	for i := 0; i < cores; i++ {
		dispEnd, coreEnd := ipc.NewPair(
			fmt.Sprintf("dispatch/core%d", i),
			fmt.Sprintf("core%d", i),
		)
		dispEnd.RegisterNotify("callback", func(args ...interface{}) {
			if len(args) < 3 {
				s.log.Error("malformed callback notification", "args", len(args))
				return
			}
			execid, _ := args[0].(int64)
			status, _ := args[1].(string)
			cb(execid, status, args[2])
		})
		s.cores[i] = corescheduler.New(i, reg, coreEnd)
		s.chans[i] = dispEnd
	}
	s.log.Info("dispatch scheduler started", "cores", cores)
	return s, nil
}

// Schedule allocates the next execid, assigns the next core
// round-robin, and sends the invocation over that core's channel.
// At-most-once dispatch per execid holds by construction: each call
// mints a fresh id.
func (s *Scheduler) Schedule(taskName string, in pyruntime.Input) int64 {
	s.mu.Lock()
	execid := s.nextExec
	s.nextExec++
	ch := s.chans[s.nextCore]
	s.nextCore = (s.nextCore + 1) % len(s.chans)
	s.mu.Unlock()

	ch.Notify("perform_task", taskName, in, execid)
	return execid
}

// Stop terminates every core worker concurrently and waits for all of
// them to finish tearing down. In-flight work is discarded — this is a
// forceful stop, not a drain.
func (s *Scheduler) Stop(ctx context.Context) error {
	var g errgroup.Group
	for i := range s.cores {
		core, ch := s.cores[i], s.chans[i]
		g.Go(func() error {
			core.Stop()
			ch.Close()
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cores reports the size of the worker pool.
func (s *Scheduler) Cores() int {
	return len(s.cores)
}
