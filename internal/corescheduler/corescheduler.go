// Package corescheduler runs installed task code under a bounded-slice
// preemption policy with sinner tracking and kill escalation.
//
// Each task invocation runs on its own goroutine and the worker polls
// it on a wall-clock slice. A context cancellation is the cooperative
// kill request; the embedded interpreter cannot observe it mid-call, so
// a task that ignores the request is abandoned on the next slice and
// its goroutine is never joined. The core stays available for new work
// either way.
package corescheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/madsdk/python-execution-environment/internal/ipc"
	"github.com/madsdk/python-execution-environment/internal/pyruntime"
	"github.com/madsdk/python-execution-environment/internal/registry"
	"github.com/madsdk/python-execution-environment/internal/taskerr"
	"github.com/madsdk/python-execution-environment/pkg/protocol"
)

const (
	// StepSlice is the wall-clock bound on one round of cooperative
	// work before a still-running task is classified as preempted.
	StepSlice = 50 * time.Millisecond
	// SleepTime is the idle poll interval when no task is runnable.
	SleepTime = 10 * time.Millisecond
	// MaxSins is the number of slices a task may be preempted for
	// before the worker requests a cooperative kill.
	MaxSins = 1000
)

// Invocation is one (task_name, input, execid) triple handed to a core
// by the dispatch scheduler.
type Invocation struct {
	TaskName string
	Input    pyruntime.Input
	ExecID   int64
}

type job struct {
	execid   int64
	taskName string
	cancel   context.CancelFunc
	done     chan struct{}
	result   interface{}
	err      error
	started  time.Time
	sins     int // 0 = never preempted; -1 = kill requested and refused
}

// Core is one worker in the dispatch scheduler's pool. It receives
// invocations as "perform_task" notifications on its channel end and
// reports outcomes back as "callback" notifications.
type Core struct {
	index int
	reg   *registry.Registry
	ch    *ipc.Channel
	log   *slog.Logger

	inbox chan Invocation
	stop  chan struct{}
	done  chan struct{}
}

// New starts a core worker's run loop on its own goroutine, wired to
// the dispatch scheduler through ch.
func New(index int, reg *registry.Registry, ch *ipc.Channel) *Core {
	c := &Core{
		index: index,
		reg:   reg,
		ch:    ch,
		log:   slog.Default().With("component", "corescheduler", "core", index),
		inbox: make(chan Invocation, 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	ch.RegisterNotify("perform_task", c.onPerformTask)
	go c.run()
	return c
}

func (c *Core) onPerformTask(args ...interface{}) {
	if len(args) < 3 {
		c.log.Error("malformed perform_task notification", "args", len(args))
		return
	}
	name, _ := args[0].(string)
	in, _ := args[1].(pyruntime.Input)
	execid, _ := args[2].(int64)
	c.Submit(Invocation{TaskName: name, Input: in, ExecID: execid})
}

// Submit enqueues a new invocation for this core. The input queue is
// unbounded in spirit: a full buffer only delays the sender briefly,
// it never drops work.
func (c *Core) Submit(inv Invocation) {
	select {
	case c.inbox <- inv:
	case <-c.stop:
	}
}

// Stop terminates the worker forcefully; in-flight work is discarded.
func (c *Core) Stop() {
	close(c.stop)
	<-c.done
	c.ch.Close()
}

func (c *Core) run() {
	defer close(c.done)

	jobs := make(map[int64]*job)

	ticker := time.NewTicker(StepSlice)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			for _, j := range jobs {
				j.cancel()
			}
			return

		case inv := <-c.inbox:
			c.spawn(jobs, inv)

		case <-ticker.C:
			if len(jobs) == 0 {
				time.Sleep(SleepTime)
				continue
			}
			for execid, j := range jobs {
				c.tick(jobs, execid, j)
			}
		}
	}
}

func (c *Core) spawn(jobs map[int64]*job, inv Invocation) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		execid:   inv.ExecID,
		taskName: inv.TaskName,
		cancel:   cancel,
		done:     make(chan struct{}),
		started:  time.Now(),
	}
	jobs[inv.ExecID] = j

	go func() {
		defer close(j.done)
		code, err := c.reg.RawTaskCode(inv.TaskName)
		if err != nil {
			j.err = err
			return
		}
		j.result, j.err = pyruntime.Run(ctx, inv.TaskName, code, inv.Input)
	}()
}

// tick applies one slice's worth of the preemption policy to a single
// running job: first preemption inserts it as a sinner, repeated
// preemptions count up to MaxSins, then a cooperative kill is
// requested, and a job still running one slice after that is dropped.
func (c *Core) tick(jobs map[int64]*job, execid int64, j *job) {
	select {
	case <-j.done:
		c.finish(jobs, execid, j)
		return
	default:
	}

	switch {
	case j.sins == 0:
		j.sins = 1
	case j.sins > 0 && j.sins < MaxSins:
		j.sins++
	case j.sins == MaxSins:
		j.sins = -1
		j.cancel()
		c.log.Warn("requesting cooperative kill", "execid", execid, "task", j.taskName)
	case j.sins == -1:
		c.log.Warn("task ignored kill request, abandoning", "execid", execid, "task", j.taskName)
		delete(jobs, execid)
		c.emit(execid, string(protocol.StatusError), (&taskerr.KilledError{}).Error())
	}
}

func (c *Core) finish(jobs map[int64]*job, execid int64, j *job) {
	delete(jobs, execid)

	if j.err != nil {
		if j.err == context.Canceled {
			c.emit(execid, string(protocol.StatusError), (&taskerr.KilledError{}).Error())
			return
		}
		// The surrogate adds the "Exception thrown within task:" prefix
		// itself, so only the task's own message goes over the bus.
		var terr *taskerr.TaskError
		if errors.As(j.err, &terr) {
			c.emit(execid, string(protocol.StatusError), terr.Msg)
			return
		}
		c.emit(execid, string(protocol.StatusError), j.err.Error())
		return
	}
	c.emit(execid, string(protocol.StatusDone), j.result)
}

func (c *Core) emit(execid int64, status string, output interface{}) {
	c.ch.Notify("callback", execid, status, output)
}
