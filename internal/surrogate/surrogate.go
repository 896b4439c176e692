// Package surrogate implements the client-facing front: it owns the
// pending-tasks coordinator, the perform_task algorithm (input
// resolution, dispatch under lock, wait with timeout, result-store
// interposition) and the periodic maintenance loop.
package surrogate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/madsdk/python-execution-environment/internal/config"
	"github.com/madsdk/python-execution-environment/internal/datastore"
	"github.com/madsdk/python-execution-environment/internal/ipc"
	"github.com/madsdk/python-execution-environment/internal/pyruntime"
	"github.com/madsdk/python-execution-environment/internal/taskerr"
	"github.com/madsdk/python-execution-environment/pkg/protocol"
)

// DefaultTimeout is perform_task's default wait.
const DefaultTimeout = 120 * time.Second

// MaintPoll is the maintenance loop's wake interval.
const MaintPoll = 1 * time.Second

// cellState discriminates a pending-tasks slot: either still waiting,
// or already carrying its result. The same slot holds both shapes over
// its lifetime.
type cellState int

const (
	stateWaiting cellState = iota
	stateCompleted
)

type cell struct {
	state  cellState
	notify chan struct{}
	status protocol.Status
	output interface{}
}

// Surrogate is the client-facing front over the Jailor's end of the
// message bus and one datastore.Store.
type Surrogate struct {
	cfg   *config.Config
	ch    *ipc.Channel
	store *datastore.Store
	log   *slog.Logger

	mu       sync.Mutex
	pending  map[int64]*cell
	activity int64

	coresOnce sync.Once
	cores     float64

	tick      int
	stopMaint chan struct{}
	maintDone chan struct{}
}

// New builds a Surrogate over ch, whose far end must have a bound
// Jailor, and starts the maintenance loop.
func New(cfg *config.Config, ch *ipc.Channel, store *datastore.Store) *Surrogate {
	s := &Surrogate{
		cfg:       cfg,
		ch:        ch,
		store:     store,
		log:       slog.Default().With("component", "surrogate"),
		pending:   make(map[int64]*cell),
		stopMaint: make(chan struct{}),
		maintDone: make(chan struct{}),
	}

	ch.RegisterNotify("task_callback", func(args ...interface{}) {
		frame, ok := args[0].(protocol.CallbackFrame)
		if !ok {
			s.log.Error("malformed task_callback notification")
			return
		}
		s.HandleCallback(frame)
	})
	go s.maintain()
	return s
}

// HandleCallback publishes a result into its pending-tasks cell and
// wakes the waiter. A callback for an execid with no cell is silently
// dropped: the waiter already timed out and removed it.
func (s *Surrogate) HandleCallback(frame protocol.CallbackFrame) {
	s.mu.Lock()
	c, ok := s.pending[frame.ExecID]
	if !ok {
		s.mu.Unlock()
		return
	}
	c.state = stateCompleted
	c.status = frame.Status
	c.output = frame.Output
	s.mu.Unlock()

	close(c.notify)
}

// Stop halts the maintenance loop.
func (s *Surrogate) Stop() {
	close(s.stopMaint)
	<-s.maintDone
}

func (s *Surrogate) maintain() {
	defer close(s.maintDone)
	ticker := time.NewTicker(MaintPoll)
	defer ticker.Stop()

	everyN := s.cfg.Datastore.CleanupEveryN
	if everyN <= 0 {
		everyN = 10
	}

	for {
		select {
		case <-s.stopMaint:
			return
		case <-ticker.C:
			s.tick++
			if s.tick%everyN == 0 {
				if n, err := s.store.Cleanup(); err != nil {
					s.log.Error("maintenance cleanup failed", "error", err)
				} else if n > 0 {
					s.log.Info("maintenance cleanup", "expired", n)
				}
			}
		}
	}
}

// PerformTaskOpts carries perform_task's optional arguments.
type PerformTaskOpts struct {
	Timeout time.Duration
	Store   bool
	Profile bool
}

// PerformTaskResult is what PerformTask returns: Output (possibly a
// handle or tuple of handles if Store was requested) and, when Profile
// was requested, the computed Complexity metric.
type PerformTaskResult struct {
	Output     interface{}
	Complexity float64
}

// PerformTask resolves remote data handles in the input, dispatches to
// the execution environment while holding the pending-tasks lock, waits
// for a callback or the timeout, then translates the popped cell into a
// return value or error.
func (s *Surrogate) PerformTask(ctx context.Context, name string, in pyruntime.Input, opts PerformTaskOpts) (PerformTaskResult, error) {
	resolved, err := s.resolveInput(in)
	if err != nil {
		return PerformTaskResult{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var startTime time.Time
	var startActivity int64

	// The cell must be in place before the lock is released: the
	// callback path blocks on the same lock, so a completion racing
	// with dispatch cannot be dropped.
	s.mu.Lock()
	if opts.Profile {
		startTime = time.Now()
		startActivity = s.activity
	}

	execid, err := s.dispatch(ctx, name, resolved)
	if err != nil {
		s.mu.Unlock()
		return PerformTaskResult{}, err
	}

	c := &cell{state: stateWaiting, notify: make(chan struct{})}
	s.pending[execid] = c
	s.activity++
	s.mu.Unlock()

	select {
	case <-c.notify:
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	var stopTime time.Time
	var stopActivity int64
	if opts.Profile {
		stopTime = time.Now()
	}

	s.mu.Lock()
	s.activity--
	if opts.Profile {
		stopActivity = s.activity
	}
	popped := s.pending[execid]
	delete(s.pending, execid)
	s.mu.Unlock()

	result := PerformTaskResult{}
	if opts.Profile {
		cores := s.coreCount()
		avgActivity := (float64(startActivity)/cores + float64(stopActivity)/cores) / 2
		if avgActivity < 1 {
			avgActivity = 1
		}
		result.Complexity = stopTime.Sub(startTime).Seconds() * s.cfg.CPU.Strength / avgActivity
	}

	// The cell itself decides the outcome: a callback that landed just
	// after the timer fired still counts as a result.
	if popped == nil || popped.state != stateCompleted {
		return result, &taskerr.TimeoutError{}
	}

	switch popped.status {
	case protocol.StatusResult:
		if opts.Store {
			handle, serr := s.storeOutput(popped.output)
			if serr != nil {
				return result, serr
			}
			result.Output = handle
			return result, nil
		}
		result.Output = popped.output
		return result, nil
	case protocol.StatusError:
		msg := fmt.Sprintf("%v", popped.output)
		return result, &taskerr.TaskError{Msg: msg}
	default:
		return result, &taskerr.UnknownStatusError{Status: string(popped.status)}
	}
}

// dispatch sends perform_task over the bus and returns the assigned
// execid.
func (s *Surrogate) dispatch(ctx context.Context, name string, in pyruntime.Input) (int64, error) {
	v, err := s.ch.Call(ctx, "perform_task", name, in)
	if err != nil {
		return 0, err
	}
	execid, ok := v.(int64)
	if !ok {
		return 0, &taskerr.DispatchError{Msg: "execution environment returned a malformed execution id", Err: fmt.Errorf("got %T", v)}
	}
	return execid, nil
}

// coreCount asks the execution environment for its worker pool size
// once and caches it for the complexity metric.
func (s *Surrogate) coreCount() float64 {
	s.coresOnce.Do(func() {
		s.cores = float64(s.cfg.CPU.Cores)
		ctx, cancel := context.WithTimeout(context.Background(), ipc.CallbackTimeout)
		defer cancel()
		if v, err := s.ch.Call(ctx, "core_count"); err == nil {
			if n, ok := v.(int); ok && n > 0 {
				s.cores = float64(n)
			}
		}
	})
	if s.cores < 1 {
		return 1
	}
	return s.cores
}

// storeOutput stores output behind a handle; a tuple output is stored
// element-wise, producing a tuple of handles.
func (s *Surrogate) storeOutput(output interface{}) (interface{}, error) {
	if items, ok := output.([]interface{}); ok {
		handles := make([]interface{}, len(items))
		for i, item := range items {
			h, err := s.store.StoreData(item)
			if err != nil {
				return nil, err
			}
			handles[i] = h
		}
		return handles, nil
	}
	return s.store.StoreData(output)
}

// resolveInput replaces any datastore.Handle found in in with its
// resolved payload, preserving the kwargs/args/one shape.
func (s *Surrogate) resolveInput(in pyruntime.Input) (pyruntime.Input, error) {
	switch {
	case in.Kwargs != nil:
		out := make(map[string]interface{}, len(in.Kwargs))
		for k, v := range in.Kwargs {
			rv, err := s.resolveValue(v)
			if err != nil {
				return pyruntime.Input{}, err
			}
			out[k] = rv
		}
		return pyruntime.KwargsInput(out), nil
	case in.Args != nil:
		out := make([]interface{}, len(in.Args))
		for i, v := range in.Args {
			rv, err := s.resolveValue(v)
			if err != nil {
				return pyruntime.Input{}, err
			}
			out[i] = rv
		}
		return pyruntime.ArgsInput(out), nil
	case in.OneSet:
		rv, err := s.resolveValue(in.One)
		if err != nil {
			return pyruntime.Input{}, err
		}
		return pyruntime.OneInput(rv), nil
	default:
		return in, nil
	}
}

func (s *Surrogate) resolveValue(v interface{}) (interface{}, error) {
	h, ok := v.(datastore.Handle)
	if !ok {
		return v, nil
	}
	return s.store.ResolveDataHandle(h)
}

// AdjustActivity implements perform_task_intent: each call adjusts the
// counter independently; pairing (+1, -1) is the caller's
// responsibility.
func (s *Surrogate) AdjustActivity(delta int64) {
	s.mu.Lock()
	s.activity += delta
	s.mu.Unlock()
}

// InstallTask forwards to the execution environment's installer.
func (s *Surrogate) InstallTask(name, code string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ipc.CallbackTimeout)
	defer cancel()
	_, err := s.ch.Call(ctx, "install_task", name, code)
	return err
}

// HasTask reports whether name is installed in the execution
// environment.
func (s *Surrogate) HasTask(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), ipc.CallbackTimeout)
	defer cancel()
	v, err := s.ch.Call(ctx, "task_exists", name)
	if err != nil {
		s.log.Error("task_exists call failed", "name", name, "error", err)
		return false
	}
	ok, _ := v.(bool)
	return ok
}

// Ping echoes x back to the caller.
func (s *Surrogate) Ping(x interface{}) interface{} {
	return x
}

func (s *Surrogate) ResolveDataHandle(h datastore.Handle) (interface{}, error) {
	return s.store.ResolveDataHandle(h)
}

func (s *Surrogate) RetainDataHandle(h datastore.Handle) error {
	return s.store.RetainDataHandle(h)
}

func (s *Surrogate) ExpireDataHandle(h datastore.Handle) error {
	return s.store.ExpireDataHandle(h)
}

func (s *Surrogate) StoreData(payload interface{}) (datastore.Handle, error) {
	return s.store.StoreData(payload)
}
