// Package jailor implements the boundary of the execution environment:
// install, query, invoke and callback, in front of the registry,
// validator and dispatch scheduler.
package jailor

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/madsdk/python-execution-environment/internal/dispatch"
	"github.com/madsdk/python-execution-environment/internal/ipc"
	"github.com/madsdk/python-execution-environment/internal/monkey"
	"github.com/madsdk/python-execution-environment/internal/pyruntime"
	"github.com/madsdk/python-execution-environment/internal/registry"
	"github.com/madsdk/python-execution-environment/internal/taskerr"
	"github.com/madsdk/python-execution-environment/internal/validator"
	"github.com/madsdk/python-execution-environment/pkg/protocol"
)

// SurrogateCallback is how the Jailor reports a completed execution
// back to the surrogate side: one RESULT, ERROR or STATUS frame per
// execution id.
type SurrogateCallback func(frame protocol.CallbackFrame)

// Jailor wires together the registry, validator and dispatch scheduler
// behind a single message-bus-facing surface.
type Jailor struct {
	reg   *registry.Registry
	sched *dispatch.Scheduler
	log   *slog.Logger

	onResult atomic.Value // holds SurrogateCallback
}

// New builds a Jailor over reg, constructing its own dispatch scheduler
// with cores workers. The surrogate-side result sink is wired in
// afterwards via Bind or SetResultHandler.
func New(reg *registry.Registry, cores int) (*Jailor, error) {
	j := &Jailor{
		reg: reg,
		log: slog.Default().With("component", "jailor"),
	}
	j.onResult.Store(SurrogateCallback(func(protocol.CallbackFrame) {}))

	sched, err := dispatch.New(cores, reg, j.taskCallback)
	if err != nil {
		return nil, err
	}
	j.sched = sched
	return j, nil
}

// Bind exposes the Jailor's surface on ch: install_task, task_exists,
// perform_task, fetch_task_code and core_count as callable functions,
// and task_callback as the outbound notification carrying each
// execution's outcome.
func (j *Jailor) Bind(ch *ipc.Channel) {
	ch.RegisterFunction("install_task", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		name, _ := args[0].(string)
		code, _ := args[1].(string)
		return nil, j.InstallTask(name, code)
	})
	ch.RegisterFunction("task_exists", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		name, _ := args[0].(string)
		return j.TaskExists(name), nil
	})
	ch.RegisterFunction("perform_task", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		name, _ := args[0].(string)
		in, _ := args[1].(pyruntime.Input)
		return j.PerformTask(name, in)
	})
	ch.RegisterFunction("fetch_task_code", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		name, _ := args[0].(string)
		return j.FetchTaskCode(name)
	})
	ch.RegisterFunction("core_count", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return j.CoreCount(), nil
	})

	j.SetResultHandler(func(frame protocol.CallbackFrame) {
		ch.Notify("task_callback", frame)
	})
}

// SetResultHandler wires in the callback invoked once per execid's
// outcome. Must be called before any task is performed.
func (j *Jailor) SetResultHandler(cb SurrogateCallback) {
	j.onResult.Store(cb)
}

// InstallTask validates name and code, prepends the monkey header and
// installs it through the registry.
func (j *Jailor) InstallTask(name, code string) error {
	if !registry.ValidTaskName(name) {
		return &taskerr.NamingError{Name: name}
	}
	if j.reg.HasTask(name) {
		return &taskerr.AlreadyInstalledError{Name: name}
	}
	if err := validator.Validate(code); err != nil {
		return err
	}

	return j.reg.InstallTask(name, monkey.Wrap(code))
}

// TaskExists reports whether name is installed.
func (j *Jailor) TaskExists(name string) bool {
	return j.reg.HasTask(name)
}

// PerformTask rejects unknown task names, otherwise forwards to the
// dispatch scheduler and returns the assigned execid.
func (j *Jailor) PerformTask(name string, in pyruntime.Input) (int64, error) {
	if !j.reg.HasTask(name) {
		return 0, &taskerr.NotInstalledError{Name: name}
	}
	return j.sched.Schedule(name, in), nil
}

// CoreCount reports the size of the underlying dispatch scheduler's
// worker pool, used by the surrogate's profiling complexity metric.
func (j *Jailor) CoreCount() int {
	return j.sched.Cores()
}

// FetchTaskCode existence-checks name then returns its stored source
// with the monkey header stripped.
func (j *Jailor) FetchTaskCode(name string) (string, error) {
	if !j.reg.HasTask(name) {
		return "", &taskerr.NotInstalledError{Name: name}
	}
	return j.reg.FetchTaskCode(name)
}

// Stop tears down the underlying dispatch scheduler.
func (j *Jailor) Stop(ctx context.Context) error {
	return j.sched.Stop(ctx)
}

// taskCallback translates a core worker's DONE/ERROR/STATUS report into
// the outbound frame a surrogate understands. Emission is
// exception-safe: a panic while converting the outcome is itself
// reported as an ERROR frame rather than losing the execid's slot.
func (j *Jailor) taskCallback(execid int64, status string, output interface{}) {
	cb := j.onResult.Load().(SurrogateCallback)

	defer func() {
		if r := recover(); r != nil {
			cb(protocol.CallbackFrame{
				Status: protocol.StatusError,
				ExecID: execid,
				Output: "internal error while reporting task outcome",
			})
		}
	}()

	switch status {
	case string(protocol.StatusDone):
		cb(protocol.CallbackFrame{Status: protocol.StatusResult, ExecID: execid, Output: output})
	case string(protocol.StatusError):
		cb(protocol.CallbackFrame{Status: protocol.StatusError, ExecID: execid, Output: output})
	case string(protocol.StatusStatus):
		cb(protocol.CallbackFrame{Status: protocol.StatusStatus, ExecID: execid, Output: output})
	default:
		j.log.Error("unknown callback status from core worker", "execid", execid, "status", status)
	}
}
