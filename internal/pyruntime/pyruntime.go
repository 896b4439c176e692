// Package pyruntime executes installed task code under an embedded
// Python interpreter (gpython), giving untrusted task source a real
// language runtime instead of a shelled-out subprocess.
package pyruntime

import (
	"context"
	"fmt"

	"github.com/go-python/gpython/py"
	_ "github.com/go-python/gpython/stdlib"

	"github.com/madsdk/python-execution-environment/internal/taskerr"
)

// Input is the tagged variant describing a task invocation's payload:
// keyword args, positional args, or a single value. The task's perform
// function is called accordingly.
type Input struct {
	Kwargs map[string]interface{}
	Args   []interface{}
	One    interface{}
	OneSet bool
}

// KwargsInput builds an Input carrying a keyword mapping.
func KwargsInput(m map[string]interface{}) Input { return Input{Kwargs: m} }

// ArgsInput builds an Input carrying a positional sequence.
func ArgsInput(a []interface{}) Input { return Input{Args: a} }

// OneInput builds an Input carrying a single value.
func OneInput(v interface{}) Input { return Input{One: v, OneSet: true} }

// openerRoot is the fixed directory the restricted opener roots all
// task file access under.
const openerRoot = "storage"

// Run compiles and executes wrapped task code in a fresh module
// namespace, calls its perform function with in per the Input's shape,
// and converts the result back to a Go value.
//
// The interpreter exposes no per-instruction fuel counter or
// cancellation hook to the embedder, so Run cannot interrupt code
// already executing inside py.Call — it only honors ctx before
// starting. The caller realizes kill escalation by running Run on its
// own goroutine and abandoning it.
func Run(ctx context.Context, taskName, wrappedCode string, in Input) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &taskerr.TaskError{Msg: fmt.Sprintf("%v", r)}
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	pyCtx := py.NewContext(py.DefaultContextOpts())
	defer pyCtx.Close()

	module, err := py.RunSrc(pyCtx, wrappedCode, taskName, nil)
	if err != nil {
		return nil, &taskerr.TaskError{Msg: err.Error()}
	}

	perform, ok := module.Globals["perform"]
	if !ok {
		return nil, &taskerr.TaskError{Msg: "task does not define perform(...)"}
	}

	var pyArgs py.Tuple
	var pyKwargs py.StringDict

	switch {
	case in.Kwargs != nil:
		pyKwargs = make(py.StringDict, len(in.Kwargs))
		for k, v := range in.Kwargs {
			pyKwargs[k] = toPy(v)
		}
	case in.Args != nil:
		pyArgs = make(py.Tuple, len(in.Args))
		for i, v := range in.Args {
			pyArgs[i] = toPy(v)
		}
	case in.OneSet:
		pyArgs = py.Tuple{toPy(in.One)}
	}

	out, err := py.Call(perform, pyArgs, pyKwargs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &taskerr.TaskError{Msg: err.Error()}
	}

	return fromPy(out), nil
}

func toPy(v interface{}) py.Object {
	switch x := v.(type) {
	case nil:
		return py.None
	case bool:
		return py.Bool(x)
	case int:
		return py.Int(x)
	case int64:
		return py.Int(x)
	case float64:
		return py.Float(x)
	case string:
		return py.String(x)
	case []interface{}:
		t := make(py.Tuple, len(x))
		for i, e := range x {
			t[i] = toPy(e)
		}
		return t
	case map[string]interface{}:
		d := make(py.StringDict, len(x))
		for k, e := range x {
			d[k] = toPy(e)
		}
		return d
	default:
		return py.None
	}
}

func fromPy(o py.Object) interface{} {
	switch x := o.(type) {
	case py.NoneType:
		return nil
	case py.Bool:
		return bool(x)
	case py.Int:
		return int64(x)
	case py.Float:
		return float64(x)
	case py.String:
		return string(x)
	case py.Tuple:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = fromPy(e)
		}
		return out
	case *py.List:
		out := make([]interface{}, len(x.Items))
		for i, e := range x.Items {
			out[i] = fromPy(e)
		}
		return out
	case py.StringDict:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = fromPy(e)
		}
		return out
	default:
		return fmt.Sprintf("%v", o)
	}
}
