package pyruntime

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-python/gpython/py"
)

// init registers the native "pexecenv.monkey" module the installed-code
// header imports as `monkey` and binds `open` to. The header text is
// plain Python, but the restricted opener it calls into has to be a
// real builtin here, since task code runs inside this embedded
// interpreter with no separate filesystem namespace of its own.
func init() {
	py.RegisterModule(&py.ModuleImpl{
		Info: py.ModuleInfo{
			Name: "pexecenv.monkey",
			Doc:  "restricted file access for installed task code",
		},
		Methods: []*py.Method{
			py.MustNewMethod("monkey_open", monkeyOpen, 0, "monkey_open(path, mode='r') -> restricted file object"),
		},
	})
}

// monkeyOpen rejects any path containing ".." or "~" and roots the
// remainder under openerRoot.
func monkeyOpen(self py.Object, args py.Tuple) (py.Object, error) {
	if len(args) == 0 {
		return nil, py.ExceptionNewf(py.ValueError, "monkey_open: path argument required")
	}
	path, ok := args[0].(py.String)
	if !ok {
		return nil, py.ExceptionNewf(py.TypeError, "monkey_open: path must be a string")
	}
	mode := "r"
	if len(args) > 1 {
		if m, ok := args[1].(py.String); ok {
			mode = string(m)
		}
	}

	raw := string(path)
	if strings.Contains(raw, "..") || strings.Contains(raw, "~") {
		return nil, py.ExceptionNewf(py.ValueError, "illegal path: %s", raw)
	}

	full := filepath.Join(openerRoot, raw)
	flag := os.O_RDONLY
	switch {
	case strings.ContainsAny(mode, "wW"):
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case strings.ContainsAny(mode, "aA"):
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}

	if flag != os.O_RDONLY {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, py.ExceptionNewf(py.OSError, "%v", err)
		}
	}

	f, err := os.OpenFile(full, flag, 0o644)
	if err != nil {
		return nil, py.ExceptionNewf(py.OSError, "%v", err)
	}
	return &pyFile{f: f}, nil
}

var pyFileType = py.NewType("file", "restricted file object")

// pyFile is a minimal file-object adapter exposing read/write/close so
// task code using the restricted opener has something file-shaped to
// call methods on.
type pyFile struct {
	f *os.File
}

func (pf *pyFile) Type() *py.Type { return pyFileType }

func (pf *pyFile) M__getattr__(name string) (py.Object, error) {
	switch name {
	case "read":
		return py.MustNewMethod("read", pf.read, 0, "read([size]) -> str"), nil
	case "write":
		return py.MustNewMethod("write", pf.write, 0, "write(str) -> count"), nil
	case "close":
		return py.MustNewMethod("close", pf.close, 0, "close()"), nil
	}
	return nil, py.ExceptionNewf(py.AttributeError, "'file' object has no attribute '%s'", name)
}

func (pf *pyFile) read(self py.Object, args py.Tuple) (py.Object, error) {
	if len(args) > 0 {
		if n, ok := args[0].(py.Int); ok && n >= 0 {
			buf := make([]byte, int(n))
			c, err := pf.f.Read(buf)
			if err != nil && err != io.EOF {
				return nil, py.ExceptionNewf(py.OSError, "%v", err)
			}
			return py.String(buf[:c]), nil
		}
	}
	data, err := io.ReadAll(pf.f)
	if err != nil {
		return nil, py.ExceptionNewf(py.OSError, "%v", err)
	}
	return py.String(data), nil
}

func (pf *pyFile) write(self py.Object, args py.Tuple) (py.Object, error) {
	if len(args) == 0 {
		return nil, py.ExceptionNewf(py.TypeError, "write() requires a string argument")
	}
	s, ok := args[0].(py.String)
	if !ok {
		return nil, py.ExceptionNewf(py.TypeError, "write() argument must be a string")
	}
	n, err := pf.f.WriteString(string(s))
	if err != nil {
		return nil, py.ExceptionNewf(py.OSError, "%v", err)
	}
	return py.Int(n), nil
}

func (pf *pyFile) close(self py.Object, args py.Tuple) (py.Object, error) {
	if err := pf.f.Close(); err != nil {
		return nil, py.ExceptionNewf(py.OSError, "%v", err)
	}
	return py.None, nil
}
