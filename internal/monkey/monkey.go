// Package monkey prepends and strips the fixed header installed task
// code is wrapped in. The header rebinds a closed list of builtins to
// raising shims and restricts file access to a storage/ subdirectory.
package monkey

import "strings"

const (
	// StartSentinel delimits the beginning of the prepended header.
	StartSentinel = "# ---MONKEY_START---"
	// EndSentinel delimits the end of the prepended header.
	EndSentinel = "# ---MONKEY_END---"
)

// Header is the fixed prelude prepended to installed task code. It
// redefines open/file/type/eval/execfile/exit/quit/getattr/globals/
// locals/help/input/raw_input/vars/compile so that invoking any of them
// raises, and rebinds open to a path-restricted opener that rejects any
// path containing ".." or "~" and roots everything under "storage/".
const Header = StartSentinel + `
import pexecenv.monkey as monkey
open = monkey.monkey_open
def raise_error(e): raise Exception(e)
file = lambda *_: raise_error('Initialization of file objects is prohibited.')
type = lambda *_: raise_error('Usage of the type() function is prohibited.')
eval = lambda *_: raise_error('Usage of the eval() function is prohibited.')
execfile = lambda *_: raise_error('Usage of the execfile() function is prohibited.')
exit = lambda *_: raise_error('Usage of the exit() function is prohibited.')
quit = lambda *_: raise_error('Usage of the quit() function is prohibited.')
getattr = lambda *_: raise_error('Usage of the getattr() function is prohibited.')
globals = lambda *_: raise_error('Usage of the globals() function is prohibited.')
locals = lambda *_: raise_error('Usage of the locals() function is prohibited.')
help = lambda *_: raise_error('Usage of the help() function is prohibited.')
input = lambda *_: raise_error('Usage of the input() function is prohibited.')
raw_input = lambda *_: raise_error('Usage of the raw_input() function is prohibited.')
vars = lambda *_: raise_error('Usage of the vars() function is prohibited.')
compile = lambda *_: raise_error('Usage of the compile() function is prohibited.')
del monkey
` + EndSentinel + "\n"

// Wrap prepends the header to validated task code, ready for
// persistence by the registry.
func Wrap(code string) string {
	return Header + code
}

// Strip removes the header from stored code if present, returning the
// original task body unchanged. Mirrors registry.fetch_task_code's
// sentinel handling: only strip when the text begins with the start
// sentinel and the end sentinel is present.
func Strip(code string) string {
	if !strings.HasPrefix(code, StartSentinel) {
		return code
	}
	idx := strings.Index(code, EndSentinel)
	if idx == -1 {
		return code
	}
	end := idx + len(EndSentinel)
	// Skip the trailing newline the header always ends with.
	if end < len(code) && code[end] == '\n' {
		end++
	}
	return code[end:]
}
