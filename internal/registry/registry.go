// Package registry keeps the installed-task inventory on disk and
// enforces the task naming policy.
package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/madsdk/python-execution-environment/internal/monkey"
	"github.com/madsdk/python-execution-environment/internal/taskerr"
)

// nameRE matches the three-dotted-segment task name policy.
var nameRE = regexp.MustCompile(`^\w+\.\w+\.\w+$`)

// ValidTaskName reports whether name obeys the naming policy: exactly
// three `\w+` segments, and not ending in the reserved leaf __init__.
func ValidTaskName(name string) bool {
	if !nameRE.MatchString(name) {
		return false
	}
	return !strings.HasSuffix(name, ".__init__")
}

// Registry is the in-memory mirror of the on-disk task layout rooted at
// <basedir>/tasks/<seg1>/<seg2>/<seg3>.py. It is the authority for
// existence checks; the filesystem is the authority for source text.
type Registry struct {
	basedir string
	log     *slog.Logger

	mu    sync.RWMutex
	tasks map[string]struct{}
}

// New scans <basedir>/tasks and returns a Registry seeded with whatever
// task code is already present on disk, creating the root if missing.
func New(basedir string) (*Registry, error) {
	r := &Registry{
		basedir: basedir,
		log:     slog.Default().With("component", "registry"),
		tasks:   make(map[string]struct{}),
	}

	tasksDir := filepath.Join(basedir, "tasks")
	if _, err := os.Stat(tasksDir); os.IsNotExist(err) {
		if err := os.MkdirAll(tasksDir, 0o755); err != nil {
			return nil, &taskerr.FileAccessError{Msg: "creating tasks directory", Err: err}
		}
		if f, err := os.Create(filepath.Join(tasksDir, "__init__.py")); err == nil {
			f.Close()
		}
	}

	if err := r.scan(tasksDir); err != nil {
		return nil, err
	}
	r.log.Info("registry initialized", "basedir", basedir, "tasks", len(r.tasks))
	return r, nil
}

func (r *Registry) scan(tasksDir string) error {
	return filepath.Walk(tasksDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".svn" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.Contains(path, string(filepath.Separator)+".svn"+string(filepath.Separator)) {
			return nil
		}
		if !strings.HasSuffix(info.Name(), ".py") || info.Name() == "__init__.py" {
			return nil
		}
		rel, err := filepath.Rel(tasksDir, path)
		if err != nil {
			return nil
		}
		// Require exactly two subdirectories below tasksDir, i.e. the
		// path has three path components: seg1/seg2/seg3.py.
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 3 {
			return nil
		}
		name := parts[0] + "." + parts[1] + "." + strings.TrimSuffix(parts[2], ".py")
		r.tasks[name] = struct{}{}
		return nil
	})
}

// HasTask reports membership in the in-memory installed set.
func (r *Registry) HasTask(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

// List returns every installed task name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}

// path derives the on-disk location of a task's source file.
func (r *Registry) path(name string) string {
	segs := strings.SplitN(name, ".", 3)
	return filepath.Join(r.basedir, "tasks", segs[0], segs[1], segs[2]+".py")
}

// InstallTask persists monkey-patch-wrapped code for name. Name
// validity and the __init__ reservation are the caller's to check; the
// registry still refuses a duplicate install on its own.
func (r *Registry) InstallTask(name, wrappedCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[name]; ok {
		return &taskerr.AlreadyInstalledError{Name: name}
	}

	segs := strings.SplitN(name, ".", 3)
	dir := filepath.Join(r.basedir, "tasks", segs[0], segs[1])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &taskerr.FileAccessError{Msg: "creating task directory", Err: err}
	}
	for _, markerDir := range []string{filepath.Join(r.basedir, "tasks", segs[0]), dir} {
		marker := filepath.Join(markerDir, "__init__.py")
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			if f, err := os.Create(marker); err == nil {
				f.Close()
			}
		}
	}

	target := r.path(name)
	f, err := os.Create(target)
	if err != nil {
		return &taskerr.FileAccessError{Msg: "writing task code", Err: err}
	}
	if _, err := f.WriteString(wrappedCode); err != nil {
		f.Close()
		return &taskerr.FileAccessError{Msg: "writing task code", Err: err}
	}
	if err := f.Close(); err != nil {
		return &taskerr.FileAccessError{Msg: "writing task code", Err: err}
	}

	r.tasks[name] = struct{}{}
	r.log.Info("task installed", "name", name)
	return nil
}

// FetchTaskCode reads the stored file and strips the monkey header,
// returning the task body as the installer originally wrote it.
func (r *Registry) FetchTaskCode(name string) (string, error) {
	r.mu.RLock()
	_, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return "", &taskerr.NotInstalledError{Name: name}
	}

	data, err := os.ReadFile(r.path(name))
	if err != nil {
		return "", &taskerr.FileAccessError{Msg: "reading task code", Err: err}
	}
	return monkey.Strip(string(data)), nil
}

// RawTaskCode reads the stored file as-is, including the monkey header
// if present. Used by the core scheduler, which needs the wrapped code.
func (r *Registry) RawTaskCode(name string) (string, error) {
	r.mu.RLock()
	_, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return "", &taskerr.NotInstalledError{Name: name}
	}
	data, err := os.ReadFile(r.path(name))
	if err != nil {
		return "", &taskerr.FileAccessError{Msg: "reading task code", Err: err}
	}
	return string(data), nil
}
