package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/madsdk/python-execution-environment/internal/monkey"
	"github.com/madsdk/python-execution-environment/internal/taskerr"
)

func TestValidTaskName(t *testing.T) {
	require.True(t, ValidTaskName("demo.math.add"))
	require.False(t, ValidTaskName("demo.math"))
	require.False(t, ValidTaskName("demo.math.add.extra"))
	require.False(t, ValidTaskName("demo.math.__init__"))
	require.False(t, ValidTaskName("demo math.add"))
}

func TestInstallHasFetch(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	require.NoError(t, err)

	require.False(t, r.HasTask("demo.math.add"))

	code := "def perform(a, b):\n    return a + b\n"
	require.NoError(t, r.InstallTask("demo.math.add", monkey.Wrap(code)))

	require.True(t, r.HasTask("demo.math.add"))

	fetched, err := r.FetchTaskCode("demo.math.add")
	require.NoError(t, err)
	require.Equal(t, code, fetched)

	require.ElementsMatch(t, []string{"demo.math.add"}, r.List())
}

func TestInstallTask_Duplicate(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, r.InstallTask("demo.math.add", monkey.Wrap("def perform(): pass\n")))

	err = r.InstallTask("demo.math.add", monkey.Wrap("def perform(): pass\n"))
	var aerr *taskerr.AlreadyInstalledError
	require.ErrorAs(t, err, &aerr)
}

func TestFetchTaskCode_NotInstalled(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	require.NoError(t, err)

	_, err = r.FetchTaskCode("no.such.task")
	var nerr *taskerr.NotInstalledError
	require.ErrorAs(t, err, &nerr)
}

func TestNew_ScansExistingTasks(t *testing.T) {
	dir := t.TempDir()
	tasksDir := filepath.Join(dir, "tasks", "demo", "math")
	require.NoError(t, os.MkdirAll(tasksDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tasksDir, "add.py"), []byte(monkey.Wrap("def perform(): pass\n")), 0o644))

	r, err := New(dir)
	require.NoError(t, err)
	require.True(t, r.HasTask("demo.math.add"))
}

func TestNew_IgnoresSvnAndInit(t *testing.T) {
	dir := t.TempDir()
	tasksDir := filepath.Join(dir, "tasks", "demo", "math")
	svnDir := filepath.Join(tasksDir, ".svn")
	require.NoError(t, os.MkdirAll(svnDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tasksDir, "__init__.py"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(svnDir, "stray.py"), []byte("junk"), 0o644))

	r, err := New(dir)
	require.NoError(t, err)
	require.Empty(t, r.List())
}
