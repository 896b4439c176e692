package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault_FailsValidationWithoutName(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveCores(t *testing.T) {
	cfg := Default()
	cfg.Static.Name = "node-a"
	cfg.CPU.Cores = 0
	require.Error(t, cfg.Validate())
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json5"))
	require.NoError(t, err)
	require.Equal(t, 1, cfg.CPU.Cores)
}

func TestLoad_ParsesJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	contents := `{
		// node identity
		static: { name: "node-a" },
		cpu: { cores: 4, strength: 2.5 },
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-a", cfg.Static.Name)
	require.Equal(t, 4, cfg.CPU.Cores)
	require.Equal(t, 2.5, cfg.CPU.Strength)
	require.NoError(t, cfg.Validate())
}

func TestOverrideCores(t *testing.T) {
	cfg := Default()
	cfg.OverrideCores(8)
	require.Equal(t, 8, cfg.CPU.Cores)
}
