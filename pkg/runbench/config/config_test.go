package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/sandbox"
)

func TestLoadParsesRunSets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bench.yaml")
	yamlContent := `
workers: 4
coreLimit: 2
useHyperthreading: false
allowNetwork: false
dirModes:
  /tmp: overlay
  /usr: read-only
runSets:
  - name: smoke
    wallLimit: 30s
    cpuLimit: 20s
    memoryBytes: 1073741824
    runs:
      - id: run1
        command: ["echo", "hi"]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 2, cfg.CoreLimit)
	require.Len(t, cfg.RunSets, 1)
	require.Equal(t, "smoke", cfg.RunSets[0].Name)
	require.Len(t, cfg.RunSets[0].Runs, 1)
	require.Equal(t, []string{"echo", "hi"}, cfg.RunSets[0].Runs[0].Command)
}

func TestLoadParsesFileCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bench.yaml")
	yamlContent := `
workers: 1
coreLimit: 1
runSets:
  - name: smoke
    memoryBytes: 1073741824
    fileBytes: 1048576
    fileCount: 64
    runs:
      - id: run1
        command: ["echo", "hi"]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(1048576), cfg.RunSets[0].FileBytes)
	require.Equal(t, int64(64), cfg.RunSets[0].FileCount)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/bench.yaml")
	require.Error(t, err)
}

func TestResolvedDirModes(t *testing.T) {
	cfg := &BenchmarkConfig{
		DirModes: map[string]string{
			"/tmp":  "overlay",
			"/usr":  "read-only",
			"/proc": "hidden",
			"/":     "full",
		},
	}
	policy, err := cfg.ResolvedDirModes()
	require.NoError(t, err)
	require.Equal(t, sandbox.Overlay, policy["/tmp"])
	require.Equal(t, sandbox.ReadOnly, policy["/usr"])
	require.Equal(t, sandbox.Hidden, policy["/proc"])
	require.Equal(t, sandbox.Full, policy["/"])
}

func TestResolvedDirModesRejectsUnknown(t *testing.T) {
	cfg := &BenchmarkConfig{DirModes: map[string]string{"/tmp": "bogus"}}
	_, err := cfg.ResolvedDirModes()
	require.Error(t, err)
}

func TestFlagsApplyOverridesNonZeroOnly(t *testing.T) {
	cfg := &BenchmarkConfig{Workers: 2, CoreLimit: 1, UseHyperthreading: false, AllowNetwork: false}
	flags := &Flags{Workers: 8, CoreLimit: 0, HT: true, Network: true}
	flags.Apply(cfg)

	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, 1, cfg.CoreLimit)
	require.True(t, cfg.UseHyperthreading)
	require.True(t, cfg.AllowNetwork)
}
