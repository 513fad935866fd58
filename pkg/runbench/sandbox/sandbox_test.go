package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"
)

func TestIsReexecDetectsMarkersOnly(t *testing.T) {
	require.True(t, IsReexec([]string{"/proc/self/exe", childInitArg, "/tmp/spec.json"}))
	require.True(t, IsReexec([]string{"/proc/self/exe", pid1InitArg, "/tmp/spec.json"}))
	require.False(t, IsReexec([]string{"runbench", "-config", "bench.yaml"}))
	require.False(t, IsReexec([]string{"runbench"}))
}

func TestDefaultNamespacesIsolatesNetworkUnlessAllowed(t *testing.T) {
	withoutNetwork := DefaultNamespaces(false)
	sawNetwork := false
	for _, ns := range withoutNetwork {
		if ns.Type == specs.NetworkNamespace {
			sawNetwork = true
		}
	}
	require.True(t, sawNetwork, "network namespace must be isolated when AllowNetwork is false")

	withNetwork := DefaultNamespaces(true)
	for _, ns := range withNetwork {
		require.NotEqual(t, specs.NetworkNamespace, ns.Type, "network namespace must not be isolated when AllowNetwork is true")
	}
}

func TestCloneFlagsCoversRequestedNamespaces(t *testing.T) {
	cfg := Config{Namespaces: []specs.LinuxNamespace{
		{Type: specs.UserNamespace},
		{Type: specs.PIDNamespace},
	}}
	flags := cloneFlags(cfg)
	require.NotZero(t, flags&namespaceCloneFlags[specs.UserNamespace])
	require.NotZero(t, flags&namespaceCloneFlags[specs.PIDNamespace])
	require.Zero(t, flags&namespaceCloneFlags[specs.NetworkNamespace])
}

func TestCloneFlagsFallsBackToDefaultsWhenUnset(t *testing.T) {
	cfg := Config{AllowNetwork: false}
	flags := cloneFlags(cfg)
	require.NotZero(t, flags&namespaceCloneFlags[specs.UserNamespace])
	require.NotZero(t, flags&namespaceCloneFlags[specs.MountNamespace])
	require.NotZero(t, flags&namespaceCloneFlags[specs.NetworkNamespace])
}

func TestCloneFlagsIgnoresJoinedNamespaces(t *testing.T) {
	cfg := Config{Namespaces: []specs.LinuxNamespace{
		{Type: specs.PIDNamespace, Path: "/proc/1234/ns/pid"},
	}}
	require.Zero(t, cloneFlags(cfg))
}

func TestContainerUIDGIDIdentityUnlessSystemConfig(t *testing.T) {
	cfg := Config{SystemConfig: false}
	require.Equal(t, os.Getuid(), containerUID(cfg))
	require.Equal(t, os.Getgid(), containerGID(cfg))

	withSystemConfig := Config{SystemConfig: true, ContainerUID: 1000, ContainerGID: 1000}
	require.Equal(t, 1000, containerUID(withSystemConfig))
	require.Equal(t, 1000, containerGID(withSystemConfig))
}

func TestResolveCommandPathKeepsExplicitPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	resolved, err := resolveCommandPath([]string{bin, "--flag"})
	require.NoError(t, err)
	require.Equal(t, []string{bin, "--flag"}, resolved)
}

func TestResolveCommandPathRejectsEmptyCommand(t *testing.T) {
	_, err := resolveCommandPath(nil)
	require.Error(t, err)
}

func TestWriteAndLoadInitSpecRoundTrips(t *testing.T) {
	spec := initSpec{
		Config:    Config{Hostname: "runbench", OverlaySizeMB: 256, Policy: DirModePolicy{"/tmp": Overlay}},
		Command:   []string{"/usr/bin/tool", "--flag"},
		Root:      "/tmp/root",
		MountBase: "/tmp/root/mount_base",
		Upper:     "/tmp/root/upper",
		Work:      "/tmp/root/work",
	}
	path, err := writeInitSpec(spec)
	require.NoError(t, err)
	defer os.Remove(path)

	loaded, err := loadInitSpec(path)
	require.NoError(t, err)
	require.Equal(t, spec.Command, loaded.Command)
	require.Equal(t, spec.Config.Hostname, loaded.Config.Hostname)
	require.Equal(t, spec.Config.OverlaySizeMB, loaded.Config.OverlaySizeMB)
	require.Equal(t, Overlay, loaded.Config.Policy["/tmp"])
}

func TestCapabilityByNameAcceptsOCIStyleNames(t *testing.T) {
	cap, ok := capabilityByName("CAP_CHOWN")
	require.True(t, ok)
	require.Equal(t, "chown", cap.String())

	_, ok = capabilityByName("CAP_NOT_A_REAL_CAPABILITY")
	require.False(t, ok)
}

func TestCommandRequiresCloneChildMode(t *testing.T) {
	_, _, err := Command(Config{Mode: UnshareSelf}, []string{"/bin/true"})
	require.Error(t, err)
}

func TestEnterUnsharedRequiresUnshareSelfMode(t *testing.T) {
	_, err := EnterUnshared(Config{Mode: CloneChild}, []string{"/bin/true"})
	require.Error(t, err)
}
