// Package sandbox builds the mount, namespace, capability, and seccomp
// isolation a run's container needs: a private overlay filesystem built
// from a DirModePolicy, fresh user/mount/pid/ipc/uts (and optionally net)
// namespaces, a locked-down capability set, and a syscall filter blocking
// the operations a sandboxed tool must never reach.
//
// Go's os/exec cannot run arbitrary code between clone(2) and execve(2),
// so the tool's final exec is reached through a self-re-exec: a child
// invocation of the same binary carrying a hidden marker argument, which
// main() detects with IsReexec and hands to RunInit before anything else.
// In CloneChild mode (Command) the parent only clones that child, and the
// mounting and chroot happen inside it. In UnshareSelf mode
// (EnterUnshared) the calling process unshares, builds the container
// filesystem and chroots into it itself, then re-execs a child as PID 1
// of a fresh PID namespace.
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hashicorp/go-multierror"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	seccomp "github.com/seccomp/libseccomp-golang"
	"github.com/syndtr/gocapability/capability"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	logger "github.com/sosy-lab/benchexec-sub002/pkg/log"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
)

var log = logger.NewLogger("sandbox")

// EntryMode selects how the container's namespaces are entered.
type EntryMode int

const (
	// CloneChild creates a brand-new child directly in the new
	// namespace set, via Command.
	CloneChild EntryMode = iota
	// UnshareSelf is used when the calling process must move itself
	// into a container (e.g. to load an untrusted tool-info module):
	// it unshares every namespace except PID, then forks so the child
	// can enter the new PID namespace while the parent waits, via
	// EnterUnshared.
	UnshareSelf
)

// Hidden marker arguments that tell main() to dispatch to RunInit instead
// of parsing command-line flags normally. childInitArg runs the full
// mount/chroot/proc/caps/seccomp sequence inside a freshly cloned
// container; pid1InitArg runs only the final proc/caps/seccomp steps,
// for UnshareSelf's second, PID-namespace-only fork.
const (
	childInitArg = "runbench-sandbox-init"
	pid1InitArg  = "runbench-sandbox-pid1"
)

// IsReexec reports whether args (os.Args) is this package's own re-exec
// invocation, so main() can dispatch to RunInit before normal flag
// parsing and argument validation run.
func IsReexec(args []string) bool {
	return len(args) > 1 && (args[1] == childInitArg || args[1] == pid1InitArg)
}

// RunInit dispatches a re-exec'd process detected via IsReexec to the
// matching init stage. Neither stage returns on success: both end by
// exec'ing the run's real command in place of this process.
func RunInit(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("sandbox: re-exec invocation missing spec path")
	}
	spec, err := loadInitSpec(args[2])
	if err != nil {
		return err
	}
	switch args[1] {
	case childInitArg:
		return runChildInit(spec, args[2])
	case pid1InitArg:
		return runPID1Init(spec)
	default:
		return fmt.Errorf("sandbox: unknown re-exec stage %q", args[1])
	}
}

// SystemConfig, when true, synthesizes a minimal /etc inside the
// container and maps the host UID/GID to a fixed container identity;
// when false the UID/GID mapping is the identity map and /etc is left
// as whatever the DirModePolicy exposes.
//
// Namespaces and Capabilities mirror the OCI runtime-spec's
// linux.namespaces/linux.capabilities shapes. Namespaces, when empty,
// defaults to DefaultNamespaces(AllowNetwork); entries naming an
// existing Path (joining a namespace via setns) are accepted but
// ignored, since no runbench entry mode needs to join a namespace it
// didn't create. Capabilities, when nil, drops every capability; when
// set, every capability named in any of its Effective, Permitted,
// Inheritable or Bounding lists is kept in all three of the effective,
// permitted and inheritable sets. The lists are not kept apart, the
// Ambient list is ignored, and the bounding set is not changed.
type Config struct {
	Mode          EntryMode
	Policy        DirModePolicy
	SystemConfig  bool
	ContainerUID  int
	ContainerGID  int
	AllowNetwork  bool
	Hostname      string
	OverlaySizeMB int
	Namespaces    []specs.LinuxNamespace
	Capabilities  *specs.LinuxCapabilities
}

// Container is a live, fully-set-up run sandbox; its Root is the
// temporary directory backing the private tmpfs, so the supervisor can
// unmount and remove it during teardown. For CloneChild containers the
// tmpfs and overlay mounts live entirely inside the child's own mount
// namespace and vanish with it; Root here only tracks the host-visible
// staging directory and its spec file.
type Container struct {
	Root      string
	MountBase string
	Upper     string
	Work      string
	specPath  string
	netHandle netns.NsHandle
}

// DefaultNamespaces is the namespace set CloneChild and UnshareSelf use
// when Config.Namespaces is empty: every container gets its own user,
// mount, pid, ipc, and uts namespace; network is only isolated when the
// run isn't allowed outbound access.
func DefaultNamespaces(allowNetwork bool) []specs.LinuxNamespace {
	ns := []specs.LinuxNamespace{
		{Type: specs.UserNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.PIDNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UTSNamespace},
	}
	if !allowNetwork {
		ns = append(ns, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}
	return ns
}

var namespaceCloneFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.UserNamespace:    unix.CLONE_NEWUSER,
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
}

// cloneFlags resolves cfg.Namespaces (or DefaultNamespaces) into the
// clone(2) flag bits SysProcAttr.Cloneflags needs.
func cloneFlags(cfg Config) uintptr {
	namespaces := cfg.Namespaces
	if len(namespaces) == 0 {
		namespaces = DefaultNamespaces(cfg.AllowNetwork)
	}
	var flags uintptr
	for _, ns := range namespaces {
		if ns.Path != "" {
			continue
		}
		flags |= namespaceCloneFlags[ns.Type]
	}
	return flags
}

const (
	userNSSysctl = "/proc/sys/user/max_user_namespaces"
	cloneSysctl  = "/proc/sys/kernel/unprivileged_userns_clone"
)

// checkUserNamespacesAllowed reads the two sysctls the kernel exposes for
// disabling unprivileged user namespace creation, surfacing a named
// remedy instead of a bare EPERM.
func checkUserNamespacesAllowed() error {
	if v, err := readSysctl(cloneSysctl); err == nil && v == "0" {
		return &rberrors.UserNamespaceForbiddenError{SysctlPath: cloneSysctl, RequiredValue: "1"}
	}
	if v, err := readSysctl(userNSSysctl); err == nil && v == "0" {
		return &rberrors.UserNamespaceForbiddenError{SysctlPath: userNSSysctl, RequiredValue: "a positive integer"}
	}
	return nil
}

func readSysctl(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	n := len(data)
	for n > 0 && (data[n-1] == '\n' || data[n-1] == ' ') {
		n--
	}
	return string(data[:n]), nil
}

// isAppArmorUserNSRestriction fingerprints the specific EPERM AppArmor's
// unprivileged-userns restriction produces, which otherwise looks
// identical to a plain sysctl-disabled failure.
func isAppArmorUserNSRestriction(err error) bool {
	if err == nil {
		return false
	}
	if errno, ok := unwrapErrno(err); ok {
		if errno == unix.EPERM {
			if _, statErr := os.Stat("/sys/kernel/security/apparmor/profiles"); statErr == nil {
				return true
			}
		}
	}
	return false
}

func unwrapErrno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// initSpec is the JSON handoff from the process building a container to
// the re-exec'd child that actually enters it: everything the child
// needs to finish setup and exec the real command, since the two halves
// no longer share memory once the child has exec'd a fresh image.
type initSpec struct {
	Config    Config
	Command   []string
	Root      string
	MountBase string
	Upper     string
	Work      string
}

func writeInitSpec(spec initSpec) (string, error) {
	f, err := os.CreateTemp("", "runbench-sandbox-spec-*.json")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(spec); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func loadInitSpec(path string) (initSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return initSpec{}, err
	}
	var spec initSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return initSpec{}, err
	}
	return spec, nil
}

// resolveCommandPath resolves command[0] against PATH (if it isn't
// already a path) before the container's mount tree is built, since
// PATH lookup rules inside the chroot would otherwise differ from the
// host's.
func resolveCommandPath(command []string) ([]string, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("sandbox: command must not be empty")
	}
	path := command[0]
	if !strings.Contains(path, "/") {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	out := append([]string{abs}, command[1:]...)
	return out, nil
}

func containerUID(cfg Config) int {
	if cfg.SystemConfig {
		return cfg.ContainerUID
	}
	return os.Getuid()
}

func containerGID(cfg Config) int {
	if cfg.SystemConfig {
		return cfg.ContainerGID
	}
	return os.Getgid()
}

// Command builds the re-exec'ing *exec.Cmd that clones a child directly
// into a fresh namespace set (CloneChild mode) and runs command inside
// it. The clone itself performs the namespace entry via
// SysProcAttr.Cloneflags/UidMappings/GidMappings before any user code
// runs, so unlike mounting and chrooting in the calling process, none of
// the container's setup ever touches the host's own namespaces. The
// returned Container only tracks the host-visible staging directory:
// the container's mounts live inside the child's own mount namespace and
// disappear when it exits.
func Command(cfg Config, command []string) (*exec.Cmd, *Container, error) {
	if cfg.Mode != CloneChild {
		return nil, nil, fmt.Errorf("sandbox: Command requires CloneChild mode, got %v", cfg.Mode)
	}
	if err := checkUserNamespacesAllowed(); err != nil {
		return nil, nil, err
	}

	resolved, err := resolveCommandPath(command)
	if err != nil {
		return nil, nil, &rberrors.ContainerSetupError{Stage: "resolve-command", Errno: err}
	}

	root, err := os.MkdirTemp("", "runbench-sandbox-")
	if err != nil {
		return nil, nil, &rberrors.ContainerSetupError{Stage: "tmpdir", Errno: err}
	}
	c := &Container{
		Root:      root,
		MountBase: filepath.Join(root, "mount_base"),
		Upper:     filepath.Join(root, "upper"),
		Work:      filepath.Join(root, "work"),
	}

	specPath, err := writeInitSpec(initSpec{
		Config:    cfg,
		Command:   resolved,
		Root:      c.Root,
		MountBase: c.MountBase,
		Upper:     c.Upper,
		Work:      c.Work,
	})
	if err != nil {
		return nil, nil, &rberrors.ContainerSetupError{Stage: "write-spec", Errno: err}
	}
	c.specPath = specPath

	cmd := exec.Command("/proc/self/exe", childInitArg, specPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags(cfg),
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: containerUID(cfg), HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: containerGID(cfg), HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
	return cmd, c, nil
}

// runChildInit performs the filesystem and namespace-local setup steps
// described by spec.md §4.6 (private tmpfs overlay build-out, UID/GID
// mapping already applied by the clone itself, chroot, fresh /proc,
// capability drop, seccomp filter) inside a process that clone(2) has
// already placed in its own namespace set, then execs the real command.
func runChildInit(spec initSpec, specPath string) error {
	cfg := spec.Config

	if err := mountTmpfs(spec.Root, cfg.OverlaySizeMB); err != nil {
		if isAppArmorUserNSRestriction(err) {
			return &rberrors.AppArmorUserNamespaceRestrictionError{}
		}
		return &rberrors.ContainerSetupError{Stage: "tmpfs-mount", Errno: err}
	}

	for _, dir := range []string{spec.MountBase, spec.Upper, spec.Work} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &rberrors.ContainerSetupError{Stage: "overlay-dirs", Errno: err}
		}
	}

	if err := buildMountTree(cfg.Policy, spec.MountBase, spec.Upper, spec.Work); err != nil {
		return &rberrors.ContainerSetupError{Stage: "mount-tree", Errno: err}
	}

	if err := ensureShmTmpfs(cfg.Policy, spec.MountBase); err != nil {
		return &rberrors.ContainerSetupError{Stage: "shm-tmpfs", Errno: err}
	}

	if cfg.SystemConfig {
		if err := synthesizeEtc(spec.Upper, cfg.Hostname, cfg.ContainerUID, cfg.ContainerGID); err != nil {
			return &rberrors.ContainerSetupError{Stage: "synth-etc", Errno: err}
		}
	}

	if err := chrootInto(spec.MountBase); err != nil {
		return &rberrors.ContainerSetupError{Stage: "chroot", Errno: err}
	}

	if err := mountFreshProc(); err != nil {
		return &rberrors.ContainerSetupError{Stage: "proc-mount", Errno: err}
	}

	if cfg.AllowNetwork {
		if err := activateLoopback(); err != nil {
			return &rberrors.ContainerSetupError{Stage: "loopback", Errno: err}
		}
	}

	if err := dropCapabilities(cfg.Capabilities); err != nil {
		return &rberrors.ContainerSetupError{Stage: "drop-caps", Errno: err}
	}

	if err := installSeccompFilter(); err != nil {
		return &rberrors.ContainerSetupError{Stage: "seccomp", Errno: err}
	}

	os.Remove(specPath)
	return execCommand(spec.Command)
}

// runPID1Init is UnshareSelf's second stage: by the time this runs, the
// calling process (EnterUnshared) has already unshared every namespace
// but PID and built/chrooted into the container filesystem itself, so
// this child only needs to mount a fresh /proc for its own (now
// PID-namespace-isolated) view, drop capabilities, install the seccomp
// filter, and exec the real command as that namespace's PID 1.
func runPID1Init(spec initSpec) error {
	cfg := spec.Config

	if err := mountFreshProc(); err != nil {
		return &rberrors.ContainerSetupError{Stage: "proc-mount", Errno: err}
	}
	if cfg.AllowNetwork {
		if err := activateLoopback(); err != nil {
			return &rberrors.ContainerSetupError{Stage: "loopback", Errno: err}
		}
	}
	if err := dropCapabilities(cfg.Capabilities); err != nil {
		return &rberrors.ContainerSetupError{Stage: "drop-caps", Errno: err}
	}
	if err := installSeccompFilter(); err != nil {
		return &rberrors.ContainerSetupError{Stage: "seccomp", Errno: err}
	}
	return execCommand(spec.Command)
}

func execCommand(command []string) error {
	return syscall.Exec(command[0], command, os.Environ())
}

// EnterUnshared implements the UnshareSelf entry mode: instead of
// cloning a child into a fresh container, the calling process (which
// must already be locked to its OS thread via runtime.LockOSThread)
// moves itself into one, the path used when an already-running worker
// must load an untrusted tool-info module under isolation. A running
// process cannot join a new PID namespace itself, so it unshares every
// other namespace, builds and chroots into the container filesystem in
// place, then unshares CLONE_NEWPID and re-execs itself as a child: that
// child is born into the fresh PID namespace as its PID 1, while this
// process blocks until it exits.
func EnterUnshared(cfg Config, command []string) (*os.ProcessState, error) {
	if cfg.Mode != UnshareSelf {
		return nil, fmt.Errorf("sandbox: EnterUnshared requires UnshareSelf mode, got %v", cfg.Mode)
	}
	if err := checkUserNamespacesAllowed(); err != nil {
		return nil, err
	}

	resolved, err := resolveCommandPath(command)
	if err != nil {
		return nil, &rberrors.ContainerSetupError{Stage: "resolve-command", Errno: err}
	}

	// Resolved before the chroot below, since this process's own
	// executable may no longer be reachable as /proc/self/exe once /proc
	// is torn down and rebuilt by the pid1 child.
	selfExe, err := os.Executable()
	if err != nil {
		return nil, &rberrors.ContainerSetupError{Stage: "resolve-self", Errno: err}
	}

	flags := unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS
	if !cfg.AllowNetwork {
		flags |= unix.CLONE_NEWNET
	}
	if err := unix.Unshare(flags); err != nil {
		return nil, &rberrors.ContainerSetupError{Stage: "unshare", Errno: err}
	}
	if err := writeIDMaps(cfg); err != nil {
		return nil, &rberrors.ContainerSetupError{Stage: "idmap", Errno: err}
	}

	root, err := os.MkdirTemp("", "runbench-sandbox-")
	if err != nil {
		return nil, &rberrors.ContainerSetupError{Stage: "tmpdir", Errno: err}
	}
	defer os.RemoveAll(root)
	mountBase := filepath.Join(root, "mount_base")
	upper := filepath.Join(root, "upper")
	work := filepath.Join(root, "work")

	if err := mountTmpfs(root, cfg.OverlaySizeMB); err != nil {
		if isAppArmorUserNSRestriction(err) {
			return nil, &rberrors.AppArmorUserNamespaceRestrictionError{}
		}
		return nil, &rberrors.ContainerSetupError{Stage: "tmpfs-mount", Errno: err}
	}
	defer unix.Unmount(root, unix.MNT_DETACH)

	for _, dir := range []string{mountBase, upper, work} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &rberrors.ContainerSetupError{Stage: "overlay-dirs", Errno: err}
		}
	}
	if err := buildMountTree(cfg.Policy, mountBase, upper, work); err != nil {
		return nil, &rberrors.ContainerSetupError{Stage: "mount-tree", Errno: err}
	}
	if err := ensureShmTmpfs(cfg.Policy, mountBase); err != nil {
		return nil, &rberrors.ContainerSetupError{Stage: "shm-tmpfs", Errno: err}
	}
	if cfg.SystemConfig {
		if err := synthesizeEtc(upper, cfg.Hostname, cfg.ContainerUID, cfg.ContainerGID); err != nil {
			return nil, &rberrors.ContainerSetupError{Stage: "synth-etc", Errno: err}
		}
	}

	if err := chrootInto(mountBase); err != nil {
		return nil, &rberrors.ContainerSetupError{Stage: "chroot", Errno: err}
	}
	defer unix.Unmount(mountBase, unix.MNT_DETACH)

	// A running process cannot itself join a new PID namespace; only
	// children it forks after this point land in the fresh one.
	if err := unix.Unshare(unix.CLONE_NEWPID); err != nil {
		return nil, &rberrors.ContainerSetupError{Stage: "unshare-pid", Errno: err}
	}

	specPath, err := writeInitSpec(initSpec{Config: cfg, Command: resolved})
	if err != nil {
		return nil, &rberrors.ContainerSetupError{Stage: "write-spec", Errno: err}
	}
	defer os.Remove(specPath)

	cmd := exec.Command(selfExe, pid1InitArg, specPath)
	runErr := cmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return exitErr.ProcessState, nil
		}
		return nil, &rberrors.ContainerSetupError{Stage: "pid1-exec", Errno: runErr}
	}
	return cmd.ProcessState, nil
}

// mountTmpfs mounts a tmpfs at root sized to sizeMB (percentage-of-memory
// sizing is resolved by the caller into an absolute MB figure before this
// call, since that calculation belongs to the supervisor, which already
// knows the run's memory limit).
func mountTmpfs(root string, sizeMB int) error {
	opts := fmt.Sprintf("size=%dm", sizeMB)
	return unix.Mount("tmpfs", root, "tmpfs", 0, opts)
}

// buildMountTree replicates the host filesystem under mountBase according
// to policy, longer paths overriding shorter ones (policy.SortedPaths
// already orders shortest-first so later iterations win).
func buildMountTree(policy DirModePolicy, mountBase, upper, work string) error {
	for _, hostPath := range policy.SortedPaths() {
		target := filepath.Join(mountBase, hostPath)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		switch policy[hostPath] {
		case Hidden:
			if err := unix.Mount("tmpfs", target, "tmpfs", 0, ""); err != nil {
				return err
			}
		case ReadOnly:
			if err := bindMount(hostPath, target, true); err != nil {
				return err
			}
		case Overlay:
			pathUpper := filepath.Join(upper, hostPath)
			pathWork := filepath.Join(work, hostPath)
			if err := os.MkdirAll(pathUpper, 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(pathWork, 0o755); err != nil {
				return err
			}
			opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", hostPath, pathUpper, pathWork)
			if err := unix.Mount("overlay", target, "overlay", 0, opts); err != nil {
				return err
			}
		case Full:
			if err := bindMount(hostPath, target, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func bindMount(source, target string, readOnly bool) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}
	if readOnly {
		return unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, "")
	}
	return nil
}

// ensureShmTmpfs makes sure /dev/shm and /run/shm exist as their own
// tmpfs unless the policy already configures them explicitly.
func ensureShmTmpfs(policy DirModePolicy, mountBase string) error {
	for _, p := range []string{"/dev/shm", "/run/shm"} {
		if _, configured := policy[p]; configured {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		target := filepath.Join(mountBase, p)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		if err := unix.Mount("tmpfs", target, "tmpfs", 0, ""); err != nil {
			return err
		}
	}
	return nil
}

func synthesizeEtc(upper, hostname string, uid, gid int) error {
	etc := filepath.Join(upper, "etc")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		return err
	}
	passwd := fmt.Sprintf("root:x:0:0:root:/root:/bin/sh\nrunbench:x:%d:%d:runbench:/:/bin/sh\n", uid, gid)
	group := fmt.Sprintf("root:x:0:\nrunbench:x:%d:\n", gid)
	files := map[string]string{
		"passwd":        passwd,
		"group":         group,
		"nsswitch.conf": "passwd: files\ngroup: files\nhosts: files dns\n",
		"hostname":      hostname + "\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(etc, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return unix.Sethostname([]byte(hostname))
}

// writeIDMaps writes /proc/self/uid_map and /proc/self/gid_map for the
// calling process: identity mapping by default, or host-uid -> fixed
// container uid when SystemConfig is requested. Only used by
// EnterUnshared; CloneChild mode maps its child's UID/GID via
// SysProcAttr.UidMappings/GidMappings instead, which the kernel applies
// atomically at clone time before any of the child's code runs.
func writeIDMaps(cfg Config) error {
	uid, gid := os.Getuid(), os.Getgid()
	uidLine := fmt.Sprintf("%d %d 1\n", uid, uid)
	gidLine := fmt.Sprintf("%d %d 1\n", gid, gid)
	if cfg.SystemConfig {
		uidLine = fmt.Sprintf("%d %d 1\n", cfg.ContainerUID, uid)
		gidLine = fmt.Sprintf("%d %d 1\n", cfg.ContainerGID, gid)
	}
	if err := os.WriteFile("/proc/self/setgroups", []byte("deny"), 0o644); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.WriteFile("/proc/self/uid_map", []byte(uidLine), 0o644); err != nil {
		return err
	}
	return os.WriteFile("/proc/self/gid_map", []byte(gidLine), 0o644)
}

func chrootInto(mountBase string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if err := unix.Chroot(mountBase); err != nil {
		return err
	}
	if err := unix.Chdir("/"); err != nil {
		return err
	}
	return unix.Chdir(cwd)
}

func mountFreshProc() error {
	if err := os.MkdirAll("/proc", 0o555); err != nil {
		return err
	}
	return unix.Mount("proc", "/proc", "proc", 0, "")
}

// activateLoopback brings up "lo" inside the container's (already
// entered) network namespace, the only network setup a run needs unless
// full networking is requested.
func activateLoopback() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

// dropCapabilities clears the effective, permitted and inheritable sets
// (the bounding and ambient sets are left as they are), then, if caps
// names any capabilities in its Effective, Permitted, Inheritable or
// Bounding lists, adds every one of them to all three of those sets;
// finally sets PR_SET_NO_NEW_PRIVS and
// PR_SET_DUMPABLE(0), so the tool runs with no path to privilege
// escalation even if it execs a setuid binary.
func dropCapabilities(caps *specs.LinuxCapabilities) error {
	c, err := capability.NewPid2(0)
	if err != nil {
		return err
	}
	if err := c.Load(); err != nil {
		return err
	}
	c.Clear(capability.CAPS)
	if caps != nil {
		for _, names := range [][]string{caps.Effective, caps.Permitted, caps.Inheritable, caps.Bounding} {
			for _, name := range names {
				if cap, ok := capabilityByName(name); ok {
					c.Set(capability.CAPS, cap)
				} else {
					log.Warn("unknown capability %q in sandbox config, ignoring", name)
				}
			}
		}
	}
	if err := c.Apply(capability.CAPS); err != nil {
		return err
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0)
}

// capabilityByName maps an OCI-style capability name ("CAP_SYS_ADMIN")
// to its gocapability constant.
func capabilityByName(name string) (capability.Cap, bool) {
	trimmed := strings.TrimPrefix(strings.ToUpper(name), "CAP_")
	for _, c := range capability.List() {
		if strings.EqualFold(c.String(), trimmed) {
			return c, true
		}
	}
	return 0, false
}

// deniedSyscalls blocks the operations a sandboxed tool must never
// reach: anything that could create a new namespace, alter mounts, load
// kernel modules, or manipulate the kernel keyring.
var deniedSyscalls = []string{
	"mount", "umount2", "pivot_root",
	"keyctl", "add_key", "request_key",
	"init_module", "finit_module", "delete_module",
	"unshare", "setns",
}

// installSeccompFilter loads a default-allow filter that returns EPERM
// for deniedSyscalls, plus a clone(2) rule rejecting the namespace-
// creation flag bits specifically (clone itself must remain usable for
// ordinary threading).
func installSeccompFilter() error {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return err
	}
	defer filter.Release()

	for _, name := range deniedSyscalls {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// not defined on this architecture; nothing to block.
			continue
		}
		if err := filter.AddRule(call, seccomp.ActErrno.SetReturnCode(int16(unix.EPERM))); err != nil {
			return err
		}
	}

	cloneCall, err := seccomp.GetSyscallFromName("clone")
	if err == nil {
		nsFlags := uint64(unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
			unix.CLONE_NEWIPC | unix.CLONE_NEWUTS | unix.CLONE_NEWNET)
		cond, err := seccomp.MakeCondition(0, seccomp.CompareMaskedEqual, nsFlags, nsFlags)
		if err == nil {
			_ = filter.AddRuleConditional(cloneCall, seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), []seccomp.ScmpCondition{cond})
		}
	}

	return filter.Load()
}

// Teardown unmounts the container's overlay tree (a no-op for CloneChild
// containers, whose mounts live in the exited child's own namespace and
// are already gone) and removes its staging directory and spec file,
// aggregating every failure instead of stopping at the first one so a
// single stuck mount doesn't leak the rest of the teardown.
func (c *Container) Teardown() error {
	var result *multierror.Error

	if c.netHandle.IsOpen() {
		if err := c.netHandle.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing network namespace handle"))
		}
	}

	if err := unix.Unmount(c.MountBase, unix.MNT_DETACH); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, errors.Wrap(err, "unmounting overlay"))
	}
	if err := unix.Unmount(c.Root, unix.MNT_DETACH); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, errors.Wrap(err, "unmounting tmpfs"))
	}
	if c.specPath != "" {
		if err := os.Remove(c.specPath); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, errors.Wrap(err, "removing sandbox spec file"))
		}
	}
	if err := os.RemoveAll(c.Root); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "removing sandbox root"))
	}

	if result != nil {
		log.Warn("sandbox teardown had %d error(s): %v", len(result.Errors), result)
		return result.ErrorOrNil()
	}
	return nil
}
