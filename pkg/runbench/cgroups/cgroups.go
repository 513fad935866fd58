// Package cgroups creates, configures, measures, and tears down the
// per-run cgroup subtree a sandbox uses to confine and supervise one
// benchmark execution: cpuset pinning, a memory limit, and the counters
// the supervisor needs to detect an OOM kill or collect CPU-time usage.
package cgroups

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"k8s.io/utils/cpuset"

	logger "github.com/sosy-lab/benchexec-sub002/pkg/log"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
)

var log = logger.NewLogger("cgroups")

// Version identifies which cgroup API a mount point speaks.
type Version int

const (
	V1 Version = iota
	V2
)

// Controller is a cgroup v1 controller name.
type Controller string

const (
	Cpuset Controller = "cpuset"
	Memory Controller = "memory"
	CPU    Controller = "cpu"
	CPUAcct Controller = "cpuacct"
	Pids   Controller = "pids"
)

func (c Controller) String() string { return string(c) }

// Handle is one run's cgroup subtree, rooted under a detected v1 or v2
// hierarchy.
type Handle struct {
	version Version
	// paths maps a controller name to its absolute cgroup directory for
	// v1; for v2 it holds a single entry under key "" pointing at the
	// unified hierarchy directory.
	paths map[string]string
}

// DetectVersion inspects the live mount table to decide whether the host
// runs cgroup v1 (multiple per-controller hierarchies) or v2 (a single
// unified hierarchy), the same way a container runtime's cgroup driver
// probes its environment at startup.
func DetectVersion() (Version, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup2"))
	if err != nil {
		return V1, errors.Wrap(err, "reading mount table")
	}
	if len(mounts) > 0 {
		return V2, nil
	}
	return V1, nil
}

// Create makes a new cgroup subtree named name under parent (an existing
// cgroup directory, typically the mount root) for every requested
// controller, returning a Handle for further configuration.
func Create(parent, name string, version Version, controllers []Controller) (*Handle, error) {
	h := &Handle{version: version, paths: make(map[string]string)}

	if version == V2 {
		dir := filepath.Join(parent, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &rberrors.ContainerSetupError{Stage: "cgroup-create", Errno: err}
		}
		h.paths[""] = dir
		return h, nil
	}

	for _, c := range controllers {
		dir := filepath.Join(parent, c.String(), name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &rberrors.ContainerSetupError{Stage: "cgroup-create:" + c.String(), Errno: err}
		}
		h.paths[c.String()] = dir
	}
	return h, nil
}

// dir returns the directory backing controller c (v1) or the unified
// hierarchy (v2, controller ignored).
func (h *Handle) dir(c Controller) (string, bool) {
	if h.version == V2 {
		d, ok := h.paths[""]
		return d, ok
	}
	d, ok := h.paths[c.String()]
	return d, ok
}

// SetCpuset restricts the cgroup to cores and memory banks mems (v1:
// cpuset.cpus/cpuset.mems; v2: cpuset.cpus, with cpuset.mems only written
// if non-empty since not every v2 machine has a cpuset-mems file).
func (h *Handle) SetCpuset(cores, mems []int) error {
	dir, ok := h.dir(Cpuset)
	if !ok {
		return errors.New("no cpuset controller attached to this cgroup")
	}
	cpus := cpuset.New(cores...)
	if err := os.WriteFile(filepath.Join(dir, "cpuset.cpus"), []byte(cpus.String()), 0o644); err != nil {
		return &rberrors.ContainerSetupError{Stage: "cpuset.cpus", Errno: err}
	}
	if len(mems) > 0 {
		banks := cpuset.New(mems...)
		if err := os.WriteFile(filepath.Join(dir, "cpuset.mems"), []byte(banks.String()), 0o644); err != nil {
			return &rberrors.ContainerSetupError{Stage: "cpuset.mems", Errno: err}
		}
	}
	return nil
}

// SetMemoryLimit writes the memory controller's hard limit, in bytes.
func (h *Handle) SetMemoryLimit(bytes int64) error {
	dir, ok := h.dir(Memory)
	if !ok {
		return errors.New("no memory controller attached to this cgroup")
	}
	file := "memory.limit_in_bytes"
	if h.version == V2 {
		file = "memory.max"
	}
	if err := os.WriteFile(filepath.Join(dir, file), []byte(strconv.FormatInt(bytes, 10)), 0o644); err != nil {
		return &rberrors.ContainerSetupError{Stage: "memory-limit", Errno: err}
	}
	return nil
}

// SetMemorySwapLimit disables (or sets) swap usage for the cgroup; a
// negative value leaves swap unrestricted.
func (h *Handle) SetMemorySwapLimit(bytes int64) error {
	dir, ok := h.dir(Memory)
	if !ok {
		return errors.New("no memory controller attached to this cgroup")
	}
	file := "memory.memsw.limit_in_bytes"
	if h.version == V2 {
		file = "memory.swap.max"
	}
	path := filepath.Join(dir, file)
	if _, err := os.Stat(path); err != nil {
		// swap accounting not compiled into the kernel; not fatal.
		log.Debug("swap limit file %s unavailable, skipping", path)
		return nil
	}
	value := strconv.FormatInt(bytes, 10)
	if bytes < 0 {
		value = "-1"
	}
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return &rberrors.ContainerSetupError{Stage: "memory-swap-limit", Errno: err}
	}
	return nil
}

// SetPidsLimit writes the pids controller's process-count limit,
// enforcing spec.md's ResourceLimits.file_count: despite the name, a
// finite file_count is a cap on the number of processes/threads a run
// may create, not a file-descriptor limit, and the pids controller (not
// a file-descriptor rlimit) is the mechanism that enforces it.
func (h *Handle) SetPidsLimit(max int64) error {
	dir, ok := h.dir(Pids)
	if !ok {
		return errors.New("no pids controller attached to this cgroup")
	}
	if err := os.WriteFile(filepath.Join(dir, "pids.max"), []byte(strconv.FormatInt(max, 10)), 0o644); err != nil {
		return &rberrors.ContainerSetupError{Stage: "pids-limit", Errno: err}
	}
	return nil
}

// AddProcess moves pid into the cgroup across every attached controller.
func (h *Handle) AddProcess(pid int) error {
	file := "cgroup.procs"
	for controller := range h.paths {
		dir := h.paths[controller]
		if err := os.WriteFile(filepath.Join(dir, file), []byte(strconv.Itoa(pid)), 0o644); err != nil {
			return &rberrors.ContainerSetupError{Stage: "join-cgroup:" + controller, Errno: err}
		}
	}
	return nil
}

// Destroy removes the cgroup subtree. Removal can race with the kernel
// reaping the last exiting process out of the cgroup, so ENOENT is not an
// error.
func (h *Handle) Destroy() error {
	var firstErr error
	for _, dir := range h.paths {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return &rberrors.ContainerSetupError{Stage: "cgroup-cleanup", Errno: firstErr}
	}
	return nil
}

// ReadStat reads a cgroup's memory.stat (v1) or memory.stat (v2, subset
// of keys) file into a key/value map, the same "key value" line format
// both versions share.
func (h *Handle) ReadStat() (map[string]string, error) {
	dir, ok := h.dir(Memory)
	if !ok {
		return nil, errors.New("no memory controller attached to this cgroup")
	}
	return readKeyValueFile(filepath.Join(dir, "memory.stat"))
}

// ReadMemoryUsage returns the cgroup's current and peak memory usage in
// bytes.
func (h *Handle) ReadMemoryUsage() (current, max int64, err error) {
	dir, ok := h.dir(Memory)
	if !ok {
		return 0, 0, errors.New("no memory controller attached to this cgroup")
	}
	usageFile, maxFile := "memory.usage_in_bytes", "memory.max_usage_in_bytes"
	if h.version == V2 {
		usageFile, maxFile = "memory.current", "memory.peak"
	}
	current, err = readSingleNumber(filepath.Join(dir, usageFile))
	if err != nil {
		return 0, 0, err
	}
	max, err = readSingleNumber(filepath.Join(dir, maxFile))
	if err != nil {
		// memory.peak is a recent addition; fall back to current usage.
		max = current
	}
	return current, max, nil
}

// OOMKillCount reads the number of times the kernel's OOM killer has
// fired inside this cgroup, from memory.events (v2) or
// memory.oom_control (v1).
func (h *Handle) OOMKillCount() (int64, error) {
	dir, ok := h.dir(Memory)
	if !ok {
		return 0, errors.New("no memory controller attached to this cgroup")
	}
	if h.version == V2 {
		kv, err := readKeyValueFile(filepath.Join(dir, "memory.events"))
		if err != nil {
			return 0, err
		}
		n, _ := strconv.ParseInt(kv["oom_kill"], 10, 64)
		return n, nil
	}
	kv, err := readKeyValueFile(filepath.Join(dir, "memory.oom_control"))
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(kv["oom_kill"], 10, 64)
	return n, nil
}

// CPUUsage returns the cgroup's accumulated CPU time, in nanoseconds.
func (h *Handle) CPUUsage() (int64, error) {
	dir, ok := h.dir(CPUAcct)
	file := "cpuacct.usage"
	if h.version == V2 {
		dir, ok = h.dir(CPU)
		kv, err := readKeyValueFile(filepath.Join(dir, "cpu.stat"))
		if err != nil {
			return 0, err
		}
		usec, _ := strconv.ParseInt(kv["usage_usec"], 10, 64)
		return usec * 1000, nil
	}
	if !ok {
		return 0, errors.New("no cpuacct controller attached to this cgroup")
	}
	return readSingleNumber(filepath.Join(dir, file))
}

// ReadAllowedMemoryBanks reads the memory banks the cpuset controller
// permits this cgroup to use.
func (h *Handle) ReadAllowedMemoryBanks() ([]int, error) {
	dir, ok := h.dir(Cpuset)
	if !ok {
		return nil, errors.New("no cpuset controller attached to this cgroup")
	}
	data, err := os.ReadFile(filepath.Join(dir, "cpuset.mems"))
	if err != nil {
		return nil, err
	}
	banks, err := cpuset.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	return banks.List(), nil
}

func readSingleNumber(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line := strings.TrimSpace(string(data))
	return strconv.ParseInt(line, 10, 64)
}

func readKeyValueFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		out[fields[0]] = fields[1]
	}
	return out, nil
}
