// Package supervisor runs one benchmark execution end to end: cgroup
// creation, container start, wall-time and CPU-time watchdogs, and the
// counter drain that turns a finished process into a RunResult.
package supervisor

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/sosy-lab/benchexec-sub002/pkg/log"
	rbcgroups "github.com/sosy-lab/benchexec-sub002/pkg/runbench/cgroups"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/membank"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/sandbox"
)

var log = logger.NewLogger("supervisor")

// RunRequest is one benchmark invocation to execute under supervision.
type RunRequest struct {
	ID          string
	Command     []string
	WallSeconds float64 // 0 means unlimited
	CPUSeconds  float64 // 0 means unlimited
	MemoryBytes int64
	FileBytes   int64 // 0 means unlimited, enforced via RLIMIT_FSIZE
	FileCount   int64 // 0 means unlimited, enforced via the pids cgroup controller
	Cores       []int
	Mems        membank.Assignment
	Network     bool
	DirModes    sandbox.DirModePolicy
}

// RunResult is the outcome of one supervised run, reported back to the
// pool regardless of whether the tool succeeded.
type RunResult struct {
	ID           string
	Outcome      rberrors.Outcome
	ExitCode     int
	Signal       string
	WallDuration time.Duration
	CPUDuration  time.Duration
	PeakMemory   int64
	OOMKilled    bool
}

const (
	termGracePeriod = 10 * time.Second
	cgroupParent    = "/sys/fs/cgroup"
)

// Run executes req under a fresh cgroup and sandbox, blocking until the
// tool exits, is killed by a limit watchdog, or the process's own signal
// terminates it. Only ContainerSetupError (or another structural
// rberrors kind) is returned as err; every other termination reason is
// reported in the returned RunResult.
func Run(req RunRequest) (RunResult, error) {
	result := RunResult{ID: req.ID}

	controllers := []rbcgroups.Controller{rbcgroups.Cpuset, rbcgroups.Memory, rbcgroups.CPU, rbcgroups.CPUAcct, rbcgroups.Pids}
	cg, err := rbcgroups.Create(cgroupParent, "runbench-"+req.ID, mustVersion(), controllers)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := cg.Destroy(); err != nil {
			log.Warn("cgroup cleanup for run %s failed: %v", req.ID, err)
		}
	}()

	if err := cg.SetCpuset(req.Cores, req.Mems); err != nil {
		return result, err
	}
	if err := cg.SetMemoryLimit(req.MemoryBytes); err != nil {
		return result, err
	}
	if req.FileCount > 0 {
		if err := cg.SetPidsLimit(req.FileCount); err != nil {
			return result, err
		}
	}

	overlayMB := overlaySizeMB(req.MemoryBytes)
	cmd, container, err := sandbox.Command(sandbox.Config{
		Mode:          sandbox.CloneChild,
		Policy:        req.DirModes,
		AllowNetwork:  req.Network,
		Hostname:      "runbench",
		OverlaySizeMB: overlayMB,
	}, req.Command)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := container.Teardown(); err != nil {
			log.Warn("sandbox teardown for run %s failed: %v", req.ID, err)
		}
	}()
	cmd.SysProcAttr.Setpgid = true

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return result, &rberrors.ContainerSetupError{Stage: "exec", Errno: err}
	}
	if err := cg.AddProcess(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		return result, err
	}
	if req.FileBytes > 0 {
		if err := applyFileSizeLimit(cmd.Process.Pid, req.FileBytes); err != nil {
			log.Warn("setting file-size limit for run %s failed: %v", req.ID, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	watchdog := newWatchdog(cmd, req.WallSeconds, req.CPUSeconds, cg)
	defer watchdog.stop()

	waitErr := <-done
	result.WallDuration = time.Since(start)

	if cpu, err := cg.CPUUsage(); err == nil {
		result.CPUDuration = time.Duration(cpu)
	}
	if _, peak, err := cg.ReadMemoryUsage(); err == nil {
		result.PeakMemory = peak
	}
	if kills, err := cg.OOMKillCount(); err == nil && kills > 0 {
		result.OOMKilled = true
	}

	classifyOutcome(&result, waitErr, watchdog.firedReason())
	return result, nil
}

func mustVersion() rbcgroups.Version {
	v, err := rbcgroups.DetectVersion()
	if err != nil {
		return rbcgroups.V1
	}
	return v
}

// overlaySizeMB sizes the run's private tmpfs at 100% of its memory
// limit, converted from bytes.
func overlaySizeMB(memoryBytes int64) int {
	return int(memoryBytes / (1024 * 1024))
}

// applyFileSizeLimit enforces ResourceLimits.file_bytes via RLIMIT_FSIZE,
// applied post-Start since os/exec's SysProcAttr has no rlimit field of
// its own: the kernel delivers SIGXFSZ (which the process's default
// disposition turns into a fatal signal) the moment a write would cross
// the limit.
func applyFileSizeLimit(pid int, fileBytes int64) error {
	limit := &unix.Rlimit{Cur: uint64(fileBytes), Max: uint64(fileBytes)}
	return unix.Prlimit(pid, unix.RLIMIT_FSIZE, limit, nil)
}

// watchdogReason names which limit, if any, fired.
type watchdogReason int

const (
	reasonNone watchdogReason = iota
	reasonWallTimeout
	reasonCPUTimeout
)

type watchdog struct {
	stopCh chan struct{}
	fired  chan watchdogReason
}

func newWatchdog(cmd *exec.Cmd, wallSeconds, cpuSeconds float64, cg *rbcgroups.Handle) *watchdog {
	w := &watchdog{stopCh: make(chan struct{}), fired: make(chan watchdogReason, 1)}
	if wallSeconds <= 0 && cpuSeconds <= 0 {
		return w
	}

	go func() {
		var wallTimer, cpuPoll <-chan time.Time
		if wallSeconds > 0 {
			t := time.NewTimer(time.Duration(wallSeconds * float64(time.Second)))
			defer t.Stop()
			wallTimer = t.C
		}
		if cpuSeconds > 0 {
			t := time.NewTicker(time.Second)
			defer t.Stop()
			cpuPoll = t.C
		}
		for {
			select {
			case <-w.stopCh:
				return
			case <-wallTimer:
				w.kill(cmd, cg, reasonWallTimeout)
				return
			case <-cpuPoll:
				used, err := cg.CPUUsage()
				if err == nil && float64(used)/float64(time.Second) >= cpuSeconds {
					w.kill(cmd, cg, reasonCPUTimeout)
					return
				}
			}
		}
	}()
	return w
}

// kill records reason, sends SIGTERM to the process group, waits a grace
// period (cut short if the run ends first), then sends SIGKILL to the
// process group. It uses no cgroup freezer, so a descendant that has left
// the process group is not reached by either signal.
func (w *watchdog) kill(cmd *exec.Cmd, cg *rbcgroups.Handle, reason watchdogReason) {
	w.fired <- reason
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	select {
	case <-w.stopCh:
	case <-time.After(termGracePeriod):
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
}

func (w *watchdog) stop() {
	close(w.stopCh)
}

func (w *watchdog) firedReason() watchdogReason {
	select {
	case r := <-w.fired:
		return r
	default:
		return reasonNone
	}
}

func classifyOutcome(result *RunResult, waitErr error, reason watchdogReason) {
	switch reason {
	case reasonWallTimeout:
		result.Outcome = rberrors.ToolTimeout
		return
	case reasonCPUTimeout:
		result.Outcome = rberrors.ToolTimeout
		return
	}
	if result.OOMKilled {
		result.Outcome = rberrors.ToolOutOfMemory
		return
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			if status.Signal() == syscall.SIGXFSZ {
				result.Outcome = rberrors.ToolFileLimitExceeded
				result.Signal = status.Signal().String()
				return
			}
			result.Outcome = rberrors.ToolSignaled
			result.Signal = status.Signal().String()
			return
		}
		result.Outcome = rberrors.ToolExited
		result.ExitCode = exitErr.ExitCode()
		return
	}
	result.Outcome = rberrors.ToolExited
	if waitErr == nil {
		result.ExitCode = 0
	}
}
