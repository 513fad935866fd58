// Command runbench discovers the machine's CPU topology, partitions it
// into per-worker core bundles, and runs a set of benchmark commands
// under isolated, resource-limited containers.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	logger "github.com/sosy-lab/benchexec-sub002/pkg/log"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/config"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/cpualloc"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/hierarchy"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/membank"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/pool"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/sandbox"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/supervisor"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/sysfs"
	"github.com/sosy-lab/benchexec-sub002/pkg/version"
)

var log = logger.NewLogger("runbench")

func main() {
	// A re-exec'd sandbox child carries a hidden marker in os.Args[1];
	// it must be detected and dispatched before any normal flag parsing
	// or config loading runs, since this invocation isn't a real
	// runbench session, it's the second half of one run's container
	// setup (see package sandbox's doc comment).
	if sandbox.IsReexec(os.Args) {
		if err := sandbox.RunInit(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "runbench: sandbox init failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	flags := config.RegisterFlags()
	flag.Parse()

	if flags.ConfigPath == "" {
		fmt.Fprintln(os.Stderr, "runbench: -config is required")
		os.Exit(2)
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatal("loading configuration: %v", err)
	}
	flags.Apply(cfg)

	version.PrintVersionInfo()

	if err := run(cfg); err != nil {
		if _, fatal := err.(*rberrors.InterruptedError); fatal {
			log.Warn("stopped early: %v", err)
			os.Exit(0)
		}
		log.Error("run failed: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.BenchmarkConfig) error {
	cores := cfg.ExplicitCores
	if len(cores) == 0 {
		n := runtime.NumCPU()
		cores = make([]int, n)
		for i := range cores {
			cores[i] = i
		}
	}

	freqs, err := sysfs.ReadMaxFrequency(cores)
	if err != nil {
		return err
	}
	cores = sysfs.FilterByFrequency(cores, freqs, 0.05)

	topo, err := sysfs.Discover(cores)
	if err != nil {
		return err
	}
	printSystemInfo(topo)

	h, err := hierarchy.Build(topo)
	if err != nil {
		return err
	}
	if err := h.Validate(); err != nil {
		return err
	}

	dirModes, err := cfg.ResolvedDirModes()
	if err != nil {
		return err
	}

	for _, runSet := range cfg.RunSets {
		log.Info("starting run set %q (%d runs)", runSet.Name, len(runSet.Runs))

		bundles, err := cpualloc.Allocate(h, cpualloc.Options{
			CoreLimit:         cfg.CoreLimit,
			Workers:           cfg.Workers,
			UseHyperthreading: cfg.UseHyperthreading,
			MinCores:          cfg.MinCores,
		})
		if err != nil {
			return err
		}

		allowed, err := membank.AllowedBanks()
		if err != nil {
			return err
		}
		cores2D := make([][]int, len(bundles))
		for i, b := range bundles {
			cores2D[i] = b.Cores
		}
		banks, err := membank.AssignBanks(cores2D, allowed)
		if err != nil {
			return err
		}

		if err := membank.VerifyMemorySize(runSet.MemoryBytes, cfg.Workers, banks, nil); err != nil {
			return err
		}

		reqs := buildRequests(runSet, bundles, banks, cfg, dirModes)

		p := pool.New(cfg.Workers)
		results, err := p.Run(reqs)
		reportResults(runSet.Name, results)
		if err != nil {
			return err
		}
	}
	return nil
}

func buildRequests(runSet config.RunSet, bundles []cpualloc.Bundle, banks []membank.Assignment, cfg *config.BenchmarkConfig, dirModes sandbox.DirModePolicy) []supervisor.RunRequest {
	reqs := make([]supervisor.RunRequest, 0, len(runSet.Runs))
	for i, run := range runSet.Runs {
		bundle := bundles[i%len(bundles)]
		var mems membank.Assignment
		if banks != nil {
			mems = banks[i%len(banks)]
		}
		reqs = append(reqs, supervisor.RunRequest{
			ID:          run.ID,
			Command:     run.Command,
			WallSeconds: runSet.WallLimit.Seconds(),
			CPUSeconds:  runSet.CPULimit.Seconds(),
			MemoryBytes: runSet.MemoryBytes,
			FileBytes:   runSet.FileBytes,
			FileCount:   runSet.FileCount,
			Cores:       bundle.Cores,
			Mems:        mems,
			Network:     cfg.AllowNetwork,
			DirModes:    dirModes,
		})
	}
	return reqs
}

func printSystemInfo(topo *sysfs.Topology) {
	log.Info("system info: %d core(s), %d NUMA node(s)", len(topo.Cores), len(topo.NUMANodes))
}

func reportResults(runSetName string, results []supervisor.RunResult) {
	for _, r := range results {
		log.Info("run set %q run %s: %s", runSetName, r.ID, r.Outcome)
	}
}
