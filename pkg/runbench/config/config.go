// Package config loads the static configuration a runbench invocation
// needs: worker count, hyper-threading policy, per-run limits, the
// dir-mode policy, and the list of run sets to execute. Configuration is
// read once at startup from a YAML file (sigs.k8s.io/yaml, so JSON
// config files work too) and may be overridden by command-line flags;
// unlike the teacher's dynamic pkg/config, there is no running-system
// reconfiguration to support here.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/sandbox"
)

// RunRequest describes a single tool invocation before core/bank
// assignment, as read from the run-set definition.
type RunRequest struct {
	ID      string   `json:"id"`
	Command []string `json:"command"`
}

// RunSet groups RunRequests that share the same limits.
type RunSet struct {
	Name        string       `json:"name"`
	Runs        []RunRequest `json:"runs"`
	WallLimit   Duration     `json:"wallLimit,omitempty"`
	CPULimit    Duration     `json:"cpuLimit,omitempty"`
	MemoryBytes int64        `json:"memoryBytes"`
	FileBytes   int64        `json:"fileBytes,omitempty"`
	FileCount   int64        `json:"fileCount,omitempty"`
}

// BenchmarkConfig is the full static configuration for one pool run.
type BenchmarkConfig struct {
	Workers           int                    `json:"workers"`
	CoreLimit         int                    `json:"coreLimit"`
	MinCores          int                    `json:"minCores,omitempty"`
	UseHyperthreading bool                   `json:"useHyperthreading"`
	ExplicitCores     []int                  `json:"explicitCores,omitempty"`
	AllowNetwork      bool                   `json:"allowNetwork"`
	SystemConfig      bool                   `json:"systemConfig"`
	DirModes          map[string]string      `json:"dirModes,omitempty"`
	RunSets           []RunSet               `json:"runSets"`
}

// ResolvedDirModes converts the config file's string-keyed dir-mode
// policy into sandbox.DirModePolicy, rejecting unknown mode names up
// front rather than deep inside sandbox setup.
func (c *BenchmarkConfig) ResolvedDirModes() (sandbox.DirModePolicy, error) {
	policy := make(sandbox.DirModePolicy, len(c.DirModes))
	for path, name := range c.DirModes {
		mode, err := parseDirMode(name)
		if err != nil {
			return nil, errors.Wrapf(err, "dir mode for %q", path)
		}
		policy[path] = mode
	}
	return policy, nil
}

func parseDirMode(name string) (sandbox.DirMode, error) {
	switch name {
	case "hidden":
		return sandbox.Hidden, nil
	case "read-only":
		return sandbox.ReadOnly, nil
	case "overlay":
		return sandbox.Overlay, nil
	case "full":
		return sandbox.Full, nil
	default:
		return 0, fmt.Errorf("unknown dir mode %q", name)
	}
}

// Load reads and parses a BenchmarkConfig from path.
func Load(path string) (*BenchmarkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	var cfg BenchmarkConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	return &cfg, nil
}

// Flags holds the command-line overrides registered by RegisterFlags.
type Flags struct {
	ConfigPath string
	Workers    int
	CoreLimit  int
	MinCores   int
	HT         bool
	Network    bool
}

// RegisterFlags wires the subset of BenchmarkConfig a user typically
// wants to override per invocation onto the standard flag package, the
// same flag.Var/flag.IntVar idiom pkg/log uses for its own options.
func RegisterFlags() *Flags {
	f := &Flags{}
	flag.StringVar(&f.ConfigPath, "config", "", "path to a benchmark run-set configuration file")
	flag.IntVar(&f.Workers, "workers", 0, "override the configured worker count (0: use config file value)")
	flag.IntVar(&f.CoreLimit, "core-limit", 0, "override the configured per-run core count (0: use config file value)")
	flag.IntVar(&f.MinCores, "min-cores", 0, "override the configured minimum per-run core count (0: use config file value)")
	flag.BoolVar(&f.HT, "hyperthreading", false, "allow runs to use both threads of a physical core")
	flag.BoolVar(&f.Network, "network", false, "allow runs network access")
	return f
}

// Apply merges non-zero flag overrides into cfg.
func (f *Flags) Apply(cfg *BenchmarkConfig) {
	if f.Workers > 0 {
		cfg.Workers = f.Workers
	}
	if f.CoreLimit > 0 {
		cfg.CoreLimit = f.CoreLimit
	}
	if f.MinCores > 0 {
		cfg.MinCores = f.MinCores
	}
	if f.HT {
		cfg.UseHyperthreading = true
	}
	if f.Network {
		cfg.AllowNetwork = true
	}
}
