package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Parallel defaults
const (
	DefaultParallelNodes   = "http://127.0.0.1:8545,http://127.0.0.1:8547,http://127.0.0.1:8548"
	DefaultWorkersPerNode  = 8
	DefaultFundLaunchDelay = 4 * time.Second
)

// ParallelConfig holds the settings of a multi-process run. Everything not
// listed here is inherited by the children from the environment.
type ParallelConfig struct {
	Nodes    []string
	Duration time.Duration

	TotalTPS       float64
	PerNodeTPS     float64 // Overrides the TotalTPS split when > 0
	TotalWorkers   int     // 0 = DefaultWorkersPerNode per node
	PerNodeWorkers int     // Overrides the TotalWorkers split when > 0

	FundLaunchDelay time.Duration
	ExtraEnv        string // Space separated KEY=VALUE pairs applied last
}

var parallelOptions = []option{
	{key: "nodes", flag: "nodes", def: DefaultParallelNodes, usage: "Comma separated primary endpoints, one child per endpoint", env: []string{"ENDPOINTS"}},
	{key: "duration_sec", flag: "duration", def: DefaultDuration.Seconds(), usage: "Run duration in seconds"},
	{key: "total_tps", flag: "total-tps", def: float64(0), usage: "Total submission rate split across children (0 = unlimited)", env: []string{"TOTAL_TARGET_TPS"}},
	{key: "per_node_target_tps", flag: "per-node-tps", def: float64(0), usage: "Submission rate of every child"},
	{key: "total_workers", flag: "total-workers", def: 0, usage: "Total workers split across children (0 = 8 per child)"},
	{key: "per_node_workers", flag: "per-node-workers", def: 0, usage: "Workers of every child"},
	{key: "fund_launch_delay_ms", flag: "fund-delay", def: int(DefaultFundLaunchDelay / time.Millisecond), usage: "Delay before launching children after the funding child, in milliseconds"},
	{key: "extra_env", flag: "extra-env", def: "", usage: "Extra KEY=VALUE pairs passed to every child"},
}

// BindParallelFlags registers the parallel flags on fs.
func BindParallelFlags(fs *pflag.FlagSet) {
	bindFlags(fs, parallelOptions)
}

// NewParallelViper returns a viper instance with parallel flags,
// environment and defaults bound.
func NewParallelViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	return newViper(fs, parallelOptions)
}

// LoadParallel resolves a parallel configuration from v and validates it.
func LoadParallel(v *viper.Viper) (*ParallelConfig, error) {
	cfg := &ParallelConfig{
		Nodes:           SplitList(v.GetString("nodes")),
		Duration:        seconds(v, "duration_sec"),
		TotalTPS:        v.GetFloat64("total_tps"),
		PerNodeTPS:      v.GetFloat64("per_node_target_tps"),
		TotalWorkers:    v.GetInt("total_workers"),
		PerNodeWorkers:  v.GetInt("per_node_workers"),
		FundLaunchDelay: time.Duration(v.GetInt("fund_launch_delay_ms")) * time.Millisecond,
		ExtraEnv:        v.GetString("extra_env"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *ParallelConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return ErrNoEndpoints
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if c.TotalTPS < 0 || c.PerNodeTPS < 0 {
		return fmt.Errorf("target TPS cannot be negative")
	}
	if c.TotalWorkers < 0 || c.PerNodeWorkers < 0 {
		return fmt.Errorf("worker counts cannot be negative")
	}
	if c.FundLaunchDelay < 0 {
		return fmt.Errorf("fund launch delay cannot be negative")
	}
	return nil
}
