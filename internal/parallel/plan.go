// Package parallel runs one load child process per primary endpoint and sums
// the summary lines they print.
package parallel

import (
	"math"
	"strconv"
	"strings"

	"github.com/gateway-fm/txload/internal/config"
)

// Child is the launch plan of one child process.
type Child struct {
	Index         int
	Endpoint      string // Primary endpoint
	TargetTPS     float64
	Workers       int
	AccountOffset int

	// Env holds KEY=VALUE overrides on top of the parent environment,
	// later entries winning.
	Env []string
}

// EvenSplit divides total into parts, giving the remainder to the first parts.
func EvenSplit(total, parts int) []int {
	if parts <= 0 {
		return nil
	}
	out := make([]int, parts)
	base := total / parts
	rem := total - base*parts
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}

// LookupEnv reads a parent environment variable.
type LookupEnv func(key string) (string, bool)

// Plan computes the per-child settings. Children inherit the full endpoint
// list for failover, start on their own endpoint via URL_OFFSET, and use
// disjoint key ranges via ACCOUNT_OFFSET.
func Plan(cfg *config.ParallelConfig, lookup LookupEnv) []Child {
	n := len(cfg.Nodes)
	if n == 0 {
		return nil
	}
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}

	tps := make([]float64, n)
	switch {
	case cfg.PerNodeTPS > 0:
		for i := range tps {
			tps[i] = cfg.PerNodeTPS
		}
	case cfg.TotalTPS > 0:
		for i, v := range EvenSplit(int(math.Round(cfg.TotalTPS)), n) {
			tps[i] = float64(v)
		}
	}

	var workers []int
	switch {
	case cfg.PerNodeWorkers > 0:
		workers = make([]int, n)
		for i := range workers {
			workers[i] = cfg.PerNodeWorkers
		}
	case cfg.TotalWorkers > 0:
		workers = EvenSplit(cfg.TotalWorkers, n)
	default:
		workers = make([]int, n)
		for i := range workers {
			workers[i] = config.DefaultWorkersPerNode
		}
	}

	totalWorkers := 0
	for _, w := range workers {
		totalWorkers += w
	}

	inherit := func(key, def string) string {
		if v, ok := lookup(key); ok {
			return v
		}
		return def
	}
	extra := ParseExtraEnv(cfg.ExtraEnv)
	allNodes := strings.Join(cfg.Nodes, ",")
	duration := strconv.FormatFloat(cfg.Duration.Seconds(), 'f', -1, 64)

	children := make([]Child, n)
	offset := 0
	for i := range children {
		fundWorkers, fundTopN := "0", "0"
		if i == 0 {
			// Child 0 funds the accounts of every child.
			fundWorkers, fundTopN = "1", strconv.Itoa(totalWorkers)
		}

		c := Child{
			Index:         i,
			Endpoint:      cfg.Nodes[i],
			TargetTPS:     tps[i],
			Workers:       workers[i],
			AccountOffset: offset,
		}
		c.Env = []string{
			"TARGET_TPS=" + strconv.FormatFloat(tps[i], 'f', -1, 64),
			"WORKERS=" + strconv.Itoa(workers[i]),
			"DURATION_SEC=" + duration,
			"RPC_URLS=" + allNodes,
			"ONLY_HTTP=1",
			"USE_RAW_SEND=1",
			"BURST_MULTIPLIER=" + inherit("BURST_MULTIPLIER", "1"),
			"FUND_WORKERS=" + inherit("FUND_WORKERS", fundWorkers),
			"FUND_TOP_N=" + inherit("FUND_TOP_N", fundTopN),
			"FUND_WAIT=" + inherit("FUND_WAIT", "1"),
			"URL_OFFSET=" + strconv.Itoa(i),
			"ACCOUNT_OFFSET=" + strconv.Itoa(offset),
		}
		c.Env = append(c.Env, extra...)

		children[i] = c
		offset += workers[i]
	}
	return children
}

// ParseExtraEnv splits "K=V K2=V2" into KEY=VALUE entries, dropping items
// without a key.
func ParseExtraEnv(s string) []string {
	var out []string
	for _, kv := range strings.Fields(s) {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			out = append(out, kv)
		}
	}
	return out
}
