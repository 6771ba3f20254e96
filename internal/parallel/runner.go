package parallel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/txload/internal/config"
	"github.com/gateway-fm/txload/internal/metrics"
)

const (
	// maxLineSize bounds a single child output line.
	maxLineSize = 1 << 20

	// stopWait is how long a cancelled child may take to print its
	// summary before it is killed.
	stopWait = 10 * time.Second
)

// Launcher starts one child and blocks until it exits. err is non-nil only
// when the child could not be started; a non-zero exit is reported in code.
type Launcher interface {
	Launch(ctx context.Context, c Child, stdout, stderr io.Writer) (code int, err error)
}

// ExecLauncher re-executes a binary with the child's environment.
type ExecLauncher struct {
	Path string   // default: os.Executable()
	Args []string // default: ["run"]
}

// Launch runs the child process.
func (l *ExecLauncher) Launch(ctx context.Context, c Child, stdout, stderr io.Writer) (int, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return -1, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}
	args := l.Args
	if args == nil {
		args = []string{"run"}
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopWait

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start node %d: %w", c.Index, err)
	}
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// NodeResult is the outcome of one child.
type NodeResult struct {
	Index    int
	Endpoint string
	Summary  metrics.Summary
	Reported bool // A summary line was seen
	ExitCode int
}

// Result is the aggregate of a parallel run.
type Result struct {
	Nodes     []NodeResult
	Total     metrics.Summary
	ApproxTPS float64 // Succeeded per second of configured duration
}

// Options configures a Runner.
type Options struct {
	Config   *config.ParallelConfig
	Launcher Launcher  // default: &ExecLauncher{}
	Lookup   LookupEnv // default: os.LookupEnv
	Out      io.Writer // default: os.Stdout
	Logger   *slog.Logger
}

// Runner launches and aggregates the children of a parallel run.
type Runner struct {
	cfg      *config.ParallelConfig
	launcher Launcher
	lookup   LookupEnv
	out      io.Writer
	logger   *slog.Logger

	outMu   sync.Mutex
	mu      sync.Mutex
	results []NodeResult
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Config == nil {
		return nil, errors.New("parallel: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:      opts.Config,
		launcher: opts.Launcher,
		lookup:   opts.Lookup,
		out:      opts.Out,
		logger:   opts.Logger,
	}
	if r.launcher == nil {
		r.launcher = &ExecLauncher{}
	}
	if r.lookup == nil {
		r.lookup = os.LookupEnv
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

func (r *Runner) println(line string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintln(r.out, line)
}

// Run launches child 0, waits the funding delay, launches the rest and
// waits for all of them. Children that fail to start or never print a
// summary contribute zero. The returned error joins start failures; the
// summary is printed regardless.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	children := Plan(r.cfg, r.lookup)

	r.println(fmt.Sprintf("Parallel load start: duration=%gs nodes=%d", r.cfg.Duration.Seconds(), len(children)))
	r.println("Per-node plan:")
	for _, c := range children {
		r.println(fmt.Sprintf("  [%d] endpoint=%s TARGET_TPS=%s WORKERS=%d",
			c.Index, c.Endpoint, strconv.FormatFloat(c.TargetTPS, 'f', -1, 64), c.Workers))
	}

	r.results = make([]NodeResult, len(children))
	for i, c := range children {
		r.results[i] = NodeResult{Index: c.Index, Endpoint: c.Endpoint}
	}

	var g errgroup.Group
	var startErrs []error
	var errMu sync.Mutex
	launch := func(c Child) {
		g.Go(func() error {
			if err := r.runChild(ctx, c); err != nil {
				r.logger.Error("child failed to start", slog.Int("node", c.Index), slog.String("error", err.Error()))
				errMu.Lock()
				startErrs = append(startErrs, err)
				errMu.Unlock()
			}
			return nil
		})
	}

	launch(children[0])
	if len(children) > 1 {
		timer := time.NewTimer(r.cfg.FundLaunchDelay)
		select {
		case <-timer.C:
			for _, c := range children[1:] {
				launch(c)
			}
		case <-ctx.Done():
			timer.Stop()
		}
	}
	_ = g.Wait()

	res := r.aggregate()
	r.println("==== Parallel summary ====")
	for _, n := range res.Nodes {
		if n.Reported {
			r.println(fmt.Sprintf("node%d: %s", n.Index, n.Summary.Counts()))
		}
	}
	r.println("TOTAL: " + res.Total.Counts())
	r.println(fmt.Sprintf("Approx TPS (succ/duration): %.2f", res.ApproxTPS))

	return res, errors.Join(startErrs...)
}

func (r *Runner) runChild(ctx context.Context, c Child) error {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		r.scan(c.Index, outR, fmt.Sprintf("[node %d]", c.Index))
	}()
	go func() {
		defer scanners.Done()
		r.scan(c.Index, errR, fmt.Sprintf("[node %d ERR]", c.Index))
	}()

	code, err := r.launcher.Launch(ctx, c, outW, errW)
	outW.Close()
	errW.Close()
	scanners.Wait()

	if err != nil {
		return err
	}

	r.mu.Lock()
	r.results[c.Index].ExitCode = code
	r.mu.Unlock()
	r.println(fmt.Sprintf("[node %d] exited code=%d", c.Index, code))
	return nil
}

// scan prefixes and echoes child output and records its summary line. The
// last summary seen wins.
func (r *Runner) scan(index int, src io.Reader, prefix string) {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if sum, ok := metrics.ParseSummary(line); ok {
			r.mu.Lock()
			r.results[index].Summary = sum
			r.results[index].Reported = true
			r.mu.Unlock()
		}
		r.println(prefix + " " + line)
	}
	if err := sc.Err(); err != nil {
		r.logger.Warn("child output unreadable", slog.Int("node", index), slog.String("error", err.Error()))
		// Keep the child from blocking on a full pipe.
		_, _ = io.Copy(io.Discard, src)
	}
}

func (r *Runner) aggregate() *Result {
	r.mu.Lock()
	nodes := make([]NodeResult, len(r.results))
	copy(nodes, r.results)
	r.mu.Unlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })

	res := &Result{Nodes: nodes}
	for _, n := range nodes {
		if !n.Reported {
			r.logger.Warn("child printed no summary", slog.Int("node", n.Index), slog.String("endpoint", n.Endpoint))
			continue
		}
		res.Total = res.Total.Add(n.Summary)
	}
	if secs := r.cfg.Duration.Seconds(); secs > 0 {
		res.ApproxTPS = float64(res.Total.Succeeded) / secs
	}
	return res
}
