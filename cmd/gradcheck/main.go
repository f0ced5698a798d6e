// Package main provides gradcheck, a command that compiles a grouped
// convolution loss with its first two derivatives and checks the compiled
// gradients against the eager graph.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"

	"github.com/born-ml/autograd/internal/autograd"
	"github.com/born-ml/autograd/internal/autograd/functions"
	"github.com/born-ml/autograd/internal/backend/cpu"
	"github.com/born-ml/autograd/internal/config"
	"github.com/born-ml/autograd/internal/ctxlog"
	"github.com/born-ml/autograd/internal/jit"
	"github.com/born-ml/autograd/internal/parallel"
	"github.com/born-ml/autograd/internal/tensor"
)

const version = "v0.1.0-dev"

// ExitError is an error carrying the process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the parsed command-line flags.
type options struct {
	configPath string
	seed       int64
	groups     int
	tolerance  float64
}

func parseFlags(args []string, out io.Writer) (*options, bool, error) {
	flagSet := flag.NewFlagSet("gradcheck", flag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.Usage = func() {
		fmt.Fprint(out, `
gradcheck - compare compiled and eager convolution gradients.

Usage:
  gradcheck [options]
  gradcheck version

Options:
`)
		flagSet.PrintDefaults()
	}

	opts := &options{}
	flagSet.StringVar(&opts.configPath, "config", "", "Path to an HCL configuration file.")
	flagSet.Int64Var(&opts.seed, "seed", 1, "Seed for the random inputs.")
	flagSet.IntVar(&opts.groups, "groups", 2, "Number of convolution groups (must divide 4).")
	flagSet.Float64Var(&opts.tolerance, "tolerance", 1e-8, "Maximum allowed absolute difference.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if flagSet.NArg() == 1 && flagSet.Arg(0) == "version" {
		fmt.Fprintf(out, "gradcheck %s\n", version)
		return nil, true, nil
	}
	if flagSet.NArg() > 0 {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected argument %q", flagSet.Arg(0))}
	}
	if opts.groups < 1 || 4%opts.groups != 0 {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("invalid groups %d: must divide 4", opts.groups)}
	}
	return opts, false, nil
}

func run(ctx context.Context, out, errOut io.Writer, args []string) error {
	opts, shouldExit, err := parseFlags(args, out)
	if err != nil || shouldExit {
		return err
	}

	cfg := config.Default()
	if opts.configPath != "" {
		if cfg, err = config.Load(ctx, opts.configPath); err != nil {
			return &ExitError{Code: 2, Message: err.Error()}
		}
	}

	logger := ctxlog.New(cfg.Logging.Level, cfg.Logging.Format, errOut)
	ctx = ctxlog.WithLogger(ctx, logger)

	backend := cpu.NewWithConfig(parallel.DefaultConfig().WithWorkers(cfg.Backend.Workers, 1))
	ctx = autograd.WithGraph(ctx, autograd.NewGraph(backend))
	engine := autograd.NewEngine(autograd.Config{Workers: cfg.Engine.Workers})
	logger.Info("Starting gradient check.", "engine_workers", engine.Workers(), "groups", opts.groups, "seed", opts.seed)

	c := newCheck(opts, engine)
	c.retain = cfg.Engine.RetainGraph
	res, err := c.compare(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "first order:  max abs diff %.3g\n", res.first)
	fmt.Fprintf(out, "second order: max abs diff %.3g\n", res.second)

	if cfg.Trace.Enabled {
		if err := writeTrace(out, cfg.Trace.Output, res.factory); err != nil {
			return err
		}
	}

	if worst := math.Max(res.first, res.second); worst > opts.tolerance {
		return &ExitError{Code: 1, Message: fmt.Sprintf("gradient mismatch %.3g exceeds tolerance %.3g", worst, opts.tolerance)}
	}
	logger.Info("Gradient check passed.")
	return nil
}

func writeTrace(out io.Writer, path string, f *jit.FunctionFactory) error {
	if path == "" {
		fmt.Fprint(out, f.Trace().String())
		return nil
	}
	if err := os.WriteFile(path, f.Trace().Marshal(), 0o644); err != nil {
		return fmt.Errorf("writing trace: %w", err)
	}
	fmt.Fprintf(out, "trace written to %s\n", path)
	return nil
}

// check holds the random problem: a grouped convolution with loss
// sum(conv(x, w, b)^2).
type check struct {
	engine *autograd.Engine
	retain bool
	params functions.ConvParams
	x      []float64
	w      []float64
	b      []float64
}

var (
	inputShape = tensor.Shape{1, 4, 6, 6}
	kernelSize = 3
	biasShape  = tensor.Shape{4}
)

func newCheck(opts *options, engine *autograd.Engine) *check {
	rng := rand.New(rand.NewSource(opts.seed))
	rnd := func(shape tensor.Shape) []float64 {
		vals := make([]float64, shape.NumElements())
		for i := range vals {
			vals[i] = rng.Float64()*2 - 1
		}
		return vals
	}
	c := &check{
		engine: engine,
		params: functions.Conv2DParams(1, 1, 1, opts.groups),
	}
	c.x = rnd(inputShape)
	c.w = rnd(c.weightShape())
	c.b = rnd(biasShape)
	return c
}

func (c *check) weightShape() tensor.Shape {
	return tensor.Shape{biasShape[0], inputShape[1] / c.params.Groups, kernelSize, kernelSize}
}

func (c *check) inputs() ([]*autograd.Variable, error) {
	shapes := []tensor.Shape{inputShape, c.weightShape(), biasShape}
	vals := [][]float64{c.x, c.w, c.b}
	vars := make([]*autograd.Variable, len(vals))
	for i := range vals {
		raw, err := tensor.FromFloat64(append([]float64(nil), vals[i]...), shapes[i])
		if err != nil {
			return nil, err
		}
		vars[i] = autograd.NewVariable(raw, true)
	}
	return vars, nil
}

func (c *check) loss(ctx context.Context, in []*autograd.Variable) ([]*autograd.Variable, error) {
	y, err := functions.Conv(ctx, in[0], in[1], in[2], c.params)
	if err != nil {
		return nil, err
	}
	return sumOfSquares(ctx, y)
}

func sumOfSquares(ctx context.Context, v *autograd.Variable) ([]*autograd.Variable, error) {
	sq, err := autograd.Mul(ctx, v, v)
	if err != nil {
		return nil, err
	}
	s, err := autograd.Sum(ctx, sq)
	return []*autograd.Variable{s}, err
}

// derivatives returns the gradients of the loss with respect to every input
// and the gradient of sum(dloss/dx ^ 2) with respect to the weight.
func (c *check) derivatives(ctx context.Context, in, out []*autograd.Variable) (first []*autograd.Variable, second *autograd.Variable, err error) {
	first, err = c.engine.Grad(ctx, out, nil, in, autograd.Options{CreateGraph: true})
	if err != nil {
		return nil, nil, fmt.Errorf("first order: %w", err)
	}
	penalty, err := sumOfSquares(ctx, first[0])
	if err != nil {
		return nil, nil, err
	}
	grads, err := c.engine.Grad(ctx, penalty, nil, in[1:2], autograd.Options{RetainGraph: c.retain})
	if err != nil {
		return nil, nil, fmt.Errorf("second order: %w", err)
	}
	return first, grads[0], nil
}

type report struct {
	factory *jit.FunctionFactory
	first   float64
	second  float64
}

func (c *check) compare(ctx context.Context) (*report, error) {
	examples, err := c.inputs()
	if err != nil {
		return nil, err
	}
	factory, err := jit.Compile(ctx, c.engine, c.loss, examples, 2)
	if err != nil {
		return nil, fmt.Errorf("compiling: %w", err)
	}

	compiledIn, err := c.inputs()
	if err != nil {
		return nil, err
	}
	compiledOut, err := factory.Construct(ctx).Apply(ctx, compiledIn)
	if err != nil {
		return nil, fmt.Errorf("compiled forward: %w", err)
	}
	compiledFirst, compiledSecond, err := c.derivatives(ctx, compiledIn, compiledOut)
	if err != nil {
		return nil, fmt.Errorf("compiled %w", err)
	}

	eagerIn, err := c.inputs()
	if err != nil {
		return nil, err
	}
	eagerOut, err := c.loss(ctx, eagerIn)
	if err != nil {
		return nil, fmt.Errorf("eager forward: %w", err)
	}
	eagerFirst, eagerSecond, err := c.derivatives(ctx, eagerIn, eagerOut)
	if err != nil {
		return nil, fmt.Errorf("eager %w", err)
	}

	r := &report{factory: factory}
	for i := range eagerFirst {
		r.first = math.Max(r.first, maxAbsDiff(eagerFirst[i], compiledFirst[i]))
	}
	r.second = maxAbsDiff(eagerSecond, compiledSecond)
	return r, nil
}

func maxAbsDiff(a, b *autograd.Variable) float64 {
	if a == nil || b == nil {
		if a == b {
			return 0
		}
		return math.Inf(1)
	}
	av, bv := a.Data().Float64s(), b.Data().Float64s()
	if len(av) != len(bv) {
		return math.Inf(1)
	}
	worst := 0.0
	for i := range av {
		worst = math.Max(worst, math.Abs(av[i]-bv[i]))
	}
	return worst
}
