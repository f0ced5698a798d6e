package autograd

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/autograd/internal/ctxlog"
	"github.com/born-ml/autograd/internal/tensor"
	"github.com/born-ml/autograd/internal/trace"
)

const tracerName = "github.com/born-ml/autograd"

// Options control a backward pass.
type Options struct {
	// RetainGraph keeps saved buffers so the graph can be traversed again.
	RetainGraph bool

	// CreateGraph records the backward computation itself, making the
	// resulting gradients differentiable. It implies RetainGraph.
	CreateGraph bool

	// AllowUnused lets Grad return undefined gradients for inputs the
	// outputs do not depend on.
	AllowUnused bool
}

func (o Options) keepGraph() bool {
	return o.RetainGraph || o.CreateGraph
}

// Config configures an Engine.
type Config struct {
	// Workers is the size of the worker pool. Values below 1 use GOMAXPROCS.
	Workers int
}

// Engine executes backward passes over the graph.
type Engine struct {
	workers int
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	workers := cfg.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{workers: workers}
}

// Workers returns the worker pool size.
func (e *Engine) Workers() int {
	return e.workers
}

// Backward computes the gradients of roots and accumulates them into the
// .Grad() of every reachable leaf that requires grad. grads holds one seed
// per root; nil (or a nil entry) seeds with ones.
func (e *Engine) Backward(ctx context.Context, roots, grads []*Variable, opts Options) error {
	_, err := e.run(ctx, "autograd.Engine.Backward", "backward", roots, grads, nil, opts)
	return err
}

// Grad computes the gradients of outputs with respect to inputs and returns
// them without touching any .Grad(). Accumulators are never executed.
func (e *Engine) Grad(ctx context.Context, outputs, grads, inputs []*Variable, opts Options) ([]*Variable, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: grad requires at least one input", ErrInvalidArgument)
	}
	targets := make([]Edge, len(inputs))
	for i, in := range inputs {
		if !in.RequiresGrad() {
			return nil, fmt.Errorf("%w: One of the differentiated Tensors does not require grad (input %d)", ErrInvalidArgument, i)
		}
		targets[i] = in.GradientEdge()
	}

	captured, err := e.run(ctx, "autograd.Engine.Grad", "grad", outputs, grads, targets, opts)
	if err != nil {
		return nil, err
	}

	result := make([]*Variable, len(inputs))
	for i, t := range targets {
		result[i] = captured[t]
		if result[i] == nil && !opts.AllowUnused {
			return nil, fmt.Errorf("%w: One of the differentiated Tensors appears to not have been used in the graph. "+
				"Set allow_unused=True if this is the desired behavior (input %d)", ErrInvalidArgument, i)
		}
	}
	return result, nil
}

func (e *Engine) run(
	ctx context.Context,
	spanName, mode string,
	roots, grads []*Variable,
	targets []Edge,
	opts Options,
) (map[Edge]*Variable, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName,
		oteltrace.WithAttributes(
			attribute.Int("roots", len(roots)),
			attribute.Int("targets", len(targets)),
			attribute.Bool("create_graph", opts.CreateGraph),
			attribute.Bool("retain_graph", opts.keepGraph()),
		),
	)
	defer span.End()

	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	backwardPassesTotal.WithLabelValues(mode).Inc()

	task, err := newGraphTask(ctx, roots, grads, targets, opts)
	if err == nil {
		span.SetAttributes(attribute.Int("nodes", task.toRun))
		err = e.execute(ctx, task)
	}
	backwardPassDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	if err != nil {
		backwardFailuresTotal.WithLabelValues(mode).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "backward pass failed")
		logger.Error("Backward pass failed.", "mode", mode, "error", err)
		return nil, err
	}

	captured, err := task.collectCaptures(WithGradMode(ctx, opts.CreateGraph))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gradient capture failed")
		return nil, err
	}
	logger.Debug("Backward pass finished.", "mode", mode, "nodes", task.toRun, "duration", time.Since(start))
	return captured, nil
}

// nodeTask is the per-pass state of one node. A node moves from pending
// (deps > 0) to ready (queued) to executing to done; deps reaching zero is
// the only transition into ready.
type nodeTask struct {
	node   Node
	deps   atomic.Int64
	needed bool
	buffer *inputBuffer
}

// graphTask is the state of one backward pass.
type graphTask struct {
	opts     Options
	nodes    map[Node]*nodeTask
	order    []*nodeTask
	captures map[Edge]*inputBuffer
	toRun    int
}

func newGraphTask(ctx context.Context, roots, grads []*Variable, targets []Edge, opts Options) (*graphTask, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: no roots to differentiate", ErrInvalidArgument)
	}
	if grads != nil && len(grads) != len(roots) {
		return nil, fmt.Errorf("%w: got %d roots but %d gradients", ErrInvalidArgument, len(roots), len(grads))
	}

	t := &graphTask{
		opts:  opts,
		nodes: make(map[Node]*nodeTask),
	}

	rootEdges := make([]Edge, len(roots))
	seeds := make([]*Variable, len(roots))
	for i, r := range roots {
		if r == nil {
			return nil, fmt.Errorf("%w: element %d of tensors is undefined", ErrInvalidArgument, i)
		}
		edge := r.GradientEdge()
		if !edge.Valid() {
			return nil, fmt.Errorf("%w: element %d of tensors does not require grad and does not have a grad_fn", ErrInvalidArgument, i)
		}
		rootEdges[i] = edge

		seed, err := makeSeed(ctx, r, grads, i)
		if err != nil {
			return nil, err
		}
		seeds[i] = seed
	}

	t.discover(rootEdges)
	t.markNeeded(rootEdges, targets)
	t.countDependencies()

	if targets != nil {
		t.captures = make(map[Edge]*inputBuffer, len(targets))
		for _, edge := range targets {
			t.captures[edge] = newInputBuffer(1)
		}
	}

	for i, edge := range rootEdges {
		c := contribution{seq: math.MaxUint64, index: i, grad: seeds[i]}
		if err := t.deliver(edge, c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func makeSeed(ctx context.Context, root *Variable, grads []*Variable, i int) (*Variable, error) {
	var seed *Variable
	if grads != nil {
		seed = grads[i]
	}
	shape := root.Data().Shape()
	if seed == nil {
		ones, err := FromContext(ctx).Backend().Ones(shape, root.Data().DType())
		if err != nil {
			return nil, fmt.Errorf("%w: creating seed for root %d: %w", ErrInvalidArgument, i, err)
		}
		return NewVariable(ones, false), nil
	}
	if !seed.Data().Shape().Equal(shape) {
		return nil, fmt.Errorf("%w: Mismatch in shape: grad_output[%d] has a shape of %v and output[%d] has a shape of %v",
			ErrInvalidArgument, i, seed.Data().Shape(), i, shape)
	}
	return seed, nil
}

// discover collects every executable node reachable from the roots.
func (t *graphTask) discover(rootEdges []Edge) {
	var stack []*nodeTask
	visit := func(n Node) *nodeTask {
		nt, ok := t.nodes[n]
		if !ok {
			nt = &nodeTask{node: n, buffer: newInputBuffer(n.Base().NumInputs())}
			t.nodes[n] = nt
			t.order = append(t.order, nt)
			stack = append(stack, nt)
		}
		return nt
	}

	for _, edge := range rootEdges {
		if edge.Node.Base().IsExecutable() {
			visit(edge.Node)
		}
	}
	for len(stack) > 0 {
		nt := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range nt.node.Base().NextEdges() {
			if !edge.Valid() || !edge.Node.Base().IsExecutable() {
				continue
			}
			visit(edge.Node)
		}
	}
}

// countDependencies sets, for every node that will run, the number of edges
// from other running nodes that point at it.
func (t *graphTask) countDependencies() {
	for _, nt := range t.order {
		if !nt.needed {
			continue
		}
		for _, edge := range nt.node.Base().NextEdges() {
			if !edge.Valid() {
				continue
			}
			if child, ok := t.nodes[edge.Node]; ok && child.needed {
				child.deps.Add(1)
			}
		}
	}
}

// markNeeded decides which nodes execute. Without targets every discovered
// node runs. With targets, a node runs if it is a root or if one of its
// edges leads to a target; accumulators never run.
func (t *graphTask) markNeeded(rootEdges []Edge, targets []Edge) {
	if targets == nil {
		for _, nt := range t.order {
			nt.needed = true
		}
		t.toRun = len(t.order)
		return
	}

	isTarget := make(map[Edge]bool, len(targets))
	for _, edge := range targets {
		isTarget[edge] = true
	}
	memo := make(map[Node]bool, len(t.nodes))
	var leads func(n Node) bool
	leads = func(n Node) bool {
		if v, ok := memo[n]; ok {
			return v
		}
		memo[n] = false
		result := false
		for _, edge := range n.Base().NextEdges() {
			if !edge.Valid() {
				continue
			}
			if isTarget[edge] {
				result = true
				continue
			}
			if _, ok := t.nodes[edge.Node]; ok && leads(edge.Node) {
				result = true
			}
		}
		memo[n] = result
		return result
	}

	for _, nt := range t.order {
		nt.needed = leads(nt.node)
	}
	for _, edge := range rootEdges {
		if nt, ok := t.nodes[edge.Node]; ok {
			if _, isAcc := nt.node.(*GradAccumulator); !isAcc {
				nt.needed = true
			}
		}
	}

	t.toRun = 0
	for _, nt := range t.order {
		if nt.needed {
			t.toRun++
		}
	}
}

// deliver routes one gradient along edge: into a capture if the edge is a
// target, and into the input buffer of the node if it will execute.
func (t *graphTask) deliver(edge Edge, c contribution) error {
	if buf, ok := t.captures[edge]; ok {
		if err := buf.add("capture", 0, c); err != nil {
			return err
		}
	}
	nt, ok := t.nodes[edge.Node]
	if !ok || !nt.needed {
		return nil
	}
	return nt.buffer.add(edge.Node.Name(), edge.Slot, c)
}

func (t *graphTask) collectCaptures(ctx context.Context) (map[Edge]*Variable, error) {
	captured := make(map[Edge]*Variable, len(t.captures))
	for edge, buf := range t.captures {
		vals, err := buf.collect(ctx, t.opts.CreateGraph)
		if err != nil {
			return nil, err
		}
		captured[edge] = vals[0]
	}
	return captured, nil
}

// execute runs the ready queue with a pool of workers. The first failure
// cancels the pass and is returned.
func (e *Engine) execute(ctx context.Context, t *graphTask) error {
	logger := ctxlog.FromContext(ctx)

	readyChan := make(chan *nodeTask, t.toRun)
	for _, nt := range t.order {
		if nt.needed && nt.deps.Load() == 0 {
			readyChan <- nt
		}
	}
	if t.toRun == 0 {
		return nil
	}

	var remaining atomic.Int64
	remaining.Store(int64(t.toRun))

	workers := min(e.workers, t.toRun)
	logger.Debug("Starting backward pass.", "nodes", t.toRun, "workers", workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerID := i
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case nt, ok := <-readyChan:
					if !ok {
						return nil
					}
					if err := gctx.Err(); err != nil {
						return err
					}
					if err := e.evaluate(gctx, t, nt, readyChan); err != nil {
						logger.Error("Node execution failed.", "workerID", workerID, "node", nt.node.Name(), "error", err)
						return err
					}
					logger.Debug("Node executed.", "workerID", workerID, "node", nt.node.Name(), "seq", nt.node.Base().SequenceNr())
					if remaining.Add(-1) == 0 {
						close(readyChan)
					}
				}
			}
		})
	}
	return g.Wait()
}

// evaluate applies one node and propagates its gradients.
func (e *Engine) evaluate(ctx context.Context, t *graphTask, nt *nodeTask, readyChan chan<- *nodeTask) error {
	node := nt.node
	base := node.Base()
	gradCtx := WithGradMode(ctx, t.opts.CreateGraph)

	inputs, err := nt.buffer.collect(gradCtx, t.opts.CreateGraph)
	if err != nil {
		return err
	}

	var outputs []*Variable
	if allUndefined(inputs) {
		outputs = make([]*Variable, base.NumOutputs())
	} else {
		outputs, err = e.apply(gradCtx, node, inputs)
		nodesExecutedTotal.Inc()
	}
	if !t.opts.keepGraph() {
		node.ReleaseVariables()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", node.Name(), err)
	}

	next := base.NextEdges()
	if len(outputs) != len(next) {
		return fmt.Errorf("%w: function %s returned an incorrect number of gradients (expected %d, got %d)",
			ErrInvalidArgument, node.Name(), len(next), len(outputs))
	}

	for i, edge := range next {
		if !edge.Valid() {
			continue
		}
		c := contribution{seq: base.SequenceNr(), index: i, grad: outputs[i]}
		if err := t.deliver(edge, c); err != nil {
			return err
		}
		child, ok := t.nodes[edge.Node]
		if !ok || !child.needed {
			continue
		}
		if child.deps.Add(-1) == 0 {
			readyChan <- child
		}
	}
	return nil
}

// apply runs a node, recording it as a single opaque evaluation when a
// trace is active and the node is not traceable.
func (e *Engine) apply(ctx context.Context, n Node, inputs []*Variable) ([]*Variable, error) {
	st := trace.FromContext(ctx)
	if st == nil {
		return n.Apply(ctx, inputs)
	}
	if tn, ok := n.(TraceableNode); ok && tn.Traceable() {
		return n.Apply(ctx, inputs)
	}
	sn, ok := n.(SavedVariableNode)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSavedVariablesRequired, n.Name())
	}

	outputs, err := n.Apply(trace.WithState(ctx, nil), inputs)
	if err != nil {
		return nil, err
	}

	raws := make([]*tensor.RawTensor, 0, len(inputs))
	for _, in := range inputs {
		raws = append(raws, in.Data())
	}
	for _, sv := range sn.SavedVariables() {
		raws = append(raws, sv.Data())
	}
	outRaws := make([]*tensor.RawTensor, len(outputs))
	for i, out := range outputs {
		outRaws[i] = out.Data()
	}

	numGrads := len(inputs)
	kernel := func(b tensor.Backend, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if len(in) != len(raws) {
			return nil, fmt.Errorf("%w: %s evaluation expected %d inputs, got %d",
				ErrInvalidArgument, n.Name(), len(raws), len(in))
		}
		kctx := NoGrad(WithGraph(context.Background(), NewGraph(b)))
		grads := make([]*Variable, numGrads)
		for i := range grads {
			if in[i] != nil {
				grads[i] = NewVariable(in[i], false)
			}
		}
		saved := make([]*SavedVariable, len(in)-numGrads)
		for i, raw := range in[numGrads:] {
			var v *Variable
			if raw != nil {
				v = NewVariable(raw, false)
			}
			saved[i] = SaveVariable(v, false)
		}
		outs, err := sn.WithSavedVariables(saved).Apply(kctx, grads)
		if err != nil {
			return nil, err
		}
		result := make([]*tensor.RawTensor, len(outs))
		for i, out := range outs {
			result[i] = out.Data()
		}
		return result, nil
	}
	st.Record("Eval", kernel, raws, outRaws)
	return outputs, nil
}
