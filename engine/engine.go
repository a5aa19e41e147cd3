package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/petal-labs/grimoire/core"
	"github.com/petal-labs/grimoire/eventstate"
	"github.com/petal-labs/grimoire/registry"
)

var (
	// ErrNodeExecution wraps every node fault returned by ExecuteAll.
	ErrNodeExecution = errors.New("node execution failed")
	// ErrNoDispatcher is returned by NodeContext.Dispatch when the engine
	// has no owning scheduler.
	ErrNoDispatcher = errors.New("no dispatcher configured")
)

// NodeInfo identifies a node in hook calls.
type NodeInfo struct {
	ID       string
	Type     string
	Category core.NodeCategory
	Elapsed  time.Duration // set on end and error
}

// Hooks observe node execution. They are called on the goroutine running
// the node, which is the scheduler loop for everything but event nodes.
type Hooks struct {
	OnNodeStart func(NodeInfo)
	OnNodeEnd   func(NodeInfo)
	OnNodeError func(NodeInfo, *core.NodeError)
}

// Dispatcher delivers an envelope through the owning scheduler.
type Dispatcher func(dependency, eventName string, env core.Envelope) error

// Result summarizes one ExecuteAll pass.
type Result struct {
	Steps int
	// Deferred is true when a bound stopped the pass with work left. It is
	// not an error: the work runs in the next pass.
	Deferred bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger handed to nodes.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHooks sets the execution hooks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithDispatcher sets the function behind NodeContext.Dispatch.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatch = d }
}

// WithWake sets the function called when async work completes, so the owner
// can schedule a pass to apply the continuation.
func WithWake(fn func()) Option {
	return func(e *Engine) { e.wake = fn }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type task struct {
	node   *Instance
	socket string
}

type continuation struct {
	node    *Instance
	gen     uint64
	resume  func(nc core.NodeContext) error
	err     error
	started time.Time
}

// Engine executes one compiled graph. ExecuteAll, Start and Dispose must not
// be called concurrently; the scheduler serializes them with event delivery.
type Engine struct {
	graph   *Graph
	reg     *registry.Registry
	machine *eventstate.Machine
	logger  *slog.Logger
	hooks   Hooks

	dispatch Dispatcher
	wake     func()
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	runCtx context.Context

	mu            sync.Mutex
	queue         []task
	continuations []continuation
	owedFinish    []uint64
	abandoned     uint64 // generations <= abandoned are dropped
	inflight      sync.WaitGroup

	readFault *core.NodeError
	contexts  map[string]*nodeContext
	started   bool
}

// New builds an engine for g. The machine receives await/finish signals
// from async nodes.
func New(g *Graph, reg *registry.Registry, m *eventstate.Machine, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		graph:    g,
		reg:      reg,
		machine:  m,
		logger:   slog.Default(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		contexts: make(map[string]*nodeContext, len(g.nodes)),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, n := range g.nodes {
		e.contexts[n.ID] = &nodeContext{engine: e, inst: n}
	}
	return e
}

// Start initializes event nodes so they subscribe to their emitters.
func (e *Engine) Start() error {
	if e.started {
		return nil
	}
	var errs []error
	for _, n := range e.graph.nodes {
		if n.kind != kindEvent {
			continue
		}
		if err := n.Node.(core.EventNode).Init(e.contexts[n.ID]); err != nil {
			errs = append(errs, fmt.Errorf("initializing event node %q (%s): %w", n.ID, n.Type, err))
		}
	}
	e.started = true
	return errors.Join(errs...)
}

// Dispose releases event node subscriptions and cancels outstanding async
// work. Async goroutines are not waited for.
func (e *Engine) Dispose() {
	if e.started {
		for _, n := range e.graph.nodes {
			if n.kind == kindEvent {
				n.Node.(core.EventNode).Dispose(e.contexts[n.ID])
			}
		}
		e.started = false
	}
	e.cancel()
	e.mu.Lock()
	e.queue = nil
	e.continuations = nil
	e.owedFinish = nil
	e.mu.Unlock()
}

// Wait blocks until every async goroutine has returned.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// HasWork reports whether queued triggers or continuations are waiting.
func (e *Engine) HasWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) > 0 || len(e.continuations) > 0
}

// Abandon drops outstanding async continuations of generations up to gen.
// Called when the event they belong to failed.
func (e *Engine) Abandon(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen > e.abandoned {
		e.abandoned = gen
	}
	kept := e.continuations[:0]
	for _, c := range e.continuations {
		if c.gen > e.abandoned {
			kept = append(kept, c)
		}
	}
	e.continuations = kept
	owed := e.owedFinish[:0]
	for _, g := range e.owedFinish {
		if g > e.abandoned {
			owed = append(owed, g)
		}
	}
	e.owedFinish = owed
}

// Trigger queues a flow input of a node, as a commit from upstream would.
func (e *Engine) Trigger(nodeID, socket string) error {
	n, ok := e.graph.byID[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	e.enqueue(task{node: n, socket: socket})
	return nil
}

func (e *Engine) enqueue(t task) {
	e.mu.Lock()
	e.queue = append(e.queue, t)
	e.mu.Unlock()
}

// next pops the oldest continuation, else the oldest queued trigger.
func (e *Engine) next() (task, *continuation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.continuations) > 0 {
		c := e.continuations[0]
		e.continuations = e.continuations[1:]
		return task{}, &c, true
	}
	if len(e.queue) > 0 {
		t := e.queue[0]
		e.queue = e.queue[1:]
		return t, nil, true
	}
	return task{}, nil, false
}

// ExecuteAll runs ready work until the queue drains, maxSteps steps ran or
// limit elapsed (zero disables a bound). A step is one flow trigger or one
// async continuation. On a node fault the pass stops and returns an error
// wrapping ErrNodeExecution and the *core.NodeError; queued work is kept.
// Once the queue drains, finishes owed by applied continuations are issued.
func (e *Engine) ExecuteAll(ctx context.Context, limit time.Duration, maxSteps int) (Result, error) {
	e.runCtx = ctx
	defer func() { e.runCtx = nil }()

	var res Result
	start := e.now()
	for {
		if maxSteps > 0 && res.Steps >= maxSteps {
			break
		}
		if limit > 0 && e.now().Sub(start) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		t, c, ok := e.next()
		if !ok {
			break
		}
		res.Steps++

		var nerr *core.NodeError
		if c != nil {
			nerr = e.applyContinuation(c)
		} else {
			nerr = e.run(t)
		}
		if nerr != nil {
			res.Deferred = e.HasWork()
			return res, fmt.Errorf("%w: %w", ErrNodeExecution, nerr)
		}
	}

	if e.HasWork() {
		res.Deferred = true
		return res, nil
	}
	e.settleFinishes()
	return res, nil
}

// settleFinishes issues the finishes owed for the current event generation.
func (e *Engine) settleFinishes() {
	e.mu.Lock()
	owed := e.owedFinish
	e.owedFinish = nil
	e.mu.Unlock()

	current := e.machine.Generation()
	for _, gen := range owed {
		if gen == current {
			e.machine.Finish()
		}
	}
}

func (e *Engine) info(n *Instance) NodeInfo {
	return NodeInfo{ID: n.ID, Type: n.Type, Category: n.Category}
}

func (e *Engine) nodeStarted(n *Instance) {
	if e.hooks.OnNodeStart != nil {
		e.hooks.OnNodeStart(e.info(n))
	}
}

func (e *Engine) nodeEnded(n *Instance, elapsed time.Duration) {
	if e.hooks.OnNodeEnd != nil {
		info := e.info(n)
		info.Elapsed = elapsed
		e.hooks.OnNodeEnd(info)
	}
}

func (e *Engine) nodeFailed(n *Instance, elapsed time.Duration, nerr *core.NodeError) {
	e.logger.Error("node failed",
		"node_id", n.ID,
		"node_type", n.Type,
		"err", nerr.Message,
	)
	if e.hooks.OnNodeError != nil {
		info := e.info(n)
		info.Elapsed = elapsed
		e.hooks.OnNodeError(info, nerr)
	}
}

// run executes one queued flow trigger.
func (e *Engine) run(t task) *core.NodeError {
	n := t.node
	nc := e.contexts[n.ID]
	began := e.now()
	e.nodeStarted(n)

	switch n.kind {
	case kindFlow:
		err := e.guard(n, func() error {
			return n.Node.(core.FlowNode).Trigger(nc, t.socket)
		})
		if f := e.collectFault(n, err); f != nil {
			e.nodeFailed(f.node, e.now().Sub(began), f.err)
			return f.err
		}
		e.nodeEnded(n, e.now().Sub(began))

	case kindAsync:
		var work core.AsyncWork
		err := e.guard(n, func() error {
			var err error
			work, err = n.Node.(core.AsyncNode).TriggerAsync(nc, t.socket)
			return err
		})
		if f := e.collectFault(n, err); f != nil {
			e.nodeFailed(f.node, e.now().Sub(began), f.err)
			return f.err
		}
		if work == nil {
			e.nodeEnded(n, e.now().Sub(began))
			return nil
		}
		e.startAsync(n, work, began)

	default:
		// Event and function nodes have no flow inputs; triggering one is a
		// no-op.
		e.logger.Debug("ignoring trigger of non-flow node", "node_id", n.ID, "node_type", n.Type, "socket", t.socket)
		e.nodeEnded(n, e.now().Sub(began))
	}
	return nil
}

// startAsync runs work in the background. Work started while an event is in
// progress holds that event open; work started by lifecycle nodes between
// events runs detached (generation 0) and never touches the machine.
func (e *Engine) startAsync(n *Instance, work core.AsyncWork, began time.Time) {
	gen, _ := e.machine.Await()
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		var (
			resume func(core.NodeContext) error
			err    error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			resume, err = work(e.ctx)
		}()
		if e.ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		if gen > e.abandoned || gen == 0 {
			e.continuations = append(e.continuations, continuation{node: n, gen: gen, resume: resume, err: err, started: began})
		}
		e.mu.Unlock()
		if e.wake != nil {
			e.wake()
		}
	}()
}

func (e *Engine) applyContinuation(c *continuation) *core.NodeError {
	n := c.node
	e.mu.Lock()
	stale := c.gen != 0 && c.gen <= e.abandoned
	e.mu.Unlock()
	if stale {
		return nil
	}

	err := c.err
	if err == nil && c.resume != nil {
		err = e.guard(n, func() error { return c.resume(e.contexts[n.ID]) })
	}
	if f := e.collectFault(n, err); f != nil {
		e.nodeFailed(f.node, e.now().Sub(c.started), f.err)
		return f.err
	}

	if c.gen != 0 {
		e.mu.Lock()
		e.owedFinish = append(e.owedFinish, c.gen)
		e.mu.Unlock()
	}
	e.nodeEnded(n, e.now().Sub(c.started))
	return nil
}

// guard runs fn, converting a panic into an error.
func (e *Engine) guard(n *Instance, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn()
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

type faultRecord struct {
	node *Instance
	err  *core.NodeError
}

// collectFault builds the NodeError for err, preferring a fault recorded while a
// linked function node was evaluated.
func (e *Engine) collectFault(n *Instance, err error) *faultRecord {
	if rf := e.readFault; rf != nil {
		e.readFault = nil
		src := e.graph.byID[rf.NodeID]
		return &faultRecord{node: src, err: rf}
	}
	if err == nil {
		return nil
	}
	return &faultRecord{node: n, err: newNodeError(n, err, e.now())}
}

func newNodeError(n *Instance, err error, at time.Time) *core.NodeError {
	nerr := &core.NodeError{
		NodeID:   n.ID,
		NodeType: n.Type,
		Message:  err.Error(),
		At:       at,
		Cause:    err,
	}
	var p *panicError
	if errors.As(err, &p) {
		nerr.Details = map[string]any{"panic": true, "stack": string(p.stack)}
	}
	return nerr
}

// evaluate runs a function node so its outputs are current.
func (e *Engine) evaluate(n *Instance) bool {
	if e.readFault != nil {
		return false
	}
	err := e.guard(n, func() error {
		return n.Node.(core.FunctionNode).Exec(e.contexts[n.ID])
	})
	if err != nil && e.readFault == nil {
		e.readFault = newNodeError(n, err, e.now())
	}
	return err == nil
}

// commitEvent fires an event node's output flow. Event nodes have no trigger
// of their own, so their start and end are reported around the commit.
func (e *Engine) commitEvent(n *Instance, socket string) {
	began := e.now()
	e.nodeStarted(n)
	e.follow(n, socket)
	e.nodeEnded(n, e.now().Sub(began))
}

func (e *Engine) follow(n *Instance, socket string) {
	link, ok := n.flows[socket]
	if !ok {
		return
	}
	target, ok := e.graph.byID[link.NodeID]
	if !ok {
		return
	}
	e.enqueue(task{node: target, socket: link.Socket})
}

func (e *Engine) context() context.Context {
	if e.runCtx != nil {
		return e.runCtx
	}
	return e.ctx
}
