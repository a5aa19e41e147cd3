package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/grimoire/core"
	"github.com/petal-labs/grimoire/eventstate"
	"github.com/petal-labs/grimoire/graph"
	"github.com/petal-labs/grimoire/registry"
)

var flowIn = core.Socket{Name: "flow", ValueType: core.FlowValueType}

// trace records node activity in order.
type trace struct {
	mu    sync.Mutex
	items []string
}

func (t *trace) add(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append(t.items, s)
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.items...)
}

type sourceNode struct {
	emitter *registry.EventEmitter
	off     func()
}

func (s *sourceNode) Init(nc core.NodeContext) error {
	s.off = s.emitter.On("msg", func(env core.Envelope) {
		nc.Write("content", env.Content)
		nc.Commit("flow")
	})
	return nil
}

func (s *sourceNode) Dispose(core.NodeContext) {
	if s.off != nil {
		s.off()
	}
}

type passNode struct {
	tr *trace
}

func (p *passNode) Trigger(nc core.NodeContext, socket string) error {
	p.tr.add(fmt.Sprintf("%s:%v", nc.NodeID(), nc.Read("in")))
	nc.Write("out", nc.Read("in"))
	nc.Commit("flow")
	return nil
}

type failNode struct{ panics bool }

func (f *failNode) Trigger(core.NodeContext, string) error {
	if f.panics {
		panic("kaboom")
	}
	return errors.New("refused")
}

type doubleNode struct{ calls *int }

func (d *doubleNode) Exec(nc core.NodeContext) error {
	*d.calls++
	n, _ := nc.Read("x").(int64)
	if n < 0 {
		return errors.New("negative input")
	}
	nc.Write("y", n*2)
	return nil
}

type asyncNode struct {
	release chan struct{}
	tr      *trace
}

func (a *asyncNode) TriggerAsync(nc core.NodeContext, socket string) (core.AsyncWork, error) {
	a.tr.add(nc.NodeID() + ":started")
	return func(ctx context.Context) (func(core.NodeContext) error, error) {
		select {
		case <-a.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return func(nc core.NodeContext) error {
			a.tr.add(nc.NodeID() + ":resumed")
			nc.Commit("flow")
			return nil
		}, nil
	}, nil
}

type inert struct{}

type fixture struct {
	reg     *registry.Registry
	emitter *registry.EventEmitter
	tr      *trace
	async   *asyncNode
	calls   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{emitter: registry.NewEmitter(), tr: &trace{}}
	f.async = &asyncNode{release: make(chan struct{}), tr: f.tr}
	valueOut := []core.Socket{{Name: "flow", ValueType: core.FlowValueType}, {Name: "out", ValueType: "any"}}

	reg, err := registry.Merge([]registry.Partial{registry.Standard(), {
		Name: "test",
		Nodes: []core.NodeDefinition{
			{
				TypeName: "test/source",
				Category: core.NodeCategoryEvent,
				Out:      []core.Socket{{Name: "flow", ValueType: core.FlowValueType}, {Name: "content", ValueType: "string"}},
				New: func(map[string]any) (core.Node, error) {
					return &sourceNode{emitter: f.emitter}, nil
				},
			},
			{
				TypeName: "test/pass",
				Category: core.NodeCategoryFlow,
				In:       []core.Socket{flowIn, {Name: "in", ValueType: "any"}},
				Out:      valueOut,
				New:      func(map[string]any) (core.Node, error) { return &passNode{tr: f.tr}, nil },
			},
			{
				TypeName: "test/int",
				Category: core.NodeCategoryFlow,
				In:       []core.Socket{flowIn, {Name: "in", ValueType: "integer"}},
				Out:      valueOut,
				New:      func(map[string]any) (core.Node, error) { return &passNode{tr: f.tr}, nil },
			},
			{
				TypeName: "test/fail",
				Category: core.NodeCategoryAction,
				In:       []core.Socket{flowIn},
				New: func(cfg map[string]any) (core.Node, error) {
					panics, _ := cfg["panic"].(bool)
					return &failNode{panics: panics}, nil
				},
			},
			{
				TypeName: "test/double",
				Category: core.NodeCategoryLogic,
				In:       []core.Socket{{Name: "x", ValueType: "integer"}},
				Out:      []core.Socket{{Name: "y", ValueType: "integer"}},
				New:      func(map[string]any) (core.Node, error) { return &doubleNode{calls: &f.calls}, nil },
			},
			{
				TypeName: "test/async",
				Category: core.NodeCategoryTime,
				In:       []core.Socket{flowIn},
				Out:      []core.Socket{{Name: "flow", ValueType: core.FlowValueType}},
				New:      func(map[string]any) (core.Node, error) { return f.async, nil },
			},
			{
				TypeName: "test/inert",
				New:      func(map[string]any) (core.Node, error) { return inert{}, nil },
			},
		},
	}})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	f.reg = reg
	return f
}

func flow(to string) map[string]graph.Link {
	return map[string]graph.Link{"flow": {NodeID: to, Socket: "flow"}}
}

func lit(v any) map[string]graph.Parameter {
	return map[string]graph.Parameter{"in": {Value: v}}
}

type harness struct {
	engine  *Engine
	machine *eventstate.Machine
	starts  []string
	ends    []string
	errs    []*core.NodeError
	wakes   chan struct{}
}

func (f *fixture) build(t *testing.T, nodes ...graph.NodeDef) *harness {
	t.Helper()
	g, err := Compile(graph.Spell{ID: "spell", Graph: graph.Definition{Nodes: nodes}}, f.reg)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	h := &harness{machine: eventstate.New(nil), wakes: make(chan struct{}, 16)}
	h.machine.Init(g.Stateful())
	h.engine = New(g, f.reg, h.machine,
		WithHooks(Hooks{
			OnNodeStart: func(i NodeInfo) { h.starts = append(h.starts, i.ID) },
			OnNodeEnd:   func(i NodeInfo) { h.ends = append(h.ends, i.ID) },
			OnNodeError: func(_ NodeInfo, e *core.NodeError) { h.errs = append(h.errs, e) },
		}),
		WithWake(func() { h.wakes <- struct{}{} }),
	)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(h.engine.Dispose)
	return h
}

func TestCompile_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := Compile(graph.Spell{ID: "s", Graph: graph.Definition{Nodes: []graph.NodeDef{{ID: "a", Type: "test/missing"}}}}, f.reg)
	if !errors.Is(err, ErrInvalidGraph) {
		t.Errorf("unknown type error = %v, want ErrInvalidGraph", err)
	}

	_, err = Compile(graph.Spell{ID: "s", Graph: graph.Definition{Nodes: []graph.NodeDef{{ID: "a", Type: "test/inert"}}}}, f.reg)
	if err == nil {
		t.Error("a node implementing no contract must not compile")
	}

	_, err = Compile(graph.Spell{ID: "s", Graph: graph.Definition{Nodes: []graph.NodeDef{
		{ID: "a", Type: "test/int", Parameters: lit("not a number")},
	}}}, f.reg)
	if err == nil {
		t.Error("an undeserializable literal must not compile")
	}
}

func TestCompile_DeserializesLiterals(t *testing.T) {
	f := newFixture(t)
	h := f.build(t,
		graph.NodeDef{ID: "a", Type: "test/int", Parameters: lit("42"), Flows: flow("b")},
		graph.NodeDef{ID: "b", Type: "test/int"},
	)
	_ = h.engine.Trigger("a", "flow")
	if _, err := h.engine.ExecuteAll(context.Background(), 0, 0); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	got := f.tr.list()
	want := []string{"a:42", "b:0"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("trace = %v, want %v", got, want)
	}
}

func chain(n int) []graph.NodeDef {
	nodes := make([]graph.NodeDef, n)
	for i := range nodes {
		nodes[i] = graph.NodeDef{ID: fmt.Sprintf("n%d", i), Type: "test/pass", Parameters: lit(i)}
		if i+1 < n {
			nodes[i].Flows = flow(fmt.Sprintf("n%d", i+1))
		}
	}
	return nodes
}

func TestExecuteAll_StepBoundDefersWork(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, chain(8)...)
	_ = h.engine.Trigger("n0", "flow")

	res, err := h.engine.ExecuteAll(context.Background(), 0, 5)
	if err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if res.Steps != 5 || !res.Deferred {
		t.Fatalf("first pass = %+v, want 5 steps deferred", res)
	}
	if len(f.tr.list()) != 5 {
		t.Fatalf("ran %d nodes in the first pass, want 5", len(f.tr.list()))
	}

	res, err = h.engine.ExecuteAll(context.Background(), 0, 5)
	if err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if res.Steps != 3 || res.Deferred {
		t.Errorf("second pass = %+v, want 3 steps not deferred", res)
	}
	if h.engine.HasWork() {
		t.Error("queue should be drained")
	}
}

func TestExecuteAll_TimeBound(t *testing.T) {
	f := newFixture(t)
	g, err := Compile(graph.Spell{ID: "s", Graph: graph.Definition{Nodes: chain(3)}}, f.reg)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	now := time.Unix(0, 0)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	m := eventstate.New(nil)
	m.Init(nil)
	e := New(g, f.reg, m, WithClock(clock))
	_ = e.Trigger("n0", "flow")

	res, err := e.ExecuteAll(context.Background(), 2*time.Second, 0)
	if err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if !res.Deferred || res.Steps >= 3 {
		t.Errorf("result = %+v, want a deferred pass", res)
	}
}

func TestExecuteAll_FlowLoopIsBounded(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, graph.NodeDef{ID: "loop", Type: "test/pass", Flows: flow("loop")})
	_ = h.engine.Trigger("loop", "flow")

	res, err := h.engine.ExecuteAll(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if res.Steps != 100 || !res.Deferred {
		t.Errorf("result = %+v, want 100 deferred steps", res)
	}
}

func TestExecuteAll_FunctionNodesEvaluateOnRead(t *testing.T) {
	f := newFixture(t)
	h := f.build(t,
		graph.NodeDef{ID: "dbl", Type: "test/double", Parameters: map[string]graph.Parameter{"x": {Value: 21}}},
		graph.NodeDef{ID: "use", Type: "test/pass", Parameters: map[string]graph.Parameter{
			"in": {Link: &graph.Link{NodeID: "dbl", Socket: "y"}},
		}},
	)
	if f.calls != 0 {
		t.Fatalf("function node evaluated before use")
	}
	_ = h.engine.Trigger("use", "flow")
	if _, err := h.engine.ExecuteAll(context.Background(), 0, 0); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if got := f.tr.list(); len(got) != 1 || got[0] != "use:42" {
		t.Errorf("trace = %v, want [use:42]", got)
	}
	if f.calls == 0 {
		t.Error("function node never evaluated")
	}
}

func TestExecuteAll_FunctionFaultIsAttributed(t *testing.T) {
	f := newFixture(t)
	h := f.build(t,
		graph.NodeDef{ID: "dbl", Type: "test/double", Parameters: map[string]graph.Parameter{"x": {Value: -1}}},
		graph.NodeDef{ID: "use", Type: "test/pass", Parameters: map[string]graph.Parameter{
			"in": {Link: &graph.Link{NodeID: "dbl", Socket: "y"}},
		}},
	)
	_ = h.engine.Trigger("use", "flow")
	_, err := h.engine.ExecuteAll(context.Background(), 0, 0)
	var nerr *core.NodeError
	if !errors.As(err, &nerr) || nerr.NodeID != "dbl" {
		t.Fatalf("error = %v, want NodeError from dbl", err)
	}
}

func TestExecuteAll_FaultsStopTheFiberAndKeepTheQueue(t *testing.T) {
	for _, panics := range []bool{false, true} {
		t.Run(fmt.Sprintf("panic=%v", panics), func(t *testing.T) {
			f := newFixture(t)
			h := f.build(t,
				graph.NodeDef{ID: "bad", Type: "test/fail", Configuration: map[string]any{"panic": panics}},
				graph.NodeDef{ID: "other", Type: "test/pass", Parameters: lit("x")},
			)
			_ = h.engine.Trigger("bad", "flow")
			_ = h.engine.Trigger("other", "flow")

			res, err := h.engine.ExecuteAll(context.Background(), 0, 0)
			if !errors.Is(err, ErrNodeExecution) {
				t.Fatalf("error = %v, want ErrNodeExecution", err)
			}
			var nerr *core.NodeError
			if !errors.As(err, &nerr) || nerr.NodeID != "bad" || nerr.NodeType != "test/fail" {
				t.Fatalf("NodeError = %+v", nerr)
			}
			if panics && nerr.Details["panic"] != true {
				t.Errorf("panic details missing: %v", nerr.Details)
			}
			if len(h.errs) != 1 {
				t.Errorf("error hook calls = %d, want 1", len(h.errs))
			}
			if !res.Deferred {
				t.Error("the other branch should still be queued")
			}

			if _, err := h.engine.ExecuteAll(context.Background(), 0, 0); err != nil {
				t.Fatalf("second pass error = %v", err)
			}
			if got := f.tr.list(); len(got) != 1 || got[0] != "other:x" {
				t.Errorf("trace = %v, want [other:x]", got)
			}
		})
	}
}

func TestEventNodeCommitReportsStartAndEnd(t *testing.T) {
	f := newFixture(t)
	h := f.build(t,
		graph.NodeDef{ID: "src", Type: "test/source", Flows: flow("echo")},
		graph.NodeDef{ID: "echo", Type: "test/pass", Parameters: map[string]graph.Parameter{
			"in": {Link: &graph.Link{NodeID: "src", Socket: "content"}},
		}},
	)
	f.emitter.Emit("msg", core.Envelope{Content: "hello"})
	if _, err := h.engine.ExecuteAll(context.Background(), 0, 0); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}

	order := fmt.Sprint(h.starts, h.ends)
	if order != "[src echo] [src echo]" {
		t.Errorf("starts/ends = %s", order)
	}
	if got := f.tr.list(); len(got) != 1 || got[0] != "echo:hello" {
		t.Errorf("trace = %v", got)
	}

	h.engine.Dispose()
	if f.emitter.ListenerCount("msg") != 0 {
		t.Error("Dispose should unsubscribe event nodes")
	}
}

func TestAsyncNodesAwaitAndFinish(t *testing.T) {
	f := newFixture(t)
	h := f.build(t,
		graph.NodeDef{ID: "wait", Type: "test/async", Flows: flow("after")},
		graph.NodeDef{ID: "after", Type: "test/pass", Parameters: lit("done")},
	)
	ctx := context.Background()
	if err := h.machine.SetEvent(ctx, core.Envelope{ID: "e"}); err != nil {
		t.Fatalf("SetEvent() error = %v", err)
	}
	_ = h.engine.Trigger("wait", "flow")

	if _, err := h.engine.ExecuteAll(ctx, 0, 0); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if h.machine.Status() != eventstate.StatusAwait {
		t.Fatalf("status = %q, want AWAIT", h.machine.Status())
	}
	_ = h.machine.Done(ctx)
	if h.machine.Status() != eventstate.StatusAwait {
		t.Fatalf("Done during AWAIT changed status to %q", h.machine.Status())
	}

	close(f.async.release)
	select {
	case <-h.wakes:
	case <-time.After(2 * time.Second):
		t.Fatal("async work never woke the engine")
	}

	res, err := h.engine.ExecuteAll(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if res.Steps != 2 {
		t.Errorf("steps = %d, want continuation + downstream node", res.Steps)
	}
	if h.machine.Status() != eventstate.StatusDone {
		t.Errorf("status = %q, want DONE", h.machine.Status())
	}
	want := "[wait:started wait:resumed after:done]"
	if got := fmt.Sprint(f.tr.list()); got != want {
		t.Errorf("trace = %s, want %s", got, want)
	}
	if fmt.Sprint(h.ends) != "[wait after]" {
		t.Errorf("ends = %v", h.ends)
	}
}

func TestAsyncWorkBetweenEventsRunsDetached(t *testing.T) {
	f := newFixture(t)
	h := f.build(t,
		graph.NodeDef{ID: "wait", Type: "test/async", Flows: flow("after")},
		graph.NodeDef{ID: "after", Type: "test/pass", Parameters: lit("done")},
	)
	ctx := context.Background()
	_ = h.machine.SetEvent(ctx, core.Envelope{ID: "e1"})
	_ = h.machine.Done(ctx)

	_ = h.engine.Trigger("wait", "flow")
	if _, err := h.engine.ExecuteAll(ctx, 0, 0); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if h.machine.Status() != eventstate.StatusDone || h.machine.Pending() != 0 {
		t.Fatalf("status = %q pending = %d, want the settled event left alone", h.machine.Status(), h.machine.Pending())
	}
	if err := h.machine.SetEvent(ctx, core.Envelope{ID: "e2"}); err != nil {
		t.Fatalf("SetEvent() while detached work is pending error = %v", err)
	}

	close(f.async.release)
	select {
	case <-h.wakes:
	case <-time.After(2 * time.Second):
		t.Fatal("async work never woke the engine")
	}
	if _, err := h.engine.ExecuteAll(ctx, 0, 0); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if h.machine.Status() != eventstate.StatusRunning || h.machine.Pending() != 0 {
		t.Errorf("status = %q pending = %d, want e2 untouched by the detached finish", h.machine.Status(), h.machine.Pending())
	}
	want := "[wait:started wait:resumed after:done]"
	if got := fmt.Sprint(f.tr.list()); got != want {
		t.Errorf("trace = %s, want %s", got, want)
	}
}

func TestAbandonDropsContinuations(t *testing.T) {
	f := newFixture(t)
	h := f.build(t,
		graph.NodeDef{ID: "wait", Type: "test/async", Flows: flow("after")},
		graph.NodeDef{ID: "after", Type: "test/pass"},
	)
	ctx := context.Background()
	_ = h.machine.SetEvent(ctx, core.Envelope{ID: "e"})
	_ = h.engine.Trigger("wait", "flow")
	if _, err := h.engine.ExecuteAll(ctx, 0, 0); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}

	h.machine.Fail(errors.New("abandoned"))
	h.engine.Abandon(h.machine.Generation())
	close(f.async.release)
	h.engine.Wait()

	if h.engine.HasWork() {
		t.Error("abandoned continuation should not be queued")
	}
	if got := f.tr.list(); len(got) != 1 {
		t.Errorf("trace = %v, want only the async start", got)
	}
}
