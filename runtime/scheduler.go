package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/grimoire/core"
	"github.com/petal-labs/grimoire/engine"
	"github.com/petal-labs/grimoire/eventstate"
	"github.com/petal-labs/grimoire/graph"
	"github.com/petal-labs/grimoire/registry"
	"github.com/petal-labs/grimoire/state"
)

// Scheduler errors
var (
	// ErrMissingDependency is returned by HandleEvent when the dependency key
	// does not name an emitter in the registry. It is not fatal.
	ErrMissingDependency = errors.New("missing emitter dependency")
	// ErrEventQueueFull is returned when MaxQueuedEvents envelopes already
	// wait behind the current one.
	ErrEventQueueFull = errors.New("event queue full")
	// ErrDisposed is returned by calls made after Dispose.
	ErrDisposed = errors.New("scheduler disposed")
	// ErrRunFailed wraps the cause of an event that settled as ERRORED.
	ErrRunFailed = errors.New("run failed")
)

// Outcome is the settled result of one envelope.
type Outcome struct {
	EventID string
	Status  eventstate.Status
	Outputs map[string]any
	Err     error
	Elapsed time.Duration
}

// RunRequest describes one run delivered through Run.
type RunRequest struct {
	// Dependency and EventName select the emitter event the envelope is
	// delivered on.
	Dependency string
	EventName  string

	ComponentName   string
	Inputs          map[string]any
	Secrets         map[string]string
	PublicVariables map[string]any
	Channel         string
	StateKey        string
}

type delivery struct {
	emitter   registry.Emitter
	eventName string
	env       core.Envelope
}

type activeEvent struct {
	id    string
	began time.Time
}

// Scheduler drives one spell instance. A background loop executes the graph
// every LoopDelay while the run loop is started or an execution was
// triggered. Events are processed one at a time; further events wait in a
// bounded FIFO.
type Scheduler struct {
	cfg       Config
	spell     graph.Spell
	reg       *registry.Registry
	lifecycle *registry.EventEmitter
	machine   *eventstate.Machine
	engine    *engine.Engine
	relay     *Relay
	logger    *slog.Logger

	// tickMu serializes execution passes with event installation.
	tickMu sync.Mutex

	running  atomic.Bool
	pending  atomic.Bool
	busy     atomic.Bool
	disposed atomic.Bool

	wakeCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu      sync.Mutex
	queue   []delivery
	active  *activeEvent
	waiters map[string]chan Outcome
}

// Initialize compiles spell against reg, extended with the instance's
// lifecycle emitter and logger, and starts the background loop. The run
// loop itself stays stopped until StartRunLoop. The loop ends when ctx is
// cancelled or the scheduler is disposed.
func Initialize(ctx context.Context, spell graph.Spell, reg *registry.Registry, cfg Config) (*Scheduler, error) {
	if reg == nil {
		return nil, errors.New("runtime: nil registry")
	}
	cfg = cfg.withDefaults()

	logger := cfg.Logger.With("spell_id", spell.ID)
	if cfg.AgentID != "" {
		logger = logger.With("agent_id", cfg.AgentID)
	}

	lifecycle := registry.NewEmitter()
	merged, err := registry.Merge([]registry.Partial{
		reg.Partial(),
		{
			Name: "scheduler:" + spell.ID,
			Dependencies: []registry.Dependency{
				{Key: registry.LifecycleKey, Capability: registry.CapabilityLifecycle, Value: lifecycle},
				{Key: registry.LoggerKey, Capability: registry.CapabilityService, Value: logger},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extending registry for spell %s: %w", spell.ID, err)
	}

	g, err := engine.Compile(spell, merged)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:       cfg,
		spell:     spell,
		reg:       merged,
		lifecycle: lifecycle,
		logger:    logger,
		wakeCh:    make(chan struct{}, 1),
		loopDone:  make(chan struct{}),
		waiters:   make(map[string]chan Outcome),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.machine = eventstate.New(state.NewService(cfg.StateStore, spell.ID), eventstate.WithClock(cfg.Now))
	s.relay = NewRelay(RelayConfig{
		AgentID:     cfg.AgentID,
		SpellID:     spell.ID,
		StartWindow: cfg.StartWindow,
		EndWindow:   cfg.EndWindow,
		Handler:     cfg.Telemetry,
		OnError:     s.onNodeError,
		EventID:     s.currentEventID,
		Logger:      logger,
		Now:         cfg.Now,
	})
	s.engine = engine.New(g, merged, s.machine,
		engine.WithLogger(logger),
		engine.WithHooks(s.relay.Hooks()),
		engine.WithDispatcher(s.dispatch),
		engine.WithWake(s.TriggerGraphExecution),
		engine.WithClock(cfg.Now),
	)
	s.machine.Init(g.Stateful())
	if err := s.engine.Start(); err != nil {
		s.engine.Dispose()
		s.cancel()
		return nil, fmt.Errorf("starting spell %s: %w", spell.ID, err)
	}

	go s.loop()

	logger.Debug("scheduler initialized", "nodes", len(g.Nodes()))
	return s, nil
}

// Spell returns the spell the scheduler runs.
func (s *Scheduler) Spell() graph.Spell {
	return s.spell
}

// Registry returns the registry extended with the instance dependencies.
func (s *Scheduler) Registry() *registry.Registry {
	return s.reg
}

// Status returns the status of the current event.
func (s *Scheduler) Status() eventstate.Status {
	return s.machine.Status()
}

// IsBusy reports whether an execution pass is in flight.
func (s *Scheduler) IsBusy() bool {
	return s.busy.Load()
}

// IsRunning reports whether the run loop is started.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// QueuedEvents returns the number of envelopes waiting behind the current one.
func (s *Scheduler) QueuedEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// StartRunLoop starts ticking and emits the lifecycle start event. Calling
// it while running does nothing.
func (s *Scheduler) StartRunLoop() {
	if s.disposed.Load() || !s.running.CompareAndSwap(false, true) {
		return
	}
	s.tickMu.Lock()
	s.lifecycle.Emit(registry.LifecycleStart, s.lifecycleEnvelope())
	s.tickMu.Unlock()

	s.relay.Emit(NewEvent(EventSpellStarted, s.spell.ID))
	s.logger.Info("run loop started")
	s.TriggerGraphExecution()
}

// StopRunLoop runs one final pass that emits the lifecycle end event instead
// of tick, then stops ticking. Calling it while stopped does nothing.
func (s *Scheduler) StopRunLoop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.executeGraphOnce(s.ctx, true)
	s.pending.Store(false)

	s.relay.Emit(NewEvent(EventSpellStopped, s.spell.ID))
	s.logger.Info("run loop stopped")
}

// TriggerGraphExecution requests one execution pass, even while the run
// loop is stopped.
func (s *Scheduler) TriggerGraphExecution() {
	s.pending.Store(true)
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// ExecuteOnce runs one execution pass synchronously, serialized with the
// loop. The returned error is the node fault of the pass, if any; the fault
// has already failed the current event.
func (s *Scheduler) ExecuteOnce(ctx context.Context) (engine.Result, error) {
	if s.disposed.Load() {
		return engine.Result{}, ErrDisposed
	}
	return s.executeGraphOnce(ctx, false)
}

// HandleEvent delivers env on the emitter registered under dependencyKey.
// The envelope is tagged with the spell and a run ID. When no event is in
// progress it is installed as the current event right away; otherwise it
// waits in the queue, or is rejected with ErrEventQueueFull.
func (s *Scheduler) HandleEvent(dependencyKey, eventName string, env core.Envelope) error {
	d, err := s.prepare(dependencyKey, eventName, env)
	if err != nil {
		return err
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.disposed.Load() {
		return ErrDisposed
	}

	s.mu.Lock()
	idle := s.active == nil && len(s.queue) == 0 && !s.engine.HasWork()
	if !idle {
		err := s.enqueueLocked(d)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.TriggerGraphExecution()
		return nil
	}
	s.mu.Unlock()

	s.install(d)
	return nil
}

// dispatch is the engine's dispatcher. Nodes may call it during a pass, so
// it only queues.
func (s *Scheduler) dispatch(dependencyKey, eventName string, env core.Envelope) error {
	d, err := s.prepare(dependencyKey, eventName, env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	err = s.enqueueLocked(d)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.TriggerGraphExecution()
	return nil
}

// Run delivers a run request as a new envelope and waits until it settles.
// An envelope settling as ERRORED returns the outcome with an error wrapping
// ErrRunFailed.
func (s *Scheduler) Run(ctx context.Context, req RunRequest) (Outcome, error) {
	content, _ := req.Inputs["content"].(string)
	env := core.NewEnvelope("run", content)
	env.Channel = req.Channel
	env.StateKey = req.StateKey
	env.Data = maps.Clone(req.Inputs)
	if env.Data == nil {
		env.Data = make(map[string]any)
	}
	if req.ComponentName != "" {
		env.Data["componentName"] = req.ComponentName
	}
	env.Secrets = maps.Clone(req.Secrets)
	env.PublicVariables = maps.Clone(req.PublicVariables)

	ch := make(chan Outcome, 1)
	s.mu.Lock()
	s.waiters[env.ID] = ch
	s.mu.Unlock()

	if err := s.HandleEvent(req.Dependency, req.EventName, env); err != nil {
		s.dropWaiter(env.ID)
		return Outcome{EventID: env.ID}, err
	}

	select {
	case out := <-ch:
		if out.Status == eventstate.StatusErrored || out.Err != nil {
			cause := out.Err
			if cause == nil {
				cause = fmt.Errorf("event %s errored", out.EventID)
			}
			return out, fmt.Errorf("%w: %w", ErrRunFailed, cause)
		}
		return out, nil
	case <-ctx.Done():
		s.dropWaiter(env.ID)
		return Outcome{EventID: env.ID, Status: s.machine.Status()}, ctx.Err()
	}
}

func (s *Scheduler) dropWaiter(id string) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

// Dispose stops the run loop with a final pass, ends the background loop,
// disposes the nodes and closes the telemetry relay. Runs still waiting
// complete with ErrDisposed.
func (s *Scheduler) Dispose(ctx context.Context) error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	s.StopRunLoop()
	s.cancel()

	var err error
	select {
	case <-s.loopDone:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for scheduler loop: %w", ctx.Err())
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.engine.Dispose()
	s.relay.Close()

	s.mu.Lock()
	waiters := s.waiters
	s.waiters = make(map[string]chan Outcome)
	s.queue = nil
	s.active = nil
	s.mu.Unlock()
	for id, ch := range waiters {
		ch <- Outcome{EventID: id, Status: eventstate.StatusErrored, Err: ErrDisposed}
	}

	s.logger.Debug("scheduler disposed")
	return err
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.LoopDelay)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}
		if s.running.Load() || s.pending.Load() {
			s.executeGraphOnce(s.ctx, false)
			continue
		}
		s.watchdog()
	}
}

// executeGraphOnce is one tick: admit a queued event, emit the lifecycle
// tick (or end), run the engine within the bounds and settle the current
// event.
func (s *Scheduler) executeGraphOnce(ctx context.Context, isEnd bool) (engine.Result, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.pending.Store(false)
	s.checkStall()
	s.admit()

	event := registry.LifecycleTick
	if isEnd {
		event = registry.LifecycleEnd
	}
	s.lifecycle.Emit(event, s.lifecycleEnvelope())

	began := s.cfg.Now()
	s.busy.Store(true)
	res, err := s.engine.ExecuteAll(ctx, s.cfg.TimeLimit, s.cfg.StepLimit)
	s.busy.Store(false)
	if s.cfg.Observer != nil {
		s.cfg.Observer.TickCompleted(s.spell.ID, res.Steps, res.Deferred, s.cfg.Now().Sub(began))
	}

	if err != nil && !errors.Is(err, engine.ErrNodeExecution) {
		s.logger.Debug("execution pass interrupted", "err", err)
		return res, err
	}
	if err != nil {
		s.fail(err)
	}
	if res.Deferred {
		s.pending.Store(true)
	}

	if !s.engine.HasWork() && s.hasActive() {
		if derr := s.machine.Done(ctx); derr != nil {
			s.fail(derr)
		}
	}
	s.settle()
	s.admit()
	return res, err
}

// watchdog fails an event whose async work stalled while the loop is idle.
func (s *Scheduler) watchdog() {
	if s.cfg.AwaitTimeout <= 0 || s.machine.Status() != eventstate.StatusAwait {
		return
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.checkStall() {
		s.settle()
		s.admit()
	}
}

func (s *Scheduler) checkStall() bool {
	if s.cfg.AwaitTimeout <= 0 {
		return false
	}
	if err := s.machine.CheckStall(s.cfg.Now(), s.cfg.AwaitTimeout); err != nil {
		s.fail(err)
		return true
	}
	return false
}

// fail marks the current event ERRORED and drops its outstanding async
// continuations.
func (s *Scheduler) fail(err error) {
	gen := s.machine.Generation()
	s.machine.Fail(err)
	s.engine.Abandon(gen)
	s.logger.Error("event failed", "event_id", s.currentEventID(), "err", err)
}

func (s *Scheduler) onNodeError() {
	if err := s.machine.Done(s.ctx); err != nil {
		s.logger.Warn("syncing node state after failure", "err", err)
	}
}

func (s *Scheduler) prepare(dependencyKey, eventName string, env core.Envelope) (delivery, error) {
	if s.disposed.Load() {
		return delivery{}, ErrDisposed
	}
	em, ok := s.reg.Emitter(dependencyKey)
	if !ok {
		s.logger.Warn("event for missing dependency", "dependency", dependencyKey, "event", eventName)
		return delivery{}, fmt.Errorf("%w: %q", ErrMissingDependency, dependencyKey)
	}

	env = env.Clone()
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = s.cfg.Now().UTC()
	}
	env.RunInfo.SpellID = s.spell.ID
	if env.RunInfo.RunID == "" {
		env.RunInfo.RunID = uuid.NewString()
	}
	return delivery{emitter: em, eventName: eventName, env: env}, nil
}

func (s *Scheduler) enqueueLocked(d delivery) error {
	if len(s.queue) >= s.cfg.MaxQueuedEvents {
		if s.cfg.Observer != nil {
			s.cfg.Observer.EventRejected(s.spell.ID)
		}
		s.logger.Warn("event rejected", "event_id", d.env.ID, "queued", len(s.queue))
		return fmt.Errorf("%w: %d events waiting", ErrEventQueueFull, len(s.queue))
	}
	s.queue = append(s.queue, d)
	return nil
}

// admit installs queued envelopes while no event is in progress and the
// engine has drained.
func (s *Scheduler) admit() {
	for {
		s.mu.Lock()
		if s.active != nil || len(s.queue) == 0 || s.engine.HasWork() {
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.install(d)
	}
}

// install makes d the current event and re-emits it so the event nodes
// listening on the emitter fire.
func (s *Scheduler) install(d delivery) {
	s.mu.Lock()
	s.active = &activeEvent{id: d.env.ID, began: s.cfg.Now()}
	s.mu.Unlock()

	if err := s.machine.SetEvent(s.ctx, d.env); err != nil {
		s.logger.Error("installing event failed", "event_id", d.env.ID, "err", err)
		s.finishActive(eventstate.StatusErrored, err)
		return
	}
	s.logger.Debug("event installed", "event_id", d.env.ID, "event", d.eventName)
	d.emitter.Emit(d.eventName, d.env)
	s.TriggerGraphExecution()
}

// settle reports the current event once its status is terminal.
func (s *Scheduler) settle() {
	if !s.hasActive() {
		return
	}
	status := s.machine.Status()
	if !status.Settled() {
		return
	}
	s.finishActive(status, s.machine.Err())
}

func (s *Scheduler) finishActive(status eventstate.Status, err error) {
	s.mu.Lock()
	a := s.active
	s.active = nil
	var ch chan Outcome
	if a != nil {
		ch = s.waiters[a.id]
		delete(s.waiters, a.id)
	}
	s.mu.Unlock()
	if a == nil {
		return
	}

	elapsed := s.cfg.Now().Sub(a.began)
	out := Outcome{
		EventID: a.id,
		Status:  status,
		Outputs: s.machine.Outputs(),
		Err:     err,
		Elapsed: elapsed,
	}
	if ch != nil {
		ch <- out
	}

	e := NewEvent(EventSettled, s.spell.ID).
		WithElapsed(elapsed).
		WithPayload("eventId", a.id).
		WithPayload("status", string(status))
	if err != nil {
		e = e.WithPayload("error", err.Error())
	}
	s.relay.Emit(e)
	if s.cfg.Observer != nil {
		s.cfg.Observer.EventSettled(s.spell.ID, status, elapsed)
	}
	s.logger.Debug("event settled", "event_id", a.id, "status", status, "elapsed", elapsed)
}

func (s *Scheduler) hasActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *Scheduler) currentEventID() string {
	if env, ok := s.machine.Current(); ok {
		return env.ID
	}
	return ""
}

func (s *Scheduler) lifecycleEnvelope() core.Envelope {
	env := core.NewEnvelope("lifecycle", "")
	env.RunInfo = core.RunInfo{SpellID: s.spell.ID, RunID: env.ID}
	return env
}
