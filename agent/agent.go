// Package agent runs spells on behalf of one agent: it keeps a scheduler per
// loaded spell, consumes run jobs addressed to the agent, publishes results
// and telemetry on the agent's topics and records liveness.
package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/petal-labs/grimoire/bus"
	"github.com/petal-labs/grimoire/graph"
	"github.com/petal-labs/grimoire/plugins/coreplugin"
	"github.com/petal-labs/grimoire/registry"
	"github.com/petal-labs/grimoire/runtime"
)

// Agent errors
var (
	ErrNoID           = errors.New("agent id is required")
	ErrSpellNotLoaded = errors.New("spell not loaded")
	ErrStopped        = errors.New("agent stopped")
)

// Agent owns the schedulers of its spells.
type Agent struct {
	cfg       Config
	providers []registry.Provider
	pinger    *Pinger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	schedulers map[string]*runtime.Scheduler
	started    bool
	stopped    bool
	workerDone chan struct{}
}

// New creates a stopped agent.
func New(cfg Config) (*Agent, error) {
	if cfg.ID == "" {
		return nil, ErrNoID
	}
	cfg = cfg.withDefaults()
	cfg.Logger = cfg.Logger.With("agent_id", cfg.ID)

	a := &Agent{
		cfg:        cfg,
		schedulers: make(map[string]*runtime.Scheduler),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.providers = append([]registry.Provider{
		registry.StandardProvider,
		coreplugin.New(registry.ActionsFunc(a.handleAction)),
	}, cfg.Providers...)
	a.pinger = NewPinger(cfg.ID, cfg.Liveness, cfg.PingInterval, cfg.Logger)
	return a, nil
}

// ID returns the agent ID.
func (a *Agent) ID() string {
	return a.cfg.ID
}

// Start loads the root spell, starts the liveness pinger and the job worker.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.workerDone = make(chan struct{})
	a.mu.Unlock()

	if a.cfg.RootSpellID != "" {
		spell, err := a.cfg.Spells.Get(ctx, a.cfg.RootSpellID)
		if err != nil {
			a.cancel()
			close(a.workerDone)
			return fmt.Errorf("loading root spell: %w", err)
		}
		if err := a.LoadSpell(ctx, spell); err != nil {
			a.cancel()
			close(a.workerDone)
			return err
		}
	}

	if err := a.pinger.Start(a.ctx); err != nil {
		a.cancel()
		close(a.workerDone)
		return err
	}
	go a.work()

	a.Log("agent started", map[string]any{"name": a.cfg.Name, "rootSpellId": a.cfg.RootSpellID})
	return nil
}

// Stop ends the worker and the pinger and disposes every scheduler.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	started := a.started
	a.mu.Unlock()

	a.Log("agent stopping", nil)
	a.cancel()
	a.pinger.Stop()

	var errs []error
	if started {
		select {
		case <-a.workerDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for worker: %w", ctx.Err()))
		}
	}

	a.mu.Lock()
	schedulers := a.schedulers
	a.schedulers = make(map[string]*runtime.Scheduler)
	a.mu.Unlock()
	for id, s := range schedulers {
		if err := s.Dispose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disposing spell %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// LoadSpell initializes a scheduler for spell, replacing and disposing the
// scheduler previously running a spell with the same ID.
func (a *Agent) LoadSpell(ctx context.Context, spell graph.Spell) error {
	if a.ctx.Err() != nil {
		return ErrStopped
	}
	reg, err := registry.Assemble(a.providers, registry.WithOverrideHook(func(c registry.Conflict) {
		a.cfg.Logger.Debug("registry override", "spell_id", spell.ID, "conflict", c.String())
	}))
	if err != nil {
		return fmt.Errorf("assembling registry for spell %s: %w", spell.ID, err)
	}

	cfg := a.cfg.Scheduler
	cfg.AgentID = a.cfg.ID
	relay := runtime.EventHandler(a.relayTelemetry)
	if a.cfg.RelayDecorator != nil {
		relay = a.cfg.RelayDecorator(relay)
	}
	cfg.Telemetry = runtime.MultiEventHandler(a.cfg.Scheduler.Telemetry, relay)
	if cfg.Logger == nil {
		cfg.Logger = a.cfg.Logger
	}

	s, err := runtime.Initialize(a.ctx, spell, reg, cfg)
	if err != nil {
		return fmt.Errorf("initializing spell %s: %w", spell.ID, err)
	}
	s.StartRunLoop()

	a.mu.Lock()
	old := a.schedulers[spell.ID]
	a.schedulers[spell.ID] = s
	a.mu.Unlock()

	if old != nil {
		if err := old.Dispose(ctx); err != nil {
			a.cfg.Logger.Warn("disposing replaced spell", "spell_id", spell.ID, "err", err)
		}
		a.Log("spell reloaded", map[string]any{"spellId": spell.ID})
	} else {
		a.Log("spell loaded", map[string]any{"spellId": spell.ID})
	}
	return nil
}

// Scheduler returns the scheduler of a loaded spell.
func (a *Agent) Scheduler(spellID string) (*runtime.Scheduler, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.schedulers[spellID]
	return s, ok
}

// Spells returns the IDs of the loaded spells, sorted.
func (a *Agent) Spells() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Sorted(maps.Keys(a.schedulers))
}

// Registry assembles the registry a newly loaded spell would run against.
func (a *Agent) Registry() (*registry.Registry, error) {
	return registry.Assemble(a.providers)
}

// PublishEvent publishes payload on topic. The agent and project IDs are
// always set on the published payload.
func (a *Agent) PublishEvent(ctx context.Context, topic string, payload map[string]any) error {
	out := maps.Clone(payload)
	if out == nil {
		out = make(map[string]any, 2)
	}
	out["agentId"] = a.cfg.ID
	out["projectId"] = a.cfg.ProjectID
	if err := a.cfg.Bus.Publish(ctx, bus.Message{Topic: topic, Payload: out}); err != nil {
		return fmt.Errorf("publishing on %s: %w", topic, err)
	}
	return nil
}

// Log publishes an informational message on the agent's log topic.
func (a *Agent) Log(message string, data map[string]any) {
	a.cfg.Logger.Info(message, "data", data)
	a.publishLine(bus.LogTopic(a.cfg.ID), "log", message, data)
}

// Warn publishes a warning on the agent's warn topic.
func (a *Agent) Warn(message string, data map[string]any) {
	a.cfg.Logger.Warn(message, "data", data)
	a.publishLine(bus.WarnTopic(a.cfg.ID), "warn", message, data)
}

// Error publishes an error on the agent's error topic.
func (a *Agent) Error(message string, err error) {
	a.cfg.Logger.Error(message, "err", err)
	data := map[string]any{}
	if err != nil {
		data["error"] = err.Error()
	}
	a.publishLine(bus.ErrorTopic(a.cfg.ID), "error", message, data)
}

func (a *Agent) publishLine(topic, kind, message string, data map[string]any) {
	payload := map[string]any{"type": kind, "message": message}
	if data != nil {
		payload["data"] = data
	}
	// Lines are published after Stop too, so they outlive the agent context.
	if err := a.PublishEvent(context.Background(), topic, payload); err != nil && !errors.Is(err, bus.ErrClosed) {
		a.cfg.Logger.Debug("dropping agent event", "topic", topic, "err", err)
	}
}

// relayTelemetry forwards scheduler telemetry to the spell event topic.
func (a *Agent) relayTelemetry(e runtime.Event) {
	if err := a.PublishEvent(context.Background(), bus.SpellEventTopic(a.cfg.ID), e.Fields()); err != nil && !errors.Is(err, bus.ErrClosed) {
		a.cfg.Logger.Debug("dropping spell telemetry", "kind", e.Kind, "err", err)
	}
}

// handleAction publishes node actions on the agent's action topic.
func (a *Agent) handleAction(ctx context.Context, p registry.ActionPayload) error {
	return a.PublishEvent(ctx, bus.ActionTopic(a.cfg.ID), map[string]any{
		"action": p.Name,
		"event":  p.Event.Fields(),
		"data":   p.Data,
	})
}
