package agent

import (
	"log/slog"
	"time"

	"github.com/petal-labs/grimoire/bus"
	"github.com/petal-labs/grimoire/queue"
	"github.com/petal-labs/grimoire/registry"
	"github.com/petal-labs/grimoire/runtime"
)

// JobObserver receives run-worker measurements. metrics.Collector
// implements it.
type JobObserver interface {
	JobCompleted(agentID, spellID string, err error, elapsed time.Duration)
	JobIgnored(agentID string)
}

// Config controls an Agent.
type Config struct {
	ID          string
	Name        string
	ProjectID   string
	RootSpellID string

	// PingInterval is the liveness heartbeat period. Defaults to
	// DefaultPingInterval.
	PingInterval time.Duration

	// Secrets and PublicVariables are merged into every run; job values
	// win on conflict.
	Secrets         map[string]string
	PublicVariables map[string]any

	// Providers contribute to the registry of every spell, after the standard
	// value types and the core plugin. Later providers win on conflict.
	Providers []registry.Provider

	// Scheduler is the template configuration of each spell's scheduler.
	// AgentID and Telemetry are set by the agent.
	Scheduler runtime.Config

	// RelayDecorator wraps the handler publishing telemetry on the spell
	// event topic, e.g. to stamp trace IDs.
	RelayDecorator runtime.EventHandlerDecorator

	Bus      bus.Bus
	Queue    queue.Queue
	Spells   SpellStore
	Liveness LivenessStore
	Observer JobObserver
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Bus == nil {
		c.Bus = bus.NewMemBus(bus.MemBusConfig{})
	}
	if c.Queue == nil {
		c.Queue = queue.NewMemQueue()
	}
	if c.Spells == nil {
		c.Spells = NewMemSpellStore()
	}
	if c.Liveness == nil {
		c.Liveness = NewMemLiveness()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
