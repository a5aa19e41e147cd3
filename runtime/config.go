package runtime

import (
	"log/slog"
	"time"

	"github.com/petal-labs/grimoire/eventstate"
	"github.com/petal-labs/grimoire/state"
)

// Scheduler defaults.
const (
	DefaultLoopDelay       = 100 * time.Millisecond
	DefaultTimeLimit       = 5 * time.Second
	DefaultStepLimit       = 100
	DefaultMaxQueuedEvents = 64
)

// Observer receives scheduler measurements. metrics.Collector implements it.
type Observer interface {
	TickCompleted(spellID string, steps int, deferred bool, elapsed time.Duration)
	EventSettled(spellID string, status eventstate.Status, elapsed time.Duration)
	EventRejected(spellID string)
}

// Config controls a Scheduler.
type Config struct {
	AgentID string

	// LoopDelay is the sleep between loop iterations.
	LoopDelay time.Duration
	// TimeLimit bounds the wall time of one tick's execution pass. Negative
	// disables the bound.
	TimeLimit time.Duration
	// StepLimit bounds the steps of one tick's execution pass. Negative
	// disables the bound.
	StepLimit int
	// MaxQueuedEvents bounds the envelopes waiting behind the current one.
	MaxQueuedEvents int
	// AwaitTimeout fails an event whose async work shows no activity for the
	// duration. Zero waits forever.
	AwaitTimeout time.Duration

	// Telemetry relay debounce windows. Zero disables debouncing; see
	// DefaultConfig for the usual values.
	StartWindow time.Duration
	EndWindow   time.Duration

	// StateStore persists per-node state. Defaults to an in-memory store.
	StateStore state.Store

	// Telemetry receives relayed telemetry events.
	Telemetry EventHandler

	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		LoopDelay:       DefaultLoopDelay,
		TimeLimit:       DefaultTimeLimit,
		StepLimit:       DefaultStepLimit,
		MaxQueuedEvents: DefaultMaxQueuedEvents,
		StartWindow:     DefaultStartWindow,
		EndWindow:       DefaultEndWindow,
	}
}

func (c Config) withDefaults() Config {
	if c.LoopDelay <= 0 {
		c.LoopDelay = DefaultLoopDelay
	}
	if c.TimeLimit == 0 {
		c.TimeLimit = DefaultTimeLimit
	}
	if c.StepLimit == 0 {
		c.StepLimit = DefaultStepLimit
	}
	if c.MaxQueuedEvents <= 0 {
		c.MaxQueuedEvents = DefaultMaxQueuedEvents
	}
	if c.StateStore == nil {
		c.StateStore = state.NewMemStore()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
