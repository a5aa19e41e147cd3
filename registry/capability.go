package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/petal-labs/grimoire/core"
)

// Capability is the category of a dependency. Each category maps to the Go
// interface its value must implement.
type Capability string

const (
	// CapabilityEmitter values implement Emitter (message sources).
	CapabilityEmitter Capability = "emitter"
	// CapabilityLifecycle values implement Emitter and carry the
	// start / tick / end events of a scheduler.
	CapabilityLifecycle Capability = "lifecycle"
	// CapabilityActions values implement Actions.
	CapabilityActions Capability = "actions"
	// CapabilityService values are opaque services looked up by nodes.
	CapabilityService Capability = "service"
)

// Lifecycle event names emitted on the lifecycle dependency.
const (
	LifecycleStart = "start"
	LifecycleTick  = "tick"
	LifecycleEnd   = "end"
)

// Dependency is one keyed entry of the dependency table.
type Dependency struct {
	Key        string
	Capability Capability
	Value      any
}

func (d Dependency) validate() error {
	if d.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidDependency)
	}
	if d.Value == nil {
		return fmt.Errorf("%w: %q has no value", ErrInvalidDependency, d.Key)
	}
	var ok bool
	switch d.Capability {
	case CapabilityEmitter, CapabilityLifecycle:
		_, ok = d.Value.(Emitter)
	case CapabilityActions:
		_, ok = d.Value.(Actions)
	case CapabilityService:
		ok = true
	default:
		return fmt.Errorf("%w: %q has unknown capability %q", ErrInvalidDependency, d.Key, d.Capability)
	}
	if !ok {
		return fmt.Errorf("%w: %q (%T) does not implement the %s capability", ErrInvalidDependency, d.Key, d.Value, d.Capability)
	}
	return nil
}

// Listener receives envelopes emitted on an event name.
type Listener func(env core.Envelope)

// Emitter is an addressable, named-event emitter that the scheduler both
// listens to and re-emits on.
type Emitter interface {
	// On registers a listener and returns a function that removes it.
	On(event string, l Listener) (unsubscribe func())
	// Emit calls every listener of event synchronously, in registration order.
	Emit(event string, env core.Envelope)
}

// EventEmitter is the in-process Emitter implementation.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]*listenerEntry
}

type listenerEntry struct {
	fn Listener
}

// NewEmitter returns an empty EventEmitter.
func NewEmitter() *EventEmitter {
	return &EventEmitter{listeners: make(map[string][]*listenerEntry)}
}

func (e *EventEmitter) On(event string, l Listener) func() {
	entry := &listenerEntry{fn: l}
	e.mu.Lock()
	e.listeners[event] = append(e.listeners[event], entry)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			list := e.listeners[event]
			for i, x := range list {
				if x == entry {
					e.listeners[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(e.listeners[event]) == 0 {
				delete(e.listeners, event)
			}
		})
	}
}

func (e *EventEmitter) Emit(event string, env core.Envelope) {
	e.mu.RLock()
	list := append([]*listenerEntry(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, entry := range list {
		entry.fn(env)
	}
}

// ListenerCount returns the number of listeners on event.
func (e *EventEmitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

// ActionPayload is a request for an agent-side effect, such as sending a
// message back to the channel an event came from.
type ActionPayload struct {
	Name  string
	Event core.Envelope
	Data  any
}

// Actions performs named actions on behalf of nodes.
type Actions interface {
	Handle(ctx context.Context, p ActionPayload) error
}

// ActionsFunc adapts a function to Actions.
type ActionsFunc func(ctx context.Context, p ActionPayload) error

func (f ActionsFunc) Handle(ctx context.Context, p ActionPayload) error { return f(ctx, p) }
