// Package eventstate tracks the processing status of the event currently
// flowing through one spell instance, including outstanding async work.
//
// States move INIT -> RUNNING -> (AWAIT <-> RUNNING)* -> DONE. ERRORED is
// entered on a node fault and only left when the next event is set.
package eventstate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/petal-labs/grimoire/core"
)

// Status is the processing phase of the current event.
type Status string

const (
	StatusInit    Status = "INIT"
	StatusAwait   Status = "AWAIT"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusErrored Status = "ERRORED"
)

// Settled reports whether the status is terminal for the current event.
func (s Status) Settled() bool {
	return s == StatusDone || s == StatusErrored
}

var (
	// ErrNotInitialized is returned by SetEvent before Init.
	ErrNotInitialized = errors.New("event state not initialized")
	// ErrEventInProgress is returned by SetEvent while another event is
	// RUNNING or AWAIT. Callers queue instead of overwriting.
	ErrEventInProgress = errors.New("event in progress")
	// ErrUnpairedAwait is returned by CheckStall when async work never
	// finished.
	ErrUnpairedAwait = errors.New("unpaired await")
)

// Persister restores and saves per-node state around an event.
// *state.Service implements it.
type Persister interface {
	Init(nodes map[string]core.Stateful)
	Rehydrate(ctx context.Context, stateKey string) error
	SyncAndClear(ctx context.Context) error
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is the event state machine of one scheduler instance.
type Machine struct {
	persist Persister
	now     func() time.Time

	mu           sync.Mutex
	initialized  bool
	status       Status
	pending      int
	current      *core.Envelope
	outputs      map[string]any
	generation   uint64
	lastActivity time.Time
	err          error
}

// New creates a machine. A nil persister disables state rehydration.
func New(p Persister, opts ...Option) *Machine {
	m := &Machine{
		persist: p,
		now:     time.Now,
		status:  StatusInit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init clears the current event, stores the stateful node table and resets
// to INIT.
func (m *Machine) Init(nodes map[string]core.Stateful) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	m.current = nil
	m.outputs = nil
	m.status = StatusInit
	m.pending = 0
	m.err = nil
	if m.persist != nil {
		m.persist.Init(nodes)
	}
}

// SetEvent installs env as the current event, moves to RUNNING and restores
// per-node state for env's state key. A rehydration failure fails the event.
func (m *Machine) SetEvent(ctx context.Context, env core.Envelope) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.current != nil && (m.status == StatusRunning || m.status == StatusAwait) {
		id := m.current.ID
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEventInProgress, id)
	}
	m.current = &env
	m.outputs = make(map[string]any)
	m.status = StatusRunning
	m.pending = 0
	m.err = nil
	m.generation++
	m.lastActivity = m.now()
	gen := m.generation
	m.mu.Unlock()

	if m.persist == nil {
		return nil
	}
	if err := m.persist.Rehydrate(ctx, env.EffectiveStateKey()); err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.status = StatusErrored
			m.err = err
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Await records one unit of async work against the event in progress and
// moves to AWAIT. Calls are additive. It returns the generation the work
// belongs to, and false when no event is RUNNING or AWAIT: a settled event
// is never reopened and the caller tracks the work on its own.
func (m *Machine) Await() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || (m.status != StatusRunning && m.status != StatusAwait) {
		return 0, false
	}
	m.pending++
	m.lastActivity = m.now()
	m.status = StatusAwait
	return m.generation, true
}

// Finish records the completion of one unit of async work. The status
// becomes DONE once no work is outstanding; ERRORED is kept. A finish
// without outstanding work is ignored.
func (m *Machine) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == 0 {
		return
	}
	m.pending--
	m.lastActivity = m.now()
	if m.pending == 0 && m.status != StatusErrored {
		m.status = StatusDone
	}
}

// Done is called at the end of a synchronous pass. While async work is
// outstanding (AWAIT) it does nothing. Otherwise it saves and clears per-node
// state and moves to DONE when no work is outstanding. Without a current
// event there is nothing to complete.
func (m *Machine) Done(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusAwait || m.current == nil {
		m.mu.Unlock()
		return nil
	}
	gen := m.generation
	m.mu.Unlock()

	var syncErr error
	if m.persist != nil {
		syncErr = m.persist.SyncAndClear(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation == gen && m.pending == 0 && m.status != StatusErrored && m.status != StatusAwait {
		m.status = StatusDone
	}
	if syncErr != nil {
		return fmt.Errorf("syncing node state: %w", syncErr)
	}
	return nil
}

// Fail abandons the current event: ERRORED, outstanding work forgotten.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusErrored
	m.pending = 0
	m.err = err
	m.lastActivity = m.now()
}

// CheckStall reports ErrUnpairedAwait when the machine has been in AWAIT
// without any await or finish for at least timeout. A zero timeout disables
// the check.
func (m *Machine) CheckStall(now time.Time, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusAwait {
		return nil
	}
	if idle := now.Sub(m.lastActivity); idle >= timeout {
		return fmt.Errorf("%w: %d async node(s) outstanding for %s", ErrUnpairedAwait, m.pending, idle.Round(time.Millisecond))
	}
	return nil
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Pending returns the number of outstanding async units.
func (m *Machine) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Generation increments with every SetEvent.
func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Current returns the current event, if any.
func (m *Machine) Current() (core.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return core.Envelope{}, false
	}
	return *m.current, true
}

// Err returns the fault that moved the event to ERRORED.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// SetOutput records a graph output of the current event.
func (m *Machine) SetOutput(name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outputs == nil {
		m.outputs = make(map[string]any)
	}
	m.outputs[name] = value
}

// Outputs returns a copy of the graph outputs of the current event.
func (m *Machine) Outputs() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.outputs)
}
