package runtime

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/grimoire/core"
	"github.com/petal-labs/grimoire/engine"
)

// Default debounce windows of the telemetry relay.
const (
	DefaultStartWindow = time.Second
	DefaultEndWindow   = 4 * time.Second
)

// RelayConfig controls a Relay.
type RelayConfig struct {
	AgentID string
	SpellID string

	// StartWindow suppresses repeated node starts reported within the window
	// of the previous one (leading edge). Zero reports every start.
	StartWindow time.Duration

	// EndWindow delays node ends until no further end of the same node was
	// seen for the window (trailing edge). Zero reports ends immediately.
	EndWindow time.Duration

	// Handler receives the relayed events.
	Handler EventHandler

	// OnError is called after a node failure has been reported.
	OnError func()

	// EventID returns the ID of the envelope currently being processed.
	EventID func() string

	Logger *slog.Logger
	Now    func() time.Time
}

type pendingEnd struct {
	timer *time.Timer
	event Event
}

// Relay turns engine node hooks into debounced telemetry events. Node
// failures are never debounced. The debounce table belongs to one scheduler
// and is torn down by Close.
type Relay struct {
	cfg RelayConfig
	seq seqGen

	mu     sync.Mutex
	starts map[string]time.Time // event key -> last start call
	ends   map[string]*pendingEnd
	closed bool
}

// NewRelay creates a relay. A nil handler discards events.
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Relay{
		cfg:    cfg,
		starts: make(map[string]time.Time),
		ends:   make(map[string]*pendingEnd),
	}
}

// Hooks returns engine hooks feeding the relay.
func (r *Relay) Hooks() engine.Hooks {
	return engine.Hooks{
		OnNodeStart: r.NodeStarted,
		OnNodeEnd:   r.NodeEnded,
		OnNodeError: r.NodeFailed,
	}
}

func (r *Relay) nodeEvent(kind EventKind, info engine.NodeInfo) Event {
	e := NewEvent(kind, r.cfg.SpellID).WithNode(info.ID, info.Type).WithElapsed(info.Elapsed)
	e.Time = r.cfg.Now()
	e.Payload["category"] = info.Category.String()
	if r.cfg.EventID != nil {
		if id := r.cfg.EventID(); id != "" {
			e.Payload["eventId"] = id
		}
	}
	return e
}

// NodeStarted reports a node start unless the same node started within
// StartWindow of the previous call.
func (r *Relay) NodeStarted(info engine.NodeInfo) {
	e := r.nodeEvent(EventNodeStarted, info)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	last, seen := r.starts[e.EventKey]
	r.starts[e.EventKey] = e.Time
	r.mu.Unlock()

	if seen && r.cfg.StartWindow > 0 && e.Time.Sub(last) < r.cfg.StartWindow {
		return
	}
	r.Emit(e)
}

// NodeEnded reports a node end once EndWindow passed without another end of
// the same node. Reporting the end clears the node's start entry.
func (r *Relay) NodeEnded(info engine.NodeInfo) {
	e := r.nodeEvent(EventNodeFinished, info)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.cfg.EndWindow <= 0 {
		delete(r.starts, e.EventKey)
		r.mu.Unlock()
		r.Emit(e)
		return
	}
	if p, ok := r.ends[e.EventKey]; ok {
		p.event = e
		p.timer.Reset(r.cfg.EndWindow)
		r.mu.Unlock()
		return
	}
	key := e.EventKey
	r.ends[key] = &pendingEnd{
		event: e,
		timer: time.AfterFunc(r.cfg.EndWindow, func() { r.fireEnd(key) }),
	}
	r.mu.Unlock()
}

// fireEnd reports the end still pending under key. Whoever removes the entry
// from ends, this or Close, reports it.
func (r *Relay) fireEnd(key string) {
	r.mu.Lock()
	p, ok := r.ends[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.ends, key)
	delete(r.starts, key)
	r.mu.Unlock()
	r.Emit(p.event)
}

// NodeFailed reports a node failure immediately, then calls OnError.
func (r *Relay) NodeFailed(info engine.NodeInfo, nerr *core.NodeError) {
	e := r.nodeEvent(EventNodeFailed, info)
	e.Payload["error"] = nerr.Message
	for k, v := range nerr.Details {
		if k == "stack" {
			continue
		}
		e.Payload[k] = v
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	r.Emit(e)
	if r.cfg.OnError != nil {
		r.cfg.OnError()
	}
}

// Emit stamps an event with the relay's identity and sequence and hands it
// to the handler without debouncing.
func (r *Relay) Emit(e Event) {
	if r.cfg.Handler == nil {
		return
	}
	e.AgentID = r.cfg.AgentID
	if e.SpellID == "" {
		e.SpellID = r.cfg.SpellID
	}
	if e.Time.IsZero() {
		e.Time = r.cfg.Now()
	}
	e.Seq = r.seq.Next()
	r.cfg.Handler(e)
}

// Close stops the debounce timers and reports every pending node end,
// including ends whose timer fired but has not reported yet. Later reports
// are dropped. Close is idempotent.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := make([]Event, 0, len(r.ends))
	for key, p := range r.ends {
		p.timer.Stop()
		pending = append(pending, p.event)
		delete(r.ends, key)
	}
	clear(r.starts)
	r.mu.Unlock()

	slices.SortFunc(pending, func(a, b Event) int { return a.Time.Compare(b.Time) })

	for _, e := range pending {
		r.Emit(e)
	}
}
