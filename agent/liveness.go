package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	backend "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// DefaultPingInterval is how often a running agent records it is alive.
const DefaultPingInterval = time.Second

// ErrNeverSeen is returned by LastSeen for an agent that never pinged.
var ErrNeverSeen = errors.New("agent never seen")

// LivenessStore records when agents were last seen.
type LivenessStore interface {
	Ping(ctx context.Context, agentID string, at time.Time) error
	LastSeen(ctx context.Context, agentID string) (time.Time, error)
}

// MemLiveness is an in-memory LivenessStore.
type MemLiveness struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

// NewMemLiveness returns an empty in-memory liveness store.
func NewMemLiveness() *MemLiveness {
	return &MemLiveness{seen: make(map[string]time.Time)}
}

func (m *MemLiveness) Ping(_ context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[agentID] = at
	return nil
}

func (m *MemLiveness) LastSeen(_ context.Context, agentID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.seen[agentID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNeverSeen, agentID)
	}
	return at, nil
}

// RedisLiveness stores last-seen times as RFC 3339 strings under
// <prefix>agent:<id>:pingedAt. Keys expire after TTL so a dead agent's entry
// disappears.
type RedisLiveness struct {
	client backend.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLiveness creates a liveness store on client. A zero ttl keeps keys
// forever.
func NewRedisLiveness(client backend.UniversalClient, prefix string, ttl time.Duration) *RedisLiveness {
	return &RedisLiveness{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisLiveness) key(agentID string) string {
	return r.prefix + "agent:" + agentID + ":pingedAt"
}

func (r *RedisLiveness) Ping(ctx context.Context, agentID string, at time.Time) error {
	if err := r.client.Set(ctx, r.key(agentID), at.UTC().Format(time.RFC3339Nano), r.ttl).Err(); err != nil {
		return fmt.Errorf("recording ping of %s: %w", agentID, err)
	}
	return nil
}

func (r *RedisLiveness) LastSeen(ctx context.Context, agentID string) (time.Time, error) {
	val, err := r.client.Get(ctx, r.key(agentID)).Result()
	if errors.Is(err, backend.Nil) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNeverSeen, agentID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading ping of %s: %w", agentID, err)
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing ping of %s: %w", agentID, err)
	}
	return at, nil
}

// Pinger records an agent's liveness on a fixed interval, independently of
// its schedulers.
type Pinger struct {
	agentID  string
	store    LivenessStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewPinger creates a pinger. A non-positive interval uses
// DefaultPingInterval.
func NewPinger(agentID string, store LivenessStore, interval time.Duration, logger *slog.Logger) *Pinger {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pinger{
		agentID:  agentID,
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start pings once right away, then every interval until Stop.
func (p *Pinger) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), func() { p.ping(ctx) }); err != nil {
		return fmt.Errorf("scheduling ping: %w", err)
	}
	p.ping(ctx)
	c.Start()
	p.cron = c
	return nil
}

func (p *Pinger) ping(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := p.store.Ping(ctx, p.agentID, p.now()); err != nil {
		p.logger.Warn("liveness ping failed", "agent_id", p.agentID, "err", err)
	}
}

// Stop ends pinging and waits for a running ping to return.
func (p *Pinger) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
