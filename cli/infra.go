package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	backend "github.com/redis/go-redis/v9"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/grimoire/agent"
	"github.com/petal-labs/grimoire/bus"
	"github.com/petal-labs/grimoire/config"
	"github.com/petal-labs/grimoire/metrics"
	grimoireotel "github.com/petal-labs/grimoire/otel"
	"github.com/petal-labs/grimoire/queue"
	"github.com/petal-labs/grimoire/runtime"
	"github.com/petal-labs/grimoire/state"
)

// infra holds the collaborators an agent process runs on. Redis backs the
// queue, bus, liveness and state when configured; SQLite backs the message
// archive, the posted spells and, without Redis, the state. Everything else
// stays in memory.
type infra struct {
	Bus      bus.Bus
	Queue    queue.Queue
	Liveness agent.LivenessStore
	State    state.Store
	Spells   agent.SpellWriter
	Archive  bus.MessageStore

	Metrics        *metrics.Collector
	MetricsHandler http.Handler

	// Telemetry and Decorator are set when OTLP export is configured.
	Telemetry runtime.EventHandler
	Decorator runtime.EventHandlerDecorator

	closers []func() error
}

// openInfra connects the configured backends. On error everything opened so
// far is closed again.
func openInfra(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *infra, err error) {
	inf := &infra{}
	defer func() {
		if err != nil {
			_ = inf.Close()
		}
	}()

	if cfg.Redis.Enabled() {
		if err := inf.openRedis(ctx, cfg.Redis, logger); err != nil {
			return nil, err
		}
	} else {
		mb := bus.NewMemBus(bus.MemBusConfig{})
		mq := queue.NewMemQueue()
		inf.onClose(mb.Close)
		inf.onClose(mq.Close)
		inf.Bus, inf.Queue, inf.Liveness = mb, mq, agent.NewMemLiveness()
	}

	var writer agent.SpellWriter = agent.NewMemSpellStore()
	if cfg.SQLite.Path != "" {
		w, err := inf.openSQLite(ctx, cfg.SQLite, inf.State == nil, logger)
		if err != nil {
			return nil, err
		}
		writer = w
	}
	inf.Spells = agent.LayeredSpellStore{
		Writer:   writer,
		Fallback: agent.DirSpellStore{Dir: cfg.Agent.SpellsDir},
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if inf.Metrics, err = metrics.NewCollector(reg); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	inf.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	if cfg.OTel.Endpoint != "" {
		if err := inf.openOTel(ctx, cfg.OTel); err != nil {
			return nil, err
		}
	}
	return inf, nil
}

func (inf *infra) openRedis(ctx context.Context, rc config.RedisConfig, logger *slog.Logger) error {
	client := backend.NewUniversalClient(&backend.UniversalOptions{
		Addrs:    []string{rc.Addr},
		Password: rc.Password,
		DB:       rc.DB,
	})
	inf.onClose(client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", rc.Addr, err)
	}

	q := queue.NewRedisQueue(client, queue.WithKey(rc.QueueKey), queue.WithLogger(logger))
	b := bus.NewRedisBus(client, bus.WithChannelPrefix(rc.Prefix), bus.WithLogger(logger))
	inf.onClose(q.Close)
	inf.onClose(b.Close)

	inf.Queue = q
	inf.Bus = b
	inf.Liveness = agent.NewRedisLiveness(client, rc.Prefix, rc.LivenessTTL)
	inf.State = state.NewRedisStore(client, state.WithPrefix(rc.Prefix+"state:"), state.WithTTL(rc.StateTTL))
	return nil
}

func (inf *infra) openSQLite(ctx context.Context, sc config.SQLiteConfig, withState bool, logger *slog.Logger) (agent.SpellWriter, error) {
	dsn := sqliteDSN(sc.Path)
	archive, err := bus.NewSQLiteMessageStore(bus.SQLiteStoreConfig{
		DSN:            dsn,
		RetentionAge:   sc.RetentionAge,
		RetentionCount: sc.RetentionCount,
	})
	if err != nil {
		return nil, fmt.Errorf("opening message archive: %w", err)
	}
	inf.onClose(archive.Close)
	inf.Archive = archive

	sub, err := inf.Bus.SubscribeAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribing archive: %w", err)
	}
	inf.onClose(sub.Close)
	go bus.NewStoreSubscriber(archive, logger).Consume(context.WithoutCancel(ctx), sub)

	if withState {
		st, err := state.NewSQLiteStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("opening state store: %w", err)
		}
		inf.onClose(st.Close)
		inf.State = st
	}

	spells, err := agent.NewSQLiteSpellStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("opening spell store: %w", err)
	}
	inf.onClose(spells.Close)
	return spells, nil
}

// sqliteDSN adds a busy timeout to a plain database path; the archive, the
// state and the spell store write to the same file.
func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)"
}

func (inf *infra) openOTel(ctx context.Context, oc config.OTelConfig) error {
	tp, err := grimoireotel.NewTracerProvider(ctx, grimoireotel.ExportConfig{
		Endpoint:    oc.Endpoint,
		ServiceName: oc.ServiceName,
		Insecure:    oc.Insecure,
	})
	if err != nil {
		return err
	}
	inf.onClose(func() error { return tp.Shutdown(context.Background()) })
	grimoireotel.InstallGlobal(tp)

	tracing := grimoireotel.NewTracingHandler(tp.Tracer("grimoire"))
	mh, err := grimoireotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("grimoire"))
	if err != nil {
		return fmt.Errorf("creating otel instruments: %w", err)
	}
	inf.Telemetry = runtime.MultiEventHandler(tracing.Handle, mh.Handle)
	inf.Decorator = grimoireotel.Decorator(tracing)
	return nil
}

// AgentConfig completes the configured agent with the opened collaborators.
func (inf *infra) AgentConfig(cfg config.Config, logger *slog.Logger) agent.Config {
	ac := cfg.AgentConfig()
	ac.Providers = extraProviders()
	ac.Scheduler.StateStore = inf.State
	ac.Scheduler.Observer = inf.Metrics
	ac.Scheduler.Telemetry = inf.Telemetry
	ac.RelayDecorator = inf.Decorator
	ac.Bus = inf.Bus
	ac.Queue = inf.Queue
	ac.Spells = inf.Spells
	ac.Liveness = inf.Liveness
	ac.Observer = inf.Metrics
	ac.Logger = logger
	return ac
}

func (inf *infra) onClose(fn func() error) {
	inf.closers = append(inf.closers, fn)
}

// Close releases the backends in reverse opening order.
func (inf *infra) Close() error {
	var errs []error
	for i := len(inf.closers) - 1; i >= 0; i-- {
		if err := inf.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	inf.closers = nil
	return errors.Join(errs...)
}
