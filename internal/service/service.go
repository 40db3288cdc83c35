// Package service composes the monitoring components behind the public
// operation set used by the HTTP API.
//
// # Design
//
// Components never call each other directly for fan-out. The scheduler,
// incident manager, metrics collector and alert evaluator publish on one
// events.Bus; the evaluator, the cache invalidator and API stream clients
// each hold their own subscription. The only synchronous edges are:
//
//   - scheduler -> incident manager, for every critical result
//   - evaluator -> notify dispatcher, for the actions of a fired alert
//   - evaluator -> scheduler, for uptime aggregates
//
// Mutating operations delegate to the owning component, which validates,
// persists and publishes. Summary queries are cached for a short TTL and
// invalidated by events.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/healthmon/db/migrate"
	"github.com/pilot-net/healthmon/internal/alerting"
	"github.com/pilot-net/healthmon/internal/buffer"
	"github.com/pilot-net/healthmon/internal/cache"
	"github.com/pilot-net/healthmon/internal/config"
	"github.com/pilot-net/healthmon/internal/events"
	"github.com/pilot-net/healthmon/internal/executor"
	"github.com/pilot-net/healthmon/internal/incident"
	"github.com/pilot-net/healthmon/internal/metrics"
	"github.com/pilot-net/healthmon/internal/notify"
	"github.com/pilot-net/healthmon/internal/scheduler"
	"github.com/pilot-net/healthmon/internal/secrets"
	"github.com/pilot-net/healthmon/internal/store"
)

// Service provides the public operations.
type Service struct {
	config *config.Config
	logger *slog.Logger

	store    store.Store
	redis    *redis.Client // nil without redis.url
	cache    cache.Cache
	resolver secrets.Resolver

	bus        *events.Bus
	executors  *executor.Registry
	scheduler  *scheduler.Scheduler
	incidents  *incident.Manager
	evaluator  *alerting.Evaluator
	channels   *notify.Registry
	dispatcher *notify.Dispatcher
	collector  *metrics.Collector // nil when metrics are disabled
	flusher    *buffer.Flusher    // nil when results are written directly

	startedAt time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Open connects the configured store and Redis, applies migrations when
// requested and builds the service.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	st, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		st.Close()
		return nil, fmt.Errorf("store ping failed: %w", err)
	}

	if pg, ok := st.(*store.Postgres); ok && cfg.Storage.Migrate {
		if err := migrate.Run(ctx, pg.Pool(), logger); err != nil {
			st.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = buffer.Dial(ctx, cfg.Redis.URL)
		if err != nil {
			st.Close()
			return nil, err
		}
		logger.Info("connected to redis")
	}

	svc, err := New(cfg, st, rdb, logger)
	if err != nil {
		st.Close()
		if rdb != nil {
			rdb.Close()
		}
		return nil, err
	}
	return svc, nil
}

// New builds the service over an open store. rdb may be nil, in which case
// throttling and caching stay in process and results are written directly.
func New(cfg *config.Config, st store.Store, rdb *redis.Client, logger *slog.Logger) (*Service, error) {
	resolver, err := secrets.NewResolver(cfg.Secrets, logger)
	if err != nil {
		return nil, fmt.Errorf("creating secrets resolver: %w", err)
	}

	s := &Service{
		config:    cfg,
		logger:    logger.With("component", "service"),
		store:     st,
		redis:     rdb,
		resolver:  resolver,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}

	s.bus = events.NewBus(cfg.Events.PublishTimeout, logger)

	// Executors
	s.executors = executor.NewRegistry()
	lookup := func(ctx context.Context, ref string) (string, error) {
		return secrets.Lookup(ctx, s.resolver, ref)
	}
	for _, e := range []executor.Executor{
		executor.NewHTTPExecutor(),
		executor.NewTCPExecutor(),
		executor.NewPingExecutor(),
		executor.NewDatabaseExecutor(),
		executor.NewServiceExecutor(lookup),
		executor.NewCustomExecutor(),
	} {
		if err := s.executors.Register(e); err != nil {
			// Checks of this kind report unknown until the dependency is installed.
			s.logger.Warn("failed to register executor", "kind", e.Kind(), "error", err)
			continue
		}
		s.logger.Debug("registered executor", "kind", e.Kind())
	}

	// Incidents
	s.incidents = incident.NewManager(st, incident.Config{
		AutoResolveInterval: cfg.Incidents.AutoResolveInterval,
		ResolveHealthyCount: cfg.Incidents.ResolveHealthyCount,
		FlushInterval:       cfg.Incidents.FlushInterval,
	}, logger)
	s.incidents.SetPublisher(s.bus)

	// Scheduler
	s.scheduler = scheduler.New(s.executors, st, scheduler.Config{
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
		PersistTimeout: cfg.Scheduler.PersistTimeout,
	}, logger)
	s.scheduler.SetIncidentHook(s.incidents)
	s.scheduler.SetPublisher(s.bus)

	if rdb != nil && cfg.Redis.BufferResults {
		buf := buffer.NewResultBuffer(rdb, logger)
		s.scheduler.SetResultSink(buf)
		s.flusher = buffer.NewFlusher(buf, st, cfg.Redis.FlushInterval, logger)
	}

	// Notifications
	s.channels = notify.NewRegistry(st, logger)
	sinks := []notify.Sink{
		notify.NewEmailSink(cfg.Notify.SMTP),
		notify.NewSlackSink(),
		notify.NewSMSSink(),
		notify.NewWebhookSink(),
		notify.NewPagerDutySink(),
	}
	s.dispatcher = notify.NewDispatcher(sinks, s.channels, notify.Config{
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		SinkTimeout: cfg.Notify.SinkTimeout,
		RateLimit:   cfg.Notify.RateLimit,
		RateBurst:   cfg.Notify.RateBurst,
	}, logger)
	s.dispatcher.SetResolver(resolver)

	// Alerting
	var throttle alerting.Throttle = alerting.NewMemoryThrottle()
	if rdb != nil {
		throttle = alerting.NewRedisThrottle(rdb)
	}
	s.evaluator = alerting.NewEvaluator(st, throttle, alerting.Config{
		ThrottlingEnabled:   cfg.Alerting.ThrottlingEnabled,
		SweepInterval:       cfg.Alerting.SweepInterval,
		Workers:             cfg.Alerting.Workers,
		DefaultUptimeWindow: cfg.Alerting.DefaultUptimeWindow,
		PersistTimeout:      cfg.Scheduler.PersistTimeout,
	}, logger)
	s.evaluator.SetDispatcher(s.dispatcher)
	s.evaluator.SetUptimeSource(s.scheduler)
	s.evaluator.SetPublisher(s.bus)

	// Metrics
	if cfg.Metrics.Enabled {
		s.collector = metrics.NewCollector(st, metrics.Config{
			Interval:  cfg.Metrics.Interval,
			DiskPaths: cfg.Metrics.DiskPaths,
		}, logger)
		s.collector.SetPublisher(s.bus)
	}

	if rdb != nil {
		s.cache = cache.NewRedis(rdb)
	} else {
		s.cache = cache.NewMemory()
	}

	return s, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start restores persisted definitions, applies the bootstrap file and
// starts every worker. Checks begin executing when Start returns.
func (s *Service) Start(ctx context.Context) error {
	if err := s.channels.Load(ctx); err != nil {
		return err
	}
	if err := s.scheduler.Load(ctx); err != nil {
		return err
	}
	if err := s.incidents.Load(ctx); err != nil {
		return err
	}
	if err := s.evaluator.LoadRules(ctx); err != nil {
		return err
	}

	if s.config.Bootstrap != "" {
		b, err := config.LoadBootstrap(s.config.Bootstrap)
		if err != nil {
			return err
		}
		s.applyBootstrap(ctx, b)
	}

	evalCh := s.bus.SubscribeWithTimeout("evaluator", s.config.Events.BufferSize, s.config.Events.EvaluatorTimeout,
		events.CheckCompleted,
		events.MetricsCollected,
		events.IncidentCreated,
	)
	cacheCh := s.bus.Subscribe("cache", s.config.Events.BufferSize,
		events.CheckAdded,
		events.CheckUpdated,
		events.CheckRemoved,
		events.IncidentCreated,
		events.IncidentResolved,
		events.AlertFired,
		events.AlertResolved,
	)

	s.dispatcher.Start(ctx)
	s.evaluator.Start(ctx, evalCh)
	s.incidents.Start(ctx)
	if s.flusher != nil {
		s.flusher.Start(ctx)
	}
	if s.collector != nil {
		s.collector.Start(ctx)
	}

	s.wg.Add(2)
	go s.invalidateLoop(ctx, cacheCh)
	go s.cleanupLoop(ctx)

	s.scheduler.Start(ctx)

	s.logger.Info("service started",
		"storage", s.config.Storage.Driver,
		"redis", s.redis != nil,
		"buffered_results", s.flusher != nil,
		"metrics", s.collector != nil,
	)
	return nil
}

// Stop stops producers before consumers so in-flight results still reach
// the store, the evaluator and the dispatcher.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.scheduler.Stop()
		if s.collector != nil {
			s.collector.Stop()
		}
		if s.flusher != nil {
			s.flusher.Stop()
		}
		s.incidents.Stop()
		s.evaluator.Stop()
		s.dispatcher.Stop()

		close(s.stopCh)
		s.wg.Wait()
		s.bus.Close()

		s.logger.Info("service stopped", "dropped_events", s.bus.Dropped())
	})
}

// Close releases the store and the Redis client. Call after Stop.
func (s *Service) Close() error {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("closing redis", "error", err)
		}
	}
	return s.store.Close()
}

// Subscribe returns a stream of events for an API client. Release it with
// Unsubscribe.
func (s *Service) Subscribe(name string, only ...events.Type) <-chan events.Event {
	return s.bus.Subscribe(name, s.config.Events.BufferSize, only...)
}

// Unsubscribe releases a stream returned by Subscribe.
func (s *Service) Unsubscribe(ch <-chan events.Event) {
	s.bus.Unsubscribe(ch)
}

func (s *Service) invalidateLoop(ctx context.Context, in <-chan events.Event) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			s.invalidate(ctx, ev)
		}
	}
}

func (s *Service) invalidate(ctx context.Context, ev events.Event) {
	if err := s.cache.Delete(ctx, cacheKeyInfraHealth); err != nil {
		s.logger.Warn("failed to invalidate cache", "key", cacheKeyInfraHealth, "error", err)
	}
	if ev.Type == events.CheckRemoved && ev.Check != nil {
		prefix := uptimePrefix(ev.Check.ID)
		if err := s.cache.DeletePrefix(ctx, prefix); err != nil {
			s.logger.Warn("failed to invalidate cache", "prefix", prefix, "error", err)
		}
	}
}

func (s *Service) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Storage.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes history older than the configured retention.
func (s *Service) Cleanup(ctx context.Context) store.CleanupStats {
	start := time.Now()
	stats, err := s.store.Cleanup(ctx, s.config.Storage.Retention)
	if err != nil {
		s.logger.Error("cleanup failed", "error", err)
		return stats
	}
	s.logger.Info("cleanup complete",
		"results", stats.Results,
		"metrics", stats.Metrics,
		"alerts", stats.Alerts,
		"duration", time.Since(start),
	)
	return stats
}
