package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/HazardBox/config"
	hazardsapi "github.com/BearBump/HazardBox/internal/api/hazards_api"
	"github.com/BearBump/HazardBox/internal/broker/kafka"
	"github.com/BearBump/HazardBox/internal/broker/messages"
	"github.com/BearBump/HazardBox/internal/integrations/remote"
	"github.com/BearBump/HazardBox/internal/integrations/remote/fake"
	"github.com/BearBump/HazardBox/internal/integrations/remote/httpapi"
	"github.com/BearBump/HazardBox/internal/platform"
	"github.com/BearBump/HazardBox/internal/platform/sim"
	"github.com/BearBump/HazardBox/internal/services/alerts"
	"github.com/BearBump/HazardBox/internal/services/hazards"
	"github.com/BearBump/HazardBox/internal/services/outbox"
	"github.com/BearBump/HazardBox/internal/services/regions"
	"github.com/BearBump/HazardBox/internal/services/syncer"
	"github.com/BearBump/HazardBox/internal/storage/pghazards"
	"github.com/BearBump/HazardBox/internal/storage/redisstore"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// coreStore is everything the core persists: the hazard table, the outbox
// and the sync cursor. Both storage drivers implement it.
type coreStore interface {
	hazards.Repository
	outbox.Queue
	syncer.CursorStore
	Ping(ctx context.Context) error
}

type alertPublisher interface {
	alerts.Publisher
	Close() error
}

type remoteChangesConsumer interface {
	ConsumeRemoteChanges(ctx context.Context, logger *slog.Logger, onChange func(messages.RemoteChanged)) error
	Close() error
}

type coreFactories struct {
	newStore         func(cfg *config.Config) (st coreStore, closeFn func(), err error)
	newRemote        func(cfg *config.Config) remote.Client
	newPlatform      func(cfg *config.Config) platform.Platform
	newProducer      func(cfg *config.Config) alertPublisher
	newConsumer      func(cfg *config.Config) remoteChangesConsumer
	newClientLimiter func(cfg *config.Config) (hazardsapi.ClientLimiter, func())
}

func defaultCoreFactories() coreFactories {
	return coreFactories{
		newStore: func(cfg *config.Config) (coreStore, func(), error) {
			switch cfg.Storage.Driver {
			case "postgres":
				st, err := openPostgresWithRetry(postgresConnString(cfg.Database), 60*time.Second)
				if err != nil {
					return nil, nil, err
				}
				return st, st.Close, nil
			case "", "redis":
				st := redisstore.New(redisAddr(cfg.Redis), cfg.Redis.DB, redisPrefix(cfg.Redis))
				return st, func() { _ = st.Close() }, nil
			default:
				return nil, nil, errors.Errorf("unknown storage driver %q", cfg.Storage.Driver)
			}
		},
		newRemote: func(cfg *config.Config) remote.Client {
			if cfg.Remote.Mode == "http" && cfg.Remote.BaseURL != "" {
				timeout := time.Duration(cfg.Remote.TimeoutSeconds) * time.Second
				return httpapi.New(cfg.Remote.BaseURL, cfg.Remote.APIKey, timeout).WithRateLimit(10, 5)
			}
			return fake.New()
		},
		newPlatform: func(cfg *config.Config) platform.Platform {
			budget := cfg.Alerts.Budget
			if budget <= 0 {
				budget = regions.DefaultBudget
			}
			return sim.New().WithLimits(budget, cfg.Alerts.PlatformMaxRadiusMeters)
		},
		newProducer: func(cfg *config.Config) alertPublisher {
			if cfg.Kafka.Host == "" {
				return nil
			}
			return kafka.NewProducer(kafkaBrokers(cfg.Kafka))
		},
		newConsumer: func(cfg *config.Config) remoteChangesConsumer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			group := cfg.Kafka.ConsumerGroup
			if group == "" {
				group = "hazard-core"
			}
			return kafka.NewConsumer(kafkaBrokers(cfg.Kafka), cfg.Kafka.RemoteChangesTopic, group)
		},
		newClientLimiter: func(cfg *config.Config) (hazardsapi.ClientLimiter, func()) {
			if cfg.HTTP.ReportsPerClientPerMinute <= 0 || cfg.Redis.Host == "" {
				return nil, nil
			}
			st := redisstore.New(redisAddr(cfg.Redis), cfg.Redis.DB, redisPrefix(cfg.Redis))
			return redisstore.NewReportLimiter(st, int64(cfg.HTTP.ReportsPerClientPerMinute), time.Minute), func() { _ = st.Close() }
		},
	}
}

// RunHazardCore wires the store, outbox, sync, alerting and HTTP surface and
// runs them until ctx is done.
func RunHazardCore(ctx context.Context, cfg *config.Config, f coreFactories, onListen func(httpAddr string)) error {
	logger := slog.Default()

	st, closeFn, err := f.newStore(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	svc := hazards.New(st, logger).
		WithSettings(cfg.Hazards.DedupeRadiusMeters, time.Duration(cfg.Sync.SkewMs)*time.Millisecond, cfg.Hazards.TTLDays)
	if err := svc.Load(ctx); err != nil {
		return err
	}

	rc := f.newRemote(cfg)

	drainer := outbox.New(st, rc, svc, logger).WithSettings(
		outbox.NewBackoff(
			time.Duration(cfg.Outbox.BaseBackoffMs)*time.Millisecond,
			time.Duration(cfg.Outbox.MaxBackoffMs)*time.Millisecond,
		), 0)
	svc.WithOutboxTrigger(drainer.Trigger)

	syncInterval := time.Duration(cfg.Sync.IntervalSeconds) * time.Second
	if syncInterval <= 0 {
		syncInterval = 5 * time.Minute
	}
	puller := syncer.New(rc, st, svc, logger).WithSettings(cfg.Sync.PageSize, syncInterval)

	plat := f.newPlatform(cfg)
	alloc := regions.New(plat, logger).WithSettings(
		cfg.Alerts.Budget,
		cfg.Alerts.BoxSizeMeters,
		cfg.Alerts.RegionRadiusMeters,
		cfg.Alerts.MinRegionRadiusMeters,
	)
	banners := alerts.NewChanSink(64)
	session := alerts.NewSession(svc, plat, alloc, logger).
		WithSettings(
			time.Duration(cfg.Alerts.AnnounceCooldownSeconds)*time.Second,
			time.Duration(cfg.Alerts.LocationDebounceMs)*time.Millisecond,
			time.Duration(cfg.Alerts.HazardDebounceMs)*time.Millisecond,
		).
		WithSinks(banners)
	defer session.Stop(context.Background())

	if producer := f.newProducer(cfg); producer != nil {
		defer func() { _ = producer.Close() }()
		topic := cfg.Kafka.AlertsTopicName
		if topic == "" {
			topic = messages.TopicHazardAlerts
		}
		session.WithSinks(alerts.NewKafkaSink(producer, topic))
	}

	consumer := f.newConsumer(cfg)
	if consumer != nil {
		defer func() { _ = consumer.Close() }()
	}

	api := hazardsapi.New(svc, session, puller, drainer, logger)
	if ds, ok := plat.(hazardsapi.DeviceSimulator); ok {
		api.WithSimulator(ds)
	}
	var global *rate.Limiter
	if cfg.HTTP.ReportsPerSec > 0 {
		burst := cfg.HTTP.ReportsBurst
		if burst <= 0 {
			burst = 1
		}
		global = rate.NewLimiter(rate.Limit(cfg.HTTP.ReportsPerSec), burst)
	}
	perClient, closeLimiter := f.newClientLimiter(cfg)
	if closeLimiter != nil {
		defer closeLimiter()
	}
	api.WithReportLimits(global, perClient)

	// Background workers must be gone before the deferred closers above run.
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	sweep := time.Duration(cfg.Hazards.ExpirySweepSeconds) * time.Second
	spawn := func(run func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(runCtx)
		}()
	}
	spawn(func(ctx context.Context) { _ = drainer.Run(ctx) })
	spawn(func(ctx context.Context) { _ = puller.Run(ctx) })
	spawn(func(ctx context.Context) { _ = svc.RunExpirySweeper(ctx, sweep) })
	spawn(func(ctx context.Context) { _ = session.Run(ctx) })
	spawn(func(ctx context.Context) { presentBanners(ctx, banners, logger) })

	if consumer != nil {
		spawn(func(ctx context.Context) {
			logger.Info("remote change consumer started")
			err := consumer.ConsumeRemoteChanges(ctx, logger, func(m messages.RemoteChanged) {
				logger.Debug("remote change notification", "cursor", m.Cursor, "hazards", len(m.HazardIDs))
				puller.Trigger()
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("remote change consumer", "error", err.Error())
			}
		})
	}

	httpErr := make(chan error, 1)
	spawn(func(ctx context.Context) {
		httpErr <- runHTTPServer(ctx, httpOpts{
			httpAddr:    cfg.HTTP.Addr,
			swaggerPath: cfg.HTTP.SwaggerPath,
			onListen:    onListen,
			api:         api,
			ping:        st.Ping,
			stats: func() any {
				return coreStats{
					Hazards: svc.Counts(),
					Outbox:  drainer.Stats(),
					Sync:    puller.Stats(),
					Session: session.Status(),
				}
			},
		})
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}

type coreStats struct {
	Hazards hazards.Counts `json:"hazards"`
	Outbox  outbox.Stats   `json:"outbox"`
	Sync    syncer.Stats   `json:"sync"`
	Session alerts.Status  `json:"session"`
}

// presentBanners stands in for the UI layer: announcements are logged.
func presentBanners(ctx context.Context, sink *alerts.ChanSink, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-sink.C():
			logger.Info("hazard alert",
				"decision", a.Decision,
				"hazard_id", a.Hazard.ID,
				"kind", a.Hazard.Kind,
				"severity", a.Hazard.Severity)
		}
	}
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pghazards.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pghazards.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, errors.Wrapf(lastErr, "postgres is not ready after %s", wait)
}

func postgresConnString(db config.DatabaseConfig) string {
	sslMode := db.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.DBName, sslMode)
}

func redisAddr(c config.RedisConfig) string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func redisPrefix(c config.RedisConfig) string {
	if c.Prefix == "" {
		return "hazardbox"
	}
	return c.Prefix
}

func kafkaBrokers(c config.KafkaConfig) []string {
	port := c.Port
	if port == 0 {
		port = 9092
	}
	return []string{fmt.Sprintf("%s:%d", c.Host, port)}
}
