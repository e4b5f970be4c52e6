package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/api"
	"github.com/tradefresh/quote-engine/internal/config"
	"github.com/tradefresh/quote-engine/internal/httpclient"
	"github.com/tradefresh/quote-engine/internal/jobs"
	"github.com/tradefresh/quote-engine/internal/legacy"
	"github.com/tradefresh/quote-engine/internal/matching"
	"github.com/tradefresh/quote-engine/internal/notify"
	"github.com/tradefresh/quote-engine/internal/publisher"
	"github.com/tradefresh/quote-engine/internal/rabbitmq"
	"github.com/tradefresh/quote-engine/internal/rate"
	"github.com/tradefresh/quote-engine/internal/scheduler"
	internalsecrets "github.com/tradefresh/quote-engine/internal/secrets"
	"github.com/tradefresh/quote-engine/internal/store"
	"github.com/tradefresh/quote-engine/internal/stream"
	"github.com/tradefresh/quote-engine/pkg/clock"
	"github.com/tradefresh/quote-engine/pkg/eventbus"
	"github.com/tradefresh/quote-engine/pkg/logger"
	"github.com/tradefresh/quote-engine/pkg/model"
	"github.com/tradefresh/quote-engine/pkg/secrets"
	"github.com/tradefresh/quote-engine/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	log := logger.L()
	logg.Infow("starting [quote-engine]...", "env", cfg.Env)

	clk := clock.New()

	// --- Redis (optional: quote cache, rate limits, delivery idempotency) ---
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPass,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logg.Fatalw("failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
		}
	}

	// --- Store ---
	var (
		st           store.Store
		orderWriters []matching.OrderSink
		prefs        api.PreferenceStore
	)
	if cfg.DatabaseURL != "" {
		logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
		if err := store.Migrate(cfg.DatabaseURL, log); err != nil {
			logg.Fatalw("failed to migrate database", "error", err)
		}
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, store.PGPoolConfig{
			MaxConns:          int32(cfg.PGMaxConns),
			MinConns:          int32(cfg.PGMinConns),
			MaxConnLifetime:   cfg.PGMaxConnLifetime,
			MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
			HealthCheckPeriod: cfg.PGHealthCheckPeriod,
		}, log)
		if err != nil {
			logg.Fatalw("failed to init store", "error", err)
		}
		st = pg
		orderWriters = append(orderWriters, legacy.NewOrderIntentWriter(pg.PG, log, cfg.ServiceName))
		prefs = notify.NewPGPreferences(pg.PG, notify.DefaultPreferences)
	} else {
		logg.Warn("DATABASE_URL not configured; using in-memory store")
		st = store.NewMemory()
		prefs = notify.NewMemoryPreferences(notify.DefaultPreferences)
	}

	// --- Recipient preferences (seeded from file, managed over the API) ---
	seed, err := notify.LoadPreferencesFile(cfg.PreferencesPath)
	if err != nil {
		logg.Fatalw("failed to load recipient preferences", "path", cfg.PreferencesPath, "error", err)
	}
	if err := notify.SeedPreferences(ctx, prefs, seed); err != nil {
		logg.Fatalw("failed to seed recipient preferences", "error", err)
	}
	logg.Infow("recipient preferences seeded", "count", len(seed))
	if rdb != nil {
		st = store.NewCached(st, rdb, cfg.QuoteCacheTTL, log)
	}

	// --- Event bus ---
	bus := eventbus.New(logger.Named("eventbus"))

	// --- Notification dispatcher ---
	dispatcher, gatewayCleaner := buildDispatcher(ctx, cfg, clk, bus, rdb, prefs, log)

	// --- Expiry scheduler + matching engine ---
	sched := scheduler.New(clk, logger.Named("scheduler"), scheduler.Config{
		MaxAttempts: cfg.SchedulerMaxAttempts,
		Backoff:     scheduler.DefaultBackoff,
	})

	var rmqPub *rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		p, err := rabbitmq.NewPublisher(cfg.RabbitMQURL, log)
		if err != nil {
			logg.Fatalw("failed to init RabbitMQ publisher", "error", err)
		}
		rmqPub = p
		orderWriters = append(orderWriters, p)
	}

	engine := matching.New(st, sched, clk, matching.Config{
		AcceptanceWindow: cfg.AcceptanceWindow,
		MatchingWindow:   cfg.MatchingWindow,
	}, logger.Named("matching"),
		matching.WithBroadcaster(bus),
		matching.WithNotifier(dispatcher),
		matching.WithVendorDirectory(matching.NewStaticDirectory(cfg.VendorIDs, cfg.VendorProducts)),
		matching.WithOrderSinks(orderWriters...),
	)
	sched.SetExpireFunc(engine.ExpireQuote)

	n, err := sched.Rehydrate(ctx, st)
	if err != nil {
		logg.Fatalw("failed to rehydrate expiry timers", "error", err)
	}
	logg.Infow("expiry timers rehydrated", "count", n)

	dispatcher.Start(ctx)
	sched.Start(ctx)

	reconciler := jobs.NewExpiryReconciler(logger.Named("reconciler"), st, engine, clk, cfg.ReconcileInterval, cfg.ReconcileBatch)
	go reconciler.Start(ctx)

	// --- NATS event export ---
	var (
		pub        *publisher.Publisher
		stopBridge = func() {}
		health     = api.Health{Store: st, Scheduler: sched, Dispatcher: dispatcher}
	)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		pub, err = publisher.New(nc, cfg.ServiceName)
		if err != nil {
			logg.Fatalw("failed to init publisher", "error", err)
		}
		if err := pub.EnsureStream(); err != nil {
			logg.Fatalw("failed to ensure JetStream stream", "stream", publisher.StreamName, "error", err)
		}
		stopBridge = pub.Bridge(bus, 5*time.Second)
		health.NATS = pub
	} else {
		logg.Warn("NATS_URL not configured; domain events are not exported")
	}

	// --- RabbitMQ command consumer ---
	var consumer *rabbitmq.Consumer
	if cfg.RabbitMQURL != "" {
		consumer, err = rabbitmq.NewConsumer(cfg.RabbitMQURL, engine, logger.Named("rabbitmq"))
		if err != nil {
			logg.Fatalw("failed to init RabbitMQ consumer", "error", err)
		}
		if err := consumer.Start(ctx); err != nil {
			logg.Fatalw("failed to start RabbitMQ consumer", "error", err)
		}
	}

	// --- Websocket gateway ---
	gateway := stream.NewGateway(bus, logger.Named("stream"))
	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	wsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.StreamPort),
		Handler:           mux,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
	}
	go func() {
		logg.Infof("websocket gateway listening on :%d", cfg.StreamPort)
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatalw("stream.listen_failed", "error", err)
		}
	}()

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})
	api.RegisterRoutes(app, health,
		api.NewMarketplaceHandler(logger.Named("api"), engine),
		api.NewNotificationHandler(logger.Named("api"), dispatcher, clk),
		api.NewPreferencesHandler(logger.Named("api"), prefs),
	)
	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[quote-engine] running",
		"acceptance_window", cfg.AcceptanceWindow,
		"matching_window", cfg.MatchingWindow,
		"vendors", len(cfg.VendorIDs),
		"pending_expiries", sched.Pending())

	<-ctx.Done()
	logg.Info("shutting down [quote-engine]...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	gateway.Close()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logg.Warnw("stream.shutdown_failed", "error", err)
	}
	if consumer != nil {
		consumer.Stop()
	}
	reconciler.Stop()
	sched.Stop()
	dispatcher.Stop()
	gatewayCleaner()
	stopBridge()
	if pub != nil {
		pub.Close()
	}
	if rmqPub != nil {
		if err := rmqPub.Close(); err != nil {
			logg.Warnw("rabbitmq.close_failed", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}

// buildDispatcher wires channel senders, templates, limits and dedupe. The
// returned func stops the credential and rate-limit cleaners.
func buildDispatcher(ctx context.Context, cfg *config.Config, clk clock.Clock, bus *eventbus.EventBus, rdb *redis.Client, prefs notify.PreferenceStore, log *zap.Logger) (*notify.Dispatcher, func()) {
	logg := log.Sugar()

	templates, err := notify.LoadYAMLTemplates(cfg.TemplatePath)
	if err != nil {
		logg.Fatalw("failed to load notification templates", "path", cfg.TemplatePath, "error", err)
	}

	inApp := notify.NewInAppSender(bus, clk)
	inApp.RequireListener = cfg.RequireInAppListener
	senders := []notify.Sender{inApp}

	// --- Gateway credentials: AWS Secrets Manager or env-backed static provider ---
	var provider secrets.Provider
	switch cfg.SecretsBackend {
	case "aws":
		p, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		provider = p
	default:
		provider = secrets.NewStaticProvider(gatewaySecretsFromEnv(cfg))
	}

	credCache := secrets.NewCache[notify.GatewayConfig](cfg.CacheTTL, clk)
	cleanerCtx, stopCleaner := context.WithCancel(ctx)
	go credCache.RunCleaner(cleanerCtx, cfg.CleanupFreq)

	resolver := internalsecrets.NewResolver(logger.Named("secrets"), cfg.Env, cfg.ServiceName, provider, credCache)
	if discovered, err := resolver.DiscoverChannels(ctx); err != nil {
		logg.Warnw("failed to discover gateway channels", "error", err)
	} else {
		logg.Infow("discovered gateway channels", "channels", discovered)
	}

	gatewayLimits := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.GatewayRPS,
		Burst:             cfg.GatewayBurst,
	}, clk)
	go gatewayLimits.RunCleaner(cleanerCtx, cfg.CleanupFreq)
	httpClient := &http.Client{Timeout: cfg.GatewayTimeout}

	gateways := map[model.Channel]bool{}
	for _, name := range cfg.GatewayChannels {
		ch, ok := model.ParseChannel(name)
		if !ok || ch == model.ChannelInApp {
			logg.Warnw("ignoring unknown gateway channel", "channel", name)
			continue
		}
		exec := httpclient.New(log, gatewayLimits, httpClient, cfg.GatewayRetryMax, "gateway."+string(ch), notify.GatewayErrorHandler)
		senders = append(senders, notify.NewGatewaySender(ch, resolver, exec, logger.Named("gateway")))
		gateways[ch] = true
	}
	for _, ch := range model.FailoverOrder {
		if ch != model.ChannelInApp && !gateways[ch] {
			senders = append(senders, notify.NewLogSender(ch, logger.Named("notify")))
		}
	}

	var (
		limiter rate.Allower
		opts    []notify.Option
	)
	if rdb != nil {
		limiter = rate.NewRedis(rdb, cfg.NotifyRatePerMinute, cfg.NotifyBurst)
		opts = append(opts, notify.WithDeduper(notify.NewRedisDeduper(rdb, cfg.DedupeTTL)))
	} else {
		local := rate.NewManager(rate.Config{
			RequestsPerSecond: float64(cfg.NotifyRatePerMinute) / 60,
			Burst:             cfg.NotifyBurst,
		}, clk)
		go local.RunCleaner(cleanerCtx, cfg.CleanupFreq)
		limiter = local
		opts = append(opts, notify.WithDeduper(notify.NewMemoryDeduper(cfg.DedupeTTL, clk)))
	}

	d := notify.New(
		notify.NewRegistry(senders...),
		templates,
		prefs,
		limiter,
		clk,
		notify.Config{
			Workers:        cfg.DispatcherWorkers,
			QueueSize:      cfg.DispatcherQueueSize,
			AttemptTimeout: cfg.AttemptTimeout,
		},
		logger.Named("notify"),
		opts...,
	)
	return d, stopCleaner
}

// gatewaySecretsFromEnv builds {env}/{service}/{channel} secrets from
// GATEWAY_<CHANNEL>_URL / _API_KEY / _FROM for local runs.
func gatewaySecretsFromEnv(cfg *config.Config) map[string]map[string]string {
	out := map[string]map[string]string{}
	for _, name := range cfg.GatewayChannels {
		prefix := "GATEWAY_" + strings.ToUpper(name)
		out[fmt.Sprintf("%s/%s/%s", cfg.Env, cfg.ServiceName, name)] = map[string]string{
			"base_url": os.Getenv(prefix + "_URL"),
			"api_key":  os.Getenv(prefix + "_API_KEY"),
			"from":     os.Getenv(prefix + "_FROM"),
		}
	}
	return out
}
