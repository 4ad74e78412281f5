package app

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libdb "evcharge/backend/libs/db"
	libredis "evcharge/backend/libs/redis"
	"evcharge/backend/services/charging-service/internal/analytics"
	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/config"
	"evcharge/backend/services/charging-service/internal/events"
	"evcharge/backend/services/charging-service/internal/gateway"
	httpserver "evcharge/backend/services/charging-service/internal/http"
	"evcharge/backend/services/charging-service/internal/http/handlers"
	"evcharge/backend/services/charging-service/internal/http/middleware"
	"evcharge/backend/services/charging-service/internal/ledger"
	"evcharge/backend/services/charging-service/internal/notify"
	"evcharge/backend/services/charging-service/internal/pricing"
	redisstore "evcharge/backend/services/charging-service/internal/redis"
	"evcharge/backend/services/charging-service/internal/repository"
	"evcharge/backend/services/charging-service/internal/repository/memory"
	"evcharge/backend/services/charging-service/internal/repository/postgres"
	"evcharge/backend/services/charging-service/internal/reservation"
	"evcharge/backend/services/charging-service/internal/service"
	"evcharge/backend/services/charging-service/internal/settlement"
	"evcharge/backend/services/charging-service/internal/sweeper"
	"evcharge/backend/services/charging-service/internal/workerpool"
	"evcharge/backend/services/charging-service/internal/ws"
)

// App wires charging-service dependencies.
type App struct {
	server      *httpserver.Server
	sweeper     *sweeper.Sweeper
	wsManager   *ws.Manager
	pool        *workerpool.Pool
	sink        *analytics.Sink
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var (
		locker reservation.Locker
		cache  service.ActiveSessionCache
		checks = map[string]handlers.Pinger{}
	)
	if cfg.Redis.Addr != "" {
		a.redisClient, err = libredis.NewRedisClient(libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		locker = reservation.ChainLocker{
			reservation.NewLocalLocker(),
			reservation.NewRedisLocker(a.redisClient, cfg.Redis.LockTTL, cfg.Redis.LockWait),
		}
		cache = redisstore.NewStore(a.redisClient, cfg.ActiveSessionTTL())
		checks["redis"] = func(ctx context.Context) error { return a.redisClient.Ping(ctx).Err() }
	}
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}

	clk := clock.System{}
	a.pool = workerpool.NewPool(cfg.Workers.Count, cfg.Workers.Queue, logger)
	bus := events.NewBus(a.pool, logger)

	l := ledger.New(bus, clk, cfg.Wallet.LowBalanceThreshold, logger)
	points := reservation.NewManager(locker, clk, logger)
	coord := settlement.NewCoordinator(store, l, bus, logger)
	if err := coord.Register(bus); err != nil {
		return nil, err
	}

	registry, err := newGatewayRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	bookings := service.NewBookingService(
		store,
		points,
		pricing.NewDepositPolicy(cfg.Booking.DepositMinimum, cfg.Booking.DepositPerKW),
		coord,
		bus,
		service.BookingPolicy{
			CheckInEarly:    cfg.Booking.CheckInEarly,
			CheckInGrace:    cfg.CheckInGrace(),
			MaxAdvance:      cfg.Booking.MaxAdvance,
			DefaultDuration: cfg.Booking.DefaultDuration,
		},
		clk,
		logger,
	)
	if err := bookings.Register(bus); err != nil {
		return nil, err
	}
	tariffs := pricing.NewTariffService(cfg.Tariff.PricePerKWh, cfg.Tariff.PricePerMinute)
	sessions := service.NewSessionsService(store, points, tariffs, bus, cache, clk, logger)
	payments := service.NewPaymentService(store, l, coord, registry, clk, logger)
	pointSvc := service.NewPointService(store, points, logger)
	reconciler := gateway.NewReconciler(store, l, registry, coord, bus, logger)

	a.wsManager = ws.NewManager(cfg.WS.PingInterval)
	wsServer := ws.NewServer(a.wsManager, func(r *http.Request) (string, bool) {
		return middleware.UserIDFromContext(r.Context())
	}, cfg.WS.WriteTimeout, logger)

	dispatcher, err := newDispatcher(cfg, a.wsManager, logger)
	if err != nil {
		return nil, err
	}
	if err := dispatcher.Register(bus); err != nil {
		return nil, err
	}

	if len(cfg.Kafka.Brokers) > 0 {
		a.sink = analytics.NewSink(analytics.NewKafkaWriter(cfg.Kafka.Brokers), cfg.Kafka.Topic, logger)
		if err := a.sink.Register(bus); err != nil {
			return nil, err
		}
	}

	a.sweeper = sweeper.New(bookings, cfg.SweepInterval(), cfg.Sweeper.Batch, logger)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Bookings:        handlers.NewBookingsHandler(bookings, logger),
		SessionsMe:      handlers.NewSessionsMeHandler(sessions, payments, logger),
		Telemetry:       handlers.NewTelemetryHandler(sessions, logger),
		Wallet:          handlers.NewWalletHandler(payments, logger),
		Operator:        handlers.NewOperatorHandler(payments, pointSvc, logger),
		Points:          handlers.NewPointsHandler(pointSvc, logger),
		Callbacks:       handlers.NewPaymentCallbackHandler(reconciler, logger),
		ActiveSessions:  handlers.NewActiveSessionsHandler(sessions, logger),
		PointSession:    handlers.NewPointSessionHandler(sessions, logger),
		Health:          handlers.NewHealthHandler(checks),
		Notifications:   wsServer.HandleWS,
		JWTSecret:       cfg.Auth.JWTSecret,
		OperatorKeyHash: cfg.Auth.OperatorKeyHash,
		CallbackLimiter: middleware.NewRateLimiter(cfg.Callbacks.RPS, cfg.Callbacks.Burst, logger),
		Logger:          logger,
	})
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, httpserver.Timeouts{
		ReadHeader: cfg.HTTP.ReadTimeout,
		Read:       cfg.HTTP.ReadTimeout,
		Write:      cfg.HTTP.WriteTimeout,
		Idle:       cfg.HTTP.IdleTimeout,
		Shutdown:   cfg.HTTP.ShutdownTimeout,
	}, logger)

	logger.Info("charging service wired",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("redis", a.redisClient != nil),
		zap.Strings("gateways", registry.Names()),
		zap.Bool("analytics", a.sink != nil),
	)
	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	if cfg.Store.Driver != config.StorePostgres {
		a.logger.Warn("using in-memory store; data is lost on restart")
		return memory.NewStore(), nil
	}
	sqlDB, err := libdb.NewPostgresDB(cfg.Store.DSN, libdb.Options{MaxOpenConns: cfg.Store.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	a.db = sqlDB
	store := postgres.NewStore(sqlDB, a.logger)
	if cfg.Store.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newGatewayRegistry(cfg *config.Config, logger *zap.Logger) (*gateway.Registry, error) {
	var gws []gateway.Gateway
	if cfg.QRWallet.AppID != "" {
		gws = append(gws, gateway.NewQRWalletGateway(gateway.QRWalletConfig{
			AppID:       cfg.QRWallet.AppID,
			Key1:        cfg.QRWallet.Key1,
			Key2:        cfg.QRWallet.Key2,
			CreateURL:   cfg.QRWallet.CreateURL,
			CallbackURL: cfg.QRWallet.CallbackURL,
			Timeout:     cfg.QRWallet.Timeout,
		}, nil, logger))
	}
	if cfg.Redirect.MerchantCode != "" {
		loc, err := cfg.RedirectLocation()
		if err != nil {
			return nil, err
		}
		gws = append(gws, gateway.NewRedirectGateway(gateway.RedirectConfig{
			MerchantCode: cfg.Redirect.MerchantCode,
			HashSecret:   cfg.Redirect.HashSecret,
			PayURL:       cfg.Redirect.PayURL,
			ReturnURL:    cfg.Redirect.ReturnURL,
			Location:     loc,
		}))
	}
	return gateway.NewRegistry(gws...), nil
}

func newDispatcher(cfg *config.Config, pusher notify.Pusher, logger *zap.Logger) (*notify.Dispatcher, error) {
	templates, err := notify.DefaultTemplates()
	if err != nil {
		return nil, err
	}
	var directory notify.Directory
	if cfg.Notify.ContactsFile != "" {
		dir, err := notify.LoadStaticDirectory(cfg.Notify.ContactsFile)
		if err != nil {
			return nil, err
		}
		directory = dir
	}

	channels := []notify.Channel{notify.NewPushChannel(pusher)}
	if cfg.Notify.Email.APIKey != "" {
		channels = append(channels, notify.NewEmailChannel(notify.EmailConfig{
			APIKey:    cfg.Notify.Email.APIKey,
			FromEmail: cfg.Notify.Email.FromEmail,
			FromName:  cfg.Notify.Email.FromName,
			Endpoint:  cfg.Notify.Email.Endpoint,
		}, nil))
	}
	if cfg.Notify.SMS.Endpoint != "" {
		channels = append(channels, notify.NewSMSChannel(notify.SMSConfig{
			Endpoint: cfg.Notify.SMS.Endpoint,
			APIKey:   cfg.Notify.SMS.APIKey,
			Sender:   cfg.Notify.SMS.Sender,
		}, nil))
	}
	return notify.NewDispatcher(templates, directory, cfg.Notify.Timeout, logger, channels...), nil
}

// Run serves HTTP and runs the background loops until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start(ctx)
	defer a.pool.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(ctx) })
	g.Go(func() error { return a.sweeper.Run(ctx) })
	g.Go(func() error { return a.wsManager.Start(ctx) })
	return g.Wait()
}

// Close releases resources.
func (a *App) Close() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("failed to close analytics sink", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
