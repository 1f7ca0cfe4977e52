package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/libs/messaging"
	libredis "github.com/ada231asd/nain-sub001/backend/libs/redis"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/auth"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/commands"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/config"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/correlator"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/db"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/handlers"
	httpserver "github.com/ada231asd/nain-sub001/backend/services/station-server/internal/http"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/inventory"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/metrics"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/notify"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/packetlog"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/rental"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/repository"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/supervisor"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/tcp"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/ws"
)

const (
	packetQueueSize = 4096
	shutdownTimeout = 10 * time.Second
	storeTimeout    = 5 * time.Second
)

type stationStatusStore interface {
	UpdateStatus(ctx context.Context, stationID int64, status string) error
	MarkAllInactive(ctx context.Context) (int64, error)
}

// App wires all dependencies for the station server.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	pool  *pgxpool.Pool
	redis *goredis.Client
	nats  *nats.Conn

	stations   stationStatusStore
	registry   *registry.Registry
	correlator *correlator.Correlator
	packets    *packetlog.Log
	dispatcher *notify.Dispatcher
	wsManager  *ws.Manager
	supervisor *supervisor.Supervisor
	tcp        *tcp.Server
	http       *httpserver.Server

	// cancelEvents ends websocket clients once shutdown has drained the dispatcher.
	cancelEvents context.CancelFunc
}

// New builds the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	ports, err := cfg.TCPPorts()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPostgres(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, pool: pool}
	if err := a.init(ctx, ports); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, ports []int) error {
	cfg, logger := a.cfg, a.logger

	if err := db.Migrate(ctx, a.pool, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	stations := repository.NewStationRepository(a.pool)
	a.stations = stations
	powerbanks := repository.NewPowerbankRepository(a.pool)
	slots := repository.NewSlotRepository(a.pool)
	orders := repository.NewOrderRepository(a.pool)
	events := repository.NewEventRepository(a.pool)

	// Nothing is connected yet, so stale active rows from a previous run are wrong.
	if n, err := stations.MarkAllInactive(ctx); err != nil {
		return fmt.Errorf("reset station status: %w", err)
	} else if n > 0 {
		logger.Info("stations marked inactive at startup", zap.Int64("count", n))
	}

	var cache inventory.Cache
	if cfg.Redis.Addr != "" {
		client, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		cache = inventory.NewRedisCache(client, cfg.Redis.TTL)
	}
	mirror := inventory.NewMirror(cache, logger.Named("inventory"))

	a.registry = registry.New(registry.Options{WriteTimeout: cfg.TCP.WriteTimeout}, logger.Named("registry"))
	m := metrics.New(a.registry)
	a.packets = packetlog.New(events, m, packetQueueSize, logger.Named("packets"))

	cmds := commands.New(a.registry, stations, a.packets, commands.Config{Timeout: cfg.Commands.Timeout}, logger.Named("commands"))
	a.correlator = correlator.New(cmds, correlator.Config{
		BorrowTimeout: cfg.Borrow.Timeout,
		ReturnWindow:  cfg.Returns.Window,
	}, logger.Named("correlator"))
	a.correlator.OnResolved(func(o correlator.Outcome) {
		logger.Debug("operation resolved",
			zap.String("order_id", o.OrderID),
			zap.String("kind", string(o.Kind)),
			zap.String("state", string(o.State)),
			zap.String("reason", o.Reason),
			zap.Int64("station_id", o.StationID))
	})

	a.dispatcher = notify.NewDispatcher(cfg.Notify.QueueSize, m, logger.Named("notify"))
	a.wsManager = ws.NewManager(cfg.WebSocket.PingInterval, logger.Named("ws"))
	a.dispatcher.AddSink("websocket", a.wsManager)
	if cfg.NATS.URL != "" {
		conn, err := messaging.Connect(messaging.Options{
			URL:      cfg.NATS.URL,
			Name:     "station-server",
			Username: cfg.NATS.Username,
			Password: cfg.NATS.Password,
		}, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.nats = conn
		a.dispatcher.AddSink("nats", notify.NewNATSPublisher(conn, cfg.NATS.SubjectPrefix))
	}
	if cfg.Notify.WebhookURL != "" {
		a.dispatcher.AddSink("webhook", notify.NewWebhookClient(cfg.Notify.WebhookURL, logger.Named("webhook")))
	}

	rentals := rental.New(rental.Deps{
		Correlator: a.correlator,
		Mirror:     mirror,
		Stations:   stations,
		Powerbanks: powerbanks,
		Slots:      slots,
		Orders:     orders,
		Publisher:  a.dispatcher,
		Observer:   m,
	}, rental.Config{
		MinLevel:      cfg.Borrow.MinLevel,
		BorrowTimeout: cfg.Borrow.Timeout,
		ReturnWindow:  cfg.Returns.Window,
	}, logger.Named("rental"))

	router := handlers.NewRouter(handlers.Deps{
		Registry:   a.registry,
		Stations:   stations,
		Powerbanks: powerbanks,
		Slots:      slots,
		Events:     events,
		Commands:   cmds,
		Borrows:    a.correlator,
		Returns:    rentals,
		Mirror:     mirror,
		Publisher:  a.dispatcher,
		Logger:     logger.Named("handlers"),
	})
	a.registry.OnDisconnect(a.stationLost)

	a.supervisor = supervisor.New(a.registry, supervisor.Config{
		Timeout:  cfg.Heartbeat.Timeout,
		Interval: cfg.Heartbeat.SweepInterval,
	}, m, logger.Named("supervisor"))

	a.tcp = tcp.NewServer(tcp.Config{
		Host:             cfg.TCP.Host,
		Ports:            ports,
		ReadTimeout:      cfg.TCP.ReadTimeout,
		MaxFrameSize:     cfg.TCP.MaxFrameSize,
		MaxInvalidFrames: cfg.Security.MaxInvalidFrames,
	}, a.registry, router, a.packets, m, logger.Named("tcp"))

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	wsCtx, cancelEvents := context.WithCancel(context.Background())
	a.cancelEvents = cancelEvents
	wsServer := ws.NewServer(wsCtx, a.wsManager, httpserver.EventsIdentity(verifier), cfg.WebSocket.WriteTimeout, logger.Named("ws"))

	handler := httpserver.NewRouter(httpserver.RouterDeps{
		Commands:    cmds,
		Rentals:     rentals,
		Operations:  a.correlator,
		Connections: a.registry,
		Inventories: mirror,
		Auth:        auth.Middleware(verifier, cfg.Auth.APIKeyHash, logger.Named("auth")),
		Metrics:     m.Handler(),
		Events:      wsServer.HandleWS,
		Logger:      logger.Named("http"),
	})
	a.http = httpserver.NewServer(cfg.HTTPAddress(), handler, logger.Named("http"))
	return nil
}

// stationLost fails what the station still owed and marks it offline, unless a newer socket took over.
func (a *App) stationLost(conn *registry.StationConnection, reason string) {
	id := conn.StationID()
	if id == 0 {
		return
	}
	if _, ok := a.registry.ByStationID(id); ok {
		return
	}
	failed := a.correlator.FailStation(id, correlator.ReasonConnectionLost)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := a.stations.UpdateStatus(ctx, id, models.StationInactive); err != nil && !errors.Is(err, repository.ErrNotFound) {
		a.logger.Warn("mark station inactive", zap.Int64("station_id", id), zap.Error(err))
	}
	a.dispatcher.Publish(notify.Event{
		Type:      notify.TypeStation,
		Success:   false,
		Reason:    reason,
		StationID: id,
		Time:      time.Now().UTC(),
	})
	a.logger.Info("station offline",
		zap.Int64("station_id", id),
		zap.String("reason", reason),
		zap.Int("failed_operations", failed))
}

// Run starts every listener and blocks until ctx is cancelled or the HTTP server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.tcp.Start(ctx); err != nil {
		return err
	}
	for _, addr := range a.tcp.Addrs() {
		a.logger.Info("station listener ready", zap.String("addr", addr.String()))
	}

	// Background workers outlive ctx so shutdown can flush them in order.
	workers, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var wg sync.WaitGroup
	start := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(workers)
		}()
	}
	start(a.supervisor.Run)
	start(a.packets.Run)
	start(a.dispatcher.Run)
	start(a.wsManager.Start)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- a.http.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	a.shutdown()
	stopWorkers()
	wg.Wait()
	a.cancelEvents()
	return runErr
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	failed := a.correlator.FailAll("server shutdown")
	if err := a.tcp.Shutdown(ctx); err != nil {
		a.logger.Warn("tcp shutdown incomplete", zap.Error(err))
	}
	n, err := a.stations.MarkAllInactive(ctx)
	if err != nil {
		a.logger.Warn("mark stations inactive", zap.Error(err))
	}
	a.logger.Info("station server stopped",
		zap.Int("failed_operations", failed),
		zap.Int64("stations_inactive", n))
}

// Close releases external connections.
func (a *App) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
