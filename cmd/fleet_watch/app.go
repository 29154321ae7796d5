package fleetwatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"fleet-track/internal/domain/geo"
	"fleet-track/internal/general/config"
	"fleet-track/internal/general/httpapi"
	"fleet-track/internal/general/jwt"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/general/postgres"
	"fleet-track/internal/general/transport"
	"fleet-track/internal/ports"
	"fleet-track/internal/software/channel"
	"fleet-track/internal/software/fleetboard/handler"
	"fleet-track/internal/software/fleetboard/service"
	"fleet-track/internal/software/livetrack"
	"fleet-track/internal/software/routecache"
)

const backendPollInterval = time.Minute

var ErrNoCredential = errors.New("auth.token (or FLEET_TOKEN) is required")

type routeBackend interface {
	ports.RouteSource
	ports.ShipmentSource
	ports.RosterSource
}

// Run wires the fleet watcher and blocks until ctx is cancelled.
func Run(ctx context.Context, configPath string, maxConcurrent int) error {
	// set up a new logger with a static request ID for startup logs
	logger := logger.New("fleet-watch")
	ctx = logger.WithRequestID(ctx, "startup-001")

	// load a config from file
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		logger.Error(ctx, "config_load_failed", "Failed to load configuration", err, nil)
		return err
	}
	if cfg.Auth.Token == "" {
		logger.Error(ctx, "credential_missing", "No session credential configured", ErrNoCredential, nil)
		return ErrNoCredential
	}

	// route and shipment source: REST API or a read-only Postgres view
	var backend routeBackend
	switch cfg.Routes.Source {
	case config.RouteSourcePostgres:
		pool, err := postgres.NewPool(ctx, cfg, logger)
		if err != nil {
			logger.Error(ctx, "db_connection_failed", "Failed to initialize Postgres pool", err, nil)
			return err
		}
		defer pool.Close()
		backend = postgres.NewRouteRepo(pool)
	default:
		client, err := httpapi.NewClient(cfg.API.BaseURL, cfg.Auth.Token, cfg.API.Timeout, logger)
		if err != nil {
			logger.Error(ctx, "api_client_failed", "Failed to build API client", err, nil)
			return err
		}
		backend = client
	}

	// realtime channel
	dialer, err := transport.NewDialer(cfg, logger)
	if err != nil {
		logger.Error(ctx, "transport_invalid", "Failed to build realtime transport", err, nil)
		return err
	}
	manager := channel.NewManager(dialer, channel.Options{
		ReconnectDelay: cfg.Channel.ReconnectDelay,
		DialTimeout:    cfg.Channel.DialTimeout,
		LogoutGrace:    cfg.Channel.LogoutGrace,
	}, logger)

	// route cache and live tracker
	refresher := routecache.NewRefresher(backend, routecache.Options{
		SettleDelay:       cfg.Routes.SettleDelay,
		Throttle:          cfg.Routes.Throttle,
		SimulatedThrottle: cfg.Routes.SimulatedThrottle,
		Retry:             routecache.RetryPolicy{MaxRetries: cfg.Routes.MaxRetries, Step: cfg.Routes.RetryStep},
	}, logger)
	defer refresher.Close()

	tracker := livetrack.NewTracker(refresher, livetrack.Options{
		HistoryCapacity: cfg.Tracking.HistoryCapacity,
		AnimationWindow: cfg.Tracking.AnimationWindow,
		SelectedZoom:    cfg.Tracking.SelectedZoom,
		OverviewZoom:    cfg.Tracking.OverviewZoom,
		DefaultCenter:   geo.Point{Lat: cfg.Tracking.DefaultCenter.Lat, Lng: cfg.Tracking.DefaultCenter.Lng},
	}, logger)

	detachRoutes := refresher.Attach(manager, "route-cache")
	defer detachRoutes()
	detachMap := tracker.Attach(manager, "dashboard-map")
	defer detachMap()

	// seed and keep the relevant shipment set and the driver roster current
	syncBackend(ctx, backend, refresher, tracker, logger)
	go pollBackend(ctx, backend, refresher, tracker, logger)

	if err := manager.EnsureConnected(ctx, cfg.Auth.Token); err != nil {
		logger.Error(ctx, "channel_start_failed", "Failed to start realtime connection", err, nil)
		return err
	}

	// optional JWT protection of the snapshot API, scoped to the watcher's own tenant
	var auth *jwt.Manager
	if cfg.Auth.JWTSecret != "" {
		auth, err = jwt.NewManager(cfg.Auth.JWTSecret, 2*time.Hour)
		if err != nil {
			return err
		}
	}
	tenant, err := jwt.TenantFromToken(cfg.Auth.Token)
	if err != nil {
		logger.Error(ctx, "credential_invalid", "Session credential carries no tenant", err, nil)
		return err
	}

	// set up the HTTP handler and its routes
	mux := http.NewServeMux()
	svc := service.NewFleetService(tracker, refresher, manager)
	handler.NewFleetHTTPHandler(svc, logger, auth, tenant).RegisterRoutes(mux)

	// concurrency limiter (global), blocks when capacity is full
	limitedHandler := withConcurrencyLimit(maxConcurrent, mux)

	logger.Info(ctx, "service_started",
		fmt.Sprintf("Fleet watch started on port %d", cfg.HTTP.Port),
		map[string]any{"port": cfg.HTTP.Port, "max_concurrent": maxConcurrent, "transport": cfg.Channel.Transport, "route_source": cfg.Routes.Source},
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           limitedHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http_shutdown_failed", "Failed to gracefully shut down HTTP server", err, nil)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "http_server_error", "HTTP server terminated with error", err, map[string]any{"port": cfg.HTTP.Port})
			runErr = err
		}
	}

	// logout: give the server the grace period to mark the session offline
	discCtx, cancel := context.WithTimeout(context.Background(), cfg.Channel.LogoutGrace+5*time.Second)
	defer cancel()
	if err := manager.Disconnect(discCtx); err != nil {
		logger.Error(ctx, "channel_disconnect_failed", "Realtime connection did not close cleanly", err, nil)
	}
	return runErr
}

func syncBackend(ctx context.Context, backend routeBackend, refresher *routecache.Refresher, tracker *livetrack.Tracker, logger *logger.Logger) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	shipments, err := backend.ListActiveShipments(listCtx)
	if err != nil {
		logger.Error(ctx, "shipments_list_failed", "Failed to list active shipments", err, nil)
	} else {
		refresher.SetShipments(ctx, shipments)
	}

	// a failed roster read keeps the previous roster
	drivers, err := backend.ListDrivers(listCtx)
	if err != nil {
		logger.Error(ctx, "roster_list_failed", "Failed to list drivers", err, nil)
		return
	}
	tracker.SetRoster(drivers)
}

func pollBackend(ctx context.Context, backend routeBackend, refresher *routecache.Refresher, tracker *livetrack.Tracker, logger *logger.Logger) {
	ticker := time.NewTicker(backendPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncBackend(ctx, backend, refresher, tracker, logger)
		}
	}
}

// withConcurrencyLimit wraps an http.Handler with a semaphore-based limiter.
// It controls how many HTTP requests can be in-progress at the same time.
func withConcurrencyLimit(n int, next http.Handler) http.Handler {
	if n <= 0 {
		return next
	}
	sem := make(chan struct{}, n)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}: // acquire
			defer func() { <-sem }() // release
			next.ServeHTTP(w, r)
		case <-r.Context().Done():
			// client canceled or server is shutting down
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
	})
}
