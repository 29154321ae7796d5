package driveragent

import (
	"context"
	"errors"
	"time"

	"fleet-track/internal/domain/geo"
	"fleet-track/internal/general/config"
	"fleet-track/internal/general/contracts"
	"fleet-track/internal/general/geolocation"
	"fleet-track/internal/general/httpapi"
	"fleet-track/internal/general/jwt"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/general/transport"
	"fleet-track/internal/software/channel"
	"fleet-track/internal/software/sharing"
)

const statusReportInterval = 30 * time.Second

var (
	ErrNoCredential = errors.New("auth.token (or FLEET_TOKEN) is required")
	ErrNoDriver     = errors.New("driver id is required: pass --driver-id or use a token with a subject")
)

type Options struct {
	ConfigPath string
	DriverID   string
	Share      bool // start sharing immediately, without waiting for a shipment
	Path       []geo.Point
	SpeedKmh   float64
}

// Run shares the device position of one driver until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	logger := logger.New("driver-agent")
	ctx = logger.WithRequestID(ctx, "startup-001")

	cfg, err := config.LoadFromFile(opts.ConfigPath)
	if err != nil {
		logger.Error(ctx, "config_load_failed", "Failed to load configuration", err, nil)
		return err
	}
	if cfg.Auth.Token == "" {
		logger.Error(ctx, "credential_missing", "No session credential configured", ErrNoCredential, nil)
		return ErrNoCredential
	}

	driverID := opts.DriverID
	if driverID == "" {
		if claims, err := jwt.ClaimsFromToken(cfg.Auth.Token); err == nil {
			driverID = claims.Subject
		}
	}
	if driverID == "" {
		logger.Error(ctx, "driver_missing", "Cannot tell which driver to share for", ErrNoDriver, nil)
		return ErrNoDriver
	}
	ctx = logger.WithDriverID(ctx, driverID)

	client, err := httpapi.NewClient(cfg.API.BaseURL, cfg.Auth.Token, cfg.API.Timeout, logger)
	if err != nil {
		logger.Error(ctx, "api_client_failed", "Failed to build API client", err, nil)
		return err
	}

	source, err := geolocation.NewSimulator(opts.Path, geolocation.Options{
		SpeedKmh:      opts.SpeedKmh,
		WatchInterval: time.Second,
		JitterMeters:  3,
		Seed:          time.Now().UnixNano(),
	}, logger)
	if err != nil {
		logger.Error(ctx, "position_source_failed", "Failed to build position source", err, nil)
		return err
	}

	sharer := sharing.NewSharer(source, client, sharing.Options{
		SendInterval:   cfg.Sharing.SendInterval,
		AcquireTimeout: cfg.Sharing.AcquireTimeout,
	}, logger)
	defer sharer.Stop()

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

	// shipment status drives sharing on and off, off the channel's reader goroutine
	follower := sharing.NewFollower(sharer, driverID, logger)
	defer follower.Close()
	token := manager.Subscribe("driver-agent", contracts.EventShipmentStatusUpdate, follower.Handle)
	defer manager.Unsubscribe(token)

	if err := manager.EnsureConnected(ctx, cfg.Auth.Token); err != nil {
		logger.Error(ctx, "channel_start_failed", "Failed to start realtime connection", err, nil)
		return err
	}

	seedFromShipments(ctx, client, follower, driverID, logger)

	if opts.Share {
		if err := sharer.Start(ctx, driverID); err != nil {
			logger.Error(ctx, "sharing_start_failed", "Failed to start location sharing", err, nil)
		}
	}

	logger.Info(ctx, "service_started", "Driver agent started", map[string]any{
		"transport": cfg.Channel.Transport,
		"interval":  cfg.Sharing.SendInterval.String(),
		"share":     opts.Share,
	})

	ticker := time.NewTicker(statusReportInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			reportStatus(ctx, sharer, manager, logger)
		}
	}

	follower.Close()
	sharer.Stop()
	discCtx, cancel := context.WithTimeout(context.Background(), cfg.Channel.LogoutGrace+5*time.Second)
	defer cancel()
	if err := manager.Disconnect(discCtx); err != nil {
		logger.Error(ctx, "channel_disconnect_failed", "Realtime connection did not close cleanly", err, nil)
	}
	logger.Info(ctx, "service_stopped", "Driver agent stopped", nil)
	return nil
}

// seedFromShipments picks up a shipment that was already in progress before the agent started.
func seedFromShipments(ctx context.Context, client *httpapi.Client, follower *sharing.Follower, driverID string, logger *logger.Logger) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	shipments, err := client.ListActiveShipments(listCtx)
	if err != nil {
		logger.Error(ctx, "shipments_list_failed", "Failed to list active shipments", err, nil)
		return
	}
	for _, s := range shipments {
		if s.DriverID != driverID || !s.Status.RequiresSharing() {
			continue
		}
		follower.Handle(ctx, contracts.ShipmentStatusUpdate{ShipmentID: s.ID, DriverID: driverID, NewStatus: s.Status})
		return
	}
}

func reportStatus(ctx context.Context, sharer *sharing.Sharer, manager *channel.Manager, logger *logger.Logger) {
	snap := sharer.Snapshot()
	status, connErr := manager.Status()

	details := map[string]any{
		"state":     snap.State,
		"channel":   status,
		"last_send": snap.LastSendAt,
	}
	if connErr != nil {
		details["channel_error"] = connErr.Error()
	}
	if snap.Error != nil {
		details["sharing_error"] = snap.Error.Code
		details["severity"] = snap.Error.Severity
	}
	logger.Info(ctx, "agent_status", "Driver agent status", details)
}
