package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"fleet-track/internal/domain/user"
	"fleet-track/internal/general/jwt"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/software/fleetboard/service"
	"fleet-track/internal/software/livetrack"
)

// FleetService is what the HTTP layer needs from the tracking core.
type FleetService interface {
	Overview(ctx context.Context) service.Overview
	Driver(ctx context.Context, driverID string) (service.DriverDetail, error)
	Viewport(ctx context.Context) livetrack.Viewport
	Select(ctx context.Context, driverID string, follow bool) (livetrack.Viewport, error)
	Connection(ctx context.Context) service.Connection
}

// FleetHTTPHandler adapts HTTP requests to the FleetService.
type FleetHTTPHandler struct {
	svc    FleetService
	logger *logger.Logger
	auth   *jwt.Manager
	tenant string
}

// NewFleetHTTPHandler wires an HTTP handler around the FleetService.
// Callers must hold a token of tenant; a nil auth manager leaves the endpoints open (local development).
func NewFleetHTTPHandler(svc FleetService, logger *logger.Logger, auth *jwt.Manager, tenant string) *FleetHTTPHandler {
	return &FleetHTTPHandler{svc: svc, logger: logger, auth: auth, tenant: tenant}
}

// RegisterRoutes mounts fleet endpoints on the provided mux.
func (handler *FleetHTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /fleet/snapshot", handler.protect(handler.handleSnapshot))
	mux.HandleFunc("GET /fleet/drivers/{id}", handler.protect(handler.handleDriver))
	mux.HandleFunc("GET /fleet/viewport", handler.protect(handler.handleViewport))
	mux.HandleFunc("POST /fleet/select", handler.protect(handler.handleSelect))
	mux.HandleFunc("GET /fleet/health", handler.handleHealth)
}

func (handler *FleetHTTPHandler) protect(next http.HandlerFunc) http.HandlerFunc {
	if handler.auth == nil {
		return next
	}
	return jwt.AuthMiddlewareFunc(handler.auth, handler.tenant, user.RoleAdmin, user.RoleDispatcher)(next)
}

// ----- general helpers -----

// jsonResponse takes any type of data and encode it to HTTP response.
func (handler *FleetHTTPHandler) jsonResponse(ctx context.Context, w http.ResponseWriter, status int, data any) {
	// encode to buffer first so we can control status on failure
	var buf []byte
	var err error

	if data != nil {
		buf, err = json.Marshal(data)
		if err != nil {
			handler.logger.Error(ctx, "response_encode_failed", "Failed to encode response", err, nil)
			http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
			return
		}
	} else {
		buf = []byte("{}")
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

// httpError sends a JSON error response with a message.
func (handler *FleetHTTPHandler) httpError(ctx context.Context, w http.ResponseWriter, status int, msg string, err error) {
	action := "request_failed"
	if status >= 500 {
		action = "http_internal_error"
	} else if status == http.StatusBadRequest {
		action = "validation_failed"
	} else if status == http.StatusUnsupportedMediaType {
		action = "unsupported_media_type"
	} else if status == http.StatusNotFound {
		action = "not_found"
	}
	handler.logger.Error(ctx, action, msg, err, nil)

	type errBody struct {
		Error string `json:"error"`
	}
	handler.jsonResponse(ctx, w, status, errBody{Error: msg})
}

// withReqID extracts or generates a request ID and adds it to the context.
func (handler *FleetHTTPHandler) withReqID(ctx context.Context, r *http.Request) context.Context {
	reqID := r.Header.Get("X-Request-ID")
	if strings.TrimSpace(reqID) == "" {
		reqID = randID()
	}
	return handler.logger.WithRequestID(ctx, reqID)
}

// randID generates a random 24-char hex string suitable for request IDs.
func randID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
