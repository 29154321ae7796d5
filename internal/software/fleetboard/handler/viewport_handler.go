package handler

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"fleet-track/internal/software/fleetboard/service"
)

type selectRequest struct {
	DriverID string `json:"driverId"`
	Follow   bool   `json:"follow"`
}

// --- Handler: GET /fleet/viewport ---

func (handler *FleetHTTPHandler) handleViewport(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)
	handler.jsonResponse(ctx, w, http.StatusOK, handler.svc.Viewport(ctx))
}

// --- Handler: POST /fleet/select ---

func (handler *FleetHTTPHandler) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		handler.httpError(ctx, w, http.StatusUnsupportedMediaType, "content type must be application/json", err)
		return
	}

	var req selectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		handler.httpError(ctx, w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	viewport, err := handler.svc.Select(ctx, req.DriverID, req.Follow)
	if err != nil {
		if errors.Is(err, service.ErrDriverNotFound) {
			handler.httpError(ctx, w, http.StatusNotFound, "driver is not on the map", err)
			return
		}
		handler.httpError(ctx, w, http.StatusInternalServerError, "failed to select driver", err)
		return
	}
	handler.jsonResponse(ctx, w, http.StatusOK, viewport)
}
