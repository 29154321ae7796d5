package handler

import (
	"errors"
	"net/http"
	"strings"

	"fleet-track/internal/software/fleetboard/service"
)

// --- Handler: GET /fleet/snapshot ---

func (handler *FleetHTTPHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)
	handler.jsonResponse(ctx, w, http.StatusOK, handler.svc.Overview(ctx))
}

// --- Handler: GET /fleet/drivers/{id} ---

func (handler *FleetHTTPHandler) handleDriver(w http.ResponseWriter, r *http.Request) {
	ctx := handler.withReqID(r.Context(), r)

	driverID := strings.TrimSpace(r.PathValue("id"))
	if driverID == "" {
		handler.httpError(ctx, w, http.StatusBadRequest, "driver id is required", nil)
		return
	}

	detail, err := handler.svc.Driver(ctx, driverID)
	if err != nil {
		if errors.Is(err, service.ErrDriverNotFound) {
			handler.httpError(ctx, w, http.StatusNotFound, "driver is not on the map", err)
			return
		}
		handler.httpError(ctx, w, http.StatusInternalServerError, "failed to read driver", err)
		return
	}
	handler.jsonResponse(ctx, w, http.StatusOK, detail)
}
