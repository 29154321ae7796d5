package handler

import (
	"net/http"

	"fleet-track/internal/software/channel"
)

// ----- Handler: GET /fleet/health -----

// handleHealth reports the process as up and the realtime link as connected or degraded.
func (handler *FleetHTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn := handler.svc.Connection(ctx)

	type resp struct {
		Status     string         `json:"status"`
		Connection channel.Status `json:"connection"`
		Error      string         `json:"error,omitempty"`
	}
	body := resp{Status: "ok", Connection: conn.Status, Error: conn.Error}
	if conn.Status != channel.StatusConnected {
		body.Status = "degraded"
	}
	handler.jsonResponse(ctx, w, http.StatusOK, body)
}
