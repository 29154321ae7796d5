package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet-track/internal/domain/driver"
	"fleet-track/internal/domain/geo"
	"fleet-track/internal/domain/route"
	"fleet-track/internal/domain/shipment"
	"fleet-track/internal/general/contracts"
	"fleet-track/internal/general/logger"
)

var (
	ErrMissingDriverID   = errors.New("driver id is required")
	ErrMissingShipmentID = errors.New("shipment id is required")
	ErrBadEnvelope       = errors.New("malformed response envelope")
)

// APIError is a non-success answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus exposes the status to callers that classify errors without importing this package.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// StatusCode extracts the HTTP status of an *APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client talks to the REST API with the session credential.
type Client struct {
	baseURL    string
	credential string
	http       *http.Client
	log        *logger.Logger
	now        func() time.Time
}

// NewClient builds a client rooted at baseURL (for example http://host/api).
func NewClient(baseURL, credential string, timeout time.Duration, log *logger.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", baseURL)
	}
	return &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		credential: strings.TrimSpace(credential),
		http:       &http.Client{Timeout: timeout},
		log:        log,
		now:        time.Now,
	}, nil
}

// SendLocation posts one sample for the driver.
func (client *Client) SendLocation(ctx context.Context, driverID string, sample geo.PositionSample) error {
	if strings.TrimSpace(driverID) == "" {
		return ErrMissingDriverID
	}
	body, err := json.Marshal(contracts.NewLocationPayload(sample))
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	_, err = client.do(ctx, http.MethodPost, "/drivers/"+url.PathEscape(driverID)+"/location", body)
	return err
}

// FetchRoute fetches the active route of a shipment for the given driver.
// 404 is reported as route.ErrNotMaterialized.
func (client *Client) FetchRoute(ctx context.Context, driverID, shipmentID string) (route.Record, error) {
	if strings.TrimSpace(shipmentID) == "" {
		return route.Record{}, ErrMissingShipmentID
	}
	data, err := client.do(ctx, http.MethodGet, "/shipments/"+url.PathEscape(shipmentID)+"/route", nil)
	if err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return route.Record{}, route.ErrNotMaterialized
		}
		return route.Record{}, err
	}
	if len(data) == 0 || string(data) == "null" {
		return route.Record{}, route.ErrNotMaterialized
	}

	var resp contracts.RouteResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return route.Record{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return resp.Record(driverID, shipmentID, client.now())
}

// ActiveRoute satisfies ports.RouteSource; the driver id is left for the caller to fill.
func (client *Client) ActiveRoute(ctx context.Context, shipmentID string) (route.Record, error) {
	return client.FetchRoute(ctx, "", shipmentID)
}

// ListActiveShipments returns the shipments known to the backend; unknown statuses are skipped.
func (client *Client) ListActiveShipments(ctx context.Context) ([]shipment.Shipment, error) {
	data, err := client.do(ctx, http.MethodGet, "/shipments", nil)
	if err != nil {
		return nil, err
	}
	var briefs []contracts.ShipmentBrief
	if err := json.Unmarshal(data, &briefs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	out := make([]shipment.Shipment, 0, len(briefs))
	for _, b := range briefs {
		status, err := shipment.ParseStatus(b.Status)
		if err != nil {
			client.log.Debug(ctx, "shipment_status_unknown", "skipping shipment with unknown status", map[string]any{
				"shipment_id": b.ID,
				"status":      b.Status,
			})
			continue
		}
		out = append(out, shipment.Shipment{ID: b.ID, DriverID: b.DriverID, Status: status})
	}
	return out, nil
}

// ListDrivers returns the driver roster; entries without an id are skipped.
func (client *Client) ListDrivers(ctx context.Context) ([]driver.Driver, error) {
	data, err := client.do(ctx, http.MethodGet, "/drivers", nil)
	if err != nil {
		return nil, err
	}
	var briefs []contracts.DriverBrief
	if err := json.Unmarshal(data, &briefs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	out := make([]driver.Driver, 0, len(briefs))
	for _, b := range briefs {
		d, err := driver.NewDriver(b.ID, b.Name, b.Online)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// do performs the request and unwraps the {success,data,message} envelope.
func (client *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if client.credential != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(client.credential, "Bearer "))
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env contracts.Envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(env.Message)
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, decodeErr)
	}
	if !env.Success {
		// a 2xx carrying success:false is a rejected payload
		return nil, &APIError{StatusCode: http.StatusUnprocessableEntity, Message: env.Message}
	}
	return env.Data, nil
}
