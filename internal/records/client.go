// Package records is a thin client for the external business-records
// service holding work orders and equipment. The engine never stores these
// records itself; fetch_info and update_record actions go through here.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound marks a work order or equipment id unknown to the backend.
var ErrNotFound = errors.New("record not found")

// ErrBackendUnavailable marks transport failures and 5xx replies.
var ErrBackendUnavailable = errors.New("records backend unavailable")

// WorkOrder mirrors the backend's work order resource.
type WorkOrder struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Stage        string    `json:"stage"`
	TechnicianID string    `json:"technician_id,omitempty"`
	CustomerID   string    `json:"customer_id,omitempty"`
	Location     string    `json:"location,omitempty"`
	Description  string    `json:"description,omitempty"`
	ScheduledAt  time.Time `json:"scheduled_at,omitempty"`
	EquipmentIDs []string  `json:"equipment_ids,omitempty"`
}

// Equipment mirrors the backend's equipment resource.
type Equipment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CategoryID   string `json:"category_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Location     string `json:"location,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// Client talks to the records service over HTTP with JSON bodies.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for the given base URL. The apiKey, when set, is
// sent as a bearer token on every request.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetWorkOrder fetches one work order by id.
func (c *Client) GetWorkOrder(ctx context.Context, id string) (*WorkOrder, error) {
	var wo WorkOrder
	if err := c.do(ctx, http.MethodGet, "/work_orders/"+id, nil, &wo); err != nil {
		return nil, err
	}
	return &wo, nil
}

// UpdateWorkOrder sends a partial update and returns the updated record.
func (c *Client) UpdateWorkOrder(ctx context.Context, id string, fields map[string]any) (*WorkOrder, error) {
	var wo WorkOrder
	if err := c.do(ctx, http.MethodPatch, "/work_orders/"+id, fields, &wo); err != nil {
		return nil, err
	}
	return &wo, nil
}

// GetEquipment fetches one equipment record by id.
func (c *Client) GetEquipment(ctx context.Context, id string) (*Equipment, error) {
	var eq Equipment
	if err := c.do(ctx, http.MethodGet, "/equipment/"+id, nil, &eq); err != nil {
		return nil, err
	}
	return &eq, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d", ErrBackendUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("records request %s %s failed: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}
