package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"imhere/internal/model"
)

// ErrNoMatch is returned when the provider knows no place for the address.
var ErrNoMatch = errors.New("geocode: address not found")

// ErrDisabled is returned by a client created with skip set.
var ErrDisabled = errors.New("geocode: disabled")

// Client resolves free-text addresses with a Nominatim-compatible search API.
type Client struct {
	BaseURL   string
	UserAgent string
	HTTP      *http.Client
	Skip      bool
}

// New creates a client. The per-request deadline comes from the caller's
// context; timeout bounds the transport as a fallback.
func New(baseURL string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		UserAgent: "imhere/1.0",
		Skip:      skip,
		HTTP:      &http.Client{Timeout: timeout},
	}
}

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocode returns the best match for address.
func (c *Client) Geocode(ctx context.Context, address string) (model.Coordinate, error) {
	if c.Skip {
		return model.Coordinate{}, ErrDisabled
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return model.Coordinate{}, fmt.Errorf("geocode: address required")
	}

	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("geocode: create request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("geocode: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.Coordinate{}, fmt.Errorf("geocode: provider error %s: %s", resp.Status, string(body))
	}

	var places []place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return model.Coordinate{}, fmt.Errorf("geocode: decode response failed: %w", err)
	}
	if len(places) == 0 {
		return model.Coordinate{}, ErrNoMatch
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("geocode: bad latitude %q: %w", places[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("geocode: bad longitude %q: %w", places[0].Lon, err)
	}
	c2 := model.Coordinate{Latitude: lat, Longitude: lon}
	if !c2.Valid() {
		return model.Coordinate{}, fmt.Errorf("geocode: provider returned out of range coordinate %v", c2)
	}
	return c2, nil
}
