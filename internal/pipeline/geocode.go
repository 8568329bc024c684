package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vidatlas/internal/faults"
)

const defaultGeocodeTimeout = 30 * time.Second

// GeocodeClient resolves free-text place names against a Nominatim-style
// search endpoint.
type GeocodeClient struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGeocodeClient constructs a client for the given search endpoint. A nil
// httpClient gets a sane default.
func NewGeocodeClient(endpoint string, httpClient *http.Client) *GeocodeClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultGeocodeTimeout}
	}
	return &GeocodeClient{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		httpClient: httpClient,
	}
}

// WithLimiter spaces lookups to respect the endpoint's usage policy. A nil
// limiter disables pacing.
func (c *GeocodeClient) WithLimiter(limiter *rate.Limiter) *GeocodeClient {
	c.limiter = limiter
	return c
}

// geocodeHit mirrors the wire format: coordinates arrive as strings.
type geocodeHit struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
}

// Resolve looks up one place name. A name with no matches returns ok=false
// with no error; that is an unresolved item, not a failure. Errors are
// infrastructure problems and always transient.
func (c *GeocodeClient) Resolve(ctx context.Context, name string) (Place, bool, error) {
	var empty Place
	name = strings.TrimSpace(name)
	if name == "" {
		return empty, false, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return empty, false, err
		}
	}

	query := url.Values{}
	query.Set("q", name)
	query.Set("format", "json")
	query.Set("limit", "1")
	endpoint := c.endpoint + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return empty, false, faults.Wrap(faults.ErrInternal, "geocode", "build request", err.Error(), nil)
	}
	req.Header.Set("User-Agent", "vidatlas")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, false, faults.Wrap(faults.ErrTransient, "geocode", "lookup", "geocode endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return empty, false, faults.Wrap(faults.ErrTransient, "geocode", "read response", "truncated geocode response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return empty, false, faults.Wrap(faults.ErrTransient, "geocode", "lookup",
			fmt.Sprintf("geocode endpoint returned http %d", resp.StatusCode), nil)
	}

	var hits []geocodeHit
	if err := json.Unmarshal(body, &hits); err != nil {
		return empty, false, faults.Wrap(faults.ErrTransient, "geocode", "decode response", "geocode payload is not valid JSON", err)
	}
	if len(hits) == 0 {
		return empty, false, nil
	}

	hit := hits[0]
	lat, latErr := strconv.ParseFloat(hit.Lat, 64)
	lon, lonErr := strconv.ParseFloat(hit.Lon, 64)
	if latErr != nil || lonErr != nil {
		return empty, false, faults.Wrap(faults.ErrTransient, "geocode", "decode response", "geocode coordinates unparsable", nil)
	}

	return Place{
		Name:        name,
		DisplayName: strings.TrimSpace(hit.DisplayName),
		Lat:         lat,
		Lon:         lon,
	}, true, nil
}
