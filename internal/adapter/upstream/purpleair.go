// Package upstream polls the public sensor networks and feeds their raw
// payloads into the ingestion topics. Each source has a small fetch client;
// the Poller wraps fetching with a circuit breaker and retry.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
)

// PurpleAirClient fetches current readings from the PurpleAir API. The
// sensors endpoint returns a column-oriented table; each row is reshaped
// into the per-sensor object the harmonizer expects.
type PurpleAirClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewPurpleAirClient creates a PurpleAir fetch client.
func NewPurpleAirClient(baseURL, apiKey string, timeout time.Duration) *PurpleAirClient {
	return &PurpleAirClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *PurpleAirClient) Source() domain.SensorType { return domain.SensorPurpleAir }

var purpleAirFields = []string{
	"sensor_index", "latitude", "longitude", "last_seen",
	"pm2.5_atm", "humidity", "temperature",
}

// Fetch returns one JSON payload per sensor row.
func (c *PurpleAirClient) Fetch(ctx context.Context) ([][]byte, error) {
	params := url.Values{"fields": {strings.Join(purpleAirFields, ",")}}
	u := c.baseURL + "/v1/sensors?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	body, err := doJSON(c.httpClient, req, "purpleair")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Fields []string            `json:"fields"`
		Data   [][]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode purpleair response: %w", err)
	}

	payloads := make([][]byte, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row) != len(resp.Fields) {
			continue
		}
		obj := make(map[string]json.RawMessage, len(row))
		for i, field := range resp.Fields {
			obj[field] = row[i]
		}
		payload, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("reshape purpleair row: %w", err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

// doJSON performs the request and returns the body of a 200 response.
func doJSON(client *http.Client, req *http.Request, source string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s API error: status %d: %s", source, resp.StatusCode, body)
	}
	return io.ReadAll(resp.Body)
}
