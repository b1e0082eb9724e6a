package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
)

// SensorCommunityClient fetches the Sensor.Community data dump. The API
// returns an array of records which are forwarded one payload per record.
type SensorCommunityClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewSensorCommunityClient creates a Sensor.Community fetch client.
func NewSensorCommunityClient(baseURL string, timeout time.Duration) *SensorCommunityClient {
	return &SensorCommunityClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *SensorCommunityClient) Source() domain.SensorType { return domain.SensorCommunity }

// Fetch returns one JSON payload per record.
func (c *SensorCommunityClient) Fetch(ctx context.Context) ([][]byte, error) {
	u := c.baseURL + "/airrohr/v1/filter/type=SDS011"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	body, err := doJSON(c.httpClient, req, "sensor_community")
	if err != nil {
		return nil, err
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode sensor_community response: %w", err)
	}

	payloads := make([][]byte, len(records))
	for i, r := range records {
		payloads[i] = []byte(r)
	}
	return payloads, nil
}
