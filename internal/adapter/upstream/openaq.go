package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
)

// OpenAQClient fetches recent PM2.5 measurements from the OpenAQ API. Each
// result object is already the shape the harmonizer expects.
type OpenAQClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOpenAQClient creates an OpenAQ fetch client.
func NewOpenAQClient(baseURL string, timeout time.Duration) *OpenAQClient {
	return &OpenAQClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OpenAQClient) Source() domain.SensorType { return domain.SensorOpenAQ }

// Fetch returns one JSON payload per measurement.
func (c *OpenAQClient) Fetch(ctx context.Context) ([][]byte, error) {
	params := url.Values{
		"parameter": {"pm25"},
		"limit":     {"1000"},
	}
	u := c.baseURL + "/v2/measurements?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	body, err := doJSON(c.httpClient, req, "openaq")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode openaq response: %w", err)
	}

	payloads := make([][]byte, len(resp.Results))
	for i, r := range resp.Results {
		payloads[i] = []byte(r)
	}
	return payloads, nil
}
