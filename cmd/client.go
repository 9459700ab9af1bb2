package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient is what the status command needs from the admin API.
type APIClient interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
}

type httpClient struct {
	base   string
	client *http.Client
}

// NewAPIClient returns a client for the admin API at base, e.g. http://127.0.0.1:9993.
func NewAPIClient(base string, timeout time.Duration) APIClient {
	return &httpClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) Get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.RawMessage(body), nil
}
