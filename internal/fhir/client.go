package fhir

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client fetches raw FHIR resources by path.
type Client interface {
	FetchResource(ctx context.Context, path string) ([]byte, error)
}

// HTTPClient is a Client speaking FHIR JSON over HTTP against a fixed
// base URL (e.g. a HealthLake datastore's r4 endpoint).
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates an HTTPClient for the given r4 base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) FetchResource(ctx context.Context, path string) ([]byte, error) {
	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		url = c.baseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: upstream returned %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return body, nil
}

// extractPath strips the datastore prefix from a full pagination URL,
// keeping the portion after the r4 segment. A URL without that segment
// is returned whole; FetchResource requests absolute URLs as-is.
func extractPath(fullURL string) string {
	if i := strings.Index(fullURL, "/r4"); i >= 0 {
		return fullURL[i+3:]
	}
	return fullURL
}
