package compositor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
)

// URLFetcher downloads tile results that the generator left at an external
// URL instead of in the object store.
type URLFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

const maxTileBytes = 256 << 20

type httpFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) URLFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpFetcher{client: &http.Client{Timeout: timeout}}
}

func (f httpFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.Invalidf("build tile request: %v", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tile: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, domain.Invalidf("fetch tile %s: status=%d", url, resp.StatusCode)
	default:
		return nil, fmt.Errorf("fetch tile %s: status=%d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read tile body: %w", err)
	}
	if len(data) > maxTileBytes {
		return nil, domain.Invalidf("tile %s exceeds %d bytes", url, maxTileBytes)
	}
	return data, nil
}
