package hive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober checks whether a drone is reachable.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

const DefaultProbeTimeout = 2 * time.Second

// HTTPProber probes GET http://<address>/healthz. Any HTTP response counts as alive; only transport errors and
// timeouts count as failures.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber uses client, or a client with DefaultProbeTimeout when client is nil.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: DefaultProbeTimeout}
	}
	return &HTTPProber{client: client}
}

func (p *HTTPProber) Probe(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", address, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", address, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return nil
}
