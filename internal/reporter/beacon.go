package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// BeaconConfig configures an HTTP collector sink.
type BeaconConfig struct {
	// URL receives one JSON-encoded Event per POST.
	URL string
	// Timeout bounds a single delivery. Zero means 5s.
	Timeout time.Duration
	// Rate and Burst bound deliveries per second. A zero Rate disables limiting.
	Rate  float64
	Burst int
	// Client defaults to a new http.Client.
	Client *http.Client
}

// Beacon posts events to an HTTP collector.
type Beacon struct {
	url     string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
}

func NewBeacon(cfg BeaconConfig) *Beacon {
	b := &Beacon{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		client:  cfg.Client,
	}
	if b.timeout <= 0 {
		b.timeout = 5 * time.Second
	}
	if b.client == nil {
		b.client = &http.Client{}
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return b
}

func (b *Beacon) Report(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("beacon rate limit: %w", err)
		}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal beacon: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build beacon request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send beacon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector responded %s", resp.Status)
	}
	return nil
}
