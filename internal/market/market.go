// Package market supplies the interest-rate context used by the workflow
// pipeline's first stage.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kinko/internal/model"
)

// Provider returns the current market snapshot.
type Provider interface {
	Snapshot(ctx context.Context) (model.MarketSnapshot, error)
}

// DefaultSnapshot is the static rate context used when no feed is configured
// or the feed cannot be reached.
func DefaultSnapshot() model.MarketSnapshot {
	return model.MarketSnapshot{
		FedFundsRate:     4.33,
		Treasury3MYield:  4.30,
		MoneyMarketYield: 4.10,
		Source:           "static",
	}
}

// StaticProvider always returns DefaultSnapshot.
type StaticProvider struct{}

// Snapshot returns DefaultSnapshot stamped with the current time.
func (StaticProvider) Snapshot(context.Context) (model.MarketSnapshot, error) {
	s := DefaultSnapshot()
	s.AsOf = time.Now().UTC()
	return s, nil
}

// HTTPProvider fetches a JSON snapshot from a rate feed and caches it for a
// fixed TTL. Concurrent refreshes share one request.
type HTTPProvider struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client

	group singleflight.Group

	mu        sync.RWMutex
	cached    model.MarketSnapshot
	fetchedAt time.Time
}

// NewHTTPProvider creates a provider for the feed at url.
func NewHTTPProvider(url string, ttl time.Duration) *HTTPProvider {
	return &HTTPProvider{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Snapshot returns the cached snapshot if fresh, otherwise fetches a new one.
func (p *HTTPProvider) Snapshot(ctx context.Context) (model.MarketSnapshot, error) {
	p.mu.RLock()
	if !p.fetchedAt.IsZero() && time.Since(p.fetchedAt) < p.ttl {
		s := p.cached
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	ch := p.group.DoChan("snapshot", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := p.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cached = s
		p.fetchedAt = time.Now()
		p.mu.Unlock()
		return s, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.MarketSnapshot{}, res.Err
		}
		return res.Val.(model.MarketSnapshot), nil
	case <-ctx.Done():
		return model.MarketSnapshot{}, ctx.Err()
	}
}

func (p *HTTPProvider) fetch(ctx context.Context) (model.MarketSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("market: create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("market: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.MarketSnapshot{}, fmt.Errorf("market: status %d: %s", resp.StatusCode, string(body))
	}

	var s model.MarketSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("market: decode response: %w", err)
	}
	if s.Source == "" {
		s.Source = p.url
	}
	if s.AsOf.IsZero() {
		s.AsOf = time.Now().UTC()
	}
	return s, nil
}
