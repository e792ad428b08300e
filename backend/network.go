package backend

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultProbeURL is the endpoint used by the connectivity pre-check.
const DefaultProbeURL = "https://www.google.com"

// DefaultProbeTimeout keeps the pre-check short so an offline machine fails
// fast instead of waiting on a tool's own network timeout.
const DefaultProbeTimeout = 5 * time.Second

// NetworkChecker is consulted before any stage or batch that needs network
// access.
type NetworkChecker interface {
	Check(ctx context.Context) error
}

// NetworkStatus is the last known reachability.
type NetworkStatus struct {
	Status    string    `json:"status"` // "up", "down", "unknown"
	Endpoint  string    `json:"endpoint,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// NetworkProbe checks that at least one endpoint answers. Successful checks
// are cached for ttl; failures are never cached.
type NetworkProbe struct {
	endpoints []string
	client    *http.Client
	ttl       time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	last NetworkStatus
}

// NewNetworkProbe builds a probe routed through the configured proxy.
func NewNetworkProbe(endpoints []string, timeout time.Duration, proxyURL string) (*NetworkProbe, error) {
	if len(endpoints) == 0 {
		endpoints = []string{DefaultProbeURL}
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	client, err := NewHTTPClient(timeout, proxyURL)
	if err != nil {
		return nil, err
	}
	return &NetworkProbe{
		endpoints: endpoints,
		client:    client,
		ttl:       30 * time.Second,
		now:       time.Now,
		last:      NetworkStatus{Status: "unknown"},
	}, nil
}

// Check returns nil when an endpoint is reachable, otherwise a NoNetwork
// JobError.
func (p *NetworkProbe) Check(ctx context.Context) error {
	p.mu.RLock()
	last := p.last
	p.mu.RUnlock()
	if last.Status == "up" && p.now().Sub(last.CheckedAt) < p.ttl {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan NetworkStatus, len(p.endpoints))
	for _, endpoint := range p.endpoints {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			results <- p.probe(ctx, url)
		}(endpoint)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr NetworkStatus
	for st := range results {
		if st.Status == "up" {
			cancel()
			p.record(st)
			return nil
		}
		lastErr = st
	}

	p.record(lastErr)
	Logger.Warn("network pre-check failed", "endpoints", p.endpoints)
	return &JobError{
		Kind:    KindNoNetwork,
		Message: fmt.Sprintf("no internet connection (could not reach %s)", lastErr.Endpoint),
	}
}

// Status returns the most recent probe result without probing.
func (p *NetworkProbe) Status() NetworkStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *NetworkProbe) record(st NetworkStatus) {
	p.mu.Lock()
	p.last = st
	p.mu.Unlock()
}

func (p *NetworkProbe) probe(ctx context.Context, endpoint string) NetworkStatus {
	down := NetworkStatus{Status: "down", Endpoint: endpoint, CheckedAt: p.now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return down
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return down
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return down
	}
	return NetworkStatus{Status: "up", Endpoint: endpoint, CheckedAt: p.now()}
}

// NetworkCheckFunc adapts a function to NetworkChecker.
type NetworkCheckFunc func(ctx context.Context) error

func (f NetworkCheckFunc) Check(ctx context.Context) error { return f(ctx) }
