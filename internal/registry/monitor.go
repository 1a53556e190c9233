package registry

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// Monitor periodically probes every registered service's health endpoint and
// folds the outcomes back into the registry. It is the registry's single
// health-state writer.
type Monitor struct {
	registry         *Registry
	interval         time.Duration
	failureThreshold int
	httpClient       *http.Client

	stopOnce sync.Once
	stopCh   chan struct{}
}

// MonitorConfig configures the health monitor loop
type MonitorConfig struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
}

// NewMonitor creates a monitor for the given registry
func NewMonitor(reg *Registry, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	return &Monitor{
		registry:         reg,
		interval:         cfg.Interval,
		failureThreshold: cfg.FailureThreshold,
		httpClient:       &http.Client{Timeout: cfg.ProbeTimeout},
		stopCh:           make(chan struct{}),
	}
}

// Run executes the probe loop until the context is cancelled or Stop is
// called. Intended to run in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	// Immediate sweep so the first health signal does not wait a full interval
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// Stop terminates the probe loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// CheckAll probes every registered service concurrently and records the
// outcomes. Exposed so tests and startup can trigger an immediate sweep.
func (m *Monitor) CheckAll(ctx context.Context) {
	services := m.registry.List()

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(name, endpoint string) {
			defer wg.Done()
			ok := m.probe(ctx, endpoint)
			m.registry.RecordProbe(name, ok, m.failureThreshold)
			if !ok {
				log.Printf("[Health] %s probe failed (%s)", name, endpoint)
			}
		}(svc.ServiceName, svc.HealthEndpoint)
	}
	wg.Wait()
}

// probe performs one liveness check; any 2xx response counts as healthy
func (m *Monitor) probe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
