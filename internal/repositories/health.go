package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/storefront/fulfillment/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyProbe checks one backing service during readiness.
type DependencyProbe struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// HealthChecker runs dependency probes concurrently.
type HealthChecker struct {
	probes []DependencyProbe
	now    func() time.Time
}

// NewHealthChecker validates and stores the probe set. A nil clock defaults to time.Now.
func NewHealthChecker(probes []DependencyProbe, clock func() time.Time) (*HealthChecker, error) {
	for _, probe := range probes {
		if strings.TrimSpace(probe.Name) == "" || probe.Check == nil {
			return nil, errors.New("health checker: probes require a name and check func")
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &HealthChecker{probes: append([]DependencyProbe(nil), probes...), now: clock}, nil
}

// Collect runs every probe and reports error if any timed out or was cancelled, degraded
// if any failed otherwise.
func (h *HealthChecker) Collect(ctx context.Context) domain.HealthReport {
	results := make(map[string]domain.HealthCheck, len(h.probes))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, probe := range h.probes {
		wg.Add(1)
		go func(probe DependencyProbe) {
			defer wg.Done()
			timeout := probe.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := h.now()
			err := probe.Check(checkCtx)
			end := h.now()

			result := domain.HealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				result.Status = domain.HealthStatusError
				result.Detail = err.Error()
			default:
				result.Status = domain.HealthStatusDegraded
				result.Detail = err.Error()
			}

			mu.Lock()
			results[probe.Name] = result
			mu.Unlock()
		}(probe)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		if result.Status == domain.HealthStatusError {
			status = domain.HealthStatusError
			break
		}
		if result.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}
	return domain.HealthReport{Status: status, Checks: results, GeneratedAt: h.now()}
}
