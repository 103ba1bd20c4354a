package processes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// HealthPath is the readiness endpoint every backend must expose.
	HealthPath = "/api/health"

	defaultHealthCheckTimeout = 2 * time.Second
	maxHealthBodyBytes        = 1 << 20
)

// HealthChecker defines the interface for performing a single health check against the backend.
type HealthChecker interface {
	// Check performs one health check against the backend listening on port.
	// It returns the response body on a success status and an error otherwise.
	Check(ctx context.Context, port uint16) (string, error)
}

// HTTPHealthChecker implements HealthChecker using HTTP GET requests
// against http://127.0.0.1:<port>/api/health.
type HTTPHealthChecker struct {
	client         *http.Client
	requestTimeout time.Duration // Timeout for a single HTTP health check request
}

// NewHTTPHealthChecker creates a new HTTPHealthChecker.
// requestTimeout caps each request including reading the body.
func NewHTTPHealthChecker(requestTimeout time.Duration) *HTTPHealthChecker {
	if requestTimeout <= 0 {
		requestTimeout = defaultHealthCheckTimeout
	}
	return &HTTPHealthChecker{
		client: &http.Client{
			Timeout: requestTimeout,
		},
		requestTimeout: requestTimeout,
	}
}

// Check performs an HTTP health check on the backend bound to port.
func (h *HTTPHealthChecker) Check(ctx context.Context, port uint16) (string, error) {
	if port == 0 {
		return "", fmt.Errorf("invalid port %d for health check", port)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, HealthPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("health check at %s returned status %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBodyBytes))
	if err != nil {
		// The status already says healthy; an unreadable body is treated as empty.
		return "", nil
	}
	return string(body), nil
}

// HealthProber runs bounded, strictly sequential health check cycles.
type HealthProber struct {
	checker HealthChecker
	logger  *slog.Logger
	metrics MetricsCollector
}

// NewHealthProber creates a prober. logger and metrics may be nil.
func NewHealthProber(checker HealthChecker, logger *slog.Logger, metrics MetricsCollector) *HealthProber {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewNoopMetricsCollector()
	}
	return &HealthProber{checker: checker, logger: logger, metrics: metrics}
}

// WaitForHealth checks the backend up to retries times, sleeping delay after
// every failed attempt. It returns the body of the first successful response,
// or a health timeout error naming the number of attempts made.
// Each attempt completes before the next one is scheduled.
func (p *HealthProber) WaitForHealth(ctx context.Context, port uint16, retries int, delay time.Duration) (string, error) {
	start := time.Now()
	for i := 0; i < retries; i++ {
		body, err := p.checker.Check(ctx, port)
		if err == nil {
			p.metrics.ProbeAttempt(true)
			p.metrics.ProbeDuration(time.Since(start), nil)
			p.logger.Info("Backend healthy", "port", port, "attempts", i+1)
			return body, nil
		}
		p.metrics.ProbeAttempt(false)
		p.logger.Warn("Health check attempt failed", "port", port, "attempt", i+1, "error", err)

		select {
		case <-ctx.Done():
			p.metrics.ProbeDuration(time.Since(start), ctx.Err())
			return "", fmt.Errorf("health probe cancelled after %d attempts: %w", i+1, ctx.Err())
		case <-time.After(delay):
		}
	}

	err := NewHealthTimeoutError(retries)
	p.metrics.ProbeDuration(time.Since(start), err)
	return "", err
}
