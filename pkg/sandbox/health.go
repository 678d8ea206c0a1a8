package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// healthCheck polls url every interval until it answers 2xx or timeout
// elapses. Each attempt is reported to logf. The number of attempts is capped
// at timeout/interval+1 regardless of how long individual requests take.
func healthCheck(ctx context.Context, client *http.Client, url string, interval, timeout time.Duration, logf func(string, ...any)) error {
	maxAttempts := int(timeout/interval) + 1
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, interval)
		status, err := probe(reqCtx, client, url)
		cancel()

		switch {
		case err != nil:
			logf("attempt %d/%d: %v", attempt, maxAttempts, err)
		case status >= 200 && status < 300:
			logf("attempt %d/%d: HTTP %d healthy", attempt, maxAttempts, status)
			return nil
		default:
			logf("attempt %d/%d: HTTP %d", attempt, maxAttempts, status)
		}

		if attempt == maxAttempts || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("health check cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return fmt.Errorf("no healthy response from %s within %s", url, timeout)
}

func probe(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// freePort asks the kernel for an unused loopback port
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserving host port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
