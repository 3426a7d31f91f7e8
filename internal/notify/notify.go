// Package notify posts plain-text run results to an NTFY-style endpoint.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// RunResultMessage formats the outcome of a scenario run.
func RunResultMessage(name string, runErr error, elapsed time.Duration) string {
	elapsed = elapsed.Round(time.Millisecond)
	if runErr != nil {
		return fmt.Sprintf("swharness %s FAILED after %s: %v", name, elapsed, runErr)
	}
	return fmt.Sprintf("swharness %s passed in %s", name, elapsed)
}

// SendRunResult posts the outcome of a scenario run to endpoint.
func SendRunResult(ctx context.Context, client *http.Client, endpoint, name string, runErr error, elapsed time.Duration) error {
	return Send(ctx, client, endpoint, RunResultMessage(name, runErr, elapsed))
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if endpoint == "" {
		return errors.New("notify: endpoint is required")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("notify response close failed", "error", err)
		}
	}()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Debug("notify response drain failed", "error", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
