package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// waitForServer polls base/api/health until it answers 200, for container
// health checks and scripts that start the server in the background.
func waitForServer(ctx context.Context, base string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	url := strings.TrimSuffix(base, "/") + "/api/health"

	check := func() error {
		resp, err := client.Get(url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health returned %s", resp.Status)
		}
		return nil
	}

	// Try for up to 30 seconds
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = check(); lastErr == nil {
			log.Printf("Server at %s is ready", base)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timeout waiting for %s: %w", url, lastErr)
		case <-ticker.C:
		}
	}
}
