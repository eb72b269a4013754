package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/otelguard/internal/telemetry"
)

func newHealthCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check telemetry health of a running otelguard server",
		Long: `Query GET /health/telemetry on a running server and print the result.

Exits non-zero when telemetry is unhealthy or uninitialized. A degraded
status (circuit open or exporter unreachable) is reported but succeeds.

Examples:
  otelguard health
  otelguard health --server http://localhost:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			h, code, err := fetchHealth(ctx, serverURL)
			if err != nil {
				return err
			}
			printHealth(cmd.OutOrStdout(), h)
			if code != http.StatusOK {
				return fmt.Errorf("telemetry %s: %s", h.Status, h.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:9090", "otelguard server URL")
	return cmd
}

// fetchHealth queries the telemetry health endpoint at serverURL.
func fetchHealth(ctx context.Context, serverURL string) (telemetry.HealthStatus, int, error) {
	var h telemetry.HealthStatus
	url := strings.TrimRight(serverURL, "/") + "/health/telemetry"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return h, 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return h, 0, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return h, resp.StatusCode, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return h, resp.StatusCode, nil
}

func printHealth(w io.Writer, h telemetry.HealthStatus) {
	fmt.Fprintf(w, "Telemetry: %s\n", h.Status)
	if h.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", h.Reason)
	}
	if h.CircuitBreaker != "" {
		fmt.Fprintf(w, "Circuit:   %s\n", h.CircuitBreaker)
	}
	for _, name := range slices.Sorted(maps.Keys(h.Pipelines)) {
		fmt.Fprintf(w, "  pipeline %-8s %s\n", name, h.Pipelines[name])
	}
	for _, name := range slices.Sorted(maps.Keys(h.Exporters)) {
		fmt.Fprintf(w, "  exporter %-8s %s\n", name, h.Exporters[name])
	}
}
