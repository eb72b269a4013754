// Package main implements the otelguard CLI: a host service wired with the
// fault-tolerant telemetry client, and a health probe for running instances.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "otelguard",
		Short: "Telemetry that never takes the service down with it",
		Long: `otelguard runs a service whose traces, metrics and logs are exported over
OTLP through per-pipeline circuit breakers. When the collector is unreachable
the service keeps running without telemetry and reports itself degraded.`,
		Version:      version + " (" + gitCommit + ", built " + buildDate + ")",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newHealthCmd())
	return root
}
