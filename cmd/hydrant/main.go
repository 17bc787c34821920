// Command hydrant is the bulk-copy ingestion pipe's entrypoint: hydrant
// [config_file] [input_file]. With no input_file, input is read from
// stdin; with neither argument, configuration comes from the environment.
// Ported from the original's main() (src/hydrant.c) onto a context.Context-
// driven Go lifecycle with signal-triggered graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hydrant-io/hydrant/internal/hydrant"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath, inputPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if len(os.Args) > 2 {
		inputPath = os.Args[2]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hc, err := hydrant.Build(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Hydrant context: %v\n", err)
		return 1
	}
	slog.Info("Hydrant system initialized successfully.")

	exitCode := 0

	if inputPath != "" {
		f, err := os.Open(inputPath)
		if err != nil {
			slog.Error("unable to open input file", "path", inputPath, "err", err)
			hc.Teardown(context.Background())
			return 1
		}
		slog.Info("processing input from file", "path", inputPath)
		if err := hc.ProcessReader(ctx, f); err != nil {
			slog.Error("processing input failed", "err", err)
			exitCode = 1
		}
		f.Close()
	} else {
		slog.Info("processing input from stdin; send EOF to finish")
		if err := hc.ProcessReader(ctx, os.Stdin); err != nil {
			slog.Error("processing input failed", "err", err)
			exitCode = 1
		}
	}

	statsSnap, poolSnap := hc.Status()
	slog.Info("detailed status",
		"batches_processed", statsSnap.BatchesProcessed,
		"total_bytes", statsSnap.TotalBytes,
		"failed_batches", statsSnap.FailedBatches,
		"healthy_connections", poolSnap.HealthyConnections)

	hc.Teardown(context.Background())
	slog.Info("Hydrant system shutdown complete.")
	return exitCode
}
